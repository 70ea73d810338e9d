// Package stream runs one streaming model turn at a time per model instance.
//
// An Adapter pairs a provider.Descriptor with a Transport. It turns every
// raw frame into a provider-neutral Event, merges tool-call fragments and
// guarantees at most one in-flight request.
package stream

import (
	"context"

	"otcore/provider"
)

// Frame is one payload read off a stream. A frame with Err set is the last
// one; the channel is closed after it.
type Frame struct {
	Data []byte
	Err  error
}

// Transport moves request bodies to providers and frames back. The channel
// returned by OpenStream is closed when the stream ends or ctx is done.
type Transport interface {
	OpenStream(ctx context.Context, target provider.Target, requestID string, body []byte) (<-chan Frame, error)
	Cancel(requestID string)
}
