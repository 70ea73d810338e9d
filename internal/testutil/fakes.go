// Package testutil holds test doubles shared across packages.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"otcore/model"
	"otcore/provider"
	"otcore/stream"
)

// RecordedRequest is one OpenStream call seen by a FakeTransport.
type RecordedRequest struct {
	Target    provider.Target
	RequestID string
	Body      []byte
}

// FakeTransport replays scripted frames, one script per OpenStream call.
type FakeTransport struct {
	// OpenErr is returned by every OpenStream call when set.
	OpenErr error

	mu        sync.Mutex
	hold      bool
	scripts   [][]stream.Frame
	requests  []RecordedRequest
	cancelled []string
}

var _ stream.Transport = (*FakeTransport)(nil)

// NewFakeTransport returns a transport that plays scripts in order.
func NewFakeTransport(scripts ...[]string) *FakeTransport {
	f := &FakeTransport{}
	for _, s := range scripts {
		f.Push(s...)
	}
	return f
}

// HoldOpen makes later streams stay open after their script until ctx is
// done.
func (f *FakeTransport) HoldOpen(hold bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hold = hold
}

// Push queues a script of frame payloads.
func (f *FakeTransport) Push(payloads ...string) {
	frames := make([]stream.Frame, len(payloads))
	for i, p := range payloads {
		frames[i] = stream.Frame{Data: []byte(p)}
	}
	f.PushFrames(frames...)
}

// PushFrames queues a script of raw frames, for scripting mid-stream errors.
func (f *FakeTransport) PushFrames(frames ...stream.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, frames)
}

func (f *FakeTransport) OpenStream(ctx context.Context, target provider.Target, requestID string, body []byte) (<-chan stream.Frame, error) {
	f.mu.Lock()
	f.requests = append(f.requests, RecordedRequest{Target: target, RequestID: requestID, Body: append([]byte(nil), body...)})
	if f.OpenErr != nil {
		f.mu.Unlock()
		return nil, f.OpenErr
	}
	var script []stream.Frame
	if len(f.scripts) > 0 {
		script, f.scripts = f.scripts[0], f.scripts[1:]
	}
	hold := f.hold
	f.mu.Unlock()

	ch := make(chan stream.Frame)
	go func() {
		defer close(ch)
		for _, frame := range script {
			select {
			case ch <- frame:
			case <-ctx.Done():
				return
			}
		}
		if hold {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

func (f *FakeTransport) Cancel(requestID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, requestID)
}

// Requests returns the recorded OpenStream calls.
func (f *FakeTransport) Requests() []RecordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RecordedRequest(nil), f.requests...)
}

// Cancelled returns the request ids passed to Cancel.
func (f *FakeTransport) Cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

// Turn is one scripted model response for a FakeStreamer.
type Turn struct {
	Content   string
	ToolCalls []model.ToolCall
	Err       error
}

// FakeStreamer answers Stream calls from a script of turns. Once the script
// runs out every call answers DefaultContent.
type FakeStreamer struct {
	DefaultContent string

	mu       sync.Mutex
	turns    []Turn
	requests []provider.Request
	stops    int
}

// NewFakeStreamer returns a streamer playing turns in order.
func NewFakeStreamer(turns ...Turn) *FakeStreamer {
	return &FakeStreamer{DefaultContent: "ok", turns: turns}
}

func (f *FakeStreamer) Stream(ctx context.Context, req provider.Request, h stream.Handler) (stream.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	turn := Turn{Content: f.DefaultContent}
	if len(f.turns) > 0 {
		turn, f.turns = f.turns[0], f.turns[1:]
	}
	id := fmt.Sprintf("req-%d", len(f.requests))
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return stream.Result{RequestID: id}, err
	}
	if h == nil {
		h = func(stream.Event) {}
	}
	if turn.Err != nil {
		h(stream.Event{RequestID: id, Kind: stream.EventError, Err: turn.Err})
		return stream.Result{RequestID: id}, turn.Err
	}

	if turn.Content != "" {
		h(stream.Event{RequestID: id, Kind: stream.EventContent, Content: turn.Content})
	}
	for i, tc := range turn.ToolCalls {
		h(stream.Event{RequestID: id, Kind: stream.EventToolCallDelta, ToolCall: provider.ToolCallDelta{
			Index: i, ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments,
		}})
	}
	h(stream.Event{RequestID: id, Kind: stream.EventDone})

	return stream.Result{RequestID: id, Content: turn.Content, ToolCalls: turn.ToolCalls}, nil
}

func (f *FakeStreamer) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

// Requests returns every request seen so far.
func (f *FakeStreamer) Requests() []provider.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.Request(nil), f.requests...)
}

// Stops returns how many times Stop was called.
func (f *FakeStreamer) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

// FakeEmbedder embeds text as letter counts over a-z, so texts sharing
// letters score as similar. Vectors overrides the embedding per text.
type FakeEmbedder struct {
	Vectors map[string][]float32
	Err     error

	mu    sync.Mutex
	calls int
}

func (f *FakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.Err != nil {
		return nil, f.Err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if v, ok := f.Vectors[text]; ok {
			out[i] = v
			continue
		}
		v := make([]float32, 26)
		for _, r := range strings.ToLower(text) {
			if r >= 'a' && r <= 'z' {
				v[r-'a']++
			}
		}
		out[i] = v
	}
	return out, nil
}

// Calls returns how many times Embed ran.
func (f *FakeEmbedder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
