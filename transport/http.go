// Package transport implements stream.Transport over HTTP and over a local
// websocket bridge, plus the HTTP image job client.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"otcore/model"
	"otcore/provider"
	"otcore/stream"
)

// maxLineSize bounds one SSE or NDJSON line.
const maxLineSize = 1024 * 1024

// HTTP streams provider responses over plain HTTP.
type HTTP struct {
	client *http.Client
	logger *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

var _ stream.Transport = (*HTTP)(nil)

// NewHTTP returns an HTTP transport. A nil client means http.DefaultClient;
// streaming requests carry no client timeout of their own.
func NewHTTP(client *http.Client, logger *slog.Logger) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &HTTP{
		client:  client,
		logger:  logger.With("component", "transport", "kind", "http"),
		cancels: make(map[string]context.CancelFunc),
	}
}

func (t *HTTP) OpenStream(ctx context.Context, target provider.Target, requestID string, body []byte) (<-chan stream.Frame, error) {
	rctx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(rctx, http.MethodPost, target.URL, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if target.Header != nil {
		req.Header = target.Header.Clone()
	}

	t.register(requestID, cancel)

	resp, err := t.client.Do(req)
	if err != nil {
		t.release(requestID)
		return nil, &model.TransportError{Provider: target.Provider, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		t.release(requestID)
		return nil, &model.TransportError{
			Provider: target.Provider,
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("%s", strings.TrimSpace(string(msg))),
		}
	}

	t.logger.Debug("stream opened", "request_id", requestID, "provider", target.Provider, "status", resp.StatusCode)

	frames := make(chan stream.Frame)
	go t.read(rctx, requestID, target.Framing, resp.Body, frames)
	return frames, nil
}

func (t *HTTP) read(ctx context.Context, requestID string, framing provider.Framing, body io.ReadCloser, frames chan<- stream.Frame) {
	defer close(frames)
	defer body.Close()
	defer t.release(requestID)

	send := func(f stream.Frame) bool {
		select {
		case frames <- f:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		data, ok := framePayload(framing, scanner.Text())
		if !ok {
			continue
		}
		if !send(stream.Frame{Data: []byte(data)}) {
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		send(stream.Frame{Err: err})
	}
}

// framePayload extracts the payload of one line. SSE keeps only data lines;
// event names, comments and ids are dropped.
func framePayload(framing provider.Framing, line string) (string, bool) {
	if framing == provider.FramingNDJSON {
		line = strings.TrimSpace(line)
		return line, line != ""
	}

	data, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return "", false
	}
	data = strings.TrimSpace(data)
	return data, data != ""
}

func (t *HTTP) register(requestID string, cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancels[requestID] = cancel
}

func (t *HTTP) release(requestID string) {
	t.mu.Lock()
	cancel, ok := t.cancels[requestID]
	delete(t.cancels, requestID)
	t.mu.Unlock()
	if ok {
		cancel()
	}
}

// Cancel aborts the request with the given id. Unknown ids are ignored.
func (t *HTTP) Cancel(requestID string) {
	t.mu.Lock()
	cancel, ok := t.cancels[requestID]
	t.mu.Unlock()
	if ok {
		cancel()
	}
}
