package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"otcore/metrics"
	"otcore/model"
	"otcore/provider"
)

type EventKind string

const (
	EventContent       EventKind = "content"
	EventToolCallDelta EventKind = "tool_call_delta"
	EventError         EventKind = "error"
	EventDone          EventKind = "done"
)

// Event is the provider-neutral unit handed to a Handler.
type Event struct {
	RequestID string
	Kind      EventKind
	Content   string
	ToolCall  provider.ToolCallDelta
	Err       error
}

// Handler receives events in stream order on the streaming goroutine. It
// must not call Stop on the adapter that invoked it.
type Handler func(Event)

// Result is a finished turn.
type Result struct {
	RequestID     string
	Content       string
	ToolCalls     []model.ToolCall
	FinishReason  string
	SkippedFrames int
}

// Options configures an Adapter.
type Options struct {
	Endpoint string
	Model    string
	APIKey   string
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Adapter streams turns against one provider and model.
type Adapter struct {
	desc      provider.Descriptor
	transport Transport
	endpoint  string
	model     string
	apiKey    string
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu     sync.Mutex
	active *inflight
}

type inflight struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns an adapter for desc over t.
func New(desc provider.Descriptor, t Transport, opts Options) *Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Adapter{
		desc:      desc,
		transport: t,
		endpoint:  opts.Endpoint,
		model:     desc.Model(opts.Model),
		apiKey:    opts.APIKey,
		logger:    logger.With("component", "stream", "provider", desc.Name),
		metrics:   opts.Metrics,
	}
}

// Descriptor returns the provider descriptor.
func (a *Adapter) Descriptor() provider.Descriptor {
	return a.desc
}

// Model returns the model name requests default to.
func (a *Adapter) Model() string {
	return a.model
}

// Stream runs one turn. Any stream still open on this adapter is cancelled
// and waited for before the new request starts. Handler may be nil.
func (a *Adapter) Stream(ctx context.Context, req provider.Request, h Handler) (Result, error) {
	if req.Model == "" {
		req.Model = a.model
	}
	target, err := a.desc.Resolve(a.endpoint, req.Model, a.apiKey)
	if err != nil {
		return Result{}, err
	}
	if h == nil {
		h = func(Event) {}
	}

	cur, sctx := a.begin(ctx)
	defer a.finish(cur)

	start := time.Now()
	res, err := a.run(sctx, cur.id, target, req, h)

	status := "success"
	switch {
	case errors.Is(err, context.Canceled):
		status = "canceled"
	case err != nil:
		status = "error"
	}
	a.metrics.StreamFinished(a.desc.Name, req.Model, time.Since(start), status)

	if err != nil {
		h(Event{RequestID: cur.id, Kind: EventError, Err: err})
		return res, err
	}
	h(Event{RequestID: cur.id, Kind: EventDone})
	return res, nil
}

// begin waits out any previous stream and registers a new one.
func (a *Adapter) begin(ctx context.Context) (*inflight, context.Context) {
	for {
		a.mu.Lock()
		prev := a.active
		if prev == nil {
			sctx, cancel := context.WithCancel(ctx)
			cur := &inflight{id: uuid.NewString(), cancel: cancel, done: make(chan struct{})}
			a.active = cur
			a.mu.Unlock()
			return cur, sctx
		}
		a.mu.Unlock()

		a.logger.Debug("stopping previous stream", "request_id", prev.id)
		prev.cancel()
		a.transport.Cancel(prev.id)
		<-prev.done
	}
}

func (a *Adapter) finish(cur *inflight) {
	cur.cancel()
	a.mu.Lock()
	if a.active == cur {
		a.active = nil
	}
	a.mu.Unlock()
	close(cur.done)
}

func (a *Adapter) run(ctx context.Context, requestID string, target provider.Target, req provider.Request, h Handler) (res Result, err error) {
	res.RequestID = requestID

	body, err := a.desc.Shape(req)
	if err != nil {
		return res, fmt.Errorf("failed to shape %s request: %w", a.desc.Name, err)
	}

	a.logger.Debug("opening stream", "request_id", requestID, "model", req.Model, "tools", len(req.Tools), "messages", len(req.Messages))

	frames, err := a.transport.OpenStream(ctx, target, requestID, body)
	if err != nil {
		return res, a.transportError(ctx, err)
	}

	acc := NewAccumulator()
	defer func() {
		res.Content = acc.Content()
		res.ToolCalls = acc.ToolCalls()
		res.FinishReason = acc.FinishReason()
	}()

	for {
		var frame Frame
		var ok bool
		select {
		case <-ctx.Done():
			a.transport.Cancel(requestID)
			return res, ctx.Err()
		case frame, ok = <-frames:
		}
		if !ok {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			return res, nil
		}
		if frame.Err != nil {
			return res, a.transportError(ctx, frame.Err)
		}

		d, err := a.desc.Parse(frame.Data)
		if err != nil {
			pe := &model.ParseError{Provider: a.desc.Name, Frame: string(frame.Data), Err: err}
			if a.desc.OnParseError == provider.AbortStream {
				a.transport.Cancel(requestID)
				return res, pe
			}
			res.SkippedFrames++
			a.metrics.FrameSkipped(a.desc.Name)
			a.logger.Warn("skipping malformed frame", "request_id", requestID, "error", pe)
			continue
		}
		if d.Err != nil {
			a.transport.Cancel(requestID)
			return res, &model.TransportError{Provider: a.desc.Name, Err: d.Err}
		}

		acc.Add(d)
		if d.Content != "" {
			h(Event{RequestID: requestID, Kind: EventContent, Content: d.Content})
		}
		for _, tc := range d.ToolCalls {
			h(Event{RequestID: requestID, Kind: EventToolCallDelta, ToolCall: tc})
		}
		if d.Done {
			return res, nil
		}
	}
}

func (a *Adapter) transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var te *model.TransportError
	if errors.As(err, &te) {
		return err
	}
	return &model.TransportError{Provider: a.desc.Name, Err: err}
}

// Stop cancels the in-flight stream, if any, and waits for it to end. It is
// safe to call repeatedly and with nothing running.
func (a *Adapter) Stop() {
	a.mu.Lock()
	cur := a.active
	a.mu.Unlock()
	if cur == nil {
		return
	}
	cur.cancel()
	a.transport.Cancel(cur.id)
	<-cur.done
}

// Cancel cancels the stream with the given request id. Other requests are
// left alone. It does not wait.
func (a *Adapter) Cancel(requestID string) {
	a.mu.Lock()
	cur := a.active
	a.mu.Unlock()
	if cur == nil || cur.id != requestID {
		return
	}
	cur.cancel()
	a.transport.Cancel(requestID)
}

// Active returns the in-flight request id, or "".
func (a *Adapter) Active() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil {
		return ""
	}
	return a.active.id
}
