// Package agent runs the conversation loop: it streams model turns, hands
// tool calls to the router and feeds the results back until the model
// answers without tools or the iteration cap is reached.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	mcptypes "github.com/mark3labs/mcp-go/mcp"

	"otcore/history"
	"otcore/metrics"
	"otcore/model"
	"otcore/provider"
	"otcore/stream"
	"otcore/tools"
)

// Mode selects the loop a Controller runs.
type Mode string

const (
	ModeReAct Mode = "react"
	ModePlan  Mode = "plan"
)

const DefaultMaxIterations = 10

// ErrStopped is returned by Chat when the run was stopped or its context
// cancelled.
var ErrStopped = errors.New("agent stopped")

// Streamer runs one model turn. *stream.Adapter implements it.
type Streamer interface {
	Stream(ctx context.Context, req provider.Request, h stream.Handler) (stream.Result, error)
	Stop()
}

// Dispatcher is the part of the tool router the loop uses.
type Dispatcher interface {
	Schema(ctx context.Context) ([]mcptypes.Tool, error)
	DispatchAll(ctx context.Context, calls []model.ToolCall, fn func(model.ToolCall, tools.Result) error) ([]tools.Result, error)
}

var (
	_ Streamer   = (*stream.Adapter)(nil)
	_ Dispatcher = (*tools.Router)(nil)
)

// Deps are the collaborators of a Controller. Router may be nil, in which
// case no tools are offered.
type Deps struct {
	Model   Streamer
	Router  Dispatcher
	History *history.Manager
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Options configures a Controller.
type Options struct {
	Mode          Mode
	MaxIterations int
	Temperature   float64
	Model         string // empty uses the streamer's default
	OnEvent       func(Event)
}

// Controller drives one conversation. Chat calls must not overlap.
type Controller struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	state      RunState
	last       RunState
	cancel     context.CancelFunc
	inProgress string // id of the assistant message being streamed
}

func New(deps Deps, opts Options) *Controller {
	if opts.Mode == "" {
		opts.Mode = ModeReAct
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Controller{
		deps:   deps,
		opts:   opts,
		logger: logger.With("component", "agent", "mode", string(opts.Mode)),
	}
}

// History returns the conversation the controller writes to.
func (c *Controller) History() *history.Manager {
	return c.deps.History
}

// State returns a copy of the current run state.
func (c *Controller) State() RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// LastRun returns the state of the most recent finished run.
func (c *Controller) LastRun() RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last.clone()
}

// Chat appends the user's text and runs the configured loop. It returns the
// final assistant message.
func (c *Controller) Chat(ctx context.Context, text string) (model.Message, error) {
	return c.ChatMessage(ctx, model.NewMessage(model.RoleUser, text))
}

// ChatMessage is Chat for a prepared user message, such as one with images.
func (c *Controller) ChatMessage(ctx context.Context, msg model.Message) (model.Message, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.state = RunState{Running: true}
	c.cancel = cancel
	c.inProgress = ""
	c.mu.Unlock()

	c.push(ctx, msg)

	var (
		final model.Message
		err   error
	)
	switch c.opts.Mode {
	case ModePlan:
		final, err = c.runPlan(ctx, msg.Content)
	default:
		final, err = c.runReAct(ctx)
	}

	outcome := "done"
	switch {
	case err != nil && c.stopped(ctx, err):
		outcome = "stopped"
		c.abandon()
		err = ErrStopped
	case err != nil:
		outcome = "error"
		err = c.fail(ctx, err)
	case c.State().CapReached:
		outcome = "cap"
	}

	c.mu.Lock()
	c.state.Running = false
	c.state.State = StateDone
	c.last = c.state.clone()
	c.state = RunState{}
	c.cancel = nil
	c.mu.Unlock()

	c.deps.Metrics.RunFinished(string(c.opts.Mode), outcome, c.last.Iteration)
	c.emit(Event{Kind: EventState, State: StateDone})
	c.logger.Info("run finished", "outcome", outcome, "iterations", c.last.Iteration, "cap_reached", c.last.CapReached)
	return final, err
}

// Stop ends the current run at the next boundary, cancels the in-flight
// stream and resets the run state. It is safe with nothing running.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.state.Running = false
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.deps.Model.Stop()

	c.mu.Lock()
	c.state = RunState{}
	c.mu.Unlock()
}

func (c *Controller) running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Running
}

func (c *Controller) stopped(ctx context.Context, err error) bool {
	return errors.Is(err, ErrStopped) || errors.Is(err, context.Canceled) || ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded)
}

// checkRunning is the loop boundary check.
func (c *Controller) checkRunning(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.running() {
		return ErrStopped
	}
	return nil
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state.State = s
	c.mu.Unlock()
	c.emit(Event{Kind: EventState, State: s})
}

// iterate counts one tool-enabled turn and reports whether the cap is now
// reached.
func (c *Controller) iterate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Iteration++
	return c.state.Iteration >= c.opts.MaxIterations
}

func (c *Controller) capReached() {
	c.mu.Lock()
	c.state.CapReached = true
	n := c.state.Iteration
	c.mu.Unlock()
	c.logger.Warn("iteration cap reached", "iterations", n, "max", c.opts.MaxIterations)
}

func (c *Controller) emit(e Event) {
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(e)
	}
}

// push appends to history. Persistence failures are logged; the message is
// in memory either way.
func (c *Controller) push(ctx context.Context, msgs ...model.Message) {
	if _, err := c.deps.History.Push(ctx, msgs...); err != nil {
		c.logger.Warn("failed to persist history", "error", err)
	}
}

func (c *Controller) patch(ctx context.Context, p history.Patch) {
	if _, _, err := c.deps.History.UpdateLastMessage(ctx, p); err != nil {
		c.logger.Warn("failed to persist history", "error", err)
	}
}

// turn streams one assistant message. instruction, when set, is appended to
// the request as a transient user message and is not stored. Without tools
// any tool calls in the answer are dropped.
func (c *Controller) turn(ctx context.Context, withTools bool, instruction string) (stream.Result, error) {
	var schema []mcptypes.Tool
	if withTools && c.deps.Router != nil {
		var err error
		schema, err = c.deps.Router.Schema(ctx)
		if err != nil {
			return stream.Result{}, fmt.Errorf("failed to assemble tool schema: %w", err)
		}
	}

	msgs := c.deps.History.ListWithoutType()
	if instruction != "" {
		msgs = append(msgs, model.NewMessage(model.RoleUser, instruction))
	}

	placeholder := model.NewMessage(model.RoleAssistant, "")
	c.push(ctx, placeholder)
	c.mu.Lock()
	c.inProgress = placeholder.ID
	c.mu.Unlock()

	res, err := c.deps.Model.Stream(ctx, provider.Request{
		Model:       c.opts.Model,
		Messages:    msgs,
		Tools:       schema,
		Temperature: c.opts.Temperature,
	}, func(e stream.Event) {
		if e.Kind != stream.EventContent || e.Content == "" {
			return
		}
		c.patch(ctx, history.Patch{AppendContent: e.Content})
		c.emit(Event{Kind: EventContent, Content: e.Content})
	})
	if err != nil {
		return res, err
	}

	content := res.Content
	calls := res.ToolCalls
	if len(calls) == 0 {
		content = cleanLeakedToolCalls(content)
	}
	if !withTools || c.deps.Router == nil {
		calls = nil
	}
	res.Content, res.ToolCalls = content, calls

	// a stop landing after the stream completed must not lose the answer
	c.patch(context.WithoutCancel(ctx), history.Patch{Content: &content, ToolCalls: calls})
	c.mu.Lock()
	c.inProgress = ""
	c.mu.Unlock()
	return res, nil
}

// observe dispatches calls in order, appending each result as a tool
// message before the next call runs. Calls left unanswered by a
// cancellation get a cancelled result so the history stays well formed.
func (c *Controller) observe(ctx context.Context, calls []model.ToolCall) error {
	c.setState(StateObserve)
	answered := make(map[string]bool, len(calls))

	_, err := c.deps.Router.DispatchAll(ctx, calls, func(call model.ToolCall, res tools.Result) error {
		c.push(ctx, model.NewToolMessage(call.ID, res.Result))
		answered[call.ID] = true
		c.emit(Event{Kind: EventToolResult, Tool: call.Name, Content: res.Result, Failed: res.Failed()})
		return nil
	})
	if err != nil {
		for _, call := range calls {
			if !answered[call.ID] {
				c.push(context.WithoutCancel(ctx), model.NewToolMessage(call.ID, `{"error":"execution_failed","message":"cancelled"}`))
			}
		}
	}
	return err
}

// announce emits one event per call before dispatch.
func (c *Controller) announce(res stream.Result) {
	for _, call := range res.ToolCalls {
		c.emit(Event{Kind: EventToolCall, Tool: call.Name, Purpose: purpose(res.Content, call)})
	}
}

// abandon closes out a message left half-streamed by a stop.
func (c *Controller) abandon() {
	c.mu.Lock()
	id := c.inProgress
	c.inProgress = ""
	c.mu.Unlock()
	if id == "" {
		return
	}
	last, ok := c.deps.History.LastMessage()
	if !ok || last.ID != id || last.Content != "" {
		return
	}
	content := "Generation stopped."
	typ := model.TypeError
	c.patch(context.Background(), history.Patch{Content: &content, Type: &typ})
}

// fail records err in history, runs one diagnostic turn without tools and
// returns err.
func (c *Controller) fail(ctx context.Context, err error) error {
	c.logger.Error("run failed", "error", err)
	ctx = context.WithoutCancel(ctx)

	c.mu.Lock()
	id := c.inProgress
	c.inProgress = ""
	c.mu.Unlock()

	text := fmt.Sprintf("Error: %v", err)
	typ := model.TypeError
	if last, ok := c.deps.History.LastMessage(); ok && id != "" && last.ID == id {
		if last.Content != "" {
			text = last.Content + "\n\n" + text
		}
		c.patch(ctx, history.Patch{Content: &text, Type: &typ})
	} else {
		record := model.NewMessage(model.RoleAssistant, text)
		record.Type = model.TypeError
		c.push(ctx, record)
	}
	c.emit(Event{Kind: EventError, Content: err.Error()})

	if _, derr := c.turn(ctx, false, diagnosticPrompt(err)); derr != nil {
		c.logger.Warn("diagnostic turn failed", "error", derr)
		c.mu.Lock()
		pending := c.inProgress
		c.inProgress = ""
		c.mu.Unlock()
		if last, ok := c.deps.History.LastMessage(); ok && last.ID == pending {
			msg := fmt.Sprintf("Error: %v", derr)
			c.patch(ctx, history.Patch{Content: &msg, Type: &typ})
		}
	}
	return err
}

// final returns the last assistant message.
func (c *Controller) final() model.Message {
	msg, _ := c.deps.History.LastMessage()
	return msg
}
