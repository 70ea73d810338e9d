package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"github.com/sahilm/fuzzy"

	"otcore/metrics"
	"otcore/model"
)

// Error kinds reported in a failure envelope.
const (
	ErrToolNotFound     = "tool_not_found"
	ErrInvalidArguments = "invalid_arguments"
	ErrExecutionFailed  = "execution_failed"
)

const maxSuggestions = 3

// Descriptor describes one tool of a backend. Tool.Name is the bare tool
// name; the router encodes the wire name from Name.
type Descriptor struct {
	Name Name
	Tool mcptypes.Tool
}

// Backend owns the tools of one kind.
type Backend interface {
	Descriptors(ctx context.Context) ([]Descriptor, error)
	Execute(ctx context.Context, id, tool string, args map[string]any) (any, error)
}

// BuiltinTool is a reserved tool that needs no source id.
type BuiltinTool interface {
	Tool() mcptypes.Tool
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// Result is the outcome of one dispatched call. Result is the text that
// goes back to the model; on failure it holds the error envelope and Err is
// set.
type Result struct {
	CallID    string
	Name      string
	Arguments string
	Result    string
	Err       error
}

// Failed reports whether the call produced an error envelope.
func (r Result) Failed() bool {
	return r.Err != nil
}

type envelope struct {
	Error       string   `json:"error"`
	Message     string   `json:"message"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// Options configures a Router.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Router resolves tool names to backends.
type Router struct {
	codec   Codec
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	backends map[Kind]Backend
	builtins map[string]BuiltinTool
}

// NewRouter returns a router with no backends.
func NewRouter(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Router{
		logger:   logger.With("component", "tools"),
		metrics:  opts.Metrics,
		backends: make(map[Kind]Backend),
		builtins: make(map[string]BuiltinTool),
	}
}

// Register installs the backend for kind, replacing any previous one.
func (r *Router) Register(kind Kind, b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[kind] = b
}

// RegisterBuiltin installs a reserved built-in tool.
func (r *Router) RegisterBuiltin(b BuiltinTool) error {
	name := b.Tool().Name
	if !isReserved(name) {
		return fmt.Errorf("%q is not a reserved tool name", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builtins[name] = b
	return nil
}

func (r *Router) backend(kind Kind) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[kind]
	return b, ok
}

func (r *Router) builtin(name string) (BuiltinTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.builtins[name]
	return b, ok
}

// Schema assembles the tools offered to the model for one turn, with wire
// names. A backend that fails to list its tools is logged and left out.
func (r *Router) Schema(ctx context.Context) ([]mcptypes.Tool, error) {
	var out []mcptypes.Tool

	r.mu.RLock()
	for _, name := range []string{GenerateImage, InspectImage} {
		if b, ok := r.builtins[name]; ok {
			out = append(out, b.Tool())
		}
	}
	r.mu.RUnlock()

	for _, kind := range kinds {
		b, ok := r.backend(kind)
		if !ok {
			continue
		}
		descs, err := b.Descriptors(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.logger.Warn("failed to list tools", "kind", kind, "error", err)
			continue
		}
		for _, d := range descs {
			tool := d.Tool
			tool.Name = r.codec.Encode(d.Name)
			out = append(out, tool)
		}
	}
	return out, nil
}

// Dispatch runs one tool call. It never fails: every error is folded into
// the result envelope.
func (r *Router) Dispatch(ctx context.Context, call model.ToolCall) Result {
	start := time.Now()
	res := Result{CallID: call.ID, Name: call.Name, Arguments: call.Arguments}

	kind, content, err := r.dispatch(ctx, call)
	status := "success"
	if err != nil {
		status = errorKind(err)
		res.Err = err
		res.Result = r.envelope(ctx, call.Name, err)
		r.logger.Warn("tool call failed", "tool", call.Name, "kind", kind, "error", err)
	} else {
		res.Result = content
		r.logger.Debug("tool call succeeded", "tool", call.Name, "kind", kind, "duration", time.Since(start))
	}
	r.metrics.ToolDispatched(string(kind), status, time.Since(start))
	return res
}

func (r *Router) dispatch(ctx context.Context, call model.ToolCall) (Kind, string, error) {
	name, err := r.codec.Decode(call.Name)
	if err != nil {
		return "unknown", "", &model.ToolNotFoundError{Name: call.Name}
	}

	args, err := ParseArguments(call.Arguments)
	if err != nil {
		return name.Kind, "", &model.ToolArgumentError{Name: call.Name, Err: err}
	}

	if name.Kind == KindBuiltin {
		b, ok := r.builtin(name.Tool)
		if !ok {
			return name.Kind, "", &model.ToolNotFoundError{Name: call.Name}
		}
		if err := validateArguments(b.Tool(), args); err != nil {
			return name.Kind, "", &model.ToolArgumentError{Name: call.Name, Err: err}
		}
		out, err := b.Execute(ctx, args)
		if err != nil {
			return name.Kind, "", err
		}
		content, err := render(out)
		return name.Kind, content, err
	}

	b, ok := r.backend(name.Kind)
	if !ok {
		return name.Kind, "", &model.ToolNotFoundError{Name: call.Name}
	}
	tool, ok, err := lookup(ctx, b, name)
	if err != nil {
		return name.Kind, "", err
	}
	if !ok {
		return name.Kind, "", &model.ToolNotFoundError{Name: call.Name}
	}
	if err := validateArguments(tool, args); err != nil {
		return name.Kind, "", &model.ToolArgumentError{Name: call.Name, Err: err}
	}

	out, err := b.Execute(ctx, name.ID, name.Tool, args)
	if err != nil {
		return name.Kind, "", err
	}
	content, err := render(out)
	return name.Kind, content, err
}

func lookup(ctx context.Context, b Backend, name Name) (mcptypes.Tool, bool, error) {
	descs, err := b.Descriptors(ctx)
	if err != nil {
		return mcptypes.Tool{}, false, fmt.Errorf("failed to list %s tools: %w", name.Kind, err)
	}
	for _, d := range descs {
		if d.Name.ID == name.ID && d.Name.Tool == name.Tool {
			return d.Tool, true, nil
		}
	}
	return mcptypes.Tool{}, false, nil
}

// render turns a backend's return value into tool message content.
func render(out any) (string, error) {
	switch v := out.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case json.RawMessage:
		return string(v), nil
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("failed to encode tool result: %w", err)
	}
	return string(b), nil
}

func errorKind(err error) string {
	var notFound *model.ToolNotFoundError
	var badArgs *model.ToolArgumentError
	switch {
	case errors.As(err, &notFound):
		return ErrToolNotFound
	case errors.As(err, &badArgs):
		return ErrInvalidArguments
	default:
		return ErrExecutionFailed
	}
}

func (r *Router) envelope(ctx context.Context, wire string, err error) string {
	env := envelope{Error: errorKind(err), Message: err.Error()}
	if env.Error == ErrToolNotFound {
		env.Suggestions = r.Suggest(ctx, wire)
	}
	b, merr := json.Marshal(env)
	if merr != nil {
		return fmt.Sprintf(`{"error":%q,"message":%q}`, env.Error, env.Message)
	}
	return string(b)
}

// Suggest returns the closest known wire names to a name no backend owns.
func (r *Router) Suggest(ctx context.Context, wire string) []string {
	tools, err := r.Schema(ctx)
	if err != nil || len(tools) == 0 {
		return nil
	}
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}

	pattern := wire
	if n, err := r.codec.Decode(wire); err == nil {
		pattern = n.Tool
	}

	var out []string
	for _, m := range fuzzy.Find(pattern, names) {
		if m.Str == wire {
			continue
		}
		out = append(out, m.Str)
		if len(out) == maxSuggestions {
			break
		}
	}
	return out
}

// DispatchAll runs calls one at a time in order. fn sees each result before
// the next call starts; an error from fn or a cancelled ctx stops the run.
func (r *Router) DispatchAll(ctx context.Context, calls []model.ToolCall, fn func(model.ToolCall, Result) error) ([]Result, error) {
	results := make([]Result, 0, len(calls))
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res := r.Dispatch(ctx, call)
		results = append(results, res)
		if fn != nil {
			if err := fn(call, res); err != nil {
				return results, err
			}
		}
	}
	return results, nil
}
