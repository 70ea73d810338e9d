package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	mcptypes "github.com/mark3labs/mcp-go/mcp"

	"otcore/history"
	"otcore/metrics"
	"otcore/model"
	"otcore/storage"
	"otcore/tools"
)

// MaxDepth bounds how deeply sub-agents may call other sub-agents.
const MaxDepth = 3

const askTool = "ask"

var askSchema = json.RawMessage(`{"type":"object","properties":{"task":{"type":"string","description":"The task for the agent, with all context it needs"}},"required":["task"]}`)

type depthKey struct{}

func depth(ctx context.Context) int {
	d, _ := ctx.Value(depthKey{}).(int)
	return d
}

// Profile describes a sub-agent.
type Profile struct {
	ID            string
	Description   string
	SystemPrompt  string
	Mode          Mode
	MaxIterations int
	Temperature   float64
	Model         string
}

// SubAgentBackend exposes each profile as an "ask" tool. A call runs a
// nested controller over a fresh conversation seeded with the profile's
// system prompt.
type SubAgentBackend struct {
	model   Streamer
	router  Dispatcher
	store   storage.Store
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	profiles map[string]Profile
}

var _ tools.Backend = (*SubAgentBackend)(nil)

// NewSubAgentBackend returns a backend whose agents use model and router.
// Their conversations are kept in store; a nil store keeps them in memory.
func NewSubAgentBackend(deps Deps, store storage.Store) *SubAgentBackend {
	if store == nil {
		store = storage.NewMemoryStore()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SubAgentBackend{
		model:    deps.Model,
		router:   deps.Router,
		store:    store,
		logger:   logger,
		metrics:  deps.Metrics,
		profiles: make(map[string]Profile),
	}
}

// SetRouter sets the router nested agents use. The router usually holds
// this backend too, so it is set after construction.
func (b *SubAgentBackend) SetRouter(r Dispatcher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.router = r
}

// Add registers a profile, replacing one with the same id.
func (b *SubAgentBackend) Add(p Profile) error {
	if err := tools.ValidateID(p.ID); err != nil {
		return fmt.Errorf("invalid agent: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.profiles[p.ID] = p
	return nil
}

func (b *SubAgentBackend) Descriptors(ctx context.Context) ([]tools.Descriptor, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.profiles))
	for id := range b.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]tools.Descriptor, 0, len(ids))
	for _, id := range ids {
		p := b.profiles[id]
		desc := p.Description
		if desc == "" {
			desc = "Delegate a task to the " + id + " agent"
		}
		out = append(out, tools.Descriptor{
			Name: tools.Name{Kind: tools.KindAgent, ID: id, Tool: askTool},
			Tool: mcptypes.NewToolWithRawSchema(askTool, desc, askSchema),
		})
	}
	return out, nil
}

func (b *SubAgentBackend) Execute(ctx context.Context, id, tool string, args map[string]any) (any, error) {
	b.mu.RLock()
	p, ok := b.profiles[id]
	router := b.router
	b.mu.RUnlock()
	if !ok || tool != askTool {
		return nil, &model.ToolNotFoundError{Name: tools.Name{Kind: tools.KindAgent, ID: id, Tool: tool}.String()}
	}

	task, _ := args["task"].(string)
	if strings.TrimSpace(task) == "" {
		return nil, &model.ToolArgumentError{Name: tools.Name{Kind: tools.KindAgent, ID: id, Tool: tool}.String(), Err: errors.New("task is required")}
	}
	d := depth(ctx)
	if d >= MaxDepth {
		return nil, fmt.Errorf("agent %s: nesting deeper than %d agents", id, MaxDepth)
	}

	logger := b.logger.With("agent", id, "depth", d+1)
	hist := history.New(b.store, p.SystemPrompt, history.Options{AgentID: id, Logger: logger})
	ctrl := New(Deps{
		Model:   b.model,
		Router:  router,
		History: hist,
		Logger:  logger,
		Metrics: b.metrics,
	}, Options{
		Mode:          p.Mode,
		MaxIterations: p.MaxIterations,
		Temperature:   p.Temperature,
		Model:         p.Model,
	})

	msg, err := ctrl.Chat(context.WithValue(ctx, depthKey{}, d+1), task)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", id, err)
	}
	return msg.Content, nil
}
