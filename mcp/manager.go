// Package mcp connects to external tool servers over the Model Context
// Protocol and exposes their tools to the router as the external kind.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	mcptypes "github.com/mark3labs/mcp-go/mcp"

	"otcore/config"
	"otcore/model"
	"otcore/tools"
)

// Manager owns the connections to every configured tool server.
type Manager struct {
	logger *slog.Logger

	mu     sync.RWMutex
	conns  map[string]*Connection
	failed map[string]error
}

var _ tools.Backend = (*Manager)(nil)

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		logger: logger.With("component", "mcp"),
		conns:  make(map[string]*Connection),
		failed: make(map[string]error),
	}
}

// Start connects to a configured server, initializes it and caches its
// tool list.
func (m *Manager) Start(ctx context.Context, cfg config.MCPServerConfig) error {
	if err := tools.ValidateID(cfg.ID); err != nil {
		return fmt.Errorf("invalid server: %w", err)
	}
	m.mu.RLock()
	_, running := m.conns[cfg.ID]
	m.mu.RUnlock()
	if running {
		return fmt.Errorf("server %s already running", cfg.ID)
	}

	c, cmd, err := newClient(ctx, cfg)
	if err != nil {
		m.markFailed(cfg.ID, err)
		return fmt.Errorf("failed to connect to server %s: %w", cfg.ID, err)
	}

	conn := &Connection{ID: cfg.ID, Client: c, Process: cmd, Remote: cfg.Transport == TransportSSE || cfg.Transport == TransportHTTP}
	if err := m.initialize(ctx, conn); err != nil {
		closeConnection(ctx, conn, m.logger)
		m.markFailed(cfg.ID, err)
		return err
	}
	m.logger.Info("server started", "server", cfg.ID, "transport", cfg.Transport, "tools", len(conn.Tools))
	return nil
}

// StartAll starts every server, logging the ones that fail.
func (m *Manager) StartAll(ctx context.Context, servers []config.MCPServerConfig) {
	for _, s := range servers {
		if err := m.Start(ctx, s); err != nil {
			m.logger.Warn("server failed to start", "server", s.ID, "error", err)
		}
	}
}

// Attach registers an already started client, such as an in-process server.
func (m *Manager) Attach(ctx context.Context, id string, c *client.Client) error {
	return m.initialize(ctx, &Connection{ID: id, Client: c})
}

func (m *Manager) initialize(ctx context.Context, conn *Connection) error {
	_, err := conn.Client.Initialize(ctx, mcptypes.InitializeRequest{
		Params: mcptypes.InitializeParams{
			ProtocolVersion: mcptypes.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcptypes.ClientCapabilities{},
			ClientInfo:      mcptypes.Implementation{Name: "otcore", Version: "1.0.0"},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize server %s: %w", conn.ID, err)
	}

	res, err := conn.Client.ListTools(ctx, mcptypes.ListToolsRequest{})
	if err != nil {
		return fmt.Errorf("failed to list tools for %s: %w", conn.ID, err)
	}
	conn.Tools = res.Tools

	m.mu.Lock()
	m.conns[conn.ID] = conn
	delete(m.failed, conn.ID)
	m.mu.Unlock()
	return nil
}

func (m *Manager) markFailed(id string, err error) {
	m.mu.Lock()
	m.failed[id] = err
	m.mu.Unlock()
}

// Failed returns the servers whose last start failed.
func (m *Manager) Failed() map[string]error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]error, len(m.failed))
	for id, err := range m.failed {
		out[id] = err
	}
	return out
}

// Refresh reloads the tool list of a running server.
func (m *Manager) Refresh(ctx context.Context, id string) error {
	conn, err := m.conn(id)
	if err != nil {
		return err
	}
	res, err := conn.Client.ListTools(ctx, mcptypes.ListToolsRequest{})
	if err != nil {
		return fmt.Errorf("failed to refresh tools: %w", err)
	}

	m.mu.Lock()
	conn.Tools = res.Tools
	m.mu.Unlock()
	return nil
}

// Stop disconnects one server. It is removed before closing so no new
// call can reach it.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	conn, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("server %s not found", id)
	}
	delete(m.conns, id)
	m.mu.Unlock()

	closeConnection(ctx, conn, m.logger)
	m.logger.Debug("server stopped", "server", id)
	return nil
}

// Shutdown stops every server in parallel.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = m.Stop(ctx, id)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (m *Manager) conn(id string) (*Connection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[id]
	if !ok {
		return nil, fmt.Errorf("server %s not running", id)
	}
	return conn, nil
}

func (m *Manager) Descriptors(ctx context.Context) ([]tools.Descriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []tools.Descriptor
	for _, id := range ids {
		for _, t := range m.conns[id].Tools {
			out = append(out, tools.Descriptor{
				Name: tools.Name{Kind: tools.KindExternal, ID: id, Tool: t.Name},
				Tool: t,
			})
		}
	}
	return out, nil
}

// Execute calls tool on server id and renders the result as text. A result
// flagged as an error is returned as an error.
func (m *Manager) Execute(ctx context.Context, id, tool string, args map[string]any) (any, error) {
	conn, err := m.conn(id)
	if err != nil {
		return nil, &model.ToolNotFoundError{Name: tools.Name{Kind: tools.KindExternal, ID: id, Tool: tool}.String()}
	}

	res, err := conn.Client.CallTool(ctx, mcptypes.CallToolRequest{
		Params: mcptypes.CallToolParams{Name: tool, Arguments: args},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to call %s on %s: %w", tool, id, err)
	}

	text := renderResult(res)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return nil, errors.New(text)
	}
	return text, nil
}

// renderResult flattens the result content into text for the model.
// Binary content is summarized, structured content is used when nothing
// else was returned.
func renderResult(res *mcptypes.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		switch v := c.(type) {
		case mcptypes.TextContent:
			parts = append(parts, v.Text)
		case mcptypes.ImageContent:
			parts = append(parts, fmt.Sprintf("[image: %s]", v.MIMEType))
		case mcptypes.AudioContent:
			parts = append(parts, fmt.Sprintf("[audio: %s]", v.MIMEType))
		case mcptypes.ResourceLink:
			parts = append(parts, fmt.Sprintf("[resource: %s %s]", v.Name, v.URI))
		case mcptypes.EmbeddedResource:
			switch r := v.Resource.(type) {
			case mcptypes.TextResourceContents:
				parts = append(parts, r.Text)
			case mcptypes.BlobResourceContents:
				parts = append(parts, fmt.Sprintf("[resource: %s]", r.URI))
			}
		}
	}
	if len(parts) == 0 && res.StructuredContent != nil {
		if data, err := json.Marshal(res.StructuredContent); err == nil {
			return string(data)
		}
	}
	return strings.Join(parts, "\n")
}
