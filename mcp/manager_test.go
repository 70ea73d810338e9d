package mcp

import (
	"context"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/client"
	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"otcore/config"
	"otcore/model"
	"otcore/tools"
)

func newTestServer() *server.MCPServer {
	s := server.NewMCPServer("files", "1.0.0", server.WithToolCapabilities(false))
	s.AddTool(mcptypes.NewTool("echo",
		mcptypes.WithDescription("Echo the text back"),
		mcptypes.WithString("text", mcptypes.Required(), mcptypes.Description("Text to echo")),
	), func(ctx context.Context, req mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error) {
		text, _ := req.GetArguments()["text"].(string)
		return mcptypes.NewToolResultText("echo: " + text), nil
	})
	s.AddTool(mcptypes.NewTool("fail", mcptypes.WithDescription("Always fails")),
		func(ctx context.Context, req mcptypes.CallToolRequest) (*mcptypes.CallToolResult, error) {
			return mcptypes.NewToolResultError("boom"), nil
		})
	return s
}

func attachTestServer(t *testing.T, m *Manager, id string) {
	t.Helper()
	ctx := context.Background()
	c, err := client.NewInProcessClient(newTestServer())
	if err != nil {
		t.Fatalf("NewInProcessClient: %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Attach(ctx, id, c); err != nil {
		t.Fatalf("Attach: %v", err)
	}
}

func TestManagerDescriptors(t *testing.T) {
	m := NewManager(nil)
	attachTestServer(t, m, "zeta")
	attachTestServer(t, m, "alpha")

	descs, err := m.Descriptors(context.Background())
	if err != nil {
		t.Fatalf("Descriptors: %v", err)
	}
	if len(descs) != 4 {
		t.Fatalf("got %d descriptors, want 4", len(descs))
	}
	if descs[0].Name.ID != "alpha" || descs[3].Name.ID != "zeta" {
		t.Errorf("descriptors not ordered by server: %v, %v", descs[0].Name, descs[3].Name)
	}
	for _, d := range descs {
		if d.Name.Kind != tools.KindExternal {
			t.Errorf("got kind %q, want external", d.Name.Kind)
		}
	}
}

func TestManagerThroughRouter(t *testing.T) {
	m := NewManager(nil)
	attachTestServer(t, m, "files")

	r := tools.NewRouter(tools.Options{})
	r.Register(tools.KindExternal, m)
	ctx := context.Background()

	schema, err := r.Schema(ctx)
	if err != nil {
		t.Fatalf("Schema: %v", err)
	}
	var names []string
	for _, s := range schema {
		names = append(names, s.Name)
	}
	if got := strings.Join(names, ","); got != "echo__mcp-files,fail__mcp-files" {
		t.Errorf("got schema %s", got)
	}

	tests := []struct {
		name     string
		call     model.ToolCall
		want     string
		wantFail bool
	}{
		{"success", model.ToolCall{ID: "1", Name: "echo__mcp-files", Arguments: `{"text":"hi"}`}, "echo: hi", false},
		{"missing required argument", model.ToolCall{ID: "2", Name: "echo__mcp-files", Arguments: `{}`}, tools.ErrInvalidArguments, true},
		{"tool error", model.ToolCall{ID: "3", Name: "fail__mcp-files", Arguments: `{}`}, "boom", true},
		{"unknown server", model.ToolCall{ID: "4", Name: "echo__mcp-other", Arguments: `{}`}, tools.ErrToolNotFound, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Dispatch(ctx, tt.call)
			if res.Failed() != tt.wantFail {
				t.Fatalf("got failed %v, want %v (%s)", res.Failed(), tt.wantFail, res.Result)
			}
			if !strings.Contains(res.Result, tt.want) {
				t.Errorf("got %q, want it to contain %q", res.Result, tt.want)
			}
		})
	}
}

func TestManagerStop(t *testing.T) {
	m := NewManager(nil)
	attachTestServer(t, m, "files")
	ctx := context.Background()

	if err := m.Stop(ctx, "files"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := m.Stop(ctx, "files"); err == nil {
		t.Error("second Stop succeeded, want error")
	}
	descs, _ := m.Descriptors(ctx)
	if len(descs) != 0 {
		t.Errorf("got %d descriptors after Stop, want 0", len(descs))
	}
	if _, err := m.Execute(ctx, "files", "echo", nil); err == nil {
		t.Error("Execute on stopped server succeeded")
	}
}

func TestManagerShutdown(t *testing.T) {
	m := NewManager(nil)
	attachTestServer(t, m, "a")
	attachTestServer(t, m, "b")

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	descs, _ := m.Descriptors(context.Background())
	if len(descs) != 0 {
		t.Errorf("got %d descriptors after Shutdown, want 0", len(descs))
	}
}

func TestStartFailures(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.MCPServerConfig
	}{
		{"missing id", config.MCPServerConfig{Transport: TransportStdio, Command: "x"}},
		{"stdio without command", config.MCPServerConfig{ID: "s", Transport: TransportStdio}},
		{"unknown transport", config.MCPServerConfig{ID: "u", Transport: "carrier-pigeon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(nil)
			if err := m.Start(context.Background(), tt.cfg); err == nil {
				t.Fatal("Start succeeded, want error")
			}
			if tt.cfg.ID != "" {
				if _, ok := m.Failed()[tt.cfg.ID]; !ok {
					t.Errorf("server %s not marked failed", tt.cfg.ID)
				}
			}
		})
	}
}

func TestStartRejectsUnroutableID(t *testing.T) {
	m := NewManager(nil)
	err := m.Start(context.Background(), config.MCPServerConfig{ID: "my__server", Transport: TransportStdio, Command: "x"})
	if err == nil {
		t.Fatal("Start succeeded, want error")
	}
	if len(m.Failed()) != 0 {
		t.Errorf("Failed() = %v, want empty", m.Failed())
	}
}

func TestRenderResult(t *testing.T) {
	tests := []struct {
		name string
		res  *mcptypes.CallToolResult
		want string
	}{
		{"text parts", &mcptypes.CallToolResult{Content: []mcptypes.Content{
			mcptypes.NewTextContent("a"), mcptypes.NewTextContent("b"),
		}}, "a\nb"},
		{"image", &mcptypes.CallToolResult{Content: []mcptypes.Content{
			mcptypes.NewImageContent("AAAA", "image/png"),
		}}, "[image: image/png]"},
		{"embedded text", &mcptypes.CallToolResult{Content: []mcptypes.Content{
			mcptypes.NewEmbeddedResource(mcptypes.TextResourceContents{URI: "file:///a", Text: "body"}),
		}}, "body"},
		{"structured only", &mcptypes.CallToolResult{StructuredContent: map[string]any{"n": 1}}, `{"n":1}`},
		{"empty", &mcptypes.CallToolResult{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := renderResult(tt.res); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
