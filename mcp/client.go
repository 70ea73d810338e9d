package mcp

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"

	"otcore/config"
)

// newClient creates and starts the client for cfg. For stdio servers the
// returned command is the spawned process.
func newClient(ctx context.Context, cfg config.MCPServerConfig) (*client.Client, *exec.Cmd, error) {
	switch cfg.Transport {
	case TransportStdio, "":
		return newStdioClient(cfg)
	case TransportSSE:
		c, err := newSSEClient(ctx, cfg)
		return c, nil, err
	case TransportHTTP:
		c, err := newStreamableHTTPClient(ctx, cfg)
		return c, nil, err
	default:
		return nil, nil, fmt.Errorf("unknown transport type: %s", cfg.Transport)
	}
}

func newStdioClient(cfg config.MCPServerConfig) (*client.Client, *exec.Cmd, error) {
	if cfg.Command == "" {
		return nil, nil, fmt.Errorf("server %s has no command", cfg.ID)
	}

	var captured *exec.Cmd
	cmdFunc := func(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
		cmd := exec.CommandContext(ctx, command, args...)
		cmd.Env = env
		captured = cmd
		return cmd, nil
	}

	// starts the process
	c, err := client.NewStdioMCPClientWithOptions(cfg.Command, environ(cfg.Env), cfg.Args,
		transport.WithCommandFunc(cmdFunc))
	if err != nil {
		return nil, nil, err
	}
	return c, captured, nil
}

func newSSEClient(ctx context.Context, cfg config.MCPServerConfig) (*client.Client, error) {
	var opts []transport.ClientOption
	if len(cfg.Headers) > 0 {
		opts = append(opts, transport.WithHeaders(cfg.Headers))
	}

	c, err := client.NewSSEMCPClient(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}
	// SSE must be started before Initialize
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start SSE transport: %w", err)
	}
	return c, nil
}

func newStreamableHTTPClient(ctx context.Context, cfg config.MCPServerConfig) (*client.Client, error) {
	var opts []transport.StreamableHTTPCOption
	if len(cfg.Headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
	}

	c, err := client.NewStreamableHttpClient(cfg.URL, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start HTTP transport: %w", err)
	}
	return c, nil
}

// environ keeps the current environment so PATH survives, then appends the
// server's own variables.
func environ(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}
