package mcp

import (
	"os/exec"

	"github.com/mark3labs/mcp-go/client"
	mcptypes "github.com/mark3labs/mcp-go/mcp"
)

// Transports a server can be reached over.
const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
	TransportHTTP  = "http"
)

// Connection is one initialized tool server.
type Connection struct {
	ID      string
	Client  *client.Client
	Process *exec.Cmd // nil for remote and in-process servers
	Tools   []mcptypes.Tool
	Remote  bool
}
