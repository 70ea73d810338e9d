// Package ollama queries a local Ollama server for its installed models.
// Chat itself goes through the streaming adapter like every other provider.
package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
)

const DefaultURL = "http://localhost:11434"

type Client struct {
	client *api.Client
}

func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Ollama URL: %w", err)
	}
	return &Client{client: api.NewClient(parsed, httpClient)}, nil
}

// Model is an installed model.
type Model struct {
	Name       string
	Size       int64
	ModifiedAt time.Time
	Tools      bool
}

// Models lists installed models by name.
func (c *Client) Models(ctx context.Context) ([]Model, error) {
	resp, err := c.client.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	out := make([]Model, len(resp.Models))
	for i, m := range resp.Models {
		out[i] = Model{
			Name:       m.Name,
			Size:       m.Size,
			ModifiedAt: m.ModifiedAt,
			Tools:      SupportsToolCalling(m.Name),
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Ping checks the server answers within five seconds.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.client.List(ctx)
	return err
}

// toolFamilies maps model name prefixes to tool calling support. Order
// matters: "llama3.1" must be tried before "llama3".
var toolFamilies = []struct {
	prefix string
	tools  bool
}{
	{"llama3.3", true},
	{"llama3.2", true},
	{"llama3.1", true},
	{"llama3-gradient", false},
	{"command-r", true},
	{"qwen", true},
	{"mistral", true},
	{"nemotron", true},
	{"granite3", true},
	{"codellama", false},
	{"llama3", false},
	{"deepseek", false},
	{"phi", false},
	{"gemma", false},
}

// SupportsToolCalling reports whether a model family is known to handle
// Ollama's tools field. Unknown families report false.
func SupportsToolCalling(modelName string) bool {
	name := strings.ToLower(modelName)
	for _, f := range toolFamilies {
		if strings.HasPrefix(name, f.prefix) {
			return f.tools
		}
	}
	return false
}
