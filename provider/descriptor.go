// Package provider describes the model providers the assistant can talk to.
//
// A provider is a Descriptor value: an endpoint template, a request shaper
// and a frame parser. Descriptors hold no connection state; the stream
// package pairs one with a transport to run a request.
package provider

import (
	"net/http"
	"sort"
	"sync"

	mcptypes "github.com/mark3labs/mcp-go/mcp"

	"otcore/model"
)

// Framing is how a provider delimits streamed frames.
type Framing string

const (
	FramingSSE    Framing = "sse"    // "data: ..." lines
	FramingNDJSON Framing = "ndjson" // one JSON object per line
)

// ParseErrorPolicy decides what a malformed frame does to a stream.
type ParseErrorPolicy int

const (
	// SkipFrame logs and drops the frame.
	SkipFrame ParseErrorPolicy = iota
	// AbortStream ends the stream with a ParseError.
	AbortStream
)

func (p ParseErrorPolicy) String() string {
	if p == AbortStream {
		return "abort"
	}
	return "skip"
}

// Target is a fully resolved request destination.
type Target struct {
	Provider string
	URL      string
	Header   http.Header
	Framing  Framing
}

// Request is the provider-neutral input to Shape. Messages is the
// model-ready view with the system message first; tool names are already
// in wire form.
type Request struct {
	Model       string
	Messages    []model.Message
	Tools       []mcptypes.Tool
	Temperature float64
	MaxTokens   int
}

// ToolCallDelta is one streamed piece of a tool call. A delta carrying an
// ID opens a new call at Index; one without an ID extends the most recent
// call opened at Index.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// Delta is what one frame contributes to the response.
type Delta struct {
	Content      string
	ToolCalls    []ToolCallDelta
	FinishReason string
	Done         bool
	// Err is an error reported in-band by the provider.
	Err          error
}

// Descriptor is everything needed to talk to one provider family.
type Descriptor struct {
	Name            string
	DefaultEndpoint string
	DefaultModel    string
	RequiresKey     bool
	Framing         Framing
	OnParseError    ParseErrorPolicy

	// Target resolves the URL and headers for one request.
	Target func(endpoint, model, apiKey string) Target
	// Shape encodes a request body.
	Shape  func(Request) ([]byte, error)
	// Parse decodes one frame payload.
	Parse  func(frame []byte) (Delta, error)
}

// Endpoint returns configured, or the default endpoint when it is empty.
func (d Descriptor) Endpoint(configured string) string {
	if configured != "" {
		return configured
	}
	return d.DefaultEndpoint
}

// Model returns configured, or the default model when it is empty.
func (d Descriptor) Model(configured string) string {
	if configured != "" {
		return configured
	}
	return d.DefaultModel
}

// Resolve checks the key requirement and builds the request target.
func (d Descriptor) Resolve(endpoint, modelName, apiKey string) (Target, error) {
	if d.RequiresKey && apiKey == "" {
		return Target{}, &model.ConfigurationError{Provider: d.Name, Reason: "missing API key"}
	}
	if d.Target == nil || d.Shape == nil || d.Parse == nil {
		return Target{}, &model.ConfigurationError{Provider: d.Name, Reason: "incomplete descriptor"}
	}
	t := d.Target(d.Endpoint(endpoint), d.Model(modelName), apiKey)
	t.Provider = d.Name
	if t.Framing == "" {
		t.Framing = d.Framing
	}
	return t, nil
}

// Registry maps provider type names to descriptors.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
}

// NewRegistry returns a registry holding ds.
func NewRegistry(ds ...Descriptor) *Registry {
	r := &Registry{descriptors: make(map[string]Descriptor, len(ds))}
	for _, d := range ds {
		r.descriptors[d.Name] = d
	}
	return r
}

// DefaultRegistry returns the built-in providers.
func DefaultRegistry() *Registry {
	return NewRegistry(OpenAI(), OpenRouter(), Anthropic(), Ollama(), Gemini())
}

// Register adds or replaces a descriptor.
func (r *Registry) Register(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptors[d.Name] = d
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[name]
	return d, ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.descriptors))
	for name := range r.descriptors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
