package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	mcptypes "github.com/mark3labs/mcp-go/mcp"

	"otcore/knowledge"
	"otcore/model"
)

// Executor runs one statically registered tool.
type Executor func(ctx context.Context, args map[string]any) (any, error)

type staticTool struct {
	tool mcptypes.Tool
	exec Executor
}

// StaticBackend holds tools registered in process, for plugins and
// workflows whose runtimes live outside this module.
type StaticBackend struct {
	kind Kind

	mu      sync.RWMutex
	sources map[string]map[string]staticTool
}

var _ Backend = (*StaticBackend)(nil)

// NewStaticBackend returns an empty backend for kind.
func NewStaticBackend(kind Kind) *StaticBackend {
	return &StaticBackend{kind: kind, sources: make(map[string]map[string]staticTool)}
}

// Add registers tool under source id. Re-adding a tool replaces it.
func (b *StaticBackend) Add(id string, tool mcptypes.Tool, exec Executor) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sources[id] == nil {
		b.sources[id] = make(map[string]staticTool)
	}
	b.sources[id][tool.Name] = staticTool{tool: tool, exec: exec}
	return nil
}

// Remove drops every tool of source id.
func (b *StaticBackend) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sources, id)
}

func (b *StaticBackend) Descriptors(ctx context.Context) ([]Descriptor, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Descriptor
	for id, tools := range b.sources {
		for name, t := range tools {
			out = append(out, Descriptor{Name: Name{Kind: b.kind, ID: id, Tool: name}, Tool: t.tool})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name.ID != out[j].Name.ID {
			return out[i].Name.ID < out[j].Name.ID
		}
		return out[i].Name.Tool < out[j].Name.Tool
	})
	return out, nil
}

func (b *StaticBackend) Execute(ctx context.Context, id, tool string, args map[string]any) (any, error) {
	b.mu.RLock()
	t, ok := b.sources[id][tool]
	b.mu.RUnlock()
	if !ok {
		return nil, &model.ToolNotFoundError{Name: Name{Kind: b.kind, ID: id, Tool: tool}.String()}
	}
	return t.exec(ctx, args)
}

// Searcher is the part of the knowledge engine the search tool needs.
type Searcher interface {
	Bases(ctx context.Context) ([]knowledge.Base, error)
	Search(ctx context.Context, query string, baseIDs []string) ([]knowledge.Match, error)
}

// KnowledgeBackend offers one search tool per knowledge base.
type KnowledgeBackend struct {
	engine Searcher
}

var _ Backend = (*KnowledgeBackend)(nil)

const searchTool = "search"

var errEmptyQuery = errors.New("query is required and must be a non-empty string")

func NewKnowledgeBackend(engine Searcher) *KnowledgeBackend {
	return &KnowledgeBackend{engine: engine}
}

func (b *KnowledgeBackend) Descriptors(ctx context.Context) ([]Descriptor, error) {
	bases, err := b.engine.Bases(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Descriptor, 0, len(bases))
	for _, base := range bases {
		desc := fmt.Sprintf("Search the %q knowledge base and return the most relevant passages.", base.Name)
		if base.Description != "" {
			desc += " " + base.Description
		}
		out = append(out, Descriptor{
			Name: Name{Kind: KindKnowledge, ID: base.ID, Tool: searchTool},
			Tool: mcptypes.NewTool(searchTool,
				mcptypes.WithDescription(desc),
				mcptypes.WithString("query",
					mcptypes.Required(),
					mcptypes.Description("What to look for, phrased as a question or keywords"),
				),
			),
		})
	}
	return out, nil
}

type searchHit struct {
	Content   string  `json:"content"`
	Score     float64 `json:"score"`
	Source    string  `json:"source,omitempty"`
	Page      int     `json:"page"`
	Paragraph int     `json:"paragraph"`
}

func (b *KnowledgeBackend) Execute(ctx context.Context, id, tool string, args map[string]any) (any, error) {
	if tool != searchTool {
		return nil, &model.ToolNotFoundError{Name: Name{Kind: KindKnowledge, ID: id, Tool: tool}.String()}
	}

	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return nil, &model.ToolArgumentError{Name: Name{Kind: KindKnowledge, ID: id, Tool: tool}.String(), Err: errEmptyQuery}
	}

	matches, err := b.engine.Search(ctx, query, []string{id})
	if err != nil {
		return nil, fmt.Errorf("failed to search knowledge base %s: %w", id, err)
	}

	hits := make([]searchHit, len(matches))
	for i, m := range matches {
		hits[i] = searchHit{
			Content:   m.Chunk.Content,
			Score:     m.Score,
			Source:    m.Chunk.Metadata.Source,
			Page:      m.Chunk.Metadata.Page,
			Paragraph: m.Chunk.Metadata.Paragraph,
		}
	}
	return map[string]any{"query": query, "results": hits}, nil
}
