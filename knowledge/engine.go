// Package knowledge ingests documents into embedded chunks and answers
// similarity queries over them.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"otcore/metrics"
	"otcore/storage"
)

const (
	DefaultThreshold = 0.5
	DefaultLimit     = 5

	embedBatchSize = 64
)

// Embedder turns texts into vectors, one per text, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Base is a named collection of chunks.
type Base struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	EmbedModel  string    `json:"embed_model,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Document is one source to ingest, already extracted to text pages.
type Document struct {
	Source string
	Pages  []string
}

// Metadata locates a chunk in its source. Page and Paragraph count from 1.
type Metadata struct {
	Source    string    `json:"source,omitempty"`
	Page      int       `json:"page"`
	Paragraph int       `json:"paragraph"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Chunk is an embedded piece of a document.
type Chunk struct {
	ID        string
	BaseID    string
	Content   string
	Embedding []float32
	Metadata  Metadata
}

// chunkRecord is the stored form of a Chunk.
type chunkRecord struct {
	ID        string   `json:"id"`
	BaseID    string   `json:"base_id"`
	Content   string   `json:"content"`
	Embedding []byte   `json:"embedding"`
	Metadata  Metadata `json:"metadata"`
}

// Match is a search hit.
type Match struct {
	Chunk Chunk
	Score float64
}

// Options configures an Engine. QueryEmbedder defaults to Embedder. Zero
// Threshold and Limit take the package defaults; a negative Threshold keeps
// every match.
type Options struct {
	Store         storage.Store
	Embedder      Embedder
	QueryEmbedder Embedder
	Splitter      Splitter
	Threshold     float64
	Limit         int
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// Engine stores chunks under kb/<base>/chunk/<id> and base metadata under
// kb/<base>/meta.
type Engine struct {
	store     storage.Store
	embedder  Embedder
	query     Embedder
	splitter  Splitter
	threshold float64
	limit     int
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewEngine returns an engine over opts.Store.
func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	query := opts.QueryEmbedder
	if query == nil {
		query = opts.Embedder
	}
	threshold := opts.Threshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Engine{
		store:     opts.Store,
		embedder:  opts.Embedder,
		query:     query,
		splitter:  opts.Splitter.normalized(),
		threshold: threshold,
		limit:     limit,
		logger:    logger.With("component", "knowledge"),
		metrics:   opts.Metrics,
	}
}

func baseKey(id string) string {
	return "kb/" + id + "/meta"
}

func chunkPrefix(baseID string) string {
	return "kb/" + baseID + "/chunk/"
}

// CreateBase stores a new base, filling in the id and timestamps when unset.
func (e *Engine) CreateBase(ctx context.Context, b Base) (Base, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if strings.Contains(b.ID, "/") {
		return Base{}, fmt.Errorf("knowledge base id %q must not contain '/'", b.ID)
	}
	// Tool names are split on the last "__".
	if strings.Contains(b.ID, "__") {
		return Base{}, fmt.Errorf("knowledge base id %q must not contain \"__\"", b.ID)
	}
	if b.Name == "" {
		b.Name = b.ID
	}
	now := time.Now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now

	if err := storage.SetJSON(ctx, e.store, baseKey(b.ID), b); err != nil {
		return Base{}, fmt.Errorf("failed to save knowledge base %s: %w", b.ID, err)
	}
	return b, nil
}

// Base returns one base.
func (e *Engine) Base(ctx context.Context, id string) (Base, error) {
	return storage.GetJSON[Base](ctx, e.store, baseKey(id))
}

// Bases lists every base sorted by name.
func (e *Engine) Bases(ctx context.Context) ([]Base, error) {
	keys, err := e.store.List(ctx, "kb/")
	if err != nil {
		return nil, fmt.Errorf("failed to list knowledge bases: %w", err)
	}

	var out []Base
	for _, key := range keys {
		if !strings.HasSuffix(key, "/meta") {
			continue
		}
		b, err := storage.GetJSON[Base](ctx, e.store, key)
		if err != nil {
			e.logger.Warn("skipping unreadable knowledge base", "key", key, "error", err)
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteBase removes a base and all of its chunks.
func (e *Engine) DeleteBase(ctx context.Context, baseID string) error {
	keys, err := e.store.List(ctx, chunkPrefix(baseID))
	if err != nil {
		return fmt.Errorf("failed to list chunks of %s: %w", baseID, err)
	}
	for _, key := range keys {
		if err := e.store.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
	}
	if err := e.store.Delete(ctx, baseKey(baseID)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to delete knowledge base %s: %w", baseID, err)
	}
	e.logger.Info("deleted knowledge base", "base", baseID, "chunks", len(keys))
	return nil
}

// Ingest chunks, embeds and stores doc under baseID, creating the base if
// needed. Ingesting the same document twice stores it twice.
func (e *Engine) Ingest(ctx context.Context, baseID string, doc Document) ([]Chunk, error) {
	if e.embedder == nil {
		return nil, errors.New("no embedder configured")
	}
	if baseID == "" {
		return nil, errors.New("knowledge base id is required")
	}

	base, err := e.Base(ctx, baseID)
	if errors.Is(err, storage.ErrNotFound) {
		base, err = e.CreateBase(ctx, Base{ID: baseID})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load knowledge base %s: %w", baseID, err)
	}

	now := time.Now()
	var chunks []Chunk
	for pi, page := range doc.Pages {
		for para, text := range Paragraphs(page) {
			for _, content := range e.splitter.Split(text) {
				chunks = append(chunks, Chunk{
					ID:      uuid.NewString(),
					BaseID:  baseID,
					Content: content,
					Metadata: Metadata{
						Source:    doc.Source,
						Page:      pi + 1,
						Paragraph: para + 1,
						CreatedAt: now,
						UpdatedAt: now,
					},
				})
			}
		}
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	for start := 0; start < len(chunks); start += embedBatchSize {
		end := min(start+embedBatchSize, len(chunks))
		texts := make([]string, end-start)
		for i := range texts {
			texts[i] = chunks[start+i].Content
		}
		vectors, err := e.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("failed to embed chunks: %w", err)
		}
		if len(vectors) != len(texts) {
			return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(texts))
		}
		for i, v := range vectors {
			chunks[start+i].Embedding = v
		}
	}

	for _, c := range chunks {
		rec := chunkRecord{ID: c.ID, BaseID: c.BaseID, Content: c.Content, Embedding: encodeEmbedding(c.Embedding), Metadata: c.Metadata}
		if err := storage.SetJSON(ctx, e.store, chunkPrefix(baseID)+c.ID, rec); err != nil {
			return nil, fmt.Errorf("failed to save chunk: %w", err)
		}
	}

	base.UpdatedAt = now
	if err := storage.SetJSON(ctx, e.store, baseKey(baseID), base); err != nil {
		return chunks, fmt.Errorf("failed to update knowledge base %s: %w", baseID, err)
	}

	e.logger.Info("ingested document", "base", baseID, "source", doc.Source, "chunks", len(chunks))
	return chunks, nil
}

// Search scores query against every chunk of baseIDs, or of all bases when
// none are given. Matches under the threshold are dropped; the rest come
// back best first, at most the limit.
func (e *Engine) Search(ctx context.Context, query string, baseIDs []string) ([]Match, error) {
	start := time.Now()
	if e.query == nil {
		return nil, errors.New("no query embedder configured")
	}

	if len(baseIDs) == 0 {
		bases, err := e.Bases(ctx)
		if err != nil {
			return nil, err
		}
		for _, b := range bases {
			baseIDs = append(baseIDs, b.ID)
		}
	}

	vectors, err := e.query.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for the query", len(vectors))
	}
	qv := vectors[0]

	var matches []Match
	for _, baseID := range baseIDs {
		keys, err := e.store.List(ctx, chunkPrefix(baseID))
		if err != nil {
			return nil, fmt.Errorf("failed to list chunks of %s: %w", baseID, err)
		}
		for _, key := range keys {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			rec, err := storage.GetJSON[chunkRecord](ctx, e.store, key)
			if err != nil {
				e.logger.Warn("skipping unreadable chunk", "key", key, "error", err)
				continue
			}
			c := Chunk{ID: rec.ID, BaseID: rec.BaseID, Content: rec.Content, Embedding: decodeEmbedding(rec.Embedding), Metadata: rec.Metadata}
			score := CosineSimilarity(qv, c.Embedding)
			if score < e.threshold {
				continue
			}
			matches = append(matches, Match{Chunk: c, Score: score})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > e.limit {
		matches = matches[:e.limit]
	}

	e.metrics.SearchObserved(time.Since(start), len(matches))
	e.logger.Debug("searched knowledge", "bases", len(baseIDs), "results", len(matches), "duration", time.Since(start))
	return matches, nil
}
