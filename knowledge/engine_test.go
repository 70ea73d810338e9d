package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"otcore/internal/testutil"
	"otcore/storage"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
		{"length mismatch", []float32{1, 2}, []float32{1, 2, 3}, 0},
		{"empty", nil, nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("CosineSimilarity() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEmbeddingEncoding(t *testing.T) {
	v := []float32{0.5, -1.25, 3}
	got := decodeEmbedding(encodeEmbedding(v))
	if len(got) != len(v) {
		t.Fatalf("decoded %d values, want %d", len(got), len(v))
	}
	for i := range v {
		if got[i] != v[i] {
			t.Errorf("value %d = %v, want %v", i, got[i], v[i])
		}
	}
	if decodeEmbedding([]byte{1, 2, 3}) != nil {
		t.Error("truncated data should decode to nil")
	}
}

func TestSplitter(t *testing.T) {
	s := Splitter{ChunkSize: 50, ChunkOverlap: 10, MinChunkSize: 5}

	t.Run("short paragraph is one chunk", func(t *testing.T) {
		got := s.Split("  tiny  ")
		if len(got) != 1 || got[0] != "tiny" {
			t.Errorf("Split() = %q", got)
		}
	})

	t.Run("long paragraph is bounded", func(t *testing.T) {
		text := strings.Repeat("The quick brown fox jumps. ", 10)
		got := s.Split(text)
		if len(got) < 2 {
			t.Fatalf("Split() = %d chunks, want several", len(got))
		}
		for i, c := range got {
			// chunk plus overlap prefix plus a folded tail
			if len(c) > s.ChunkSize+s.ChunkOverlap+s.MinChunkSize+2 {
				t.Errorf("chunk %d has %d bytes", i, len(c))
			}
		}
	})

	t.Run("overlap carries the previous tail", func(t *testing.T) {
		text := strings.Repeat("a", 40) + " " + strings.Repeat("b", 40)
		got := s.Split(text)
		if len(got) != 2 {
			t.Fatalf("Split() = %q, want 2 chunks", got)
		}
		if !strings.HasPrefix(got[1], strings.Repeat("a", 10)) {
			t.Errorf("second chunk %q should start with the overlap", got[1])
		}
	})

	t.Run("unbroken text splits by characters", func(t *testing.T) {
		got := Splitter{ChunkSize: 10, ChunkOverlap: 0, MinChunkSize: 1}.Split(strings.Repeat("é", 12))
		if len(got) < 2 {
			t.Fatalf("Split() = %q", got)
		}
		for _, c := range got {
			if !strings.HasPrefix(c, "é") {
				t.Errorf("chunk %q was cut inside a rune", c)
			}
		}
	})
}

func TestParagraphs(t *testing.T) {
	got := Paragraphs("one\r\n\r\n\n\ntwo\nstill two\n\n  ")
	if len(got) != 2 || got[0] != "one" || got[1] != "two\nstill two" {
		t.Errorf("Paragraphs() = %q", got)
	}
}

func newTestEngine(t *testing.T, emb Embedder, threshold float64, limit int) *Engine {
	t.Helper()
	return NewEngine(Options{
		Store:     storage.NewMemoryStore(),
		Embedder:  emb,
		Threshold: threshold,
		Limit:     limit,
	})
}

func TestIngestMetadata(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, &testutil.FakeEmbedder{}, -1, 10)

	chunks, err := e.Ingest(ctx, "docs", Document{
		Source: "guide.pdf",
		Pages:  []string{"first paragraph\n\nsecond paragraph", "page two"},
	})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("Ingest() = %d chunks, want 3", len(chunks))
	}

	want := []Metadata{{Page: 1, Paragraph: 1}, {Page: 1, Paragraph: 2}, {Page: 2, Paragraph: 1}}
	for i, c := range chunks {
		if c.Metadata.Page != want[i].Page || c.Metadata.Paragraph != want[i].Paragraph {
			t.Errorf("chunk %d metadata = %+v, want page %d paragraph %d", i, c.Metadata, want[i].Page, want[i].Paragraph)
		}
		if c.Metadata.Source != "guide.pdf" || c.ID == "" || len(c.Embedding) == 0 {
			t.Errorf("chunk %d = %+v", i, c)
		}
	}

	bases, err := e.Bases(ctx)
	if err != nil || len(bases) != 1 || bases[0].ID != "docs" {
		t.Errorf("Bases() = %+v, %v", bases, err)
	}

	// re-ingestion adds entries
	if _, err := e.Ingest(ctx, "docs", Document{Pages: []string{"first paragraph"}}); err != nil {
		t.Fatalf("second Ingest() error = %v", err)
	}
	matches, err := e.Search(ctx, "first paragraph", nil)
	if err != nil {
		t.Fatal(err)
	}
	var exact int
	for _, m := range matches {
		if m.Chunk.Content == "first paragraph" {
			exact++
		}
	}
	if exact != 2 {
		t.Errorf("found %d copies of the re-ingested chunk, want 2", exact)
	}
}

func TestSearchOrderingThresholdLimit(t *testing.T) {
	ctx := context.Background()
	emb := &testutil.FakeEmbedder{Vectors: map[string][]float32{
		"query": {1, 0},
		"same":  {1, 0},
		"near":  {0.9, 0.1},
		"half":  {1, 1},
		"far":   {0, 1},
	}}
	e := newTestEngine(t, emb, 0.6, 2)

	for _, text := range []string{"far", "half", "near", "same"} {
		if _, err := e.Ingest(ctx, "kb1", Document{Pages: []string{text}}); err != nil {
			t.Fatal(err)
		}
	}

	matches, err := e.Search(ctx, "query", []string{"kb1"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("Search() = %d matches, want 2", len(matches))
	}
	if matches[0].Chunk.Content != "same" || matches[1].Chunk.Content != "near" {
		t.Errorf("order = %q, %q", matches[0].Chunk.Content, matches[1].Chunk.Content)
	}
	for i, m := range matches {
		if m.Score < 0.6 {
			t.Errorf("match %d score %v is under the threshold", i, m.Score)
		}
		if i > 0 && m.Score > matches[i-1].Score {
			t.Errorf("matches not sorted descending at %d", i)
		}
	}
}

func TestSearchAcrossBases(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, &testutil.FakeEmbedder{}, 0.9, 10)

	for base, text := range map[string]string{"a": "shared text", "b": "shared text"} {
		if _, err := e.Ingest(ctx, base, Document{Pages: []string{text}}); err != nil {
			t.Fatal(err)
		}
	}

	all, err := e.Search(ctx, "shared text", nil)
	if err != nil || len(all) != 2 {
		t.Fatalf("Search(all) = %d, %v", len(all), err)
	}
	one, err := e.Search(ctx, "shared text", []string{"b"})
	if err != nil || len(one) != 1 || one[0].Chunk.BaseID != "b" {
		t.Fatalf("Search(b) = %+v, %v", one, err)
	}
}

func TestDeleteBase(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	e := NewEngine(Options{Store: store, Embedder: &testutil.FakeEmbedder{}})

	if _, err := e.Ingest(ctx, "gone", Document{Pages: []string{"one\n\ntwo"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Ingest(ctx, "kept", Document{Pages: []string{"three"}}); err != nil {
		t.Fatal(err)
	}

	if err := e.DeleteBase(ctx, "gone"); err != nil {
		t.Fatalf("DeleteBase() error = %v", err)
	}
	keys, _ := store.List(ctx, "kb/gone/")
	if len(keys) != 0 {
		t.Errorf("keys left after delete: %v", keys)
	}
	if _, err := e.Base(ctx, "gone"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Base() error = %v, want ErrNotFound", err)
	}
	keys, _ = store.List(ctx, "kb/kept/")
	if len(keys) != 2 {
		t.Errorf("other base keys = %v", keys)
	}
}

func TestCreateBaseRejectsBadIDs(t *testing.T) {
	e := newTestEngine(t, &testutil.FakeEmbedder{}, 0, 0)
	for _, id := range []string{"a/b", "team__docs"} {
		if _, err := e.CreateBase(context.Background(), Base{ID: id}); err == nil {
			t.Errorf("CreateBase(%q) should fail", id)
		}
	}
}

func TestIngestRequiresBaseID(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, &testutil.FakeEmbedder{}, -1, 10)
	if _, err := e.Ingest(ctx, "", Document{Pages: []string{"text"}}); err == nil {
		t.Fatal("Ingest() should fail without a base id")
	}
	bases, err := e.Bases(ctx)
	if err != nil {
		t.Fatalf("Bases() error = %v", err)
	}
	if len(bases) != 0 {
		t.Errorf("Bases() = %+v, want none", bases)
	}
}

func TestEmbedderErrors(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, &testutil.FakeEmbedder{Err: errors.New("offline")}, 0, 0)
	if _, err := e.Ingest(ctx, "kb", Document{Pages: []string{"text"}}); err == nil {
		t.Error("Ingest() should fail when embedding fails")
	}
	if _, err := e.Search(ctx, "q", []string{"kb"}); err == nil {
		t.Error("Search() should fail when embedding fails")
	}
}

func TestOpenAIEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/embeddings") {
			http.NotFound(w, r)
			return
		}
		var body struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Model != "embed-test" || len(body.Input) != 2 {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		// out of order on purpose
		w.Write([]byte(`{"object":"list","model":"embed-test","data":[
			{"object":"embedding","index":1,"embedding":[0,1]},
			{"object":"embedding","index":0,"embedding":[1,0]}],
			"usage":{"prompt_tokens":2,"total_tokens":2}}`))
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder("sk-test", srv.URL+"/v1", "embed-test")
	got, err := e.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(got) != 2 || got[0][0] != 1 || got[1][1] != 1 {
		t.Errorf("Embed() = %v", got)
	}
}

func TestOllamaEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model":"nomic-embed-text","embeddings":[[0.5,0.5]]}`))
	}))
	defer srv.Close()

	e, err := NewOllamaEmbedder(srv.URL, "")
	if err != nil {
		t.Fatal(err)
	}
	got, err := e.Embed(context.Background(), []string{"x"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(got) != 1 || len(got[0]) != 2 {
		t.Errorf("Embed() = %v", got)
	}

	if _, err := e.Embed(context.Background(), []string{"x", "y"}); err == nil {
		t.Error("Embed() should fail when the count does not match")
	}
}
