package ollama

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSupportsToolCalling(t *testing.T) {
	tests := []struct {
		model string
		want  bool
	}{
		{"llama3.1:latest", true},
		{"Llama3.2:3b", true},
		{"llama3:8b", false},
		{"llama3-gradient:8b", false},
		{"qwen2.5-coder:7b", true},
		{"codellama:13b", false},
		{"gemma2:9b", false},
		{"something-new", false},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := SupportsToolCalling(tt.model); got != tt.want {
				t.Errorf("SupportsToolCalling(%q) = %v, want %v", tt.model, got, tt.want)
			}
		})
	}
}

func TestModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"models":[{"name":"phi3:mini","size":2000},{"name":"llama3.1:latest","size":4000}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() = %v", err)
	}
	models, err := c.Models(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 2 || models[0].Name != "llama3.1:latest" || !models[0].Tools || models[1].Tools {
		t.Errorf("Models() = %+v", models)
	}
	if models[0].Size != 4000 {
		t.Errorf("size = %d", models[0].Size)
	}
}
