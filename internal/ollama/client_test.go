package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/kalambet/lore/internal/retrieval"
)

// tagsJSON builds a /api/tags response with the given model names.
func tagsJSON(names ...string) []byte {
	type entry struct {
		Name string `json:"name"`
	}
	type resp struct {
		Models []entry `json:"models"`
	}
	r := resp{}
	for _, n := range names {
		r.Models = append(r.Models, entry{Name: n})
	}
	b, _ := json.Marshal(r)
	return b
}

func TestIsRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("nomic-embed-text:latest"))
	}))
	defer srv.Close()

	if !New(srv.URL).IsRunning(context.Background()) {
		t.Error("IsRunning() = false, want true")
	}

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	down.Close()
	if New(down.URL).IsRunning(context.Background()) {
		t.Error("IsRunning() on closed server = true, want false")
	}
}

func TestHasModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("nomic-embed-text:latest", "mxbai-embed-large:335m"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	tests := []struct {
		name string
		want bool
	}{
		{"nomic-embed-text", true},
		{"mxbai-embed-large", true},
		{"mxbai-embed-large:335m", true},
		{"all-minilm", false},
	}
	for _, tt := range tests {
		if got := c.HasModel(context.Background(), tt.name); got != tt.want {
			t.Errorf("HasModel(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		var req embedRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Input != "hello world" {
			t.Errorf("input = %v, want a single string", req.Input)
		}
		json.NewEncoder(w).Encode(embedResponse{Embeddings: [][]float32{{0.1, 0.2, 0.3}}})
	}))
	defer srv.Close()

	vec, err := New(srv.URL).Embed(context.Background(), "nomic-embed-text", "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	want := []float32{0.1, 0.2, 0.3}
	if len(vec) != len(want) {
		t.Fatalf("got %d floats, want %d", len(vec), len(want))
	}
	for i, w := range want {
		if vec[i] != w {
			t.Errorf("vec[%d] = %f, want %f", i, vec[i], w)
		}
	}
}

func TestEmbedMany(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		out := make([][]float32, len(req.Input))
		for i := range req.Input {
			out[i] = []float32{float32(i)}
		}
		json.NewEncoder(w).Encode(embedResponse{Embeddings: out})
	}))
	defer srv.Close()

	vecs, err := New(srv.URL).EmbedMany(context.Background(), "m", []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedMany: %v", err)
	}
	if len(vecs) != 3 || vecs[2][0] != 2 {
		t.Errorf("vecs = %v", vecs)
	}

	none, err := New(srv.URL).EmbedMany(context.Background(), "m", nil)
	if err != nil || none != nil {
		t.Errorf("EmbedMany(nil) = %v, %v", none, err)
	}
}

func TestClient_BatchesThroughEmbedder(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		var req struct {
			Input []string `json:"input"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		out := make([][]float32, len(req.Input))
		for i := range req.Input {
			out[i] = []float32{1, float32(i)}
		}
		json.NewEncoder(w).Encode(embedResponse{Embeddings: out})
	}))
	defer srv.Close()

	var _ retrieval.BatchEmbeddingProvider = (*Client)(nil)
	e := retrieval.NewEmbedder(New(srv.URL), "nomic-embed-text")
	texts := make([]string, 20)
	for i := range texts {
		texts[i] = "text"
	}
	vecs, err := e.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 20 {
		t.Errorf("got %d vectors", len(vecs))
	}
	if n := requests.Load(); n != 2 {
		t.Errorf("embed requests = %d, want 2", n)
	}
}

func TestEmbed_ModelMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model \"x\" not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Embed(context.Background(), "x", "hello")
	if !errors.Is(err, ErrModelNotFound) {
		t.Errorf("err = %v, want ErrModelNotFound", err)
	}
}

func TestEmbed_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := New(srv.URL).Embed(context.Background(), "m", "hello")
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Errorf("err = %v, want status 500 in message", err)
	}
}

func TestPullModel_Progress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/pull" {
			http.NotFound(w, r)
			return
		}
		var reqBody pullRequest
		json.NewDecoder(r.Body).Decode(&reqBody)
		if reqBody.Name != "nomic-embed-text" {
			t.Errorf("pull model = %q", reqBody.Name)
		}

		enc := json.NewEncoder(w)
		enc.Encode(PullProgress{Status: "downloading", Total: 1000, Completed: 500})
		enc.Encode(PullProgress{Status: "downloading", Total: 1000, Completed: 1000})
		enc.Encode(PullProgress{Status: "success"})
	}))
	defer srv.Close()

	var progressCount int
	err := New(srv.URL).PullModel(context.Background(), "nomic-embed-text", func(p PullProgress) {
		progressCount++
	})
	if err != nil {
		t.Fatalf("PullModel: %v", err)
	}
	if progressCount != 3 {
		t.Errorf("received %d progress updates, want 3", progressCount)
	}
}

func TestEnsureModel_Down(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	var out bytes.Buffer
	err := EnsureModel(context.Background(), New(srv.URL), "nomic-embed-text", &out)
	if err == nil || !strings.Contains(err.Error(), "Ollama is not running") {
		t.Errorf("err = %v, want not running", err)
	}
}

func TestEnsureModel_PullsMissing(t *testing.T) {
	var pulled bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Write(tagsJSON())
		case "/api/pull":
			pulled = true
			json.NewEncoder(w).Encode(PullProgress{Status: "success"})
		}
	}))
	defer srv.Close()

	var out bytes.Buffer
	if err := EnsureModel(context.Background(), New(srv.URL), "nomic-embed-text", &out); err != nil {
		t.Fatalf("EnsureModel: %v", err)
	}
	if !pulled {
		t.Error("model was not pulled")
	}
	if !strings.Contains(out.String(), "model nomic-embed-text: ready") {
		t.Errorf("output = %q", out.String())
	}
}

func TestPullModel_ErrorLine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := json.NewEncoder(w)
		enc.Encode(PullProgress{Status: "pulling manifest"})
		enc.Encode(PullProgress{Error: "pull model manifest: file does not exist"})
	}))
	defer srv.Close()

	err := New(srv.URL).PullModel(context.Background(), "no-such-model", nil)
	if err == nil || !strings.Contains(err.Error(), "file does not exist") {
		t.Errorf("err = %v, want stream error", err)
	}
}
