package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOpenAIEmbedderOrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Fatalf("path = %q", r.URL.Path)
		}
		var body struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Model != "text-embedding-3-small" || len(body.Input) != 2 {
			t.Fatalf("body = %+v", body)
		}
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}]}`))
	}))
	defer srv.Close()

	embedder, err := New(context.Background(), Config{BaseURL: srv.URL + "/v1", APIKey: "k"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if embedder.ModelName() != "text-embedding-3-small" {
		t.Fatalf("ModelName() = %q", embedder.ModelName())
	}
	vectors, err := embedder.EmbedBatch(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	if vectors[0][0] != 1 || vectors[1][1] != 1 {
		t.Fatalf("vectors = %v", vectors)
	}
}

func TestOpenAIEmbedderRejectsShortReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	embedder, err := NewOpenAIEmbedder(Config{BaseURL: srv.URL, APIKey: "k"})
	if err != nil {
		t.Fatalf("NewOpenAIEmbedder() error = %v", err)
	}
	if _, err := embedder.Embed(context.Background(), "q"); err == nil {
		t.Fatal("Embed() expected error")
	}
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	if _, err := New(context.Background(), Config{Provider: "word2vec", APIKey: "k", BaseURL: "http://x"}); err == nil {
		t.Fatal("New() expected error")
	}
}

func TestGeminiEmbedderRequiresKey(t *testing.T) {
	if _, err := New(context.Background(), Config{Provider: "gemini"}); err == nil {
		t.Fatal("New() expected error without api key")
	}
}
