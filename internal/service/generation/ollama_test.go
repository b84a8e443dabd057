package generation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestOllamaGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path: %s", r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		var req ollamaGenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.Stream {
			t.Error("expected stream=false")
		}
		if req.System == "" {
			t.Error("expected system prompt to be forwarded")
		}
		if temp, ok := req.Options["temperature"]; !ok || temp != 0.0 {
			t.Errorf("expected temperature 0, got %v", temp)
		}
		_ = json.NewEncoder(w).Encode(ollamaGenerateResponse{
			Model:         "llama3.1:8b-q4",
			Response:      `{"extractions": []}`,
			Done:          true,
			EvalCount:     42,
			PromptEvalCnt: 100,
		})
	}))
	defer server.Close()

	p := NewOllamaProvider(server.URL, "llama3.1:8b")
	res, err := p.Generate(context.Background(), "only cite chunks", "what meds?", Config{Temperature: 0, MaxTokens: 2000})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != `{"extractions": []}` {
		t.Errorf("unexpected text: %s", res.Text)
	}
	if res.Tokens != 142 {
		t.Errorf("expected 142 tokens, got %d", res.Tokens)
	}
	if res.ModelVersion != "llama3.1:8b-q4" {
		t.Errorf("unexpected model version: %s", res.ModelVersion)
	}
}

func TestOllamaGenerateCancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	p := NewOllamaProvider(server.URL, "llama3.1:8b")
	start := time.Now()
	_, err := p.Generate(ctx, "", "blocked", Config{})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancellation took too long: %s", elapsed)
	}
}

func TestOllamaGenerateServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer server.Close()

	p := NewOllamaProvider(server.URL, "llama3.1:8b")
	_, err := p.Generate(context.Background(), "", "hi", Config{})
	if err == nil {
		t.Fatal("expected error")
	}
}
