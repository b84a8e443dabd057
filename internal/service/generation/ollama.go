package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OllamaProvider generates text using a local Ollama server.
type OllamaProvider struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaProvider creates a provider that calls Ollama's generate API.
// Model should be an instruct model like "llama3.1:8b".
func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaProvider{
		baseURL: baseURL,
		model:   model,
		// No client timeout: the per-request deadline comes in on ctx and
		// long generations under a generous deadline are legitimate.
		httpClient: &http.Client{},
	}
}

// ModelID identifies the generation model.
func (p *OllamaProvider) ModelID() string { return p.model }

type ollamaGenerateRequest struct {
	Model   string                 `json:"model"`
	System  string                 `json:"system,omitempty"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Format  string                 `json:"format,omitempty"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model         string `json:"model"`
	Response      string `json:"response"`
	Done          bool   `json:"done"`
	EvalCount     int    `json:"eval_count"`
	PromptEvalCnt int    `json:"prompt_eval_count"`
}

// Generate runs one synchronous completion. Cancellation aborts the HTTP
// request through ctx.
func (p *OllamaProvider) Generate(ctx context.Context, system, user string, cfg Config) (Result, error) {
	body := ollamaGenerateRequest{
		Model:  p.model,
		System: system,
		Prompt: user,
		Stream: false,
		Options: map[string]interface{}{
			"temperature": cfg.Temperature,
		},
	}
	if cfg.MaxTokens > 0 {
		body.Options["num_predict"] = cfg.MaxTokens
	}

	reqBody, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("ollama: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/generate", bytes.NewReader(reqBody))
	if err != nil {
		return Result{}, fmt.Errorf("ollama: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("ollama: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Result{}, fmt.Errorf("ollama: status %d: %s", resp.StatusCode, string(raw))
	}

	var result ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("ollama: decode response: %w", err)
	}

	return Result{
		Text:         result.Response,
		Tokens:       result.EvalCount + result.PromptEvalCnt,
		LatencyMS:    time.Since(start).Milliseconds(),
		Model:        p.model,
		ModelVersion: result.Model,
	}, nil
}
