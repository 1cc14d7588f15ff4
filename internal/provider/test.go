package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/modelrelay/relay/internal/config"
	"github.com/modelrelay/relay/pkg/models"
)

// TestResult reports one provider connectivity probe.
type TestResult struct {
	Provider  string `json:"provider"`
	Kind      string `json:"kind"`
	Healthy   bool   `json:"healthy"`
	Model     string `json:"model,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Test performs a credential-validating probe against a provider. Chat
// vendors get a one-token generation; Ollama gets a model listing, which
// needs no credential and no loaded model.
func Test(ctx context.Context, p config.Provider, apiKey string) *TestResult {
	result := &TestResult{Provider: p.Name, Kind: p.Kind()}

	testCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	start := time.Now()

	if p.Kind() == "ollama" {
		testOllama(testCtx, p, result)
		result.LatencyMs = time.Since(start).Milliseconds()
		return result
	}

	adapter, err := New(p)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	model := p.DefaultModel
	if model == "" {
		model = defaultProbeModel(p.Kind())
	}
	_, err = adapter.Generate(testCtx, &models.GenerateCall{
		Model:     model,
		Messages:  []models.ChatMessage{{Role: "user", Content: "Say OK"}},
		MaxTokens: 1,
		APIKey:    apiKey,
		BaseURL:   p.BaseURL,
	})
	result.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Healthy = true
	result.Model = model
	return result
}

func testOllama(ctx context.Context, p config.Provider, result *TestResult) {
	endpoint := p.BaseURL
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/api/tags", nil)
	if err != nil {
		result.Error = err.Error()
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		result.Error = "ollama unreachable: " + err.Error()
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		result.Error = "ollama returned status " + resp.Status
		return
	}
	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		result.Error = "ollama: unparseable tags response"
		return
	}
	result.Healthy = true
	if len(tags.Models) > 0 {
		result.Model = tags.Models[0].Name
	}
}

func defaultProbeModel(kind string) string {
	switch kind {
	case "anthropic":
		return "claude-3-5-haiku-20241022"
	case "google", "gemini":
		return "models/gemini-2.5-flash"
	default:
		return "gpt-4o-mini"
	}
}
