package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/modelrelay/relay/internal/rpc"
	"github.com/modelrelay/relay/pkg/models"
)

// OpenAI speaks the chat-completions wire format. It also serves any
// OpenAI-compatible endpoint, including Ollama, via baseURL.
type OpenAI struct {
	name    string
	baseURL string
	azure   bool
	keyless bool
}

func (o *OpenAI) Name() string { return o.name }

// SupportsNativeWebSearch is true only for the hosted OpenAI API; compatible
// endpoints do not implement the built-in search tool.
func (o *OpenAI) SupportsNativeWebSearch() bool { return !o.keyless && o.baseURL == "" }

func (o *OpenAI) NativeWebSearchTool(maxUses int) map[string]any {
	if !o.SupportsNativeWebSearch() {
		return nil
	}
	return map[string]any{"type": "web_search_preview"}
}

// ── Wire types ──────────────────────────────────────────────

type oaMessage struct {
	Role       string       `json:"role"`
	Content    string       `json:"content"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
	ToolCalls  []oaToolCall `json:"tool_calls,omitempty"`
}

type oaToolCall struct {
	ID       string     `json:"id"`
	Type     string     `json:"type"`
	Function oaFunction `json:"function"`
}

type oaFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON-encoded
}

type oaRequest struct {
	Model       string      `json:"model"`
	Messages    []oaMessage `json:"messages"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
	Temperature *float64    `json:"temperature,omitempty"`
	Tools       []any       `json:"tools,omitempty"`
	ToolChoice  string      `json:"tool_choice,omitempty"`
}

type oaResponse struct {
	Choices []struct {
		Message struct {
			Content   string       `json:"content"`
			ToolCalls []oaToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

// Generate sends one chat-completions request.
func (o *OpenAI) Generate(ctx context.Context, call *models.GenerateCall) (*models.GenerateResult, error) {
	req := oaRequest{
		Model:       call.Model,
		MaxTokens:   call.MaxTokens,
		Temperature: call.Temperature,
		ToolChoice:  string(call.ToolChoice),
	}
	for _, m := range call.Messages {
		req.Messages = append(req.Messages, toOAMessage(m))
	}
	for _, t := range call.Tools {
		if t.Raw != nil {
			req.Tools = append(req.Tools, t.Raw)
			continue
		}
		req.Tools = append(req.Tools, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}

	var result *models.GenerateResult
	rerr := withRetry(ctx, o.name, func() *rpc.Error {
		r, err := o.send(ctx, call, &req)
		result = r
		return err
	})
	if rerr != nil {
		return nil, rerr
	}
	return result, nil
}

func (o *OpenAI) send(ctx context.Context, call *models.GenerateCall, req *oaRequest) (*models.GenerateResult, *rpc.Error) {
	base := call.BaseURL
	if base == "" {
		base = o.baseURL
	}
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, rpc.Wrap(rpc.KindInternal, "encode upstream request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, rpc.Wrap(rpc.KindInternal, "build upstream request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	switch {
	case o.azure:
		httpReq.Header.Set("api-key", call.APIKey)
	case call.APIKey != "":
		httpReq.Header.Set("Authorization", "Bearer "+call.APIKey)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, transportError(o.name, err)
	}
	defer httpResp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 8<<20))
	if httpResp.StatusCode != http.StatusOK {
		return nil, statusError(o.name, httpResp.StatusCode, respBody)
	}

	var resp oaResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, rpc.Wrap(rpc.KindUpstream, o.name+" returned an unparseable response", err)
	}
	if len(resp.Choices) == 0 {
		return nil, rpc.Errorf(rpc.KindUpstream, "%s returned no choices", o.name)
	}
	choice := resp.Choices[0]

	result := &models.GenerateResult{
		Text:         choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage: normalizeUsage(
			resp.Usage.PromptTokens,
			resp.Usage.CompletionTokens,
			resp.Usage.TotalTokens,
		),
	}
	for _, tc := range choice.Message.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, rpc.Errorf(rpc.KindUpstream, "%s tool call %q carries malformed arguments", o.name, tc.Function.Name)
			}
		}
		result.ToolCalls = append(result.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return result, nil
}

func toOAMessage(m models.ChatMessage) oaMessage {
	out := oaMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
	for _, tc := range m.ToolCalls {
		args, _ := json.Marshal(tc.Arguments)
		out.ToolCalls = append(out.ToolCalls, oaToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: oaFunction{
				Name:      tc.Name,
				Arguments: string(args),
			},
		})
	}
	return out
}

// normalizeUsage fills the total when the vendor omits it.
func normalizeUsage(prompt, completion, total int64) models.TokenUsage {
	if total == 0 {
		total = prompt + completion
	}
	return models.TokenUsage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      total,
	}
}
