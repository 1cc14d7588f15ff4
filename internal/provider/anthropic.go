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

// Anthropic speaks the messages API. System prompts ride a top-level field,
// tool results ride user-role content blocks; the adapter restructures the
// normalized conversation accordingly.
type Anthropic struct {
	name    string
	baseURL string
}

const anthropicVersion = "2023-06-01"

func (a *Anthropic) Name() string { return a.name }

func (a *Anthropic) SupportsNativeWebSearch() bool { return true }

func (a *Anthropic) NativeWebSearchTool(maxUses int) map[string]any {
	tool := map[string]any{
		"type": "web_search_20250305",
		"name": "web_search",
	}
	if maxUses > 0 {
		tool["max_uses"] = maxUses
	}
	return tool
}

// ── Wire types ──────────────────────────────────────────────

type anthMessage struct {
	Role    string      `json:"role"`
	Content []anthBlock `json:"content"`
}

type anthBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	// tool_use (assistant)
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result (user)
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anthRequest struct {
	Model       string         `json:"model"`
	System      string         `json:"system,omitempty"`
	Messages    []anthMessage  `json:"messages"`
	MaxTokens   int            `json:"max_tokens"`
	Temperature *float64       `json:"temperature,omitempty"`
	Tools       []any          `json:"tools,omitempty"`
	ToolChoice  map[string]any `json:"tool_choice,omitempty"`
}

type anthResponse struct {
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// Generate sends one messages-API request.
func (a *Anthropic) Generate(ctx context.Context, call *models.GenerateCall) (*models.GenerateResult, error) {
	req := anthRequest{
		Model:       call.Model,
		MaxTokens:   call.MaxTokens,
		Temperature: call.Temperature,
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = 4096
	}
	for _, m := range call.Messages {
		switch m.Role {
		case "system":
			if req.System != "" {
				req.System += "\n\n"
			}
			req.System += m.Content
		case "tool":
			req.Messages = append(req.Messages, anthMessage{
				Role: "user",
				Content: []anthBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
		case "assistant":
			msg := anthMessage{Role: "assistant"}
			if m.Content != "" {
				msg.Content = append(msg.Content, anthBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				msg.Content = append(msg.Content, anthBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: tc.Arguments,
				})
			}
			req.Messages = append(req.Messages, msg)
		default:
			req.Messages = append(req.Messages, anthMessage{
				Role:    "user",
				Content: []anthBlock{{Type: "text", Text: m.Content}},
			})
		}
	}
	for _, t := range call.Tools {
		if t.Raw != nil {
			req.Tools = append(req.Tools, t.Raw)
			continue
		}
		req.Tools = append(req.Tools, map[string]any{
			"name":         t.Name,
			"description":  t.Description,
			"input_schema": t.Parameters,
		})
	}
	switch call.ToolChoice {
	case models.ToolChoiceAuto:
		req.ToolChoice = map[string]any{"type": "auto"}
	case models.ToolChoiceNone:
		req.ToolChoice = map[string]any{"type": "none"}
	case "":
	default:
		req.ToolChoice = map[string]any{"type": "tool", "name": string(call.ToolChoice)}
	}

	var result *models.GenerateResult
	rerr := withRetry(ctx, a.name, func() *rpc.Error {
		r, err := a.send(ctx, call, &req)
		result = r
		return err
	})
	if rerr != nil {
		return nil, rerr
	}
	return result, nil
}

func (a *Anthropic) send(ctx context.Context, call *models.GenerateCall, req *anthRequest) (*models.GenerateResult, *rpc.Error) {
	base := a.baseURL
	if base == "" {
		base = "https://api.anthropic.com"
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, rpc.Wrap(rpc.KindInternal, "encode upstream request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, rpc.Wrap(rpc.KindInternal, "build upstream request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", call.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, transportError(a.name, err)
	}
	defer httpResp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 8<<20))
	if httpResp.StatusCode != http.StatusOK {
		return nil, statusError(a.name, httpResp.StatusCode, respBody)
	}

	var resp anthResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, rpc.Wrap(rpc.KindUpstream, a.name+" returned an unparseable response", err)
	}

	result := &models.GenerateResult{
		FinishReason: resp.StopReason,
		Usage: normalizeUsage(
			resp.Usage.InputTokens,
			resp.Usage.OutputTokens,
			0,
		),
	}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			result.Text += block.Text
		case "tool_use":
			args := map[string]any{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					return nil, rpc.Errorf(rpc.KindUpstream, "%s tool call %q carries malformed input", a.name, block.Name)
				}
			}
			result.ToolCalls = append(result.ToolCalls, models.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: args,
			})
		}
	}
	return result, nil
}
