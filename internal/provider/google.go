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

// Google speaks the generateContent API. Model ids arrive already normalized
// with the models/ prefix. Function calls have no ids on this wire; the
// adapter uses the function name as the call id, and tool-result messages
// carry that name back in ToolCallID.
type Google struct {
	name    string
	baseURL string
}

func (g *Google) Name() string { return g.name }

func (g *Google) SupportsNativeWebSearch() bool { return true }

// NativeWebSearchTool returns the grounding tool. The API has no per-request
// use cap; maxUses is accepted for interface symmetry and ignored.
func (g *Google) NativeWebSearchTool(maxUses int) map[string]any {
	return map[string]any{"google_search": map[string]any{}}
}

// ── Wire types ──────────────────────────────────────────────

type gemPart struct {
	Text             string           `json:"text,omitempty"`
	FunctionCall     *gemFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *gemFunctionResp `json:"functionResponse,omitempty"`
}

type gemFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type gemFunctionResp struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type gemContent struct {
	Role  string    `json:"role,omitempty"`
	Parts []gemPart `json:"parts"`
}

type gemRequest struct {
	SystemInstruction *gemContent    `json:"system_instruction,omitempty"`
	Contents          []gemContent   `json:"contents"`
	GenerationConfig  map[string]any `json:"generationConfig,omitempty"`
	Tools             []any          `json:"tools,omitempty"`
	ToolConfig        map[string]any `json:"toolConfig,omitempty"`
}

type gemResponse struct {
	Candidates []struct {
		Content      gemContent `json:"content"`
		FinishReason string     `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
		TotalTokenCount      int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// Generate sends one generateContent request.
func (g *Google) Generate(ctx context.Context, call *models.GenerateCall) (*models.GenerateResult, error) {
	req := gemRequest{}
	genCfg := map[string]any{}
	if call.MaxTokens > 0 {
		genCfg["maxOutputTokens"] = call.MaxTokens
	}
	if call.Temperature != nil {
		genCfg["temperature"] = *call.Temperature
	}
	if len(genCfg) > 0 {
		req.GenerationConfig = genCfg
	}

	for _, m := range call.Messages {
		switch m.Role {
		case "system":
			if req.SystemInstruction == nil {
				req.SystemInstruction = &gemContent{}
			}
			req.SystemInstruction.Parts = append(req.SystemInstruction.Parts, gemPart{Text: m.Content})
		case "assistant":
			content := gemContent{Role: "model"}
			if m.Content != "" {
				content.Parts = append(content.Parts, gemPart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				content.Parts = append(content.Parts, gemPart{
					FunctionCall: &gemFunctionCall{Name: tc.Name, Args: tc.Arguments},
				})
			}
			req.Contents = append(req.Contents, content)
		case "tool":
			req.Contents = append(req.Contents, gemContent{
				Role: "user",
				Parts: []gemPart{{
					FunctionResponse: &gemFunctionResp{
						Name:     m.ToolCallID,
						Response: map[string]any{"result": m.Content},
					},
				}},
			})
		default:
			req.Contents = append(req.Contents, gemContent{
				Role:  "user",
				Parts: []gemPart{{Text: m.Content}},
			})
		}
	}

	var declarations []map[string]any
	for _, t := range call.Tools {
		if t.Raw != nil {
			req.Tools = append(req.Tools, t.Raw)
			continue
		}
		declarations = append(declarations, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"parameters":  t.Parameters,
		})
	}
	if len(declarations) > 0 {
		req.Tools = append(req.Tools, map[string]any{"functionDeclarations": declarations})
	}
	switch call.ToolChoice {
	case models.ToolChoiceNone:
		req.ToolConfig = map[string]any{"functionCallingConfig": map[string]any{"mode": "NONE"}}
	case models.ToolChoiceAuto:
		req.ToolConfig = map[string]any{"functionCallingConfig": map[string]any{"mode": "AUTO"}}
	}

	var result *models.GenerateResult
	rerr := withRetry(ctx, g.name, func() *rpc.Error {
		r, err := g.send(ctx, call, &req)
		result = r
		return err
	})
	if rerr != nil {
		return nil, rerr
	}
	return result, nil
}

func (g *Google) send(ctx context.Context, call *models.GenerateCall, req *gemRequest) (*models.GenerateResult, *rpc.Error) {
	base := g.baseURL
	if base == "" {
		base = "https://generativelanguage.googleapis.com"
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, rpc.Wrap(rpc.KindInternal, "encode upstream request", err)
	}
	url := base + "/v1beta/" + call.Model + ":generateContent"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, rpc.Wrap(rpc.KindInternal, "build upstream request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", call.APIKey)

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, transportError(g.name, err)
	}
	defer httpResp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 8<<20))
	if httpResp.StatusCode != http.StatusOK {
		return nil, statusError(g.name, httpResp.StatusCode, respBody)
	}

	var resp gemResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, rpc.Wrap(rpc.KindUpstream, g.name+" returned an unparseable response", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, rpc.Errorf(rpc.KindUpstream, "%s returned no candidates", g.name)
	}
	candidate := resp.Candidates[0]

	result := &models.GenerateResult{
		FinishReason: candidate.FinishReason,
		Usage: normalizeUsage(
			resp.UsageMetadata.PromptTokenCount,
			resp.UsageMetadata.CandidatesTokenCount,
			resp.UsageMetadata.TotalTokenCount,
		),
	}
	for _, part := range candidate.Content.Parts {
		if part.Text != "" {
			result.Text += part.Text
		}
		if part.FunctionCall != nil {
			result.ToolCalls = append(result.ToolCalls, models.ToolCall{
				ID:        part.FunctionCall.Name,
				Name:      part.FunctionCall.Name,
				Arguments: part.FunctionCall.Args,
			})
		}
	}
	return result, nil
}
