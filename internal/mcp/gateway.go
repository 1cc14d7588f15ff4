// Package mcp exposes the procedure catalog as an MCP tool surface.
//
// Agents discover and invoke gateway procedures through the standard
// initialize / tools/list / tools/call handshake, over JSON-RPC 2.0 on HTTP
// POST with an optional SSE stream for notifications. One catalog
// registration yields the envelope method, the typed route and the MCP tool.
package mcp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/modelrelay/relay/internal/catalog"
	"github.com/modelrelay/relay/internal/config"
	"github.com/modelrelay/relay/internal/rpc"
	"github.com/modelrelay/relay/pkg/contracts"
	pkgmw "github.com/modelrelay/relay/pkg/middleware"
	"github.com/modelrelay/relay/pkg/models"
)

// protocolVersion is the MCP revision the gateway speaks. Version echoing is
// lax: any client version is accepted and ours is returned.
const protocolVersion = "2025-03-26"

// Gateway serves the MCP surface over the procedure catalog.
type Gateway struct {
	catalog *catalog.Catalog
	cfg     config.MCP
	version string

	subsMu sync.RWMutex
	subs   []chan models.MCPResponse
}

// NewGateway builds the MCP surface. The catalog must be frozen before the
// gateway serves its first request.
func NewGateway(cat *catalog.Catalog, cfg config.MCP, version string) *Gateway {
	return &Gateway{catalog: cat, cfg: cfg, version: version}
}

// Handle processes one MCP JSON-RPC request. A nil response means the
// request was a notification and gets no reply.
func (gw *Gateway) Handle(ctx context.Context, principal *contracts.Principal, req *models.MCPRequest) *models.MCPResponse {
	switch req.Method {

	// ── Discovery ────────────────────────────────────
	case "initialize":
		return gw.handleInitialize(req)

	case "tools/list":
		return gw.handleToolsList(principal, req)

	// ── Tool invocation ──────────────────────────────
	case "tools/call":
		return gw.handleToolsCall(ctx, principal, req)

	// ── Notifications (no response) ──────────────────
	case "notifications/initialized":
		log.Debug().Msg("MCP client initialized")
		return nil

	case "notifications/progress":
		return nil

	case "ping":
		return &models.MCPResponse{
			Jsonrpc: "2.0",
			Result:  map[string]string{"status": "pong"},
			ID:      req.ID,
		}

	default:
		return errorResponse(req.ID, rpc.Errorf(rpc.KindMethodNotFound, "method %q is not supported by the MCP surface", req.Method))
	}
}

func (gw *Gateway) handleInitialize(req *models.MCPRequest) *models.MCPResponse {
	return &models.MCPResponse{
		Jsonrpc: "2.0",
		Result: map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]any{
				"tools": map[string]bool{
					"listChanged": false,
				},
			},
			"serverInfo": map[string]string{
				"name":    "relay-gateway",
				"version": gw.version,
			},
		},
		ID: req.ID,
	}
}

// handleToolsList returns every procedure whose visibility is not hidden.
func (gw *Gateway) handleToolsList(principal *contracts.Principal, req *models.MCPRequest) *models.MCPResponse {
	if gw.cfg.Auth.RequireForList && principal.IsAnonymous() {
		return errorResponse(req.ID, rpc.Errorf(rpc.KindUnauthorized, "tools/list requires authentication"))
	}

	var tools []models.MCPToolInfo
	for _, p := range gw.catalog.List() {
		if p.Visibility == catalog.ToolHidden {
			continue
		}
		schema := p.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		tools = append(tools, models.MCPToolInfo{
			Name:        p.Name,
			Description: p.Description,
			InputSchema: schema,
		})
	}
	if tools == nil {
		tools = []models.MCPToolInfo{}
	}

	return &models.MCPResponse{
		Jsonrpc: "2.0",
		Result:  map[string]any{"tools": tools},
		ID:      req.ID,
	}
}

// handleToolsCall validates arguments, runs the scope policy and dispatches
// into the handler. Protocol failures (unknown tool, bad arguments, missing
// auth) come back as JSON-RPC errors; handler failures come back as a tool
// result with isError set, so the calling model can see and recover.
func (gw *Gateway) handleToolsCall(ctx context.Context, principal *contracts.Principal, req *models.MCPRequest) *models.MCPResponse {
	var params models.MCPToolCallParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, rpc.Errorf(rpc.KindInvalidParams, "tools/call params are malformed"))
		}
	}
	if params.Name == "" {
		return errorResponse(req.ID, rpc.Errorf(rpc.KindInvalidParams, "tools/call requires a tool name"))
	}

	proc, rerr := gw.catalog.Lookup(params.Name)
	if rerr != nil || proc.Visibility == catalog.ToolHidden {
		return errorResponse(req.ID, rpc.Errorf(rpc.KindMethodNotFound, "tool %q not found", params.Name))
	}

	args := params.Arguments
	if args == nil {
		args = map[string]any{}
	}

	// Public tools bypass the scope policy only when the server config
	// names them; visibility alone does not grant the bypass.
	public := proc.Visibility == catalog.ToolPublic && gw.isPublicTool(params.Name)

	if !public {
		if gw.cfg.Auth.RequireForCall && principal.IsAnonymous() {
			return errorResponse(req.ID, rpc.Errorf(rpc.KindUnauthorized, "tools/call requires authentication"))
		}
		result, derr := rpc.Dispatch(ctx, gw.catalog, principal, params.Name, args)
		if derr != nil {
			return callOutcome(req.ID, result, derr)
		}
		return callOutcome(req.ID, result, nil)
	}

	if verr := proc.Validate(args); verr != nil {
		return errorResponse(req.ID, verr)
	}
	result, err := proc.Call(ctx, principal, args)
	if err != nil {
		return callOutcome(req.ID, nil, rpc.AsError(err))
	}
	return callOutcome(req.ID, result, nil)
}

func (gw *Gateway) isPublicTool(name string) bool {
	for _, t := range gw.cfg.Auth.PublicTools {
		if t == name {
			return true
		}
	}
	return false
}

// callOutcome converts a dispatch outcome into the MCP wire shape. Policy
// errors keep their JSON-RPC code; execution errors become isError results.
func callOutcome(id any, result any, rerr *rpc.Error) *models.MCPResponse {
	if rerr != nil {
		switch rerr.Kind {
		case rpc.KindUnauthorized, rpc.KindForbidden, rpc.KindInvalidParams,
			rpc.KindMethodNotFound, rpc.KindRateLimited:
			return errorResponse(id, rerr)
		}
		return &models.MCPResponse{
			Jsonrpc: "2.0",
			Result:  models.ErrorResult("tool execution error: " + rerr.Message),
			ID:      id,
		}
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return errorResponse(id, rpc.Errorf(rpc.KindInternal, "unserializable tool result"))
	}
	return &models.MCPResponse{
		Jsonrpc: "2.0",
		Result:  models.TextResult(string(raw)),
		ID:      id,
	}
}

func errorResponse(id any, rerr *rpc.Error) *models.MCPResponse {
	return &models.MCPResponse{
		Jsonrpc: "2.0",
		Error:   &models.MCPError{Code: rerr.Code(), Message: rerr.Message, Data: rerr.Data},
		ID:      id,
	}
}

// ── HTTP transport ──────────────────────────────────────────

// ServeHTTP handles POST /mcp.
func (gw *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		writeResponse(w, errorResponse(nil, rpc.Errorf(rpc.KindParse, "unreadable request body")))
		return
	}
	var req models.MCPRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeResponse(w, errorResponse(nil, rpc.Errorf(rpc.KindParse, "request body is not valid JSON")))
		return
	}

	principal := pkgmw.GetPrincipal(r.Context())
	resp := gw.Handle(r.Context(), principal, &req)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeResponse(w, resp)
}

func writeResponse(w http.ResponseWriter, resp *models.MCPResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// ServeSSE holds a notification stream open for one subscriber.
// Broadcast notifications are fanned out to every connected stream.
func (gw *Gateway) ServeSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusNotImplemented)
		return
	}

	ch := gw.subscribe()
	defer gw.unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, open := <-ch:
			if !open {
				return
			}
			raw, err := json.Marshal(&msg)
			if err != nil {
				continue
			}
			if _, err := w.Write(append(append([]byte("data: "), raw...), '\n', '\n')); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (gw *Gateway) subscribe() chan models.MCPResponse {
	ch := make(chan models.MCPResponse, 32)
	gw.subsMu.Lock()
	gw.subs = append(gw.subs, ch)
	gw.subsMu.Unlock()
	return ch
}

func (gw *Gateway) unsubscribe(ch chan models.MCPResponse) {
	gw.subsMu.Lock()
	defer gw.subsMu.Unlock()
	for i, s := range gw.subs {
		if s == ch {
			gw.subs = append(gw.subs[:i], gw.subs[i+1:]...)
			close(s)
			break
		}
	}
}

// Broadcast fans a notification out to every SSE subscriber. Slow
// subscribers drop messages rather than block the sender.
func (gw *Gateway) Broadcast(resp models.MCPResponse) {
	gw.subsMu.RLock()
	defer gw.subsMu.RUnlock()
	for _, ch := range gw.subs {
		select {
		case ch <- resp:
		default:
		}
	}
}
