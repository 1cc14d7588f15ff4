package rpc

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	pkgmw "github.com/modelrelay/relay/pkg/middleware"
)

const maxEnvelopeBody = 4 << 20

// envelopeRequest is the wire shape of one envelope call.
type envelopeRequest struct {
	Version string          `json:"version"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// envelopeError is the wire shape of an envelope failure.
type envelopeError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type envelopeResponse struct {
	ID     any            `json:"id"`
	Result any            `json:"result,omitempty"`
	Error  *envelopeError `json:"error,omitempty"`
}

// EnvelopeHandler serves the envelope surface at one POST endpoint.
//
// Every response is HTTP 200 with either {id, result} or {id, error}; only
// unparseable bodies get a 400, because without a parse there is no id to
// echo and no promise the caller speaks the protocol at all.
type EnvelopeHandler struct {
	resolver Resolver

	// development leaks internal error causes into error data. Off in
	// production so upstream detail stays server-side.
	development bool
}

// NewEnvelopeHandler builds the envelope surface over a procedure resolver.
func NewEnvelopeHandler(resolver Resolver, development bool) *EnvelopeHandler {
	return &EnvelopeHandler{resolver: resolver, development: development}
}

func (h *EnvelopeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEnvelopeBody))
	if err != nil {
		h.write(w, http.StatusBadRequest, nil, Errorf(KindParse, "unreadable request body"))
		return
	}

	// Batches are a single-item protocol extension relay does not speak.
	if len(bytes.TrimSpace(body)) > 0 && bytes.TrimSpace(body)[0] == '[' {
		h.write(w, http.StatusOK, nil, Errorf(KindInvalidRequest, "batch requests are not supported"))
		return
	}

	var req envelopeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.write(w, http.StatusBadRequest, nil, Errorf(KindParse, "request body is not valid JSON"))
		return
	}

	if rerr := validateShape(&req); rerr != nil {
		h.write(w, http.StatusOK, req.ID, rerr)
		return
	}

	params, rerr := decodeParams(req.Params)
	if rerr != nil {
		h.write(w, http.StatusOK, req.ID, rerr)
		return
	}

	principal := pkgmw.GetPrincipal(r.Context())
	result, rerr := Dispatch(r.Context(), h.resolver, principal, req.Method, params)
	if rerr != nil {
		h.write(w, http.StatusOK, req.ID, rerr)
		return
	}
	h.write(w, http.StatusOK, req.ID, nil, result)
}

// validateShape enforces the envelope contract: version, id type, method
// charset. Checked before method existence.
func validateShape(req *envelopeRequest) *Error {
	if req.Version != "2.0" {
		return Errorf(KindInvalidRequest, "version must be %q", "2.0")
	}
	switch req.ID.(type) {
	case nil, string, float64, json.Number:
	default:
		return Errorf(KindInvalidRequest, "id must be a string or number")
	}
	if req.Method == "" {
		return Errorf(KindInvalidRequest, "method is required")
	}
	if !ValidMethodName(req.Method) {
		return Errorf(KindInvalidRequest, "method name contains invalid characters")
	}
	return nil
}

// decodeParams accepts an absent, null or object params member. A params
// member of any other type is a malformed request, not bad arguments, so it
// fails in the request-shape phase before method lookup.
func decodeParams(raw json.RawMessage) (map[string]any, *Error) {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return map[string]any{}, nil
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, Errorf(KindInvalidRequest, "params must be an object")
	}
	return params, nil
}

func (h *EnvelopeHandler) write(w http.ResponseWriter, status int, id any, rerr *Error, result ...any) {
	resp := envelopeResponse{ID: id}
	if rerr != nil {
		resp.Error = &envelopeError{Code: rerr.Code(), Message: rerr.Message, Data: rerr.Data}
		if h.development && resp.Error.Data == nil {
			if cause := rerr.Unwrap(); cause != nil {
				resp.Error.Data = cause.Error()
			}
		}
	} else if len(result) > 0 {
		resp.Result = result[0]
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&resp)
}
