package rpc

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	pkgmw "github.com/modelrelay/relay/pkg/middleware"
)

// TypedHandler serves the path-per-procedure surface: GET for queries, POST
// for mutations, one path per method name. It dispatches through the same
// code path as the envelope surface, so the two cannot disagree on results.
type TypedHandler struct {
	resolver    Resolver
	development bool
}

// NewTypedHandler builds the typed surface over a procedure resolver.
func NewTypedHandler(resolver Resolver, development bool) *TypedHandler {
	return &TypedHandler{resolver: resolver, development: development}
}

// typedErrorBody carries the error kind rather than the numeric envelope
// code; the HTTP status is the transport-level signal on this surface.
type typedErrorBody struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (h *TypedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "procedure")
	if !ValidMethodName(name) {
		h.writeError(w, 0, Errorf(KindInvalidRequest, "method name contains invalid characters"))
		return
	}

	proc, rerr := h.resolver.Resolve(name)
	if rerr != nil {
		h.writeError(w, 0, rerr)
		return
	}

	params, rerr := h.readParams(r, proc.Query())
	if rerr != nil {
		h.writeError(w, 0, rerr)
		return
	}

	principal := pkgmw.GetPrincipal(r.Context())
	result, rerr := Dispatch(r.Context(), h.resolver, principal, name, params)
	if rerr != nil {
		h.writeError(w, 0, rerr)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"result": result})
}

// readParams decodes call parameters per verb: queries take URL query
// parameters (values JSON-decoded when possible, kept as strings otherwise),
// mutations take a JSON object body.
func (h *TypedHandler) readParams(r *http.Request, query bool) (map[string]any, *Error) {
	if query {
		if r.Method != http.MethodGet {
			return nil, Errorf(KindInvalidRequest, "queries use GET")
		}
		params := make(map[string]any, len(r.URL.Query()))
		for key, values := range r.URL.Query() {
			if len(values) == 0 {
				continue
			}
			var decoded any
			if err := json.Unmarshal([]byte(values[0]), &decoded); err == nil {
				params[key] = decoded
			} else {
				params[key] = values[0]
			}
		}
		return params, nil
	}

	if r.Method != http.MethodPost {
		return nil, Errorf(KindInvalidRequest, "mutations use POST")
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEnvelopeBody))
	if err != nil {
		return nil, Errorf(KindParse, "unreadable request body")
	}
	if len(body) == 0 {
		return map[string]any{}, nil
	}
	var params map[string]any
	if err := json.Unmarshal(body, &params); err != nil {
		return nil, Errorf(KindInvalidParams, "request body must be a JSON object")
	}
	return params, nil
}

func (h *TypedHandler) writeError(w http.ResponseWriter, status int, rerr *Error) {
	body := typedErrorBody{Kind: rerr.Kind, Message: rerr.Message, Data: rerr.Data}
	if h.development && body.Data == nil {
		if cause := rerr.Unwrap(); cause != nil {
			body.Data = cause.Error()
		}
	}
	if status == 0 {
		status = rerr.HTTPStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": body})
}
