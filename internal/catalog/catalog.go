// Package catalog is the single registry of callable operations.
//
// Every surface (the envelope protocol, the typed procedure protocol and the
// MCP tool surface) resolves methods here, so one registration yields all
// three. Registration is open only before Freeze(); the catalog is immutable
// afterwards and reads are lock-free.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/modelrelay/relay/internal/rpc"
	"github.com/modelrelay/relay/pkg/contracts"
)

// Kind distinguishes idempotent queries from mutations. The typed surface
// maps queries to GET and mutations to POST.
type Kind string

const (
	KindQuery    Kind = "query"
	KindMutation Kind = "mutation"
)

// ToolVisibility controls whether a procedure is exposed on the MCP surface.
type ToolVisibility string

const (
	// ToolHidden keeps the procedure off tools/list entirely.
	ToolHidden ToolVisibility = "hidden"
	// ToolPublic lists the procedure and may bypass auth when server config
	// permits public tools.
	ToolPublic ToolVisibility = "public"
	// ToolScoped lists the procedure; calls run the scope policy.
	ToolScoped ToolVisibility = "scoped"
)

// Handler executes one procedure call. Params have already passed schema
// validation; the principal has already passed the scope policy.
type Handler func(ctx context.Context, principal *contracts.Principal, params map[string]any) (any, error)

// Procedure is one registered operation.
type Procedure struct {
	Name           string
	Kind           Kind
	Description    string
	InputSchema    map[string]any
	OutputSchema   map[string]any
	RequiredScopes contracts.ScopeSet
	Visibility     ToolVisibility
	Handler        Handler

	compiled *jsonschema.Schema
}

// ValidName reports whether a method name is within the allowed charset.
// The charset authority lives in the rpc package so both surfaces and the
// catalog agree.
func ValidName(name string) bool { return rpc.ValidMethodName(name) }

// Catalog holds the registered procedures. Not safe for concurrent
// registration; Freeze() before serving.
type Catalog struct {
	procs  map[string]*Procedure
	order  []string
	frozen bool
}

// New creates an empty, unfrozen catalog.
func New() *Catalog {
	return &Catalog{procs: make(map[string]*Procedure)}
}

// Register adds a procedure. Panics on registration after Freeze, on an
// invalid name, or on a duplicate; all are programmer errors at startup.
func (c *Catalog) Register(p Procedure) {
	if c.frozen {
		panic(fmt.Sprintf("catalog: Register(%q) after Freeze", p.Name))
	}
	if !ValidName(p.Name) {
		panic(fmt.Sprintf("catalog: invalid procedure name %q", p.Name))
	}
	if _, dup := c.procs[p.Name]; dup {
		panic(fmt.Sprintf("catalog: duplicate procedure %q", p.Name))
	}
	if p.Kind == "" {
		p.Kind = KindQuery
	}
	if p.Visibility == "" {
		p.Visibility = ToolHidden
	}
	if p.Handler == nil {
		panic(fmt.Sprintf("catalog: procedure %q has no handler", p.Name))
	}
	c.procs[p.Name] = &p
	c.order = append(c.order, p.Name)
}

// Freeze compiles input schemas and seals the catalog. Reads are lock-free
// afterwards.
func (c *Catalog) Freeze() error {
	if c.frozen {
		return nil
	}
	for _, name := range c.order {
		p := c.procs[name]
		if p.InputSchema == nil {
			continue
		}
		compiled, err := compileSchema(name, p.InputSchema)
		if err != nil {
			return fmt.Errorf("catalog: compile schema for %q: %w", name, err)
		}
		p.compiled = compiled
	}
	c.frozen = true
	return nil
}

// Frozen reports whether the catalog has been sealed.
func (c *Catalog) Frozen() bool { return c.frozen }

// Lookup resolves a procedure by name.
func (c *Catalog) Lookup(name string) (*Procedure, *rpc.Error) {
	p, ok := c.procs[name]
	if !ok {
		return nil, rpc.Errorf(rpc.KindMethodNotFound, "method %q not found", name)
	}
	return p, nil
}

// List returns all procedures in registration order.
func (c *Catalog) List() []*Procedure {
	out := make([]*Procedure, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.procs[name])
	}
	return out
}

// Validate checks params against the procedure's compiled input schema.
func (p *Procedure) Validate(params map[string]any) *rpc.Error {
	if p.compiled == nil {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}
	// The jsonschema validator wants the generic decoded form; params
	// already are map[string]any but nested values may carry typed ints
	// from handler-constructed calls, so round-trip through JSON.
	normalized, err := normalize(params)
	if err != nil {
		return rpc.Errorf(rpc.KindInvalidParams, "invalid params: %v", err)
	}
	if err := p.compiled.Validate(normalized); err != nil {
		return rpc.Errorf(rpc.KindInvalidParams, "invalid params for %q: %v", p.Name, err)
	}
	return nil
}

func normalize(params map[string]any) (any, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	url := "relay://procedures/" + name + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// ── Dispatch adapter ────────────────────────────────────────

// The catalog satisfies rpc.Resolver and *Procedure satisfies rpc.Procedure,
// so both protocol surfaces and the MCP surface share one dispatch path.

func (p *Procedure) ProcName() string             { return p.Name }
func (p *Procedure) Scopes() contracts.ScopeSet   { return p.RequiredScopes }
func (p *Procedure) Query() bool                  { return p.Kind == KindQuery }

// Call runs the handler. Params have passed Validate; the principal has
// passed the scope policy.
func (p *Procedure) Call(ctx context.Context, principal *contracts.Principal, params map[string]any) (any, error) {
	return p.Handler(ctx, principal, params)
}

// Resolve looks a procedure up for dispatch.
func (c *Catalog) Resolve(name string) (rpc.Procedure, *rpc.Error) {
	p, err := c.Lookup(name)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ── Discovery document ──────────────────────────────────────

// OpenRPCDocument renders the catalog as an OpenRPC discovery document
// served at /openrpc.json and consumed by both protocol surfaces.
func (c *Catalog) OpenRPCDocument(version string) map[string]any {
	methods := make([]map[string]any, 0, len(c.order))
	names := append([]string(nil), c.order...)
	sort.Strings(names)
	for _, name := range names {
		p := c.procs[name]
		m := map[string]any{
			"name": p.Name,
			"params": []map[string]any{{
				"name":     "params",
				"required": false,
				"schema":   schemaOrAny(p.InputSchema),
			}},
			"result": map[string]any{
				"name":   "result",
				"schema": schemaOrAny(p.OutputSchema),
			},
			"x-kind": string(p.Kind),
		}
		if p.Description != "" {
			m["summary"] = p.Description
		}
		if !p.RequiredScopes.Empty() {
			m["x-scopes"] = p.RequiredScopes
		}
		methods = append(methods, m)
	}
	return map[string]any{
		"openrpc": "1.2.6",
		"info": map[string]any{
			"title":   "relay gateway",
			"version": version,
		},
		"methods": methods,
	}
}

func schemaOrAny(s map[string]any) map[string]any {
	if s == nil {
		return map[string]any{}
	}
	return s
}
