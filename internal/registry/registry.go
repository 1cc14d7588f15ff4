// Package registry resolves model aliases to descriptors and enforces the
// per-provider model access policy.
package registry

import (
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/modelrelay/relay/internal/rpc"
	"github.com/modelrelay/relay/pkg/models"
)

// Registry is the model catalog: the embedded descriptors plus runtime
// overrides. Reads after construction are lock-free; Override is meant for
// startup wiring and tests.
type Registry struct {
	mu     sync.RWMutex
	byKey  map[string]models.ModelDescriptor // provider "\x00" id
	byProv map[string][]string               // provider → ids, sorted

	warned sync.Map // provider "\x00" id → struct{}, one deprecation warning per process
}

// New builds a registry from the embedded catalog.
func New() *Registry {
	r := &Registry{
		byKey:  make(map[string]models.ModelDescriptor, len(builtin)),
		byProv: make(map[string][]string),
	}
	for _, d := range builtin {
		r.put(d)
	}
	for p := range r.byProv {
		sort.Strings(r.byProv[p])
	}
	return r
}

func key(provider, id string) string { return provider + "\x00" + id }

func (r *Registry) put(d models.ModelDescriptor) {
	k := key(d.Provider, d.ID)
	if _, exists := r.byKey[k]; !exists {
		r.byProv[d.Provider] = append(r.byProv[d.Provider], d.ID)
	}
	r.byKey[k] = d
}

// Override adds or replaces a descriptor at runtime.
func (r *Registry) Override(d models.ModelDescriptor) {
	d.Known = true
	r.mu.Lock()
	defer r.mu.Unlock()
	r.put(d)
	sort.Strings(r.byProv[d.Provider])
}

// Lookup is total: unknown (provider, id) pairs return a descriptor with
// Known=false carrying the normalized id, never nil.
func (r *Registry) Lookup(provider, id string) models.ModelDescriptor {
	id = Normalize(provider, id)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.byKey[key(provider, id)]; ok {
		return d
	}
	return models.ModelDescriptor{Provider: provider, ID: id, Known: false}
}

// List returns the descriptors for one provider, or all when provider is
// empty, sorted by provider then id.
func (r *Registry) List(provider string) []models.ModelDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.ModelDescriptor
	providers := []string{provider}
	if provider == "" {
		providers = providers[:0]
		for p := range r.byProv {
			providers = append(providers, p)
		}
		sort.Strings(providers)
	}
	for _, p := range providers {
		for _, id := range r.byProv[p] {
			out = append(out, r.byKey[key(p, id)])
		}
	}
	return out
}

// ── Alias resolution ────────────────────────────────────────

// Resolve maps an alias to a descriptor. Three shapes are accepted: an exact
// id, a provider-prefixed alias ("openai/gpt-4o"), and the fallthrough
// tokens auto/default/undefined/"" which resolve to the provider's
// configured default model.
func (r *Registry) Resolve(provider, alias, defaultModel string) (models.ModelDescriptor, *rpc.Error) {
	switch strings.ToLower(alias) {
	case "", "auto", "default", "undefined":
		if defaultModel == "" {
			return models.ModelDescriptor{}, rpc.Errorf(rpc.KindInvalidParams,
				"no model given and provider %q has no default model configured", provider)
		}
		alias = defaultModel
	}
	if prefix := provider + "/"; strings.HasPrefix(alias, prefix) {
		alias = strings.TrimPrefix(alias, prefix)
	}
	d := r.Lookup(provider, alias)
	if d.Deprecated {
		r.warnDeprecated(d)
	}
	return d, nil
}

// Normalize applies provider-specific id shapes. Google's API wants a
// "models/" prefix; callers routinely omit it.
func Normalize(provider, id string) string {
	if provider == "google" && id != "" && !strings.HasPrefix(id, "models/") {
		return "models/" + id
	}
	return id
}

func (r *Registry) warnDeprecated(d models.ModelDescriptor) {
	k := key(d.Provider, d.ID)
	if _, already := r.warned.LoadOrStore(k, struct{}{}); already {
		return
	}
	log.Warn().
		Str("provider", d.Provider).
		Str("model", d.ID).
		Str("replacement", d.Replacement).
		Msg("Model is deprecated")
}

// ── Restriction enforcement ─────────────────────────────────

// CheckAllowed applies the provider's model policy to a normalized id.
// Restriction entries are written in the caller's shape ("gemini-2.5-flash",
// not "models/gemini-2.5-flash"), so each entry is normalized the same way
// ids are before matching. Blocked wins over both allow shapes; a non-empty
// allow shape with no match denies. The returned error carries up to three
// suggestions.
func CheckAllowed(provider, id string, restr *models.ModelRestrictions) *rpc.Error {
	if restr.Empty() {
		return nil
	}
	for _, blocked := range restr.BlockedModels {
		if Normalize(provider, blocked) == id {
			return notAllowed(provider, id, restr)
		}
	}
	if len(restr.AllowedModels) == 0 && len(restr.AllowedPatterns) == 0 {
		return nil
	}
	for _, allowed := range restr.AllowedModels {
		if Normalize(provider, allowed) == id {
			return nil
		}
	}
	for _, pattern := range restr.AllowedPatterns {
		if ok, err := path.Match(Normalize(provider, pattern), id); err == nil && ok {
			return nil
		}
	}
	return notAllowed(provider, id, restr)
}

func notAllowed(provider, id string, restr *models.ModelRestrictions) *rpc.Error {
	return rpc.Errorf(rpc.KindModelNotAllowed, "model %q is not allowed for provider %q", id, provider).
		WithData(map[string]any{
			"provider":    provider,
			"model":       id,
			"suggestions": Suggestions(provider, restr, 3),
		})
}

// Suggestions draws up to n allowed ids, preferring the explicit allow-list
// and falling back to catalog entries matching the allow patterns. Entries
// and patterns are normalized like CheckAllowed's.
func Suggestions(provider string, restr *models.ModelRestrictions, n int) []string {
	out := make([]string, 0, n)
	blocked := make(map[string]bool, len(restr.BlockedModels))
	for _, b := range restr.BlockedModels {
		blocked[Normalize(provider, b)] = true
	}
	for _, m := range restr.AllowedModels {
		if len(out) == n {
			return out
		}
		if m = Normalize(provider, m); !blocked[m] {
			out = append(out, m)
		}
	}
	for _, d := range builtin {
		if len(out) == n {
			return out
		}
		for _, pattern := range restr.AllowedPatterns {
			if ok, err := path.Match(Normalize(provider, pattern), d.ID); err == nil && ok && !blocked[d.ID] {
				out = append(out, d.ID)
				break
			}
		}
	}
	return out
}
