package registry

import (
	"testing"

	"github.com/modelrelay/relay/internal/rpc"
	"github.com/modelrelay/relay/pkg/models"
)

func TestLookupIsTotal(t *testing.T) {
	r := New()

	d := r.Lookup("openai", "gpt-4o")
	if !d.Known {
		t.Error("gpt-4o should be known")
	}
	if d.Pricing == nil {
		t.Error("gpt-4o should carry pricing")
	}

	d = r.Lookup("openai", "made-up-model")
	if d.Known {
		t.Error("unknown model reported Known=true")
	}
	if d.Provider != "openai" || d.ID != "made-up-model" {
		t.Errorf("descriptor = %+v", d)
	}
}

func TestResolveFallthroughTokens(t *testing.T) {
	r := New()
	for _, alias := range []string{"", "auto", "default", "undefined", "AUTO"} {
		d, rerr := r.Resolve("openai", alias, "gpt-4o-mini")
		if rerr != nil {
			t.Fatalf("Resolve(%q): %v", alias, rerr)
		}
		if d.ID != "gpt-4o-mini" {
			t.Errorf("Resolve(%q) = %q, want gpt-4o-mini", alias, d.ID)
		}
	}

	_, rerr := r.Resolve("openai", "auto", "")
	if rerr == nil || rerr.Kind != rpc.KindInvalidParams {
		t.Errorf("auto without default: rerr = %v, want invalid_params", rerr)
	}
}

func TestResolveProviderPrefix(t *testing.T) {
	r := New()
	d, rerr := r.Resolve("anthropic", "anthropic/claude-3-5-haiku-20241022", "")
	if rerr != nil {
		t.Fatalf("Resolve: %v", rerr)
	}
	if d.ID != "claude-3-5-haiku-20241022" || !d.Known {
		t.Errorf("descriptor = %+v", d)
	}
}

func TestNormalizeGooglePrefix(t *testing.T) {
	if got := Normalize("google", "gemini-2.5-flash"); got != "models/gemini-2.5-flash" {
		t.Errorf("Normalize = %q", got)
	}
	if got := Normalize("google", "models/gemini-2.5-flash"); got != "models/gemini-2.5-flash" {
		t.Errorf("Normalize double-prefixed: %q", got)
	}
	if got := Normalize("openai", "gpt-4o"); got != "gpt-4o" {
		t.Errorf("Normalize touched a non-google id: %q", got)
	}

	// Lookup normalizes, so the bare id resolves too.
	r := New()
	if d := r.Lookup("google", "gemini-2.5-flash"); !d.Known {
		t.Error("bare google id did not resolve")
	}
}

func TestCheckAllowed(t *testing.T) {
	cases := []struct {
		name  string
		id    string
		restr *models.ModelRestrictions
		allow bool
	}{
		{"no policy", "gpt-4o", nil, true},
		{"empty policy", "gpt-4o", &models.ModelRestrictions{}, true},
		{"allow-list hit", "gpt-4o", &models.ModelRestrictions{AllowedModels: []string{"gpt-4o"}}, true},
		{"allow-list miss", "o3-mini", &models.ModelRestrictions{AllowedModels: []string{"gpt-4o"}}, false},
		{"pattern hit", "gpt-4o-mini", &models.ModelRestrictions{AllowedPatterns: []string{"gpt-4o*"}}, true},
		{"pattern miss", "o3-mini", &models.ModelRestrictions{AllowedPatterns: []string{"gpt-4o*"}}, false},
		{"blocked wins over allow", "gpt-4o", &models.ModelRestrictions{
			AllowedModels: []string{"gpt-4o"},
			BlockedModels: []string{"gpt-4o"},
		}, false},
		{"blocked only", "gpt-4o", &models.ModelRestrictions{BlockedModels: []string{"gpt-4o"}}, false},
		{"blocked only, other id", "gpt-4o-mini", &models.ModelRestrictions{BlockedModels: []string{"gpt-4o"}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rerr := CheckAllowed("openai", tc.id, tc.restr)
			if tc.allow && rerr != nil {
				t.Errorf("denied: %v", rerr)
			}
			if !tc.allow {
				if rerr == nil {
					t.Fatal("allowed, want denial")
				}
				if rerr.Kind != rpc.KindModelNotAllowed {
					t.Errorf("kind = %s, want model_not_allowed", rerr.Kind)
				}
				// model_not_allowed maps into the invalid-params code space.
				if rerr.Code() != rpc.CodeInvalidParams {
					t.Errorf("code = %d, want %d", rerr.Code(), rpc.CodeInvalidParams)
				}
			}
		})
	}
}

func TestSuggestionsCapAndSkipBlocked(t *testing.T) {
	restr := &models.ModelRestrictions{
		AllowedModels: []string{"a", "b", "c", "d"},
		BlockedModels: []string{"b"},
	}
	got := Suggestions("openai", restr, 3)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for _, s := range got {
		if s == "b" {
			t.Error("blocked model suggested")
		}
	}

	patterns := &models.ModelRestrictions{AllowedPatterns: []string{"gpt-4o*"}}
	got = Suggestions("openai", patterns, 3)
	if len(got) == 0 {
		t.Error("no suggestions from patterns")
	}
}

// Google ids normalize to a "models/" prefix before the policy check, but
// restriction entries are written the way callers write model ids. Both
// shapes must match.
func TestCheckAllowedGoogleNormalizedIDs(t *testing.T) {
	id := Normalize("google", "gemini-2.5-flash")

	allow := &models.ModelRestrictions{AllowedPatterns: []string{"gemini-*"}}
	if rerr := CheckAllowed("google", id, allow); rerr != nil {
		t.Errorf("unprefixed allow pattern denied %q: %v", id, rerr)
	}

	allowExact := &models.ModelRestrictions{AllowedModels: []string{"gemini-2.5-flash"}}
	if rerr := CheckAllowed("google", id, allowExact); rerr != nil {
		t.Errorf("unprefixed allow entry denied %q: %v", id, rerr)
	}

	block := &models.ModelRestrictions{BlockedModels: []string{"gemini-2.5-flash"}}
	if rerr := CheckAllowed("google", id, block); rerr == nil {
		t.Errorf("unprefixed block entry did not block %q", id)
	}

	prefixed := &models.ModelRestrictions{AllowedModels: []string{"models/gemini-2.5-flash"}}
	if rerr := CheckAllowed("google", id, prefixed); rerr != nil {
		t.Errorf("prefixed allow entry denied %q: %v", id, rerr)
	}

	got := Suggestions("google", &models.ModelRestrictions{AllowedPatterns: []string{"gemini-*"}}, 3)
	if len(got) == 0 {
		t.Error("no suggestions for an unprefixed google pattern")
	}
}

func TestOverride(t *testing.T) {
	r := New()
	r.Override(models.ModelDescriptor{Provider: "openai", ID: "custom-ft", Pricing: &models.Pricing{}})
	if d := r.Lookup("openai", "custom-ft"); !d.Known {
		t.Error("override not visible")
	}
}
