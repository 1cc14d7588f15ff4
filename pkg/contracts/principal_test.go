package contracts

import "testing"

func TestIsAnonymous(t *testing.T) {
	var nilPrincipal *Principal
	if !nilPrincipal.IsAnonymous() {
		t.Error("nil principal should be anonymous")
	}
	if !Anonymous().IsAnonymous() {
		t.Error("Anonymous() should be anonymous")
	}
	if NewOAuthPrincipal("u1", "u1@example.com", nil).IsAnonymous() {
		t.Error("oauth principal reported anonymous")
	}
	if NewServicePrincipal("svc-1", []string{"admin"}).IsAnonymous() {
		t.Error("service principal reported anonymous")
	}
}

func TestScopesAreDeduplicated(t *testing.T) {
	p := NewOAuthPrincipal("u1", "u1@example.com", []string{"a", "b", "a", "", "b"})
	if len(p.Scopes) != 2 {
		t.Errorf("scopes = %v, want deduplicated pair", p.Scopes)
	}
	if !p.HasScope("a") || !p.HasScope("b") || p.HasScope("") {
		t.Errorf("scope membership wrong: %v", p.Scopes)
	}
}

func TestScopeSetSatisfiedBy(t *testing.T) {
	p := NewOAuthPrincipal("u1", "u1@example.com", []string{"wallet.read", "ai.generate"})

	cases := []struct {
		name string
		set  ScopeSet
		want bool
	}{
		{"empty set passes", ScopeSet{}, true},
		{"allOf present", RequireScopes("wallet.read"), true},
		{"allOf partial", RequireScopes("wallet.read", "admin"), false},
		{"anyOf hit", ScopeSet{AnyOf: [][]string{{"admin", "ai.generate"}}}, true},
		{"anyOf miss", ScopeSet{AnyOf: [][]string{{"admin", "keys.manage"}}}, false},
		{"every anyOf group must hit", ScopeSet{AnyOf: [][]string{{"ai.generate"}, {"admin"}}}, false},
		{"empty anyOf group is skipped", ScopeSet{AnyOf: [][]string{{}}}, true},
		{"not excludes", ScopeSet{Not: []string{"ai.generate"}}, false},
		{"not passes when absent", ScopeSet{Not: []string{"admin"}}, true},
		{"combined", ScopeSet{AllOf: []string{"wallet.read"}, AnyOf: [][]string{{"ai.generate", "admin"}}, Not: []string{"banned"}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.set.SatisfiedBy(p); got != tc.want {
				t.Errorf("SatisfiedBy = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestScopeSetAgainstAnonymous(t *testing.T) {
	anon := Anonymous()
	if !(ScopeSet{}).SatisfiedBy(anon) {
		t.Error("empty set should pass for anonymous")
	}
	if RequireScopes("wallet.read").SatisfiedBy(anon) {
		t.Error("anonymous satisfied a scope requirement")
	}
	// Not-only sets pass for anonymous: there is nothing to exclude.
	if !(ScopeSet{Not: []string{"admin"}}).SatisfiedBy(anon) {
		t.Error("not-only set failed for anonymous")
	}
}

func TestScopeSetEmpty(t *testing.T) {
	if !(ScopeSet{}).Empty() {
		t.Error("zero value should be empty")
	}
	for _, s := range []ScopeSet{
		RequireScopes("a"),
		{AnyOf: [][]string{{"a"}}},
		{Not: []string{"a"}},
	} {
		if s.Empty() {
			t.Errorf("%+v reported empty", s)
		}
	}
}
