package models

import "time"

// ── OAuth entities ──────────────────────────────────────────

// User is a locally materialized account. Federated logins create these on
// first callback.
type User struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// OAuthClient is a registered OAuth2 client. Confidential clients carry a
// secret; public clients (dynamic registration without credentials) do not.
type OAuthClient struct {
	ID                  string    `json:"client_id"`
	Secret              string    `json:"client_secret,omitempty"`
	RedirectURIs        []string  `json:"redirect_uris"`
	GrantTypes          []string  `json:"grant_types"`
	Name                string    `json:"client_name,omitempty"`
	AccessTokenTTL      int64     `json:"access_token_ttl,omitempty"`  // seconds
	RefreshTokenTTL     int64     `json:"refresh_token_ttl,omitempty"` // seconds
	TokenEndpointMethod string    `json:"token_endpoint_auth_method,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// Public reports whether the client has no secret.
func (c *OAuthClient) Public() bool { return c.Secret == "" }

// AllowsRedirect checks the exact-match redirect-URI allow-list.
func (c *OAuthClient) AllowsRedirect(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// AuthCode is a one-shot authorization code. Consumed is terminal: a second
// exchange of the same code must fail.
type AuthCode struct {
	Code                string    `json:"code"`
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scopes              []string  `json:"scopes"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"` // "S256" or "plain"
	UserID              string    `json:"user_id"`
	ExpiresAt           time.Time `json:"expires_at"`
	Consumed            bool      `json:"consumed"`
}

// Expired reports whether the code is past its deadline.
func (c *AuthCode) Expired(now time.Time) bool { return now.After(c.ExpiresAt) }

// AccessToken is an issued bearer token with its refresh companion.
// Lookup by token string is O(1) in the token store.
type AccessToken struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	UserID       string    `json:"user_id"`
	Scopes       []string  `json:"scopes"`
	ClientID     string    `json:"client_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresIn    int64     `json:"expires_in"` // seconds
}

// Expired reports whether the access token is past its lifetime.
func (t *AccessToken) Expired(now time.Time) bool {
	if t.ExpiresIn <= 0 {
		return false
	}
	return now.After(t.CreatedAt.Add(time.Duration(t.ExpiresIn) * time.Second))
}
