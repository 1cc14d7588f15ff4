package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/modelrelay/relay/internal/config"
)

const testRedirectURI = "http://localhost:9999/cb"

func newTestOAuthServer(t *testing.T) (*Server, *Store) {
	t.Helper()
	store := NewStore("")
	cfg := config.OAuth{
		Enabled:                true,
		AccessTokenTTLSeconds:  3600,
		RefreshTokenTTLSeconds: 86400,
	}
	return NewServer(store, cfg, nil), store
}

func registerClient(t *testing.T, srv *Server, authMethod string) (clientID, clientSecret string) {
	t.Helper()
	body := `{"redirect_uris":["` + testRedirectURI + `"],"client_name":"test","token_endpoint_auth_method":"` + authMethod + `"}`
	req := httptest.NewRequest(http.MethodPost, "/oauth/register", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.HandleRegister(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: status = %d, want 201; body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("register: unparseable response: %v", err)
	}
	id, _ := resp["client_id"].(string)
	secret, _ := resp["client_secret"].(string)
	if id == "" {
		t.Fatal("register: no client_id in response")
	}
	return id, secret
}

func s256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func jsonState(t *testing.T) string {
	t.Helper()
	raw, _ := json.Marshal(map[string]string{"origin": "test"})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// authorizeCode drives /authorize for a public client and returns the code.
func authorizeCode(t *testing.T, srv *Server, clientID, verifier, state string) string {
	t.Helper()
	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {testRedirectURI},
		"code_challenge":        {s256Challenge(verifier)},
		"code_challenge_method": {"S256"},
		"scope":                 {"ai.generate wallet.read"},
	}
	if state != "" {
		q.Set("state", state)
	}
	req := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	srv.HandleAuthorize(rec, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("authorize: status = %d, want 302; body %s", rec.Code, rec.Body.String())
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("authorize: bad Location: %v", err)
	}
	if got := loc.Query().Get("state"); state != "" && got != state {
		t.Errorf("authorize: state = %q, want %q", got, state)
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatalf("authorize: no code in redirect %q", rec.Header().Get("Location"))
	}
	return code
}

func exchangeCode(t *testing.T, srv *Server, clientID, code, verifier string) map[string]any {
	t.Helper()
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.HandleToken(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("token: status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("token: unparseable response: %v", err)
	}
	return resp
}

func TestAuthorizationCodeFlowWithPKCE(t *testing.T) {
	srv, store := newTestOAuthServer(t)
	clientID, secret := registerClient(t, srv, "none")
	if secret != "" {
		t.Errorf("public client got a secret: %q", secret)
	}

	verifier := "correct-horse-battery-staple-0123456789abcdef"
	code := authorizeCode(t, srv, clientID, verifier, jsonState(t))
	resp := exchangeCode(t, srv, clientID, code, verifier)

	access, _ := resp["access_token"].(string)
	refresh, _ := resp["refresh_token"].(string)
	if !strings.HasPrefix(access, "rly_") {
		t.Errorf("access_token = %q, want rly_ prefix", access)
	}
	if !strings.HasPrefix(refresh, "rlyr_") {
		t.Errorf("refresh_token = %q, want rlyr_ prefix", refresh)
	}
	if tt, _ := resp["token_type"].(string); tt != "Bearer" {
		t.Errorf("token_type = %q, want Bearer", tt)
	}

	tok, ok := store.LookupToken(access)
	if !ok {
		t.Fatal("issued access token not in store")
	}
	if tok.ClientID != clientID {
		t.Errorf("token client = %q, want %q", tok.ClientID, clientID)
	}
}

func TestAuthorizationCodeIsOneShot(t *testing.T) {
	srv, _ := newTestOAuthServer(t)
	clientID, _ := registerClient(t, srv, "none")

	verifier := "one-shot-verifier-0123456789abcdefghij"
	code := authorizeCode(t, srv, clientID, verifier, "")
	exchangeCode(t, srv, clientID, code, verifier)

	// Second exchange of the same code must fail.
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.HandleToken(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("replayed code: status = %d, want 400", rec.Code)
	}
}

func TestTokenExchangeRejectsWrongVerifier(t *testing.T) {
	srv, _ := newTestOAuthServer(t)
	clientID, _ := registerClient(t, srv, "none")

	code := authorizeCode(t, srv, clientID, "the-real-verifier-0123456789abcdef", "")
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {"a-completely-different-verifier-000000"},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.HandleToken(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("wrong verifier: status = %d, want 400", rec.Code)
	}
}

func TestAuthorizeRejectsUnregisteredRedirect(t *testing.T) {
	srv, _ := newTestOAuthServer(t)
	clientID, _ := registerClient(t, srv, "none")

	q := url.Values{
		"response_type": {"code"},
		"client_id":     {clientID},
		"redirect_uri":  {"http://evil.example/steal"},
	}
	req := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	srv.HandleAuthorize(rec, req)
	// Must be a direct error, never a redirect to the unregistered URI.
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "" {
		t.Errorf("unexpected redirect to %q", loc)
	}
}

func TestAuthorizeRejectsNonJSONState(t *testing.T) {
	srv, _ := newTestOAuthServer(t)
	clientID, _ := registerClient(t, srv, "none")

	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {testRedirectURI},
		"code_challenge":        {s256Challenge("v-0123456789abcdefghijklmnopqrstuv")},
		"code_challenge_method": {"S256"},
		"state":                 {"not-base64-json!!"},
	}
	req := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	srv.HandleAuthorize(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestPublicClientRequiresPKCE(t *testing.T) {
	srv, _ := newTestOAuthServer(t)
	clientID, _ := registerClient(t, srv, "none")

	q := url.Values{
		"response_type": {"code"},
		"client_id":     {clientID},
		"redirect_uri":  {testRedirectURI},
	}
	req := httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil)
	rec := httptest.NewRecorder()
	srv.HandleAuthorize(rec, req)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302 error redirect", rec.Code)
	}
	loc, _ := url.Parse(rec.Header().Get("Location"))
	if got := loc.Query().Get("error"); got != "invalid_request" {
		t.Errorf("error = %q, want invalid_request", got)
	}
}

func TestRefreshRotatesAccessKeepsRefresh(t *testing.T) {
	srv, store := newTestOAuthServer(t)
	clientID, _ := registerClient(t, srv, "none")

	verifier := "rotation-verifier-0123456789abcdefgh"
	code := authorizeCode(t, srv, clientID, verifier, "")
	resp := exchangeCode(t, srv, clientID, code, verifier)
	oldAccess := resp["access_token"].(string)
	refresh := resp["refresh_token"].(string)

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.HandleToken(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh: status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}
	var rotated map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &rotated); err != nil {
		t.Fatalf("refresh: unparseable response: %v", err)
	}

	newAccess := rotated["access_token"].(string)
	if newAccess == oldAccess {
		t.Error("access token was not rotated")
	}
	if got := rotated["refresh_token"].(string); got != refresh {
		t.Errorf("refresh token changed across rotation: %q != %q", got, refresh)
	}
	if _, ok := store.LookupToken(oldAccess); ok {
		t.Error("old access token still valid after rotation")
	}
	if _, ok := store.LookupToken(newAccess); !ok {
		t.Error("new access token not in store")
	}
}

func TestRevokeIsSilentForUnknownTokens(t *testing.T) {
	srv, store := newTestOAuthServer(t)
	clientID, _ := registerClient(t, srv, "none")

	verifier := "revoke-verifier-0123456789abcdefghij"
	code := authorizeCode(t, srv, clientID, verifier, "")
	resp := exchangeCode(t, srv, clientID, code, verifier)
	access := resp["access_token"].(string)

	for _, token := range []string{access, "rly_never_issued"} {
		form := url.Values{"token": {token}}
		req := httptest.NewRequest(http.MethodPost, "/revoke", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		srv.HandleRevoke(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("revoke %q: status = %d, want 200", token, rec.Code)
		}
	}
	if _, ok := store.LookupToken(access); ok {
		t.Error("revoked access token still valid")
	}
}

func TestConfidentialClientNeedsSecret(t *testing.T) {
	srv, _ := newTestOAuthServer(t)
	clientID, secret := registerClient(t, srv, "client_secret_post")
	if secret == "" {
		t.Fatal("confidential client got no secret")
	}

	verifier := "conf-verifier-0123456789abcdefghijkl"
	code := authorizeCode(t, srv, clientID, verifier, "")

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"client_secret": {"wrong-secret"},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.HandleToken(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret: status = %d, want 401", rec.Code)
	}
}

func TestValidatorResolvesPrincipals(t *testing.T) {
	store := NewStore("")
	v := NewValidator(store, nil)

	user := store.EnsureUser("alice@example.com")
	tok := store.IssueToken(user.UserID, "client-1", []string{"ai.generate"}, time.Hour)

	p, rerr := v.Validate(tok.Token)
	if rerr != nil {
		t.Fatalf("valid token rejected: %v", rerr)
	}
	if p.UserID != user.UserID || !p.HasScope("ai.generate") {
		t.Errorf("principal = %+v", p)
	}

	if _, rerr := v.Validate("rly_forged"); rerr == nil {
		t.Error("forged token accepted")
	}

	expired := store.IssueToken(user.UserID, "client-1", nil, time.Second)
	store.mu.Lock()
	store.tokens[expired.Token].CreatedAt = time.Now().UTC().Add(-time.Hour)
	store.mu.Unlock()
	if _, rerr := v.Validate(expired.Token); rerr == nil {
		t.Error("expired token accepted")
	}
}
