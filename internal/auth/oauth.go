package auth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/modelrelay/relay/internal/config"
	"github.com/modelrelay/relay/pkg/models"
)

const codeTTL = 10 * time.Minute

// Server is the OAuth2 authorization server. It owns the token store and the
// signing keys; the HTTP router mounts its handlers under both the root and
// /oauth/ prefixes because some inspector clients only probe one of them.
type Server struct {
	store  *Store
	cfg    config.OAuth
	signer *Signer

	// httpClient is used for federated exchanges with the upstream IdP.
	httpClient *http.Client
}

// NewServer builds the authorization server. The signer is optional; without
// one the server issues opaque tokens only and the JWKS document is empty.
func NewServer(store *Store, cfg config.OAuth, signer *Signer) *Server {
	return &Server{
		store:      store,
		cfg:        cfg,
		signer:     signer,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (s *Server) accessTTL() time.Duration {
	return time.Duration(s.cfg.AccessTokenTTLSeconds) * time.Second
}

// ── /oauth/register ─────────────────────────────────────────

type registerRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ClientName              string   `json:"client_name"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// HandleRegister implements RFC 7591 dynamic client registration. Clients
// requesting token_endpoint_auth_method "none" are registered public (no
// secret) and must use PKCE.
func (s *Server) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_client_metadata", "request body is not valid JSON")
		return
	}
	if len(req.RedirectURIs) == 0 {
		oauthError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uris is required")
		return
	}
	for _, u := range req.RedirectURIs {
		if _, err := url.ParseRequestURI(u); err != nil {
			oauthError(w, http.StatusBadRequest, "invalid_redirect_uri", fmt.Sprintf("redirect uri %q is not a valid URI", u))
			return
		}
	}
	grants := req.GrantTypes
	if len(grants) == 0 {
		grants = []string{"authorization_code", "refresh_token"}
	}
	c := &models.OAuthClient{
		ID:                  uuid.New().String(),
		RedirectURIs:        req.RedirectURIs,
		GrantTypes:          grants,
		Name:                req.ClientName,
		TokenEndpointMethod: req.TokenEndpointAuthMethod,
		CreatedAt:           time.Now().UTC(),
	}
	if req.TokenEndpointAuthMethod != "none" {
		c.Secret = newOpaqueToken("rlyc")
	}
	s.store.RegisterClient(c)
	log.Info().Str("client_id", c.ID).Str("name", c.Name).Bool("public", c.Public()).Msg("OAuth client registered")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"client_id":                  c.ID,
		"client_secret":              c.Secret,
		"redirect_uris":              c.RedirectURIs,
		"grant_types":                c.GrantTypes,
		"client_name":                c.Name,
		"token_endpoint_auth_method": c.TokenEndpointMethod,
		"client_id_issued_at":        c.CreatedAt.Unix(),
	})
}

// ── /authorize ──────────────────────────────────────────────

// HandleAuthorize starts the authorization-code flow.
//
// With an upstream identity provider configured, the request is parked and
// the browser is redirected there; the callback issues the code. Without one
// the server materializes a development user directly, which keeps local
// inspector tooling working with zero external setup.
func (s *Server) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")
	challenge := q.Get("code_challenge")
	method := q.Get("code_challenge_method")
	scopes := strings.Fields(q.Get("scope"))

	if rt := q.Get("response_type"); rt != "" && rt != "code" {
		oauthError(w, http.StatusBadRequest, "unsupported_response_type", "only response_type=code is supported")
		return
	}
	client := s.store.GetClient(clientID)
	if client == nil {
		oauthError(w, http.StatusBadRequest, "invalid_client", "unknown client_id")
		return
	}
	if !client.AllowsRedirect(redirectURI) {
		// Never redirect to an unregistered URI, even with an error.
		oauthError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uri is not registered for this client")
		return
	}
	if client.Public() && challenge == "" {
		redirectError(w, r, redirectURI, state, "invalid_request", "public clients must use PKCE")
		return
	}
	if method != "" && method != "S256" && method != "plain" {
		redirectError(w, r, redirectURI, state, "invalid_request", "unsupported code_challenge_method")
		return
	}
	if state != "" && !validState(state) {
		oauthError(w, http.StatusBadRequest, "invalid_request", "state does not decode cleanly")
		return
	}

	if s.cfg.UpstreamAuthorizeURL != "" {
		s.redirectUpstream(w, r, client, redirectURI, state, challenge, method, scopes)
		return
	}

	// Local mode: no upstream IdP. Issue the code for the development user.
	user := s.store.EnsureUser("dev@localhost")
	s.issueCodeAndRedirect(w, r, client.ID, redirectURI, state, challenge, method, scopes, user.UserID)
}

// validState requires the opaque state payload to be base64 of a JSON value.
// The payload is returned to the opener verbatim after login, so reject
// anything that does not decode before applying side effects.
func validState(state string) bool {
	raw, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		if raw, err = base64.StdEncoding.DecodeString(state); err != nil {
			return false
		}
	}
	return json.Valid(raw)
}

func (s *Server) issueCodeAndRedirect(w http.ResponseWriter, r *http.Request, clientID, redirectURI, state, challenge, method string, scopes []string, userID string) {
	code := &models.AuthCode{
		Code:                newOpaqueToken("rlyac"),
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		Scopes:              scopes,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		UserID:              userID,
		ExpiresAt:           time.Now().UTC().Add(codeTTL),
	}
	s.store.PutCode(code)

	u, _ := url.Parse(redirectURI)
	qs := u.Query()
	qs.Set("code", code.Code)
	if state != "" {
		qs.Set("state", state)
	}
	u.RawQuery = qs.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// ── Federated login ─────────────────────────────────────────

// pendingLogin is the round-trip payload carried through the upstream
// provider's state parameter.
type pendingLogin struct {
	ClientID      string   `json:"client_id"`
	RedirectURI   string   `json:"redirect_uri"`
	State         string   `json:"state,omitempty"`
	CodeChallenge string   `json:"code_challenge,omitempty"`
	Method        string   `json:"code_challenge_method,omitempty"`
	Scopes        []string `json:"scopes,omitempty"`
}

func (s *Server) redirectUpstream(w http.ResponseWriter, r *http.Request, client *models.OAuthClient, redirectURI, state, challenge, method string, scopes []string) {
	pending := pendingLogin{
		ClientID:      client.ID,
		RedirectURI:   redirectURI,
		State:         state,
		CodeChallenge: challenge,
		Method:        method,
		Scopes:        scopes,
	}
	raw, _ := json.Marshal(pending)

	u, err := url.Parse(s.cfg.UpstreamAuthorizeURL)
	if err != nil {
		oauthError(w, http.StatusInternalServerError, "server_error", "upstream authorize URL is misconfigured")
		return
	}
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", s.cfg.ClientID)
	q.Set("redirect_uri", s.callbackURL())
	q.Set("scope", "openid email")
	q.Set("state", base64.RawURLEncoding.EncodeToString(raw))
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

func (s *Server) callbackURL() string {
	if s.cfg.RedirectURI != "" {
		return s.cfg.RedirectURI
	}
	return strings.TrimSuffix(s.cfg.BaseURL, "/") + "/oauth/callback"
}

// HandleCallback completes federated login: exchanges the upstream code,
// resolves the user's email, materializes a local user and finally issues
// our own authorization code back to the original client.
func (s *Server) HandleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		oauthError(w, http.StatusBadGateway, "access_denied", fmt.Sprintf("upstream login failed: %s", e))
		return
	}
	upstreamCode := q.Get("code")
	stateParam := q.Get("state")
	if upstreamCode == "" || stateParam == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "missing code or state")
		return
	}
	raw, err := base64.RawURLEncoding.DecodeString(stateParam)
	if err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "state does not decode")
		return
	}
	var pending pendingLogin
	if err := json.Unmarshal(raw, &pending); err != nil || pending.ClientID == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "state payload is malformed")
		return
	}

	email, err := s.exchangeUpstream(r, upstreamCode)
	if err != nil {
		log.Error().Err(err).Msg("Upstream token exchange failed")
		oauthError(w, http.StatusBadGateway, "server_error", "upstream exchange failed")
		return
	}
	user := s.store.EnsureUser(email)
	log.Info().Str("user_id", user.UserID).Msg("Federated login completed")
	s.issueCodeAndRedirect(w, r, pending.ClientID, pending.RedirectURI, pending.State,
		pending.CodeChallenge, pending.Method, pending.Scopes, user.UserID)
}

func (s *Server) exchangeUpstream(r *http.Request, code string) (string, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {s.cfg.ClientID},
		"client_secret": {s.cfg.ClientSecret},
		"redirect_uri":  {s.callbackURL()},
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, s.cfg.UpstreamTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token exchange: upstream status %d", resp.StatusCode)
	}
	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &tok); err != nil || tok.AccessToken == "" {
		return "", fmt.Errorf("token exchange: no access_token in response")
	}

	uiReq, err := http.NewRequestWithContext(r.Context(), http.MethodGet, s.cfg.UpstreamUserinfoURL, nil)
	if err != nil {
		return "", err
	}
	uiReq.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	uiResp, err := s.httpClient.Do(uiReq)
	if err != nil {
		return "", fmt.Errorf("userinfo: %w", err)
	}
	defer uiResp.Body.Close()
	uiBody, _ := io.ReadAll(io.LimitReader(uiResp.Body, 1<<20))
	if uiResp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("userinfo: upstream status %d", uiResp.StatusCode)
	}
	var info struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(uiBody, &info); err != nil || info.Email == "" {
		return "", fmt.Errorf("userinfo: no email claim")
	}
	return info.Email, nil
}

// ── /token ──────────────────────────────────────────────────

// HandleToken implements the token endpoint: authorization_code with PKCE
// and refresh_token grants.
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "request body is not a valid form")
		return
	}
	switch r.PostFormValue("grant_type") {
	case "authorization_code":
		s.tokenAuthorizationCode(w, r)
	case "refresh_token":
		s.tokenRefresh(w, r)
	default:
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type", "grant_type must be authorization_code or refresh_token")
	}
}

func (s *Server) tokenAuthorizationCode(w http.ResponseWriter, r *http.Request) {
	clientID, clientSecret := clientCredentials(r)
	client := s.store.GetClient(clientID)
	if client == nil {
		oauthError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
		return
	}
	if !client.Public() && clientSecret != client.Secret {
		oauthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}

	code, err := s.store.ConsumeCode(r.PostFormValue("code"), time.Now().UTC())
	if err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_grant", err.Error())
		return
	}
	if code.ClientID != client.ID {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "code was issued to a different client")
		return
	}
	if ru := r.PostFormValue("redirect_uri"); code.RedirectURI != "" && ru != code.RedirectURI {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}
	if code.CodeChallenge != "" || client.Public() {
		if !verifyPKCE(code.CodeChallenge, code.CodeChallengeMethod, r.PostFormValue("code_verifier")) {
			oauthError(w, http.StatusBadRequest, "invalid_grant", "code_verifier does not match the challenge")
			return
		}
	}

	ttl := s.accessTTL()
	if client.AccessTokenTTL > 0 {
		ttl = time.Duration(client.AccessTokenTTL) * time.Second
	}
	token := s.store.IssueToken(code.UserID, client.ID, code.Scopes, ttl)
	s.writeTokenResponse(w, token, code.Scopes, code.UserID)
}

func (s *Server) tokenRefresh(w http.ResponseWriter, r *http.Request) {
	refresh := r.PostFormValue("refresh_token")
	if refresh == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}
	token, err := s.store.RotateToken(refresh, s.accessTTL())
	if err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_grant", "refresh token is not valid")
		return
	}
	s.writeTokenResponse(w, token, token.Scopes, token.UserID)
}

func (s *Server) writeTokenResponse(w http.ResponseWriter, token *models.AccessToken, scopes []string, userID string) {
	resp := map[string]any{
		"access_token":  token.Token,
		"token_type":    "Bearer",
		"expires_in":    token.ExpiresIn,
		"refresh_token": token.RefreshToken,
	}
	if len(scopes) > 0 {
		resp["scope"] = strings.Join(scopes, " ")
	}
	if s.signer != nil && containsScope(scopes, "openid") {
		user := s.store.GetUser(userID)
		email := ""
		if user != nil {
			email = user.Email
		}
		if idToken, err := s.signer.MintIDToken(userID, email, token.ClientID, time.Duration(token.ExpiresIn)*time.Second); err == nil {
			resp["id_token"] = idToken
		} else {
			log.Error().Err(err).Msg("ID token mint failed")
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(resp)
}

// ── /oauth/revoke ───────────────────────────────────────────

// HandleRevoke implements RFC 7009. Revocation of an unknown token still
// returns 200; the endpoint never confirms token existence.
func (s *Server) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", "request body is not a valid form")
		return
	}
	token := r.PostFormValue("token")
	if token == "" {
		oauthError(w, http.StatusBadRequest, "invalid_request", "token is required")
		return
	}
	s.store.RevokeToken(token)
	w.WriteHeader(http.StatusOK)
}

// ── Helpers ─────────────────────────────────────────────────

func clientCredentials(r *http.Request) (id, secret string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret")
}

func containsScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

func redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state, code, desc string) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		oauthError(w, http.StatusBadRequest, code, desc)
		return
	}
	q := u.Query()
	q.Set("error", code)
	q.Set("error_description", desc)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

func oauthError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": desc,
	})
}
