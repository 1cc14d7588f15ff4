// Package auth implements the OAuth2 authorization server and bearer
// validation for the relay gateway: discovery documents, dynamic client
// registration, authorization-code + PKCE, federated login, token issuance
// and the scope policy glue.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/modelrelay/relay/pkg/models"
)

// ServiceKey is a static machine credential with fixed scopes.
// Configured via RELAY_SERVICE_KEYS as "key=scope1 scope2,key2=scope".
type ServiceKey struct {
	KeyID  string   `json:"key_id"`
	Secret string   `json:"-"`
	Scopes []string `json:"scopes"`
}

// Store holds the auth state: users, clients, auth codes, tokens and service
// keys. All maps live under one RWMutex; token validation is a read,
// issuance and revocation are writes.
//
// A JSON snapshot file provides advisory crash recovery. It is loaded at
// startup and flushed on Close; losing it only forces clients to
// re-authenticate.
type Store struct {
	mu sync.RWMutex

	users        map[string]*models.User        // user_id → user
	usersByEmail map[string]string              // email → user_id
	clients      map[string]*models.OAuthClient // client_id → client
	codes        map[string]*models.AuthCode    // code → auth code
	tokens       map[string]*models.AccessToken // access token → token
	refresh      map[string]string              // refresh token → access token
	serviceKeys  map[string]*ServiceKey         // secret → key

	snapshotPath string
}

// NewStore creates an auth store, loading the snapshot when path is set.
func NewStore(snapshotPath string) *Store {
	s := &Store{
		users:        make(map[string]*models.User),
		usersByEmail: make(map[string]string),
		clients:      make(map[string]*models.OAuthClient),
		codes:        make(map[string]*models.AuthCode),
		tokens:       make(map[string]*models.AccessToken),
		refresh:      make(map[string]string),
		serviceKeys:  make(map[string]*ServiceKey),
		snapshotPath: snapshotPath,
	}
	s.loadServiceKeysFromEnv()
	if snapshotPath != "" {
		if err := s.loadSnapshot(); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", snapshotPath).Msg("Auth snapshot load failed, starting empty")
		}
	}
	return s
}

func (s *Store) loadServiceKeysFromEnv() {
	raw := os.Getenv("RELAY_SERVICE_KEYS")
	if raw == "" {
		return
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, scopes, _ := strings.Cut(entry, "=")
		sk := &ServiceKey{
			KeyID:  fmt.Sprintf("svc-%x", len(s.serviceKeys)+1),
			Secret: key,
		}
		if scopes != "" {
			sk.Scopes = strings.Fields(scopes)
		}
		s.serviceKeys[key] = sk
	}
	if len(s.serviceKeys) > 0 {
		log.Info().Int("count", len(s.serviceKeys)).Msg("Service keys loaded")
	}
}

// ── Users ───────────────────────────────────────────────────

// EnsureUser materializes a local user for an email, returning the existing
// one when present. Used by the federated-login callback.
func (s *Store) EnsureUser(email string) *models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.usersByEmail[email]; ok {
		return s.users[id]
	}
	u := &models.User{
		UserID:    uuid.New().String(),
		Email:     email,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	s.users[u.UserID] = u
	s.usersByEmail[email] = u.UserID
	return u
}

// GetUser returns a user by id, or nil.
func (s *Store) GetUser(userID string) *models.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[userID]
}

// ── Clients ─────────────────────────────────────────────────

// RegisterClient stores a dynamically registered client.
func (s *Store) RegisterClient(c *models.OAuthClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ID] = c
}

// GetClient returns a client by id, or nil.
func (s *Store) GetClient(id string) *models.OAuthClient {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clients[id]
}

// ── Auth codes ──────────────────────────────────────────────

// PutCode stores a freshly issued authorization code.
func (s *Store) PutCode(c *models.AuthCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[c.Code] = c
}

// ConsumeCode atomically marks a code consumed and returns it. The second
// call for the same code fails: issued → consumed is terminal.
func (s *Store) ConsumeCode(code string, now time.Time) (*models.AuthCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[code]
	if !ok {
		return nil, fmt.Errorf("unknown code")
	}
	if c.Consumed {
		return nil, fmt.Errorf("code already used")
	}
	if c.Expired(now) {
		return nil, fmt.Errorf("code expired")
	}
	c.Consumed = true
	return c, nil
}

// ── Tokens ──────────────────────────────────────────────────

// IssueToken mints an opaque access+refresh token pair.
func (s *Store) IssueToken(userID, clientID string, scopes []string, ttl time.Duration) *models.AccessToken {
	t := &models.AccessToken{
		Token:        newOpaqueToken("rly"),
		RefreshToken: newOpaqueToken("rlyr"),
		UserID:       userID,
		ClientID:     clientID,
		Scopes:       scopes,
		CreatedAt:    time.Now().UTC(),
		ExpiresIn:    int64(ttl / time.Second),
	}
	s.mu.Lock()
	s.tokens[t.Token] = t
	s.refresh[t.RefreshToken] = t.Token
	s.mu.Unlock()
	return t
}

// LookupToken resolves an opaque bearer token. O(1) by token string.
func (s *Store) LookupToken(token string) (*models.AccessToken, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[token]
	return t, ok
}

// RotateToken exchanges a refresh token for a new access token, rotating the
// access token's value. The old access token is revoked.
func (s *Store) RotateToken(refreshToken string, ttl time.Duration) (*models.AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	accessToken, ok := s.refresh[refreshToken]
	if !ok {
		return nil, fmt.Errorf("unknown refresh token")
	}
	old := s.tokens[accessToken]
	delete(s.tokens, accessToken)
	if old == nil {
		delete(s.refresh, refreshToken)
		return nil, fmt.Errorf("refresh token orphaned")
	}
	t := &models.AccessToken{
		Token:        newOpaqueToken("rly"),
		RefreshToken: refreshToken,
		UserID:       old.UserID,
		ClientID:     old.ClientID,
		Scopes:       old.Scopes,
		CreatedAt:    time.Now().UTC(),
		ExpiresIn:    int64(ttl / time.Second),
	}
	s.tokens[t.Token] = t
	s.refresh[refreshToken] = t.Token
	return t, nil
}

// RevokeToken removes an access or refresh token. Unknown tokens are a
// no-op, per RFC 7009.
func (s *Store) RevokeToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if access, ok := s.refresh[token]; ok {
		if t := s.tokens[access]; t != nil {
			delete(s.tokens, t.Token)
		}
		delete(s.refresh, token)
		return
	}
	if t, ok := s.tokens[token]; ok {
		delete(s.refresh, t.RefreshToken)
		delete(s.tokens, token)
	}
}

// LookupServiceKey resolves a static service key.
func (s *Store) LookupServiceKey(secret string) (*ServiceKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.serviceKeys[secret]
	return k, ok
}

// ── Snapshot ────────────────────────────────────────────────

type snapshot struct {
	Users   map[string]*models.User        `json:"users"`
	Clients map[string]*models.OAuthClient `json:"clients"`
	Tokens  map[string]*models.AccessToken `json:"tokens"`
}

func (s *Store) loadSnapshot() error {
	raw, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("parse snapshot: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, u := range snap.Users {
		s.users[id] = u
		s.usersByEmail[u.Email] = id
	}
	for id, c := range snap.Clients {
		s.clients[id] = c
	}
	now := time.Now().UTC()
	for tok, t := range snap.Tokens {
		if t.Expired(now) {
			continue
		}
		s.tokens[tok] = t
		if t.RefreshToken != "" {
			s.refresh[t.RefreshToken] = tok
		}
	}
	log.Info().
		Int("users", len(s.users)).
		Int("tokens", len(s.tokens)).
		Msg("Auth snapshot loaded")
	return nil
}

// Close flushes the advisory snapshot. Auth codes are deliberately not
// persisted; they are short-lived and one-shot.
func (s *Store) Close() error {
	if s.snapshotPath == "" {
		return nil
	}
	s.mu.RLock()
	snap := snapshot{
		Users:   s.users,
		Clients: s.clients,
		Tokens:  s.tokens,
	}
	raw, err := json.MarshalIndent(&snap, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.snapshotPath), 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.snapshotPath, raw, 0o600)
}

func newOpaqueToken(prefix string) string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return prefix + "_" + hex.EncodeToString(buf)
}
