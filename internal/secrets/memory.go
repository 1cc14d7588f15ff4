package secrets

import (
	"context"
	"sort"
	"sync"

	"github.com/modelrelay/relay/pkg/models"
)

// MemoryStore is the DB-less secret store. Keys still go through the AEAD so
// the encryption path is exercised identically to the durable store.
type MemoryStore struct {
	mu     sync.RWMutex
	rows   map[string]map[string]sealedRow // user_id → provider → row
	cipher *cipher
}

type sealedRow struct {
	ciphertext []byte
	nonce      []byte
}

// NewMemoryStore builds an in-memory secret store.
func NewMemoryStore(masterKey string) (*MemoryStore, error) {
	c, err := newCipher(masterKey)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{rows: make(map[string]map[string]sealedRow), cipher: c}, nil
}

func (s *MemoryStore) Put(ctx context.Context, userID, provider, plaintext string) error {
	ciphertext, nonce, err := s.cipher.seal(userID, provider, plaintext)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows[userID] == nil {
		s.rows[userID] = make(map[string]sealedRow)
	}
	s.rows[userID][provider] = sealedRow{ciphertext: ciphertext, nonce: nonce}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, userID, provider string) (string, error) {
	s.mu.RLock()
	row, ok := s.rows[userID][provider]
	s.mu.RUnlock()
	if !ok {
		return "", ErrNotFound
	}
	return s.cipher.open(userID, provider, row.ciphertext, row.nonce)
}

func (s *MemoryStore) ListProviders(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	providers := make([]string, 0, len(s.rows[userID]))
	for p := range s.rows[userID] {
		providers = append(providers, p)
	}
	sort.Strings(providers)
	return providers, nil
}

func (s *MemoryStore) Rotate(ctx context.Context, userID, provider, newPlaintext string) error {
	s.mu.RLock()
	_, ok := s.rows[userID][provider]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return s.Put(ctx, userID, provider, newPlaintext)
}

func (s *MemoryStore) Delete(ctx context.Context, userID, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows[userID], provider)
	if len(s.rows[userID]) == 0 {
		delete(s.rows, userID)
	}
	return nil
}

func (s *MemoryStore) Health(ctx context.Context) *models.SecretStoreHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := &models.SecretStoreHealth{Connected: true}
	providers := make(map[string]bool)
	for _, byProvider := range s.rows {
		for p := range byProvider {
			providers[p] = true
			h.Secrets++
		}
	}
	h.Users = int64(len(s.rows))
	h.Providers = int64(len(providers))
	return h
}
