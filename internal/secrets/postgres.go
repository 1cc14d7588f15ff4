package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/modelrelay/relay/pkg/models"
)

// PostgresStore is the durable secret store.
type PostgresStore struct {
	pool   *pgxpool.Pool
	cipher *cipher
}

// NewPostgresStore connects, migrates and returns the store.
func NewPostgresStore(ctx context.Context, connURL, masterKey string) (*PostgresStore, error) {
	c, err := newCipher(masterKey)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("secrets connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("secrets ping: %w", err)
	}
	s := &PostgresStore{pool: pool, cipher: c}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("secrets migrate: %w", err)
	}
	log.Info().Msg("Secret store initialized (postgres)")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS user_keys (
			user_id    TEXT NOT NULL,
			provider   TEXT NOT NULL,
			ciphertext BYTEA NOT NULL,
			nonce      BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, provider)
		);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// Put stores or replaces the key for (user, provider).
func (s *PostgresStore) Put(ctx context.Context, userID, provider, plaintext string) error {
	ciphertext, nonce, err := s.cipher.seal(userID, provider, plaintext)
	if err != nil {
		return fmt.Errorf("seal secret: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO user_keys (user_id, provider, ciphertext, nonce)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			ciphertext = EXCLUDED.ciphertext,
			nonce = EXCLUDED.nonce,
			updated_at = NOW()`,
		userID, provider, ciphertext, nonce)
	return err
}

// Get decrypts and returns the key for (user, provider).
func (s *PostgresStore) Get(ctx context.Context, userID, provider string) (string, error) {
	var ciphertext, nonce []byte
	err := s.pool.QueryRow(ctx,
		`SELECT ciphertext, nonce FROM user_keys WHERE user_id = $1 AND provider = $2`,
		userID, provider).Scan(&ciphertext, &nonce)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("secrets get: %w", err)
	}
	return s.cipher.open(userID, provider, ciphertext, nonce)
}

// ListProviders returns the providers the user has keys for.
func (s *PostgresStore) ListProviders(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT provider FROM user_keys WHERE user_id = $1 ORDER BY provider`, userID)
	if err != nil {
		return nil, fmt.Errorf("secrets list: %w", err)
	}
	defer rows.Close()
	var providers []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// Rotate replaces the key, failing when none exists.
func (s *PostgresStore) Rotate(ctx context.Context, userID, provider, newPlaintext string) error {
	ciphertext, nonce, err := s.cipher.seal(userID, provider, newPlaintext)
	if err != nil {
		return fmt.Errorf("seal secret: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE user_keys SET ciphertext = $3, nonce = $4, updated_at = NOW()
		WHERE user_id = $1 AND provider = $2`,
		userID, provider, ciphertext, nonce)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the key. Deleting a missing key is a no-op.
func (s *PostgresStore) Delete(ctx context.Context, userID, provider string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM user_keys WHERE user_id = $1 AND provider = $2`, userID, provider)
	return err
}

// Health reports connectivity and row counts, never key material.
func (s *PostgresStore) Health(ctx context.Context) *models.SecretStoreHealth {
	h := &models.SecretStoreHealth{}
	if err := s.pool.Ping(ctx); err != nil {
		return h
	}
	h.Connected = true
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT user_id), COUNT(DISTINCT provider) FROM user_keys`).
		Scan(&h.Secrets, &h.Users, &h.Providers)
	if err != nil {
		log.Error().Err(err).Msg("Secret store health query failed")
	}
	return h
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
