// Package ledger implements the virtual-token quota engine: wallets,
// idempotent debits and credits, usage accounting and the payment webhook.
//
// Concurrency is delegated to PostgreSQL. The debit path is one transaction
// guarded by the usage_debits(request_id) unique constraint, which makes
// idempotency a race-free property rather than a best-effort check.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/modelrelay/relay/pkg/models"
)

// PostgresLedger is the durable ledger.
type PostgresLedger struct {
	pool         *pgxpool.Pool
	monthlyQuota int64
}

// NewPostgresLedger connects, migrates and returns the ledger.
func NewPostgresLedger(ctx context.Context, connURL string, monthlyQuota int64) (*PostgresLedger, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("ledger connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger ping: %w", err)
	}
	l := &PostgresLedger{pool: pool, monthlyQuota: monthlyQuota}
	if err := l.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger migrate: %w", err)
	}
	log.Info().Int64("monthly_quota", monthlyQuota).Msg("Token ledger initialized (postgres)")
	return l, nil
}

func (l *PostgresLedger) migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS wallets (
			user_id              TEXT PRIMARY KEY,
			balance_tokens       BIGINT NOT NULL DEFAULT 0 CHECK (balance_tokens >= 0),
			monthly_usage_tokens BIGINT NOT NULL DEFAULT 0,
			last_reset_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			active               BOOLEAN NOT NULL DEFAULT TRUE
		);

		CREATE TABLE IF NOT EXISTS usage_debits (
			request_id  TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			cost_tokens BIGINT NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS usage (
			request_id         TEXT PRIMARY KEY,
			user_id            TEXT NOT NULL,
			provider           TEXT NOT NULL,
			model              TEXT NOT NULL,
			prompt_tokens      BIGINT NOT NULL,
			completion_tokens  BIGINT NOT NULL,
			total_tokens       BIGINT NOT NULL,
			cost_cents         BIGINT,
			platform_fee_cents BIGINT NOT NULL DEFAULT 0,
			payment_method     TEXT NOT NULL,
			ts                 TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_usage_user_ts ON usage (user_id, ts DESC);

		CREATE TABLE IF NOT EXISTS payments (
			payment_id   TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL,
			kind         TEXT NOT NULL DEFAULT 'topup',
			amount_cents BIGINT NOT NULL,
			currency     TEXT NOT NULL,
			raw          JSONB,
			processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`
	_, err := l.pool.Exec(ctx, ddl)
	return err
}

// ── Precheck ────────────────────────────────────────────────

// Precheck asks whether the user may spend costTokens. Reads current state
// only; the authoritative check happens again inside Debit's transaction.
func (l *PostgresLedger) Precheck(ctx context.Context, userID string, costTokens int64) (*models.PrecheckResult, error) {
	w, err := l.Wallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	return evaluate(w, costTokens, l.monthlyQuota, time.Now().UTC()), nil
}

// evaluate applies the quota policy to a wallet snapshot. A pending monthly
// reset counts as zero usage.
func evaluate(w *models.WalletState, costTokens, monthlyQuota int64, now time.Time) *models.PrecheckResult {
	if !w.Active {
		return &models.PrecheckResult{Allowed: false, Reason: "wallet is deactivated"}
	}
	usage := w.MonthlyUsageTokens
	if monthStart(now) != monthStart(w.LastResetAt) {
		usage = 0
	}
	if monthlyQuota > 0 && usage+costTokens > monthlyQuota {
		return &models.PrecheckResult{Allowed: false, Reason: "monthly quota exceeded"}
	}
	if costTokens > w.BalanceTokens {
		return &models.PrecheckResult{Allowed: false, Reason: "insufficient balance"}
	}
	return &models.PrecheckResult{
		Allowed:      true,
		BalanceAfter: w.BalanceTokens - costTokens,
		UsageAfter:   usage + costTokens,
	}
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// ── Debit ───────────────────────────────────────────────────

// Debit spends costTokens. Idempotent by requestID: the insert into
// usage_debits either claims the key or conflicts, and a conflict makes the
// whole call a no-op. The monthly counter resets inside the same transaction
// when the debit is the first of a new calendar month.
func (l *PostgresLedger) Debit(ctx context.Context, userID string, costTokens int64, requestID string) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger debit: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO usage_debits (request_id, user_id, cost_tokens)
		VALUES ($1, $2, $3)
		ON CONFLICT (request_id) DO NOTHING`,
		requestID, userID, costTokens)
	if err != nil {
		return fmt.Errorf("ledger debit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Replay of an applied debit.
		return nil
	}

	now := time.Now().UTC()
	tag, err = tx.Exec(ctx, `
		UPDATE wallets SET
			monthly_usage_tokens = CASE
				WHEN date_trunc('month', last_reset_at) <> date_trunc('month', $3::timestamptz)
				THEN $2 ELSE monthly_usage_tokens + $2 END,
			last_reset_at = CASE
				WHEN date_trunc('month', last_reset_at) <> date_trunc('month', $3::timestamptz)
				THEN $3 ELSE last_reset_at END,
			balance_tokens = balance_tokens - $2
		WHERE user_id = $1 AND active AND balance_tokens >= $2`,
		userID, costTokens, now)
	if err != nil {
		return fmt.Errorf("ledger debit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ledger debit refused: insufficient balance or inactive wallet")
	}
	return tx.Commit(ctx)
}

// ── Credit ──────────────────────────────────────────────────

// Credit tops up the wallet, idempotent by paymentID.
func (l *PostgresLedger) Credit(ctx context.Context, userID string, tokens int64, paymentID string, amountCents int64, currency string, raw []byte) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger credit: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO payments (payment_id, user_id, amount_cents, currency, raw)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (payment_id) DO NOTHING`,
		paymentID, userID, amountCents, currency, raw)
	if err != nil {
		return fmt.Errorf("ledger credit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Replayed payment; the first delivery already credited.
		return nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO wallets (user_id, balance_tokens)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET
			balance_tokens = wallets.balance_tokens + EXCLUDED.balance_tokens`,
		userID, tokens)
	if err != nil {
		return fmt.Errorf("ledger credit: %w", err)
	}
	log.Info().
		Str("user_id", userID).
		Str("payment_id", paymentID).
		Int64("tokens", tokens).
		Msg("Wallet credited")
	return tx.Commit(ctx)
}

// ── Usage ───────────────────────────────────────────────────

// RecordUsage appends a usage row; a replayed requestID is a no-op.
func (l *PostgresLedger) RecordUsage(ctx context.Context, rec *models.UsageRecord) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO usage (request_id, user_id, provider, model, prompt_tokens,
			completion_tokens, total_tokens, cost_cents, platform_fee_cents,
			payment_method, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (request_id) DO NOTHING`,
		rec.RequestID, rec.UserID, rec.Provider, rec.Model, rec.PromptTokens,
		rec.CompletionTokens, rec.TotalTokens, rec.CostCents, rec.PlatformFeeCents,
		string(rec.PaymentMethod), ts)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// ListUsage returns the most recent usage rows for a user.
func (l *PostgresLedger) ListUsage(ctx context.Context, userID string, limit int) ([]models.UsageRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := l.pool.Query(ctx, `
		SELECT request_id, user_id, provider, model, prompt_tokens,
			completion_tokens, total_tokens, cost_cents, platform_fee_cents,
			payment_method, ts
		FROM usage WHERE user_id = $1 ORDER BY ts DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()

	var out []models.UsageRecord
	for rows.Next() {
		var rec models.UsageRecord
		var method string
		if err := rows.Scan(&rec.RequestID, &rec.UserID, &rec.Provider, &rec.Model,
			&rec.PromptTokens, &rec.CompletionTokens, &rec.TotalTokens,
			&rec.CostCents, &rec.PlatformFeeCents, &method, &rec.Timestamp); err != nil {
			return nil, err
		}
		rec.PaymentMethod = models.PaymentMethod(method)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Wallet returns the wallet, creating an empty active one if absent.
func (l *PostgresLedger) Wallet(ctx context.Context, userID string) (*models.WalletState, error) {
	w := &models.WalletState{UserID: userID}
	err := l.pool.QueryRow(ctx, `
		INSERT INTO wallets (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING balance_tokens, monthly_usage_tokens, last_reset_at, active`,
		userID).Scan(&w.BalanceTokens, &w.MonthlyUsageTokens, &w.LastResetAt, &w.Active)
	if err != nil && err != pgx.ErrNoRows {
		return nil, fmt.Errorf("wallet: %w", err)
	}
	return w, nil
}

// Close releases the connection pool.
func (l *PostgresLedger) Close() {
	l.pool.Close()
}
