package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/modelrelay/relay/pkg/models"
)

// MemoryLedger keeps the full ledger state in process. It implements the
// same policy as the durable ledger and backs tests and DB-less mode.
type MemoryLedger struct {
	mu           sync.Mutex
	wallets      map[string]*models.WalletState
	debits       map[string]bool // request_id
	usage        []models.UsageRecord
	usageByReq   map[string]bool // request_id
	payments     map[string]models.Payment
	monthlyQuota int64

	// now is swappable in tests to cross month boundaries.
	now func() time.Time
}

// NewMemoryLedger builds an in-memory ledger.
func NewMemoryLedger(monthlyQuota int64) *MemoryLedger {
	return &MemoryLedger{
		wallets:      make(map[string]*models.WalletState),
		debits:       make(map[string]bool),
		usageByReq:   make(map[string]bool),
		payments:     make(map[string]models.Payment),
		monthlyQuota: monthlyQuota,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (l *MemoryLedger) wallet(userID string) *models.WalletState {
	w, ok := l.wallets[userID]
	if !ok {
		w = &models.WalletState{
			UserID:      userID,
			Active:      true,
			LastResetAt: l.now(),
		}
		l.wallets[userID] = w
	}
	return w
}

func (l *MemoryLedger) resetIfNewMonth(w *models.WalletState) {
	now := l.now()
	if monthStart(now) != monthStart(w.LastResetAt) {
		w.MonthlyUsageTokens = 0
		w.LastResetAt = now
	}
}

func (l *MemoryLedger) Precheck(ctx context.Context, userID string, costTokens int64) (*models.PrecheckResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return evaluate(l.wallet(userID), costTokens, l.monthlyQuota, l.now()), nil
}

func (l *MemoryLedger) Debit(ctx context.Context, userID string, costTokens int64, requestID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.debits[requestID] {
		return nil
	}
	w := l.wallet(userID)
	l.resetIfNewMonth(w)
	res := evaluate(w, costTokens, l.monthlyQuota, l.now())
	if !res.Allowed {
		return fmt.Errorf("ledger debit refused: %s", res.Reason)
	}
	l.debits[requestID] = true
	w.BalanceTokens -= costTokens
	w.MonthlyUsageTokens += costTokens
	return nil
}

func (l *MemoryLedger) Credit(ctx context.Context, userID string, tokens int64, paymentID string, amountCents int64, currency string, raw []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, seen := l.payments[paymentID]; seen {
		return nil
	}
	l.payments[paymentID] = models.Payment{
		PaymentID:   paymentID,
		UserID:      userID,
		Kind:        "topup",
		AmountCents: amountCents,
		Currency:    currency,
		Raw:         append([]byte(nil), raw...),
		ProcessedAt: l.now(),
	}
	l.wallet(userID).BalanceTokens += tokens
	return nil
}

func (l *MemoryLedger) RecordUsage(ctx context.Context, rec *models.UsageRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.usageByReq[rec.RequestID] {
		return nil
	}
	l.usageByReq[rec.RequestID] = true
	r := *rec
	if r.Timestamp.IsZero() {
		r.Timestamp = l.now()
	}
	l.usage = append(l.usage, r)
	return nil
}

func (l *MemoryLedger) ListUsage(ctx context.Context, userID string, limit int) ([]models.UsageRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.UsageRecord
	for _, r := range l.usage {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *MemoryLedger) Wallet(ctx context.Context, userID string) (*models.WalletState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.wallet(userID)
	l.resetIfNewMonth(w)
	copy := *w
	return &copy, nil
}

// Payment returns the recorded payment, for tests and audit reads.
func (l *MemoryLedger) Payment(paymentID string) (models.Payment, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.payments[paymentID]
	return p, ok
}
