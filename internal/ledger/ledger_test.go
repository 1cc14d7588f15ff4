package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/modelrelay/relay/pkg/models"
)

func TestCreditAndDebit(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(0)

	if err := l.Credit(ctx, "u1", 1000, "pay-1", 500, "usd", nil); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := l.Debit(ctx, "u1", 300, "req-1"); err != nil {
		t.Fatalf("debit: %v", err)
	}

	w, err := l.Wallet(ctx, "u1")
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if w.BalanceTokens != 700 {
		t.Errorf("balance = %d, want 700", w.BalanceTokens)
	}
	if w.MonthlyUsageTokens != 300 {
		t.Errorf("monthly usage = %d, want 300", w.MonthlyUsageTokens)
	}
}

func TestDebitIdempotentByRequestID(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(0)
	if err := l.Credit(ctx, "u1", 1000, "pay-1", 0, "usd", nil); err != nil {
		t.Fatalf("credit: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := l.Debit(ctx, "u1", 400, "req-1"); err != nil {
			t.Fatalf("debit %d: %v", i, err)
		}
	}

	w, _ := l.Wallet(ctx, "u1")
	if w.BalanceTokens != 600 {
		t.Errorf("balance = %d, want 600 (debit replayed)", w.BalanceTokens)
	}
}

func TestDebitRefusedOnInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(0)
	if err := l.Credit(ctx, "u1", 100, "pay-1", 0, "usd", nil); err != nil {
		t.Fatalf("credit: %v", err)
	}

	if err := l.Debit(ctx, "u1", 500, "req-1"); err == nil {
		t.Fatal("overdraft debit succeeded")
	}

	// A refused debit must not claim the request_id or touch the balance.
	w, _ := l.Wallet(ctx, "u1")
	if w.BalanceTokens != 100 {
		t.Errorf("balance = %d, want 100", w.BalanceTokens)
	}
	if err := l.Debit(ctx, "u1", 50, "req-1"); err != nil {
		t.Errorf("retry with affordable cost: %v", err)
	}
}

func TestCreditIdempotentByPaymentID(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(0)

	raw := []byte(`{"payment_id":"pay-1"}`)
	for i := 0; i < 3; i++ {
		if err := l.Credit(ctx, "u1", 250, "pay-1", 100, "usd", raw); err != nil {
			t.Fatalf("credit %d: %v", i, err)
		}
	}

	w, _ := l.Wallet(ctx, "u1")
	if w.BalanceTokens != 250 {
		t.Errorf("balance = %d, want 250 (credit replayed)", w.BalanceTokens)
	}

	p, ok := l.Payment("pay-1")
	if !ok {
		t.Fatal("payment not recorded")
	}
	if p.Kind != "topup" || p.AmountCents != 100 || p.UserID != "u1" {
		t.Errorf("payment = %+v", p)
	}
}

func TestPrecheck(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(1000)
	if err := l.Credit(ctx, "u1", 5000, "pay-1", 0, "usd", nil); err != nil {
		t.Fatalf("credit: %v", err)
	}

	res, err := l.Precheck(ctx, "u1", 400)
	if err != nil {
		t.Fatalf("precheck: %v", err)
	}
	if !res.Allowed || res.BalanceAfter != 4600 || res.UsageAfter != 400 {
		t.Errorf("result = %+v", res)
	}

	// Over the monthly quota, even with plenty of balance.
	res, _ = l.Precheck(ctx, "u1", 1500)
	if res.Allowed || res.Reason != "monthly quota exceeded" {
		t.Errorf("quota result = %+v", res)
	}

	// Over the balance with quota headroom.
	l2 := NewMemoryLedger(0)
	res, _ = l2.Precheck(ctx, "u2", 10)
	if res.Allowed || res.Reason != "insufficient balance" {
		t.Errorf("balance result = %+v", res)
	}
}

func TestPrecheckDeactivatedWallet(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(0)

	l.mu.Lock()
	l.wallet("u1").Active = false
	l.mu.Unlock()

	res, err := l.Precheck(ctx, "u1", 1)
	if err != nil {
		t.Fatalf("precheck: %v", err)
	}
	if res.Allowed || res.Reason != "wallet is deactivated" {
		t.Errorf("result = %+v", res)
	}
}

func TestMonthlyUsageResets(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(1000)

	january := time.Date(2026, time.January, 31, 23, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return january }

	if err := l.Credit(ctx, "u1", 5000, "pay-1", 0, "usd", nil); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := l.Debit(ctx, "u1", 900, "req-jan"); err != nil {
		t.Fatalf("debit: %v", err)
	}

	// Still in January: the quota is nearly spent.
	res, _ := l.Precheck(ctx, "u1", 200)
	if res.Allowed {
		t.Fatal("precheck allowed past quota")
	}

	// One hour later it is February and the counter starts over.
	l.now = func() time.Time { return january.Add(time.Hour) }

	res, _ = l.Precheck(ctx, "u1", 200)
	if !res.Allowed {
		t.Fatalf("precheck after reset: %+v", res)
	}
	if err := l.Debit(ctx, "u1", 200, "req-feb"); err != nil {
		t.Fatalf("debit after reset: %v", err)
	}

	w, _ := l.Wallet(ctx, "u1")
	if w.MonthlyUsageTokens != 200 {
		t.Errorf("monthly usage = %d, want 200", w.MonthlyUsageTokens)
	}
	if w.BalanceTokens != 3900 {
		t.Errorf("balance = %d, want 3900 (balance survives the reset)", w.BalanceTokens)
	}
}

func TestRecordAndListUsage(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(0)

	base := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		rec := &models.UsageRecord{
			RequestID:   string(rune('a' + i)),
			UserID:      "u1",
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			TotalTokens: int64(i + 1),
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
		}
		if err := l.RecordUsage(ctx, rec); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	// Replays and other users are excluded from the listing.
	if err := l.RecordUsage(ctx, &models.UsageRecord{RequestID: "a", UserID: "u1"}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if err := l.RecordUsage(ctx, &models.UsageRecord{RequestID: "z", UserID: "u2"}); err != nil {
		t.Fatalf("other user: %v", err)
	}

	out, err := l.ListUsage(ctx, "u1", 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("len = %d, want 3", len(out))
	}
	// Newest first.
	if out[0].RequestID != "e" || out[2].RequestID != "c" {
		t.Errorf("order = %s..%s, want e..c", out[0].RequestID, out[2].RequestID)
	}

	// Out-of-range limits fall back to the default page size.
	out, _ = l.ListUsage(ctx, "u1", 0)
	if len(out) != 5 {
		t.Errorf("limit 0: len = %d, want 5", len(out))
	}
	out, _ = l.ListUsage(ctx, "u1", 501)
	if len(out) != 5 {
		t.Errorf("limit 501: len = %d, want 5", len(out))
	}
}

func TestWalletReturnsCopy(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger(0)

	w, _ := l.Wallet(ctx, "u1")
	w.BalanceTokens = 1 << 40

	again, _ := l.Wallet(ctx, "u1")
	if again.BalanceTokens != 0 {
		t.Errorf("caller mutation leaked into the ledger: %d", again.BalanceTokens)
	}
}
