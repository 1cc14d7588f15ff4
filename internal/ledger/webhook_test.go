package ledger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const webhookSecret = "whsec_test"

func postWebhook(t *testing.T, h http.Handler, body, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(body))
	if signature != "" {
		req.Header.Set("x-signature", signature)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhookCreditsWallet(t *testing.T) {
	l := NewMemoryLedger(0)
	h := NewWebhookHandler(l, webhookSecret)

	body := `{"payment_id":"pay-1","user_id":"u1","tokens":1000,"amount_cents":500,"currency":"usd"}`
	rec := postWebhook(t, h, body, Sign(webhookSecret, []byte(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	w, _ := l.Wallet(context.Background(), "u1")
	if w.BalanceTokens != 1000 {
		t.Errorf("balance = %d, want 1000", w.BalanceTokens)
	}
	p, ok := l.Payment("pay-1")
	if !ok || p.AmountCents != 500 || p.Currency != "usd" {
		t.Errorf("payment = %+v, ok = %v", p, ok)
	}

	// Redelivery of the same payment is acknowledged but credits nothing.
	rec = postWebhook(t, h, body, Sign(webhookSecret, []byte(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("replay status = %d", rec.Code)
	}
	w, _ = l.Wallet(context.Background(), "u1")
	if w.BalanceTokens != 1000 {
		t.Errorf("balance after replay = %d, want 1000", w.BalanceTokens)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	l := NewMemoryLedger(0)
	h := NewWebhookHandler(l, webhookSecret)
	body := `{"payment_id":"pay-1","user_id":"u1","tokens":1000}`

	cases := []struct {
		name string
		sig  string
	}{
		{"missing header", ""},
		{"wrong secret", Sign("other-secret", []byte(body))},
		{"tampered body", Sign(webhookSecret, []byte(body + " "))},
		{"missing prefix", strings.TrimPrefix(Sign(webhookSecret, []byte(body)), "sha256=")},
		{"not hex", "sha256=zzzz"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postWebhook(t, h, body, tc.sig)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}

	// No rejected delivery may reach the ledger.
	if _, ok := l.Payment("pay-1"); ok {
		t.Error("rejected delivery was credited")
	}
}

func TestWebhookFailsClosedWithoutSecret(t *testing.T) {
	l := NewMemoryLedger(0)
	h := NewWebhookHandler(l, "")
	body := `{"payment_id":"pay-1","user_id":"u1","tokens":1000}`

	rec := postWebhook(t, h, body, Sign("", []byte(body)))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestWebhookRejectsMalformedPayloads(t *testing.T) {
	l := NewMemoryLedger(0)
	h := NewWebhookHandler(l, webhookSecret)

	cases := []struct {
		name string
		body string
	}{
		{"not json", `{broken`},
		{"missing payment_id", `{"user_id":"u1","tokens":10}`},
		{"missing user_id", `{"payment_id":"pay-1","tokens":10}`},
		{"zero tokens", `{"payment_id":"pay-1","user_id":"u1","tokens":0}`},
		{"negative tokens", `{"payment_id":"pay-1","user_id":"u1","tokens":-5}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postWebhook(t, h, tc.body, Sign(webhookSecret, []byte(tc.body)))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}
