package ledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/modelrelay/relay/pkg/contracts"
)

// WebhookHandler ingests payment-provider deliveries at /webhooks/<provider>.
// The HMAC signature is verified over the raw body before any ledger call;
// a mismatch is a hard 401 with no mutation. Deliveries are replay-safe
// because Credit is idempotent by payment_id.
type WebhookHandler struct {
	ledger contracts.Ledger
	secret string
}

// NewWebhookHandler builds the webhook endpoint.
func NewWebhookHandler(ledger contracts.Ledger, secret string) *WebhookHandler {
	return &WebhookHandler{ledger: ledger, secret: secret}
}

// topupEvent is the normalized payload shape expected from the payment
// provider's webhook (or the bridge in front of it).
type topupEvent struct {
	PaymentID   string `json:"payment_id"`
	UserID      string `json:"user_id"`
	Tokens      int64  `json:"tokens"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

// ServeHTTP handles one webhook delivery.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, `{"error":"invalid_request"}`, http.StatusBadRequest)
		return
	}

	if !h.verify(body, r.Header.Get("x-signature")) {
		// The body is deliberately not logged: webhook payloads are
		// sensitive and an attacker controls this one.
		log.Warn().
			Str("provider", chi.URLParam(r, "provider")).
			Str("remote", r.RemoteAddr).
			Msg("Webhook signature rejected")
		http.Error(w, `{"error":"invalid_signature"}`, http.StatusUnauthorized)
		return
	}

	var ev topupEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		http.Error(w, `{"error":"invalid_payload"}`, http.StatusBadRequest)
		return
	}
	if ev.PaymentID == "" || ev.UserID == "" || ev.Tokens <= 0 {
		http.Error(w, `{"error":"invalid_payload"}`, http.StatusBadRequest)
		return
	}

	if err := h.ledger.Credit(r.Context(), ev.UserID, ev.Tokens, ev.PaymentID, ev.AmountCents, ev.Currency, body); err != nil {
		log.Error().Err(err).Str("payment_id", ev.PaymentID).Msg("Webhook credit failed")
		http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"received":true}`))
}

// verify checks the x-signature header: "sha256=<hex>" over the raw body.
func (h *WebhookHandler) verify(body []byte, header string) bool {
	if h.secret == "" {
		// No secret configured means no way to verify; fail closed.
		return false
	}
	hexSig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	want, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// Sign computes the signature header value for a payload. Used by tests and
// by operators verifying their webhook configuration.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
