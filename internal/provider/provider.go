// Package provider implements the uniform adapter surface over AI vendors.
//
// Each adapter speaks raw HTTP to its vendor with typed request and response
// structs; responses are normalized to models.GenerateResult. Usage
// extraction is defensive: vendors disagree on field names and sometimes
// omit totals, so adapters compute total = prompt + completion when needed.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/modelrelay/relay/internal/config"
	"github.com/modelrelay/relay/internal/rpc"
	"github.com/modelrelay/relay/pkg/contracts"
)

// client is shared across adapters. Generation calls can be slow.
var client = &http.Client{Timeout: 120 * time.Second}

// New returns the adapter for a configured provider. OpenAI-compatible
// endpoints (including Ollama) share one adapter parameterized by base URL.
func New(p config.Provider) (contracts.ProviderAdapter, error) {
	switch p.Kind() {
	case "openai", "azure-openai":
		return &OpenAI{name: p.Name, baseURL: p.BaseURL, azure: p.Kind() == "azure-openai"}, nil
	case "ollama":
		base := p.BaseURL
		if base == "" {
			base = "http://localhost:11434/v1"
		}
		return &OpenAI{name: p.Name, baseURL: base, keyless: true}, nil
	case "anthropic":
		return &Anthropic{name: p.Name, baseURL: p.BaseURL}, nil
	case "google", "gemini":
		return &Google{name: p.Name, baseURL: p.BaseURL}, nil
	default:
		if p.BaseURL != "" {
			// Unknown kinds with an endpoint are treated as OpenAI-compatible.
			return &OpenAI{name: p.Name, baseURL: p.BaseURL}, nil
		}
		return nil, fmt.Errorf("unknown provider kind %q", p.Kind())
	}
}

// ── Error taxonomy ──────────────────────────────────────────

// statusError maps a vendor HTTP status to the gateway taxonomy. The vendor
// body is logged server-side, never surfaced: it can echo request content.
func statusError(vendor string, status int, body []byte) *rpc.Error {
	log.Warn().
		Str("vendor", vendor).
		Int("status", status).
		Int("body_bytes", len(body)).
		Msg("Upstream error response")
	switch {
	case status == http.StatusUnauthorized:
		return rpc.Errorf(rpc.KindUpstreamUnauthorized, "%s rejected the credential", vendor)
	case status == http.StatusForbidden:
		return rpc.Errorf(rpc.KindUpstreamUnauthorized, "%s denied access to the model", vendor)
	case status == http.StatusNotFound:
		return rpc.Errorf(rpc.KindUpstream, "%s reports the model does not exist", vendor)
	case status == http.StatusTooManyRequests:
		return rpc.Errorf(rpc.KindUpstreamRateLimited, "%s rate limit exceeded", vendor)
	case status >= 400 && status < 500:
		return rpc.Errorf(rpc.KindInvalidParams, "%s rejected the request (status %d)", vendor, status)
	default:
		return rpc.Errorf(rpc.KindUpstream, "%s upstream failure (status %d)", vendor, status)
	}
}

// transportError wraps a network-level failure, distinguishing timeouts.
func transportError(vendor string, err error) *rpc.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return rpc.Wrap(rpc.KindUpstreamTimeout, vendor+" call timed out", err)
	}
	return rpc.Wrap(rpc.KindUpstream, vendor+" is unreachable", err)
}

// retryable reports whether a failed call may be retried. Requests the
// vendor has already judged malformed or unauthorized must not be resent.
func retryable(err *rpc.Error) bool {
	switch err.Kind {
	case rpc.KindUpstream, rpc.KindUpstreamTimeout:
		return true
	}
	return false
}

// withRetry runs an adapter call with exponential backoff, at most two
// retries on transport and 5xx failures.
func withRetry(ctx context.Context, vendor string, call func() *rpc.Error) *rpc.Error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	err := backoff.Retry(func() error {
		rerr := call()
		if rerr == nil {
			return nil
		}
		if !retryable(rerr) {
			return backoff.Permanent(rerr)
		}
		log.Debug().Str("vendor", vendor).Str("kind", string(rerr.Kind)).Msg("Retrying upstream call")
		return rerr
	}, bo)
	if err == nil {
		return nil
	}
	return rpc.AsError(err)
}
