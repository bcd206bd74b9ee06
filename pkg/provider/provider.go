// Package provider abstracts upstream API authentication so the proxy
// pipeline does not care whether requests ride on an OAuth account pool or
// on statically configured headers.
package provider

import (
	"context"
	"net/http"

	"github.com/cecil-the-coder/anthropic-oauth-gateway/pkg/pool"
)

// Health is a provider's contribution to the health endpoint. Pool is only
// set for pool-backed providers.
type Health struct {
	Status string       `json:"status"`
	Pool   *pool.Health `json:"pool,omitempty"`
}

// Provider is an upstream authentication strategy.
//
// The pipeline calls Prepare before forwarding each attempt, Classify on
// upstream error responses, and ReportError to feed the classification back
// for account state management.
type Provider interface {
	// ID names the provider for logging and health ("anthropic",
	// "passthrough").
	ID() string

	// NeedsBody reports whether Prepare inspects or rewrites the JSON
	// request body. When false the pipeline forwards bytes opaquely and
	// passes a nil body.
	NeedsBody() bool

	// Prepare injects authentication headers and, when NeedsBody, rewrites
	// the parsed request body in place. It returns the account id that
	// served the request, or "" for account-less providers.
	Prepare(ctx context.Context, headers http.Header, body map[string]any) (accountID string, err error)

	// Classify buckets an upstream error response for retry/failover.
	Classify(status int, body string) pool.Classification

	// ReportError feeds a classification back for the given account.
	// Account-less providers ignore it.
	ReportError(accountID string, c pool.Classification)

	// Health reports provider status for the health endpoint.
	Health() Health
}
