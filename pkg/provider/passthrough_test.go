package provider

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cecil-the-coder/anthropic-oauth-gateway/pkg/pool"
)

func TestPassthroughInjectsConfiguredHeaders(t *testing.T) {
	prov := NewPassthrough([]HeaderRule{
		{Name: "anthropic-beta", Value: "oauth-2025-04-20"},
		{Name: "x-custom", Value: "test-value"},
	}, zap.NewNop())

	headers := http.Header{}
	accountID, err := prov.Prepare(context.Background(), headers, nil)
	require.NoError(t, err)

	assert.Empty(t, accountID)
	assert.Equal(t, "oauth-2025-04-20", headers.Get("anthropic-beta"))
	assert.Equal(t, "test-value", headers.Get("x-custom"))
}

func TestPassthroughProtectsAuthorization(t *testing.T) {
	prov := NewPassthrough([]HeaderRule{
		{Name: "authorization", Value: "Bearer INJECTED-SHOULD-NOT-APPEAR"},
		{Name: "anthropic-beta", Value: "oauth-2025-04-20"},
	}, zap.NewNop())

	headers := http.Header{}
	headers.Set("Authorization", "Bearer sk-real")
	_, err := prov.Prepare(context.Background(), headers, nil)
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-real", headers.Get("Authorization"))
	assert.Equal(t, "oauth-2025-04-20", headers.Get("anthropic-beta"))
}

func TestPassthroughNeverInjectsAuthorization(t *testing.T) {
	prov := NewPassthrough([]HeaderRule{
		{Name: "Authorization", Value: "Bearer INJECTED"},
	}, zap.NewNop())

	headers := http.Header{}
	_, err := prov.Prepare(context.Background(), headers, nil)
	require.NoError(t, err)
	assert.Empty(t, headers.Get("Authorization"))
}

func TestPassthroughReplacesExistingHeader(t *testing.T) {
	prov := NewPassthrough([]HeaderRule{
		{Name: "anthropic-beta", Value: "oauth-2025-04-20"},
	}, zap.NewNop())

	headers := http.Header{}
	headers.Set("anthropic-beta", "old-value")
	_, err := prov.Prepare(context.Background(), headers, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"oauth-2025-04-20"}, headers.Values("anthropic-beta"))
}

func TestPassthroughSkipsInvalidHeaderName(t *testing.T) {
	prov := NewPassthrough([]HeaderRule{
		{Name: "invalid header name", Value: "value"},
		{Name: "", Value: "value"},
		{Name: "x-valid", Value: "works"},
	}, zap.NewNop())

	headers := http.Header{}
	_, err := prov.Prepare(context.Background(), headers, nil)
	require.NoError(t, err)

	assert.Len(t, headers, 1)
	assert.Equal(t, "works", headers.Get("x-valid"))
}

func TestPassthroughClassifyAlwaysTransient(t *testing.T) {
	prov := NewPassthrough(nil, zap.NewNop())
	assert.Equal(t, pool.Transient, prov.Classify(429, "rate limit"))
	assert.Equal(t, pool.Transient, prov.Classify(401, "unauthorized"))
	assert.Equal(t, pool.Transient, prov.Classify(500, "server error"))
}

func TestPassthroughHealth(t *testing.T) {
	prov := NewPassthrough(nil, zap.NewNop())
	h := prov.Health()
	assert.Equal(t, "healthy", h.Status)
	assert.Nil(t, h.Pool)
}

func TestPassthroughIdentity(t *testing.T) {
	prov := NewPassthrough(nil, zap.NewNop())
	assert.Equal(t, "passthrough", prov.ID())
	assert.False(t, prov.NeedsBody())

	// ReportError is a no-op and must not panic.
	prov.ReportError("", pool.Permanent)
}
