package provider

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/cecil-the-coder/anthropic-oauth-gateway/pkg/anthropic"
	"github.com/cecil-the-coder/anthropic-oauth-gateway/pkg/pool"
)

// OAuth authenticates requests with tokens from a subscription account pool.
// Each Prepare selects an account round-robin, injects its Bearer token,
// merges the required anthropic-beta flags with any the client sent, and
// makes sure the system prompt carries the required CLI prefix.
type OAuth struct {
	pool   *pool.Pool
	logger *zap.Logger
}

// NewOAuth builds the pool-backed provider.
func NewOAuth(p *pool.Pool, logger *zap.Logger) *OAuth {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OAuth{pool: p, logger: logger}
}

func (o *OAuth) ID() string { return "anthropic" }

// NeedsBody is true: the system prompt injection rewrites the JSON body.
func (o *OAuth) NeedsBody() bool { return true }

// Prepare selects an account and stamps the request. A *pool.ExhaustedError
// from selection propagates unwrapped so the pipeline can answer 503.
func (o *OAuth) Prepare(ctx context.Context, headers http.Header, body map[string]any) (string, error) {
	selected, err := o.pool.Select(ctx)
	if err != nil {
		return "", err
	}

	// Client auth never reaches upstream; the pool owns the credentials.
	headers.Set("Authorization", "Bearer "+selected.AccessToken)

	mergeBetaFlags(headers)
	headers.Set("anthropic-dangerous-direct-browser-access", "true")
	headers.Set("User-Agent", anthropic.UserAgent)
	headers.Set("anthropic-version", anthropic.APIVersion)

	o.injectSystemPrompt(body)

	return selected.ID, nil
}

func (o *OAuth) Classify(status int, body string) pool.Classification {
	return pool.Classify(status, body)
}

func (o *OAuth) ReportError(accountID string, c pool.Classification) {
	o.pool.ReportError(accountID, c)
}

func (o *OAuth) Health() Health {
	h := o.pool.Health()
	return Health{Status: h.Status, Pool: &h}
}

// PoolSize is the failover budget: one request may try each account once.
func (o *OAuth) PoolSize() int { return o.pool.Size() }

// mergeBetaFlags writes the anthropic-beta header as the required flags
// followed by any client-provided flags, deduplicated, comma-separated.
func mergeBetaFlags(headers http.Header) {
	flags := append([]string(nil), anthropic.RequiredBetaFlags...)
	seen := make(map[string]bool, len(flags))
	for _, f := range flags {
		seen[f] = true
	}

	for _, raw := range headers.Values("anthropic-beta") {
		for _, flag := range strings.Split(raw, ",") {
			flag = strings.TrimSpace(flag)
			if flag != "" && !seen[flag] {
				seen[flag] = true
				flags = append(flags, flag)
			}
		}
	}

	headers.Set("anthropic-beta", strings.Join(flags, ","))
}

// injectSystemPrompt enforces the required system prompt prefix.
//
// Haiku models are exempt. A missing system field is created with the bare
// prefix; an existing string without the prefix gets it prepended; a string
// already carrying it, or a non-string system value (content block arrays),
// is left alone.
func (o *OAuth) injectSystemPrompt(body map[string]any) {
	if body == nil {
		return
	}
	model, ok := body["model"].(string)
	if !ok {
		return
	}
	if strings.Contains(strings.ToLower(model), "haiku") {
		o.logger.Debug("skipping system prompt injection for haiku model",
			zap.String("model", model))
		return
	}

	existing, present := body["system"]
	if !present {
		body["system"] = anthropic.RequiredSystemPromptPrefix
		return
	}
	if s, ok := existing.(string); ok && !strings.HasPrefix(s, anthropic.RequiredSystemPromptPrefix) {
		body["system"] = anthropic.RequiredSystemPromptPrefix + " " + s
	}
}
