package provider

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/cecil-the-coder/anthropic-oauth-gateway/pkg/pool"
)

// HeaderRule is one configured header injection.
type HeaderRule struct {
	Name  string
	Value string
}

// Passthrough injects statically configured headers and otherwise forwards
// requests untouched. The client's own Authorization header passes through
// and is never overwritten by a rule.
type Passthrough struct {
	headers []HeaderRule
	logger  *zap.Logger
}

// NewPassthrough builds the static header provider.
func NewPassthrough(headers []HeaderRule, logger *zap.Logger) *Passthrough {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Passthrough{headers: headers, logger: logger}
}

func (p *Passthrough) ID() string { return "passthrough" }

// NeedsBody is false: bytes are forwarded opaquely.
func (p *Passthrough) NeedsBody() bool { return false }

func (p *Passthrough) Prepare(_ context.Context, headers http.Header, _ map[string]any) (string, error) {
	for _, rule := range p.headers {
		if !validHeaderName(rule.Name) {
			p.logger.Warn("skipping invalid header name", zap.String("header", rule.Name))
			continue
		}
		if strings.EqualFold(rule.Name, "Authorization") {
			p.logger.Warn("refusing to overwrite authorization header",
				zap.String("header", rule.Name))
			continue
		}
		headers.Set(rule.Name, rule.Value)
	}
	return "", nil
}

// Classify always returns Transient: there is no pool to fail over to, the
// response goes back to the client either way.
func (p *Passthrough) Classify(int, string) pool.Classification {
	return pool.Transient
}

func (p *Passthrough) ReportError(string, pool.Classification) {}

func (p *Passthrough) Health() Health {
	return Health{Status: "healthy"}
}

// validHeaderName reports whether name is an RFC 7230 token.
func validHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("!#$%&'*+-.^_`|~", r):
		default:
			return false
		}
	}
	return true
}
