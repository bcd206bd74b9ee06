// Package anthropic holds the Anthropic OAuth client configuration and the
// token endpoint client used for code exchange and token refresh.
//
// The OAuth client values are not secrets - they identify the public client
// application (the same identity the Claude CLI uses). The actual secrets
// (access/refresh tokens) live in the credential store.
package anthropic

const (
	// ClientID is Anthropic's public OAuth client ID (same as the Claude CLI).
	ClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"

	// RedirectURI is Anthropic's hosted OAuth callback page.
	RedirectURI = "https://console.anthropic.com/oauth/code/callback"

	// TokenEndpoint handles both authorization-code exchange and token refresh.
	// Note this is the console host, not the inference API host.
	TokenEndpoint = "https://console.anthropic.com/v1/oauth/token"

	// AuthorizeEndpoint is the authorization endpoint for Pro/Max
	// subscriptions (claude.ai, not console).
	AuthorizeEndpoint = "https://claude.ai/oauth/authorize"

	// Scopes required for inference access. user:sessions:claude_code is
	// required for Sonnet/Opus access. org:create_api_key is deliberately
	// excluded - that is Console OAuth (API key creation), out of scope
	// for this gateway.
	Scopes = "user:profile user:inference user:sessions:claude_code"

	// RequiredSystemPromptPrefix must appear at the start of the system
	// prompt for Opus/Sonnet requests to be authorized.
	RequiredSystemPromptPrefix = "You are Claude Code, Anthropic's official CLI for Claude."

	// UserAgent sent on token endpoint and inference requests. Mirrors the
	// CLI identity the subscription tokens are provisioned for.
	UserAgent = "claude-cli/2.0.76 (external, sdk-cli)"

	// APIVersion is the anthropic-version header value.
	APIVersion = "2023-06-01"
)

// RequiredBetaFlags must be present in the anthropic-beta header of every
// OAuth-authenticated inference request. Client-supplied beta flags are
// merged after these, order preserved.
var RequiredBetaFlags = []string{
	"oauth-2025-04-20",
	"interleaved-thinking-2025-05-14",
	"context-management-2025-06-27",
}
