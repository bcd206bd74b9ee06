package anthropic

import (
	"strings"

	"golang.org/x/oauth2"
)

// oauthConfig builds the oauth2 config for Anthropic's subscription flow.
// The token endpoint is a parameter so tests can point it at a local server.
func oauthConfig(tokenURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    ClientID,
		RedirectURL: RedirectURI,
		Scopes:      strings.Fields(Scopes),
		Endpoint: oauth2.Endpoint{
			AuthURL: AuthorizeEndpoint,
			// Anthropic expects client_id in the POST body, not basic auth.
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// GenerateVerifier returns a new PKCE code verifier (RFC 7636, crypto-random,
// URL-safe base64).
func GenerateVerifier() string {
	return oauth2.GenerateVerifier()
}

// AuthorizationURL builds the claude.ai authorization URL for the given PKCE
// state and verifier. The S256 challenge is derived from the verifier; the
// caller keeps the verifier for the later code exchange.
func AuthorizationURL(state, verifier string) string {
	conf := oauthConfig(TokenEndpoint)
	return conf.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}
