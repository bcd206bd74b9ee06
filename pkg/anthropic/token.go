package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// ErrInvalidCredentials marks a refresh token rejected by the token endpoint
// (401 or 403). The owning account's credentials are revoked or expired and
// retrying will not help; callers disable the account instead.
var ErrInvalidCredentials = errors.New("invalid credentials")

// TokenExchangeError is a non-2xx token endpoint response that does not
// indicate revoked credentials (5xx, 429, malformed payloads). These are
// retryable at the caller's discretion.
type TokenExchangeError struct {
	StatusCode int
	Body       string
}

func (e *TokenExchangeError) Error() string {
	return fmt.Sprintf("token endpoint returned %d: %s", e.StatusCode, e.Body)
}

// Token is the result of a code exchange or refresh. ExpiresAt is absolute,
// computed from the endpoint's expires_in delta at response time.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// TokenClient talks to Anthropic's OAuth token endpoint. Both grant types
// (authorization_code and refresh_token) POST form-encoded bodies with the
// client_id in the parameters rather than basic auth.
type TokenClient struct {
	conf       *oauth2.Config
	httpClient *http.Client
}

// NewTokenClient returns a client for the production token endpoint.
// A nil httpClient gets a 30 second timeout default.
func NewTokenClient(httpClient *http.Client) *TokenClient {
	return NewTokenClientForEndpoint(TokenEndpoint, httpClient)
}

// NewTokenClientForEndpoint is NewTokenClient with an explicit token URL,
// for tests that stand up a local endpoint.
func NewTokenClientForEndpoint(tokenURL string, httpClient *http.Client) *TokenClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	base := httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	hc := *httpClient
	hc.Transport = &userAgentTransport{base: base}
	return &TokenClient{
		conf:       oauthConfig(tokenURL),
		httpClient: &hc,
	}
}

// ExchangeCode trades an authorization code and its PKCE verifier for tokens.
// This completes the browser flow started by AuthorizationURL.
func (c *TokenClient) ExchangeCode(ctx context.Context, code, verifier string) (*Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := c.conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, mapTokenError("exchange", err, false)
	}
	return fromOAuth2(tok)
}

// Refresh obtains a fresh access token from a refresh token. A 401/403
// response maps to ErrInvalidCredentials; other failures are retryable.
func (c *TokenClient) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	src := c.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, mapTokenError("refresh", err, true)
	}
	return fromOAuth2(tok)
}

// mapTokenError translates oauth2 failures into this package's error
// taxonomy. credentialSensitive is true for refresh, where a 401/403 means
// the refresh token itself is dead; on code exchange the same statuses just
// mean a bad or reused code.
func mapTokenError(op string, err error, credentialSensitive bool) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		if credentialSensitive && (status == http.StatusUnauthorized || status == http.StatusForbidden) {
			return fmt.Errorf("token %s rejected (%d): %w", op, status, ErrInvalidCredentials)
		}
		return &TokenExchangeError{StatusCode: status, Body: string(re.Body)}
	}
	return fmt.Errorf("token %s request failed: %w", op, err)
}

func fromOAuth2(tok *oauth2.Token) (*Token, error) {
	if tok.AccessToken == "" {
		return nil, &TokenExchangeError{StatusCode: http.StatusOK, Body: "response missing access_token"}
	}
	if tok.Expiry.IsZero() {
		return nil, &TokenExchangeError{StatusCode: http.StatusOK, Body: "response missing expires_in"}
	}
	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}, nil
}

// userAgentTransport stamps the CLI User-Agent on every token request.
type userAgentTransport struct {
	base http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", UserAgent)
	return t.base.RoundTrip(req)
}
