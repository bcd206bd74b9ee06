// Package testutil holds shared test fakes for the gateway packages.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/cecil-the-coder/anthropic-oauth-gateway/pkg/anthropic"
)

// TokenEndpoint is a scripted stand-in for Anthropic's OAuth token endpoint.
// The zero response is a success with access token "at_new", refresh token
// "rt_new" and a one hour expiry.
type TokenEndpoint struct {
	Server *httptest.Server

	mu       sync.Mutex
	status   int
	body     string
	calls    int
	lastForm url.Values
}

// NewTokenEndpoint starts the fake endpoint and registers cleanup with t.
func NewTokenEndpoint(t *testing.T) *TokenEndpoint {
	t.Helper()
	f := &TokenEndpoint{
		status: http.StatusOK,
		body:   TokenBody("at_new", "rt_new", 3600),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Server.Close)
	return f
}

// TokenBody builds a token endpoint success payload.
func TokenBody(access, refresh string, expiresIn int) string {
	return fmt.Sprintf(`{"access_token":%q,"refresh_token":%q,"expires_in":%d}`,
		access, refresh, expiresIn)
}

// Client returns a token client pointed at the fake.
func (f *TokenEndpoint) Client() *anthropic.TokenClient {
	return anthropic.NewTokenClientForEndpoint(f.Server.URL, nil)
}

// SetResponse scripts the status and body of subsequent responses.
func (f *TokenEndpoint) SetResponse(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
	f.body = body
}

// Calls returns how many requests the endpoint has served.
func (f *TokenEndpoint) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// LastForm returns the form values of the most recent request.
func (f *TokenEndpoint) LastForm() url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastForm
}

func (f *TokenEndpoint) serve(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	f.mu.Lock()
	f.calls++
	f.lastForm = r.PostForm
	status, body := f.status, f.body
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
