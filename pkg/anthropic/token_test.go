package anthropic

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTokenEndpoint records the last form POST and replies with a canned
// status and body.
type fakeTokenEndpoint struct {
	status int
	body   string

	lastForm   map[string]string
	lastUA     string
	lastMethod string
}

func (f *fakeTokenEndpoint) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		f.lastForm = map[string]string{}
		for k := range r.PostForm {
			f.lastForm[k] = r.PostForm.Get(k)
		}
		f.lastUA = r.Header.Get("User-Agent")
		f.lastMethod = r.Method
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(f.body))
	}
}

func TestExchangeCode(t *testing.T) {
	fake := &fakeTokenEndpoint{
		status: http.StatusOK,
		body:   `{"access_token":"at_new","refresh_token":"rt_new","expires_in":3600}`,
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	client := NewTokenClientForEndpoint(srv.URL, nil)
	tok, err := client.ExchangeCode(context.Background(), "auth-code", "pkce-verifier")
	require.NoError(t, err)

	assert.Equal(t, "at_new", tok.AccessToken)
	assert.Equal(t, "rt_new", tok.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), tok.ExpiresAt, time.Minute)

	assert.Equal(t, http.MethodPost, fake.lastMethod)
	assert.Equal(t, "authorization_code", fake.lastForm["grant_type"])
	assert.Equal(t, "auth-code", fake.lastForm["code"])
	assert.Equal(t, "pkce-verifier", fake.lastForm["code_verifier"])
	assert.Equal(t, ClientID, fake.lastForm["client_id"])
	assert.Equal(t, RedirectURI, fake.lastForm["redirect_uri"])
	assert.Equal(t, UserAgent, fake.lastUA)
}

func TestExchangeCodeRejection(t *testing.T) {
	fake := &fakeTokenEndpoint{status: http.StatusBadRequest, body: `{"error":"invalid_grant"}`}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	client := NewTokenClientForEndpoint(srv.URL, nil)
	_, err := client.ExchangeCode(context.Background(), "stale-code", "v")
	require.Error(t, err)

	var exErr *TokenExchangeError
	require.ErrorAs(t, err, &exErr)
	assert.Equal(t, http.StatusBadRequest, exErr.StatusCode)
	// A bad code is not revoked credentials.
	assert.NotErrorIs(t, err, ErrInvalidCredentials)
}

func TestRefresh(t *testing.T) {
	fake := &fakeTokenEndpoint{
		status: http.StatusOK,
		body:   `{"access_token":"at_refreshed","refresh_token":"rt_rotated","expires_in":28800}`,
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	client := NewTokenClientForEndpoint(srv.URL, nil)
	tok, err := client.Refresh(context.Background(), "rt_old")
	require.NoError(t, err)

	assert.Equal(t, "at_refreshed", tok.AccessToken)
	assert.Equal(t, "rt_rotated", tok.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(8*time.Hour), tok.ExpiresAt, time.Minute)

	assert.Equal(t, "refresh_token", fake.lastForm["grant_type"])
	assert.Equal(t, "rt_old", fake.lastForm["refresh_token"])
	assert.Equal(t, ClientID, fake.lastForm["client_id"])
}

func TestRefreshKeepsOldRefreshTokenWhenNotRotated(t *testing.T) {
	fake := &fakeTokenEndpoint{
		status: http.StatusOK,
		body:   `{"access_token":"at_refreshed","expires_in":3600}`,
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	client := NewTokenClientForEndpoint(srv.URL, nil)
	tok, err := client.Refresh(context.Background(), "rt_keep")
	require.NoError(t, err)
	assert.Equal(t, "rt_keep", tok.RefreshToken)
}

func TestRefreshInvalidCredentials(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		fake := &fakeTokenEndpoint{status: status, body: `{"error":"invalid_grant"}`}
		srv := httptest.NewServer(fake.handler())

		client := NewTokenClientForEndpoint(srv.URL, nil)
		_, err := client.Refresh(context.Background(), "rt_revoked")
		srv.Close()

		require.Error(t, err, "status %d", status)
		assert.ErrorIs(t, err, ErrInvalidCredentials, "status %d", status)
	}
}

func TestRefreshTransientFailure(t *testing.T) {
	fake := &fakeTokenEndpoint{status: http.StatusBadGateway, body: "upstream down"}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	client := NewTokenClientForEndpoint(srv.URL, nil)
	_, err := client.Refresh(context.Background(), "rt")
	require.Error(t, err)

	var exErr *TokenExchangeError
	require.ErrorAs(t, err, &exErr)
	assert.Equal(t, http.StatusBadGateway, exErr.StatusCode)
	assert.NotErrorIs(t, err, ErrInvalidCredentials)
}

func TestRefreshTransportFailure(t *testing.T) {
	// Point at a closed server to force a connection error.
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	client := NewTokenClientForEndpoint(srv.URL, nil)
	_, err := client.Refresh(context.Background(), "rt")
	require.Error(t, err)

	var exErr *TokenExchangeError
	assert.False(t, errors.As(err, &exErr), "transport failures are not exchange errors")
	assert.NotErrorIs(t, err, ErrInvalidCredentials)
}

func TestTokenResponseMissingFields(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing access_token", `{"refresh_token":"rt","expires_in":3600}`},
		{"missing expires_in", `{"access_token":"at","refresh_token":"rt"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeTokenEndpoint{status: http.StatusOK, body: tt.body}
			srv := httptest.NewServer(fake.handler())
			defer srv.Close()

			client := NewTokenClientForEndpoint(srv.URL, nil)
			_, err := client.Refresh(context.Background(), "rt")
			require.Error(t, err)
		})
	}
}
