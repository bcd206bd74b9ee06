package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/cecil-the-coder/anthropic-oauth-gateway/pkg/anthropic"
	"github.com/cecil-the-coder/anthropic-oauth-gateway/pkg/credentials"
	"github.com/cecil-the-coder/anthropic-oauth-gateway/pkg/pool"
)

// pkceExpiry bounds how long an initiated OAuth flow stays completable.
const pkceExpiry = 10 * time.Minute

// pkceState is an in-progress OAuth enrolment, keyed by account id.
type pkceState struct {
	verifier  string
	createdAt time.Time
}

// Admin serves the account management API on the admin listener.
type Admin struct {
	pool   *pool.Pool
	store  *credentials.Store
	tokens *anthropic.TokenClient
	logger *zap.Logger

	mu     sync.Mutex
	flows  map[string]pkceState
	now    func() time.Time
}

// NewAdmin builds the admin API over the pool, store and token client.
func NewAdmin(p *pool.Pool, store *credentials.Store, tokens *anthropic.TokenClient, logger *zap.Logger) *Admin {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Admin{
		pool:   p,
		store:  store,
		tokens: tokens,
		logger: logger,
		flows:  make(map[string]pkceState),
		now:    time.Now,
	}
}

// Routes mounts the admin endpoints on r.
func (a *Admin) Routes(r chi.Router) {
	r.Get("/admin/accounts", a.handleListAccounts)
	r.Post("/admin/accounts/init-oauth", a.handleInitOAuth)
	r.Post("/admin/accounts/complete-oauth", a.handleCompleteOAuth)
	r.Delete("/admin/accounts/{id}", a.handleDeleteAccount)
	r.Get("/admin/pool", a.handlePoolStatus)
}

// handleListAccounts returns account ids and statuses. Tokens never appear
// in admin responses.
func (a *Admin) handleListAccounts(w http.ResponseWriter, _ *http.Request) {
	h := a.pool.Health()
	adminJSON(w, http.StatusOK, map[string]any{"accounts": h.Accounts})
}

// handleInitOAuth starts a PKCE flow: mints an account id, generates the
// verifier, and returns the authorization URL for the operator's browser.
func (a *Admin) handleInitOAuth(w http.ResponseWriter, _ *http.Request) {
	accountID := fmt.Sprintf("claude-max-%d", a.now().Unix())
	verifier := anthropic.GenerateVerifier()
	authURL := anthropic.AuthorizationURL(accountID, verifier)

	a.mu.Lock()
	// Lazy cleanup: abandoned flows expire here rather than on a timer.
	for id, flow := range a.flows {
		if a.now().Sub(flow.createdAt) >= pkceExpiry {
			delete(a.flows, id)
		}
	}
	a.flows[accountID] = pkceState{verifier: verifier, createdAt: a.now()}
	a.mu.Unlock()

	a.logger.Info("oauth flow initiated", zap.String("account_id", accountID))

	adminJSON(w, http.StatusOK, map[string]any{
		"authorization_url": authURL,
		"account_id":        accountID,
		"instructions":      "Open the URL in a browser, authorize, then paste the code to complete-oauth",
	})
}

type completeOAuthRequest struct {
	AccountID string `json:"account_id"`
	Code      string `json:"code"`
}

// handleCompleteOAuth consumes the PKCE state, exchanges the pasted code for
// tokens, persists the credential and adds the account to the pool.
func (a *Admin) handleCompleteOAuth(w http.ResponseWriter, r *http.Request) {
	var req completeOAuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AccountID == "" || req.Code == "" {
		adminError(w, http.StatusBadRequest, "body must be JSON with account_id and code")
		return
	}

	a.mu.Lock()
	flow, ok := a.flows[req.AccountID]
	delete(a.flows, req.AccountID)
	a.mu.Unlock()

	if !ok {
		adminError(w, http.StatusBadRequest,
			"no pending OAuth flow for this account_id (expired or not initiated)")
		return
	}
	if a.now().Sub(flow.createdAt) > pkceExpiry {
		adminError(w, http.StatusBadRequest,
			"OAuth flow expired (>10 minutes), please re-initiate with init-oauth")
		return
	}

	// The callback page shows the code as code#state; keep only the code.
	code, _, _ := strings.Cut(req.Code, "#")

	tok, err := a.tokens.ExchangeCode(r.Context(), code, flow.verifier)
	if err != nil {
		a.logger.Warn("token exchange failed",
			zap.String("account_id", req.AccountID), zap.Error(err))
		adminError(w, http.StatusBadGateway, "token exchange failed: "+err.Error())
		return
	}

	cred := credentials.Credential{
		Type:    "oauth",
		Refresh: tok.RefreshToken,
		Access:  tok.AccessToken,
		Expires: tok.ExpiresAt.UnixMilli(),
	}
	if err := a.store.Put(req.AccountID, cred); err != nil {
		a.logger.Error("failed to store credential",
			zap.String("account_id", req.AccountID), zap.Error(err))
		adminError(w, http.StatusInternalServerError, "failed to store credential: "+err.Error())
		return
	}

	a.pool.Add(req.AccountID)
	a.logger.Info("oauth flow completed, account added to pool",
		zap.String("account_id", req.AccountID))

	adminJSON(w, http.StatusOK, map[string]any{
		"account_id": req.AccountID,
		"status":     "added",
	})
}

// handleDeleteAccount removes an account from pool and store. Idempotent.
func (a *Admin) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	a.pool.Remove(id)
	if err := a.store.Delete(id); err != nil && !errors.Is(err, credentials.ErrNotFound) {
		a.logger.Warn("credential removal failed",
			zap.String("account_id", id), zap.Error(err))
		adminError(w, http.StatusInternalServerError, "failed to remove credential: "+err.Error())
		return
	}

	adminJSON(w, http.StatusOK, map[string]any{
		"account_id": id,
		"status":     "removed",
	})
}

// handlePoolStatus returns the pool health summary.
func (a *Admin) handlePoolStatus(w http.ResponseWriter, _ *http.Request) {
	adminJSON(w, http.StatusOK, a.pool.Health())
}

func adminJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func adminError(w http.ResponseWriter, status int, msg string) {
	adminJSON(w, status, map[string]string{"error": msg})
}
