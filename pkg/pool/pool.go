// Package pool manages a set of OAuth subscription accounts and selects one
// for each request via round-robin.
//
// Per-account status (available, cooling down, disabled) lives only in
// memory; the credential store remains the single source of truth for token
// data and is read at selection time. Cooldown expiry is lazy: a cooling
// account transitions back to available the next time it is considered.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/cecil-the-coder/anthropic-oauth-gateway/pkg/anthropic"
	"github.com/cecil-the-coder/anthropic-oauth-gateway/pkg/credentials"
)

// inlineRefreshThreshold is how close to expiry a token must be before
// selection refreshes it inline instead of handing it out.
const inlineRefreshThreshold = 60 * time.Second

// status is the in-memory lifecycle state of one account.
type status int

const (
	statusAvailable status = iota
	statusCoolingDown
	statusDisabled
)

func (s status) String() string {
	switch s {
	case statusCoolingDown:
		return "cooling_down"
	case statusDisabled:
		return "disabled"
	default:
		return "available"
	}
}

type accountState struct {
	status    status
	coolUntil time.Time
}

// Selected is an account chosen for a request, with a usable access token.
type Selected struct {
	ID          string
	AccessToken string
}

// ExhaustedError is returned by Select when no account can serve a request.
// The counts describe the pool at the moment the scan gave up.
type ExhaustedError struct {
	Total       int
	Available   int
	CoolingDown int
	Disabled    int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all accounts exhausted (%d total: %d available, %d cooling down, %d disabled)",
		e.Total, e.Available, e.CoolingDown, e.Disabled)
}

// AccountHealth is one account's entry in the pool health report.
type AccountHealth struct {
	ID                    string  `json:"id"`
	Status                string  `json:"status"`
	CooldownRemainingSecs *uint64 `json:"cooldown_remaining_secs,omitempty"`
}

// Health is the pool health report served by the health and admin endpoints.
type Health struct {
	Status              string          `json:"status"`
	AccountsTotal       int             `json:"accounts_total"`
	AccountsAvailable   int             `json:"accounts_available"`
	AccountsCoolingDown int             `json:"accounts_cooling_down"`
	AccountsDisabled    int             `json:"accounts_disabled"`
	Accounts            []AccountHealth `json:"accounts"`
}

// Pool is the round-robin account pool.
//
// The cursor only distributes load; it is not a fairness guarantee, so a
// plain atomic increment is enough. The mutex guards ids and states and is
// never held across store or network I/O.
type Pool struct {
	mu     sync.RWMutex
	ids    []string
	states map[string]accountState

	cursor   atomic.Uint64
	cooldown time.Duration

	store  *credentials.Store
	tokens *anthropic.TokenClient

	refreshGroup singleflight.Group
	logger       *zap.Logger
	now          func() time.Time
}

// New builds a pool over the given account ids. Every account starts
// available; ids without a store entry are disabled on first selection.
func New(ids []string, cooldown time.Duration, store *credentials.Store, tokens *anthropic.TokenClient, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	states := make(map[string]accountState, len(ids))
	for _, id := range ids {
		states[id] = accountState{status: statusAvailable}
	}
	logger.Info("pool initialized", zap.Int("accounts", len(ids)))
	return &Pool{
		ids:      append([]string(nil), ids...),
		states:   states,
		cooldown: cooldown,
		store:    store,
		tokens:   tokens,
		logger:   logger,
		now:      time.Now,
	}
}

// Select picks the next available account round-robin.
//
// The scan starts at the cursor and visits each account at most once.
// Expired cooldowns flip back to available in passing. An account whose
// token expires within a minute is refreshed inline (single-flighted per
// account); if the refresh shows revoked credentials the account is
// disabled, while a transient refresh failure leaves it untouched and the
// scan moves on. Returns *ExhaustedError when the scan finds nothing.
func (p *Pool) Select(ctx context.Context) (*Selected, error) {
	p.mu.RLock()
	ids := append([]string(nil), p.ids...)
	p.mu.RUnlock()

	n := len(ids)
	if n == 0 {
		return nil, p.exhausted()
	}

	start := int((p.cursor.Add(1) - 1) % uint64(n))
	for offset := 0; offset < n; offset++ {
		id := ids[(start+offset)%n]
		if !p.takeAvailable(id) {
			continue
		}

		cred, err := p.store.Get(id)
		if err != nil {
			if errors.Is(err, credentials.ErrNotFound) {
				p.logger.Warn("account in pool but not in credential store, disabling",
					zap.String("account_id", id))
				p.setStatus(id, statusDisabled, time.Time{})
			} else {
				p.logger.Warn("credential read failed, skipping account",
					zap.String("account_id", id), zap.Error(err))
			}
			continue
		}

		if cred.ExpiresWithin(inlineRefreshThreshold) {
			p.logger.Debug("token expiring soon, refreshing inline", zap.String("account_id", id))
			tok, err := p.refreshAccount(ctx, id, cred.Refresh)
			if err != nil {
				if errors.Is(err, anthropic.ErrInvalidCredentials) {
					p.logger.Warn("refresh token rejected, disabling account",
						zap.String("account_id", id), zap.Error(err))
					p.setStatus(id, statusDisabled, time.Time{})
				} else {
					p.logger.Warn("inline refresh failed, trying next account",
						zap.String("account_id", id), zap.Error(err))
				}
				continue
			}
			p.logger.Info("inline token refresh succeeded", zap.String("account_id", id))
			return &Selected{ID: id, AccessToken: tok.AccessToken}, nil
		}

		return &Selected{ID: id, AccessToken: cred.Access}, nil
	}

	return nil, p.exhausted()
}

// ReportError applies an upstream error classification to an account.
// QuotaExceeded starts the cooldown, Permanent disables, Transient is a
// no-op on pool state.
func (p *Pool) ReportError(accountID string, c Classification) {
	switch c {
	case QuotaExceeded:
		p.logger.Info("account entering cooldown (quota exhausted)",
			zap.String("account_id", accountID),
			zap.Duration("cooldown", p.cooldown))
		p.setStatus(accountID, statusCoolingDown, p.now().Add(p.cooldown))
	case Permanent:
		p.logger.Warn("account disabled (permanent error)", zap.String("account_id", accountID))
		p.setStatus(accountID, statusDisabled, time.Time{})
	default:
		p.logger.Debug("transient error, no pool action", zap.String("account_id", accountID))
	}
}

// Add registers an account, available immediately. Re-adding an existing id
// resets it to available.
func (p *Pool) Add(accountID string) {
	p.mu.Lock()
	found := false
	for _, id := range p.ids {
		if id == accountID {
			found = true
			break
		}
	}
	if !found {
		p.ids = append(p.ids, accountID)
	}
	p.states[accountID] = accountState{status: statusAvailable}
	p.mu.Unlock()
	p.logger.Info("account added to pool", zap.String("account_id", accountID))
}

// Remove drops an account from the pool. Removing an unknown id is a no-op.
func (p *Pool) Remove(accountID string) {
	p.mu.Lock()
	kept := p.ids[:0]
	for _, id := range p.ids {
		if id != accountID {
			kept = append(kept, id)
		}
	}
	p.ids = kept
	delete(p.states, accountID)
	p.mu.Unlock()
	p.logger.Info("account removed from pool", zap.String("account_id", accountID))
}

// IDs returns a snapshot of the account ids in pool order.
func (p *Pool) IDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.ids...)
}

// Size returns the number of accounts in the pool.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.ids)
}

// Health reports pool and per-account status. A cooling account whose
// cooldown already expired is reported available, matching what Select
// would see.
func (p *Pool) Health() Health {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := p.now()
	h := Health{Accounts: make([]AccountHealth, 0, len(p.ids))}
	for _, id := range p.ids {
		st, ok := p.states[id]
		if !ok {
			st = accountState{status: statusDisabled}
		}
		entry := AccountHealth{ID: id}
		switch st.status {
		case statusCoolingDown:
			if remaining := st.coolUntil.Sub(now); remaining > 0 {
				h.AccountsCoolingDown++
				secs := uint64(remaining / time.Second)
				entry.Status = statusCoolingDown.String()
				entry.CooldownRemainingSecs = &secs
			} else {
				h.AccountsAvailable++
				entry.Status = statusAvailable.String()
			}
		case statusDisabled:
			h.AccountsDisabled++
			entry.Status = statusDisabled.String()
		default:
			h.AccountsAvailable++
			entry.Status = statusAvailable.String()
		}
		h.Accounts = append(h.Accounts, entry)
	}

	h.AccountsTotal = len(p.ids)
	switch {
	case h.AccountsTotal > 0 && h.AccountsAvailable == h.AccountsTotal:
		h.Status = "healthy"
	case h.AccountsAvailable > 0:
		h.Status = "degraded"
	default:
		h.Status = "unhealthy"
	}
	return h
}

// RefreshExpiring runs one proactive refresh pass: every account whose token
// expires within threshold gets a refresh. Revoked credentials disable the
// account; transient failures are left for the next pass.
func (p *Pool) RefreshExpiring(ctx context.Context, threshold time.Duration) {
	for _, id := range p.IDs() {
		if ctx.Err() != nil {
			return
		}

		cred, err := p.store.Get(id)
		if err != nil {
			continue
		}
		if !cred.ExpiresWithin(threshold) {
			continue
		}

		p.logger.Debug("token expiring within threshold, refreshing", zap.String("account_id", id))
		if _, err := p.refreshAccount(ctx, id, cred.Refresh); err != nil {
			if errors.Is(err, anthropic.ErrInvalidCredentials) {
				p.logger.Warn("refresh token rejected, disabling account",
					zap.String("account_id", id), zap.Error(err))
				p.setStatus(id, statusDisabled, time.Time{})
			} else {
				p.logger.Warn("background refresh failed, will retry next cycle",
					zap.String("account_id", id), zap.Error(err))
			}
			continue
		}
		p.logger.Info("background token refresh succeeded", zap.String("account_id", id))
	}
}

// refreshAccount refreshes one account's token and persists the result.
// Concurrent callers for the same account share a single token endpoint
// request.
func (p *Pool) refreshAccount(ctx context.Context, id, refreshToken string) (*anthropic.Token, error) {
	v, err, _ := p.refreshGroup.Do(id, func() (any, error) {
		tok, err := p.tokens.Refresh(ctx, refreshToken)
		if err != nil {
			return nil, err
		}
		cred := credentials.Credential{
			Type:    "oauth",
			Refresh: tok.RefreshToken,
			Access:  tok.AccessToken,
			Expires: tok.ExpiresAt.UnixMilli(),
		}
		// Update, never upsert: a refresh racing an account removal must
		// not resurrect the deleted credential.
		if err := p.store.UpdateToken(id, cred); err != nil {
			if errors.Is(err, credentials.ErrNotFound) {
				p.logger.Info("account removed during refresh, discarding token",
					zap.String("account_id", id))
			} else {
				// The in-memory token is still good for this request;
				// the next refresh will retry the write.
				p.logger.Warn("failed to persist refreshed token",
					zap.String("account_id", id), zap.Error(err))
			}
		}
		return tok, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*anthropic.Token), nil
}

// takeAvailable reports whether the account can serve a request right now,
// flipping an expired cooldown back to available in the process.
func (p *Pool) takeAvailable(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.states[id]
	if !ok {
		return false
	}
	switch st.status {
	case statusAvailable:
		return true
	case statusCoolingDown:
		if !p.now().Before(st.coolUntil) {
			p.states[id] = accountState{status: statusAvailable}
			p.logger.Info("cooldown expired, account available again", zap.String("account_id", id))
			return true
		}
		return false
	default:
		return false
	}
}

func (p *Pool) setStatus(id string, s status, coolUntil time.Time) {
	p.mu.Lock()
	p.states[id] = accountState{status: s, coolUntil: coolUntil}
	p.mu.Unlock()
}

func (p *Pool) exhausted() *ExhaustedError {
	h := p.Health()
	return &ExhaustedError{
		Total:       h.AccountsTotal,
		Available:   h.AccountsAvailable,
		CoolingDown: h.AccountsCoolingDown,
		Disabled:    h.AccountsDisabled,
	}
}
