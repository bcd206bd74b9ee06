package proxy

import (
	"encoding/json"
	"net/http"

	"github.com/cecil-the-coder/anthropic-oauth-gateway/pkg/pool"
)

// errorBody is the JSON envelope for every proxy-generated error response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type      string      `json:"type"`
	Message   string      `json:"message"`
	RequestID string      `json:"request_id"`
	Pool      *poolCounts `json:"pool,omitempty"`
}

type poolCounts struct {
	AccountsTotal       int `json:"accounts_total"`
	AccountsAvailable   int `json:"accounts_available"`
	AccountsCoolingDown int `json:"accounts_cooling_down"`
	AccountsDisabled    int `json:"accounts_disabled"`
}

// writeProxyError sends a proxy_error response and counts it. Returns the
// status for request accounting.
func (p *Pipeline) writeProxyError(w http.ResponseWriter, status int, message, requestID string) int {
	p.metrics.ErrorResponded()
	writeJSON(w, status, errorBody{Error: errorDetail{
		Type:      "proxy_error",
		Message:   message,
		RequestID: requestID,
	}})
	return status
}

// writePoolExhausted sends the 503 pool_exhausted response with pool counts.
func (p *Pipeline) writePoolExhausted(w http.ResponseWriter, ex *pool.ExhaustedError, requestID string) int {
	p.metrics.ErrorResponded()
	writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: errorDetail{
		Type:      "pool_exhausted",
		Message:   "All accounts exhausted",
		RequestID: requestID,
		Pool: &poolCounts{
			AccountsTotal:       ex.Total,
			AccountsAvailable:   ex.Available,
			AccountsCoolingDown: ex.CoolingDown,
			AccountsDisabled:    ex.Disabled,
		},
	}})
	return http.StatusServiceUnavailable
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
