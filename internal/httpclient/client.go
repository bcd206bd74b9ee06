// Package httpclient builds the shared upstream HTTP client with tuned
// connection pooling.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

// Config tunes the upstream client transport.
type Config struct {
	// MaxConnections caps idle and total connections to the upstream host.
	MaxConnections int

	// ResponseHeaderTimeout bounds the wait for upstream response headers.
	// Streaming bodies are unaffected once headers arrive, so this is the
	// right place for the per-attempt timeout; Client.Timeout would cut off
	// long SSE streams mid-body.
	ResponseHeaderTimeout time.Duration
}

// Defaults applied by New for zero fields.
const (
	DefaultMaxConnections        = 100
	DefaultResponseHeaderTimeout = 60 * time.Second
)

// New builds an upstream client from cfg.
func New(cfg Config) *http.Client {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.ResponseHeaderTimeout <= 0 {
		cfg.ResponseHeaderTimeout = DefaultResponseHeaderTimeout
	}

	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          cfg.MaxConnections,
			MaxIdleConnsPerHost:   cfg.MaxConnections,
			MaxConnsPerHost:       cfg.MaxConnections,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
			ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		},
	}
}
