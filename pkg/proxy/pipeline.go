// Package proxy implements the request pipeline: ingest, provider prepare,
// upstream send with timeout retries and account failover, and streaming of
// the upstream response back to the client.
package proxy

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cecil-the-coder/anthropic-oauth-gateway/pkg/pool"
	"github.com/cecil-the-coder/anthropic-oauth-gateway/pkg/provider"
)

const (
	// MaxBodyBytes caps the inbound request body.
	MaxBodyBytes = 10 << 20

	// maxTimeoutAttempts is 1 initial send plus 2 retries, per account.
	maxTimeoutAttempts = 3

	// timeoutRetryDelay is fixed, not exponential: retries are cheap and
	// upstream recovery is fast.
	timeoutRetryDelay = 100 * time.Millisecond
)

// hopByHopHeaders are stripped in both directions (RFC 2616 §13.5.1).
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// PipelineConfig wires a Pipeline.
type PipelineConfig struct {
	Provider    provider.Provider
	UpstreamURL string

	// Client must enforce the per-attempt timeout at the response-header
	// level (Transport.ResponseHeaderTimeout), not with Client.Timeout,
	// which would cut off long SSE streams.
	Client  *http.Client
	Timeout time.Duration

	Metrics *Metrics
	Logger  *zap.Logger

	// FailoverAttempts returns how many accounts a single request may try.
	// OAuth mode wires this to the pool size; nil means one attempt.
	FailoverAttempts func() int
}

// Pipeline proxies inbound requests to the upstream API.
type Pipeline struct {
	provider         provider.Provider
	upstreamURL      string
	client           *http.Client
	timeout          time.Duration
	metrics          *Metrics
	logger           *zap.Logger
	failoverAttempts func() int
}

// NewPipeline builds the pipeline from cfg.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &Pipeline{
		provider:         cfg.Provider,
		upstreamURL:      strings.TrimSuffix(cfg.UpstreamURL, "/"),
		client:           client,
		timeout:          cfg.Timeout,
		metrics:          cfg.Metrics,
		logger:           logger,
		failoverAttempts: cfg.FailoverAttempts,
	}
}

// ServeHTTP runs the pipeline for one inbound request.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := newRequestID()
	start := time.Now()

	p.metrics.RequestStarted()
	defer p.metrics.RequestFinished()

	status := p.handle(w, r, requestID)
	p.metrics.RecordRequest(status, r.Method, time.Since(start))

	p.logger.Debug("request completed",
		zap.String("request_id", requestID),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Duration("duration", time.Since(start)))
}

// handle executes the pipeline stages and returns the response status.
func (p *Pipeline) handle(w http.ResponseWriter, r *http.Request, requestID string) int {
	ctx := r.Context()

	inbound := filterInboundHeaders(r.Header)

	rawBody, err := readBounded(r.Body, MaxBodyBytes)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			return p.writeProxyError(w, http.StatusBadRequest,
				fmt.Sprintf("request body exceeds %d bytes", MaxBodyBytes), requestID)
		}
		return p.writeProxyError(w, http.StatusBadRequest,
			"failed to read request body: "+err.Error(), requestID)
	}

	// Validate the body once; every failover attempt re-parses from the raw
	// bytes so one account's mutations never leak into the next attempt.
	needsBody := p.provider.NeedsBody() && len(rawBody) > 0
	if needsBody {
		if !json.Valid(rawBody) {
			return p.writeProxyError(w, http.StatusBadRequest,
				"request body is not valid JSON", requestID)
		}
	}

	attempts := 1
	if p.failoverAttempts != nil {
		if n := p.failoverAttempts(); n > attempts {
			attempts = n
		}
	}

	var lastSeen *bufferedResponse

	for attempt := 0; attempt < attempts; attempt++ {
		headers := inbound.Clone()

		var parsed map[string]any
		if needsBody {
			if err := json.Unmarshal(rawBody, &parsed); err != nil {
				return p.writeProxyError(w, http.StatusBadRequest,
					"request body is not a JSON object", requestID)
			}
		}

		accountID, err := p.provider.Prepare(ctx, headers, parsed)
		if err != nil {
			var exhausted *pool.ExhaustedError
			if errors.As(err, &exhausted) {
				if lastSeen != nil {
					return p.writeBuffered(w, lastSeen)
				}
				return p.writePoolExhausted(w, exhausted, requestID)
			}
			p.logger.Error("provider prepare failed",
				zap.String("request_id", requestID), zap.Error(err))
			return p.writeProxyError(w, http.StatusBadGateway,
				"authentication failed: "+err.Error(), requestID)
		}

		outBody := rawBody
		if parsed != nil {
			outBody, err = json.Marshal(parsed)
			if err != nil {
				return p.writeProxyError(w, http.StatusBadGateway,
					"failed to re-serialize request body", requestID)
			}
		}

		status, done := p.sendWithRetries(ctx, w, r, headers, outBody, accountID, requestID, &lastSeen)
		if done {
			return status
		}
		// Quota exhausted on this account; fail over to the next.
		p.logger.Info("failing over to next account",
			zap.String("request_id", requestID),
			zap.String("account_id", accountID),
			zap.Int("attempt", attempt+1))
	}

	if lastSeen != nil {
		// Every account hit its quota; the client gets the last 429 as-is.
		return p.writeBuffered(w, lastSeen)
	}
	return p.writePoolExhausted(w, p.currentExhaustion(), requestID)
}

// sendWithRetries runs the timeout retry loop for one prepared attempt.
// done=false means quota failover: the caller moves to the next account.
func (p *Pipeline) sendWithRetries(
	ctx context.Context,
	w http.ResponseWriter,
	r *http.Request,
	headers http.Header,
	body []byte,
	accountID, requestID string,
	lastSeen **bufferedResponse,
) (status int, done bool) {
	for try := 0; try < maxTimeoutAttempts; try++ {
		if try > 0 {
			select {
			case <-ctx.Done():
				return p.writeProxyError(w, http.StatusBadGateway,
					"client disconnected during retry", requestID), true
			case <-time.After(timeoutRetryDelay):
			}
		}

		resp, err := p.send(ctx, r, headers, body)
		if err != nil {
			if isTimeout(err) {
				if try < maxTimeoutAttempts-1 {
					p.logger.Warn("upstream timeout, retrying",
						zap.String("request_id", requestID),
						zap.Int("attempt", try+1))
					continue
				}
				p.metrics.RecordUpstreamError("timeout")
				return p.writeProxyError(w, http.StatusGatewayTimeout,
					fmt.Sprintf("upstream timeout after %s (%d attempts)", p.timeout, maxTimeoutAttempts),
					requestID), true
			}
			// Connection errors are not retried: the failure mode is not
			// transient in the way a timeout is.
			p.metrics.RecordUpstreamError("connection")
			return p.writeProxyError(w, http.StatusBadGateway,
				"upstream connection failed: "+err.Error(), requestID), true
		}

		if resp.StatusCode < 400 || accountID == "" {
			// Success, or passthrough mode where upstream errors go back
			// verbatim as a stream.
			return p.streamResponse(w, resp), true
		}

		buffered, readErr := bufferResponse(resp)
		if readErr != nil {
			p.metrics.RecordUpstreamError("connection")
			return p.writeProxyError(w, http.StatusBadGateway,
				"failed to read upstream error response: "+readErr.Error(), requestID), true
		}

		c := p.provider.Classify(buffered.status, string(buffered.body))
		p.metrics.RecordUpstreamError(c.String())

		switch c {
		case pool.QuotaExceeded:
			p.provider.ReportError(accountID, c)
			*lastSeen = buffered
			return 0, false
		case pool.Permanent:
			p.provider.ReportError(accountID, c)
			return p.writeBuffered(w, buffered), true
		default:
			// Transient upstream errors pass through; the timeout retry
			// loop is for transport-level timeouts only.
			return p.writeBuffered(w, buffered), true
		}
	}
	// Unreachable: every branch above returns or continues.
	return p.writeProxyError(w, http.StatusBadGateway, "retry loop exhausted", requestID), true
}

// send issues one upstream request.
func (p *Pipeline) send(ctx context.Context, r *http.Request, headers http.Header, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, p.upstreamURL+r.URL.RequestURI(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = headers.Clone()
	return p.client.Do(req)
}

// streamResponse pipes the upstream response to the client, flushing after
// every chunk so SSE events arrive as they are produced.
func (p *Pipeline) streamResponse(w http.ResponseWriter, resp *http.Response) int {
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return resp.StatusCode
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return resp.StatusCode
		}
	}
}

// bufferedResponse holds a fully-read upstream error response. Error bodies
// are small by contract; buffering them lets the pipeline classify and, on
// failover exhaustion, replay the last one.
type bufferedResponse struct {
	status int
	header http.Header
	body   []byte
}

func bufferResponse(resp *http.Response) (*bufferedResponse, error) {
	defer resp.Body.Close()
	body, err := readBounded(resp.Body, MaxBodyBytes)
	if err != nil {
		return nil, err
	}
	return &bufferedResponse{status: resp.StatusCode, header: resp.Header, body: body}, nil
}

// writeBuffered replays an upstream response verbatim. Not a proxy error,
// so errors_total is untouched.
func (p *Pipeline) writeBuffered(w http.ResponseWriter, b *bufferedResponse) int {
	copyResponseHeaders(w.Header(), b.header)
	w.Header().Del("Content-Length")
	w.WriteHeader(b.status)
	_, _ = w.Write(b.body)
	return b.status
}

// currentExhaustion derives pool counts for the exhausted-failover response
// from provider health.
func (p *Pipeline) currentExhaustion() *pool.ExhaustedError {
	h := p.provider.Health()
	ex := &pool.ExhaustedError{}
	if h.Pool != nil {
		ex.Total = h.Pool.AccountsTotal
		ex.Available = h.Pool.AccountsAvailable
		ex.CoolingDown = h.Pool.AccountsCoolingDown
		ex.Disabled = h.Pool.AccountsDisabled
	}
	return ex
}

// filterInboundHeaders copies inbound headers minus the hop-by-hop set,
// Host (the upstream client recomputes it from the URL), and Content-Length
// (body re-serialization may change it). Multi-valued headers are preserved.
func filterInboundHeaders(in http.Header) http.Header {
	out := make(http.Header, len(in))
	for name, values := range in {
		if isHopByHop(name) || strings.EqualFold(name, "Host") || strings.EqualFold(name, "Content-Length") {
			continue
		}
		for _, v := range values {
			out.Add(name, v)
		}
	}
	return out
}

// copyResponseHeaders copies upstream response headers minus hop-by-hop.
func copyResponseHeaders(dst, src http.Header) {
	for name, values := range src {
		if isHopByHop(name) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

// errBodyTooLarge marks a body over the size cap, as opposed to a transport
// failure while reading it.
var errBodyTooLarge = errors.New("body too large")

// readBounded reads at most limit bytes; one byte over fails with
// errBodyTooLarge.
func readBounded(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: exceeds %d bytes", errBodyTooLarge, limit)
	}
	return data, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// newRequestID returns "req_" followed by 32 hex chars.
func newRequestID() string {
	u := uuid.New()
	return "req_" + hex.EncodeToString(u[:])
}
