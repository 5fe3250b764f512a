package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultMaxAttempts bounds the number of HTTP attempts per Dispatch.
	DefaultMaxAttempts = 3

	maxResponseBytes = 8 << 20
	maxErrorBodyLen  = 512
)

// RetryStrategy selects how the delay between attempts grows.
type RetryStrategy string

const (
	StrategyFixed       RetryStrategy = "fixed"
	StrategyExponential RetryStrategy = "exponential"
)

// RetryPolicy configures the attempt loop.
type RetryPolicy struct {
	MaxAttempts  int
	Strategy     RetryStrategy
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryPolicy is exponential from 1s, doubling, capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  DefaultMaxAttempts,
		Strategy:     StrategyExponential,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
	}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// BackOff builds the delay schedule for the policy. It is never randomised
// and has no elapsed-time limit; MaxAttempts alone ends the loop.
func (p RetryPolicy) BackOff() backoff.BackOff {
	delay := p.InitialDelay
	if delay <= 0 {
		delay = time.Second
	}
	if p.Strategy == StrategyFixed {
		return backoff.NewConstantBackOff(delay)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = delay
	b.RandomizationFactor = 0
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = 30 * time.Second
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// RetryState is reported after every failed attempt that will be retried.
type RetryState struct {
	Attempt      int
	MaxAttempts  int
	LastError    ErrorKind
	BackoffDelay time.Duration
}

func (s RetryState) fields() log.Fields {
	return log.Fields{
		"attempt":      s.Attempt,
		"max_attempts": s.MaxAttempts,
		"kind":         s.LastError.String(),
		"next_delay":   s.BackoffDelay.String(),
	}
}

// TimeoutPolicy derives a per-attempt timeout from the requested output size.
type TimeoutPolicy struct {
	Base              time.Duration
	PerThousandTokens time.Duration
	Max               time.Duration
}

// DefaultTimeoutPolicy returns 30s plus 15s per thousand output tokens, capped at 5m.
func DefaultTimeoutPolicy() TimeoutPolicy {
	return TimeoutPolicy{
		Base:              30 * time.Second,
		PerThousandTokens: 15 * time.Second,
		Max:               5 * time.Minute,
	}
}

// For returns the timeout for one attempt of req.
func (p TimeoutPolicy) For(req Request) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	thousands := (req.maxTokens() + 999) / 1000
	d := p.Base + time.Duration(thousands)*p.PerThousandTokens
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

// Dispatcher sends a request over a transport, retrying transient failures.
type Dispatcher struct {
	httpClient *http.Client
	retry      RetryPolicy
	timeouts   TimeoutPolicy
	newBackOff func() backoff.BackOff
	onRetry    func(RetryState)
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithHTTPClient replaces the HTTP client. Its Timeout should be zero; the
// dispatcher bounds each attempt itself.
func WithHTTPClient(c *http.Client) DispatcherOption {
	return func(d *Dispatcher) { d.httpClient = c }
}

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(p RetryPolicy) DispatcherOption {
	return func(d *Dispatcher) { d.retry = p }
}

// WithTimeoutPolicy sets the per-attempt timeout policy.
func WithTimeoutPolicy(p TimeoutPolicy) DispatcherOption {
	return func(d *Dispatcher) { d.timeouts = p }
}

// WithBackOff overrides the delay schedule built from the retry policy.
// The attempt limit still comes from the policy.
func WithBackOff(f func() backoff.BackOff) DispatcherOption {
	return func(d *Dispatcher) { d.newBackOff = f }
}

// WithRetryObserver registers fn to be called before every retry.
func WithRetryObserver(fn func(RetryState)) DispatcherOption {
	return func(d *Dispatcher) { d.onRetry = fn }
}

// NewDispatcher creates a dispatcher with the default policies.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		httpClient: &http.Client{},
		retry:      DefaultRetryPolicy(),
		timeouts:   DefaultTimeoutPolicy(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.newBackOff == nil {
		d.newBackOff = d.retry.BackOff
	}
	return d
}

// Dispatch performs up to MaxAttempts attempts. Rate-limited, bad-request
// and unauthorized answers end the loop after the attempt that produced them.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, t Transport) (*RawResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	endpoint, body, err := encodeRequest(req, t)
	if err != nil {
		return nil, err
	}

	maxAttempts := d.retry.attempts()
	var (
		attempts int
		last     *attemptError
		out      *RawResponse
	)

	operation := func() error {
		attempts++
		resp, aerr := d.attempt(ctx, req, t, endpoint, body)
		if aerr != nil {
			last = aerr
			if !aerr.kind.Retryable() {
				return backoff.Permanent(aerr)
			}
			return aerr
		}
		out = resp
		return nil
	}

	notify := func(err error, next time.Duration) {
		state := RetryState{
			Attempt:      attempts,
			MaxAttempts:  maxAttempts,
			LastError:    KindOf(err),
			BackoffDelay: next,
		}
		log.WithFields(state.fields()).WithField("mode", t.Mode.String()).Warnf("attempt failed, retrying: %v", err)
		if d.onRetry != nil {
			d.onRetry(state)
		}
	}

	b := backoff.WithContext(backoff.WithMaxRetries(d.newBackOff(), uint64(maxAttempts-1)), ctx)
	if err := backoff.RetryNotify(operation, b, notify); err == nil {
		out.Attempts = attempts
		return out, nil
	}

	var cause error = last
	if cerr := ctx.Err(); cerr != nil && !errors.Is(last, cerr) {
		cause = fmt.Errorf("%w: last attempt: %w", cerr, last)
	}
	derr := &DispatchError{
		Kind:       last.kind,
		Attempts:   attempts,
		StatusCode: last.status,
		Body:       last.body,
		Err:        cause,
	}
	log.WithFields(log.Fields{
		"kind":     derr.Kind.String(),
		"attempts": attempts,
		"status":   derr.StatusCode,
		"mode":     t.Mode.String(),
	}).Error("dispatch failed")
	return nil, derr
}

func (d *Dispatcher) attempt(ctx context.Context, req Request, t Transport, endpoint string, body []byte) (*RawResponse, *attemptError) {
	if err := ctx.Err(); err != nil {
		return nil, callerDone(err)
	}

	actx, cancel := context.WithTimeout(ctx, d.timeouts.For(req))
	defer cancel()

	httpReq, err := newHTTPRequest(actx, endpoint, body, t)
	if err != nil {
		return nil, &attemptError{kind: KindBadRequest, err: err}
	}
	requestID := uuid.New().String()
	httpReq.Header.Set("X-Request-ID", requestID)

	logger := log.WithFields(log.Fields{"request_id": requestID, "mode": t.Mode.String()})
	start := time.Now()

	resp, err := d.httpClient.Do(httpReq)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, callerDone(cerr)
		}
		if isTimeout(actx, err) {
			return nil, &attemptError{kind: KindTimeout, err: fmt.Errorf("request timed out: %w", err)}
		}
		return nil, &attemptError{kind: KindTransport, err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if isTimeout(actx, err) {
			return nil, &attemptError{kind: KindTimeout, status: resp.StatusCode, err: fmt.Errorf("reading response timed out: %w", err)}
		}
		return nil, &attemptError{kind: KindTransport, status: resp.StatusCode, err: fmt.Errorf("failed to read response: %w", err)}
	}

	logger.WithFields(log.Fields{
		"status":   resp.StatusCode,
		"duration": time.Since(start).Round(time.Millisecond).String(),
	}).Debug("provider responded")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind := classifyStatus(resp.StatusCode)
		if msg, ok := proxyError(respBody); ok && t.Mode == ModeProxied && kind == KindUpstream {
			kind = classifyProxyError(msg)
		}
		return nil, &attemptError{kind: kind, status: resp.StatusCode, body: truncate(string(respBody), maxErrorBodyLen)}
	}

	if t.Mode == ModeProxied {
		if msg, ok := proxyError(respBody); ok {
			return nil, &attemptError{
				kind:   classifyProxyError(msg),
				status: resp.StatusCode,
				body:   truncate(msg, maxErrorBodyLen),
				err:    fmt.Errorf("proxy error: %s", msg),
			}
		}
	}

	text, usage, err := decodeResponse(t, respBody)
	if err != nil {
		return nil, &attemptError{kind: KindUpstream, status: resp.StatusCode, body: truncate(string(respBody), maxErrorBodyLen), err: err}
	}
	return &RawResponse{Text: text, Usage: usage, Body: respBody}, nil
}

// classifyStatus maps a non-2xx status to a kind.
func classifyStatus(code int) ErrorKind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return KindUnauthorized
	case code >= 400 && code < 500:
		return KindBadRequest
	default:
		return KindUpstream
	}
}

func callerDone(err error) *attemptError {
	kind := KindTransport
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	// backoff.WithContext stops the loop once the caller's context is done.
	return &attemptError{kind: kind, err: err}
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
