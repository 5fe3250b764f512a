package llm

import (
	"errors"
	"fmt"
	"strings"

	"aiclient/internal/auth"
	"aiclient/internal/jsonrepair"
)

var (
	// ErrDispatchFailed is matched by every error returned from Dispatch
	ErrDispatchFailed = errors.New("dispatch failed")

	// ErrInvalidRequest is returned when a request fails validation
	ErrInvalidRequest = errors.New("invalid request")

	// ErrProxyNotConfigured is returned when proxied transport is needed but no proxy URL is set
	ErrProxyNotConfigured = errors.New("proxy URL not configured")
)

// ErrorKind classifies a failed attempt.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	// KindTimeout is a per-attempt deadline expiry.
	KindTimeout
	// KindTransport is a connection level failure.
	KindTransport
	// KindUpstream is a 5xx or an unusable success body.
	KindUpstream
	// KindRateLimited is a 429 or a proxy "Rate Limit Exceeded".
	KindRateLimited
	// KindBadRequest is a 400 (or other rejecting 4xx).
	KindBadRequest
	// KindUnauthorized is a 401 or 403.
	KindUnauthorized
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport"
	case KindUpstream:
		return "upstream"
	case KindRateLimited:
		return "rate_limited"
	case KindBadRequest:
		return "bad_request"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Retryable reports whether another attempt could change the outcome.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTimeout, KindTransport, KindUpstream:
		return true
	default:
		return false
	}
}

// DispatchError describes why Dispatch gave up.
type DispatchError struct {
	Kind       ErrorKind
	Attempts   int
	StatusCode int
	// Body is the upstream error body, truncated.
	Body string
	Err  error
}

func (e *DispatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "dispatch failed after %d attempt(s): %s", e.Attempts, e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrDispatchFailed) match any DispatchError.
func (e *DispatchError) Is(target error) bool { return target == ErrDispatchFailed }

// attemptError is the error produced by a single attempt.
type attemptError struct {
	kind   ErrorKind
	status int
	body   string
	err    error
}

func (e *attemptError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	if e.body != "" {
		return fmt.Sprintf("status %d: %s", e.status, e.body)
	}
	return fmt.Sprintf("status %d", e.status)
}

func (e *attemptError) Unwrap() error { return e.err }

// KindOf returns the ErrorKind carried by err, or KindNone.
func KindOf(err error) ErrorKind {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Kind
	}
	var ae *attemptError
	if errors.As(err, &ae) {
		return ae.kind
	}
	return KindNone
}

// Remediation names what a caller should do about err.
type Remediation string

const (
	RemediationNone                 Remediation = ""
	RemediationWait                 Remediation = "wait"
	RemediationRegenerateCredential Remediation = "regenerate-credential"
	RemediationTreatAsText          Remediation = "treat-as-text"
	RemediationFixRequest           Remediation = "fix-request"
	RemediationRetryLater           Remediation = "retry-later"
)

// RemediationFor maps an error returned by the client to a remediation.
func RemediationFor(err error) Remediation {
	switch {
	case err == nil:
		return RemediationNone
	case errors.Is(err, auth.ErrCredentialAcquisitionFailed):
		return RemediationRegenerateCredential
	case errors.Is(err, jsonrepair.ErrJSONRepairExhausted):
		return RemediationTreatAsText
	case errors.Is(err, ErrInvalidRequest):
		return RemediationFixRequest
	}

	switch KindOf(err) {
	case KindRateLimited:
		return RemediationWait
	case KindUnauthorized:
		return RemediationRegenerateCredential
	case KindBadRequest:
		return RemediationFixRequest
	default:
		return RemediationRetryLater
	}
}
