package app

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"

	"aiclient/internal/auth"

	"golang.org/x/time/rate"
)

var (
	// ErrRateLimitExceeded is returned when a client exceeds its request budget
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	errMissingBearer = errors.New("invalid or missing authorization header")
)

// rateLimiter hands out one token bucket per username.
type rateLimiter struct {
	mu       sync.Mutex
	perMin   int
	limiters map[string]*rate.Limiter
}

func newRateLimiter(perMinute int) *rateLimiter {
	if perMinute < 1 {
		perMinute = 1
	}
	return &rateLimiter{perMin: perMinute, limiters: make(map[string]*rate.Limiter)}
}

func (l *rateLimiter) allow(key string) error {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(l.perMin)/60), l.perMin)
		l.limiters[key] = lim
	}
	l.mu.Unlock()

	if !lim.Allow() {
		return ErrRateLimitExceeded
	}
	return nil
}

// SetErrorResponseHeaders sets the appropriate headers for error responses
func SetErrorResponseHeaders(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrRateLimitExceeded):
		w.Header().Set("Retry-After", "60")
	case errors.Is(err, auth.ErrTokenExpired):
		w.Header().Set("X-Token-Expired", "true")
	}
}

// validateToken extracts and validates the bearer credential from a request.
func (a *App) validateToken(r *http.Request) (*auth.TokenClaims, error) {
	if auth.AuthDisabled() {
		return &auth.TokenClaims{ClientUsername: "disabled-auth-user"}, nil
	}

	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return nil, errMissingBearer
	}
	return auth.ParseCredentialToken(strings.TrimSpace(token), a.Config.Token.Secret)
}

// remoteIP returns the caller address, preferring the first X-Forwarded-For hop.
func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
