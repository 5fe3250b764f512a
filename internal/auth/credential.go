package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

const (
	// DefaultValidity is used when an issuer returns an expiry that cannot be parsed.
	DefaultValidity = 24 * time.Hour
)

var (
	// ErrCredentialAcquisitionFailed is returned when no credential could be obtained
	ErrCredentialAcquisitionFailed = errors.New("credential acquisition failed")

	// ErrNoIssuer is returned when the manager has no issuer configured
	ErrNoIssuer = errors.New("no credential issuer configured")
)

// Identity describes who a credential was issued to. It is descriptive
// metadata bound into the token, not an authorization decision.
type Identity struct {
	Username string `json:"username"`
	DeviceID string `json:"device"`
	SourceIP string `json:"ip"`
}

// Credential is a bearer value with a known lifetime. Values are never
// mutated after creation; a refresh swaps in a new one.
type Credential struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Owner     Identity
}

// Valid reports whether the credential can still be used at now.
func (c *Credential) Valid(now time.Time) bool {
	return c != nil && c.Token != "" && now.Before(c.ExpiresAt)
}

// Grant is what an Issuer hands back. ExpiresAt is kept as the raw text the
// issuer produced; the Manager decides how to interpret it.
type Grant struct {
	Token     string
	ExpiresAt string
	Owner     Identity
}

// Issuer produces fresh credentials.
type Issuer interface {
	Issue(ctx context.Context) (*Grant, error)
}

// IssuerFunc adapts a function to the Issuer interface.
type IssuerFunc func(ctx context.Context) (*Grant, error)

// Issue calls f.
func (f IssuerFunc) Issue(ctx context.Context) (*Grant, error) { return f(ctx) }

// Manager caches a single credential for the lifetime of the process and
// acquires a new one from its Issuer when the cached one expires.
type Manager struct {
	issuer          Issuer
	defaultValidity time.Duration

	clockMu sync.RWMutex
	now     func() time.Time

	// acquireMu serialises calls to the issuer. Readers never take it.
	acquireMu sync.Mutex
	current   atomic.Pointer[Credential]
}

// NewManager creates a credential manager backed by issuer.
func NewManager(issuer Issuer) *Manager {
	return &Manager{
		issuer:          issuer,
		defaultValidity: DefaultValidity,
		now:             time.Now,
	}
}

// WithClock replaces the time source. Used by tests to move time forward.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.clockMu.Lock()
	m.now = now
	m.clockMu.Unlock()
	return m
}

// WithDefaultValidity sets the lifetime applied when an expiry cannot be parsed.
func (m *Manager) WithDefaultValidity(d time.Duration) *Manager {
	if d > 0 {
		m.defaultValidity = d
	}
	return m
}

func (m *Manager) clock() time.Time {
	m.clockMu.RLock()
	defer m.clockMu.RUnlock()
	return m.now()
}

// Cached returns the cached credential without acquiring, or nil.
func (m *Manager) Cached() *Credential {
	return m.current.Load()
}

// Invalidate drops the cached credential so the next call acquires a new one.
func (m *Manager) Invalidate() {
	m.current.Store(nil)
}

// GetCredential returns the cached credential when it is still valid, or
// acquires a new one. forceRefresh skips the cache.
func (m *Manager) GetCredential(ctx context.Context, forceRefresh bool) (*Credential, error) {
	if !forceRefresh {
		if cred := m.current.Load(); cred.Valid(m.clock()) {
			return cred, nil
		}
	}

	m.acquireMu.Lock()
	defer m.acquireMu.Unlock()

	// Another caller may have refreshed while we waited for the lock.
	if !forceRefresh {
		if cred := m.current.Load(); cred.Valid(m.clock()) {
			return cred, nil
		}
	}

	cred, err := m.acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentialAcquisitionFailed, err)
	}
	m.current.Store(cred)

	log.WithFields(log.Fields{
		"fingerprint": Fingerprint(cred.Token),
		"expires_at":  cred.ExpiresAt.Format(time.RFC3339),
		"user":        cred.Owner.Username,
	}).Debug("acquired new credential")
	return cred, nil
}

func (m *Manager) acquire(ctx context.Context) (*Credential, error) {
	if m.issuer == nil {
		return nil, ErrNoIssuer
	}

	grant, err := m.issuer.Issue(ctx)
	if err != nil {
		return nil, err
	}
	if grant == nil || strings.TrimSpace(grant.Token) == "" {
		return nil, errors.New("issuer returned an empty token")
	}

	issuedAt := m.clock()
	expiresAt, ok := ParseExpiry(grant.ExpiresAt)
	if !ok {
		if grant.ExpiresAt != "" {
			log.Warnf("could not parse credential expiry %q, assuming %s validity", grant.ExpiresAt, m.defaultValidity)
		}
		expiresAt = issuedAt.Add(m.defaultValidity)
	}
	if !expiresAt.After(issuedAt) {
		return nil, fmt.Errorf("issuer returned a credential that expired at %s", expiresAt.Format(time.RFC3339))
	}

	return &Credential{
		Token:     grant.Token,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
		Owner:     grant.Owner,
	}, nil
}

// Token implements oauth2.TokenSource on top of the cached credential.
func (m *Manager) Token() (*oauth2.Token, error) {
	cred, err := m.GetCredential(context.Background(), false)
	if err != nil {
		return nil, err
	}
	return OAuth2Token(cred), nil
}

// OAuth2Token converts a credential into a bearer oauth2.Token.
func OAuth2Token(cred *Credential) *oauth2.Token {
	return &oauth2.Token{
		AccessToken: cred.Token,
		TokenType:   "Bearer",
		Expiry:      cred.ExpiresAt,
	}
}

var expiryLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"1/2/2006 3:04:05 PM",
}

// ParseExpiry interprets an expiry as a timestamp string or as unix
// seconds/milliseconds. Layouts without a zone are read as UTC.
func ParseExpiry(raw string) (time.Time, bool) {
	raw = strings.Trim(strings.TrimSpace(raw), `"'`)
	if raw == "" {
		return time.Time{}, false
	}

	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n <= 0 {
			return time.Time{}, false
		}
		// Anything past year 33658 in seconds is really milliseconds.
		if n > 1e12 {
			return time.UnixMilli(n), true
		}
		return time.Unix(n, 0), true
	}

	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
