package auth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"aiclient/pkg/utils"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
)

// TokenLifetime is how long locally derived credentials stay valid.
const TokenLifetime = 24 * time.Hour

// DiscoverIdentity reads the current user, device and outbound address.
func DiscoverIdentity() (Identity, error) {
	id, err := utils.DiscoverMachineIdentity()
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		Username: id.Username,
		DeviceID: id.DeviceID,
		SourceIP: id.SourceIP,
	}, nil
}

// LocalIssuer derives a credential from the machine identity and signs it
// with a shared secret known to the proxy.
type LocalIssuer struct {
	Secret   string
	Lifetime time.Duration
	Identify func() (Identity, error)
	Now      func() time.Time
}

// NewLocalIssuer creates a LocalIssuer with the default identity discovery.
func NewLocalIssuer(secret string) *LocalIssuer {
	return &LocalIssuer{
		Secret:   secret,
		Lifetime: TokenLifetime,
		Identify: DiscoverIdentity,
		Now:      time.Now,
	}
}

// Issue implements Issuer.
func (i *LocalIssuer) Issue(_ context.Context) (*Grant, error) {
	if i.Secret == "" {
		return nil, ErrMissingSecret
	}

	identify := i.Identify
	if identify == nil {
		identify = DiscoverIdentity
	}
	owner, err := identify()
	if err != nil {
		return nil, fmt.Errorf("failed to determine client identity: %w", err)
	}

	now := time.Now()
	if i.Now != nil {
		now = i.Now()
	}
	lifetime := i.Lifetime
	if lifetime <= 0 {
		lifetime = TokenLifetime
	}

	token, err := CreateCredentialToken(owner, i.Secret, now, lifetime)
	if err != nil {
		return nil, fmt.Errorf("failed to sign credential: %w", err)
	}

	return &Grant{
		Token:     token,
		ExpiresAt: now.Add(lifetime).UTC().Format(time.RFC3339),
		Owner:     owner,
	}, nil
}

// IssueRequest is the body sent to a remote token issuer.
type IssueRequest struct {
	Username string `json:"username"`
	Device   string `json:"device"`
	IP       string `json:"ip,omitempty"`
}

// IssueResponse is the fixed schema a remote token issuer must answer with.
// ExpiresAt may be a string timestamp or a unix number.
type IssueResponse struct {
	Token          string          `json:"token"`
	ExpiresAt      json.RawMessage `json:"expiresAt"`
	ClientUsername string          `json:"clientUsername"`
	ClientDevice   string          `json:"clientDevice"`
	ClientIP       string          `json:"clientIp"`
}

// RemoteIssuer obtains credentials from a token-issuing HTTP service.
type RemoteIssuer struct {
	URL        string
	APIKey     string
	HTTPClient *http.Client
	Identify   func() (Identity, error)
}

// NewRemoteIssuer creates a RemoteIssuer for url.
func NewRemoteIssuer(url, apiKey string) *RemoteIssuer {
	return &RemoteIssuer{
		URL:        url,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Identify:   DiscoverIdentity,
	}
}

// Issue implements Issuer.
func (i *RemoteIssuer) Issue(ctx context.Context) (*Grant, error) {
	if i.URL == "" {
		return nil, fmt.Errorf("token issuer URL not configured")
	}

	var owner Identity
	if i.Identify != nil {
		id, err := i.Identify()
		if err != nil {
			log.Warnf("could not determine client identity, issuer will fill it in: %v", err)
		} else {
			owner = id
		}
	}

	body, err := json.Marshal(IssueRequest{
		Username: owner.Username,
		Device:   owner.DeviceID,
		IP:       owner.SourceIP,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if i.APIKey != "" {
		req.Header.Set("X-API-Key", i.APIKey)
	}

	client := i.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("token issuer: close response body error: %v", errClose)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("token issuer returned %s - %s", resp.Status, strings.TrimSpace(string(raw)))
	}

	var issued IssueResponse
	if err := json.Unmarshal(raw, &issued); err != nil {
		return nil, fmt.Errorf("token issuer returned an unexpected payload: %w", err)
	}
	if strings.TrimSpace(issued.Token) == "" {
		return nil, fmt.Errorf("token issuer returned no token")
	}

	granted := Identity{
		Username: issued.ClientUsername,
		DeviceID: issued.ClientDevice,
		SourceIP: issued.ClientIP,
	}
	if granted == (Identity{}) {
		granted = owner
	}

	return &Grant{
		Token:     issued.Token,
		ExpiresAt: string(issued.ExpiresAt),
		Owner:     granted,
	}, nil
}
