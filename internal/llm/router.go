package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"aiclient/internal/auth"

	log "github.com/sirupsen/logrus"
)

// Provider identifies a direct provider API shape.
type Provider string

const (
	ProviderAzureOpenAI Provider = "azure-openai"
	ProviderOpenAI      Provider = "openai"
	ProviderPerplexity  Provider = "perplexity"
	ProviderGemini      Provider = "gemini"
)

// Mode is how a request reaches the model.
type Mode int

const (
	// ModeDirect calls the provider with provider-issued keys.
	ModeDirect Mode = iota + 1
	// ModeProxied calls the hosted proxy with a bearer credential.
	ModeProxied
)

func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModeProxied:
		return "proxied"
	default:
		return "unknown"
	}
}

// DirectCredentials are the provider settings available to this process.
type DirectCredentials struct {
	Provider   Provider
	APIKey     string
	Endpoint   string
	Deployment string
	Model      string
	APIVersion string
}

// RequiredFields returns the settings the provider cannot work without,
// keyed by name. An unknown provider has no usable direct mode and yields nil.
func (d DirectCredentials) RequiredFields() map[string]string {
	switch d.Provider {
	case ProviderAzureOpenAI:
		return map[string]string{"api-key": d.APIKey, "endpoint": d.Endpoint, "deployment": d.Deployment}
	case ProviderOpenAI, ProviderPerplexity, ProviderGemini:
		return map[string]string{"api-key": d.APIKey, "model": d.Model}
	default:
		return nil
	}
}

// Missing lists the required fields that are empty.
func (d DirectCredentials) Missing() []string {
	required := d.RequiredFields()
	if required == nil {
		return []string{"provider"}
	}
	var missing []string
	for name, value := range required {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// Complete reports whether every required field is present.
func (d DirectCredentials) Complete() bool {
	return len(d.Missing()) == 0
}

// Transport is the outcome of routing: either a direct provider call or a
// proxied call carrying a credential.
type Transport struct {
	Mode Mode

	// Direct
	Provider   Provider
	Endpoint   string
	APIKey     string
	Deployment string
	Model      string
	APIVersion string

	// Proxied
	ProxyURL   string
	Credential *auth.Credential
}

// DirectTransport builds a direct transport from complete credentials.
func DirectTransport(d DirectCredentials) Transport {
	return Transport{
		Mode:       ModeDirect,
		Provider:   d.Provider,
		Endpoint:   strings.TrimSpace(d.Endpoint),
		APIKey:     strings.TrimSpace(d.APIKey),
		Deployment: strings.TrimSpace(d.Deployment),
		Model:      strings.TrimSpace(d.Model),
		APIVersion: strings.TrimSpace(d.APIVersion),
	}
}

// Router picks between direct and proxied transport.
type Router struct {
	proxyURL string
	creds    *auth.Manager
}

// NewRouter creates a router that proxies through proxyURL using creds.
func NewRouter(proxyURL string, creds *auth.Manager) *Router {
	return &Router{proxyURL: proxyURL, creds: creds}
}

// SelectTransport returns a direct transport only when all of the provider's
// required credentials are present. Otherwise it fetches a bearer credential
// and returns a proxied transport.
func (r *Router) SelectTransport(ctx context.Context, direct DirectCredentials) (Transport, error) {
	missing := direct.Missing()
	if len(missing) == 0 {
		return DirectTransport(direct), nil
	}

	log.WithField("missing", strings.Join(missing, ",")).Debug("direct credentials incomplete, using proxy")

	if r.proxyURL == "" {
		return Transport{}, fmt.Errorf("%w: direct credentials incomplete (missing %s)", ErrProxyNotConfigured, strings.Join(missing, ", "))
	}
	if r.creds == nil {
		return Transport{}, fmt.Errorf("%w: %w", auth.ErrCredentialAcquisitionFailed, auth.ErrNoIssuer)
	}

	cred, err := r.creds.GetCredential(ctx, false)
	if err != nil {
		return Transport{}, err
	}
	return Transport{
		Mode:       ModeProxied,
		ProxyURL:   r.proxyURL,
		Credential: cred,
	}, nil
}

// Reject drops a credential the proxy refused so the next SelectTransport
// acquires a new one. A credential another caller already replaced is kept.
func (r *Router) Reject(cred *auth.Credential) {
	if r.creds == nil || cred == nil {
		return
	}
	if r.creds.Cached() == cred {
		r.creds.Invalidate()
	}
}
