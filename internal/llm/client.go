package llm

import (
	"context"
	"fmt"

	"aiclient/internal/auth"
	"aiclient/internal/jsonrepair"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
)

// RepairTemperature is used for repair requests so the model stays close to
// the text it is fixing.
const RepairTemperature = 0.1

const repairInstruction = "The following text was meant to be a single valid JSON object or array but does not parse. " +
	"Return only the corrected JSON with no commentary and no code fences.\n\n"

// Client runs prompts through routing, dispatch and, for structured
// requests, JSON normalization.
type Client struct {
	direct     DirectCredentials
	router     *Router
	dispatcher *Dispatcher
	normalizer *jsonrepair.Normalizer
	repairer   jsonrepair.Repairer
	maxRounds  int
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithDispatcher replaces the dispatcher built from the config.
func WithDispatcher(d *Dispatcher) ClientOption {
	return func(c *Client) { c.dispatcher = d }
}

// WithRepairer replaces the client itself as the JSON repairer.
func WithRepairer(r jsonrepair.Repairer) ClientOption {
	return func(c *Client) { c.repairer = r }
}

// NewIssuer picks the credential issuer described by cfg: a remote issuer
// when a token URL is set, a local signer when a secret is set, else nil.
func NewIssuer(cfg *Config) auth.Issuer {
	switch {
	case cfg.Token.URL != "":
		return auth.NewRemoteIssuer(cfg.Token.URL, cfg.Token.APIKey)
	case cfg.Token.Secret != "":
		issuer := auth.NewLocalIssuer(cfg.Token.Secret)
		if cfg.Token.Validity > 0 {
			issuer.Lifetime = cfg.Token.Validity
		}
		return issuer
	default:
		return nil
	}
}

// NewCredentialManager builds the credential manager for cfg.
func NewCredentialManager(cfg *Config) *auth.Manager {
	m := auth.NewManager(NewIssuer(cfg))
	if cfg.Token.Validity > 0 {
		m.WithDefaultValidity(cfg.Token.Validity)
	}
	return m
}

// NewClient wires a client from cfg. creds may be nil when only direct
// transport is expected.
func NewClient(cfg *Config, creds *auth.Manager, opts ...ClientOption) *Client {
	c := &Client{
		direct:    cfg.Direct(),
		router:    NewRouter(cfg.ProxyURL, creds),
		maxRounds: cfg.MaxRepairRounds,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dispatcher == nil {
		c.dispatcher = NewDispatcher(cfg.DispatcherOptions()...)
	}
	if c.repairer == nil {
		c.repairer = c
	}
	c.normalizer = jsonrepair.NewNormalizer(c.repairer, jsonrepair.WithMaxRepairRounds(c.maxRounds))
	return c
}

// Ask sends req and returns the answer. For structured requests Result.JSON
// holds the normalized JSON; when no JSON could be recovered the error
// matches jsonrepair.ErrJSONRepairExhausted and carries the raw text.
func (c *Client) Ask(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	raw, mode, err := c.dispatch(ctx, req)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Text:     raw.Text,
		Usage:    raw.Usage,
		Mode:     mode,
		Attempts: raw.Attempts,
	}
	if !req.WantsStructuredJSON {
		return res, nil
	}

	normalized, err := c.normalizer.Normalize(ctx, raw.Text)
	if err != nil {
		return nil, err
	}
	res.JSON = json.RawMessage(normalized)
	return res, nil
}

// AskJSON asks for structured output and decodes it into v.
func (c *Client) AskJSON(ctx context.Context, req Request, v any) error {
	req.WantsStructuredJSON = true
	res, err := c.Ask(ctx, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(res.JSON, v); err != nil {
		return fmt.Errorf("failed to decode structured response: %w", err)
	}
	return nil
}

// Repair implements jsonrepair.Repairer by asking the model to fix text.
func (c *Client) Repair(ctx context.Context, text string) (string, error) {
	raw, _, err := c.dispatch(ctx, Request{
		Prompt:              repairInstruction + text,
		WantsStructuredJSON: true,
		Temperature:         RepairTemperature,
	})
	if err != nil {
		return "", err
	}
	return raw.Text, nil
}

// dispatch routes and sends req. A proxied request rejected as unauthorized
// gets one retry with a freshly acquired credential.
func (c *Client) dispatch(ctx context.Context, req Request) (*RawResponse, Mode, error) {
	t, err := c.router.SelectTransport(ctx, c.direct)
	if err != nil {
		return nil, 0, err
	}

	raw, err := c.dispatcher.Dispatch(ctx, req, t)
	if err == nil {
		return raw, t.Mode, nil
	}
	if t.Mode != ModeProxied || KindOf(err) != KindUnauthorized {
		return nil, t.Mode, err
	}

	log.WithField("credential", auth.Fingerprint(t.Credential.Token)).Info("proxy rejected credential, refreshing")
	c.router.Reject(t.Credential)
	t, rerr := c.router.SelectTransport(ctx, c.direct)
	if rerr != nil {
		return nil, ModeProxied, rerr
	}
	raw, err = c.dispatcher.Dispatch(ctx, req, t)
	if err != nil {
		return nil, t.Mode, err
	}
	return raw, t.Mode, nil
}
