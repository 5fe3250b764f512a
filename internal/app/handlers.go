package app

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"aiclient/internal/auth"
	"aiclient/internal/llm"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
)

// PromptResponse is the body of a successful /api/prompt call.
type PromptResponse struct {
	Response string    `json:"response"`
	Usage    llm.Usage `json:"usage"`
}

// handleToken issues a signed credential to a caller holding an app API key.
func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	if !auth.VerifyAppAPIKey(r.Header.Get("X-API-Key")) {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if a.Config.Token.Secret == "" {
		writeError(w, http.StatusServiceUnavailable, "Token Issuer Not Configured")
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request")
		return
	}
	var req auth.IssueRequest
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			writeError(w, http.StatusBadRequest, "Bad Request")
			return
		}
	}
	if strings.TrimSpace(req.Username) == "" {
		writeError(w, http.StatusBadRequest, "Bad Request")
		return
	}

	owner := auth.Identity{
		Username: strings.TrimSpace(req.Username),
		DeviceID: strings.TrimSpace(req.Device),
		SourceIP: strings.TrimSpace(req.IP),
	}
	if owner.SourceIP == "" {
		owner.SourceIP = remoteIP(r)
	}

	validity := a.Config.Token.Validity
	if validity <= 0 {
		validity = auth.TokenLifetime
	}
	now := a.now()
	token, err := auth.CreateCredentialToken(owner, a.Config.Token.Secret, now, validity)
	if err != nil {
		log.WithError(err).Error("failed to sign credential")
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	expiresAt, _ := json.Marshal(now.Add(validity).UTC().Format(time.RFC3339))

	log.WithFields(log.Fields{
		"user":       owner.Username,
		"device":     owner.DeviceID,
		"credential": auth.Fingerprint(token),
	}).Info("issued credential")

	writeJSON(w, http.StatusOK, auth.IssueResponse{
		Token:          token,
		ExpiresAt:      expiresAt,
		ClientUsername: owner.Username,
		ClientDevice:   owner.DeviceID,
		ClientIP:       owner.SourceIP,
	})
}

// handlePrompt forwards a proxied prompt to the configured provider.
func (a *App) handlePrompt(w http.ResponseWriter, r *http.Request) {
	if a.Config.Token.Secret == "" && !auth.AuthDisabled() {
		writeError(w, http.StatusServiceUnavailable, "Token Issuer Not Configured")
		return
	}

	claims, err := a.validateToken(r)
	if err != nil {
		SetErrorResponseHeaders(w, err)
		if errors.Is(err, auth.ErrTokenExpired) {
			writeError(w, http.StatusUnauthorized, "Token Expired")
		} else {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
		}
		return
	}

	key := claims.ClientUsername
	if key == "" {
		key = remoteIP(r)
	}
	if err := a.limits.allow(key); err != nil {
		SetErrorResponseHeaders(w, err)
		writeError(w, http.StatusTooManyRequests, "Rate Limit Exceeded")
		return
	}

	var body llm.ProxyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request")
		return
	}
	req := llm.Request{
		Prompt:              body.Prompt,
		WantsStructuredJSON: body.ReturnJsonResponse,
		MaxOutputTokens:     body.MaxTokens,
		Temperature:         body.Temperature,
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "Bad Request")
		return
	}

	direct := a.Config.Direct()
	if !direct.Complete() {
		writeError(w, http.StatusServiceUnavailable, "Upstream Not Configured")
		return
	}

	raw, err := a.Dispatcher.Dispatch(r.Context(), req, llm.DirectTransport(direct))
	if err != nil {
		switch llm.KindOf(err) {
		case llm.KindRateLimited:
			SetErrorResponseHeaders(w, ErrRateLimitExceeded)
			writeError(w, http.StatusTooManyRequests, "Rate Limit Exceeded")
		case llm.KindBadRequest:
			writeError(w, http.StatusBadRequest, "Bad Request")
		default:
			writeError(w, http.StatusBadGateway, "Upstream Failure")
		}
		return
	}

	writeJSON(w, http.StatusOK, PromptResponse{Response: raw.Text, Usage: raw.Usage})
}
