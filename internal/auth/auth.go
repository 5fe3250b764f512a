// Package auth acquires, caches and verifies the bearer credentials used to
// talk to the AI proxy.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"os"
	"strings"

	"aiclient/pkg/utils"

	log "github.com/sirupsen/logrus"
)

// AuthDisabled reports whether DISABLE_AUTH turns off API key checks.
func AuthDisabled() bool {
	disableAuth := os.Getenv("DISABLE_AUTH")
	return disableAuth == "true" || disableAuth == "1"
}

// VerifyAppAPIKey checks if the provided API key may request credentials
// from this application's token endpoint.
//
// Keys are compared against the comma-separated VALID_API_KEYS environment
// variable. When DISABLE_AUTH is "true" or "1" every key is accepted.
func VerifyAppAPIKey(apiKey string) bool {
	if AuthDisabled() {
		log.Debug("authorization is disabled, accepting all API keys")
		return true
	}

	validKeys := os.Getenv("VALID_API_KEYS")
	if validKeys == "" {
		log.Warn("no valid API keys configured in environment")
		return false
	}
	if apiKey == "" {
		return false
	}

	log.Debugf("validating API key %s", utils.MaskToken(apiKey))

	for _, key := range strings.Split(validKeys, ",") {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(trimmedKey)) == 1 {
			return true
		}
	}

	return false
}

// Fingerprint returns a short stable digest of a token, safe to log.
func Fingerprint(token string) string {
	if token == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(token))
	return "sha256:" + base64.RawURLEncoding.EncodeToString(hash[:])[:12]
}
