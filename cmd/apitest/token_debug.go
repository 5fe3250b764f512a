package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"aiclient/internal/auth"

	"github.com/golang-jwt/jwt/v4"
)

// MaskToken replaces most of a token with asterisks for secure display.
// For JWTs the header segment is kept and the rest masked.
func MaskToken(token string) string {
	if token == "" {
		return "[empty token]"
	}

	if len(token) <= 10 {
		return "***" + token[len(token)-3:]
	}

	if parts := strings.Split(token, "."); len(parts) == 3 && len(parts[2]) >= 4 {
		return parts[0] + ".***." + parts[2][:4] + "..."
	}

	return token[:5] + "..." + token[len(token)-5:]
}

// AnalyzeToken reports whether a credential looks like a credential token
// and, when secret is set, whether it verifies.
func AnalyzeToken(token, secret string) string {
	if token == "" {
		return "ERROR: Token is empty"
	}

	result := fmt.Sprintf("Token length: %d\n", len(token))

	if strings.HasPrefix(token, "Bearer ") {
		result += "WARNING: Token starts with 'Bearer ' prefix, which should be added by the code\n"
		token = strings.TrimPrefix(token, "Bearer ")
	}

	claims := &auth.TokenClaims{}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, claims)
	if err != nil {
		result += "WARNING: Token is not a JWT, the proxy may not accept it\n"
		return result
	}
	result += fmt.Sprintf("✓ Token is a JWT signed with %s\n", parsed.Method.Alg())

	if claims.ClientUsername == "" {
		result += "WARNING: Token has no client_username claim\n"
	} else {
		result += fmt.Sprintf("✓ Issued to %s on %s\n", claims.ClientUsername, claims.ClientDevice)
	}

	if claims.ExpiresAt == nil {
		result += "WARNING: Token has no expiry\n"
	} else if remaining := time.Until(claims.ExpiresAt.Time); remaining <= 0 {
		result += fmt.Sprintf("WARNING: Token expired %s ago\n", (-remaining).Round(time.Second))
	} else {
		result += fmt.Sprintf("✓ Token expires in %s\n", remaining.Round(time.Second))
	}

	if secret != "" {
		_, err := auth.ParseCredentialToken(token, secret)
		switch {
		case err == nil:
			result += "✓ Signature verifies with the configured secret\n"
		case errors.Is(err, auth.ErrTokenExpired):
			result += "WARNING: Signature verifies but the token has expired\n"
		default:
			result += "WARNING: Signature does not verify with the configured secret\n"
		}
	}

	return result
}

// DisplayTokenAnalysis prints a masked view of the credential and its analysis.
func DisplayTokenAnalysis(token, secret string) {
	fmt.Println("\n🔍 Token Analysis")
	fmt.Println("----------------------------")
	fmt.Printf("Token format: %s\n", MaskToken(token))
	fmt.Printf("Fingerprint:  %s\n", auth.Fingerprint(token))
	fmt.Print(AnalyzeToken(token, secret))
	fmt.Println("----------------------------")
}
