// Package utils provides environment, masking and machine identity helpers
// shared by the client and the reference proxy.
package utils

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnvWithDefault retrieves an environment variable or returns a default value if not set.
//
// Surrounding quotes, which often survive from .env files, are removed.
func GetEnvWithDefault(name, defaultValue string) string {
	value := strings.Trim(strings.TrimSpace(os.Getenv(name)), `'"`)
	if value == "" {
		return defaultValue
	}
	return value
}

// GetEnvInt reads an integer environment variable, returning defaultValue
// when it is unset or malformed.
func GetEnvInt(name string, defaultValue int) int {
	value := GetEnvWithDefault(name, "")
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

// GetEnvDuration reads a duration such as "90s" or "2m". A bare number is
// taken as seconds.
func GetEnvDuration(name string, defaultValue time.Duration) time.Duration {
	value := GetEnvWithDefault(name, "")
	if value == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

// MaskToken masks a token for display by showing only the first and last few characters
func MaskToken(token string) string {
	if len(token) < 10 {
		return "***" // Too short to safely show anything
	}
	return token[:4] + "..." + token[len(token)-4:]
}
