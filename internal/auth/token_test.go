package auth

import (
	"errors"
	"testing"
	"time"
)

func TestCredentialTokenRoundTrip(t *testing.T) {
	owner := Identity{Username: "alice", DeviceID: "laptop-1", SourceIP: "10.0.0.7"}
	now := time.Now()

	token, err := CreateCredentialToken(owner, "secret", now, time.Hour)
	if err != nil {
		t.Fatalf("CreateCredentialToken() error = %v", err)
	}

	claims, err := ParseCredentialToken(token, "secret")
	if err != nil {
		t.Fatalf("ParseCredentialToken() error = %v", err)
	}
	if got := claims.Identity(); got != owner {
		t.Errorf("Identity() = %+v, want %+v", got, owner)
	}
	if claims.ID == "" {
		t.Error("token should carry a unique ID")
	}
	if got := claims.ExpiresAt.Time.Unix(); got != now.Add(time.Hour).Unix() {
		t.Errorf("ExpiresAt = %d, want %d", got, now.Add(time.Hour).Unix())
	}
}

func TestParseCredentialTokenErrors(t *testing.T) {
	owner := Identity{Username: "bob"}
	valid, _ := CreateCredentialToken(owner, "secret", time.Now(), time.Hour)
	expired, _ := CreateCredentialToken(owner, "secret", time.Now().Add(-2*time.Hour), time.Hour)

	tests := []struct {
		name    string
		token   string
		secret  string
		wantErr error
	}{
		{name: "wrong secret", token: valid, secret: "other", wantErr: ErrInvalidToken},
		{name: "expired", token: expired, secret: "secret", wantErr: ErrTokenExpired},
		{name: "garbage", token: "not.a.jwt", secret: "secret", wantErr: ErrInvalidToken},
		{name: "empty", token: "", secret: "secret", wantErr: ErrInvalidToken},
		{name: "empty secret", token: valid, secret: "", wantErr: ErrMissingSecret},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCredentialToken(tt.token, tt.secret)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ParseCredentialToken() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCreateCredentialTokenNeedsSecret(t *testing.T) {
	if _, err := CreateCredentialToken(Identity{}, "", time.Now(), time.Hour); !errors.Is(err, ErrMissingSecret) {
		t.Errorf("CreateCredentialToken() error = %v, want %v", err, ErrMissingSecret)
	}
}
