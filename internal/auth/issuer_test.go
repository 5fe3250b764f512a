package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticIdentity() (Identity, error) {
	return Identity{Username: "alice", DeviceID: "dev-1", SourceIP: "10.1.2.3"}, nil
}

func TestLocalIssuer(t *testing.T) {
	now := time.Date(2030, 5, 1, 8, 0, 0, 0, time.UTC)
	issuer := &LocalIssuer{
		Secret:   "shared",
		Lifetime: 2 * time.Hour,
		Identify: staticIdentity,
		Now:      func() time.Time { return now },
	}

	grant, err := issuer.Issue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2030-05-01T10:00:00Z", grant.ExpiresAt)
	assert.Equal(t, "alice", grant.Owner.Username)

	// Signed with the real clock so the token still verifies.
	current := &LocalIssuer{Secret: "shared", Identify: staticIdentity}
	grant, err = current.Issue(context.Background())
	require.NoError(t, err)
	claims, err := ParseCredentialToken(grant.Token, "shared")
	require.NoError(t, err)
	assert.Equal(t, "dev-1", claims.ClientDevice)
	assert.Equal(t, "10.1.2.3", claims.ClientIP)
}

func TestLocalIssuerErrors(t *testing.T) {
	_, err := (&LocalIssuer{Identify: staticIdentity}).Issue(context.Background())
	assert.ErrorIs(t, err, ErrMissingSecret)

	failing := &LocalIssuer{Secret: "s", Identify: func() (Identity, error) { return Identity{}, errors.New("no user") }}
	_, err = failing.Issue(context.Background())
	assert.ErrorContains(t, err, "no user")
}

func TestRemoteIssuer(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		reply      string
		wantErr    bool
		wantExpiry string
		wantOwner  Identity
	}{
		{
			name:       "string expiry",
			status:     http.StatusOK,
			reply:      `{"token":"abc","expiresAt":"2030-01-01T00:00:00Z","clientUsername":"srv-alice","clientDevice":"d","clientIp":"1.1.1.1"}`,
			wantExpiry: `"2030-01-01T00:00:00Z"`,
			wantOwner:  Identity{Username: "srv-alice", DeviceID: "d", SourceIP: "1.1.1.1"},
		},
		{
			name:       "numeric expiry keeps local identity",
			status:     http.StatusOK,
			reply:      `{"token":"abc","expiresAt":1893456000}`,
			wantExpiry: "1893456000",
			wantOwner:  Identity{Username: "alice", DeviceID: "dev-1", SourceIP: "10.1.2.3"},
		},
		{name: "server error", status: http.StatusInternalServerError, reply: `{"Error":"boom"}`, wantErr: true},
		{name: "unauthorized", status: http.StatusUnauthorized, reply: `{"Error":"Unauthorized"}`, wantErr: true},
		{name: "empty token", status: http.StatusOK, reply: `{"token":""}`, wantErr: true},
		{name: "not json", status: http.StatusOK, reply: `<html>`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got IssueRequest
			var apiKey string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				apiKey = r.Header.Get("X-API-Key")
				_ = json.NewDecoder(r.Body).Decode(&got)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.reply))
			}))
			defer srv.Close()

			issuer := NewRemoteIssuer(srv.URL, "app-key")
			issuer.Identify = staticIdentity

			grant, err := issuer.Issue(context.Background())
			assert.Equal(t, "app-key", apiKey)
			assert.Equal(t, IssueRequest{Username: "alice", Device: "dev-1", IP: "10.1.2.3"}, got)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "abc", grant.Token)
			assert.Equal(t, tt.wantExpiry, grant.ExpiresAt)
			assert.Equal(t, tt.wantOwner, grant.Owner)

			_, ok := ParseExpiry(grant.ExpiresAt)
			assert.True(t, ok)
		})
	}
}

func TestRemoteIssuerThroughManager(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"token":"remote-token","expiresAt":"2099-01-01T00:00:00Z"}`))
	}))
	defer srv.Close()

	issuer := NewRemoteIssuer(srv.URL, "")
	issuer.Identify = staticIdentity

	cred, err := NewManager(issuer).GetCredential(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "remote-token", cred.Token)
	assert.Equal(t, time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC), cred.ExpiresAt.UTC())
}
