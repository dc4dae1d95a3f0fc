package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenlabs/claude-nexus/internal/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{})
}

func writeCredentialFile(t *testing.T, dir, domain string, cred Credential) string {
	t.Helper()
	data, err := json.Marshal(cred)
	require.NoError(t, err)
	path := filepath.Join(dir, domain+".credentials.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestGetCredentialAPIKey(t *testing.T) {
	dir := t.TempDir()
	writeCredentialFile(t, dir, "team.example.com", Credential{
		Type:      TypeAPIKey,
		AccountID: "acct-1",
		APIKey:    "sk-ant-test",
	})

	m := NewManager(dir, testLogger())
	cred, err := m.GetCredential(context.Background(), "team.example.com:8080")
	require.NoError(t, err)

	assert.Equal(t, TypeAPIKey, cred.Type)
	assert.Equal(t, "acct-1", cred.AccountID)

	h := http.Header{}
	cred.Apply(h)
	assert.Equal(t, "sk-ant-test", h.Get("x-api-key"))
	assert.Empty(t, h.Get("Authorization"))
}

func TestGetCredentialUnmappedDomain(t *testing.T) {
	m := NewManager(t.TempDir(), testLogger())
	_, err := m.GetCredential(context.Background(), "nobody.example.com")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestGetCredentialRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.example.com.credentials.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"oauth"}`), 0o600))

	m := NewManager(dir, testLogger())
	_, err := m.GetCredential(context.Background(), "bad.example.com")
	assert.ErrorContains(t, err, "oauth.refreshToken")
}

func TestOAuthApplySetsBetaHeader(t *testing.T) {
	cred := &Credential{
		Type:  TypeOAuth,
		OAuth: &OAuthToken{AccessToken: "at-1"},
	}

	h := http.Header{}
	cred.Apply(h)
	assert.Equal(t, "Bearer at-1", h.Get("Authorization"))
	assert.Equal(t, "oauth-2025-04-20", h.Get("anthropic-beta"))

	h = http.Header{}
	h.Set("anthropic-beta", "context-1m-2025-08-07")
	cred.Apply(h)
	assert.Equal(t, "oauth-2025-04-20,context-1m-2025-08-07", h.Get("anthropic-beta"))
}

func TestRefreshPersistsNewToken(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req tokenRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "refresh_token", req.GrantType)
		assert.Equal(t, "rt-old", req.RefreshToken)

		json.NewEncoder(w).Encode(tokenResponse{
			AccessToken:  "at-new",
			RefreshToken: "rt-new",
			ExpiresIn:    3600,
		})
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := writeCredentialFile(t, dir, "team.example.com", Credential{
		Type:      TypeOAuth,
		AccountID: "acct-1",
		OAuth: &OAuthToken{
			AccessToken:  "at-old",
			RefreshToken: "rt-old",
			ExpiresAt:    time.Now().Add(10 * time.Second).UnixMilli(),
		},
	})

	m := NewManager(dir, testLogger())
	m.tokenEndpoint = srv.URL

	cred, err := m.GetCredential(context.Background(), "team.example.com")
	require.NoError(t, err)
	assert.Equal(t, "at-new", cred.OAuth.AccessToken)
	assert.Equal(t, "rt-new", cred.OAuth.RefreshToken)
	assert.EqualValues(t, 1, calls.Load())

	// The rotated token is written back to disk.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk Credential
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, "rt-new", onDisk.OAuth.RefreshToken)

	// A fresh token is not refreshed again.
	_, err = m.GetCredential(context.Background(), "team.example.com")
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRefreshSharedAcrossConcurrentRequests(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "at-new", ExpiresIn: 3600})
	}))
	defer srv.Close()

	dir := t.TempDir()
	writeCredentialFile(t, dir, "team.example.com", Credential{
		Type:  TypeOAuth,
		OAuth: &OAuthToken{AccessToken: "at-old", RefreshToken: "rt-1", ExpiresAt: 0},
	})

	m := NewManager(dir, testLogger())
	m.tokenEndpoint = srv.URL

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := m.GetCredential(context.Background(), "team.example.com")
			assert.NoError(t, err)
			assert.Equal(t, "at-new", cred.OAuth.AccessToken)
		}()
	}

	// Let the goroutines pile onto the in-flight refresh.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load(), "concurrent requests should share one refresh")
}

func TestRefreshPermanentFailureNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
	}))
	defer srv.Close()

	dir := t.TempDir()
	writeCredentialFile(t, dir, "team.example.com", Credential{
		Type:  TypeOAuth,
		OAuth: &OAuthToken{RefreshToken: "rt-revoked", ExpiresAt: 0},
	})

	m := NewManager(dir, testLogger())
	m.tokenEndpoint = srv.URL

	_, err := m.GetCredential(context.Background(), "team.example.com")
	require.Error(t, err)
	var rerr *RefreshError
	require.ErrorAs(t, err, &rerr)
	assert.True(t, rerr.Permanent())
	assert.EqualValues(t, 1, calls.Load(), "permanent failures must not be retried")
}

func TestRefreshTransientFailureRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "at-new", ExpiresIn: 3600})
	}))
	defer srv.Close()

	dir := t.TempDir()
	writeCredentialFile(t, dir, "team.example.com", Credential{
		Type:  TypeOAuth,
		OAuth: &OAuthToken{RefreshToken: "rt-1", ExpiresAt: 0},
	})

	m := NewManager(dir, testLogger())
	m.tokenEndpoint = srv.URL

	cred, err := m.GetCredential(context.Background(), "team.example.com")
	require.NoError(t, err)
	assert.Equal(t, "at-new", cred.OAuth.AccessToken)
	assert.EqualValues(t, 3, calls.Load())
}

func TestClientAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	writeCredentialFile(t, dir, "locked.example.com", Credential{
		Type:         TypeAPIKey,
		APIKey:       "sk-ant-test",
		ClientAPIKey: "cnp_live_secret",
	})
	writeCredentialFile(t, dir, "open.example.com", Credential{
		Type:   TypeAPIKey,
		APIKey: "sk-ant-test",
	})

	m := NewManager(dir, testLogger())
	router := gin.New()
	router.Use(m.ClientAuthMiddleware(true))
	router.POST("/v1/messages", func(c *gin.Context) { c.Status(http.StatusOK) })

	cases := []struct {
		name   string
		host   string
		auth   string
		status int
	}{
		{"valid key", "locked.example.com", "Bearer cnp_live_secret", http.StatusOK},
		{"wrong key", "locked.example.com", "Bearer cnp_live_wrong", http.StatusUnauthorized},
		{"missing key", "locked.example.com", "", http.StatusUnauthorized},
		{"no client key configured", "open.example.com", "", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
			req.Host = tc.host
			if tc.auth != "" {
				req.Header.Set("Authorization", tc.auth)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}
