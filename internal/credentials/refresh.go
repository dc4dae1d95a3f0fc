package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/lumenlabs/claude-nexus/internal/metrics"
)

const (
	tokenEndpoint = "https://console.anthropic.com/v1/oauth/token"
	oauthClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"

	refreshAttempts = 3
	refreshBackoff  = 500 * time.Millisecond
)

// ErrNotConfigured means no credential file exists for the domain.
var ErrNotConfigured = errors.New("no credential configured for domain")

// RefreshError is a token endpoint failure. Permanent failures (revoked or
// malformed refresh tokens) are not retried.
type RefreshError struct {
	StatusCode int
	Body       string
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh failed with status %d: %s", e.StatusCode, e.Body)
}

// Permanent reports whether retrying the refresh cannot succeed.
func (e *RefreshError) Permanent() bool {
	return e.StatusCode == http.StatusBadRequest ||
		e.StatusCode == http.StatusUnauthorized ||
		e.StatusCode == http.StatusForbidden
}

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// GetCredential resolves the domain's credential, refreshing the OAuth access
// token first when it is expired or about to expire. The returned value is a
// snapshot; later refreshes do not mutate it.
func (m *Manager) GetCredential(ctx context.Context, domain string) (*Credential, error) {
	cred, err := m.load(domain)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, ErrNotConfigured
	}

	if cred.Type == TypeOAuth {
		m.mu.Lock()
		stale := cred.OAuth.expiresSoon(time.Now())
		m.mu.Unlock()
		if stale {
			if err := m.refresh(ctx, domain, cred); err != nil {
				return nil, err
			}
		}
	}

	m.mu.Lock()
	out := *cred
	if cred.OAuth != nil {
		tok := *cred.OAuth
		out.OAuth = &tok
	}
	m.mu.Unlock()
	return &out, nil
}

// refresh exchanges the refresh token for a new access token. Concurrent
// requests for the same domain share one refresh via singleflight.
func (m *Manager) refresh(ctx context.Context, domain string, cred *Credential) error {
	_, err, _ := m.refreshGroup.Do(domain, func() (any, error) {
		// Another flight may have refreshed while we waited on the group.
		m.mu.Lock()
		fresh := !cred.OAuth.expiresSoon(time.Now())
		refreshToken := cred.OAuth.RefreshToken
		m.mu.Unlock()
		if fresh {
			return nil, nil
		}

		tok, err := m.refreshOnce(ctx, refreshToken)
		if err != nil {
			metrics.CredentialRefreshes.WithLabelValues(domain, "failure").Inc()
			return nil, err
		}

		m.mu.Lock()
		cred.OAuth.AccessToken = tok.AccessToken
		if tok.RefreshToken != "" {
			cred.OAuth.RefreshToken = tok.RefreshToken
		}
		cred.OAuth.ExpiresAt = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second).UnixMilli()
		m.mu.Unlock()

		if err := m.persist(cred); err != nil {
			// The in-memory token is valid; losing the file copy only costs
			// an extra refresh after restart.
			m.log.Warn("failed to persist refreshed credential",
				"domain", domain, "error", err)
		}

		metrics.CredentialRefreshes.WithLabelValues(domain, "success").Inc()
		m.log.Info("refreshed oauth credential",
			"domain", domain,
			"expires_at", time.UnixMilli(cred.OAuth.ExpiresAt))
		return nil, nil
	})
	return err
}

// refreshOnce calls the token endpoint with bounded retries on transient
// failures.
func (m *Manager) refreshOnce(ctx context.Context, refreshToken string) (*tokenResponse, error) {
	var tok *tokenResponse
	err := retry.Do(
		func() error {
			var err error
			tok, err = m.callTokenEndpoint(ctx, refreshToken)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(refreshAttempts),
		retry.Delay(refreshBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var rerr *RefreshError
			if errors.As(err, &rerr) {
				return !rerr.Permanent()
			}
			return true
		}),
	)
	if err != nil {
		return nil, err
	}
	return tok, nil
}

func (m *Manager) callTokenEndpoint(ctx context.Context, refreshToken string) (*tokenResponse, error) {
	endpoint := m.tokenEndpoint
	if endpoint == "" {
		endpoint = tokenEndpoint
	}

	payload, err := json.Marshal(tokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: refreshToken,
		ClientID:     oauthClientID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &RefreshError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	return &tok, nil
}
