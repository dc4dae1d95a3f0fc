// Package credentials resolves per-domain upstream credentials from disk and
// keeps OAuth access tokens fresh.
package credentials

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lumenlabs/claude-nexus/internal/logger"
)

// Credential types.
const (
	TypeAPIKey = "api_key"
	TypeOAuth  = "oauth"
)

// oauthBetaHeader must accompany Bearer-token requests to the Messages API.
const oauthBetaHeader = "oauth-2025-04-20"

// refreshSkew refreshes tokens this close to expiry instead of racing it.
const refreshSkew = 60 * time.Second

// OAuthToken is the stored OAuth state for one domain. ExpiresAt is unix
// milliseconds.
type OAuthToken struct {
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken"`
	ExpiresAt    int64    `json:"expiresAt"`
	Scopes       []string `json:"scopes,omitempty"`
	IsMax        bool     `json:"isMax,omitempty"`
}

// expiresSoon reports whether the access token is expired or within the
// refresh skew of expiring.
func (t *OAuthToken) expiresSoon(now time.Time) bool {
	return time.UnixMilli(t.ExpiresAt).Add(-refreshSkew).Before(now)
}

// Credential is one domain's upstream credential file.
type Credential struct {
	Type      string      `json:"type"`
	AccountID string      `json:"accountId,omitempty"`
	APIKey    string      `json:"api_key,omitempty"`
	OAuth     *OAuthToken `json:"oauth,omitempty"`

	// ClientAPIKey, when present, is required of proxy clients for this
	// domain via the Authorization header.
	ClientAPIKey string `json:"client_api_key,omitempty"`

	path string
}

func (c *Credential) validate() error {
	switch c.Type {
	case TypeAPIKey:
		if c.APIKey == "" {
			return fmt.Errorf("credential type %q requires api_key", c.Type)
		}
	case TypeOAuth:
		if c.OAuth == nil || c.OAuth.RefreshToken == "" {
			return fmt.Errorf("credential type %q requires oauth.refreshToken", c.Type)
		}
	default:
		return fmt.Errorf("unknown credential type %q", c.Type)
	}
	return nil
}

// Apply sets the upstream auth headers for this credential. Any client-sent
// auth headers must already be stripped.
func (c *Credential) Apply(h http.Header) {
	switch c.Type {
	case TypeAPIKey:
		h.Set("x-api-key", c.APIKey)
	case TypeOAuth:
		h.Set("Authorization", "Bearer "+c.OAuth.AccessToken)
		if beta := h.Get("anthropic-beta"); beta == "" {
			h.Set("anthropic-beta", oauthBetaHeader)
		} else if !strings.Contains(beta, oauthBetaHeader) {
			h.Set("anthropic-beta", oauthBetaHeader+","+beta)
		}
	}
}

// Manager loads, caches, and refreshes domain credentials. Safe for
// concurrent use.
type Manager struct {
	dir        string
	log        *logger.Logger
	httpClient *http.Client

	// tokenEndpoint overrides the OAuth token URL in tests.
	tokenEndpoint string

	mu    sync.Mutex
	cache map[string]*Credential

	refreshGroup singleflight.Group
}

// NewManager watches dir for <domain>.credentials.json files.
func NewManager(dir string, log *logger.Logger) *Manager {
	return &Manager{
		dir:        dir,
		log:        log,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cache:      make(map[string]*Credential),
	}
}

// credentialPath maps a request Host to its credential file. The port is
// dropped; domains are lowercased on disk.
func (m *Manager) credentialPath(domain string) string {
	host := strings.ToLower(domain)
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	return filepath.Join(m.dir, host+".credentials.json")
}

// load reads and caches the credential file for domain. Returns nil, nil when
// no file exists, which means the domain is unmapped.
func (m *Manager) load(domain string) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cred, ok := m.cache[domain]; ok {
		return cred, nil
	}

	path := m.credentialPath(domain)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credential file %s: %w", path, err)
	}

	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("parse credential file %s: %w", path, err)
	}
	if err := cred.validate(); err != nil {
		return nil, fmt.Errorf("credential file %s: %w", path, err)
	}
	cred.path = path

	m.cache[domain] = &cred
	return &cred, nil
}

// persist writes the credential file back atomically after a refresh.
func (m *Manager) persist(cred *Credential) error {
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	tmp := cred.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credential temp file: %w", err)
	}
	if err := os.Rename(tmp, cred.path); err != nil {
		return fmt.Errorf("replace credential file: %w", err)
	}
	return nil
}
