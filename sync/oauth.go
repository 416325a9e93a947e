// ABOUTME: OAuth configuration and token management for Google and Microsoft directories
// ABOUTME: Stores per-integration tokens at XDG paths and persists refreshed tokens
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	gosync "sync"

	"github.com/adrg/xdg"
	"github.com/prokopsimek/pmcrm-sub000/models"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
)

const (
	googleContactsScope   = "https://www.googleapis.com/auth/contacts"
	microsoftContactsRW   = "https://graph.microsoft.com/Contacts.ReadWrite"
	microsoftOfflineScope = "offline_access"
	defaultTenant         = "common"
	defaultRedirectURL    = "http://localhost:8080/oauth/callback"
)

// OAuthCredentials are the client registration values for one provider.
type OAuthCredentials struct {
	ClientID     string
	ClientSecret string
	Tenant       string
	RedirectURL  string
}

// NewOAuthConfig returns the OAuth2 config for a provider.
func NewOAuthConfig(provider string, creds OAuthCredentials) (*oauth2.Config, error) {
	if creds.ClientID == "" {
		return nil, fmt.Errorf("%s OAuth credentials not configured", provider)
	}
	redirect := creds.RedirectURL
	if redirect == "" {
		redirect = defaultRedirectURL
	}

	switch provider {
	case models.ProviderGoogle:
		return &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			RedirectURL:  redirect,
			Scopes:       []string{googleContactsScope},
			Endpoint:     google.Endpoint,
		}, nil
	case models.ProviderMicrosoft:
		tenant := creds.Tenant
		if tenant == "" {
			tenant = defaultTenant
		}
		return &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			RedirectURL:  redirect,
			Scopes:       []string{microsoftContactsRW, microsoftOfflineScope},
			Endpoint:     microsoft.AzureADEndpoint(tenant),
		}, nil
	}
	return nil, fmt.Errorf("unknown provider %q", provider)
}

// TokenPath returns the XDG path holding an integration's token.
func TokenPath(integrationID string) string {
	return filepath.Join(xdg.DataHome, "pmcrm", "tokens", integrationID+".json")
}

// SaveToken writes a token with owner-only permissions.
func SaveToken(path string, token *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create token file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := json.NewEncoder(f).Encode(token); err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	return nil
}

// LoadToken reads a token saved by SaveToken.
func LoadToken(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open token file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var token oauth2.Token
	if err := json.NewDecoder(f).Decode(&token); err != nil {
		return nil, fmt.Errorf("failed to decode token: %w", err)
	}
	return &token, nil
}

// FileTokenProvider serves a token from disk, refreshing it through the
// OAuth config and writing refreshed tokens back.
type FileTokenProvider struct {
	config *oauth2.Config
	path   string

	mu     gosync.Mutex
	source oauth2.TokenSource
	last   string
}

func NewFileTokenProvider(config *oauth2.Config, path string) *FileTokenProvider {
	return &FileTokenProvider{config: config, path: path}
}

func (p *FileTokenProvider) Token(ctx context.Context) (*oauth2.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.source == nil {
		tok, err := LoadToken(p.path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("no token at %s: %w", p.path, ErrAuthExpired)
			}
			return nil, err
		}
		p.last = tok.AccessToken
		// The source outlives this call, so it must not capture a request context.
		p.source = oauth2.ReuseTokenSource(tok, p.config.TokenSource(context.WithoutCancel(ctx), tok))
	}

	tok, err := p.source.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil &&
			(re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized) {
			return nil, fmt.Errorf("failed to refresh token: %w", ErrAuthExpired)
		}
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	if tok.AccessToken != p.last {
		if err := SaveToken(p.path, tok); err != nil {
			return nil, err
		}
		p.last = tok.AccessToken
	}
	return tok, nil
}

// StaticTokenProvider adapts an oauth2.TokenSource.
type StaticTokenProvider struct {
	Source oauth2.TokenSource
}

func (p StaticTokenProvider) Token(context.Context) (*oauth2.Token, error) {
	return p.Source.Token()
}

// tokenSource turns a TokenProvider back into an oauth2.TokenSource bound to ctx.
type tokenSource struct {
	ctx      context.Context
	provider TokenProvider
}

func (s tokenSource) Token() (*oauth2.Token, error) {
	return s.provider.Token(s.ctx)
}

// HTTPClient returns a client that authorizes requests with tokens from provider.
func HTTPClient(ctx context.Context, provider TokenProvider) *http.Client {
	return oauth2.NewClient(ctx, tokenSource{ctx: ctx, provider: provider})
}
