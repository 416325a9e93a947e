package sync

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/adrg/xdg"
	"github.com/prokopsimek/pmcrm-sub000/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestNewOAuthConfig(t *testing.T) {
	google, err := NewOAuthConfig(models.ProviderGoogle, OAuthCredentials{ClientID: "id", ClientSecret: "secret"})
	require.NoError(t, err)
	assert.Equal(t, []string{googleContactsScope}, google.Scopes)
	assert.Equal(t, defaultRedirectURL, google.RedirectURL)
	assert.Contains(t, google.Endpoint.AuthURL, "accounts.google.com")

	ms, err := NewOAuthConfig(models.ProviderMicrosoft, OAuthCredentials{ClientID: "id", Tenant: "contoso"})
	require.NoError(t, err)
	assert.Contains(t, ms.Scopes, microsoftOfflineScope)
	assert.Contains(t, ms.Endpoint.TokenURL, "/contoso/")

	ms, err = NewOAuthConfig(models.ProviderMicrosoft, OAuthCredentials{ClientID: "id"})
	require.NoError(t, err)
	assert.Contains(t, ms.Endpoint.TokenURL, "/common/")

	_, err = NewOAuthConfig(models.ProviderGoogle, OAuthCredentials{})
	assert.Error(t, err)
	_, err = NewOAuthConfig("yahoo", OAuthCredentials{ClientID: "id"})
	assert.Error(t, err)
}

func TestTokenPath(t *testing.T) {
	path := TokenPath("int-1")
	assert.True(t, strings.HasPrefix(path, xdg.DataHome))
	assert.Equal(t, filepath.Join("pmcrm", "tokens", "int-1.json"), strings.TrimPrefix(path, xdg.DataHome+string(filepath.Separator)))
}

func TestSaveAndLoadToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens", "int-1.json")
	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	require.NoError(t, SaveToken(path, &oauth2.Token{AccessToken: "a", RefreshToken: "r", Expiry: expiry}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	tok, err := LoadToken(path)
	require.NoError(t, err)
	assert.Equal(t, "a", tok.AccessToken)
	assert.Equal(t, "r", tok.RefreshToken)
	assert.True(t, expiry.Equal(tok.Expiry))
}

func TestFileTokenProviderMissingToken(t *testing.T) {
	p := NewFileTokenProvider(&oauth2.Config{}, filepath.Join(t.TempDir(), "none.json"))
	_, err := p.Token(context.Background())
	assert.ErrorIs(t, err, ErrAuthExpired)
}

func TestFileTokenProviderServesValidToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tok.json")
	require.NoError(t, SaveToken(path, &oauth2.Token{AccessToken: "live", Expiry: time.Now().Add(time.Hour)}))

	tok, err := NewFileTokenProvider(&oauth2.Config{}, path).Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "live", tok.AccessToken)
}
