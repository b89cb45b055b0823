// Package auth loads stored Gemini CLI OAuth credentials and exposes them
// as a self-refreshing token source.
package auth

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/phamanh/gemini-bridge/internal/json"
	"github.com/phamanh/gemini-bridge/internal/logging"
)

// Public OAuth client of the Gemini CLI installed-app flow.
const (
	geminiClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	geminiClientSecret = "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"
)

var geminiScopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// storedCredentials mirrors the Gemini CLI credential file. ExpiryDate is
// milliseconds since epoch.
type storedCredentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ExpiryDate   int64  `json:"expiry_date,omitempty"`
}

// DefaultCredentialsPath points at the file the Gemini CLI login writes.
func DefaultCredentialsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".gemini", "oauth_creds.json"), nil
}

// LoadToken reads a credential file into an oauth2 token.
func LoadToken(path string) (*oauth2.Token, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var creds storedCredentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	if creds.RefreshToken == "" && creds.AccessToken == "" {
		return nil, fmt.Errorf("credential file %s holds no usable token", path)
	}
	tok := &oauth2.Token{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		TokenType:    creds.TokenType,
	}
	if creds.ExpiryDate > 0 {
		tok.Expiry = time.UnixMilli(creds.ExpiryDate)
	}
	return tok, nil
}

// persistingSource writes refreshed tokens back to the credential file so
// the CLI and the bridge share one refresh lineage.
type persistingSource struct {
	mu   sync.Mutex
	src  oauth2.TokenSource
	path string
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.src.Token()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken != p.last {
		p.last = tok.AccessToken
		if err := saveToken(p.path, tok); err != nil {
			logging.WithError(err).Warn("failed to persist refreshed credentials")
		}
	}
	return tok, nil
}

func saveToken(path string, tok *oauth2.Token) error {
	creds := storedCredentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if !tok.Expiry.IsZero() {
		creds.ExpiryDate = tok.Expiry.UnixMilli()
	}
	raw, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}

// TokenSource builds a refreshing source from the stored credentials.
// path may be empty to use the default location.
func TokenSource(ctx context.Context, path string) (oauth2.TokenSource, error) {
	if path == "" {
		var err error
		if path, err = DefaultCredentialsPath(); err != nil {
			return nil, err
		}
	}
	tok, err := LoadToken(path)
	if err != nil {
		return nil, err
	}

	conf := &oauth2.Config{
		ClientID:     geminiClientID,
		ClientSecret: geminiClientSecret,
		Scopes:       geminiScopes,
		Endpoint:     google.Endpoint,
	}
	src := &persistingSource{
		src:  conf.TokenSource(ctx, tok),
		path: path,
		last: tok.AccessToken,
	}
	return oauth2.ReuseTokenSource(tok, src), nil
}
