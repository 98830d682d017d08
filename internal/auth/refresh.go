package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RefreshConfig configures a RefreshProvider.
type RefreshConfig struct {
	URL          string
	RefreshToken string
	HTTPClient   *http.Client
}

// RefreshProvider exchanges a refresh token for an access token using the
// identity service's token endpoint. Rotated refresh tokens are retained.
type RefreshProvider struct {
	url        string
	httpClient *http.Client

	mu           sync.Mutex
	refreshToken string
}

// tokenResponse is the identity service response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

// NewRefreshProvider creates a RefreshProvider.
func NewRefreshProvider(cfg RefreshConfig) (*RefreshProvider, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	if cfg.RefreshToken == "" {
		return nil, fmt.Errorf("RefreshToken is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 15 * time.Second,
		}
	}

	return &RefreshProvider{
		url:          strings.TrimSuffix(cfg.URL, "/"),
		httpClient:   httpClient,
		refreshToken: cfg.RefreshToken,
	}, nil
}

// Token implements Provider.
func (p *RefreshProvider) Token(ctx context.Context) (Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	body, _ := json.Marshal(map[string]string{
		"refresh_token": p.refreshToken,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+"?grant_type=refresh_token", bytes.NewReader(body))
	if err != nil {
		return Token{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Token{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return Token{}, fmt.Errorf("token exchange failed: status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return Token{}, fmt.Errorf("unmarshal response: %w", err)
	}
	if tr.AccessToken == "" {
		return Token{}, ErrNoToken
	}
	if tr.RefreshToken != "" {
		p.refreshToken = tr.RefreshToken
	}

	tok := Token{AccessToken: tr.AccessToken}
	if tr.ExpiresIn > 0 {
		tok.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tok, nil
}
