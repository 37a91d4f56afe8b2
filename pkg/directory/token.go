/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package directory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/carverauto/fleetreconcile/pkg/clock"
)

const (
	defaultAuthority = "https://login.microsoftonline.com"
	defaultScope     = "https://graph.microsoft.com/.default"
	defaultTokenTTL  = 45 * time.Minute
)

// StaticTokenProvider returns a pre-issued bearer token.
type StaticTokenProvider struct {
	Token string
}

// GetAccessToken implements TokenProvider.
func (s StaticTokenProvider) GetAccessToken(_ context.Context) (string, error) {
	if strings.TrimSpace(s.Token) == "" {
		return "", errNoToken
	}

	return s.Token, nil
}

// ClientCredentialsConfig configures the OAuth2 client-credentials flow.
type ClientCredentialsConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	// Authority defaults to the public cloud login endpoint.
	Authority string
	Scopes    []string
}

// ClientCredentialsProvider obtains tokens with the OAuth2 client-credentials grant.
type ClientCredentialsProvider struct {
	cfg *clientcredentials.Config
}

// NewClientCredentialsProvider builds a provider for the given tenant and application.
func NewClientCredentialsProvider(cfg ClientCredentialsConfig) *ClientCredentialsProvider {
	authority := strings.TrimRight(cfg.Authority, "/")
	if authority == "" {
		authority = defaultAuthority
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{defaultScope}
	}

	return &ClientCredentialsProvider{
		cfg: &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     fmt.Sprintf("%s/%s/oauth2/v2.0/token", authority, cfg.TenantID),
			Scopes:       scopes,
		},
	}
}

// GetAccessToken implements TokenProvider.
func (p *ClientCredentialsProvider) GetAccessToken(ctx context.Context) (string, error) {
	tok, err := p.cfg.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuthentication, err)
	}

	return tok.AccessToken, nil
}

// CachedTokenProvider wraps a TokenProvider and caches the access token
type CachedTokenProvider struct {
	provider TokenProvider
	ttl      time.Duration
	clock    clock.Clock
	mu       sync.RWMutex
	token    string
	expiry   time.Time
}

// NewCachedTokenProvider creates a new cached token provider. A zero ttl
// keeps tokens for 45 minutes, comfortably inside the usual one hour lifetime.
func NewCachedTokenProvider(provider TokenProvider, ttl time.Duration, clk clock.Clock) *CachedTokenProvider {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}

	if clk == nil {
		clk = clock.Real()
	}

	return &CachedTokenProvider{
		provider: provider,
		ttl:      ttl,
		clock:    clk,
	}
}

// GetAccessToken returns a cached token if valid, otherwise fetches a new one
func (c *CachedTokenProvider) GetAccessToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	if c.token != "" && c.clock.Now().Before(c.expiry) {
		token := c.token
		c.mu.RUnlock()

		return token, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// another goroutine may have refreshed while we waited
	if c.token != "" && c.clock.Now().Before(c.expiry) {
		return c.token, nil
	}

	token, err := c.provider.GetAccessToken(ctx)
	if err != nil {
		return "", err
	}

	c.token = token
	c.expiry = c.clock.Now().Add(c.ttl)

	return token, nil
}

// InvalidateToken clears the cached token
func (c *CachedTokenProvider) InvalidateToken() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.token = ""
	c.expiry = time.Time{}
}
