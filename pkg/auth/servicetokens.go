//
//  Copyright © Manetu Inc. All rights reserved.
//

package auth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/manetu/flowpilot/pkg/common"
	"golang.org/x/sync/singleflight"
)

// refreshMargin is how long before expiry a cached service token is
// considered stale.
const refreshMargin = 60 * time.Second

// ServiceTokens fetches and caches client-credentials tokens for
// service-to-service calls. Concurrent refreshes collapse into one upstream
// request.
type ServiceTokens struct {
	client       *http.Client
	tokenURL     string
	clientID     string
	clientSecret string

	group singleflight.Group

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewServiceTokens creates a service-token source. A nil httpClient uses a
// default with a 10s timeout. An empty tokenURL disables the source: Token
// returns "" so callers degrade to anonymous requests.
func NewServiceTokens(tokenURL, clientID, clientSecret string, httpClient *http.Client) *ServiceTokens {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &ServiceTokens{
		client:       httpClient,
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// Token returns a valid service token, refreshing from the token endpoint
// when the cached one is within a minute of expiring.
func (s *ServiceTokens) Token(ctx context.Context) (string, error) {
	if s.tokenURL == "" {
		return "", nil
	}

	s.mu.Lock()
	if s.token != "" && time.Now().Before(s.expiresAt.Add(-refreshMargin)) {
		token := s.token
		s.mu.Unlock()
		return token, nil
	}
	s.mu.Unlock()

	token, err, _ := s.group.Do("token", func() (interface{}, error) {
		return s.fetch(ctx)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

func (s *ServiceTokens) fetch(ctx context.Context) (string, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {s.clientID},
		"client_secret": {s.clientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", common.WrapError(common.KindUpstream, "auth.token_fetch_failed", err, "cannot build token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", common.WrapError(common.KindUpstream, "auth.token_fetch_failed", err, "token endpoint unreachable")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", common.WrapError(common.KindUpstream, "auth.token_fetch_failed", err, "cannot read token response")
	}
	if resp.StatusCode != http.StatusOK {
		return "", common.NewErrorf(common.KindUpstream, "auth.token_fetch_failed",
			"token endpoint returned %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", common.WrapError(common.KindUpstream, "auth.token_fetch_failed", err, "malformed token response")
	}
	if tr.AccessToken == "" {
		return "", common.NewError(common.KindUpstream, "auth.token_fetch_failed", "token response has no access_token")
	}

	s.mu.Lock()
	s.token = tr.AccessToken
	s.expiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	s.mu.Unlock()

	return tr.AccessToken, nil
}
