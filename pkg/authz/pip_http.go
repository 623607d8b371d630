//
//  Copyright © Manetu Inc. All rights reserved.
//

package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/manetu/flowpilot/pkg/auth"
	"github.com/manetu/flowpilot/pkg/cache"
	"github.com/manetu/flowpilot/pkg/common"
	"github.com/manetu/flowpilot/pkg/persona"
)

// httpSource carries the plumbing shared by the HTTP-backed sources:
// service-token auth and a read-through cache.
type httpSource struct {
	client *http.Client
	tokens *auth.ServiceTokens
	cache  *cache.Cache
}

func (h *httpSource) get(ctx context.Context, family, target string, params map[string]string, out interface{}) error {
	token := ""
	if h.tokens != nil {
		t, err := h.tokens.Token(ctx)
		if err != nil {
			return err
		}
		token = t
	}

	key := cache.Key(target, params, token)
	if h.cache.Get(ctx, family, key, out) {
		return nil
	}

	query := url.Values{}
	for name, value := range params {
		query.Set(name, value)
	}
	full := target
	if len(query) > 0 {
		full = target + "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return common.WrapError(common.KindUpstream, "authz.upstream_error", err, "cannot build upstream request")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return common.WrapError(common.KindUpstream, "authz.upstream_error", err, "upstream unreachable")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return common.WrapError(common.KindUpstream, "authz.upstream_error", err, "cannot read upstream response")
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return common.NewError(common.KindNotFound, "authz.upstream_not_found", "upstream resource not found")
	case resp.StatusCode != http.StatusOK:
		return common.NewErrorf(common.KindUpstream, "authz.upstream_error", "upstream returned %d", resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return common.WrapError(common.KindUpstream, "authz.upstream_error", err, "malformed upstream response")
	}

	h.cache.Set(ctx, family, key, out)
	return nil
}

func newHTTPClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return client
}

// HTTPPersonaSource resolves personas over the persona service's HTTP API.
type HTTPPersonaSource struct {
	baseURL string
	httpSource
}

// NewHTTPPersonaSource creates a source rooted at the persona service URL.
// tokens and responseCache may be nil.
func NewHTTPPersonaSource(baseURL string, client *http.Client, tokens *auth.ServiceTokens, responseCache *cache.Cache) *HTTPPersonaSource {
	return &HTTPPersonaSource{
		baseURL: baseURL,
		httpSource: httpSource{
			client: newHTTPClient(client),
			tokens: tokens,
			cache:  responseCache,
		},
	}
}

// Lookup implements [PersonaSource]. The persona service orders results
// preferred-first, so the first entry wins.
func (s *HTTPPersonaSource) Lookup(ctx context.Context, userSub, title string) (*PersonaRecord, error) {
	target := fmt.Sprintf("%s/v1/users/%s/personas", s.baseURL, url.PathEscape(userSub))
	params := map[string]string{"title": title}

	var personas []persona.Persona
	if err := s.get(ctx, cache.FamilyPersona, target, params, &personas); err != nil {
		return nil, err
	}
	if len(personas) == 0 {
		return nil, common.NewErrorf(common.KindNotFound, "persona.not_found",
			"no persona with title %q for user", title)
	}

	p := personas[0]
	return &PersonaRecord{
		ID:         p.ID,
		UserSub:    p.UserSub,
		Title:      p.Title,
		Status:     p.Status,
		ValidFrom:  p.ValidFrom,
		ValidTill:  p.ValidTill,
		Attributes: p.Attributes,
	}, nil
}

// HTTPDelegationSource resolves delegation chains over the delegation
// service's HTTP API.
type HTTPDelegationSource struct {
	baseURL string
	httpSource
}

// NewHTTPDelegationSource creates a source rooted at the delegation service
// URL. tokens and responseCache may be nil.
func NewHTTPDelegationSource(baseURL string, client *http.Client, tokens *auth.ServiceTokens, responseCache *cache.Cache) *HTTPDelegationSource {
	return &HTTPDelegationSource{
		baseURL: baseURL,
		httpSource: httpSource{
			client: newHTTPClient(client),
			tokens: tokens,
			cache:  responseCache,
		},
	}
}

type validateResponse struct {
	Valid            bool     `json:"valid"`
	DelegationChain  []string `json:"delegation_chain"`
	DelegatedActions []string `json:"delegated_actions"`
}

// FindPath implements [DelegationSource]. Returns (nil, nil) when the
// delegation service reports no chain.
func (s *HTTPDelegationSource) FindPath(ctx context.Context, ownerID, principalID, workflowID string) (*DelegationPath, error) {
	params := map[string]string{
		"principal_id": ownerID,
		"delegate_id":  principalID,
	}
	if workflowID != "" {
		params["workflow_id"] = workflowID
	}

	var result validateResponse
	if err := s.get(ctx, cache.FamilyDelegation, s.baseURL+"/v1/delegations/validate", params, &result); err != nil {
		return nil, err
	}
	if !result.Valid {
		return nil, nil
	}
	return &DelegationPath{Chain: result.DelegationChain, Actions: result.DelegatedActions}, nil
}

// interface checks
var (
	_ PersonaSource    = (*HTTPPersonaSource)(nil)
	_ DelegationSource = (*HTTPDelegationSource)(nil)
)
