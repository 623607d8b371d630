//
//  Copyright © Manetu Inc. All rights reserved.
//

package agent

import (
	"bytes"
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
)

// Domain is the runner's view of the workflow domain service (the policy
// enforcement point owning workflow data).
type Domain interface {
	// ListItems returns the workflow's items. A 403 from the domain service
	// surfaces as a PermissionDenied error carrying the parsed reason codes.
	ListItems(ctx context.Context, workflowID string, principal Principal) ([]Item, error)

	// ExecuteItem drives one item and returns the raw status code and body
	// for the runner to classify. err is set only on transport failure.
	ExecuteItem(ctx context.Context, workflowID, itemID string, principal Principal, dryRun bool) (int, []byte, error)
}

// Client is the HTTP [Domain] implementation.
type Client struct {
	baseURL string
	client  *http.Client
	tokens  *auth.ServiceTokens
	cache   *cache.Cache
}

// NewClient creates a domain client rooted at baseURL. tokens may be nil for
// unauthenticated domain services; a nil httpClient uses a default with a
// 30s timeout.
func NewClient(baseURL string, httpClient *http.Client, tokens *auth.ServiceTokens) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: baseURL, client: httpClient, tokens: tokens}
}

// WithCache attaches a response cache for item listings. Execute calls are
// never cached.
func (c *Client) WithCache(responseCache *cache.Cache) *Client {
	c.cache = responseCache
	return c
}

func (c *Client) do(ctx context.Context, method, target string, payload interface{}) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return 0, nil, err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}

type listItemsResponse struct {
	Items []Item `json:"items"`
}

// ListItems implements [Domain].
func (c *Client) ListItems(ctx context.Context, workflowID string, principal Principal) ([]Item, error) {
	query := url.Values{}
	if principal.PersonaTitle != "" {
		query.Set("persona_title", principal.PersonaTitle)
	}
	if principal.PersonaCircle != "" {
		query.Set("persona_circle", principal.PersonaCircle)
	}

	target := fmt.Sprintf("%s/v1/workflows/%s/items", c.baseURL, url.PathEscape(workflowID))
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	cacheKey := cache.Key(target, nil, "")
	var cached []Item
	if c.cache.Get(ctx, cache.FamilyWorkflow, cacheKey, &cached) {
		return cached, nil
	}

	status, body, err := c.do(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, common.WrapError(common.KindUpstream, "agent_runner.domain_unreachable", err, "domain service unreachable")
	}
	switch {
	case status == http.StatusForbidden:
		codes, _ := parseDenyBody(body)
		reason := "listing denied by policy"
		if len(codes) > 0 {
			reason = codes[0]
		}
		return nil, common.NewError(common.KindPermissionDenied, reason, "workflow item listing denied")
	case status < 200 || status > 299:
		return nil, common.NewErrorf(common.KindUpstream, "agent_runner.domain_error", "domain service returned %d", status)
	}

	var lr listItemsResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return nil, common.WrapError(common.KindUpstream, "agent_runner.domain_error", err, "malformed item listing")
	}

	c.cache.Set(ctx, cache.FamilyWorkflow, cacheKey, lr.Items)
	return lr.Items, nil
}

type executeItemRequest struct {
	PrincipalUser string `json:"principal_user"`
	DryRun        bool   `json:"dry_run"`
}

// ExecuteItem implements [Domain].
func (c *Client) ExecuteItem(ctx context.Context, workflowID, itemID string, principal Principal, dryRun bool) (int, []byte, error) {
	target := fmt.Sprintf("%s/v1/workflows/%s/items/%s/execute",
		c.baseURL, url.PathEscape(workflowID), url.PathEscape(itemID))

	return c.do(ctx, http.MethodPost, target, executeItemRequest{
		PrincipalUser: principal.UserSub,
		DryRun:        dryRun,
	})
}

// interface check
var _ Domain = (*Client)(nil)
