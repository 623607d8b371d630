//
//  Copyright © Manetu Inc. All rights reserved.
//

package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/manetu/flowpilot/pkg/auth"
	"github.com/manetu/flowpilot/pkg/common"
)

// Client evaluates requests against a remote authorization service. It
// satisfies the agent runner's decision-point contract for deployments where
// the engine runs as its own service.
type Client struct {
	baseURL string
	client  *http.Client
	tokens  *auth.ServiceTokens
}

// NewClient creates a client rooted at the authorization service URL.
// tokens may be nil; a nil httpClient uses a default with a 10s timeout.
func NewClient(baseURL string, httpClient *http.Client, tokens *auth.ServiceTokens) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{baseURL: baseURL, client: httpClient, tokens: tokens}
}

// Evaluate posts the request to the evaluation endpoint.
func (c *Client) Evaluate(ctx context.Context, req *Request) (*Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, common.WrapError(common.KindUnknown, "authz.upstream_error", err, "cannot encode evaluation request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/evaluate", bytes.NewReader(payload))
	if err != nil {
		return nil, common.WrapError(common.KindUpstream, "authz.upstream_error", err, "cannot build evaluation request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, common.WrapError(common.KindUpstream, "authz.upstream_error", err, "authorization service unreachable")
	}
	defer func() { _ = httpResp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, common.WrapError(common.KindUpstream, "authz.upstream_error", err, "cannot read evaluation response")
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, common.NewErrorf(common.KindUpstream, "authz.upstream_error",
			"authorization service returned %d", httpResp.StatusCode)
	}

	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, common.WrapError(common.KindUpstream, "authz.upstream_error", err, "malformed evaluation response")
	}
	return &resp, nil
}
