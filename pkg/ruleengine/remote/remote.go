//
//  Copyright © Manetu Inc. All rights reserved.
//

// Package remote evaluates policy packages against a rules service speaking
// the OPA data API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/manetu/flowpilot/internal/logging"
	"github.com/manetu/flowpilot/pkg/common"
	"github.com/manetu/flowpilot/pkg/ruleengine"
)

var logger = logging.GetLogger("flowpilot.ruleengine.remote")

// Evaluator queries a remote rules service. Each decision issues two data
// API calls, one for the allow rule and one for the reasons rule.
type Evaluator struct {
	baseURL string
	client  *http.Client
}

// New creates a remote evaluator rooted at baseURL
// (e.g. "http://rules:8181"). A nil client uses a default with a 10s
// timeout.
func New(baseURL string, client *http.Client) *Evaluator {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Evaluator{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type dataResponse struct {
	Result json.RawMessage `json:"result"`
}

func (e *Evaluator) query(ctx context.Context, rulePackage, rule string, input map[string]interface{}, out interface{}) (bool, error) {
	url := fmt.Sprintf("%s/v1/data/%s/%s", e.baseURL, strings.ReplaceAll(rulePackage, ".", "/"), rule)

	body, err := json.Marshal(map[string]interface{}{"input": input})
	if err != nil {
		return false, common.WrapError(common.KindUnknown, "rules.evaluation_failed", err, "cannot encode rule input")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, common.WrapError(common.KindUpstream, "rules.evaluation_failed", err, "cannot build rules request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return false, common.WrapError(common.KindUpstream, "rules.evaluation_failed", err, "rules service unreachable")
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, common.WrapError(common.KindUpstream, "rules.evaluation_failed", err, "cannot read rules response")
	}
	if resp.StatusCode != http.StatusOK {
		return false, common.NewErrorf(common.KindUpstream, "rules.evaluation_failed",
			"rules service returned %d for %s/%s", resp.StatusCode, rulePackage, rule)
	}

	var dr dataResponse
	if err := json.Unmarshal(data, &dr); err != nil {
		return false, common.WrapError(common.KindUpstream, "rules.evaluation_failed", err, "malformed rules response")
	}
	if dr.Result == nil {
		// Rule undefined for this input
		return false, nil
	}
	if err := json.Unmarshal(dr.Result, out); err != nil {
		return false, common.WrapError(common.KindUpstream, "rules.evaluation_failed", err, "unexpected rule result shape")
	}
	return true, nil
}

// Evaluate implements [ruleengine.Evaluator]. An undefined allow rule is a
// deny; an undefined reasons rule yields no reason codes.
func (e *Evaluator) Evaluate(ctx context.Context, rulePackage string, input map[string]interface{}) (*ruleengine.Result, error) {
	result := &ruleengine.Result{}

	defined, err := e.query(ctx, rulePackage, "allow", input, &result.Allow)
	if err != nil {
		return nil, err
	}
	if !defined {
		logger.Debugf("sys", "rules.evaluate", "allow undefined for package %s", rulePackage)
	}

	if _, err := e.query(ctx, rulePackage, "reasons", input, &result.Reasons); err != nil {
		return nil, err
	}
	return result, nil
}

// Close implements [ruleengine.Evaluator].
func (e *Evaluator) Close() error {
	e.client.CloseIdleConnections()
	return nil
}

// interface check
var _ ruleengine.Evaluator = (*Evaluator)(nil)
