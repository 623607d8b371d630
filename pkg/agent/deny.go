//
//  Copyright © Manetu Inc. All rights reserved.
//

package agent

import (
	"encoding/json"
	"regexp"
	"strings"
)

// structuredDeny is the expected shape of a 403 body from the domain
// service.
type structuredDeny struct {
	Detail json.RawMessage `json:"detail"`
}

type denyDetail struct {
	ReasonCodes []string                 `json:"reason_codes"`
	Advice      []map[string]interface{} `json:"advice"`
}

var reasonCodePattern = regexp.MustCompile(`[a-z0-9_]+(?:\.[a-z0-9_]+)+`)

// parseDenyBody extracts reason codes and advice from a 403 response body.
// The structured form {"detail": {"reason_codes": [...], "advice": [...]}}
// is authoritative; prose detail strings go through a pattern-matching shim
// kept for domain services that predate the structured body.
func parseDenyBody(body []byte) ([]string, []map[string]interface{}) {
	var outer structuredDeny
	if err := json.Unmarshal(body, &outer); err != nil || outer.Detail == nil {
		return prosePass(string(body)), nil
	}

	var detail denyDetail
	if err := json.Unmarshal(outer.Detail, &detail); err == nil && len(detail.ReasonCodes) > 0 {
		return detail.ReasonCodes, detail.Advice
	}

	var prose string
	if err := json.Unmarshal(outer.Detail, &prose); err == nil {
		return prosePass(prose), nil
	}
	return nil, nil
}

// prosePass scans free text for dotted reason-code tokens
// (e.g. "travel.price_over_cap"). With no recognizable codes the whole
// message becomes the single reason.
func prosePass(message string) []string {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil
	}
	if codes := reasonCodePattern.FindAllString(message, -1); len(codes) > 0 {
		return codes
	}
	return []string{message}
}
