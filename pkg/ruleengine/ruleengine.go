//
//  Copyright © Manetu Inc. All rights reserved.
//

// Package ruleengine defines the contract between the authorization engine
// and the rule backends. A backend evaluates two rules per policy package:
// allow (boolean) and reasons (list of reason codes explaining a deny).
package ruleengine

import (
	"context"
)

// Result is the outcome of evaluating a policy package against an input
// document.
type Result struct {
	// Allow is the decision. An undefined allow rule evaluates to false.
	Allow bool

	// Reasons carries the reason codes produced by the package's reasons
	// rule. Empty when the rule is undefined or produced nothing.
	Reasons []string
}

// Evaluator evaluates a policy package (e.g. "flowpilot.travel") against an
// input document. Implementations exist for a remote rules service and an
// embedded in-process engine.
type Evaluator interface {
	Evaluate(ctx context.Context, rulePackage string, input map[string]interface{}) (*Result, error)
	Close() error
}
