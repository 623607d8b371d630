//
//  Copyright © Manetu Inc. All rights reserved.
//

// Package embedded evaluates policy packages with an in-process rego
// engine. Policies are loaded from a directory tree of .rego files and
// compiled once at startup.
package embedded

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/manetu/flowpilot/pkg/common"
	"github.com/manetu/flowpilot/pkg/ruleengine"
)

// Engine is an in-process [ruleengine.Evaluator] over a compiled policy
// bundle.
type Engine struct {
	ast *Ast
}

// New loads every .rego file under dir and compiles them into a single
// evaluator.
func New(dir string, options ...CompilerOptionFunc) (*Engine, error) {
	modules := Modules{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".rego" {
			return nil
		}
		src, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = path
		}
		modules[rel] = string(src)
		return nil
	})
	if err != nil {
		return nil, common.WrapError(common.KindUnknown, "rules.load_failed", err, "cannot load policy directory")
	}
	if len(modules) == 0 {
		return nil, common.NewErrorf(common.KindInvalidArgument, "rules.load_failed", "no .rego files under %s", dir)
	}

	ast, err := NewCompiler(options...).Compile(dir, modules)
	if err != nil {
		return nil, err
	}
	return &Engine{ast: ast}, nil
}

// Evaluate implements [ruleengine.Evaluator]. An undefined allow rule is a
// deny; an undefined reasons rule yields no reason codes.
func (e *Engine) Evaluate(ctx context.Context, rulePackage string, input map[string]interface{}) (*ruleengine.Result, error) {
	result := &ruleengine.Result{}

	value, defined, err := e.ast.Evaluate(ctx, fmt.Sprintf("data.%s.allow", rulePackage), input)
	if err != nil {
		return nil, err
	}
	if defined {
		allow, ok := value.(bool)
		if !ok {
			return nil, common.NewErrorf(common.KindUnknown, "rules.evaluation_failed",
				"allow rule in %s produced %T, want bool", rulePackage, value)
		}
		result.Allow = allow
	}

	value, defined, err = e.ast.Evaluate(ctx, fmt.Sprintf("data.%s.reasons", rulePackage), input)
	if err != nil {
		return nil, err
	}
	if defined {
		items, ok := value.([]interface{})
		if !ok {
			return nil, common.NewErrorf(common.KindUnknown, "rules.evaluation_failed",
				"reasons rule in %s produced %T, want list", rulePackage, value)
		}
		for _, item := range items {
			if s, ok := item.(string); ok {
				result.Reasons = append(result.Reasons, s)
			}
		}
	}

	return result, nil
}

// Close implements [ruleengine.Evaluator].
func (e *Engine) Close() error {
	return nil
}

// interface check
var _ ruleengine.Evaluator = (*Engine)(nil)
