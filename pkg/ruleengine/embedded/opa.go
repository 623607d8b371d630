//
//  Copyright © Manetu Inc. All rights reserved.
//
// OPA abstraction for compiling and evaluating policies

package embedded

import (
	"context"
	"fmt"
	"strings"

	"github.com/manetu/flowpilot/internal/logging"
	"github.com/manetu/flowpilot/pkg/common"
	"github.com/mohae/deepcopy"
	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

var logger = logging.GetLogger("flowpilot.ruleengine.embedded")
var agent = "opa"

// Builtins is a set of builtin function names
type Builtins map[string]struct{}

// Compiler converts textual REGO policies to reusable ASTs
type Compiler struct {
	options *CompilerOptions
}

// Ast is an Abstract Syntax Tree for compiled REGO policies
type Ast struct {
	name     string
	compiler *ast.Compiler
	trace    bool
}

// Modules is a map of module name to module source code
type Modules map[string]string

// CompilerOptions contains configuration options for the compiler.
type CompilerOptions struct {
	regoVersion  ast.RegoVersion
	capabilities *ast.Capabilities
	trace        bool
}

func filter[T any](ss []T, test func(T) bool) (ret []T) {
	for _, s := range ss {
		if test(s) {
			ret = append(ret, s)
		}
	}
	return
}

// CompilerOptionFunc is a function that modifies CompilerOptions.
type CompilerOptionFunc func(*CompilerOptions)

// WithRegoVersion sets the rego version for the compiler.
func WithRegoVersion(regoVersion ast.RegoVersion) CompilerOptionFunc {
	return func(o *CompilerOptions) {
		o.regoVersion = regoVersion
	}
}

// WithCapabilities sets the rego Capabilities options for the compiler. This
// must come before WithUnsafeBuiltins, when both are used.
func WithCapabilities(capabilities *ast.Capabilities) CompilerOptionFunc {
	return func(o *CompilerOptions) {
		o.capabilities = capabilities
	}
}

// WithUnsafeBuiltins sets the list of unsafe builtin functions to be removed
// from the compiler. This must come after WithCapabilities, when used
func WithUnsafeBuiltins(unsafeBuiltins Builtins) CompilerOptionFunc {
	return func(o *CompilerOptions) {
		// see: https://github.com/open-policy-agent/opa/security/advisories/GHSA-f524-rf33-2jjr
		o.capabilities.Builtins = filter(o.capabilities.Builtins, func(builtin *ast.Builtin) bool { _, ok := unsafeBuiltins[builtin.Name]; return !ok })
	}
}

// WithDefaultTracing sets the default tracing in effect during evaluation
// that is used if not explicitly set per query. Defaults to log tracing
// level.
func WithDefaultTracing(trace bool) CompilerOptionFunc {
	return func(o *CompilerOptions) {
		o.trace = trace
	}
}

// NewCompiler creates a new Compiler with the specified options.
func NewCompiler(options ...CompilerOptionFunc) *Compiler {
	opts := &CompilerOptions{
		regoVersion:  ast.RegoV1,
		capabilities: ast.CapabilitiesForThisVersion(),
		trace:        logger.IsTraceEnabled(),
	}
	for _, o := range options {
		o(opts)
	}

	return &Compiler{options: opts}
}

// Clone creates a new instance of Compiler based on the current
// configuration, optionally applying additional options.
func (c *Compiler) Clone(options ...CompilerOptionFunc) *Compiler {
	opts := &CompilerOptions{
		regoVersion:  c.options.regoVersion,
		capabilities: deepcopy.Copy(c.options.capabilities).(*ast.Capabilities),
		trace:        c.options.trace,
	}
	for _, o := range options {
		o(opts)
	}

	return &Compiler{options: opts}
}

// Compile compiles the provided modules and returns an Ast object, suitable
// for reusable evaluation.
func (c *Compiler) Compile(name string, modules Modules) (*Ast, error) {
	parsed := make(map[string]*ast.Module, len(modules))

	for f, module := range modules {
		pm, err := ast.ParseModuleWithOpts(f, module, ast.ParserOptions{RegoVersion: c.options.regoVersion})
		if err != nil {
			return nil, common.WrapError(common.KindInvalidArgument, "rules.compile_failed", err, "cannot parse rego module")
		}
		parsed[f] = pm
	}

	compiler := ast.NewCompiler().WithCapabilities(c.options.capabilities)

	compiler.Compile(parsed)

	if compiler.Failed() {
		return nil, common.WrapError(common.KindInvalidArgument, "rules.compile_failed", compiler.Errors, "rego compilation failed")
	}

	return &Ast{
		name:     name,
		compiler: compiler,
		trace:    c.options.trace,
	}, nil
}

// Evaluate evaluates the compiled AST with the given query string and input.
// An undefined query yields (nil, false, nil).
func (p *Ast) Evaluate(ctx context.Context, queryStr string, input interface{}) (interface{}, bool, error) {
	logger.Debugf(agent, "Evaluate", "query %s, input: %+v", queryStr, input)

	query := rego.New(
		rego.Query(queryStr),
		rego.Compiler(p.compiler),
		rego.Input(input),
		rego.Trace(p.trace),
	)

	results, err := query.Eval(ctx)
	if err != nil {
		return nil, false, common.WrapError(common.KindUnknown, "rules.evaluation_failed", err, "rego evaluation failed")
	}
	if p.trace {
		regoTrace := new(strings.Builder)
		rego.PrintTraceWithLocation(regoTrace, query)
		logger.Trace(agent, "Evaluate", "rego trace:")
		fmt.Println(regoTrace.String()) // force internal format
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		logger.Debugf(agent, "Evaluate", "undefined result: %s %s", p.name, queryStr)
		return nil, false, nil
	}

	return results[0].Expressions[0].Value, true, nil
}
