// Package expr implements the sandboxed expression language of spec.md
// §4.3: literals, identifiers over a fixed scope, arithmetic/comparison/
// logical/ternary operators, string concatenation, and a fixed builtin
// function set. No assignment, no function definition, no I/O.
//
// Expressions are parsed as Go expression syntax via go/parser and
// evaluated by walking the resulting ast.Expr with a restricted,
// allocation-only tree walker. No third-party expression-evaluation
// library appears anywhere in the retrieved example pack (see DESIGN.md);
// this is the one component of the module built on the standard library by
// necessity rather than preference.
//
// Go expression syntax has neither a ternary operator nor infix and/or/not,
// so Eval runs every source string through a small hand-rolled pre-pass
// (prepass.go) before handing it to go/parser: `cond ? a : b` becomes
// iff(cond, a, b), and word-form `a and b` / `a or b` / `not a` become
// `a && b` / `a || b` / `!a`. The prepass works at the token level (via
// go/scanner), not with string substitution, so it can't mis-rewrite a
// field named and/or/not or a string literal containing those words.
package expr

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
)

// Error wraps any failure during expression parsing or evaluation,
// matching spec.md §7's ExpressionError error kind.
type Error struct {
	Expr string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("expr: %q: %v", e.Expr, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Env is the evaluation scope: a flat set of named values plus whatever
// nested maps/slices those values hold. BuildContext constructs one from a
// Runtime's outputs/variables/nodeStates/inputs.
type Env map[string]interface{}

// Eval parses and evaluates expression src against env, returning the Go
// value the expression computed (bool, float64, string, nil, or a
// map/slice for identifier/builtin results that return a composite).
func Eval(src string, env Env) (interface{}, error) {
	transformed, err := preprocess(src)
	if err != nil {
		return nil, &Error{Expr: src, Err: err}
	}
	node, err := parser.ParseExprFrom(token.NewFileSet(), "", "("+transformed+")", 0)
	if err != nil {
		return nil, &Error{Expr: src, Err: err}
	}
	v, err := evalNode(node, env)
	if err != nil {
		return nil, &Error{Expr: src, Err: err}
	}
	return v, nil
}

// Truthy evaluates src and reports whether the result is truthy: non-zero
// numbers, non-empty strings, true booleans, and non-nil/non-empty
// composites are truthy; everything else (including evaluation error) is
// not. Used by edge conditions (spec.md §4.4 step 3), which treat an
// absent condition as unconditionally true at the call site, not here.
func Truthy(src string, env Env) (bool, error) {
	v, err := Eval(src, env)
	if err != nil {
		return false, err
	}
	return isTruthy(v), nil
}

func isTruthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	default:
		return true
	}
}

func evalNode(n ast.Expr, env Env) (interface{}, error) {
	switch v := n.(type) {
	case *ast.ParenExpr:
		return evalNode(v.X, env)
	case *ast.BasicLit:
		return evalBasicLit(v)
	case *ast.Ident:
		return evalIdent(v, env)
	case *ast.SelectorExpr:
		return evalSelector(v, env)
	case *ast.IndexExpr:
		return evalIndex(v, env)
	case *ast.UnaryExpr:
		return evalUnary(v, env)
	case *ast.BinaryExpr:
		return evalBinary(v, env)
	case *ast.CallExpr:
		return evalCall(v, env)
	default:
		return nil, fmt.Errorf("unsupported expression syntax: %T", n)
	}
}
