package expr

import (
	"fmt"
	"go/ast"
	"math"
	"strconv"
	"time"
)

// evalCall dispatches to the fixed builtin function set of spec.md §4.3:
// len, has, get, str, num, bool, now, floor, ceil, round, min, max, abs —
// plus iff, the form the prepass rewrites every `cond ? a : b` ternary into
// (see prepass.go). and/or/not are surface syntax, not builtins: the same
// prepass rewrites them to &&/||/! before an expression ever reaches here,
// so they are not reachable as calls. No user-defined functions are
// reachable; the set below is the entire callable surface.
func evalCall(call *ast.CallExpr, env Env) (interface{}, error) {
	fn, ok := call.Fun.(*ast.Ident)
	if !ok {
		return nil, fmt.Errorf("only builtin function calls are supported")
	}
	args := make([]interface{}, len(call.Args))
	for i, a := range call.Args {
		v, err := evalNode(a, env)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	switch fn.Name {
	case "iff":
		if len(args) != 3 {
			return nil, fmt.Errorf("iff() takes exactly 3 arguments")
		}
		if isTruthy(args[0]) {
			return args[1], nil
		}
		return args[2], nil
	case "len":
		if len(args) != 1 {
			return nil, fmt.Errorf("len() takes exactly 1 argument")
		}
		return builtinLen(args[0])
	case "has":
		if len(args) != 2 {
			return nil, fmt.Errorf("has() takes exactly 2 arguments")
		}
		return builtinHas(args[0], args[1])
	case "get":
		if len(args) < 2 || len(args) > 3 {
			return nil, fmt.Errorf("get() takes 2 or 3 arguments")
		}
		var fallback interface{}
		if len(args) == 3 {
			fallback = args[2]
		}
		return builtinGet(args[0], args[1], fallback)
	case "str":
		if len(args) != 1 {
			return nil, fmt.Errorf("str() takes exactly 1 argument")
		}
		return toDisplayString(args[0]), nil
	case "num":
		if len(args) != 1 {
			return nil, fmt.Errorf("num() takes exactly 1 argument")
		}
		return builtinNum(args[0])
	case "bool":
		if len(args) != 1 {
			return nil, fmt.Errorf("bool() takes exactly 1 argument")
		}
		return isTruthy(args[0]), nil
	case "now":
		if len(args) != 0 {
			return nil, fmt.Errorf("now() takes no arguments")
		}
		return float64(time.Now().UTC().UnixMilli()), nil
	case "floor":
		return numericUnary(args, math.Floor)
	case "ceil":
		return numericUnary(args, math.Ceil)
	case "round":
		return numericUnary(args, math.Round)
	case "abs":
		return numericUnary(args, math.Abs)
	case "min":
		return numericVariadic(args, func(a, b float64) float64 {
			if a < b {
				return a
			}
			return b
		})
	case "max":
		return numericVariadic(args, func(a, b float64) float64 {
			if a > b {
				return a
			}
			return b
		})
	default:
		return nil, fmt.Errorf("unknown function %q", fn.Name)
	}
}

func builtinLen(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case string:
		return float64(len(t)), nil
	case []interface{}:
		return float64(len(t)), nil
	case map[string]interface{}:
		return float64(len(t)), nil
	case nil:
		return float64(0), nil
	default:
		return nil, fmt.Errorf("len() unsupported on %T", v)
	}
}

func builtinHas(container, key interface{}) (interface{}, error) {
	k, ok := key.(string)
	if !ok {
		return nil, fmt.Errorf("has() key must be a string")
	}
	m, ok := container.(map[string]interface{})
	if !ok {
		return false, nil
	}
	_, ok = lookup(Env(m), k)
	return ok, nil
}

func builtinGet(container, key, fallback interface{}) (interface{}, error) {
	k, ok := key.(string)
	if !ok {
		return nil, fmt.Errorf("get() key must be a string")
	}
	v := indexInto(container, k)
	if v == nil {
		return fallback, nil
	}
	return v, nil
}

func builtinNum(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return nil, fmt.Errorf("num(): cannot parse %q as a number", t)
		}
		return f, nil
	case bool:
		if t {
			return float64(1), nil
		}
		return float64(0), nil
	default:
		return nil, fmt.Errorf("num() unsupported on %T", v)
	}
}

func numericUnary(args []interface{}, fn func(float64) float64) (interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("expected exactly 1 numeric argument")
	}
	n, ok := asNumber(args[0])
	if !ok {
		return nil, fmt.Errorf("expected a number, got %T", args[0])
	}
	return fn(n), nil
}

func numericVariadic(args []interface{}, combine func(a, b float64) float64) (interface{}, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("expected at least 1 numeric argument")
	}
	acc, ok := asNumber(args[0])
	if !ok {
		return nil, fmt.Errorf("expected a number, got %T", args[0])
	}
	for _, a := range args[1:] {
		n, ok := asNumber(a)
		if !ok {
			return nil, fmt.Errorf("expected a number, got %T", a)
		}
		acc = combine(acc, n)
	}
	return acc, nil
}
