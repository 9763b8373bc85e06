package expr

import (
	"fmt"
	"go/ast"
	"go/token"
	"strconv"
	"strings"
)

func evalBasicLit(lit *ast.BasicLit) (interface{}, error) {
	switch lit.Kind {
	case token.INT, token.FLOAT:
		f, err := strconv.ParseFloat(lit.Value, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number literal %q: %w", lit.Value, err)
		}
		return f, nil
	case token.STRING:
		s, err := strconv.Unquote(lit.Value)
		if err != nil {
			return nil, fmt.Errorf("bad string literal %q: %w", lit.Value, err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported literal kind %v", lit.Kind)
	}
}

func evalIdent(id *ast.Ident, env Env) (interface{}, error) {
	switch id.Name {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null", "nil":
		return nil, nil
	}
	if v, ok := lookup(env, id.Name); ok {
		return v, nil
	}
	return nil, nil // unresolved identifiers evaluate to null, matching a dynamic dotted-path scope
}

// lookup resolves name directly in env, then via the '-'/'_' aliasing
// BuildContext installs for hyphenated keys (spec.md §4.3, §9).
func lookup(env Env, name string) (interface{}, bool) {
	if v, ok := env[name]; ok {
		return v, true
	}
	if alt := strings.ReplaceAll(name, "_", "-"); alt != name {
		if v, ok := env[alt]; ok {
			return v, true
		}
	}
	return nil, false
}

func evalSelector(sel *ast.SelectorExpr, env Env) (interface{}, error) {
	base, err := evalNode(sel.X, env)
	if err != nil {
		return nil, err
	}
	return indexInto(base, sel.Sel.Name), nil
}

func evalIndex(idx *ast.IndexExpr, env Env) (interface{}, error) {
	base, err := evalNode(idx.X, env)
	if err != nil {
		return nil, err
	}
	key, err := evalNode(idx.Index, env)
	if err != nil {
		return nil, err
	}
	switch k := key.(type) {
	case string:
		return indexInto(base, k), nil
	case float64:
		seq, ok := base.([]interface{})
		if !ok {
			return nil, nil
		}
		i := int(k)
		if i < 0 || i >= len(seq) {
			return nil, nil
		}
		return seq[i], nil
	default:
		return nil, fmt.Errorf("unsupported index key type %T", key)
	}
}

// indexInto resolves field on base, accepting both the literal key and its
// '_'/'-' alias so dotted access to hyphenated keys works transparently
// (spec.md §9 "dual-indexing").
func indexInto(base interface{}, field string) interface{} {
	m, ok := base.(map[string]interface{})
	if !ok {
		return nil
	}
	if v, ok := m[field]; ok {
		return v
	}
	if alt := strings.ReplaceAll(field, "_", "-"); alt != field {
		if v, ok := m[alt]; ok {
			return v
		}
	}
	if alt := strings.ReplaceAll(field, "-", "_"); alt != field {
		if v, ok := m[alt]; ok {
			return v
		}
	}
	return nil
}

func evalUnary(u *ast.UnaryExpr, env Env) (interface{}, error) {
	x, err := evalNode(u.X, env)
	if err != nil {
		return nil, err
	}
	switch u.Op {
	case token.NOT:
		return !isTruthy(x), nil
	case token.SUB:
		n, ok := asNumber(x)
		if !ok {
			return nil, fmt.Errorf("unary - on non-number %T", x)
		}
		return -n, nil
	case token.ADD:
		n, ok := asNumber(x)
		if !ok {
			return nil, fmt.Errorf("unary + on non-number %T", x)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("unsupported unary operator %v", u.Op)
	}
}

func asNumber(v interface{}) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

func evalBinary(b *ast.BinaryExpr, env Env) (interface{}, error) {
	// Logical operators short-circuit.
	switch b.Op {
	case token.LAND:
		l, err := evalNode(b.X, env)
		if err != nil {
			return nil, err
		}
		if !isTruthy(l) {
			return false, nil
		}
		r, err := evalNode(b.Y, env)
		if err != nil {
			return nil, err
		}
		return isTruthy(r), nil
	case token.LOR:
		l, err := evalNode(b.X, env)
		if err != nil {
			return nil, err
		}
		if isTruthy(l) {
			return true, nil
		}
		r, err := evalNode(b.Y, env)
		if err != nil {
			return nil, err
		}
		return isTruthy(r), nil
	}

	l, err := evalNode(b.X, env)
	if err != nil {
		return nil, err
	}
	r, err := evalNode(b.Y, env)
	if err != nil {
		return nil, err
	}

	switch b.Op {
	case token.EQL:
		return equalValues(l, r), nil
	case token.NEQ:
		return !equalValues(l, r), nil
	case token.ADD:
		return evalAdd(l, r)
	case token.SUB, token.MUL, token.QUO, token.REM:
		ln, lok := asNumber(l)
		rn, rok := asNumber(r)
		if !lok || !rok {
			return nil, fmt.Errorf("arithmetic operator %v requires numbers, got %T and %T", b.Op, l, r)
		}
		switch b.Op {
		case token.SUB:
			return ln - rn, nil
		case token.MUL:
			return ln * rn, nil
		case token.QUO:
			if rn == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return ln / rn, nil
		case token.REM:
			if rn == 0 {
				return nil, fmt.Errorf("modulo by zero")
			}
			return float64(int64(ln) % int64(rn)), nil
		}
	case token.LSS, token.LEQ, token.GTR, token.GEQ:
		return evalCompare(b.Op, l, r)
	}
	return nil, fmt.Errorf("unsupported binary operator %v", b.Op)
}

func evalAdd(l, r interface{}) (interface{}, error) {
	if ln, lok := l.(float64); lok {
		if rn, rok := r.(float64); rok {
			return ln + rn, nil
		}
	}
	// String concatenation (spec.md §4.3 "string concat (+)"): either
	// operand being a string makes the whole expression a string concat.
	if _, lok := l.(string); lok {
		return toDisplayString(l) + toDisplayString(r), nil
	}
	if _, rok := r.(string); rok {
		return toDisplayString(l) + toDisplayString(r), nil
	}
	return nil, fmt.Errorf("+ requires numbers or strings, got %T and %T", l, r)
}

func toDisplayString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func evalCompare(op token.Token, l, r interface{}) (interface{}, error) {
	ln, lok := asNumber(l)
	rn, rok := asNumber(r)
	if lok && rok {
		switch op {
		case token.LSS:
			return ln < rn, nil
		case token.LEQ:
			return ln <= rn, nil
		case token.GTR:
			return ln > rn, nil
		case token.GEQ:
			return ln >= rn, nil
		}
	}
	ls, lsok := l.(string)
	rs, rsok := r.(string)
	if lsok && rsok {
		switch op {
		case token.LSS:
			return ls < rs, nil
		case token.LEQ:
			return ls <= rs, nil
		case token.GTR:
			return ls > rs, nil
		case token.GEQ:
			return ls >= rs, nil
		}
	}
	return nil, fmt.Errorf("comparison operator %v requires two numbers or two strings, got %T and %T", op, l, r)
}

func equalValues(l, r interface{}) bool {
	if l == nil || r == nil {
		return l == nil && r == nil
	}
	ln, lok := l.(float64)
	rn, rok := r.(float64)
	if lok && rok {
		return ln == rn
	}
	return fmt.Sprintf("%v", l) == fmt.Sprintf("%v", r) && fmt.Sprintf("%T", l) == fmt.Sprintf("%T", r)
}
