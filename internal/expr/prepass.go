package expr

import (
	"fmt"
	"go/scanner"
	"go/token"
	"strings"
)

// ppQuestion is a pseudo go/token value for '?': go/token has no token for
// it (Go has no ternary operator), so the scanner reports it as ILLEGAL and
// this package gives it its own sentinel to track through the rewrite below.
const ppQuestion token.Token = token.Token(-1)

type ppToken struct {
	tok  token.Token
	text string
}

// preprocess rewrites the surface syntax spec.md §4.3 calls for — ternary
// `cond ? a : b` and infix and/or/not — into the plain Go expression syntax
// go/parser understands, so Eval can keep using go/parser/go/ast underneath
// rather than hand-rolling a full expression parser. `&&`, `||`, and `!`
// keep working unchanged: they pass straight through the tokenizer below
// exactly as go/parser already parses them.
func preprocess(src string) (string, error) {
	toks, err := ppTokenize(src)
	if err != nil {
		return "", err
	}
	return ppRender(toks), nil
}

func ppTokenize(src string) ([]ppToken, error) {
	fset := token.NewFileSet()
	file := fset.AddFile("", fset.Base(), len(src))
	var s scanner.Scanner
	s.Init(file, []byte(src), nil, scanner.ScanComments)

	var toks []ppToken
	prev := token.ILLEGAL
	for {
		_, tok, lit := s.Scan()
		if tok == token.EOF {
			break
		}
		switch {
		case tok == token.IDENT && lit == "and" && prev != token.PERIOD:
			toks = append(toks, ppToken{token.LAND, "&&"})
		case tok == token.IDENT && lit == "or" && prev != token.PERIOD:
			toks = append(toks, ppToken{token.LOR, "||"})
		case tok == token.IDENT && lit == "not" && prev != token.PERIOD:
			toks = append(toks, ppToken{token.NOT, "!"})
		case tok == token.ILLEGAL && lit == "?":
			toks = append(toks, ppToken{ppQuestion, "?"})
		case tok == token.ILLEGAL:
			return nil, fmt.Errorf("unexpected character %q", lit)
		case lit != "":
			toks = append(toks, ppToken{tok, lit})
		default:
			toks = append(toks, ppToken{tok, tok.String()})
		}
		prev = tok
	}
	return toks, nil
}

// ppRender collapses bracketed groups (recursing into their contents first,
// so a ternary or word-logical nested inside parens/brackets is rewritten
// too) and then resolves any top-level ternary in what remains.
func ppRender(toks []ppToken) string {
	toks = ppCollapseGroups(toks)
	toks = ppRewriteTernary(toks)
	return ppJoin(toks)
}

func ppCollapseGroups(toks []ppToken) []ppToken {
	var out []ppToken
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if t.tok != token.LPAREN && t.tok != token.LBRACK {
			out = append(out, t)
			continue
		}
		end := ppMatchBracket(toks, i)
		inner := ppRender(toks[i+1 : end])
		open, close := "(", ")"
		if t.tok == token.LBRACK {
			open, close = "[", "]"
		}
		out = append(out, ppToken{tok: token.IDENT, text: open + inner + close})
		i = end
	}
	return out
}

// ppMatchBracket returns the index of the bracket matching the opener at
// start, tracking combined paren/bracket depth (a mismatched pair in
// malformed input just produces a different downstream parser error, which
// is fine: malformed expressions are expected to fail regardless).
func ppMatchBracket(toks []ppToken, start int) int {
	depth := 0
	for i := start; i < len(toks); i++ {
		switch toks[i].tok {
		case token.LPAREN, token.LBRACK:
			depth++
		case token.RPAREN, token.RBRACK:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return len(toks) - 1
}

// ppRewriteTernary finds the first top-level '?' in a (bracket-free) token
// run, locates its matching ':' (skipping over any nested, unparenthesized
// ternary so right-associative chains like `a ? b : c ? d : e` resolve as
// `a ? b : (c ? d : e)`), and rewrites the whole thing to iff(cond, a, b).
func ppRewriteTernary(toks []ppToken) []ppToken {
	qi := -1
	for i, t := range toks {
		if t.tok == ppQuestion {
			qi = i
			break
		}
	}
	if qi == -1 {
		return toks
	}

	pending := 0
	ci := -1
	for i := qi + 1; i < len(toks); i++ {
		switch toks[i].tok {
		case ppQuestion:
			pending++
		case token.COLON:
			if pending == 0 {
				ci = i
			} else {
				pending--
			}
		}
		if ci != -1 {
			break
		}
	}
	if ci == -1 {
		return toks // malformed ternary; let go/parser report the syntax error
	}

	cond := ppJoin(ppRewriteTernary(toks[:qi]))
	whenTrue := ppJoin(ppRewriteTernary(toks[qi+1 : ci]))
	whenFalse := ppJoin(ppRewriteTernary(toks[ci+1:]))
	combined := fmt.Sprintf("iff(%s, %s, %s)", cond, whenTrue, whenFalse)
	return []ppToken{{tok: token.IDENT, text: combined}}
}

func ppJoin(toks []ppToken) string {
	var sb strings.Builder
	for i, t := range toks {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(t.text)
	}
	return sb.String()
}
