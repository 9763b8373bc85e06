package expr

import "testing"

func TestEvalArithmetic(t *testing.T) {
	v, err := Eval("1 + 2 * 3", Env{})
	if err != nil {
		t.Fatal(err)
	}
	if v.(float64) != 7 {
		t.Fatalf("got %v want 7", v)
	}
}

func TestEvalComparison(t *testing.T) {
	ok, err := Truthy("3 >= 2 && 1 < 2", Env{})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected true")
	}
}

func TestEvalStringConcat(t *testing.T) {
	v, err := Eval(`"hello " + "world"`, Env{})
	if err != nil {
		t.Fatal(err)
	}
	if v.(string) != "hello world" {
		t.Fatalf("got %q", v)
	}
}

func TestEvalWordLogical(t *testing.T) {
	v, err := Eval("true and not false", Env{})
	if err != nil {
		t.Fatal(err)
	}
	if v.(bool) != true {
		t.Fatalf("got %v", v)
	}
}

func TestEvalWordLogicalOr(t *testing.T) {
	v, err := Eval("false or true", Env{})
	if err != nil {
		t.Fatal(err)
	}
	if v.(bool) != true {
		t.Fatalf("got %v", v)
	}
}

// TestWordLogicalDoesNotMangleFieldNames guards the prepass against
// rewriting a selector field literally named and/or/not.
func TestWordLogicalDoesNotMangleFieldNames(t *testing.T) {
	env := BuildContext(nil, map[string]interface{}{"and": "ok"}, nil, nil, LoopContext{})
	v, err := Eval("variables.and", env)
	if err != nil {
		t.Fatal(err)
	}
	if v.(string) != "ok" {
		t.Fatalf("got %v want ok", v)
	}
}

func TestEvalTernary(t *testing.T) {
	v, err := Eval(`1 < 2 ? "yes" : "no"`, Env{})
	if err != nil {
		t.Fatal(err)
	}
	if v.(string) != "yes" {
		t.Fatalf("got %q", v)
	}
}

func TestEvalNestedTernary(t *testing.T) {
	v, err := Eval(`1 > 2 ? "a" : 2 > 3 ? "b" : "c"`, Env{})
	if err != nil {
		t.Fatal(err)
	}
	if v.(string) != "c" {
		t.Fatalf("got %q want c", v)
	}
}

func TestEvalTernaryInsideCall(t *testing.T) {
	v, err := Eval(`str(1 < 2 ? 1 : 0) + "x"`, Env{})
	if err != nil {
		t.Fatal(err)
	}
	if v.(string) != "1x" {
		t.Fatalf("got %q", v)
	}
}

func TestEvalIff(t *testing.T) {
	v, err := Eval(`iff(1 < 2, "yes", "no")`, Env{})
	if err != nil {
		t.Fatal(err)
	}
	if v.(string) != "yes" {
		t.Fatalf("got %q", v)
	}
}

func TestEvalBuiltins(t *testing.T) {
	cases := map[string]interface{}{
		`len("abc")`:      float64(3),
		`floor(1.8)`:      float64(1),
		`ceil(1.2)`:       float64(2),
		`round(1.5)`:      float64(2),
		`min(3, 1, 2)`:    float64(1),
		`max(3, 1, 2)`:    float64(3),
		`abs(-4)`:         float64(4),
		`num("42")`:       float64(42),
		`bool("x")`:       true,
		`str(1)`:          "1",
	}
	for src, want := range cases {
		got, err := Eval(src, Env{})
		if err != nil {
			t.Fatalf("%s: %v", src, err)
		}
		if got != want {
			t.Fatalf("%s: got %v want %v", src, got, want)
		}
	}
}

// TestHyphenatedOutputAccess is spec.md §8 boundary scenario 5: with
// outputs = {"rerun-tests": {summary: {total_failed: 2}}}, the expression
// outputs.rerun_tests.summary.total_failed > 0 evaluates true.
func TestHyphenatedOutputAccess(t *testing.T) {
	outputs := map[string]map[string]interface{}{
		"rerun-tests": {
			"summary": map[string]interface{}{
				"total_failed": float64(2),
			},
		},
	}
	env := BuildContext(outputs, nil, nil, nil, LoopContext{})
	ok, err := Truthy("outputs.rerun_tests.summary.total_failed > 0", env)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected true")
	}
}

func TestUnresolvedIdentifierIsNull(t *testing.T) {
	v, err := Eval("missing", Env{})
	if err != nil {
		t.Fatal(err)
	}
	if v != nil {
		t.Fatalf("got %v want nil", v)
	}
}

func TestNoIOOrAssignment(t *testing.T) {
	// Anything outside the supported node set (e.g. a composite literal, a
	// function definition) fails to parse or evaluate rather than running.
	if _, err := Eval("func() {}()", Env{}); err == nil {
		t.Fatal("expected error for function literal")
	}
}
