package cond

import (
	"testing"

	"github.com/danshapiro/attractor/internal/runtime"
)

func TestEvaluateOutcomeEquality(t *testing.T) {
	out := runtime.Outcome{Status: runtime.StatusSuccess}
	ok, err := Evaluate("outcome=success", out, runtime.NewContext())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !ok {
		t.Fatal("outcome=success should match a success outcome")
	}
}

func TestEvaluateOutcomeCaseInsensitive(t *testing.T) {
	out := runtime.Outcome{Status: runtime.StatusSuccess}
	for _, expr := range []string{"outcome=SUCCESS", "outcome=Success"} {
		ok, err := Evaluate(expr, out, runtime.NewContext())
		if err != nil {
			t.Fatalf("%s: %v", expr, err)
		}
		if !ok {
			t.Fatalf("%s should match", expr)
		}
	}
}

func TestEvaluateOutcomeAliases(t *testing.T) {
	out := runtime.Outcome{Status: runtime.StatusFail}
	ok, err := Evaluate("outcome=failure", out, runtime.NewContext())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !ok {
		t.Fatal("failure should canonicalize to fail")
	}
}

func TestEvaluatePreferredLabelCaseInsensitive(t *testing.T) {
	out := runtime.Outcome{Status: runtime.StatusSuccess, PreferredLabel: "PASS"}
	ok, err := Evaluate("preferred_label=pass", out, runtime.NewContext())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !ok {
		t.Fatal("preferred_label compare should be case-insensitive")
	}
}

func TestEvaluateContextKeyExact(t *testing.T) {
	ctx := runtime.NewContext()
	ctx.Set("review.result", "Approved")
	out := runtime.Outcome{Status: runtime.StatusSuccess}

	ok, err := Evaluate("review.result=Approved", out, ctx)
	if err != nil || !ok {
		t.Fatalf("exact match failed: ok=%v err=%v", ok, err)
	}
	// Context comparisons are exact, not case-insensitive.
	ok, err = Evaluate("review.result=approved", out, ctx)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if ok {
		t.Fatal("context compare must be case-sensitive")
	}
}

func TestEvaluateConjunction(t *testing.T) {
	ctx := runtime.NewContext()
	ctx.Set("attempts", 2)
	out := runtime.Outcome{Status: runtime.StatusSuccess}
	ok, err := Evaluate("outcome=success && attempts=2", out, ctx)
	if err != nil || !ok {
		t.Fatalf("conjunction: ok=%v err=%v", ok, err)
	}
	ok, err = Evaluate("outcome=success && attempts=3", out, ctx)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if ok {
		t.Fatal("false clause must fail the conjunction")
	}
}

func TestEvaluateNotEqual(t *testing.T) {
	out := runtime.Outcome{Status: runtime.StatusFail}
	ok, err := Evaluate("outcome!=success", out, runtime.NewContext())
	if err != nil || !ok {
		t.Fatalf("!=: ok=%v err=%v", ok, err)
	}
}

func TestEvaluateUnknownKeyIsFalse(t *testing.T) {
	out := runtime.Outcome{Status: runtime.StatusSuccess}
	ok, err := Evaluate("no_such_key=value", out, runtime.NewContext())
	if err != nil {
		t.Fatalf("unknown key must not error: %v", err)
	}
	if ok {
		t.Fatal("unknown key should evaluate to false")
	}
	// But != against a missing key holds (empty != "value").
	ok, err = Evaluate("no_such_key!=value", out, runtime.NewContext())
	if err != nil || !ok {
		t.Fatalf("missing key !=: ok=%v err=%v", ok, err)
	}
}

func TestEvaluateEmptyConditionIsTrue(t *testing.T) {
	ok, err := Evaluate("", runtime.Outcome{Status: runtime.StatusFail}, runtime.NewContext())
	if err != nil || !ok {
		t.Fatalf("empty condition: ok=%v err=%v", ok, err)
	}
}

func TestParseRejectsBadSyntax(t *testing.T) {
	for _, expr := range []string{
		"a<b",
		"x|y",
		"=value",
		"key=",
		"bad key=v",
	} {
		if _, err := Parse(expr); err == nil {
			t.Fatalf("expected parse error for %q", expr)
		}
	}
}

func TestParseAcceptsDottedKeys(t *testing.T) {
	for _, expr := range []string{
		"context.review.result=ok",
		"review.result!=bad",
		"outcome=success && preferred_label=PASS",
	} {
		if _, err := Parse(expr); err != nil {
			t.Fatalf("parse %q: %v", expr, err)
		}
	}
}

func TestBareKeyTruthiness(t *testing.T) {
	ctx := runtime.NewContext()
	ctx.Set("enabled", "true")
	ctx.Set("disabled", "false")
	out := runtime.Outcome{Status: runtime.StatusSuccess}

	if ok, _ := Evaluate("enabled", out, ctx); !ok {
		t.Fatal("truthy bare key")
	}
	if ok, _ := Evaluate("disabled", out, ctx); ok {
		t.Fatal("false-valued bare key")
	}
	if ok, _ := Evaluate("missing", out, ctx); ok {
		t.Fatal("missing bare key")
	}
}
