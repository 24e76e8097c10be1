package engine

import (
	"testing"

	"github.com/danshapiro/attractor/internal/dot"
	"github.com/danshapiro/attractor/internal/model"
	"github.com/danshapiro/attractor/internal/runtime"
)

func parseGraph(t *testing.T, src string) *model.Graph {
	t.Helper()
	g, err := dot.Parse([]byte(src))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return g
}

func TestSelectConditionMatchWins(t *testing.T) {
	g := parseGraph(t, `
digraph G {
  a -> b [condition="outcome=success"]
  a -> c [weight=100]
}
`)
	out := runtime.Outcome{Status: runtime.StatusSuccess}
	e, err := selectNextEdge(g, "a", out, runtime.NewContext())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if e == nil || e.To != "b" {
		t.Fatalf("want b, got %+v", e)
	}
}

func TestSelectMultipleConditionMatchesTiebreak(t *testing.T) {
	g := parseGraph(t, `
digraph G {
  a -> b [condition="outcome=success", weight=1]
  a -> c [condition="outcome=success", weight=5]
}
`)
	out := runtime.Outcome{Status: runtime.StatusSuccess}
	e, err := selectNextEdge(g, "a", out, runtime.NewContext())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if e == nil || e.To != "c" {
		t.Fatalf("highest weight among matches should win, got %+v", e)
	}
}

func TestSelectPreferredLabel(t *testing.T) {
	g := parseGraph(t, `
digraph G {
  a -> b [label="approve"]
  a -> c [label="reject", weight=100]
}
`)
	out := runtime.Outcome{Status: runtime.StatusSuccess, PreferredLabel: "Approve"}
	e, err := selectNextEdge(g, "a", out, runtime.NewContext())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if e == nil || e.To != "b" {
		t.Fatalf("preferred label should beat weight, got %+v", e)
	}
}

func TestSelectPreferredLabelStripsAccelerator(t *testing.T) {
	g := parseGraph(t, `
digraph G {
  a -> b [label="[Y] Yes, approve"]
  a -> c [label="[N] No"]
}
`)
	out := runtime.Outcome{Status: runtime.StatusSuccess, PreferredLabel: "yes, approve"}
	e, err := selectNextEdge(g, "a", out, runtime.NewContext())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if e == nil || e.To != "b" {
		t.Fatalf("accelerator stripping failed, got %+v", e)
	}
}

func TestSelectSuggestedNextIDs(t *testing.T) {
	g := parseGraph(t, `
digraph G {
  a -> b [weight=100]
  a -> c
}
`)
	out := runtime.Outcome{Status: runtime.StatusSuccess, SuggestedNextIDs: []string{"c", "b"}}
	e, err := selectNextEdge(g, "a", out, runtime.NewContext())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if e == nil || e.To != "c" {
		t.Fatalf("earliest suggested id should win, got %+v", e)
	}
}

func TestSelectHighestWeight(t *testing.T) {
	g := parseGraph(t, `
digraph G {
  a -> b [weight=1]
  a -> c [weight=5]
}
`)
	out := runtime.Outcome{Status: runtime.StatusSuccess}
	e, err := selectNextEdge(g, "a", out, runtime.NewContext())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if e == nil || e.To != "c" {
		t.Fatalf("want c, got %+v", e)
	}
}

func TestSelectLexicalTiebreak(t *testing.T) {
	g := parseGraph(t, `
digraph G {
  a -> c [weight=1]
  a -> b [weight=1]
}
`)
	out := runtime.Outcome{Status: runtime.StatusSuccess}
	e, err := selectNextEdge(g, "a", out, runtime.NewContext())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if e == nil || e.To != "b" {
		t.Fatalf("lexical tiebreak should pick b, got %+v", e)
	}
}

func TestSelectNoEdgesIsTerminal(t *testing.T) {
	g := parseGraph(t, `digraph G { a [shape=box] }`)
	e, err := selectNextEdge(g, "a", runtime.Outcome{Status: runtime.StatusSuccess}, runtime.NewContext())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if e != nil {
		t.Fatalf("expected nil edge, got %+v", e)
	}
}

func TestSelectFalseConditionFallsThrough(t *testing.T) {
	g := parseGraph(t, `
digraph G {
  a -> b [condition="outcome=fail"]
  a -> c
}
`)
	out := runtime.Outcome{Status: runtime.StatusSuccess}
	e, err := selectNextEdge(g, "a", out, runtime.NewContext())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if e == nil || e.To != "c" {
		t.Fatalf("want unconditional c, got %+v", e)
	}
}

func TestSelectAllConditionalNoneMatchedFallsBackToFirst(t *testing.T) {
	g := parseGraph(t, `
digraph G {
  a -> b [condition="outcome=fail"]
  a -> c [condition="outcome=retry"]
}
`)
	out := runtime.Outcome{Status: runtime.StatusSuccess}
	e, err := selectNextEdge(g, "a", out, runtime.NewContext())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if e == nil || e.To != "b" {
		t.Fatalf("want first declared edge b, got %+v", e)
	}
}

func TestSelectConditionOnContextKey(t *testing.T) {
	g := parseGraph(t, `
digraph G {
  a -> b [condition="review.result=approved"]
  a -> c
}
`)
	ctx := runtime.NewContext()
	ctx.Set("review.result", "approved")
	out := runtime.Outcome{Status: runtime.StatusSuccess}
	e, err := selectNextEdge(g, "a", out, ctx)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if e == nil || e.To != "b" {
		t.Fatalf("context condition should match, got %+v", e)
	}
}

func TestNormalizeLabel(t *testing.T) {
	cases := map[string]string{
		"[Y] Yes, approve": "yes, approve",
		"Y) Yes, approve":  "yes, approve",
		"Y- Yes, approve":  "yes, approve",
		"  Approve  ":      "approve",
		"&Fix":             "fix",
	}
	for in, want := range cases {
		if got := normalizeLabel(in); got != want {
			t.Fatalf("normalizeLabel(%q) = %q, want %q", in, got, want)
		}
	}
}
