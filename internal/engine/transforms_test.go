package engine

import (
	"errors"
	"strings"
	"testing"

	"github.com/danshapiro/attractor/internal/model"
	"github.com/danshapiro/attractor/internal/runtime"
	"github.com/danshapiro/attractor/internal/validate"
)

func TestPrepareAppliesStylesheet(t *testing.T) {
	src := `
digraph G {
  stylesheet = "* { llm_model: base } .fast { llm_model: cheap }"
  start [shape=Mdiamond]
  a [shape=box, prompt=x]
  b [shape=box, prompt=y, classes="fast"]
  done [shape=Msquare]
  start -> a -> b -> done
}
`
	g, _, err := Prepare([]byte(src))
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if got := g.Nodes["a"].Attr("llm_model", ""); got != "base" {
		t.Fatalf("a model: %q", got)
	}
	if got := g.Nodes["b"].Attr("llm_model", ""); got != "cheap" {
		t.Fatalf("b model: %q", got)
	}
}

func TestPrepareRejectsBadStylesheet(t *testing.T) {
	src := `
digraph G {
  stylesheet = "* { llm_model }"
  start [shape=Mdiamond]
  done [shape=Msquare]
  start -> done
}
`
	_, diags, err := Prepare([]byte(src))
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("want ValidationError, got %v", err)
	}
	found := false
	for _, d := range diags {
		if d.Rule == validate.RuleStylesheetSyntax {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected stylesheet diagnostic, got %v", diags)
	}
}

func TestPrepareExpandsGoal(t *testing.T) {
	src := `
digraph G {
  goal = "fix the bug"
  start [shape=Mdiamond]
  a [shape=box, prompt="Your task: $goal"]
  done [shape=Msquare]
  start -> a -> done
}
`
	g, _, err := Prepare([]byte(src))
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if got := g.Nodes["a"].Prompt(); got != "Your task: fix the bug" {
		t.Fatalf("goal expansion: %q", got)
	}
}

func TestPrepareExpandsGraphVariables(t *testing.T) {
	src := `
digraph G {
  team = "platform"
  start [shape=Mdiamond]
  a [shape=box, prompt="Notify ${ctx.team} when done"]
  done [shape=Msquare]
  start -> a -> done
}
`
	g, _, err := Prepare([]byte(src))
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if got := g.Nodes["a"].Prompt(); got != "Notify platform when done" {
		t.Fatalf("variable expansion: %q", got)
	}
}

func TestExpandVariablesLeavesUnresolvedIntact(t *testing.T) {
	ctx := runtime.NewContext()
	ctx.Set("known", "yes")
	got := ExpandVariables("a=${ctx.known} b=${ctx.unknown}", ctx)
	if got != "a=yes b=${ctx.unknown}" {
		t.Fatalf("expansion: %q", got)
	}
}

func TestPrepareIsDeterministic(t *testing.T) {
	src := `
digraph G {
  goal = "g"
  stylesheet = "* { llm_model: m }"
  start [shape=Mdiamond]
  a [shape=box, prompt="$goal"]
  done [shape=Msquare]
  start -> a -> done
}
`
	g1, _, err := Prepare([]byte(src))
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	g2, _, err := Prepare([]byte(src))
	if err != nil {
		t.Fatalf("prepare again: %v", err)
	}
	if g1.Nodes["a"].Prompt() != g2.Nodes["a"].Prompt() {
		t.Fatal("prepare must be deterministic")
	}
	if !strings.Contains(g1.Nodes["a"].Prompt(), "g") {
		t.Fatalf("prompt: %q", g1.Nodes["a"].Prompt())
	}
}

func TestCustomTransformRuns(t *testing.T) {
	src := `
digraph G {
  start [shape=Mdiamond]
  a [shape=box, prompt=x]
  done [shape=Msquare]
  start -> a -> done
}
`
	tagger := &taggingTransform{}
	g, _, err := Prepare([]byte(src), tagger)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if got := g.Nodes["a"].Attr("tagged", ""); got != "true" {
		t.Fatalf("custom transform not applied: %q", got)
	}
}

type taggingTransform struct{}

func (taggingTransform) ID() string { return "tagger" }

func (taggingTransform) Apply(g *model.Graph) error {
	for _, n := range g.Nodes {
		n.Attrs["tagged"] = "true"
	}
	return nil
}
