package engine

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/danshapiro/attractor/internal/model"
	"github.com/danshapiro/attractor/internal/runtime"
)

func TestConditionalMatchesEdgeLabelInLastFiveLines(t *testing.T) {
	src := `
digraph G {
  start [shape=Mdiamond]
  review [shape=diamond, prompt="review"]
  ship [shape=box, prompt=s]
  fix [shape=box, prompt=f]
  done [shape=Msquare]
  start -> review
  review -> ship [label="Approve"]
  review -> fix [label="Request changes"]
  ship -> done
  fix -> done
}
`
	backend := &ScriptedBackend{Responses: map[string][]ScriptedResult{
		"review": {{Response: "Lots of analysis here.\n\nVerdict:\napprove", Outcome: costedSuccess(0)}},
	}}
	eng := newTestEngine(t, src, RunOptions{}, backend)
	res, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{"start", "review", "ship", "done"}
	if !reflect.DeepEqual(res.CompletedNodes, want) {
		t.Fatalf("completed: %v want %v", res.CompletedNodes, want)
	}
}

func TestConditionalScansWholeResponseOnTailMiss(t *testing.T) {
	edgesSrc := `
digraph G {
  a -> b [label="Approve"]
  a -> c [label="Reject"]
}
`
	g := parseGraph(t, edgesSrc)
	resp := "approve\nline2\nline3\nline4\nline5\nline6\nline7"
	got := matchResponseLabel(resp, g.Outgoing("a"))
	if got != "Approve" {
		t.Fatalf("whole-response scan: got %q", got)
	}
}

func TestConditionalNoMatchLeavesLabelEmpty(t *testing.T) {
	g := parseGraph(t, `
digraph G {
  a -> b [label="Approve"]
}
`)
	if got := matchResponseLabel("nothing relevant at all", g.Outgoing("a")); got != "" {
		t.Fatalf("expected empty label, got %q", got)
	}
}

func TestToolHandlerSuccess(t *testing.T) {
	src := `
digraph G {
  start [shape=Mdiamond]
  list [shape=parallelogram, tool_command="echo hello-from-tool"]
  done [shape=Msquare]
  start -> list -> done
}
`
	eng := newTestEngine(t, src, RunOptions{}, nil)
	res, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.FinalStatus != runtime.FinalSuccess {
		t.Fatalf("final: %v", res.FinalStatus)
	}
	if got := eng.Context.GetString("list.result", ""); got != "hello-from-tool\n" {
		t.Fatalf("list.result: %q", got)
	}
}

func TestToolHandlerNonZeroExitFails(t *testing.T) {
	src := `
digraph G {
  start [shape=Mdiamond]
  boom [shape=parallelogram, tool_command="exit 3"]
  rescue [shape=box, prompt=r]
  done [shape=Msquare]
  start -> boom
  boom -> done [condition="outcome=success"]
  boom -> rescue [condition="outcome=fail"]
  rescue -> done
}
`
	eng := newTestEngine(t, src, RunOptions{}, nil)
	res, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{"start", "boom", "rescue", "done"}
	if !reflect.DeepEqual(res.CompletedNodes, want) {
		t.Fatalf("fail should route to rescue: %v", res.CompletedNodes)
	}
}

func TestToolHandlerTimeout(t *testing.T) {
	src := `
digraph G {
  start [shape=Mdiamond]
  slow [shape=parallelogram, tool_command="sleep 5", timeout=1s]
  rescue [shape=box, prompt=r]
  done [shape=Msquare]
  start -> slow
  slow -> done [condition="outcome=success"]
  slow -> rescue [condition="outcome=fail"]
  rescue -> done
}
`
	eng := newTestEngine(t, src, RunOptions{}, nil)
	res, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := eng.Context.GetString("failure_reason", ""); got != "timeout" {
		t.Fatalf("failure_reason: %q", got)
	}
	want := []string{"start", "slow", "rescue", "done"}
	if !reflect.DeepEqual(res.CompletedNodes, want) {
		t.Fatalf("timeout should route to rescue: %v", res.CompletedNodes)
	}
}

const waitHumanSrc = `
digraph G {
  start [shape=Mdiamond]
  gate [shape=hexagon, question="Ship it?"]
  ship [shape=box, prompt=s]
  hold [shape=box, prompt=h]
  done [shape=Msquare]
  start -> gate
  gate -> ship [label="Ship"]
  gate -> hold [label="Hold"]
  ship -> done
  hold -> done
}
`

func TestWaitHumanSuspendsWithoutInterviewer(t *testing.T) {
	eng := newTestEngine(t, waitHumanSrc, RunOptions{}, nil)
	eng.Interviewer = nil
	res, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Suspended || res.WaitingNode != "gate" {
		t.Fatalf("expected suspension at gate: %+v", res)
	}
	// The suspension checkpoint points at the waiting node so resume
	// re-dispatches it.
	cp, err := runtime.LoadCheckpoint(runtime.Path(eng.Options.LogsRoot, res.SessionID))
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if cp.CurrentNode != "gate" {
		t.Fatalf("checkpoint current_node: %q", cp.CurrentNode)
	}
	if _, ok := cp.NodeOutcomes["gate"]; ok {
		t.Fatal("suspended node must not have a recorded outcome")
	}
}

func TestWaitHumanAutoApprovePicksFirstOption(t *testing.T) {
	eng := newTestEngine(t, waitHumanSrc, RunOptions{}, nil)
	res, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{"start", "gate", "ship", "done"}
	if !reflect.DeepEqual(res.CompletedNodes, want) {
		t.Fatalf("auto-approve should take the first edge: %v", res.CompletedNodes)
	}
}

func TestWaitHumanInjectedResponse(t *testing.T) {
	eng := newTestEngine(t, waitHumanSrc, RunOptions{HumanResponse: "Hold"}, nil)
	res, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{"start", "gate", "hold", "done"}
	if !reflect.DeepEqual(res.CompletedNodes, want) {
		t.Fatalf("injected response should route to hold: %v", res.CompletedNodes)
	}
}

func TestManagerLoopsUntilDone(t *testing.T) {
	src := `
digraph G {
  start [shape=Mdiamond]
  mgr [shape=house, prompt="manage the queue", max_retries=5]
  done [shape=Msquare]
  start -> mgr -> done
}
`
	backend := &ScriptedBackend{Responses: map[string][]ScriptedResult{
		"mgr": {
			{Response: "working on item 1", Outcome: costedSuccess(0)},
			{Response: "working on item 2", Outcome: costedSuccess(0)},
			{Response: "all items handled\nDONE", Outcome: costedSuccess(0)},
		},
	}}
	eng := newTestEngine(t, src, RunOptions{}, backend)
	res, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.FinalStatus != runtime.FinalSuccess {
		t.Fatalf("final: %v", res.FinalStatus)
	}
	if got, _ := eng.Context.Get("mgr.iterations"); got != 3 {
		t.Fatalf("iterations: %v", got)
	}
}

func TestPanicInHandlerBecomesFailOutcome(t *testing.T) {
	src := `
digraph G {
  start [shape=Mdiamond]
  wild [shape=box, prompt=x]
  rescue [shape=box, prompt=r]
  done [shape=Msquare]
  start -> wild
  wild -> done [condition="outcome=success"]
  wild -> rescue [condition="outcome=fail"]
  rescue -> done
}
`
	eng := newTestEngine(t, src, RunOptions{}, &panickyBackend{})
	res, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("panic must not abort the run: %v", err)
	}
	want := []string{"start", "wild", "rescue", "done"}
	if !reflect.DeepEqual(res.CompletedNodes, want) {
		t.Fatalf("panic should route as fail: %v", res.CompletedNodes)
	}
}

type panickyBackend struct{}

func (b *panickyBackend) Run(ctx context.Context, exec *Execution, node *model.Node, prompt string) (string, *runtime.Outcome, error) {
	panic("backend exploded")
}

func TestRegistryResolveUnknownKind(t *testing.T) {
	reg := NewDefaultRegistry()
	g := parseGraph(t, `digraph G { n [node_type=never_registered] }`)
	_, err := reg.Resolve(g.Nodes["n"])
	var hm *HandlerMissing
	if !errors.As(err, &hm) {
		t.Fatalf("want HandlerMissing, got %v", err)
	}
}

func TestTruncateHeadTail(t *testing.T) {
	long := make([]byte, 100)
	for i := range long {
		long[i] = byte('a' + i%26)
	}
	got := truncateHeadTail(string(long), 20)
	if len(got) >= 100 {
		t.Fatalf("not truncated: %d", len(got))
	}
	if got[:10] != string(long[:10]) {
		t.Fatalf("head lost: %q", got)
	}
	if got[len(got)-10:] != string(long[90:]) {
		t.Fatalf("tail lost: %q", got)
	}
}
