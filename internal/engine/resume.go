package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/danshapiro/attractor/internal/runtime"
)

type ResumeOptions struct {
	// CheckpointPath selects an explicit snapshot; empty picks the newest
	// *.ckpt in the logs root.
	CheckpointPath string

	// HumanResponse answers the wait-human node the run suspended on.
	HumanResponse string
}

// Resume rebuilds engine state from the latest checkpoint in logsRoot and
// continues the traversal. Execution is at-least-once: the node recorded
// as current may run again if its outcome did not land before the crash.
func Resume(ctx context.Context, logsRoot string, opts ResumeOptions) (*Result, error) {
	ckptPath := strings.TrimSpace(opts.CheckpointPath)
	if ckptPath == "" {
		latest, err := runtime.LatestCheckpoint(logsRoot)
		if err != nil {
			return nil, &ResumeError{Reason: "scan logs root", Err: err}
		}
		if latest == "" {
			return nil, &ResumeError{Reason: fmt.Sprintf("no checkpoint found in %s", logsRoot)}
		}
		ckptPath = latest
	}
	cp, err := runtime.LoadCheckpoint(ckptPath)
	if err != nil {
		return nil, &ResumeError{Reason: "load checkpoint", Err: err}
	}

	src, err := os.ReadFile(filepath.Join(logsRoot, "graph.dot"))
	if err != nil {
		return nil, &ResumeError{Reason: "read graph source", Err: err}
	}
	g, _, err := Prepare(src)
	if err != nil {
		return nil, &ResumeError{Reason: "prepare graph", Err: err}
	}

	// The checkpoint must reference nodes the graph still has.
	if strings.TrimSpace(cp.CurrentNode) == "" {
		return nil, &ResumeError{Reason: "checkpoint missing current_node"}
	}
	if _, ok := g.Nodes[cp.CurrentNode]; !ok {
		return nil, &ResumeError{Reason: fmt.Sprintf("checkpoint references missing node %q", cp.CurrentNode)}
	}
	for _, id := range cp.CompletedNodes {
		if _, ok := g.Nodes[id]; !ok {
			return nil, &ResumeError{Reason: fmt.Sprintf("checkpoint references missing node %q", id)}
		}
	}

	eng, err := New(g, RunOptions{
		SessionID:     cp.SessionID,
		LogsRoot:      logsRoot,
		HumanResponse: opts.HumanResponse,
	})
	if err != nil {
		return nil, err
	}
	eng.DotSource = src
	eng.restoreFromCheckpoint(cp)
	eng.appendProgress(map[string]any{
		"event":        "resumed",
		"checkpoint":   ckptPath,
		"current_node": cp.CurrentNode,
	})
	return eng.resumeLoop(ctx, cp)
}

// restoreFromCheckpoint loads context, completed-node bookkeeping, and
// counters from the snapshot.
func (e *Engine) restoreFromCheckpoint(cp *runtime.Checkpoint) {
	e.Context.ReplaceSnapshot(cp.ContextValues, cp.Logs)
	e.seedContext()
	e.state = newTraversalState()
	for _, id := range cp.CompletedNodes {
		if out, ok := cp.NodeOutcomes[id]; ok {
			e.state.record(id, out)
		}
	}
	e.totalCost = cp.TotalCost
	e.stepCount = cp.StepCount
	e.lastCheckpointPath = runtime.Path(e.Options.LogsRoot, e.Options.SessionID)
}

// resumeLoop decides where to re-enter. A suspended run checkpoints the
// waiting node before it completes, so a current node without a recorded
// outcome is re-dispatched; otherwise routing is re-evaluated from the
// recorded outcome and the traversal continues at the next hop.
func (e *Engine) resumeLoop(ctx context.Context, cp *runtime.Checkpoint) (*Result, error) {
	rec, completed := e.state.outcomes[cp.CurrentNode]
	if !completed {
		return e.runLoop(ctx, cp.CurrentNode)
	}

	node := e.Graph.Nodes[cp.CurrentNode]
	next, err := selectNextEdge(e.Graph, cp.CurrentNode, rec.Outcome, e.Context)
	if err != nil {
		return nil, err
	}
	if next == nil {
		if rec.Outcome.Status == runtime.StatusFail {
			return nil, &HandlerError{NodeID: cp.CurrentNode, Reason: rec.Outcome.FailureReason}
		}
		e.persistFinal(runtime.FinalSuccess, "")
		return e.result(runtime.FinalSuccess), nil
	}
	if next.LoopRestart() {
		if err := e.loopRestart(node, rec.Outcome); err != nil {
			return nil, err
		}
	}
	return e.runLoop(ctx, next.To)
}
