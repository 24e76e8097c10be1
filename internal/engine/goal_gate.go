package engine

import (
	"sort"
	"strings"
	"time"

	"github.com/danshapiro/attractor/internal/model"
	"github.com/danshapiro/attractor/internal/runtime"
)

// outcomeRecord pairs an outcome with its position in the traversal so
// goal-gate auditing can order gates by when they ran and loop resets can
// identify downstream work.
type outcomeRecord struct {
	Outcome runtime.Outcome
	Seq     int
	At      time.Time
}

// traversalState is the engine's bookkeeping for one execution segment
// (between loop resets).
type traversalState struct {
	completed []string
	outcomes  map[string]outcomeRecord
	seq       int
}

func newTraversalState() *traversalState {
	return &traversalState{outcomes: map[string]outcomeRecord{}}
}

func (s *traversalState) record(nodeID string, out runtime.Outcome) {
	s.seq++
	s.completed = append(s.completed, nodeID)
	s.outcomes[nodeID] = outcomeRecord{Outcome: out, Seq: s.seq, At: time.Now().UTC()}
}

func (s *traversalState) outcomeMap() map[string]runtime.Outcome {
	out := make(map[string]runtime.Outcome, len(s.outcomes))
	for id, rec := range s.outcomes {
		out[id] = rec.Outcome
	}
	return out
}

// reset clears completed-node bookkeeping for a loop restart. The context
// is deliberately untouched: knowledge accumulates across retries.
func (s *traversalState) reset() {
	s.completed = nil
	s.outcomes = map[string]outcomeRecord{}
	s.seq = 0
}

// firstFailingGate returns the earliest-traversed goal_gate node whose
// last outcome is not success/partial_success, or "" when every gate
// holds. Gates that never ran are not audited.
func firstFailingGate(g *model.Graph, state *traversalState) string {
	type gate struct {
		id  string
		seq int
	}
	var failing []gate
	for id, rec := range state.outcomes {
		n := g.Nodes[id]
		if n == nil || !n.GoalGate() {
			continue
		}
		if !rec.Outcome.Status.Satisfied() {
			failing = append(failing, gate{id: id, seq: rec.Seq})
		}
	}
	if len(failing) == 0 {
		return ""
	}
	sort.Slice(failing, func(i, j int) bool { return failing[i].seq < failing[j].seq })
	return failing[0].id
}

// resolveRetryTarget consults, in order: the failing node's retry_target,
// its fallback_retry_target, then the graph-level equivalents.
func resolveRetryTarget(g *model.Graph, nodeID string) string {
	n := g.Nodes[strings.TrimSpace(nodeID)]
	if n != nil {
		if t := strings.TrimSpace(n.Attr("retry_target", "")); t != "" {
			return t
		}
		if t := strings.TrimSpace(n.Attr("fallback_retry_target", "")); t != "" {
			return t
		}
	}
	if t := strings.TrimSpace(g.Attrs["retry_target"]); t != "" {
		return t
	}
	if t := strings.TrimSpace(g.Attrs["fallback_retry_target"]); t != "" {
		return t
	}
	return ""
}

// rollBackTo removes the retry target and everything that ran after it
// from the traversal state, so the section re-executes. Downstream is
// approximated by outcome recency: any node whose outcome sequence is at
// or after the target's prior outcome is dropped. A target that never ran
// leaves the state untouched — the jump alone re-enters the section.
func (s *traversalState) rollBackTo(target string) {
	rec, ok := s.outcomes[target]
	if !ok {
		return
	}
	cutoff := rec.Seq
	drop := map[string]bool{}
	for id, r := range s.outcomes {
		if r.Seq >= cutoff {
			drop[id] = true
		}
	}
	var kept []string
	for _, id := range s.completed {
		if drop[id] {
			continue
		}
		kept = append(kept, id)
	}
	for id := range drop {
		delete(s.outcomes, id)
	}
	s.completed = kept
}
