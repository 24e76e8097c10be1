package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danshapiro/attractor/internal/model"
	"github.com/danshapiro/attractor/internal/runtime"
)

// branchResult is what one fan-out child reports back to the parent.
type branchResult struct {
	StartNodeID string             `json:"start_node_id"`
	LastNodeID  string             `json:"last_node_id"`
	Outcome     runtime.Outcome    `json:"outcome"`
	Completed   []string           `json:"completed_nodes"`
	Context     map[string]any     `json:"context,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// ParallelHandler fans out: every outgoing edge's target becomes a child
// execution frame. Children run concurrently over snapshots of the
// context, so sibling writes cannot interfere; the join fan-in node merges
// them back deterministically.
type ParallelHandler struct{}

func (h *ParallelHandler) Kind() model.Kind { return model.KindParallel }

func (h *ParallelHandler) Execute(ctx context.Context, exec *Execution, node *model.Node) (runtime.Outcome, error) {
	branches := exec.Graph.Outgoing(node.ID)
	if len(branches) == 0 {
		return runtime.Fail("parallel node has no outgoing edges"), nil
	}
	joinID, err := findJoinNode(exec.Graph, branches)
	if err != nil {
		return runtime.Fail(err.Error()), nil
	}

	maxParallel := parseInt(node.Attr("max_parallel", ""), 4)
	if maxParallel <= 0 {
		maxParallel = 4
	}
	if maxParallel > len(branches) {
		maxParallel = len(branches)
	}

	results := make([]branchResult, len(branches))
	jobs := make(chan int)
	var wg sync.WaitGroup
	wg.Add(maxParallel)
	for w := 0; w < maxParallel; w++ {
		go func() {
			defer wg.Done()
			for idx := range jobs {
				e := branches[idx]
				results[idx] = exec.Engine.runBranch(ctx, e.To, joinID, exec.Context.Clone())
			}
		}()
	}
	for idx := range branches {
		jobs <- idx
	}
	close(jobs)
	wg.Wait()

	// Deterministic merge order: branch start ID lexical.
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].StartNodeID < results[j].StartNodeID
	})

	return runtime.Outcome{
		Status: runtime.StatusSuccess,
		Notes:  fmt.Sprintf("fan-out complete (%d branches), join=%s", len(results), joinID),
		ContextUpdates: map[string]any{
			"parallel.join_node": joinID,
			"parallel.results":   results,
		},
	}, nil
}

// FanInHandler reads the fan-out results already recorded in the context,
// aggregates them under {id}.children, and succeeds only when every child
// landed on success or partial_success.
type FanInHandler struct{}

func (h *FanInHandler) Kind() model.Kind { return model.KindFanIn }

func (h *FanInHandler) Execute(ctx context.Context, exec *Execution, node *model.Node) (runtime.Outcome, error) {
	raw, ok := exec.Context.Get("parallel.results")
	if !ok || raw == nil {
		return runtime.Fail("no parallel results found in context"), nil
	}
	results, err := decodeBranchResults(raw)
	if err != nil {
		return runtime.Fail(err.Error()), nil
	}
	if len(results) == 0 {
		return runtime.Fail("no parallel branches to aggregate"), nil
	}

	children := map[string]any{}
	updates := map[string]any{}
	allOK := true
	var failures []string
	for _, r := range results {
		children[r.StartNodeID] = map[string]any{
			"status":         string(r.Outcome.Status),
			"notes":          r.Outcome.Notes,
			"failure_reason": r.Outcome.FailureReason,
			"completed":      r.Completed,
		}
		if !r.Outcome.Status.Satisfied() {
			allOK = false
			reason := r.Outcome.FailureReason
			if reason == "" {
				reason = r.Error
			}
			failures = append(failures, r.StartNodeID+": "+reason)
		}
		// Merge each child's namespaced writes in lexical branch order.
		// Children only write under {their_id}.* so sibling updates are
		// disjoint by construction.
		keys := make([]string, 0, len(r.Context))
		for k := range r.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if strings.Contains(k, ".") {
				updates[k] = r.Context[k]
			}
		}
	}
	updates[node.ID+".children"] = children

	if !allOK {
		return runtime.Outcome{
			Status:         runtime.StatusFail,
			FailureReason:  "parallel branch failed: " + strings.Join(failures, "; "),
			ContextUpdates: updates,
		}, nil
	}
	return runtime.Outcome{
		Status:         runtime.StatusSuccess,
		Notes:          fmt.Sprintf("fan-in aggregated %d branches", len(results)),
		ContextUpdates: updates,
	}, nil
}

// decodeBranchResults accepts the in-memory slice or the generic form a
// checkpoint round trip produces.
func decodeBranchResults(raw any) ([]branchResult, error) {
	if results, ok := raw.([]branchResult); ok {
		return results, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var out []branchResult
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode parallel results: %w", err)
	}
	return out, nil
}

// findJoinNode locates the fan-in node every branch converges on: the
// nearest node of kind parallel.fan_in reachable from all branch starts,
// ties broken by lexical ID.
func findJoinNode(g *model.Graph, branches []*model.Edge) (string, error) {
	if len(branches) == 0 {
		return "", fmt.Errorf("no branches")
	}
	reachable := make([]map[string]int, 0, len(branches))
	for _, e := range branches {
		if e == nil {
			continue
		}
		reachable = append(reachable, fanInDistances(g, e.To))
	}
	if len(reachable) == 0 {
		return "", fmt.Errorf("no valid branches")
	}

	type cand struct {
		id      string
		maxDist int
	}
	var cands []cand
	for id, d0 := range reachable[0] {
		maxD := d0
		ok := true
		for i := 1; i < len(reachable); i++ {
			d, exists := reachable[i][id]
			if !exists {
				ok = false
				break
			}
			if d > maxD {
				maxD = d
			}
		}
		if ok {
			cands = append(cands, cand{id: id, maxDist: maxD})
		}
	}
	if len(cands) == 0 {
		return "", fmt.Errorf("no fan-in join node reachable from all branches")
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].maxDist != cands[j].maxDist {
			return cands[i].maxDist < cands[j].maxDist
		}
		return cands[i].id < cands[j].id
	})
	return cands[0].id, nil
}

// fanInDistances returns BFS distances from start to every reachable
// fan-in node.
func fanInDistances(g *model.Graph, start string) map[string]int {
	type item struct {
		id   string
		dist int
	}
	seen := map[string]bool{start: true}
	queue := []item{{id: start}}
	out := map[string]int{}
	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]
		if n := g.Nodes[it.id]; n != nil && model.KindForNode(n) == model.KindFanIn {
			if _, exists := out[it.id]; !exists {
				out[it.id] = it.dist
			}
		}
		for _, e := range g.Outgoing(it.id) {
			if e == nil || seen[e.To] {
				continue
			}
			seen[e.To] = true
			queue = append(queue, item{id: e.To, dist: it.dist + 1})
		}
	}
	return out
}
