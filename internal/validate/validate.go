package validate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/danshapiro/attractor/internal/cond"
	"github.com/danshapiro/attractor/internal/model"
	"github.com/danshapiro/attractor/internal/style"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

// Diagnostic is one validation finding. Rule names are stable identifiers
// suitable for machine matching.
type Diagnostic struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	NodeID   string   `json:"node_id,omitempty"`
	EdgeFrom string   `json:"edge_from,omitempty"`
	EdgeTo   string   `json:"edge_to,omitempty"`
}

// Rule names.
const (
	RuleStartNode         = "StartNodeRule"
	RuleTerminalNode      = "TerminalNodeRule"
	RuleReachability      = "ReachabilityRule"
	RuleEdgeTargetExists  = "EdgeTargetExistsRule"
	RuleStartNoIncoming   = "StartNoIncomingRule"
	RuleExitNoOutgoing    = "ExitNoOutgoingRule"
	RuleConditionSyntax   = "ConditionSyntaxRule"
	RuleStylesheetSyntax  = "StylesheetSyntaxRule"
	RuleFidelityValid     = "FidelityValidRule"
	RuleRetryTargetExists = "RetryTargetExistsRule"
	RuleGoalGateHasRetry  = "GoalGateHasRetryRule"
	RulePromptOnLlmNodes  = "PromptOnLlmNodesRule"
	RuleOrphanSubgraph    = "OrphanSubgraphRule"
)

// Validate applies the fixed rule set in deterministic order. Warnings are
// always returned, even when errors are present; any error blocks
// execution.
func Validate(g *model.Graph) []Diagnostic {
	if g == nil {
		return []Diagnostic{{Rule: RuleStartNode, Severity: SeverityError, Message: "graph is nil"}}
	}
	var diags []Diagnostic
	diags = append(diags, lintStartNode(g)...)
	diags = append(diags, lintTerminalNode(g)...)
	diags = append(diags, lintReachability(g)...)
	diags = append(diags, lintEdgeTargetsExist(g)...)
	diags = append(diags, lintStartNoIncoming(g)...)
	diags = append(diags, lintExitNoOutgoing(g)...)
	diags = append(diags, lintConditionSyntax(g)...)
	diags = append(diags, lintStylesheetSyntax(g)...)
	diags = append(diags, lintFidelityValid(g)...)
	diags = append(diags, lintRetryTargetsExist(g)...)
	diags = append(diags, lintGoalGateHasRetry(g)...)
	diags = append(diags, lintPromptOnLlmNodes(g)...)
	diags = append(diags, lintOrphanSubgraph(g)...)
	return diags
}

// Errors filters diagnostics down to errors.
func Errors(diags []Diagnostic) []Diagnostic {
	var out []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			out = append(out, d)
		}
	}
	return out
}

func lintStartNode(g *model.Graph) []Diagnostic {
	var ids []string
	for _, id := range g.NodeIDs() {
		if model.IsStart(g.Nodes[id]) {
			ids = append(ids, id)
		}
	}
	if len(ids) != 1 {
		return []Diagnostic{{
			Rule:     RuleStartNode,
			Severity: SeverityError,
			Message:  fmt.Sprintf("pipeline must have exactly one start node (found %d: %v)", len(ids), ids),
		}}
	}
	return nil
}

func lintTerminalNode(g *model.Graph) []Diagnostic {
	if len(g.ExitNodeIDs()) == 0 {
		return []Diagnostic{{
			Rule:     RuleTerminalNode,
			Severity: SeverityError,
			Message:  "pipeline must have at least one exit node (found 0)",
		}}
	}
	return nil
}

func reachableFromStart(g *model.Graph) map[string]bool {
	start := g.StartNodeID()
	if start == "" {
		return nil
	}
	seen := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range g.Outgoing(cur) {
			if e != nil && !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	return seen
}

func lintReachability(g *model.Graph) []Diagnostic {
	seen := reachableFromStart(g)
	if seen == nil {
		return nil
	}
	var diags []Diagnostic
	for _, id := range g.NodeIDs() {
		if !seen[id] {
			diags = append(diags, Diagnostic{
				Rule:     RuleReachability,
				Severity: SeverityError,
				Message:  "node is not reachable from start",
				NodeID:   id,
			})
		}
	}
	return diags
}

func lintEdgeTargetsExist(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, e := range g.Edges {
		if e == nil {
			continue
		}
		if _, ok := g.Nodes[e.From]; !ok {
			diags = append(diags, Diagnostic{
				Rule:     RuleEdgeTargetExists,
				Severity: SeverityError,
				Message:  "edge references missing from-node",
				EdgeFrom: e.From,
				EdgeTo:   e.To,
			})
		}
		if _, ok := g.Nodes[e.To]; !ok {
			diags = append(diags, Diagnostic{
				Rule:     RuleEdgeTargetExists,
				Severity: SeverityError,
				Message:  "edge references missing to-node",
				EdgeFrom: e.From,
				EdgeTo:   e.To,
			})
		}
	}
	return diags
}

func lintStartNoIncoming(g *model.Graph) []Diagnostic {
	start := g.StartNodeID()
	if start == "" {
		return nil
	}
	if len(g.Incoming(start)) > 0 {
		return []Diagnostic{{
			Rule:     RuleStartNoIncoming,
			Severity: SeverityError,
			Message:  "start node must have no incoming edges",
			NodeID:   start,
		}}
	}
	return nil
}

func lintExitNoOutgoing(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, exit := range g.ExitNodeIDs() {
		if len(g.Outgoing(exit)) > 0 {
			diags = append(diags, Diagnostic{
				Rule:     RuleExitNoOutgoing,
				Severity: SeverityError,
				Message:  "exit node must have no outgoing edges",
				NodeID:   exit,
			})
		}
	}
	return diags
}

func lintConditionSyntax(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, e := range g.Edges {
		if e == nil {
			continue
		}
		c := strings.TrimSpace(e.Condition())
		if c == "" {
			continue
		}
		if _, err := cond.Parse(c); err != nil {
			diags = append(diags, Diagnostic{
				Rule:     RuleConditionSyntax,
				Severity: SeverityError,
				Message:  err.Error(),
				EdgeFrom: e.From,
				EdgeTo:   e.To,
			})
		}
	}
	return diags
}

func lintStylesheetSyntax(g *model.Graph) []Diagnostic {
	raw := strings.TrimSpace(g.Attrs["stylesheet"])
	if raw == "" {
		return nil
	}
	if _, err := style.ParseStylesheet(raw); err != nil {
		return []Diagnostic{{
			Rule:     RuleStylesheetSyntax,
			Severity: SeverityError,
			Message:  err.Error(),
		}}
	}
	return nil
}

var allowedFidelity = map[string]bool{
	"full":     true,
	"truncate": true,
	"compact":  true,
	"summary":  true,
}

func lintFidelityValid(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, id := range g.NodeIDs() {
		f := strings.TrimSpace(g.Nodes[id].Attr("fidelity", ""))
		if f != "" && !allowedFidelity[f] {
			diags = append(diags, Diagnostic{
				Rule:     RuleFidelityValid,
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("unknown fidelity %q (allowed: full, truncate, compact, summary)", f),
				NodeID:   id,
			})
		}
	}
	for _, e := range g.Edges {
		if e == nil {
			continue
		}
		f := strings.TrimSpace(e.Attr("fidelity", ""))
		if f != "" && !allowedFidelity[f] {
			diags = append(diags, Diagnostic{
				Rule:     RuleFidelityValid,
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("unknown fidelity %q (allowed: full, truncate, compact, summary)", f),
				EdgeFrom: e.From,
				EdgeTo:   e.To,
			})
		}
	}
	return diags
}

func lintRetryTargetsExist(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	check := func(id, attr, target string) {
		target = strings.TrimSpace(target)
		if target == "" {
			return
		}
		if _, ok := g.Nodes[target]; !ok {
			diags = append(diags, Diagnostic{
				Rule:     RuleRetryTargetExists,
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("%s references unknown node %q", attr, target),
				NodeID:   id,
			})
		}
	}
	for _, id := range g.NodeIDs() {
		n := g.Nodes[id]
		check(id, "retry_target", n.Attr("retry_target", ""))
		check(id, "fallback_retry_target", n.Attr("fallback_retry_target", ""))
	}
	check("", "graph retry_target", g.Attrs["retry_target"])
	check("", "graph fallback_retry_target", g.Attrs["fallback_retry_target"])
	return diags
}

func lintGoalGateHasRetry(g *model.Graph) []Diagnostic {
	graphHasTarget := strings.TrimSpace(g.Attrs["retry_target"]) != "" ||
		strings.TrimSpace(g.Attrs["fallback_retry_target"]) != ""
	var diags []Diagnostic
	for _, id := range g.NodeIDs() {
		n := g.Nodes[id]
		if !n.GoalGate() {
			continue
		}
		if strings.TrimSpace(n.Attr("retry_target", "")) != "" ||
			strings.TrimSpace(n.Attr("fallback_retry_target", "")) != "" ||
			graphHasTarget {
			continue
		}
		diags = append(diags, Diagnostic{
			Rule:     RuleGoalGateHasRetry,
			Severity: SeverityWarning,
			Message:  "goal_gate node has no retry target at any resolution level",
			NodeID:   id,
		})
	}
	return diags
}

func lintPromptOnLlmNodes(g *model.Graph) []Diagnostic {
	var diags []Diagnostic
	for _, id := range g.NodeIDs() {
		n := g.Nodes[id]
		kind := model.KindForNode(n)
		if kind != model.KindCodergen && kind != model.KindConditional {
			continue
		}
		if strings.TrimSpace(n.Prompt()) == "" && strings.TrimSpace(n.Label()) == "" {
			diags = append(diags, Diagnostic{
				Rule:     RulePromptOnLlmNodes,
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("%s node has no prompt", kind),
				NodeID:   id,
			})
		}
	}
	return diags
}

// lintOrphanSubgraph reports weakly-disconnected node groups. Reachability
// already errors on nodes unreachable from start; this warning catches
// whole islands, which usually indicate a typo in an edge endpoint.
func lintOrphanSubgraph(g *model.Graph) []Diagnostic {
	ids := g.NodeIDs()
	if len(ids) == 0 {
		return nil
	}
	// Union-find over undirected adjacency.
	parent := map[string]string{}
	var find func(string) string
	find = func(x string) string {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	for _, id := range ids {
		parent[id] = id
	}
	union := func(a, b string) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}
	for _, e := range g.Edges {
		if e == nil {
			continue
		}
		if _, ok := g.Nodes[e.From]; !ok {
			continue
		}
		if _, ok := g.Nodes[e.To]; !ok {
			continue
		}
		union(e.From, e.To)
	}
	groups := map[string][]string{}
	for _, id := range ids {
		root := find(id)
		groups[root] = append(groups[root], id)
	}
	if len(groups) <= 1 {
		return nil
	}
	// Report every group that does not contain the start node.
	start := g.StartNodeID()
	startRoot := ""
	if start != "" {
		startRoot = find(start)
	}
	var roots []string
	for root := range groups {
		if root != startRoot {
			roots = append(roots, root)
		}
	}
	sort.Strings(roots)
	var diags []Diagnostic
	for _, root := range roots {
		members := groups[root]
		sort.Strings(members)
		diags = append(diags, Diagnostic{
			Rule:     RuleOrphanSubgraph,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("disconnected subgraph: %v", members),
			NodeID:   members[0],
		})
	}
	return diags
}
