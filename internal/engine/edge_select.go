package engine

import (
	"regexp"
	"sort"
	"strings"

	"github.com/danshapiro/attractor/internal/cond"
	"github.com/danshapiro/attractor/internal/model"
	"github.com/danshapiro/attractor/internal/runtime"
)

// selectNextEdge implements the five-step priority cascade:
//
//  1. condition matches (ties broken by weight desc, then target lexical)
//  2. preferred-label match (case-insensitive, accelerator stripped)
//  3. earliest entry of suggested_next_ids with a matching target
//  4. highest weight among unconditional edges
//  5. lexically smallest target
//
// Returns nil when the node has no outgoing edges (terminal).
func selectNextEdge(g *model.Graph, from string, out runtime.Outcome, ctx *runtime.Context) (*model.Edge, error) {
	edges := g.Outgoing(from)
	if len(edges) == 0 {
		return nil, nil
	}

	// Step 1: condition matches.
	var matched []*model.Edge
	for _, e := range edges {
		c := strings.TrimSpace(e.Condition())
		if c == "" {
			continue
		}
		ok, err := cond.Evaluate(c, out, ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, e)
		}
	}
	if len(matched) > 0 {
		return bestEdge(matched), nil
	}

	// Step 2: preferred label.
	if want := normalizeLabel(out.PreferredLabel); want != "" {
		ordered := byDeclarationOrder(edges)
		for _, e := range ordered {
			if normalizeLabel(e.Label()) == want {
				return e, nil
			}
		}
	}

	// Step 3: suggested next IDs, earliest suggestion first.
	if len(out.SuggestedNextIDs) > 0 {
		ordered := byDeclarationOrder(edges)
		for _, suggested := range out.SuggestedNextIDs {
			for _, e := range ordered {
				if e.To == suggested {
					return e, nil
				}
			}
		}
	}

	// Steps 4–5: unconditional edges by weight with lexical tiebreak. When
	// every edge carries a (non-matching) condition, fall back to the first
	// declared edge so the traversal still has somewhere to go.
	var uncond []*model.Edge
	for _, e := range edges {
		if strings.TrimSpace(e.Condition()) == "" {
			uncond = append(uncond, e)
		}
	}
	if len(uncond) == 0 {
		return byDeclarationOrder(edges)[0], nil
	}
	return bestEdge(uncond), nil
}

// bestEdge orders by weight desc, target lexical asc, then declaration
// order asc, and returns the winner.
func bestEdge(edges []*model.Edge) *model.Edge {
	sorted := append([]*model.Edge{}, edges...)
	sort.SliceStable(sorted, func(i, j int) bool {
		wi := parseInt(sorted[i].Attr("weight", "0"), 0)
		wj := parseInt(sorted[j].Attr("weight", "0"), 0)
		if wi != wj {
			return wi > wj
		}
		if sorted[i].To != sorted[j].To {
			return sorted[i].To < sorted[j].To
		}
		return sorted[i].Order < sorted[j].Order
	})
	return sorted[0]
}

func byDeclarationOrder(edges []*model.Edge) []*model.Edge {
	sorted := append([]*model.Edge{}, edges...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })
	return sorted
}

var acceleratorPrefix = regexp.MustCompile(`^(?:\[\w\]\s*|\w\)\s*|\w-\s*|&)`)

// normalizeLabel lowercases, trims, and strips accelerator markers like
// "[Y] ", "Y) ", "Y- " and a leading "&" so "Approve" matches "[A] Approve".
func normalizeLabel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	return strings.TrimSpace(acceleratorPrefix.ReplaceAllString(s, ""))
}
