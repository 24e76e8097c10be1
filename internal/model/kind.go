package model

import "strings"

// Kind is a handler kind. Shapes pick the default; the node_type attribute
// overrides it.
type Kind string

const (
	KindStart       Kind = "start"
	KindExit        Kind = "exit"
	KindCodergen    Kind = "codergen"
	KindConditional Kind = "conditional"
	KindTool        Kind = "tool"
	KindWaitHuman   Kind = "wait.human"
	KindParallel    Kind = "parallel"
	KindFanIn       Kind = "parallel.fan_in"
	KindManager     Kind = "manager"
)

// KindForShape maps a DOT shape to its default handler kind. Unknown
// shapes fall back to codergen.
func KindForShape(shape string) Kind {
	switch shape {
	case "Mdiamond":
		return KindStart
	case "Msquare":
		return KindExit
	case "box":
		return KindCodergen
	case "diamond":
		return KindConditional
	case "parallelogram":
		return KindTool
	case "hexagon":
		return KindWaitHuman
	case "component":
		return KindParallel
	case "tripleoctagon":
		return KindFanIn
	case "house":
		return KindManager
	default:
		return KindCodergen
	}
}

// KindForNode resolves the handler kind: node_type wins over shape.
func KindForNode(n *Node) Kind {
	if n == nil {
		return KindCodergen
	}
	if t := strings.TrimSpace(n.TypeOverride()); t != "" {
		return Kind(t)
	}
	return KindForShape(n.Shape())
}

// IsStart reports whether the node is the pipeline's start marker.
func IsStart(n *Node) bool { return n != nil && KindForNode(n) == KindStart }

// IsExit reports whether the node is a terminal marker.
func IsExit(n *Node) bool { return n != nil && KindForNode(n) == KindExit }

// StartNodeID returns the ID of the start node, or "" when none exists.
func (g *Graph) StartNodeID() string {
	for _, id := range g.NodeIDs() {
		if IsStart(g.Nodes[id]) {
			return id
		}
	}
	return ""
}

// ExitNodeIDs returns all terminal node IDs in lexical order.
func (g *Graph) ExitNodeIDs() []string {
	var out []string
	for _, id := range g.NodeIDs() {
		if IsExit(g.Nodes[id]) {
			out = append(out, id)
		}
	}
	return out
}
