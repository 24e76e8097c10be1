package dot

import (
	"fmt"
	"strings"

	"github.com/danshapiro/attractor/internal/model"
)

// Parse parses a constrained DOT digraph into the pipeline graph model.
// Supported surface: one `digraph NAME { ... }` per file, node statements
// `id [k=v, ...]`, edge statements `a -> b [k=v, ...]` and chains
// `a -> b -> c`, scoped node/edge defaults, subgraphs (flattened, with
// CSS-like classes derived from subgraph labels), quoted and bare values,
// and `//`, `#`, `/* */` comments. Unknown attributes are preserved
// verbatim for the transformers.
func Parse(src []byte) (*model.Graph, error) {
	clean, err := stripComments(src)
	if err != nil {
		return nil, err
	}
	p := &parser{lx: newLexer(clean)}
	return p.parseGraph()
}

type parser struct {
	lx   *lexer
	peek token
	has  bool
}

func (p *parser) read() error {
	if p.has {
		return nil
	}
	tok, err := p.lx.next()
	if err != nil {
		return err
	}
	p.peek = tok
	p.has = true
	return nil
}

func (p *parser) next() (token, error) {
	if err := p.read(); err != nil {
		return token{}, err
	}
	tok := p.peek
	p.has = false
	return tok, nil
}

func (p *parser) expectSymbol(sym string) error {
	tok, err := p.next()
	if err != nil {
		return err
	}
	if tok.typ != tokenSymbol || tok.lit != sym {
		return fmt.Errorf("dot parse: expected %q, got %q at %d", sym, tok.lit, tok.pos)
	}
	return nil
}

func (p *parser) parseGraph() (*model.Graph, error) {
	tok, err := p.next()
	if err != nil {
		return nil, err
	}
	if tok.typ != tokenIdent || tok.lit != "digraph" {
		return nil, fmt.Errorf("dot parse: expected 'digraph', got %q at %d", tok.lit, tok.pos)
	}
	nameTok, err := p.next()
	if err != nil {
		return nil, err
	}
	if nameTok.typ != tokenIdent && nameTok.typ != tokenString {
		return nil, fmt.Errorf("dot parse: expected graph name, got %q at %d", nameTok.lit, nameTok.pos)
	}
	g := model.NewGraph(nameTok.lit)
	if err := p.expectSymbol("{"); err != nil {
		return nil, err
	}
	root := newScope(nil)
	if err := p.parseStatements(g, root); err != nil {
		return nil, err
	}
	if err := p.expectSymbol("}"); err != nil {
		return nil, err
	}
	_ = p.skipSemicolon()
	if err := p.read(); err != nil {
		return nil, err
	}
	if p.peek.typ != tokenEOF {
		return nil, fmt.Errorf("dot parse: trailing tokens after graph end at %d", p.peek.pos)
	}
	return g, nil
}

// scope carries node/edge defaults and tracks which node IDs were declared
// inside a subgraph so label-derived classes can be applied on close.
type scope struct {
	parent       *scope
	nodeDefaults map[string]string
	edgeDefaults map[string]string

	subgraphLabel string
	nodeIDs       map[string]struct{}
}

func newScope(parent *scope) *scope {
	s := &scope{
		nodeDefaults: map[string]string{},
		edgeDefaults: map[string]string{},
		nodeIDs:      map[string]struct{}{},
		parent:       parent,
	}
	if parent != nil {
		for k, v := range parent.nodeDefaults {
			s.nodeDefaults[k] = v
		}
		for k, v := range parent.edgeDefaults {
			s.edgeDefaults[k] = v
		}
	}
	return s
}

func (s *scope) recordNode(id string) {
	for cur := s; cur != nil; cur = cur.parent {
		cur.nodeIDs[id] = struct{}{}
	}
}

func (p *parser) parseStatements(g *model.Graph, sc *scope) error {
	for {
		if err := p.read(); err != nil {
			return err
		}
		if p.peek.typ == tokenEOF {
			return fmt.Errorf("dot parse: unexpected EOF (missing '}')")
		}
		if p.peek.typ == tokenSymbol && p.peek.lit == "}" {
			return nil
		}

		tok, err := p.next()
		if err != nil {
			return err
		}
		if tok.typ != tokenIdent && tok.typ != tokenString {
			return fmt.Errorf("dot parse: expected identifier, got %q at %d", tok.lit, tok.pos)
		}

		switch tok.lit {
		case "graph":
			attrs, err := p.parseAttrBlock()
			if err != nil {
				return err
			}
			for k, v := range attrs {
				g.Attrs[k] = v
			}
			_ = p.skipSemicolon()
		case "node":
			attrs, err := p.parseAttrBlock()
			if err != nil {
				return err
			}
			for k, v := range attrs {
				sc.nodeDefaults[k] = v
			}
			_ = p.skipSemicolon()
		case "edge":
			attrs, err := p.parseAttrBlock()
			if err != nil {
				return err
			}
			for k, v := range attrs {
				sc.edgeDefaults[k] = v
			}
			_ = p.skipSemicolon()
		case "subgraph":
			if err := p.parseSubgraph(g, sc); err != nil {
				return err
			}
		default:
			if err := p.parseNodeOrEdge(g, sc, tok); err != nil {
				return err
			}
		}
	}
}

func (p *parser) parseSubgraph(g *model.Graph, sc *scope) error {
	if err := p.read(); err != nil {
		return err
	}
	if p.peek.typ == tokenIdent {
		// Optional subgraph identifier; not retained.
		if _, err := p.next(); err != nil {
			return err
		}
	}
	if err := p.expectSymbol("{"); err != nil {
		return err
	}
	sub := newScope(sc)
	if err := p.parseStatements(g, sub); err != nil {
		return err
	}
	if err := p.expectSymbol("}"); err != nil {
		return err
	}
	applySubgraphClass(g, sub)
	return nil
}

func (p *parser) parseNodeOrEdge(g *model.Graph, sc *scope, first token) error {
	if err := p.read(); err != nil {
		return err
	}

	// Graph attribute declaration: key = value.
	if p.peek.typ == tokenSymbol && p.peek.lit == "=" {
		if _, err := p.next(); err != nil {
			return err
		}
		valTok, err := p.next()
		if err != nil {
			return err
		}
		if valTok.typ != tokenIdent && valTok.typ != tokenString {
			return fmt.Errorf("dot parse: expected value after '=', got %q at %d", valTok.lit, valTok.pos)
		}
		// A label inside a subgraph names that subgraph, not the graph.
		if sc.parent != nil && first.lit == "label" {
			sc.subgraphLabel = valTok.lit
		} else {
			g.Attrs[first.lit] = valTok.lit
		}
		return p.skipSemicolon()
	}

	// Edge statement with optional chaining.
	if p.peek.typ == tokenSymbol && p.peek.lit == "->" {
		chain := []string{first.lit}
		for {
			if _, err := p.next(); err != nil { // consume ->
				return err
			}
			toTok, err := p.next()
			if err != nil {
				return err
			}
			if toTok.typ != tokenIdent && toTok.typ != tokenString {
				return fmt.Errorf("dot parse: expected edge target, got %q at %d", toTok.lit, toTok.pos)
			}
			chain = append(chain, toTok.lit)
			if err := p.read(); err != nil {
				return err
			}
			if !(p.peek.typ == tokenSymbol && p.peek.lit == "->") {
				break
			}
		}
		attrs := map[string]string{}
		if p.peek.typ == tokenSymbol && p.peek.lit == "[" {
			var err error
			attrs, err = p.parseAttrBlock()
			if err != nil {
				return err
			}
		}
		for i := 0; i+1 < len(chain); i++ {
			e := model.NewEdge(chain[i], chain[i+1])
			for k, v := range sc.edgeDefaults {
				e.Attrs[k] = v
			}
			for k, v := range attrs {
				e.Attrs[k] = v
			}
			if err := g.AddEdge(e); err != nil {
				return err
			}
		}
		return p.skipSemicolon()
	}

	// Node statement.
	attrs := map[string]string{}
	if p.peek.typ == tokenSymbol && p.peek.lit == "[" {
		var err error
		attrs, err = p.parseAttrBlock()
		if err != nil {
			return err
		}
	}
	n := model.NewNode(first.lit)
	n.Order = len(g.Nodes)
	for k, v := range sc.nodeDefaults {
		n.Attrs[k] = v
	}
	for k, v := range attrs {
		n.Attrs[k] = v
	}
	if err := g.AddNode(n); err != nil {
		return err
	}
	sc.recordNode(n.ID)
	return p.skipSemicolon()
}

func (p *parser) skipSemicolon() error {
	if err := p.read(); err != nil {
		return err
	}
	if p.peek.typ == tokenSymbol && p.peek.lit == ";" {
		_, err := p.next()
		return err
	}
	return nil
}

func (p *parser) parseAttrBlock() (map[string]string, error) {
	if err := p.expectSymbol("["); err != nil {
		return nil, err
	}
	attrs := map[string]string{}
	for {
		if err := p.read(); err != nil {
			return nil, err
		}
		if p.peek.typ == tokenSymbol && p.peek.lit == "]" {
			_, _ = p.next()
			return attrs, nil
		}

		key, err := p.parseKey()
		if err != nil {
			return nil, err
		}
		if err := p.expectSymbol("="); err != nil {
			return nil, err
		}
		val, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		attrs[key] = val

		if err := p.read(); err != nil {
			return nil, err
		}
		if p.peek.typ == tokenSymbol && p.peek.lit == "," {
			_, _ = p.next()
			continue
		}
		if p.peek.typ == tokenSymbol && p.peek.lit == "]" {
			continue
		}
		return nil, fmt.Errorf("dot parse: expected ',' or ']', got %q at %d", p.peek.lit, p.peek.pos)
	}
}

// parseKey accepts Identifier or dotted keys like retry.backoff.jitter.
func (p *parser) parseKey() (string, error) {
	first, err := p.next()
	if err != nil {
		return "", err
	}
	if first.typ != tokenIdent {
		return "", fmt.Errorf("dot parse: expected attribute key, got %q at %d", first.lit, first.pos)
	}
	key := first.lit
	for {
		if err := p.read(); err != nil {
			return "", err
		}
		if !(p.peek.typ == tokenSymbol && p.peek.lit == ".") {
			return key, nil
		}
		_, _ = p.next()
		part, err := p.next()
		if err != nil {
			return "", err
		}
		if part.typ != tokenIdent {
			return "", fmt.Errorf("dot parse: expected identifier after '.', got %q at %d", part.lit, part.pos)
		}
		key += "." + part.lit
	}
}

// parseValue accepts a quoted string or a run of bare tokens. Bare values
// may contain '-', '.', ':' and '/' so decimals (0.15), durations (1h30m),
// negative weights and model ids parse without quoting.
func (p *parser) parseValue() (string, error) {
	if err := p.read(); err != nil {
		return "", err
	}
	if p.peek.typ == tokenString {
		tok, err := p.next()
		if err != nil {
			return "", err
		}
		return tok.lit, nil
	}
	var parts []string
	for {
		if err := p.read(); err != nil {
			return "", err
		}
		if p.peek.typ == tokenSymbol && (p.peek.lit == "," || p.peek.lit == "]") {
			break
		}
		tok, err := p.next()
		if err != nil {
			return "", err
		}
		switch tok.typ {
		case tokenIdent:
			parts = append(parts, tok.lit)
		case tokenSymbol:
			switch tok.lit {
			case "-", ".", ":", "/":
				parts = append(parts, tok.lit)
			default:
				return "", fmt.Errorf("dot parse: unexpected token in value: %q at %d", tok.lit, tok.pos)
			}
		default:
			return "", fmt.Errorf("dot parse: unexpected token in value: %q at %d", tok.lit, tok.pos)
		}
	}
	val := strings.Join(parts, "")
	if strings.TrimSpace(val) == "" {
		return "", fmt.Errorf("dot parse: empty attribute value")
	}
	return val, nil
}

func applySubgraphClass(g *model.Graph, sc *scope) {
	lbl := strings.TrimSpace(sc.subgraphLabel)
	if lbl == "" {
		return
	}
	class := classFromLabel(lbl)
	if class == "" {
		return
	}
	for id := range sc.nodeIDs {
		if n := g.Nodes[id]; n != nil {
			n.Classes = append(n.Classes, class)
		}
	}
}

func classFromLabel(label string) string {
	label = strings.ToLower(label)
	label = strings.ReplaceAll(label, " ", "-")
	var b strings.Builder
	for _, r := range label {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), "-")
}
