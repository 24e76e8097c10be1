package engine

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/danshapiro/attractor/internal/dot"
	"github.com/danshapiro/attractor/internal/model"
	"github.com/danshapiro/attractor/internal/runtime"
	"github.com/danshapiro/attractor/internal/style"
	"github.com/danshapiro/attractor/internal/validate"
)

// Transform can rewrite the executable graph copy between parse and
// validate. The parsed graph itself is never mutated by the engine.
type Transform interface {
	ID() string
	Apply(g *model.Graph) error
}

type TransformRegistry struct {
	transforms []Transform
}

func NewTransformRegistry() *TransformRegistry { return &TransformRegistry{} }

func (r *TransformRegistry) Register(t Transform) {
	if r == nil || t == nil {
		return
	}
	r.transforms = append(r.transforms, t)
}

func (r *TransformRegistry) List() []Transform {
	if r == nil || len(r.transforms) == 0 {
		return nil
	}
	return append([]Transform{}, r.transforms...)
}

// Prepare parses the source and produces a validated executable graph:
// stylesheet cascade first, then variable expansion, then any custom
// transforms, then the validator. Warnings come back alongside a nil error;
// the first validation error aborts.
func Prepare(src []byte, extra ...Transform) (*model.Graph, []validate.Diagnostic, error) {
	parsed, err := dot.Parse(src)
	if err != nil {
		return nil, nil, err
	}
	g := parsed.Clone()

	if raw := strings.TrimSpace(g.Attrs["stylesheet"]); raw != "" {
		rules, err := style.ParseStylesheet(raw)
		if err != nil {
			diags := []validate.Diagnostic{{
				Rule:     validate.RuleStylesheetSyntax,
				Severity: validate.SeverityError,
				Message:  err.Error(),
			}}
			return g, diags, &ValidationError{RuleID: validate.RuleStylesheetSyntax, Message: err.Error()}
		}
		if err := style.Apply(g, rules); err != nil {
			return g, nil, err
		}
	}

	_ = (goalExpansion{}).Apply(g)
	_ = (variableExpansion{}).Apply(g)

	for _, tr := range extra {
		if tr == nil {
			continue
		}
		if err := tr.Apply(g); err != nil {
			return g, nil, fmt.Errorf("transform %s: %w", tr.ID(), err)
		}
	}

	diags := validate.Validate(g)
	for _, d := range diags {
		if d.Severity == validate.SeverityError {
			return g, diags, &ValidationError{RuleID: d.Rule, Message: d.Message}
		}
	}
	return g, diags, nil
}

// goalExpansion replaces $goal in node prompts with the graph-level goal.
type goalExpansion struct{}

func (goalExpansion) ID() string { return "expand_goal" }

func (goalExpansion) Apply(g *model.Graph) error {
	goal := g.Attrs["goal"]
	if goal == "" {
		return nil
	}
	for _, n := range g.Nodes {
		if n == nil {
			continue
		}
		if p := n.Attrs["prompt"]; strings.Contains(p, "$goal") {
			n.Attrs["prompt"] = strings.ReplaceAll(p, "$goal", goal)
		}
	}
	return nil
}

var ctxVarPattern = regexp.MustCompile(`\$\{ctx\.([A-Za-z_][A-Za-z0-9_.]*)\}`)

// variableExpansion resolves ${ctx.KEY} in every string-valued node and
// edge attribute against the values available before execution begins —
// only graph-level attributes at this point. Prompts are expanded again
// lazily at dispatch time so references to prior node results work.
type variableExpansion struct{}

func (variableExpansion) ID() string { return "expand_variables" }

func (variableExpansion) Apply(g *model.Graph) error {
	ctx := runtime.NewContext()
	for k, v := range g.Attrs {
		ctx.Set(k, v)
		ctx.Set("graph."+k, v)
	}
	for _, n := range g.Nodes {
		if n == nil {
			continue
		}
		for k, v := range n.Attrs {
			n.Attrs[k] = ExpandVariables(v, ctx)
		}
	}
	for _, e := range g.Edges {
		if e == nil {
			continue
		}
		for k, v := range e.Attrs {
			e.Attrs[k] = ExpandVariables(v, ctx)
		}
	}
	return nil
}

// ExpandVariables replaces every ${ctx.KEY} occurrence with the context
// value for KEY. Unresolved references are left intact so a later pass
// (with more context populated) can still resolve them.
func ExpandVariables(s string, ctx *runtime.Context) string {
	if ctx == nil || !strings.Contains(s, "${ctx.") {
		return s
	}
	return ctxVarPattern.ReplaceAllStringFunc(s, func(m string) string {
		key := ctxVarPattern.FindStringSubmatch(m)[1]
		if v, ok := ctx.Get(key); ok && v != nil {
			return fmt.Sprint(v)
		}
		return m
	})
}
