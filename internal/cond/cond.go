package cond

import (
	"fmt"
	"strings"

	"github.com/danshapiro/attractor/internal/runtime"
)

// Expr is a parsed condition: a conjunction of clauses.
type Expr struct {
	Clauses []Clause
}

type Clause struct {
	Key    string
	Op     string // "=" or "!="
	Value  string
	BareOK bool // bare key clause: truthy check, no operator
}

// Parse parses the minimal AND-only condition language used on edges.
//
// Grammar:
//
//	ConditionExpr ::= Clause ( '&&' Clause )*
//	Clause        ::= Key ( '=' | '!=' ) Literal | Key
//
// An empty expression parses to a condition that is always true.
func Parse(condition string) (Expr, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return Expr{}, nil
	}
	var expr Expr
	for _, raw := range strings.Split(condition, "&&") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.ContainsAny(raw, "<>|") {
			return Expr{}, fmt.Errorf("invalid condition operator in clause %q", raw)
		}
		var cl Clause
		switch {
		case strings.Contains(raw, "!="):
			parts := strings.SplitN(raw, "!=", 2)
			cl = Clause{Key: strings.TrimSpace(parts[0]), Op: "!=", Value: strings.TrimSpace(parts[1])}
		case strings.Contains(raw, "="):
			parts := strings.SplitN(raw, "=", 2)
			cl = Clause{Key: strings.TrimSpace(parts[0]), Op: "=", Value: strings.TrimSpace(parts[1])}
		default:
			cl = Clause{Key: raw, BareOK: true}
		}
		if err := validateKey(cl.Key); err != nil {
			return Expr{}, err
		}
		if !cl.BareOK && cl.Value == "" {
			return Expr{}, fmt.Errorf("invalid condition clause %q: missing literal", raw)
		}
		expr.Clauses = append(expr.Clauses, cl)
	}
	return expr, nil
}

// Evaluate parses and evaluates a condition against the most recent
// outcome and the context. Missing keys resolve to the empty string, so an
// unknown key makes an `=` clause false and a `!=` clause true; nothing
// raises.
func Evaluate(condition string, out runtime.Outcome, ctx *runtime.Context) (bool, error) {
	expr, err := Parse(condition)
	if err != nil {
		return false, err
	}
	return expr.Eval(out, ctx), nil
}

func (e Expr) Eval(out runtime.Outcome, ctx *runtime.Context) bool {
	for _, cl := range e.Clauses {
		if !cl.eval(out, ctx) {
			return false
		}
	}
	return true
}

func (cl Clause) eval(out runtime.Outcome, ctx *runtime.Context) bool {
	got := resolveKey(cl.Key, out, ctx)
	if cl.BareOK {
		switch strings.ToLower(got) {
		case "", "false", "0", "no":
			return false
		default:
			return true
		}
	}
	want := cl.Value
	// outcome and preferred_label compare case-insensitively; everything
	// else is exact.
	if cl.Key == "outcome" || cl.Key == "preferred_label" {
		got = strings.ToLower(got)
		want = strings.ToLower(want)
	}
	if cl.Key == "outcome" {
		if canonical, err := runtime.ParseStageStatus(want); err == nil {
			want = string(canonical)
		}
	}
	if cl.Op == "!=" {
		return got != want
	}
	return got == want
}

func resolveKey(key string, out runtime.Outcome, ctx *runtime.Context) string {
	switch key {
	case "outcome":
		return string(out.Status)
	case "preferred_label":
		return out.PreferredLabel
	}
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Get(key); ok && v != nil {
		return fmt.Sprint(v)
	}
	// Accept an optional "context." prefix for explicitness.
	if short, found := strings.CutPrefix(key, "context."); found {
		if v, ok := ctx.Get(short); ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	return ""
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("invalid condition: empty key")
	}
	if key == "outcome" || key == "preferred_label" {
		return nil
	}
	trimmed := strings.TrimPrefix(key, "context.")
	for _, part := range strings.Split(trimmed, ".") {
		if part == "" {
			return fmt.Errorf("invalid condition key %q", key)
		}
		if !isAlphaUnderscore(part[0]) {
			return fmt.Errorf("invalid condition key %q", key)
		}
		for i := 1; i < len(part); i++ {
			if !isAlnumUnderscore(part[i]) {
				return fmt.Errorf("invalid condition key %q", key)
			}
		}
	}
	return nil
}

func isAlphaUnderscore(ch byte) bool {
	return (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || ch == '_'
}

func isAlnumUnderscore(ch byte) bool {
	return isAlphaUnderscore(ch) || (ch >= '0' && ch <= '9')
}
