// Package condition implements the predicate attached to catalog
// permissions: a small tagged-variant expression tree evaluated against a
// typed request context.
//
//	expr := condition.And(
//	    condition.Eq("org_id", "acme"),
//	    condition.Lte("amount", 5000),
//	)
//	ok, err := expr.Evaluate(condition.Context{"org_id": "acme", "amount": 1200})
//
// Leaf operators read one context field (dotted paths descend into nested
// maps) and compare it with Value, or with another field named by Ref.
// A leaf whose field is absent evaluates to false for every operator
// except OpExists and OpNotExists.
package condition

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalid is returned for malformed expressions.
var ErrInvalid = errors.New("condition: invalid expression")

// Op is the operator tag of an expression node.
type Op string

const (
	OpEq         Op = "eq"
	OpNeq        Op = "neq"
	OpIn         Op = "in"
	OpNotIn      Op = "not_in"
	OpGt         Op = "gt"
	OpGte        Op = "gte"
	OpLt         Op = "lt"
	OpLte        Op = "lte"
	OpContains   Op = "contains"
	OpStartsWith Op = "starts_with"
	OpEndsWith   Op = "ends_with"
	OpExists     Op = "exists"
	OpNotExists  Op = "not_exists"
	OpIPInCIDR   Op = "ip_in_cidr"
	OpTimeAfter  Op = "time_after"
	OpTimeBefore Op = "time_before"
	OpRegex      Op = "regex"

	OpAnd Op = "and"
	OpOr  Op = "or"
	OpNot Op = "not"
)

// Expr is one node of a condition tree. Composite nodes (and, or, not) use
// Args; leaves use Field plus either Value or Ref.
type Expr struct {
	Op    Op     `json:"op" bson:"op" yaml:"op"`
	Field string `json:"field,omitempty" bson:"field,omitempty" yaml:"field,omitempty"`
	Value any    `json:"value,omitempty" bson:"value,omitempty" yaml:"value,omitempty"`
	Ref   string `json:"ref,omitempty" bson:"ref,omitempty" yaml:"ref,omitempty"`
	Args  []Expr `json:"args,omitempty" bson:"args,omitempty" yaml:"args,omitempty"`
}

// Context is the typed attribute map a condition is evaluated against.
type Context map[string]any

// Lookup resolves a dotted path such as "resource.owner_id".
func (c Context) Lookup(path string) (any, bool) {
	if c == nil || path == "" {
		return nil, false
	}
	if v, ok := c[path]; ok {
		return v, true
	}
	head, rest, found := strings.Cut(path, ".")
	if !found {
		return nil, false
	}
	switch next := c[head].(type) {
	case Context:
		return next.Lookup(rest)
	case map[string]any:
		return Context(next).Lookup(rest)
	case map[string]string:
		v, ok := next[rest]
		return v, ok
	default:
		return nil, false
	}
}

// Merge returns a new context holding c overlaid with other.
func (c Context) Merge(other Context) Context {
	out := make(Context, len(c)+len(other))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

func leaf(op Op, field string, value any) Expr { return Expr{Op: op, Field: field, Value: value} }

func Eq(field string, value any) Expr          { return leaf(OpEq, field, value) }
func Neq(field string, value any) Expr         { return leaf(OpNeq, field, value) }
func In(field string, values ...any) Expr      { return leaf(OpIn, field, values) }
func NotIn(field string, values ...any) Expr   { return leaf(OpNotIn, field, values) }
func Gt(field string, value any) Expr          { return leaf(OpGt, field, value) }
func Gte(field string, value any) Expr         { return leaf(OpGte, field, value) }
func Lt(field string, value any) Expr          { return leaf(OpLt, field, value) }
func Lte(field string, value any) Expr         { return leaf(OpLte, field, value) }
func Exists(field string) Expr                 { return leaf(OpExists, field, nil) }
func IPInCIDR(field string, cidrs ...any) Expr { return leaf(OpIPInCIDR, field, cidrs) }
func Regex(field, pattern string) Expr         { return leaf(OpRegex, field, pattern) }

// FieldEq compares two context fields for equality, e.g. a resource owner
// against the requesting user.
func FieldEq(field, ref string) Expr { return Expr{Op: OpEq, Field: field, Ref: ref} }

func And(args ...Expr) Expr { return Expr{Op: OpAnd, Args: args} }
func Or(args ...Expr) Expr  { return Expr{Op: OpOr, Args: args} }
func Not(arg Expr) Expr     { return Expr{Op: OpNot, Args: []Expr{arg}} }

// String renders the expression in a compact prefix form for traces.
func (e Expr) String() string {
	switch e.Op {
	case OpAnd, OpOr, OpNot:
		parts := make([]string, len(e.Args))
		for i, a := range e.Args {
			parts[i] = a.String()
		}
		return string(e.Op) + "(" + strings.Join(parts, ", ") + ")"
	}
	if e.Ref != "" {
		return fmt.Sprintf("%s %s $%s", e.Field, e.Op, e.Ref)
	}
	if e.Op == OpExists || e.Op == OpNotExists {
		return fmt.Sprintf("%s %s", e.Field, e.Op)
	}
	return fmt.Sprintf("%s %s %v", e.Field, e.Op, e.Value)
}
