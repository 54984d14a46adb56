package flow

import (
	"fmt"
	"reflect"
	"strings"

	"flow.evalgo.org/state"
)

// Predicate is the condition AST evaluated by condition nodes. A leaf
// compares one state variable against a literal; interior nodes combine
// children with and/or. Null values are falsy everywhere.
type Predicate struct {
	Var   string
	Op    string
	Value interface{}
	And   []*Predicate
	Or    []*Predicate
}

// Comparison operators accepted in predicate leaves.
const (
	OpEqual        = "=="
	OpNotEqual     = "!="
	OpLess         = "<"
	OpLessEqual    = "<="
	OpGreater      = ">"
	OpGreaterEqual = ">="
	OpIn           = "in"
	OpContains     = "contains"
)

// ParsePredicate builds a Predicate from its JSON object form:
// {var, op, value} for a leaf, {and: [...]} or {or: [...]} for a
// combinator.
func ParsePredicate(raw map[string]interface{}) (*Predicate, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: empty predicate", ErrValidation)
	}
	if children, ok := raw["and"]; ok {
		parsed, err := parseChildren(children)
		if err != nil {
			return nil, err
		}
		return &Predicate{And: parsed}, nil
	}
	if children, ok := raw["or"]; ok {
		parsed, err := parseChildren(children)
		if err != nil {
			return nil, err
		}
		return &Predicate{Or: parsed}, nil
	}

	variable, _ := raw["var"].(string)
	if variable == "" {
		return nil, fmt.Errorf("%w: predicate missing var", ErrValidation)
	}
	op, _ := raw["op"].(string)
	if op == "" {
		op = OpEqual
	}
	switch op {
	case OpEqual, OpNotEqual, OpLess, OpLessEqual, OpGreater, OpGreaterEqual, OpIn, OpContains:
	default:
		return nil, fmt.Errorf("%w: unsupported predicate op %q", ErrValidation, op)
	}
	return &Predicate{Var: variable, Op: op, Value: raw["value"]}, nil
}

func parseChildren(raw interface{}) ([]*Predicate, error) {
	list, ok := raw.([]interface{})
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("%w: combinator needs a non-empty list", ErrValidation)
	}
	out := make([]*Predicate, 0, len(list))
	for _, item := range list {
		child, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: combinator child is not an object", ErrValidation)
		}
		parsed, err := ParsePredicate(child)
		if err != nil {
			return nil, err
		}
		out = append(out, parsed)
	}
	return out, nil
}

// Evaluate resolves the predicate against a state bag.
func (p *Predicate) Evaluate(bag state.Bag) (bool, error) {
	if len(p.And) > 0 {
		for _, child := range p.And {
			ok, err := child.Evaluate(bag)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
	if len(p.Or) > 0 {
		for _, child := range p.Or {
			ok, err := child.Evaluate(bag)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}

	actual := bag.Get(p.Var)
	switch p.Op {
	case OpEqual:
		return equalValues(actual, p.Value), nil
	case OpNotEqual:
		return !equalValues(actual, p.Value), nil
	case OpLess, OpLessEqual, OpGreater, OpGreaterEqual:
		return compareOrdered(actual, p.Value, p.Op)
	case OpIn:
		return membership(p.Value, actual), nil
	case OpContains:
		return membership(actual, p.Value), nil
	}
	return false, fmt.Errorf("%w: unsupported predicate op %q", ErrValidation, p.Op)
}

// equalValues compares numerically when both sides coerce to numbers,
// structurally otherwise. Null equals only null.
func equalValues(a, b interface{}) bool {
	if an, ok := state.Number(a); ok {
		if bn, ok := state.Number(b); ok {
			return an == bn
		}
	}
	return reflect.DeepEqual(a, b)
}

func compareOrdered(actual, expected interface{}, op string) (bool, error) {
	if actual == nil || expected == nil {
		return false, nil
	}
	if an, aok := state.Number(actual); aok {
		bn, bok := state.Number(expected)
		if !bok {
			return false, nil
		}
		return orderedResult(op, an < bn, an == bn), nil
	}
	as, aok := actual.(string)
	bs, bok := expected.(string)
	if !aok || !bok {
		return false, nil
	}
	return orderedResult(op, as < bs, as == bs), nil
}

func orderedResult(op string, less, equal bool) bool {
	switch op {
	case OpLess:
		return less
	case OpLessEqual:
		return less || equal
	case OpGreater:
		return !less && !equal
	case OpGreaterEqual:
		return !less
	}
	return false
}

// membership reports whether needle occurs in haystack: list element for
// list haystacks, substring for string haystacks.
func membership(haystack, needle interface{}) bool {
	switch h := haystack.(type) {
	case []interface{}:
		for _, item := range h {
			if equalValues(item, needle) {
				return true
			}
		}
		return false
	case string:
		n, ok := needle.(string)
		if !ok {
			n = state.Stringify(needle)
			if n == "" {
				return false
			}
		}
		return strings.Contains(h, n)
	default:
		return false
	}
}
