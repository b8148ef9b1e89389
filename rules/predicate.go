package rules

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"fwbids/meta"
)

// Predicate decides whether rule applies to a context.
type Predicate interface {
	Test(ctx meta.Context) bool
}

// condition kinds
type condKind int

const (
	condLiteral condKind = iota
	condRegex
	condIn
	condNot
	condExists
	condAll
)

// cond is a single test against value found at a context path. Operator
// objects with several keys compile into condAll over their parts.
type cond struct {
	kind    condKind
	literal any
	re      *regexp.Regexp
	set     []any
	exists  bool
	nested  []*cond
}

type where struct {
	paths []string
	conds []*cond
}

// Test implements Predicate. All paths must satisfy their conditions.
func (w *where) Test(ctx meta.Context) bool {
	for i, p := range w.paths {
		v, ok := meta.Lookup(ctx, p)
		if !w.conds[i].test(v, ok) {
			return false
		}
	}
	return true
}

// CompilePredicate compiles "where" clause: mapping of context path to
// literal or operator object ($regex, $in, $not, $exists).
func CompilePredicate(spec map[string]any) (Predicate, error) {
	w := &where{}
	// map order is irrelevant for conjunction, sort for stable error reporting
	keys := make([]string, 0, len(spec))
	for k := range spec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		c, err := compileCond(spec[k])
		if err != nil {
			return nil, fmt.Errorf("where %q: %w", k, err)
		}
		w.paths = append(w.paths, k)
		w.conds = append(w.conds, c)
	}
	return w, nil
}

func compileCond(spec any) (*cond, error) {
	ops, ok := spec.(map[string]any)
	if !ok || !isOperatorObject(ops) {
		return &cond{kind: condLiteral, literal: spec}, nil
	}

	all := &cond{kind: condAll}
	keys := make([]string, 0, len(ops))
	for k := range ops {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, op := range keys {
		arg := ops[op]
		switch op {
		case "$regex":
			s, ok := arg.(string)
			if !ok {
				return nil, fmt.Errorf("$regex expects string, got %T", arg)
			}
			re, err := regexp.Compile("(?i)" + s)
			if err != nil {
				return nil, fmt.Errorf("$regex: %w", err)
			}
			all.nested = append(all.nested, &cond{kind: condRegex, re: re})
		case "$in":
			set, ok := arg.([]any)
			if !ok {
				return nil, fmt.Errorf("$in expects list, got %T", arg)
			}
			all.nested = append(all.nested, &cond{kind: condIn, set: set})
		case "$not":
			c, err := compileCond(arg)
			if err != nil {
				return nil, fmt.Errorf("$not: %w", err)
			}
			all.nested = append(all.nested, &cond{kind: condNot, nested: []*cond{c}})
		case "$exists":
			b, ok := arg.(bool)
			if !ok {
				return nil, fmt.Errorf("$exists expects boolean, got %T", arg)
			}
			all.nested = append(all.nested, &cond{kind: condExists, exists: b})
		default:
			return nil, fmt.Errorf("unknown operator %q", op)
		}
	}
	if len(all.nested) == 1 {
		return all.nested[0], nil
	}
	return all, nil
}

func isOperatorObject(m map[string]any) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

func (c *cond) test(v any, ok bool) bool {
	switch c.kind {
	case condExists:
		return ok == c.exists
	case condNot:
		return !c.nested[0].test(v, ok)
	case condAll:
		for _, n := range c.nested {
			if !n.test(v, ok) {
				return false
			}
		}
		return true
	}
	if !ok {
		return false
	}

	switch c.kind {
	case condLiteral:
		if list, isList := listOf(v); isList {
			return containsValue(list, c.literal)
		}
		return equalValues(v, c.literal)
	case condRegex:
		for _, item := range meta.AsList(v) {
			if s, ok := meta.AsString(item); ok && c.re.MatchString(s) {
				return true
			}
		}
		return false
	case condIn:
		if list, isList := listOf(v); isList {
			for _, item := range list {
				if containsValue(c.set, item) {
					return true
				}
			}
			return false
		}
		switch t := v.(type) {
		case string:
			// substring search, so that {$in: [topup]} matches "acq topup PA"
			for _, item := range c.set {
				if s, ok := meta.AsString(item); ok && strings.Contains(t, s) {
					return true
				}
			}
			return false
		case map[string]any:
			return false
		default:
			return containsValue(c.set, v)
		}
	}
	return false
}

func equalValues(a, b any) bool {
	as, aok := meta.AsString(a)
	bs, bok := meta.AsString(b)
	if aok && bok {
		return as == bs
	}
	return false
}

func containsValue(list []any, v any) bool {
	for _, item := range list {
		if equalValues(item, v) {
			return true
		}
	}
	return false
}

// sameSet reports whether lists hold the same elements ignoring order and
// multiplicity.
func sameSet(a, b []any) bool {
	for _, x := range a {
		if !containsValue(b, x) {
			return false
		}
	}
	for _, x := range b {
		if !containsValue(a, x) {
			return false
		}
	}
	return true
}

func listOf(v any) ([]any, bool) {
	switch v.(type) {
	case []any, []string:
		return meta.AsList(v), true
	}
	return nil, false
}
