package rules

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"fwbids/meta"
)

// Expr derives a single BIDS field value. Second result is false when
// expression produced no value and field keeps its default.
type Expr interface {
	Eval(s *scope) (any, bool)
}

// scope is evaluation state of one rule application.
type scope struct {
	ctx      meta.Context
	counters *RunCounters
}

type literalExpr struct{ value any }

func (e literalExpr) Eval(*scope) (any, bool) { return cloneValue(e.value), true }

// templateExpr is a string literal, expanded by Resolve.
type templateExpr struct{ tmpl string }

func (e templateExpr) Eval(s *scope) (any, bool) { return Resolve(e.tmpl, s.ctx), true }

// takeExpr reads value at path, optionally extracting named "value" group of
// regex, and post-processes it with format steps.
type takeExpr struct {
	path   string
	re     *regexp.Regexp
	format []formatStep
}

func (e *takeExpr) Eval(s *scope) (any, bool) {
	v, ok := meta.Lookup(s.ctx, e.path)
	if !ok {
		return nil, false
	}
	if e.re != nil {
		str, ok := meta.AsString(v)
		if !ok {
			return nil, false
		}
		m := e.re.FindStringSubmatch(str)
		if m == nil {
			return nil, false
		}
		v = m[e.re.SubexpIndex("value")]
	}
	if len(e.format) == 0 {
		return cloneValue(v), true
	}
	str, ok := meta.AsString(v)
	if !ok {
		return nil, false
	}
	for _, f := range e.format {
		str = f.apply(str)
	}
	return str, true
}

type formatStep struct {
	re      *regexp.Regexp // nil means whole string
	replace bool
	with    string
	fn      func(string) string
}

func (f formatStep) apply(s string) string {
	switch {
	case f.replace:
		return f.re.ReplaceAllString(s, f.with)
	case f.re == nil:
		return f.fn(s)
	default:
		return f.re.ReplaceAllStringFunc(s, f.fn)
	}
}

type switchCase struct {
	eq    any
	def   bool
	value Expr
}

// switchExpr selects value of the first case matching value at path.
type switchExpr struct {
	on    string
	cases []switchCase
}

func (e *switchExpr) Eval(s *scope) (any, bool) {
	v, ok := meta.Lookup(s.ctx, e.on)
	for _, c := range e.cases {
		if c.def || (ok && caseMatches(v, c.eq)) {
			return c.value.Eval(s)
		}
	}
	return nil, false
}

func caseMatches(v, eq any) bool {
	vl, vList := listOf(v)
	el, eList := listOf(eq)
	switch {
	case vList && eList:
		return sameSet(vl, el)
	case vList:
		return containsValue(vl, eq)
	case eList:
		return containsValue(el, v)
	default:
		return equalValues(v, eq)
	}
}

// runCounterExpr produces run index for the label found at path, see
// RunCounters. Scope is a template, counters of different scopes are
// independent.
type runCounterExpr struct {
	on    string
	scope string
}

func (e *runCounterExpr) Eval(s *scope) (any, bool) {
	label, ok := meta.LookupString(s.ctx, e.on)
	if !ok {
		return "", true
	}
	scopeKey := Resolve(e.scope, s.ctx)
	if s.counters == nil {
		// no traversal state, behave as if this was the first occurrence
		s.counters = NewRunCounters()
	}
	return s.counters.Run(scopeKey, label), true
}

// CompileExpr compiles derivation expression from its decoded form.
func CompileExpr(spec any) (Expr, error) {
	switch t := spec.(type) {
	case string:
		if strings.ContainsAny(t, "<{[") {
			return templateExpr{tmpl: t}, nil
		}
		return literalExpr{value: t}, nil
	case map[string]any:
		if sw, ok := t["$switch"]; ok {
			return compileSwitch(sw)
		}
		if rc, ok := t["$run_counter"]; ok {
			return compileRunCounter(rc)
		}
		if len(t) == 1 {
			for path, arg := range t {
				if op, ok := arg.(map[string]any); ok && !strings.HasPrefix(path, "$") {
					return compileTake(path, op)
				}
			}
		}
		return literalExpr{value: t}, nil
	default:
		return literalExpr{value: t}, nil
	}
}

func compileTake(path string, spec map[string]any) (Expr, error) {
	e := &takeExpr{path: path}
	for _, k := range sortedKeys(spec) {
		arg := spec[k]
		switch k {
		case "$take":
		case "$regex":
			s, ok := arg.(string)
			if !ok {
				return nil, fmt.Errorf("%s: $regex expects string, got %T", path, arg)
			}
			re, err := regexp.Compile(s)
			if err != nil {
				return nil, fmt.Errorf("%s: $regex: %w", path, err)
			}
			if re.SubexpIndex("value") < 0 {
				return nil, fmt.Errorf("%s: $regex %q has no 'value' group", path, s)
			}
			e.re = re
		case "$format":
			steps, ok := arg.([]any)
			if !ok {
				return nil, fmt.Errorf("%s: $format expects list, got %T", path, arg)
			}
			for i, st := range steps {
				f, err := compileFormatStep(st)
				if err != nil {
					return nil, fmt.Errorf("%s: $format[%d]: %w", path, i, err)
				}
				e.format = append(e.format, f)
			}
		default:
			return nil, fmt.Errorf("%s: unknown operator %q", path, k)
		}
	}
	return e, nil
}

func compileFormatStep(spec any) (formatStep, error) {
	m, ok := spec.(map[string]any)
	if !ok || len(m) != 1 {
		return formatStep{}, fmt.Errorf("format step must be single key object")
	}
	for op, arg := range m {
		switch op {
		case "$replace":
			a, ok := arg.(map[string]any)
			if !ok {
				return formatStep{}, fmt.Errorf("$replace expects object")
			}
			pattern, _ := a["$pattern"].(string)
			with, _ := a["$replacement"].(string)
			re, err := regexp.Compile(pattern)
			if err != nil {
				return formatStep{}, fmt.Errorf("$replace: %w", err)
			}
			return formatStep{re: re, replace: true, with: with}, nil
		case "$lower", "$upper":
			f := formatStep{fn: strings.ToLower}
			if op == "$upper" {
				f.fn = strings.ToUpper
			}
			switch a := arg.(type) {
			case bool:
				if !a {
					f.fn = func(s string) string { return s }
				}
			case map[string]any:
				pattern, _ := a["$pattern"].(string)
				re, err := regexp.Compile(pattern)
				if err != nil {
					return formatStep{}, fmt.Errorf("%s: %w", op, err)
				}
				f.re = re
			default:
				return formatStep{}, fmt.Errorf("%s expects boolean or object", op)
			}
			return f, nil
		default:
			return formatStep{}, fmt.Errorf("unknown format operator %q", op)
		}
	}
	panic("unreachable")
}

func compileSwitch(spec any) (Expr, error) {
	m, ok := spec.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("$switch expects object")
	}
	on, ok := m["$on"].(string)
	if !ok {
		return nil, fmt.Errorf("$switch: $on must be a path")
	}
	cases, ok := m["$cases"].([]any)
	if !ok {
		return nil, fmt.Errorf("$switch: $cases must be a list")
	}
	e := &switchExpr{on: on}
	for i, c := range cases {
		cm, ok := c.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("$switch: case %d is not an object", i)
		}
		v, err := CompileExpr(cm["$value"])
		if err != nil {
			return nil, fmt.Errorf("$switch: case %d: %w", i, err)
		}
		sc := switchCase{eq: cm["$eq"], value: v}
		sc.def, _ = cm["$default"].(bool)
		if !sc.def && sc.eq == nil {
			return nil, fmt.Errorf("$switch: case %d has neither $eq nor $default", i)
		}
		e.cases = append(e.cases, sc)
	}
	return e, nil
}

func compileRunCounter(spec any) (Expr, error) {
	m, ok := spec.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("$run_counter expects object")
	}
	e := &runCounterExpr{}
	if e.on, ok = m["$on"].(string); !ok {
		return nil, fmt.Errorf("$run_counter: $on must be a path")
	}
	e.scope, _ = m["$scope"].(string)
	return e, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// cloneValue deep copies lists and maps so that blocks never share state
// with the catalog.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = cloneValue(x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = cloneValue(x)
		}
		return out
	default:
		return v
	}
}
