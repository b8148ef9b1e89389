// Package rules implements declarative BIDS template selection and metadata
// derivation. A rule has a "where" predicate over the node context and an
// ordered list of field derivations; rules are tried in order and the first
// one whose predicate holds produces the BIDS block.
package rules

import (
	"fmt"
	"slices"
	"strconv"

	"fwbids/meta"
)

// Rule is a compiled catalog entry. Rules are immutable after compilation
// and may be shared.
type Rule struct {
	Template   string
	UploadOnly bool
	Where      Predicate
	// Defaults are template properties with their default values, block
	// starts from them.
	Defaults   []Field
	Initialize []Field
}

// Field is a named derivation.
type Field struct {
	Name string
	Expr Expr
}

// Options controls rule application.
type Options struct {
	// Upload enables rules restricted to upload mode.
	Upload bool
	// Counters holds run indexes of the current traversal. When nil every
	// application starts from fresh counters.
	Counters *RunCounters
}

// Default creates field with literal default value.
func Default(name string, value any) Field {
	return Field{Name: name, Expr: literalExpr{value: value}}
}

// Compile builds rule from decoded where clause and ordered initialize
// entries.
func Compile(template string, uploadOnly bool, where map[string]any, initialize []Field) (*Rule, error) {
	if len(template) == 0 {
		return nil, fmt.Errorf("rule without template name")
	}
	p, err := CompilePredicate(where)
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", template, err)
	}
	return &Rule{Template: template, UploadOnly: uploadOnly, Where: p, Initialize: initialize}, nil
}

// Apply selects first rule matching context and derives BIDS block for the
// context's current container. Returns nil rule when nothing matches or when
// container was marked not applicable. Context and container are not
// modified.
func Apply(catalog []*Rule, ctx meta.Context, opts Options) (*Rule, map[string]any) {
	ctype, _ := ctx[meta.KeyContainerType].(string)
	container, _ := ctx[ctype].(map[string]any)
	if meta.IsNotApplicable(container) {
		return nil, nil
	}

	for _, r := range catalog {
		if r.UploadOnly && !opts.Upload {
			continue
		}
		if !r.Where.Test(ctx) {
			continue
		}
		return r, r.derive(ctx, ctype, container, opts)
	}
	return nil, nil
}

func (r *Rule) derive(ctx meta.Context, ctype string, container map[string]any, opts Options) map[string]any {
	block := make(map[string]any, len(r.Defaults)+len(r.Initialize)+1)

	// Derivations may read fields computed earlier, so the block is visible
	// in a private copy of context under <container>.info.BIDS.
	scoped := make(meta.Context, len(ctx))
	for k, v := range ctx {
		scoped[k] = v
	}
	c := make(map[string]any, len(container)+1)
	for k, v := range container {
		c[k] = v
	}
	info := make(map[string]any)
	if old, ok := c["info"].(map[string]any); ok {
		for k, v := range old {
			info[k] = v
		}
	}
	info[meta.Namespace] = block
	c["info"] = info
	if len(ctype) > 0 {
		scoped[ctype] = c
	}

	s := &scope{ctx: scoped, counters: opts.Counters}
	for _, f := range r.Defaults {
		block[f.Name], _ = f.Expr.Eval(s)
	}
	block["template"] = r.Template
	for _, f := range r.Initialize {
		if v, ok := f.Expr.Eval(s); ok {
			block[f.Name] = v
		}
	}
	return block
}

// ReserveRun registers run index of a block derived earlier by r with
// counters, so new nodes in the same scope get other indexes. Context must
// be the one block was derived for.
func (r *Rule) ReserveRun(ctx meta.Context, counters *RunCounters, run string) {
	n, err := strconv.Atoi(run)
	if err != nil {
		return
	}
	for _, f := range slices.Concat(r.Defaults, r.Initialize) {
		e, ok := f.Expr.(*runCounterExpr)
		if !ok {
			continue
		}
		if label, ok := meta.LookupString(ctx, e.on); ok {
			counters.Reserve(Resolve(e.scope, ctx), label, n)
		}
	}
}

// ProcessMatchingTemplates applies catalog to context and attaches derived
// block to the context's container as info.BIDS. Returns the container,
// which is left untouched when no rule matches.
func ProcessMatchingTemplates(catalog []*Rule, ctx meta.Context, opts Options) (map[string]any, *Rule) {
	ctype, _ := ctx[meta.KeyContainerType].(string)
	container, _ := ctx[ctype].(map[string]any)
	r, block := Apply(catalog, ctx, opts)
	if r == nil {
		return container, nil
	}
	if container == nil {
		container = make(map[string]any)
	}
	info, ok := container["info"].(map[string]any)
	if !ok {
		info = make(map[string]any)
		container["info"] = info
	}
	info[meta.Namespace] = block
	return container, r
}
