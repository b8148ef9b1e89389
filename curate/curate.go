// Package curate walks container hierarchy deriving and validating BIDS
// metadata of every node.
package curate

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fwbids/catalog"
	"fwbids/common"
	"fwbids/meta"
	"fwbids/rules"
	"fwbids/validate"
)

// Options controls curation.
type Options struct {
	Catalog   *catalog.Catalog
	Validator *validate.Validator
	// Upload enables rules which only apply when importing local data.
	Upload bool
	// Reset drops existing BIDS metadata, so everything is derived again.
	Reset bool
}

// Invalid describes node which failed validation.
type Invalid struct {
	ID       string
	Name     string
	Template string
	Message  string
}

// Result summarizes single curation pass.
type Result struct {
	RunID     string
	Nodes     int
	Derived   int
	Kept      int
	Unmatched int
	Templates map[string]int
	Invalid   []Invalid
}

type curator struct {
	opts     Options
	log      *zap.Logger
	counters *rules.RunCounters
	res      *Result
	visited  []*meta.Node
}

// frame carries ancestors of the node being processed.
type frame struct {
	parent      common.ContainerType
	project     map[string]any
	subject     map[string]any
	session     map[string]any
	acquisition map[string]any
}

// Curate processes root and all its descendants depth first in child order.
// Nodes are modified in place. Run counters and fieldmap links are scoped to
// this call. When ctx is cancelled curation stops and the partial result is
// returned together with the context error.
func Curate(ctx context.Context, root *meta.Node, opts Options, log *zap.Logger) (*Result, error) {
	c := &curator{
		opts:     opts,
		log:      log,
		counters: rules.NewRunCounters(),
		res:      &Result{Templates: make(map[string]int)},
	}
	if id, err := uuid.NewV7(); err == nil {
		c.res.RunID = id.String()
	}

	log.Debug("Curation starting", zap.String("run", c.res.RunID), zap.Stringer("root", root.Type), zap.String("label", root.Name()))
	defer func(start time.Time) {
		log.Debug("Curation completed", zap.String("run", c.res.RunID), zap.Int("nodes", c.res.Nodes), zap.Duration("elapsed", time.Since(start)))
	}(time.Now())

	if !opts.Reset {
		c.reserve(root, frame{})
	}
	err := c.walk(ctx, root, frame{})
	// deferred values and links are final only after the walk, validate
	// last
	for _, n := range c.visited {
		c.validate(n)
	}
	return c.res, err
}

func (c *curator) walk(ctx context.Context, n *meta.Node, f frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f = f.enter(n)
	c.process(n, f)

	child := f
	child.parent = n.Type
	for _, ch := range n.Children {
		if err := c.walk(ctx, ch, child); err != nil {
			return err
		}
	}

	switch n.Type {
	case common.ContainerTypeAcquisition:
		fillDeferred(n)
	case common.ContainerTypeSession:
		LinkIntendedFor(n, c.log)
	}
	return nil
}

// enter records n as ancestor for its descendants.
func (f frame) enter(n *meta.Node) frame {
	switch n.Type {
	case common.ContainerTypeProject:
		f.project = n.Data
	case common.ContainerTypeSubject:
		f.subject = n.Data
	case common.ContainerTypeSession:
		f.session = n.Data
		if s, ok := n.Data["subject"].(map[string]any); ok && f.subject == nil {
			// platform embeds subject into session
			f.subject = s
		}
	case common.ContainerTypeAcquisition:
		f.acquisition = n.Data
	}
	return f
}

// reserve registers run indexes of kept blocks before anything is derived,
// so new "run+" acquisitions do not reuse them whatever their position.
func (c *curator) reserve(n *meta.Node, f frame) {
	f = f.enter(n)
	if block, ok := n.BIDS(); ok {
		run, _ := meta.AsString(block["Run"])
		tmpl, _ := meta.AsString(block[validate.KeyTemplate])
		if len(run) > 0 {
			for _, r := range c.opts.Catalog.Rules {
				if r.Template == tmpl {
					r.ReserveRun(f.context(n), c.counters, run)
					break
				}
			}
		}
	}
	child := f
	child.parent = n.Type
	for _, ch := range n.Children {
		c.reserve(ch, child)
	}
}

// Context builds rule context for node n with ancestors described by f.
func (f frame) context(n *meta.Node) meta.Context {
	ctx := meta.Context{
		meta.KeyContainerType:       n.Type.String(),
		meta.KeyParentContainerType: f.parent.String(),
		meta.KeyProject:             f.project,
		meta.KeySubject:             f.subject,
		meta.KeySession:             f.session,
		meta.KeyAcquisition:         f.acquisition,
		meta.KeyFile:                map[string]any{},
	}
	if n.Type == common.ContainerTypeFile {
		ctx[meta.KeyFile] = n.Data
		ctx[meta.KeyExt] = meta.Extension(n.Name())
	}
	return ctx
}

func (c *curator) process(n *meta.Node, f frame) {
	c.res.Nodes++
	c.visited = append(c.visited, n)
	log := c.log.With(zap.Stringer("type", n.Type), zap.String("name", n.Name()))

	info := n.Info()
	if c.opts.Reset {
		delete(info, meta.Namespace)
		delete(info, "IntendedFor")
	}

	switch {
	case meta.IsNotApplicable(n.Data):
		log.Debug("Not applicable, skipping")
	case hasBlock(n):
		c.res.Kept++
		log.Debug("Keeping existing metadata")
	default:
		_, r := rules.ProcessMatchingTemplates(c.opts.Catalog.Rules, f.context(n), rules.Options{
			Upload:   c.opts.Upload,
			Counters: c.counters,
		})
		if r == nil {
			c.res.Unmatched++
			log.Debug("No template matched")
		} else {
			c.res.Derived++
			log.Debug("Template matched", zap.String("template", r.Template))
		}
	}
}

func (c *curator) validate(n *meta.Node) {
	if inv, ok := check(n, c.opts.Validator, c.log); !ok {
		c.res.Invalid = append(c.res.Invalid, inv)
	}
	if block, ok := n.BIDS(); ok {
		if name, ok := meta.AsString(block[validate.KeyTemplate]); ok {
			c.res.Templates[name]++
		}
	}
}

func check(n *meta.Node, v *validate.Validator, log *zap.Logger) (Invalid, bool) {
	if v.Validate(n.Data) {
		return Invalid{}, true
	}
	block, _ := n.BIDS()
	inv := Invalid{ID: n.ID(), Name: n.Name()}
	inv.Template, _ = meta.AsString(block[validate.KeyTemplate])
	inv.Message, _ = block[validate.KeyErrorMessage].(string)
	log.Warn("Invalid BIDS metadata", zap.Stringer("type", n.Type), zap.String("name", n.Name()), zap.String("template", inv.Template), zap.String("error", strings.ReplaceAll(inv.Message, "\n", "; ")))
	return inv, false
}

// Validate checks BIDS metadata of root and all its descendants again,
// after it was changed outside of curation.
func Validate(root *meta.Node, v *validate.Validator, log *zap.Logger) []Invalid {
	var res []Invalid
	_ = root.Walk(func(n *meta.Node, _ []*meta.Node) error {
		if inv, ok := check(n, v, log); !ok {
			res = append(res, inv)
		}
		return nil
	})
	return res
}

func hasBlock(n *meta.Node) bool {
	_, ok := n.BIDS()
	return ok
}
