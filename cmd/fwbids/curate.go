package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ohler55/ojg/oj"
	cli "github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"fwbids/common"
	"fwbids/curate"
	"fwbids/export"
	"fwbids/meta"
	"fwbids/platform"
	"fwbids/state"
)

// loadTree resolves container selected on command line and loads it with
// all descendants.
func loadTree(ctx context.Context, cmd *cli.Command, env *state.LocalEnv) (*platform.Store, *meta.Node, error) {
	store, err := env.Platform()
	if err != nil {
		return nil, nil, err
	}
	ctype, id, err := export.DetermineContainer(ctx, store, cmd.String("project"), common.ContainerTypeSession, cmd.String("session"))
	if err != nil {
		return nil, nil, fmt.Errorf("unable to determine container: %w", err)
	}
	root, err := store.Tree(ctx, ctype, id)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to load %s %q: %w", ctype, id, err)
	}
	env.Log.Debug("Hierarchy loaded", zap.Stringer("type", ctype), zap.String("id", id))
	return store, root, nil
}

// treeData converts hierarchy to plain maps for debug report.
func treeData(n *meta.Node) map[string]any {
	res := map[string]any{"type": n.Type.String(), "data": n.Data}
	if len(n.Children) > 0 {
		children := make([]any, 0, len(n.Children))
		for _, c := range n.Children {
			children = append(children, treeData(c))
		}
		res["children"] = children
	}
	return res
}

func runCurate(ctx context.Context, cmd *cli.Command) error {
	env := state.EnvFromContext(ctx)
	log := env.Log.Named("curate")

	if cmd.Args().Len() > 0 {
		log.Warn("Malformed command line, arguments are not expected", zap.Strings("ignoring", cmd.Args().Slice()))
	}

	opts, err := env.CurationOptions()
	if err != nil {
		return err
	}
	if cmd.IsSet("reset") {
		opts.Reset = cmd.Bool("reset")
	}
	opts.Upload = cmd.Bool("upload")
	dryRun := env.Cfg.Curation.DryRun || cmd.Bool("dry-run")

	store, root, err := loadTree(ctx, cmd, env)
	if err != nil {
		return err
	}

	start := time.Now()
	log.Info("Curation starting", zap.Stringer("type", root.Type), zap.String("name", root.Name()), zap.Bool("reset", opts.Reset))
	defer func(start time.Time) {
		log.Info("Curation completed", zap.Duration("elapsed", time.Since(start)))
	}(start)

	res, err := curate.Curate(ctx, root, opts, log)
	if err != nil {
		return fmt.Errorf("unable to curate %q: %w", root.Name(), err)
	}

	if env.Rpt != nil {
		env.Rpt.StoreData("curate/tree.json", []byte(oj.JSON(treeData(root), &oj.Options{Indent: 2, Sort: true})))
		env.Rpt.StoreData("curate/tree.txt", []byte(curate.Tree(root)))
	}

	if dryRun {
		log.Info("Dry run, curated metadata is not stored")
	} else if err := platform.SaveInfo(ctx, store, root); err != nil {
		return fmt.Errorf("unable to store curated metadata: %w", err)
	}

	fmt.Fprintln(os.Stdout, res.Summary())
	if len(res.Invalid) > 0 {
		log.Warn("Some containers do not pass validation", zap.Int("invalid", len(res.Invalid)))
	}
	return nil
}
