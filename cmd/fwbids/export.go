package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	cli "github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"fwbids/export"
	"fwbids/meta"
	"fwbids/state"
)

func runExport(ctx context.Context, cmd *cli.Command) error {
	env := state.EnvFromContext(ctx)
	log := env.Log.Named("export")

	if cmd.Args().Len() == 0 {
		return fmt.Errorf("no destination has been specified")
	}
	if cmd.Args().Len() > 1 {
		log.Warn("Malformed command line, too many destinations", zap.Strings("ignoring", cmd.Args().Slice()[1:]))
	}
	dst, err := filepath.Abs(cmd.Args().Get(0))
	if err != nil {
		return fmt.Errorf("unable to resolve destination path: %w", err)
	}

	cfg := env.Cfg.Export
	if cmd.IsSet("source-data") {
		cfg.SourceData = cmd.Bool("source-data")
	}
	if cmd.IsSet("skip-existing") {
		cfg.SkipExisting = cmd.Bool("skip-existing")
	}

	store, root, err := loadTree(ctx, cmd, env)
	if err != nil {
		return err
	}

	start := time.Now()
	log.Info("Export starting", zap.String("name", root.Name()), zap.String("to", dst))
	defer func(start time.Time) {
		log.Info("Export completed", zap.Duration("elapsed", time.Since(start)))
	}(start)

	e := &export.Exporter{
		Client: store,
		Filter: export.FileFilter{
			Namespace:    meta.Namespace,
			SourceData:   cfg.SourceData,
			SkipUpToDate: cfg.SkipExisting,
		},
		Sidecars:    cfg.Sidecars,
		Description: cfg.DatasetDescription,
		Log:         log,
	}
	stats, err := e.Export(ctx, root, dst)
	if err != nil {
		return fmt.Errorf("unable to export %q: %w", root.Name(), err)
	}
	fmt.Printf("Export of %q: %d written, %d skipped, %d failed\n", root.Name(), stats.Written, stats.Skipped, stats.Failed)
	return nil
}
