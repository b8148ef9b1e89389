package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	cli "github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"fwbids/archive"
	"fwbids/common"
	"fwbids/legacy"
	"fwbids/meta"
	"fwbids/platform"
	"fwbids/state"
)

// repetitionTimes looks up RepetitionTime in info of the most recent NIfTI
// file of acquisition.
func repetitionTimes(root *meta.Node) legacy.RepetitionTimeFunc {
	acquisitions := make(map[string]*meta.Node)
	_ = root.Walk(func(n *meta.Node, _ []*meta.Node) error {
		if n.Type == common.ContainerTypeAcquisition {
			acquisitions[n.ID()] = n
		}
		return nil
	})
	return func(acq *legacy.Acquisition) (any, bool) {
		n, ok := acquisitions[acq.ID]
		if !ok {
			return nil, false
		}
		for i := len(n.Children) - 1; i >= 0; i-- {
			f := n.Children[i]
			if ftype, _ := meta.LookupString(f.Data, "type"); f.Type != common.ContainerTypeFile || ftype != legacy.TypeNifti {
				continue
			}
			tr, ok := f.Info()["RepetitionTime"]
			return tr, ok
		}
		return nil, false
	}
}

// nameValues collects values for archive name template.
func nameValues(ctx context.Context, store *platform.Store, root *meta.Node) (archive.NameValues, error) {
	values := archive.NameValues{Date: time.Now().Format("20060102")}
	switch root.Type {
	case common.ContainerTypeProject:
		values.Project = root.Label()
	case common.ContainerTypeSession:
		values.Session = root.Label()
		pid, ok := meta.LookupString(root.Data, "project")
		if !ok {
			return values, fmt.Errorf("session %q does not belong to a project", root.ID())
		}
		project, err := store.Tree(ctx, common.ContainerTypeProject, pid)
		if err != nil {
			return values, fmt.Errorf("unable to load project of session %q: %w", root.ID(), err)
		}
		values.Project = project.Label()
	}
	return values, nil
}

func runArchive(ctx context.Context, cmd *cli.Command) error {
	env := state.EnvFromContext(ctx)
	log := env.Log.Named("archive")

	if cmd.Args().Len() > 1 {
		log.Warn("Malformed command line, too many destinations", zap.Strings("ignoring", cmd.Args().Slice()[1:]))
	}
	dst := cmd.Args().Get(0)
	if len(dst) == 0 {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("unable to get working directory: %w", err)
		}
		dst = wd
	}
	dst, err := filepath.Abs(dst)
	if err != nil {
		return fmt.Errorf("unable to resolve destination path: %w", err)
	}

	store, root, err := loadTree(ctx, cmd, env)
	if err != nil {
		return err
	}

	h, err := legacy.FromTree(root)
	if err != nil {
		return err
	}
	res := legacy.Convert(h, repetitionTimes(root))
	if len(res.Files) == 0 {
		log.Warn("Nothing to archive, no acquisition could be classified", zap.String("name", root.Name()))
		return nil
	}

	values, err := nameValues(ctx, store, root)
	if err != nil {
		return err
	}
	name, err := archive.ExpandName(dst, env.Cfg.Archive.NameTemplate, values, env.Cfg.Archive.Transliterate)
	if err != nil {
		return err
	}

	start := time.Now()
	log.Info("Archiving starting", zap.String("name", root.Name()), zap.String("to", name))
	defer func(start time.Time) {
		log.Info("Archiving completed", zap.Duration("elapsed", time.Since(start)))
	}(start)

	w := &archive.Writer{Client: store, Log: log}
	return w.Write(ctx, res, name)
}
