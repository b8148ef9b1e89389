package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	cli "github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"

	"fwbids/common"
	"fwbids/state"
	"fwbids/upload"
)

// zipCodePage returns encoding for non UTF-8 names in archives, nil when
// none is requested or name is not known.
func zipCodePage(name string, log *zap.Logger) encoding.Encoding {
	if len(name) == 0 {
		return nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil || enc == nil {
		log.Warn("Unknown character set specification. Ignoring...", zap.String("charset", name), zap.Error(err))
		return nil
	}
	cs, _ := ianaindex.IANA.Name(enc)
	log.Debug("Using character set to decode archive names", zap.String("charset", cs))
	return enc
}

func runUpload(ctx context.Context, cmd *cli.Command) error {
	env := state.EnvFromContext(ctx)
	log := env.Log.Named("upload")

	if cmd.Args().Len() == 0 {
		return fmt.Errorf("no source has been specified")
	}
	if cmd.Args().Len() > 1 {
		log.Warn("Malformed command line, too many sources", zap.Strings("ignoring", cmd.Args().Slice()[1:]))
	}
	src, err := filepath.Abs(cmd.Args().Get(0))
	if err != nil {
		return fmt.Errorf("unable to resolve source path: %w", err)
	}

	cfg := env.Cfg.Upload
	if cmd.IsSet("type") {
		if cfg.Hierarchy, err = common.ParseHierarchyType(cmd.String("type")); err != nil {
			return fmt.Errorf("unable to use dataset type: %w", err)
		}
	}
	if cmd.IsSet("source-data") {
		cfg.SourceData = cmd.Bool("source-data")
	}
	if cmd.IsSet("force-zip-cp") {
		cfg.ZipCodePage = cmd.String("force-zip-cp")
	}
	subject, session := cmd.String("subject"), cmd.String("session")
	if len(session) > 0 && len(subject) == 0 {
		return fmt.Errorf("session %q requires subject to be specified", session)
	}

	fi, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("unable to access source: %w", err)
	}
	var source *upload.Source
	switch {
	case fi.IsDir():
		source, err = upload.ParseDir(src)
	case strings.EqualFold(filepath.Ext(src), ".zip"):
		source, err = upload.ParseArchive(src, zipCodePage(cfg.ZipCodePage, log))
	default:
		return fmt.Errorf("source %q is neither directory nor zip archive", src)
	}
	if err != nil {
		return err
	}
	defer source.Close()

	project, rootdir, err := upload.HandleProjectLabel(source.Root, cmd.String("project"), src, cfg.SourceData, subject, session)
	if err != nil {
		return fmt.Errorf("unable to locate project in %q: %w", src, err)
	}

	opts, err := env.CurationOptions()
	if err != nil {
		return err
	}
	store, err := env.Platform()
	if err != nil {
		return err
	}

	start := time.Now()
	log.Info("Upload starting", zap.String("project", project.Name), zap.String("from", rootdir), zap.Stringer("type", cfg.Hierarchy))
	defer func(start time.Time) {
		log.Info("Upload completed", zap.Duration("elapsed", time.Since(start)))
	}(start)

	u := &upload.Uploader{
		Client:         store,
		Curation:       opts,
		Hierarchy:      cfg.Hierarchy,
		AttachSidecars: cfg.AttachSidecars,
		Log:            log,
	}
	stats, err := u.Upload(ctx, project, source)
	if err != nil {
		return fmt.Errorf("unable to upload %q: %w", project.Name, err)
	}

	fmt.Printf("Upload of %q: %d subjects, %d sessions, %d acquisitions, %d files, %d skipped\n",
		project.Name, stats.Subjects, stats.Sessions, stats.Acquisitions, stats.Files, stats.Skipped)
	if stats.Curation != nil {
		fmt.Println(stats.Curation.Summary())
	}
	return nil
}
