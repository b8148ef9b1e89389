package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"fwbids/common"
	"fwbids/meta"
	"fwbids/platform"
)

var reNifti = regexp.MustCompile(`\.nii(\.gz)?$`)

// Exporter writes curated hierarchy into a directory.
type Exporter struct {
	Client platform.Client
	Filter FileFilter
	// Sidecars enables JSON sidecars for NIfTI images.
	Sidecars bool
	// Description enables dataset_description.json from project metadata.
	Description bool
	Log         *zap.Logger
}

// Stats counts outcome of export.
type Stats struct {
	Written int
	Skipped int
	Failed  int
}

// Export downloads every file of root which has BIDS location. Failures of
// individual files are logged and combined into returned error, export
// continues with the next file.
func (e *Exporter) Export(ctx context.Context, root *meta.Node, outdir string) (*Stats, error) {
	if err := ValidateDirname(outdir); err != nil {
		return nil, err
	}
	e.Log.Debug("Export starting", zap.String("root", root.Name()), zap.String("to", outdir))

	var (
		stats Stats
		errs  error
	)
	err := e.export(ctx, root, outdir, &stats, &errs)
	e.Log.Info("Export completed", zap.Int("written", stats.Written), zap.Int("skipped", stats.Skipped), zap.Int("failed", stats.Failed))
	return &stats, multierr.Append(err, errs)
}

func (e *Exporter) export(ctx context.Context, n *meta.Node, outdir string, stats *Stats, errs *error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ns := e.Filter.Namespace
	switch n.Type {
	case common.ContainerTypeProject:
		if e.Description {
			if err := e.describe(n, outdir, ns); err != nil {
				e.Log.Warn("Unable to write dataset description", zap.Error(err))
				*errs = multierr.Append(*errs, err)
			}
		}
	case common.ContainerTypeFile:
		e.exportFile(ctx, n, outdir, stats, errs)
		return nil
	default:
		if excluded(n.Data, ns, false) {
			e.Log.Debug("Container excluded", zap.Stringer("type", n.Type), zap.String("name", n.Name()))
			return nil
		}
	}

	for _, ch := range n.Children {
		if err := e.export(ctx, ch, outdir, stats, errs); err != nil {
			return err
		}
	}
	return nil
}

func (e *Exporter) describe(project *meta.Node, outdir, ns string) error {
	block, ok := project.Info()[ns].(map[string]any)
	if !ok {
		return nil
	}
	desc := make(map[string]any, len(block))
	for k, v := range block {
		desc[k] = v
	}
	for _, k := range bookkeeping {
		delete(desc, k)
	}
	return writeJSON(filepath.Join(outdir, DatasetDescription), desc)
}

func (e *Exporter) exportFile(ctx context.Context, n *meta.Node, outdir string, stats *Stats, errs *error) {
	log := e.Log.With(zap.String("name", n.Name()))

	path := DefinePath(outdir, n.Data, e.Filter.Namespace)
	if len(path) == 0 || e.Filter.Excluded(n.Data, path) {
		stats.Skipped++
		log.Debug("File skipped")
		return
	}

	if err := e.download(ctx, n, path); err != nil {
		stats.Failed++
		log.Error("Unable to export file", zap.Error(err))
		*errs = multierr.Append(*errs, err)
		return
	}
	stats.Written++
	log.Debug("File exported", zap.String("path", path))

	if e.Sidecars && reNifti.MatchString(path) {
		sidecar := reNifti.ReplaceAllString(path, ".json")
		if err := CreateJSON(n.Info(), sidecar, e.Filter.Namespace); err != nil {
			log.Error("Unable to write sidecar", zap.Error(err))
			*errs = multierr.Append(*errs, err)
		}
	}
}

func (e *Exporter) download(ctx context.Context, n *meta.Node, path string) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("unable to create directory for %q: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return fmt.Errorf("unable to create temporary file for %q: %w", path, err)
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	err = e.Client.Download(ctx, n.ID(), tmp)
	err = multierr.Append(err, tmp.Close())
	if err != nil {
		return fmt.Errorf("unable to download %q: %w", n.Name(), err)
	}
	return os.Rename(tmp.Name(), path)
}
