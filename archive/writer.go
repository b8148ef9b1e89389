package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	sprig "github.com/go-task/slim-sprig/v3"
	"github.com/gosimple/slug"
	fixzip "github.com/hidez8891/zip"
	"github.com/ohler55/ojg/oj"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"fwbids/config"
	"fwbids/legacy"
	"fwbids/platform"
)

// NameValues are available to archive name template.
type NameValues struct {
	Project string
	Session string
	Date    string
}

// ExpandName expands name template into archive path under dir. Template may
// produce path separators for subdirectories, every segment is cleaned and,
// when requested, transliterated. Extension ".zip" is always added.
func ExpandName(dir, tmpl string, values NameValues, transliterate bool) (string, error) {
	t, err := template.New("archive").Funcs(sprig.FuncMap()).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("unable to parse archive name template: %w", err)
	}
	buf := new(bytes.Buffer)
	if err := t.Execute(buf, values); err != nil {
		return "", fmt.Errorf("unable to expand archive name template: %w", err)
	}

	var segments []string
	for _, s := range strings.Split(filepath.ToSlash(strings.TrimSpace(buf.String())), "/") {
		if len(s) == 0 {
			continue
		}
		if transliterate {
			s = slug.Make(s)
		}
		segments = append(segments, config.CleanFileName(s))
	}
	if len(segments) == 0 {
		return "", fmt.Errorf("archive name template %q expanded to nothing", tmpl)
	}
	segments[len(segments)-1] += ".zip"
	return filepath.Join(append([]string{dir}, segments...)...), nil
}

// Writer packs legacy BIDS layout into zip archive, image content is
// downloaded from the platform.
type Writer struct {
	Client platform.Client
	Log    *zap.Logger
	now    func() time.Time
}

// Write creates archive dst from conversion result. Archive is assembled
// in a temporary file and renamed into place only when complete.
func (w *Writer) Write(ctx context.Context, res *legacy.Result, dst string) (err error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("unable to create archive directory: %w", err)
	}
	out, err := os.CreateTemp(filepath.Dir(dst), ".fwbids-*.zip")
	if err != nil {
		return fmt.Errorf("unable to create archive: %w", err)
	}
	defer func() {
		if err != nil {
			os.Remove(out.Name())
		}
	}()

	zw := fixzip.NewWriter(out)
	if err = w.fill(ctx, zw, res); err != nil {
		return multierr.Combine(err, zw.Close(), out.Close())
	}
	if err = multierr.Combine(zw.Close(), out.Close()); err != nil {
		return fmt.Errorf("unable to finish archive: %w", err)
	}
	if err = os.Rename(out.Name(), dst); err != nil {
		return fmt.Errorf("unable to move archive into place: %w", err)
	}
	w.Log.Info("Archive written", zap.String("archive", dst), zap.Int("images", len(res.Files)), zap.Int("sidecars", len(res.Sidecars)))
	return nil
}

func (w *Writer) fill(ctx context.Context, zw *fixzip.Writer, res *legacy.Result) error {
	modified := time.Now()
	if w.now != nil {
		modified = w.now()
	}

	for _, l := range res.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		// images are compressed already
		fw, err := zw.CreateHeader(&fixzip.FileHeader{Name: l.Target, Method: fixzip.Store, Modified: modified})
		if err != nil {
			return fmt.Errorf("unable to add %q: %w", l.Target, err)
		}
		if err := w.Client.Download(ctx, l.FileID, fw); err != nil {
			return fmt.Errorf("unable to add %q from %q: %w", l.Target, l.Source, err)
		}
		w.Log.Debug("Image added", zap.String("source", l.Source), zap.String("target", l.Target))
	}

	for _, sc := range res.Sidecars {
		data := oj.JSON(sc.Data, &oj.Options{Indent: 2, Sort: true})
		fw, err := zw.CreateHeader(&fixzip.FileHeader{Name: sc.Path, Method: fixzip.Deflate, Modified: modified})
		if err != nil {
			return fmt.Errorf("unable to add %q: %w", sc.Path, err)
		}
		if _, err := io.WriteString(fw, data); err != nil {
			return fmt.Errorf("unable to write %q: %w", sc.Path, err)
		}
	}
	return nil
}
