// Package export materializes curated hierarchy as BIDS directory tree.
package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ohler55/ojg/oj"

	"fwbids/common"
	"fwbids/meta"
	"fwbids/platform"
)

var ErrInvalidDir = errors.New("not a valid directory")

// DatasetDescription is name of the dataset level metadata file.
const DatasetDescription = "dataset_description.json"

// block keys which are bookkeeping rather than metadata
var bookkeeping = []string{"template", "valid", "error_message", "ignore", "rule_id"}

// ValidateDirname checks that path exists and is a directory.
func ValidateDirname(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%q: %w: %w", path, ErrInvalidDir, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%q: %w", path, ErrInvalidDir)
	}
	return nil
}

// DefinePath returns location of container under outdir, empty when
// container has no metadata in namespace or no file name.
func DefinePath(outdir string, container map[string]any, namespace string) string {
	info, ok := container["info"].(map[string]any)
	if !ok {
		return ""
	}
	block, ok := info[namespace].(map[string]any)
	if !ok {
		return ""
	}
	name, ok := meta.LookupString(block, "Filename")
	if !ok {
		return ""
	}
	dir, _ := meta.LookupString(block, "Path")
	return filepath.Join(outdir, filepath.FromSlash(dir), name)
}

// CreateJSON writes sidecar with container info except namespace. Task of
// functional data becomes TaskName.
func CreateJSON(info map[string]any, path, namespace string) error {
	sidecar := make(map[string]any, len(info))
	for k, v := range info {
		if k != namespace {
			sidecar[k] = v
		}
	}
	if block, ok := info[namespace].(map[string]any); ok {
		if task, ok := meta.LookupString(block, "Task"); ok {
			sidecar["TaskName"] = task
		}
	}
	return writeJSON(path, sidecar)
}

func writeJSON(path string, v any) error {
	data := oj.JSON(v, &oj.Options{Indent: 2, Sort: true})
	if err := os.WriteFile(path, []byte(data+"\n"), 0644); err != nil {
		return fmt.Errorf("unable to write %q: %w", path, err)
	}
	return nil
}

// IsContainerExcluded reports whether container was marked ignored or not
// applicable.
func IsContainerExcluded(container map[string]any, namespace string) bool {
	return excluded(container, namespace, true)
}

// excluded reports whether container was explicitly ignored by user, not
// applicable containers count only when notApplicable is set: they may still
// hold files with metadata.
func excluded(container map[string]any, namespace string, notApplicable bool) bool {
	info, ok := container["info"].(map[string]any)
	if !ok {
		return false
	}
	switch block := info[namespace].(type) {
	case string:
		return notApplicable && block == meta.NotApplicable
	case map[string]any:
		ignore, _ := block["ignore"].(bool)
		return ignore
	}
	return false
}

// FileFilter decides which files are exported.
type FileFilter struct {
	Namespace string
	// SourceData exports files under "sourcedata" as well.
	SourceData bool
	// SkipUpToDate leaves files whose local copy is not older than platform
	// modification time.
	SkipUpToDate bool
}

// Excluded reports whether file container should not be written to path.
func (f FileFilter) Excluded(container map[string]any, path string) bool {
	if IsContainerExcluded(container, f.Namespace) {
		return true
	}
	if !f.SourceData {
		if info, ok := container["info"].(map[string]any); ok {
			if block, ok := info[f.Namespace].(map[string]any); ok {
				if dir, _ := meta.LookupString(block, "Path"); strings.HasPrefix(dir, "sourcedata") {
					return true
				}
			}
		}
	}
	if f.SkipUpToDate {
		modified, ok := modificationTime(container)
		if !ok {
			return false
		}
		fi, err := os.Stat(path)
		if err != nil {
			return false
		}
		return !fi.ModTime().Before(modified)
	}
	return false
}

func modificationTime(container map[string]any) (time.Time, bool) {
	switch v := container["modified"].(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339, v)
		return t, err == nil
	}
	return time.Time{}, false
}

// DetermineContainer returns container to export: project found by label
// when one is given, otherwise the container itself.
func DetermineContainer(ctx context.Context, client platform.Client, projectLabel string, ctype common.ContainerType, id string) (common.ContainerType, string, error) {
	if len(projectLabel) == 0 {
		if len(id) == 0 {
			return "", "", errors.New("either project label or container id is required")
		}
		return ctype, id, nil
	}
	pid, err := client.FindProject(ctx, projectLabel)
	if err != nil {
		return "", "", err
	}
	return common.ContainerTypeProject, pid, nil
}
