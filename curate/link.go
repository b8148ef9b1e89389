package curate

import (
	"path"
	"slices"
	"strings"

	"go.uber.org/zap"

	"fwbids/common"
	"fwbids/meta"
	"fwbids/rules"
)

const keyIntendedFor = "IntendedFor"

// fields which may carry deferred "{file.info.BIDS.X}" placeholders
var deferredFields = []string{"Filename", "Folder", "Path"}

// fillDeferred completes companion files of an acquisition (events, physio)
// with Task of the functional image next to them and resolves inline
// placeholders left in their names.
func fillDeferred(acq *meta.Node) {
	var task string
	for _, ch := range acq.Children {
		if b, ok := ch.BIDS(); ok && b["template"] == "func_file" {
			if t, ok := meta.LookupString(b, "Task"); ok {
				task = t
				break
			}
		}
	}

	for _, ch := range acq.Children {
		if ch.Type != common.ContainerTypeFile {
			continue
		}
		b, ok := ch.BIDS()
		if !ok {
			continue
		}
		if v, has := b["Task"]; has && len(task) > 0 {
			if s, _ := v.(string); len(s) == 0 {
				b["Task"] = task
			}
		}
		resolveDeferred(ch, b)
	}
}

func resolveDeferred(n *meta.Node, block map[string]any) {
	ctx := meta.Context{meta.KeyFile: n.Data, meta.KeyExt: meta.Extension(n.Name())}
	for _, name := range deferredFields {
		if s, ok := block[name].(string); ok && strings.Contains(s, "{") {
			block[name] = rules.Resolve(s, ctx)
		}
	}
}

type target struct {
	folder   string
	filename string
}

// LinkIntendedFor points fieldmaps of a session to the images they correct.
// Functional images are preferred, other folders named by the fieldmap are
// used when the session has no functional images.
func LinkIntendedFor(session *meta.Node, log *zap.Logger) {
	var (
		targets   []target
		fieldmaps []*meta.Node
	)
	_ = session.Walk(func(n *meta.Node, _ []*meta.Node) error {
		if n.Type != common.ContainerTypeFile {
			return nil
		}
		b, ok := n.BIDS()
		if !ok {
			return nil
		}
		if _, ok := b[keyIntendedFor].([]any); ok {
			fieldmaps = append(fieldmaps, n)
			return nil
		}
		if t, ok := asTarget(b); ok {
			targets = append(targets, t)
		}
		return nil
	})
	if len(fieldmaps) == 0 {
		return
	}

	prefix := ""
	if sb, ok := session.BIDS(); ok {
		if label, ok := meta.LookupString(sb, "Label"); ok {
			prefix = "ses-" + label
		}
	} else if label := session.Label(); len(label) > 0 {
		prefix = "ses-" + label
	}

	for _, fm := range fieldmaps {
		b, _ := fm.BIDS()
		folders := placeholderFolders(b[keyIntendedFor].([]any))

		selected := pick(targets, func(t target) bool { return t.folder == "func" })
		if len(selected) == 0 {
			selected = pick(targets, func(t target) bool { return slices.Contains(folders, t.folder) })
		}

		paths := make([]any, 0, len(selected))
		for _, t := range selected {
			paths = append(paths, path.Join(prefix, t.folder, t.filename))
		}
		fm.Info()[keyIntendedFor] = paths
		log.Debug("Fieldmap linked", zap.String("name", fm.Name()), zap.Int("targets", len(paths)))
	}
}

func asTarget(b map[string]any) (target, bool) {
	if ignore, _ := b["ignore"].(bool); ignore {
		return target{}, false
	}
	filename, ok := meta.LookupString(b, "Filename")
	if !ok {
		return target{}, false
	}
	if ext := meta.Extension(filename); ext != ".nii" && ext != ".nii.gz" {
		return target{}, false
	}
	folder, _ := meta.LookupString(b, "Folder")
	return target{folder: folder, filename: filename}, true
}

func placeholderFolders(list []any) []string {
	var folders []string
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			if f, ok := meta.LookupString(m, "Folder"); ok {
				folders = append(folders, f)
			}
		}
	}
	return folders
}

func pick(targets []target, keep func(target) bool) []target {
	var out []target
	for _, t := range targets {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}
