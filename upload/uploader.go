package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"path"
	"slices"
	"strings"

	"github.com/h2non/filetype"
	"go.uber.org/zap"

	"fwbids/common"
	"fwbids/curate"
	"fwbids/meta"
	"fwbids/platform"
)

const (
	datasetDescription = "dataset_description.json"
	participantsTable  = "participants.tsv"
	sessionsSuffix     = "_sessions.tsv"
)

// file types by extension
var extensionTypes = map[string]string{
	".nii":     "nifti",
	".nii.gz":  "nifti",
	".bval":    "bval",
	".bvec":    "bvec",
	".tsv":     "tabular data",
	".tsv.gz":  "tabular data",
	".dcm":     "dicom",
	".dcm.zip": "dicom",
	".json":    "source code",
	".txt":     "text",
}

// Uploader imports local dataset into the platform.
type Uploader struct {
	Client    platform.Client
	Curation  curate.Options
	Hierarchy common.HierarchyType
	// AttachSidecars merges content of matching JSON sidecars into file
	// info.
	AttachSidecars bool
	Log            *zap.Logger
}

// Stats summarizes upload.
type Stats struct {
	ProjectID    string
	Subjects     int
	Sessions     int
	Acquisitions int
	Files        int
	Skipped      int
	Curation     *curate.Result
}

type sidecar struct {
	name string
	data map[string]any
}

// uploaded remembers where file came from. Dir is source directory of the
// file relative to the project.
type uploaded struct {
	folder   string
	dir      string
	local    bool
	sidecars []sidecar
}

type job struct {
	*Uploader
	src          *Source
	project      *Dir
	stats        *Stats
	files        map[string]uploaded
	description  map[string]any
	participants map[string]map[string]any
	// containers created by this upload, keyed by parent id and label
	known map[string]string
}

// Upload creates project hierarchy with files in the platform and curates it.
// Existing containers with the same labels are reused. Subject directories
// without session directories get a single session named after the subject.
func (u *Uploader) Upload(ctx context.Context, project *Dir, src *Source) (*Stats, error) {
	j := &job{
		Uploader:     u,
		src:          src,
		project:      project,
		stats:        &Stats{},
		files:        make(map[string]uploaded),
		participants: make(map[string]map[string]any),
		known:        make(map[string]string),
	}
	log := u.Log.With(zap.String("project", project.Name))

	id, err := u.Client.FindProject(ctx, project.Name)
	switch {
	case errors.Is(err, platform.ErrNotFound):
		if id, err = u.Client.CreateContainer(ctx, "", common.ContainerTypeProject, map[string]any{"label": project.Name}); err != nil {
			return nil, err
		}
		log.Info("Project created", zap.String("id", id))
	case err != nil:
		return nil, err
	}
	j.stats.ProjectID = id

	scope, err := j.projectFiles(ctx, id, project)
	if err != nil {
		return nil, err
	}
	// source data goes last so containers are created with their local
	// metadata
	var sourceData *Dir
	for _, d := range project.Dirs {
		switch {
		case isSubject(d.Name):
			err = j.subject(ctx, id, d, scope, true)
		case d.Name == sourceDataDir:
			sourceData = d
		default:
			log.Debug("Directory skipped", zap.String("dir", d.Path))
			j.stats.Skipped += len(d.Files)
		}
		if err != nil {
			return nil, err
		}
	}
	if sourceData != nil {
		for _, sub := range sourceData.Dirs {
			if !isSubject(sub.Name) {
				continue
			}
			if err := j.subject(ctx, id, sub, nil, false); err != nil {
				return nil, err
			}
		}
	}
	log.Info("Upload completed", zap.Int("subjects", j.stats.Subjects), zap.Int("sessions", j.stats.Sessions), zap.Int("files", j.stats.Files), zap.Int("skipped", j.stats.Skipped))

	return j.stats, j.curate(ctx)
}

// child returns id of container labeled label under parent, creating it when
// necessary.
func (j *job) child(ctx context.Context, parent string, ctype common.ContainerType, label string, data map[string]any) (string, bool, error) {
	key := parent + "/" + label
	if id, ok := j.known[key]; ok {
		return id, false, nil
	}
	id, err := j.Client.FindChild(ctx, parent, ctype, label)
	created := false
	switch {
	case errors.Is(err, platform.ErrNotFound):
		id, err = j.Client.CreateContainer(ctx, parent, ctype, data)
		created = true
	case err == nil:
		err = j.mergeInfo(ctx, ctype, id, data)
	}
	if err != nil {
		return "", false, err
	}
	j.known[key] = id
	return id, created, nil
}

// mergeInfo adds info from data to existing container, values already
// present are replaced.
func (j *job) mergeInfo(ctx context.Context, ctype common.ContainerType, id string, data map[string]any) error {
	info, ok := data["info"].(map[string]any)
	if !ok || len(info) == 0 {
		return nil
	}
	n, err := j.Client.Tree(ctx, ctype, id)
	if err != nil {
		return err
	}
	existing := n.Info()
	maps.Copy(existing, info)
	return j.Client.UpdateInfo(ctx, id, existing)
}

func (j *job) projectFiles(ctx context.Context, id string, project *Dir) ([]sidecar, error) {
	var scope []sidecar
	for _, name := range project.Files {
		p := project.FilePath(name)
		switch {
		case name == datasetDescription:
			data, err := j.readJSON(p)
			if err != nil {
				return nil, err
			}
			j.description = data
		case strings.HasSuffix(name, ".json"):
			data, err := j.readJSON(p)
			if err != nil {
				return nil, err
			}
			scope = append(scope, sidecar{name: name, data: data})
		default:
			if name == participantsTable {
				table, err := j.readTSV(p)
				if err != nil {
					return nil, err
				}
				j.participants = records(table, "participant_id")
			}
			if err := j.file(ctx, id, p, "", uploaded{}); err != nil {
				return nil, err
			}
		}
	}
	return scope, nil
}

func (j *job) subject(ctx context.Context, projectID string, d *Dir, scope []sidecar, local bool) error {
	scope = slices.Clip(scope)
	data := map[string]any{"code": d.Name, "label": d.Name}
	if rec, ok := j.participants[d.Name]; ok {
		data["info"] = rec
	}
	id, created, err := j.child(ctx, projectID, common.ContainerTypeSubject, d.Name, data)
	if err != nil {
		return err
	}
	if created {
		j.stats.Subjects++
	}

	var sessions map[string]map[string]any
	for _, name := range d.Files {
		p := d.FilePath(name)
		switch {
		case strings.HasSuffix(name, sessionsSuffix):
			table, err := j.readTSV(p)
			if err != nil {
				return err
			}
			sessions = records(table, "session_id")
		case strings.HasSuffix(name, ".json") && local:
			data, err := j.readJSON(p)
			if err != nil {
				return err
			}
			scope = append(scope, sidecar{name: name, data: data})
		default:
			j.Log.Debug("Subject file skipped", zap.String("file", p))
			j.stats.Skipped++
		}
	}

	hasSessions := false
	for _, sd := range d.Dirs {
		if isSession(sd.Name) {
			hasSessions = true
			if err := j.session(ctx, id, sd, sd.Name, sessions[sd.Name], scope, local, true); err != nil {
				return err
			}
		}
	}
	if !hasSessions {
		return j.session(ctx, id, d, d.Name, nil, scope, local, false)
	}
	return nil
}

// session uploads session directory d. Subject directory without sessions
// is its own session, its files belong to the subject and are not uploaded
// again.
func (j *job) session(ctx context.Context, subjectID string, d *Dir, label string, info map[string]any, scope []sidecar, local, own bool) error {
	scope = slices.Clip(scope)
	data := map[string]any{"label": label}
	if info != nil {
		data["info"] = info
	}
	id, created, err := j.child(ctx, subjectID, common.ContainerTypeSession, label, data)
	if err != nil {
		return err
	}
	if created {
		j.stats.Sessions++
	}

	if own {
		for _, name := range d.Files {
			p := d.FilePath(name)
			if strings.HasSuffix(name, ".json") && local {
				data, err := j.readJSON(p)
				if err != nil {
					return err
				}
				scope = append(scope, sidecar{name: name, data: data})
				continue
			}
			if err := j.file(ctx, id, p, label, uploaded{folder: label, local: local}); err != nil {
				return err
			}
		}
	}

	for _, folder := range d.Dirs {
		if isSession(folder.Name) {
			continue
		}
		if err := j.folder(ctx, id, folder, scope, local); err != nil {
			return err
		}
	}
	return nil
}

func (j *job) folder(ctx context.Context, sessionID string, d *Dir, scope []sidecar, local bool) error {
	scope = slices.Clip(scope)
	var names []string
	for _, name := range d.Files {
		if strings.HasSuffix(name, ".json") && local {
			data, err := j.readJSON(d.FilePath(name))
			if err != nil {
				return err
			}
			scope = append(scope, sidecar{name: name, data: data})
			continue
		}
		names = append(names, name)
	}

	for _, name := range names {
		label := DetermineAcquisitionLabel(d.Name, name, j.Hierarchy)
		acqID, created, err := j.child(ctx, sessionID, common.ContainerTypeAcquisition, label, map[string]any{"label": label})
		if err != nil {
			return err
		}
		if created {
			j.stats.Acquisitions++
		}
		if err := j.file(ctx, acqID, d.FilePath(name), d.Name, uploaded{folder: d.Name, local: local, sidecars: scope}); err != nil {
			return err
		}
	}
	return nil
}

// file uploads single file with type and classification derived from its
// name.
func (j *job) file(ctx context.Context, parentID, p, folder string, u uploaded) error {
	name := path.Base(p)
	ftype, err := j.fileType(p)
	if err != nil {
		return err
	}
	data := map[string]any{"type": ftype}
	if len(folder) > 0 {
		class := make(map[string]any)
		for k, v := range ClassifyAcquisition(p) {
			list := make([]any, 0, len(v))
			for _, s := range v {
				list = append(list, s)
			}
			class[k] = list
		}
		data["classification"] = class
	}

	r, err := j.src.Open(p)
	if err != nil {
		return fmt.Errorf("unable to open %q: %w", p, err)
	}
	defer r.Close()

	id, err := j.Client.UploadFile(ctx, parentID, name, data, r)
	if err != nil {
		return fmt.Errorf("unable to upload %q: %w", p, err)
	}
	u.dir = strings.TrimPrefix(path.Dir(p), j.project.Path+"/")
	if u.dir == "." || u.dir == j.project.Path {
		u.dir = ""
	}
	j.files[id] = u
	j.stats.Files++
	j.Log.Debug("File uploaded", zap.String("file", p), zap.String("type", ftype))
	return nil
}

// fileType names platform file type from extension, sniffing content of
// files with unknown extensions.
func (j *job) fileType(p string) (string, error) {
	if t, ok := extensionTypes[extension(path.Base(p))]; ok {
		return t, nil
	}
	r, err := j.src.Open(p)
	if err != nil {
		return "", fmt.Errorf("unable to open %q: %w", p, err)
	}
	defer r.Close()

	head := make([]byte, 8192)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("unable to read %q: %w", p, err)
	}
	kind, _ := filetype.Match(head[:n])
	switch {
	case kind == filetype.Unknown:
		return "", nil
	case kind.Extension == "dcm":
		return "dicom", nil
	case filetype.IsArchive(head[:n]):
		return "archive", nil
	}
	return kind.MIME.Type, nil
}

func (j *job) readJSON(p string) (map[string]any, error) {
	r, err := j.src.Open(p)
	if err != nil {
		return nil, fmt.Errorf("unable to open %q: %w", p, err)
	}
	defer r.Close()
	data, err := ParseJSON(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	return data, nil
}

func (j *job) readTSV(p string) ([][]any, error) {
	r, err := j.src.Open(p)
	if err != nil {
		return nil, fmt.Errorf("unable to open %q: %w", p, err)
	}
	defer r.Close()
	table, err := ParseTSV(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	return table, nil
}

// curate derives BIDS metadata of uploaded project, corrects it with what
// local names say, attaches sidecars and stores the result.
func (j *job) curate(ctx context.Context) error {
	tree, err := j.Client.Tree(ctx, common.ContainerTypeProject, j.stats.ProjectID)
	if err != nil {
		return err
	}
	opts := j.Curation
	opts.Upload = true
	res, err := curate.Curate(ctx, tree, opts, j.Log.Named("curate"))
	j.stats.Curation = res
	if err != nil {
		return err
	}

	if block, ok := tree.BIDS(); ok {
		for k, v := range j.description {
			block[k] = v
		}
	}
	var sessions []*meta.Node
	_ = tree.Walk(func(n *meta.Node, _ []*meta.Node) error {
		switch n.Type {
		case common.ContainerTypeFile:
			if u, ok := j.files[n.ID()]; ok && len(u.folder) > 0 {
				complete(n, u)
			}
		case common.ContainerTypeSession:
			sessions = append(sessions, n)
		}
		return nil
	})
	// file names changed, links are stale
	for _, n := range sessions {
		curate.LinkIntendedFor(n, j.Log)
	}
	j.attachSidecars(tree)
	res.Invalid = curate.Validate(tree, opts.Validator, j.Log)

	return platform.SaveInfo(ctx, j.Client, tree)
}

// complete replaces derived properties of file with local ones. Local files
// keep their place in the dataset.
func complete(n *meta.Node, u uploaded) {
	ctx := meta.Context{meta.KeyFile: n.Data, meta.KeyExt: extension(n.Name())}
	FillInProperties(ctx, u.folder, u.local)
	if block, ok := n.BIDS(); ok && u.local {
		if _, ok := block["Path"]; ok {
			block["Path"] = u.dir
		}
	}
}

func (j *job) attachSidecars(tree *meta.Node) {
	if !j.AttachSidecars {
		return
	}
	_ = tree.Walk(func(n *meta.Node, _ []*meta.Node) error {
		u, ok := j.files[n.ID()]
		if !ok || n.Type != common.ContainerTypeFile {
			return nil
		}
		info := n.Info()
		for _, sc := range u.sidecars {
			if !CompareJSONToFile(sc.name, n.Name()) {
				continue
			}
			for k, v := range sc.data {
				if k != meta.Namespace {
					info[k] = v
				}
			}
		}
		return nil
	})
}
