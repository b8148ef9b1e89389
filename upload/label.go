package upload

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	ErrGroupLevel       = errors.New("source is a group level hierarchy, point to a project or subject directory")
	ErrNoSubjects       = errors.New("source has no subject directories")
	ErrMultipleProjects = errors.New("source holds more than one project")
	ErrProjectLabel     = errors.New("project label cannot be determined, provide it explicitly")
	ErrSubjectNotFound  = errors.New("subject not found")
	ErrSessionNotFound  = errors.New("session not found")
)

const sourceDataDir = "sourcedata"

func isSubject(name string) bool {
	return strings.HasPrefix(name, "sub-")
}

func isSession(name string) bool {
	return strings.HasPrefix(name, "ses-")
}

func hasSubjects(d *Dir) bool {
	for _, sub := range d.Dirs {
		if isSubject(sub.Name) {
			return true
		}
	}
	return false
}

func hasSubjectsBelow(d *Dir) bool {
	for _, sub := range d.Dirs {
		if hasSubjects(sub) || hasSubjectsBelow(sub) {
			return true
		}
	}
	return false
}

// HandleProjectLabel locates the project in parsed source root and returns it
// together with the directory holding the project. When root itself holds
// subject directories, it is wrapped into a project named label, its own
// files are dropped and rootdir moves one level up. Otherwise a single top
// level directory holding subjects is the project, renamed to label when
// one is given. Source data directory is kept only when sourceData is set.
// Non empty subject and session limit the project to that single subject
// or session.
func HandleProjectLabel(root *Dir, label, rootdir string, sourceData bool, subject, session string) (*Dir, string, error) {
	var project *Dir
	switch {
	case hasSubjects(root):
		if len(label) == 0 {
			return nil, "", ErrProjectLabel
		}
		project = &Dir{Name: label, Path: root.Path, Dirs: root.Dirs}
		rootdir = filepath.Dir(rootdir)
	default:
		var found []*Dir
		for _, d := range root.Dirs {
			if hasSubjects(d) {
				found = append(found, d)
			}
		}
		switch {
		case len(found) > 1:
			return nil, "", ErrMultipleProjects
		case len(found) == 1:
			project = found[0]
			if len(label) > 0 {
				project.Name = label
			}
		case hasSubjectsBelow(root):
			return nil, "", ErrGroupLevel
		default:
			return nil, "", ErrNoSubjects
		}
	}

	if !sourceData {
		dirs := project.Dirs[:0:0]
		for _, d := range project.Dirs {
			if d.Name != sourceDataDir {
				dirs = append(dirs, d)
			}
		}
		project.Dirs = dirs
	}

	if len(subject) == 0 {
		return project, rootdir, nil
	}

	sub, ok := project.Dir(subject)
	if !ok {
		return nil, "", fmt.Errorf("%s: %w", subject, ErrSubjectNotFound)
	}
	if len(session) > 0 {
		ses, ok := sub.Dir(session)
		if !ok {
			return nil, "", fmt.Errorf("%s/%s: %w", subject, session, ErrSessionNotFound)
		}
		sub = &Dir{Name: sub.Name, Path: sub.Path, Dirs: []*Dir{ses}}
	}
	limited := &Dir{Name: project.Name, Path: project.Path, Dirs: []*Dir{sub}}
	if src, ok := project.Dir(sourceDataDir); ok {
		if srcSub, ok := src.Dir(subject); ok {
			if ses, ok := srcSub.Dir(session); ok {
				srcSub = &Dir{Name: srcSub.Name, Path: srcSub.Path, Dirs: []*Dir{ses}}
			}
			limited.Dirs = append(limited.Dirs, &Dir{Name: src.Name, Path: src.Path, Dirs: []*Dir{srcSub}})
		}
	}
	return limited, rootdir, nil
}
