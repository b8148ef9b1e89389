// Package legacy converts the narrow project/session/acquisition hierarchy
// used for BIDS archives. It is independent of the rule engine: names are
// computed directly from file measurements and acquisition labels.
package legacy

import (
	"fmt"
	"strings"

	"fwbids/common"
	"fwbids/meta"
)

// Types of files considered by the converter.
const (
	TypeNifti      = "nifti"
	TypeSourceCode = "source code"
)

type File struct {
	ID   string
	Name string
	// Measurement is the first measurement reported for the file, lower
	// case, empty when absent.
	Measurement string
	Type        string
}

type Acquisition struct {
	ID      string
	Label   string
	Created string
	Files   []File
}

type Session struct {
	ID           string
	Label        string
	SubjectCode  string
	Acquisitions []*Acquisition
}

// Hierarchy is a project with its sessions in platform order.
type Hierarchy struct {
	ProjectID string
	Sessions  []*Session
}

// FromTree builds hierarchy from project or session tree. Sessions without
// subject code are dropped, only NIfTI and source code files are kept.
func FromTree(root *meta.Node) (*Hierarchy, error) {
	h := &Hierarchy{}
	switch root.Type {
	case common.ContainerTypeProject:
		h.ProjectID = root.ID()
		_ = root.Walk(func(n *meta.Node, parents []*meta.Node) error {
			if n.Type == common.ContainerTypeSession {
				h.addSession(n, parents)
			}
			return nil
		})
	case common.ContainerTypeSession:
		h.ProjectID, _ = meta.LookupString(root.Data, "project")
		h.addSession(root, nil)
	default:
		return nil, fmt.Errorf("container %q is %s, not a project or a session", root.ID(), root.Type)
	}
	return h, nil
}

func (h *Hierarchy) addSession(n *meta.Node, parents []*meta.Node) {
	code, ok := meta.LookupString(n.Data, "subject.code")
	if !ok {
		for _, p := range parents {
			if p.Type == common.ContainerTypeSubject {
				code, ok = meta.LookupString(p.Data, "code")
			}
		}
	}
	if !ok {
		return
	}

	s := &Session{ID: n.ID(), Label: n.Label(), SubjectCode: code}
	for _, ch := range n.Children {
		if ch.Type != common.ContainerTypeAcquisition {
			continue
		}
		acq := &Acquisition{ID: ch.ID(), Label: ch.Label()}
		acq.Created, _ = meta.LookupString(ch.Data, "created")
		for _, f := range ch.Children {
			if f.Type != common.ContainerTypeFile {
				continue
			}
			ftype, _ := meta.LookupString(f.Data, "type")
			if ftype != TypeNifti && ftype != TypeSourceCode {
				continue
			}
			file := File{ID: f.ID(), Name: f.Name(), Type: ftype}
			if m := meta.AsList(f.Data["measurements"]); len(m) > 0 {
				file.Measurement, _ = meta.AsString(m[0])
				file.Measurement = strings.ToLower(file.Measurement)
			}
			acq.Files = append(acq.Files, file)
		}
		s.Acquisitions = append(s.Acquisitions, acq)
	}
	h.Sessions = append(h.Sessions, s)
}

func (a *Acquisition) hasMeasurement(m string) bool {
	for _, f := range a.Files {
		if f.Measurement == m {
			return true
		}
	}
	return false
}

// lastNifti returns the most recent NIfTI file of acquisition.
func (a *Acquisition) lastNifti() (File, bool) {
	for i := len(a.Files) - 1; i >= 0; i-- {
		if a.Files[i].Type == TypeNifti {
			return a.Files[i], true
		}
	}
	return File{}, false
}
