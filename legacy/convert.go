package legacy

import (
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// Measurements recognized by the converter.
const (
	MeasurementT1w        = "anatomy_t1w"
	MeasurementT2w        = "anatomy_t2w"
	MeasurementFunctional = "functional"
	MeasurementFieldmap   = "field_map"
)

// LabelKind selects characters allowed in a BIDS entity value.
type LabelKind int

const (
	// Label allows letters and digits.
	Label LabelKind = iota
	// Index allows digits only.
	Index
)

var (
	reLabel    = regexp.MustCompile(`^[0-9a-zA-Z]+$`)
	reIndex    = regexp.MustCompile(`^[0-9]+$`)
	reNonDigit = regexp.MustCompile(`\D+`)
	reRun      = regexp.MustCompile(`run(\d)`)
	reDupe     = regexp.MustCompile(`_T1w|_bold|_sbref`)
	reSbref    = regexp.MustCompile(`(?i)sbref`)
	reDir      = regexp.MustCompile(`AP|PA|LR|RL`)
	reTask     = regexp.MustCompile(`task-([a-zA-Z0-9]+)`)
	reNifti    = regexp.MustCompile(`\.nii\.gz$|\.nii$`)
)

// MakeBIDSSpec returns value when it already is a valid "<desc><value>"
// entity, otherwise desc followed by permitted characters of value.
//
//	MakeBIDSSpec("sub-", "amyg_s11", Label) == "sub-amygs11"
//	MakeBIDSSpec("ses-", "ses-123", Label) == "ses-123"
func MakeBIDSSpec(desc, value string, kind LabelKind) string {
	re, extract := reLabel, func(s string) string {
		return strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				return r
			}
			return -1
		}, s)
	}
	if kind == Index {
		re, extract = reIndex, func(s string) string { return reNonDigit.ReplaceAllString(s, "") }
	}
	if rest, ok := strings.CutPrefix(value, desc); ok && re.MatchString(rest) {
		return value
	}
	return desc + extract(value)
}

// Tree is BIDS layout: participant -> session -> folder -> file names.
type Tree map[string]map[string]map[string][]string

func (t Tree) add(p string) {
	parts := strings.Split(p, "/")
	if len(parts) != 4 {
		return
	}
	sub, ok := t[parts[0]]
	if !ok {
		sub = make(map[string]map[string][]string)
		t[parts[0]] = sub
	}
	ses, ok := sub[parts[1]]
	if !ok {
		ses = make(map[string][]string)
		sub[parts[1]] = ses
	}
	ses[parts[2]] = append(ses[parts[2]], parts[3])
}

// Lookup pairs platform file with its BIDS location. Source is
// "<project>/<session>/<acquisition>/<file name>".
type Lookup struct {
	FileID      string
	Source      string
	Target      string
	Acquisition *Acquisition
	created     string
}

// Sidecar is JSON content to be stored next to an image.
type Sidecar struct {
	Path string
	Data map[string]any
}

type Result struct {
	Tree     Tree
	Files    []Lookup
	Sidecars []Sidecar
}

// RepetitionTimeFunc returns repetition time of a functional acquisition.
type RepetitionTimeFunc func(acq *Acquisition) (any, bool)

// Convert computes BIDS locations of the last NIfTI image of every
// acquisition, disambiguates duplicate names by creation order and produces
// sidecars for BOLD images. Acquisitions which cannot be classified are
// skipped.
func Convert(h *Hierarchy, repetition RepetitionTimeFunc) *Result {
	res := &Result{Tree: make(Tree)}

	for _, s := range h.Sessions {
		participant := MakeBIDSSpec("sub-", s.SubjectCode, Label)
		session := MakeBIDSSpec("ses-", s.Label, Label)
		for _, acq := range s.Acquisitions {
			nifti, ok := acq.lastNifti()
			if !ok {
				continue
			}
			folder, name, ok := describe(acq, participant, session, nifti.Name)
			if !ok {
				continue
			}
			res.Files = append(res.Files, Lookup{
				FileID:      nifti.ID,
				Source:      path.Join(h.ProjectID, s.ID, acq.ID, nifti.Name),
				Target:      path.Join(participant, session, folder, reRun.ReplaceAllString(name, "_run-$1")),
				Acquisition: acq,
				created:     acq.Created,
			})
		}
	}

	numberDuplicates(res.Files)
	for _, l := range res.Files {
		res.Tree.add(l.Target)
	}

	for _, l := range res.Files {
		if !strings.Contains(l.Target, "_bold.nii") {
			continue
		}
		data := make(map[string]any)
		if repetition != nil {
			if tr, ok := repetition(l.Acquisition); ok {
				data["RepetitionTime"] = tr
			}
		}
		if m := reTask.FindStringSubmatch(l.Target); m != nil {
			data["TaskName"] = m[1]
		}
		sc := Sidecar{Path: reNifti.ReplaceAllString(l.Target, ".json"), Data: data}
		res.Tree.add(sc.Path)
		res.Sidecars = append(res.Sidecars, sc)
	}
	return res
}

// describe returns BIDS folder and file name for acquisition.
func describe(acq *Acquisition, participant, session, filename string) (string, string, bool) {
	var ext string
	switch {
	case strings.HasSuffix(filename, ".nii.gz"):
		ext = ".nii.gz"
	case strings.HasSuffix(filename, ".nii"):
		ext = ".nii"
	default:
		return "", "", false
	}

	label := strings.ToLower(acq.Label)
	switch {
	case acq.hasMeasurement(MeasurementT1w) || acq.hasMeasurement(MeasurementT2w):
		desc := "T1w"
		if acq.hasMeasurement(MeasurementT2w) {
			desc = "T2w"
		}
		return "anat", participant + "_" + session + "_" + desc + ext, true

	case acq.hasMeasurement(MeasurementFunctional):
		task := "task-rest"
		if !strings.Contains(label, "rest") {
			task = MakeBIDSSpec("task-", acq.Label, Label)
		}
		desc := "bold"
		if strings.Contains(label, "sbref") {
			desc = "sbref"
			task = reSbref.ReplaceAllString(task, "")
		}
		return "func", participant + "_" + session + "_" + task + "_" + desc + ext, true

	case acq.hasMeasurement(MeasurementFieldmap):
		var desc string
		switch {
		case strings.Contains(label, "phasediff"):
			desc = "phasediff"
		case strings.Contains(label, "mag"):
			desc = "magnitude"
		case strings.Contains(label, "spinecho"):
			dir := reDir.FindString(acq.Label)
			if len(dir) == 0 {
				dir = "unknown"
			}
			desc = "dir-" + dir + "_epi"
		default:
			return "", "", false
		}
		return "fmap", participant + "_" + session + "_" + desc + ext, true
	}
	return "", "", false
}

// numberDuplicates adds "_run-N" to files sharing the same location, N
// follows acquisition creation time.
func numberDuplicates(files []Lookup) {
	groups := make(map[string][]int)
	var order []string
	for i, l := range files {
		if _, ok := groups[l.Target]; !ok {
			order = append(order, l.Target)
		}
		groups[l.Target] = append(groups[l.Target], i)
	}
	for _, target := range order {
		idx := groups[target]
		if len(idx) < 2 {
			continue
		}
		sort.SliceStable(idx, func(a, b int) bool { return files[idx[a]].created < files[idx[b]].created })
		for run, i := range idx {
			loc := reDupe.FindStringIndex(files[i].Target)
			if loc == nil {
				continue
			}
			t := files[i].Target
			files[i].Target = t[:loc[0]] + "_run-" + strconv.Itoa(run+1) + t[loc[0]:]
		}
	}
}
