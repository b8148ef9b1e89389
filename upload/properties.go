package upload

import (
	"path"
	"strings"

	"fwbids/common"
	"fwbids/meta"
)

// bidsName is BIDS file name split into key-value entities and suffix.
type bidsName struct {
	entities map[string]string
	suffix   string
}

// extension returns file extension, knowing about compressed BIDS formats.
func extension(name string) string {
	if strings.HasSuffix(name, ".dcm.zip") {
		return ".dcm.zip"
	}
	return meta.Extension(name)
}

func parseName(name, ext string) bidsName {
	n := bidsName{entities: make(map[string]string)}
	parts := strings.Split(strings.TrimSuffix(name, ext), "_")
	for i, p := range parts {
		k, v, ok := strings.Cut(p, "-")
		if !ok {
			if i == len(parts)-1 {
				n.suffix = p
			}
			continue
		}
		n.entities[k] = v
	}
	return n
}

// trailing parts of file names which do not distinguish acquisitions
var companionSuffixes = map[string]bool{
	"bold":   true,
	"sbref":  true,
	"events": true,
	"physio": true,
	"stim":   true,
}

// DetermineAcquisitionLabel names acquisition file fname in folder belongs
// to. BIDS hierarchies keep one acquisition per folder, Flywheel hierarchies
// one per scan: file name without subject, session and recording entities
// and without suffixes of functional companions.
func DetermineAcquisitionLabel(folder, fname string, hierarchy common.HierarchyType) string {
	if hierarchy == common.HierarchyTypeBids {
		return folder
	}
	parts := strings.Split(strings.TrimSuffix(fname, extension(fname)), "_")
	kept := parts[:0:0]
	for _, p := range parts {
		if strings.HasPrefix(p, "sub-") || strings.HasPrefix(p, "ses-") || strings.HasPrefix(p, "recording-") {
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) > 1 && companionSuffixes[kept[len(kept)-1]] {
		kept = kept[:len(kept)-1]
	}
	return strings.Join(kept, "_")
}

// Classification is platform file classification.
type Classification map[string][]string

var anatomyMeasurements = map[string]string{
	"T1w":   "T1",
	"T2w":   "T2",
	"PD":    "PD",
	"FLAIR": "FLAIR",
}

// ClassifyAcquisition derives file classification from the BIDS suffix and
// folder of path. Empty classification is returned for unknown suffixes.
func ClassifyAcquisition(p string) Classification {
	dir, name := path.Split(p)
	folder := path.Base(strings.TrimSuffix(dir, "/"))
	suffix := parseName(name, extension(name)).suffix

	if m, ok := anatomyMeasurements[suffix]; ok {
		return Classification{"Intent": {"Structural"}, "Measurement": {m}}
	}
	switch suffix {
	case "bold", "sbref":
		if folder == "dwi" {
			return Classification{"Measurement": {"Diffusion"}}
		}
		return Classification{"Intent": {"Functional"}}
	case "events":
		if folder == "beh" {
			return Classification{"Custom": {"Behavioral"}}
		}
		return Classification{"Intent": {"Functional"}}
	case "physio", "stim":
		return Classification{"Intent": {"Functional"}, "Custom": {"Physio"}}
	case "dwi":
		return Classification{"Measurement": {"Diffusion"}}
	case "phasediff", "phase1", "phase2", "magnitude", "magnitude1", "magnitude2", "fieldmap", "epi":
		return Classification{"Intent": {"Fieldmap"}}
	}
	return Classification{}
}

// properties filled from file name entities
var entityProperties = map[string]string{
	"Acq":       "acq",
	"Ce":        "ce",
	"Dir":       "dir",
	"Echo":      "echo",
	"Mod":       "mod",
	"Rec":       "rec",
	"Recording": "recording",
	"Run":       "run",
	"Task":      "task",
}

// FillInProperties sets properties of file BIDS block in ctx from the file
// name: entities, Modality from suffix, Folder and Filename. Only properties
// already present in the block are touched. Local values replace derived
// ones, entities missing from the name become empty. Otherwise only empty
// properties are filled. Returns file info.
func FillInProperties(ctx meta.Context, folder string, local bool) map[string]any {
	file, _ := ctx[meta.KeyFile].(map[string]any)
	if file == nil {
		return nil
	}
	info, _ := file["info"].(map[string]any)
	block, ok := info[meta.Namespace].(map[string]any)
	if !ok {
		return info
	}

	name, _ := meta.LookupString(file, "name")
	ext, _ := meta.LookupString(ctx, meta.KeyExt)
	bn := parseName(name, ext)

	set := func(key, value string) {
		cur, ok := block[key]
		if !ok {
			return
		}
		if s, _ := meta.AsString(cur); local || len(s) == 0 {
			block[key] = value
		}
	}
	for prop, entity := range entityProperties {
		if v, ok := bn.entities[entity]; ok || local {
			set(prop, v)
		}
	}
	set("Modality", bn.suffix)
	set("Folder", folder)
	set("Filename", name)
	return info
}

// CompareJSONToFile reports whether JSON sidecar applies to file: the file
// is an image or a compressed physiological recording, suffixes are equal
// and every entity of the sidecar name is present in the file name with the
// same value.
func CompareJSONToFile(json, file string) bool {
	ext := extension(file)
	switch ext {
	case ".nii", ".nii.gz", ".tsv.gz":
	default:
		return false
	}
	sidecar := parseName(json, extension(json))
	target := parseName(file, ext)
	if sidecar.suffix != target.suffix {
		return false
	}
	for k, v := range sidecar.entities {
		if target.entities[k] != v {
			return false
		}
	}
	return true
}
