package upload

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"golang.org/x/text/encoding/charmap"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatalf("MkdirAll() error = %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
	}
}

func writeZip(t *testing.T, files map[string]string, nonUTF8 bool) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "dataset.zip")
	f, err := os.Create(p)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	defer f.Close()
	w := zip.NewWriter(f)
	keys := make([]string, 0, len(files))
	for k := range files {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, name := range keys {
		fw, err := w.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, NonUTF8: nonUTF8})
		if err != nil {
			t.Fatalf("CreateHeader() error = %v", err)
		}
		if _, err := io.WriteString(fw, files[name]); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return p
}

func readAll(t *testing.T, src *Source, name string) string {
	t.Helper()
	r, err := src.Open(name)
	if err != nil {
		t.Fatalf("Open(%s) error = %v", name, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll(%s) error = %v", name, err)
	}
	return string(data)
}

var layout = map[string]string{
	"ds/dataset_description.json":                   `{"Name": "test"}`,
	"ds/.DS_Store":                                  "junk",
	"ds/sub-10/anat/sub-10_T1w.nii.gz":              "t1",
	"ds/sub-2/anat/sub-2_T1w.nii.gz":                "t1",
	"ds/sub-2/func/sub-2_task-a_run-10_bold.nii.gz": "bold",
	"ds/sub-2/func/sub-2_task-a_run-2_bold.nii.gz":  "bold",
	"ds/.git/config":                                "junk",
}

func checkLayout(t *testing.T, src *Source) {
	t.Helper()
	root := src.Root
	if got := names(root.Dirs); !slices.Equal(got, []string{"ds"}) {
		t.Fatalf("top dirs = %v", got)
	}
	ds := root.Dirs[0]
	if !slices.Equal(ds.Files, []string{"dataset_description.json"}) {
		t.Errorf("ds files = %v", ds.Files)
	}
	if got := names(ds.Dirs); !slices.Equal(got, []string{"sub-2", "sub-10"}) {
		t.Errorf("subjects = %v, want natural order", got)
	}
	fn, ok := ds.Dirs[0].Dir("func")
	if !ok {
		t.Fatalf("func missing in %v", names(ds.Dirs[0].Dirs))
	}
	if !slices.Equal(fn.Files, []string{"sub-2_task-a_run-2_bold.nii.gz", "sub-2_task-a_run-10_bold.nii.gz"}) {
		t.Errorf("func files = %v", fn.Files)
	}
	if fn.Path != "ds/sub-2/func" {
		t.Errorf("func path = %q", fn.Path)
	}
	if got := readAll(t, src, fn.FilePath(fn.Files[1])); got != "bold" {
		t.Errorf("content = %q", got)
	}
}

func TestParseDir(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, layout)

	src, err := ParseDir(root)
	if err != nil {
		t.Fatalf("ParseDir() error = %v", err)
	}
	defer src.Close()
	checkLayout(t, src)

	if _, err := ParseDir(filepath.Join(root, "missing")); err == nil {
		t.Error("ParseDir() expected error for missing directory")
	}
	if _, err := ParseDir(filepath.Join(root, "ds", "dataset_description.json")); err == nil {
		t.Error("ParseDir() expected error for file")
	}
}

func TestParseArchive(t *testing.T) {
	src, err := ParseArchive(writeZip(t, layout, false), nil)
	if err != nil {
		t.Fatalf("ParseArchive() error = %v", err)
	}
	defer src.Close()
	checkLayout(t, src)

	if _, err := src.Open("ds/missing.json"); err == nil {
		t.Error("Open() expected error for missing entry")
	}
}

func TestParseArchiveCodePage(t *testing.T) {
	name, err := charmap.Windows1251.NewEncoder().String("исследование/sub-01/anat/sub-01_T1w.nii.gz")
	if err != nil {
		t.Fatalf("encode error = %v", err)
	}
	src, err := ParseArchive(writeZip(t, map[string]string{name: "t1"}, true), charmap.Windows1251)
	if err != nil {
		t.Fatalf("ParseArchive() error = %v", err)
	}
	defer src.Close()

	if got := names(src.Root.Dirs); !slices.Equal(got, []string{"исследование"}) {
		t.Fatalf("top dirs = %v", got)
	}
	if got := readAll(t, src, "исследование/sub-01/anat/sub-01_T1w.nii.gz"); got != "t1" {
		t.Errorf("content = %q", got)
	}
}
