package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"fwbids/common"
	"fwbids/legacy"
	"fwbids/platform"
)

func TestArchiveNameValues(t *testing.T) {
	ctx := context.Background()
	store, err := platform.Open(filepath.Join(t.TempDir(), "store.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer store.Close()

	pid, _ := store.CreateContainer(ctx, "", common.ContainerTypeProject, map[string]any{"label": "Study"})
	sid, _ := store.CreateContainer(ctx, pid, common.ContainerTypeSubject, map[string]any{"code": "01"})
	ses, _ := store.CreateContainer(ctx, sid, common.ContainerTypeSession, map[string]any{"label": "baseline"})
	acq, _ := store.CreateContainer(ctx, ses, common.ContainerTypeAcquisition, map[string]any{"label": "task-rest_bold"})
	if _, err := store.UploadFile(ctx, acq, "old.nii.gz", map[string]any{"type": "nifti", "info": map[string]any{"RepetitionTime": 3.0}}, strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UploadFile(ctx, acq, "bold.nii.gz", map[string]any{"type": "nifti", "info": map[string]any{"RepetitionTime": 2.5}}, strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UploadFile(ctx, acq, "bold.json", map[string]any{"type": "source code"}, strings.NewReader("{}")); err != nil {
		t.Fatal(err)
	}

	t.Run("project", func(t *testing.T) {
		root, err := store.Tree(ctx, common.ContainerTypeProject, pid)
		if err != nil {
			t.Fatal(err)
		}
		values, err := nameValues(ctx, store, root)
		if err != nil {
			t.Fatalf("nameValues() error = %v", err)
		}
		if values.Project != "Study" || values.Session != "" || len(values.Date) != 8 {
			t.Errorf("nameValues() = %+v", values)
		}
	})

	t.Run("session", func(t *testing.T) {
		root, err := store.Tree(ctx, common.ContainerTypeSession, ses)
		if err != nil {
			t.Fatal(err)
		}
		values, err := nameValues(ctx, store, root)
		if err != nil {
			t.Fatalf("nameValues() error = %v", err)
		}
		if values.Project != "Study" || values.Session != "baseline" {
			t.Errorf("nameValues() = %+v", values)
		}

		tr, ok := repetitionTimes(root)(&legacy.Acquisition{ID: acq})
		if !ok || tr != 2.5 {
			t.Errorf("repetitionTimes() = %v, %v, want 2.5", tr, ok)
		}
		if _, ok := repetitionTimes(root)(&legacy.Acquisition{ID: "missing"}); ok {
			t.Error("repetitionTimes() found value for unknown acquisition")
		}
	})
}

func TestZipCodePage(t *testing.T) {
	log := zaptest.NewLogger(t)
	if zipCodePage("", log) != nil {
		t.Error("empty name should give no encoding")
	}
	if zipCodePage("no-such-charset", log) != nil {
		t.Error("unknown name should give no encoding")
	}
	if zipCodePage("cp866", log) == nil {
		t.Error("cp866 should be known")
	}
}
