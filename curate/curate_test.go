package curate

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"fwbids/catalog"
	"fwbids/common"
	"fwbids/meta"
	"fwbids/validate"
)

func options(t *testing.T) Options {
	t.Helper()
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog.Default() error = %v", err)
	}
	v, err := validate.New(cat)
	if err != nil {
		t.Fatalf("validate.New() error = %v", err)
	}
	return Options{Catalog: cat, Validator: v}
}

func nifti(name, intent string) *meta.Node {
	return meta.NewNode(common.ContainerTypeFile, map[string]any{
		"name":           name,
		"type":           "nifti",
		"classification": map[string]any{"Intent": []any{intent}},
	})
}

func acquisition(label string, files ...*meta.Node) *meta.Node {
	return meta.NewNode(common.ContainerTypeAcquisition, map[string]any{"id": label, "label": label}).Add(files...)
}

func session(label, subject string, acqs ...*meta.Node) *meta.Node {
	return meta.NewNode(common.ContainerTypeSession, map[string]any{
		"id":      label,
		"label":   label,
		"subject": map[string]any{"code": subject},
	}).Add(acqs...)
}

func project(label string, sessions ...*meta.Node) *meta.Node {
	return meta.NewNode(common.ContainerTypeProject, map[string]any{"label": label}).Add(sessions...)
}

func curate(t *testing.T, root *meta.Node, opts Options) *Result {
	t.Helper()
	res, err := Curate(context.Background(), root, opts, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Curate() error = %v", err)
	}
	return res
}

func bids(t *testing.T, n *meta.Node) map[string]any {
	t.Helper()
	b, ok := n.BIDS()
	if !ok {
		t.Fatalf("%s %q has no BIDS block: %v", n.Type, n.Name(), n.Data)
	}
	return b
}

func TestCurateIntendedFor(t *testing.T) {
	fmap := nifti("fieldmap.nii.gz", "Fieldmap")
	bold := nifti("task1.nii.gz", "Functional")
	root := project("testProj",
		session("session1", "subj1",
			acquisition("acq1_LR", fmap),
			acquisition("acq2_task-rest_run-1", bold),
		),
	)

	res := curate(t, root, options(t))

	want := []any{"ses-session1/func/sub-subj1_ses-session1_task-rest_run-1_bold.nii.gz"}
	if got := fmap.Info()["IntendedFor"]; !reflect.DeepEqual(got, want) {
		t.Errorf("IntendedFor = %#v, want %#v", got, want)
	}
	if got := bids(t, fmap)["Filename"]; got != "sub-subj1_ses-session1_fieldmap.nii.gz" {
		t.Errorf("fieldmap Filename = %v", got)
	}
	if got := bids(t, bold)["Path"]; got != "sub-subj1/ses-session1/func" {
		t.Errorf("bold Path = %v", got)
	}
	if res.Nodes != 6 {
		t.Errorf("Nodes = %d, want 6", res.Nodes)
	}
	if res.Templates["func_file"] != 1 || res.Templates["fieldmap_file"] != 1 || res.Templates["session"] != 1 {
		t.Errorf("Templates = %v", res.Templates)
	}
	if len(res.Invalid) != 0 {
		t.Errorf("Invalid = %+v", res.Invalid)
	}
	if len(res.RunID) == 0 {
		t.Error("RunID is empty")
	}
}

func TestCurateIntendedForWithoutTargets(t *testing.T) {
	fmap := nifti("fieldmap.nii.gz", "Fieldmap")
	root := project("testProj", session("session1", "subj1", acquisition("acq1_LR", fmap)))

	curate(t, root, options(t))

	got, ok := fmap.Info()["IntendedFor"].([]any)
	if !ok || len(got) != 0 {
		t.Errorf("IntendedFor = %#v, want empty list", fmap.Info()["IntendedFor"])
	}
}

func TestCurateIntendedForFallsBackToAnat(t *testing.T) {
	fmap := nifti("fieldmap.nii.gz", "Fieldmap")
	t1 := nifti("t1.nii.gz", "Structural")
	t1.Data["classification"].(map[string]any)["Measurement"] = []any{"T1"}
	root := project("p", session("s1", "01",
		acquisition("fmap", fmap),
		acquisition("T1w", t1),
	))

	curate(t, root, options(t))

	want := []any{"ses-s1/anat/sub-01_ses-s1_T1w.nii.gz"}
	if got := fmap.Info()["IntendedFor"]; !reflect.DeepEqual(got, want) {
		t.Errorf("IntendedFor = %#v, want %#v", got, want)
	}
}

func runsOf(t *testing.T, files []*meta.Node) []any {
	t.Helper()
	var runs []any
	for _, f := range files {
		runs = append(runs, bids(t, f)["Run"])
	}
	return runs
}

func TestCurateRunCounters(t *testing.T) {
	first := nifti("a.nii.gz", "Functional")
	second := nifti("b.nii.gz", "Functional")
	plain := nifti("c.nii.gz", "Functional")
	root := project("p", session("s1", "01",
		acquisition("task-rest_run+", first),
		acquisition("task-rest_run+", second),
		acquisition("task-rest", plain),
	))
	files := []*meta.Node{first, second, plain}
	opts := options(t)
	opts.Reset = true

	for pass := range 2 {
		res := curate(t, root, opts)
		if got, want := runsOf(t, files), []any{"1", "2", ""}; !reflect.DeepEqual(got, want) {
			t.Errorf("pass %d: runs = %v, want %v", pass, got, want)
		}
		if res.Kept != 0 {
			t.Errorf("pass %d: Kept = %d, want 0", pass, res.Kept)
		}
	}
	if got := bids(t, second)["Filename"]; got != "sub-01_ses-s1_task-rest_run-2_bold.nii.gz" {
		t.Errorf("second Filename = %v", got)
	}

	// without reset derived blocks stay as they are
	opts.Reset = false
	res := curate(t, root, opts)
	if res.Derived != 0 || res.Kept == 0 {
		t.Errorf("Derived = %d, Kept = %d", res.Derived, res.Kept)
	}
	if got, want := runsOf(t, files), []any{"1", "2", ""}; !reflect.DeepEqual(got, want) {
		t.Errorf("kept runs = %v, want %v", got, want)
	}
}

func TestCurateRunCountersSkipKeptRuns(t *testing.T) {
	kept := nifti("a.nii.gz", "Functional")
	ses := session("s1", "01", acquisition("task-rest_run+", kept))
	root := project("p", ses)
	opts := options(t)
	curate(t, root, opts)
	if got := bids(t, kept)["Run"]; got != "1" {
		t.Fatalf("kept Run = %v, want 1", got)
	}

	// new acquisition ahead of the curated one in child order
	added := nifti("b.nii.gz", "Functional")
	ses.Children = append([]*meta.Node{acquisition("task-rest_run+", added)}, ses.Children...)
	res := curate(t, root, opts)
	if res.Kept == 0 {
		t.Errorf("Kept = %d, want curated blocks kept", res.Kept)
	}
	if got, want := runsOf(t, []*meta.Node{added, kept}), []any{"2", "1"}; !reflect.DeepEqual(got, want) {
		t.Errorf("runs = %v, want %v", got, want)
	}
	if got := bids(t, added)["Filename"]; got != "sub-01_ses-s1_task-rest_run-2_bold.nii.gz" {
		t.Errorf("added Filename = %v", got)
	}
}

func TestCurateNotApplicable(t *testing.T) {
	skipped := nifti("skip.nii.gz", "Functional")
	skipped.Info()["BIDS"] = "NA"
	root := project("p", session("s1", "01", acquisition("task-rest", skipped)))

	curate(t, root, options(t))

	if !meta.IsNotApplicable(skipped.Data) {
		t.Errorf("NA file was modified: %v", skipped.Data)
	}
	// acquisitions have no template outside of upload
	acq := root.Children[0].Children[0]
	if !meta.IsNotApplicable(acq.Data) {
		t.Errorf("acquisition = %v, want NA", acq.Info()["BIDS"])
	}
}

func TestCurateUpload(t *testing.T) {
	other := meta.NewNode(common.ContainerTypeFile, map[string]any{"name": "notes.txt", "type": "text"})
	root := project("p", session("s1", "01", acquisition("extra", other)))
	opts := options(t)
	opts.Upload = true

	curate(t, root, opts)

	acq := root.Children[0].Children[0]
	if got := bids(t, acq)["template"]; got != "acquisition" {
		t.Errorf("acquisition template = %v", got)
	}
	b := bids(t, other)
	if b["template"] != "acquisition_file" || b["Folder"] != "acq-extra" || b["Path"] != "sub-01/ses-s1/acq-extra" {
		t.Errorf("file block = %v", b)
	}
}

func TestCurateDeferredTask(t *testing.T) {
	bold := nifti("bold.nii.gz", "Functional")
	bold.Info()["BIDS"] = map[string]any{
		"template": "func_file",
		"Task":     "nback",
		"Modality": "bold",
		"Folder":   "func",
		"Filename": "sub-01_ses-s1_task-nback_bold.nii.gz",
		"Path":     "sub-01/ses-s1/func",
	}
	events := meta.NewNode(common.ContainerTypeFile, map[string]any{
		"name":           "events.tsv",
		"type":           "tabular data",
		"classification": map[string]any{"Intent": []any{"Functional"}},
	})
	root := project("p", session("s1", "01", acquisition("func_run-1", bold, events)))

	res := curate(t, root, options(t))

	b := bids(t, events)
	if b["template"] != "task_events_file" {
		t.Fatalf("events template = %v", b["template"])
	}
	if b["Task"] != "nback" {
		t.Errorf("events Task = %v, want nback", b["Task"])
	}
	if got := b["Filename"]; got != "sub-01_ses-s1_task-nback_events.tsv" {
		t.Errorf("events Filename = %v", got)
	}
	if res.Kept != 1 {
		t.Errorf("Kept = %d, want 1", res.Kept)
	}
}

func TestCurateReportsInvalid(t *testing.T) {
	bold := nifti("bold.nii.gz", "Functional")
	root := project("p", session("s1", "01", acquisition("func", bold)))

	res := curate(t, root, options(t))

	if len(res.Invalid) != 1 {
		t.Fatalf("Invalid = %+v, want one entry", res.Invalid)
	}
	inv := res.Invalid[0]
	if inv.Name != "bold.nii.gz" || inv.Template != "func_file" {
		t.Errorf("Invalid = %+v", inv)
	}
	if !strings.Contains(inv.Message, "Task '' does not match") {
		t.Errorf("Message = %q", inv.Message)
	}
	if bids(t, bold)["valid"] != false {
		t.Errorf("valid = %v", bids(t, bold)["valid"])
	}
	if s := res.Summary(); !strings.Contains(s, "func_file") || !strings.Contains(s, "Invalid containers") {
		t.Errorf("Summary() = %s", s)
	}
}

func TestCurateCancelled(t *testing.T) {
	root := project("p", session("s1", "01", acquisition("task-rest", nifti("a.nii.gz", "Functional"))))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := Curate(ctx, root, options(t), zaptest.NewLogger(t))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Curate() error = %v, want context.Canceled", err)
	}
	if res == nil || res.Nodes != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestTree(t *testing.T) {
	bold := nifti("bold.nii.gz", "Functional")
	root := project("p", session("s1", "01", acquisition("task-rest", bold)))
	curate(t, root, options(t))

	out := Tree(root)
	for _, want := range []string{
		`project "p" [project]`,
		`  session "s1" [session]`,
		`    acquisition "task-rest" NA`,
		`      file "bold.nii.gz" [func_file] -> sub-01/ses-s1/func/sub-01_ses-s1_task-rest_bold.nii.gz`,
	} {
		if !strings.Contains(out, want+"\n") {
			t.Errorf("Tree() missing %q in:\n%s", want, out)
		}
	}
}
