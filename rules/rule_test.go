package rules

import (
	"testing"

	"fwbids/meta"
)

func mustRule(t *testing.T, where map[string]any, init map[string]any) *Rule {
	t.Helper()
	var fields []Field
	for _, name := range sortedKeys(init) {
		e, err := CompileExpr(init[name])
		if err != nil {
			t.Fatalf("CompileExpr(%s) error = %v", name, err)
		}
		fields = append(fields, Field{Name: name, Expr: e})
	}
	r, err := Compile("test", false, where, fields)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return r
}

func derive(t *testing.T, r *Rule, ctx meta.Context) map[string]any {
	t.Helper()
	ctx[meta.KeyContainerType] = meta.KeyFile
	if _, ok := ctx[meta.KeyFile]; !ok {
		ctx[meta.KeyFile] = map[string]any{}
	}
	matched, block := Apply([]*Rule{r}, ctx, Options{})
	if matched == nil {
		t.Fatal("rule did not match")
	}
	return block
}

func TestWhere(t *testing.T) {
	tests := []struct {
		name  string
		where map[string]any
		ctx   meta.Context
		want  bool
	}{
		{"regex search", map[string]any{"x": map[string]any{"$regex": "topup"}}, meta.Context{"x": "string_with topup in it"}, true},
		{"regex case insensitive", map[string]any{"x": map[string]any{"$regex": "TOPUP"}}, meta.Context{"x": "acqTEST Topup PA"}, true},
		{"regex missing value", map[string]any{"x": map[string]any{"$regex": "topup"}}, meta.Context{}, false},
		{"in substring", map[string]any{"x.l": map[string]any{"$in": []any{"topup", "something_else"}}}, meta.Context{"x": map[string]any{"l": "string_with topup in it"}}, true},
		{"in on dict", map[string]any{"x": map[string]any{"$in": []any{"not_topup", "something_else"}}}, meta.Context{"x": map[string]any{"l": "string_with topup in it"}}, false},
		{"in list intersection", map[string]any{"m": map[string]any{"$in": []any{"T1", "T2"}}}, meta.Context{"m": []any{"T2", "Diffusion"}}, true},
		{"in list disjoint", map[string]any{"m": map[string]any{"$in": []any{"T1", "T2"}}}, meta.Context{"m": []any{"Diffusion"}}, false},
		{"not in matches", map[string]any{"x": map[string]any{"$not": map[string]any{"$in": []any{"Value"}}}}, meta.Context{"x": "Value"}, false},
		{"not in passes", map[string]any{"x": map[string]any{"$not": map[string]any{"$in": []any{"Value"}}}}, meta.Context{"x": "Something"}, true},
		{"exists", map[string]any{"x": map[string]any{"$exists": true}}, meta.Context{"x": "a"}, true},
		{"not exists", map[string]any{"x": map[string]any{"$exists": false}}, meta.Context{"x": "a"}, false},
		{"literal equality", map[string]any{"file.type": "nifti"}, meta.Context{"file": map[string]any{"type": "nifti"}}, true},
		{"literal mismatch", map[string]any{"file.type": "nifti"}, meta.Context{"file": map[string]any{"type": "dicom"}}, false},
		{"literal containment", map[string]any{"i": "Functional"}, meta.Context{"i": []any{"Structural", "Functional"}}, true},
		{"literal bool", map[string]any{"x": true}, meta.Context{"x": true}, true},
		{"and of entries", map[string]any{"a": "1", "b": "2"}, meta.Context{"a": "1", "b": "3"}, false},
		{"combined operators", map[string]any{"a": map[string]any{"$exists": true, "$regex": "^x"}}, meta.Context{"a": "xy"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := CompilePredicate(tt.where)
			if err != nil {
				t.Fatalf("CompilePredicate() error = %v", err)
			}
			if got := p.Test(tt.ctx); got != tt.want {
				t.Errorf("Test() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWhereErrors(t *testing.T) {
	bad := []map[string]any{
		{"x": map[string]any{"$regex": "("}},
		{"x": map[string]any{"$in": "not a list"}},
		{"x": map[string]any{"$exists": "yes"}},
		{"x": map[string]any{"$bogus": 1}},
	}
	for _, w := range bad {
		if _, err := CompilePredicate(w); err == nil {
			t.Errorf("CompilePredicate(%v) expected error", w)
		}
	}
}

func TestSwitch(t *testing.T) {
	r := mustRule(t, map[string]any{}, map[string]any{
		"Property": map[string]any{"$switch": map[string]any{
			"$on": "value",
			"$cases": []any{
				map[string]any{"$eq": "foo", "$value": "found_foo"},
				map[string]any{"$eq": "bar", "$value": "found_bar"},
				map[string]any{"$default": true, "$value": "found_nothing"},
			},
		}},
	})
	for value, want := range map[string]string{"foo": "found_foo", "bar": "found_bar", "something_else": "found_nothing"} {
		block := derive(t, r, meta.Context{"value": value})
		if block["Property"] != want {
			t.Errorf("value %q: Property = %v, want %q", value, block["Property"], want)
		}
	}
}

func TestSwitchLists(t *testing.T) {
	r := mustRule(t, map[string]any{}, map[string]any{
		"Property": map[string]any{"$switch": map[string]any{
			"$on": "value",
			"$cases": []any{
				map[string]any{"$eq": []any{"a", "b", "c"}, "$value": "match1"},
				map[string]any{"$eq": []any{"a", "d"}, "$value": "match2"},
				map[string]any{"$default": true, "$value": "no_match"},
			},
		}},
	})
	tests := []struct {
		value []any
		want  string
	}{
		{[]any{"c", "b", "a"}, "match1"},
		{[]any{"a", "d"}, "match2"},
		{[]any{"a", "b"}, "no_match"},
		{[]any{"a", "b", "c", "d"}, "no_match"},
	}
	for _, tt := range tests {
		block := derive(t, r, meta.Context{"value": tt.value})
		if block["Property"] != tt.want {
			t.Errorf("value %v: Property = %v, want %q", tt.value, block["Property"], tt.want)
		}
	}
}

func TestSwitchScalarCaseOnList(t *testing.T) {
	r := mustRule(t, map[string]any{}, map[string]any{
		"Modality": map[string]any{"$switch": map[string]any{
			"$on": "m",
			"$cases": []any{
				map[string]any{"$eq": "T1", "$value": "T1w"},
				map[string]any{"$eq": "T2", "$value": "T2w"},
			},
		}},
	})
	block := derive(t, r, meta.Context{"m": []any{"T2", "T1"}})
	if block["Modality"] != "T1w" {
		t.Errorf("Modality = %v, want T1w", block["Modality"])
	}
	block = derive(t, r, meta.Context{"m": "PD"})
	if _, ok := block["Modality"]; ok {
		t.Errorf("no case matched, Modality must not be set, got %v", block["Modality"])
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name   string
		format []any
		want   string
	}{
		{
			name: "replace then lower matches",
			format: []any{
				map[string]any{"$replace": map[string]any{"$pattern": "[A-Z]+", "$replacement": "NEW"}},
				map[string]any{"$lower": map[string]any{"$pattern": "EW"}},
			},
			want: "the_New_string",
		},
		{
			name: "replace then lower all",
			format: []any{
				map[string]any{"$replace": map[string]any{"$pattern": "[A-Z]+", "$replacement": "UPPER_12_key"}},
				map[string]any{"$lower": true},
			},
			want: "the_upper_12_key_string",
		},
		{
			name:   "upper",
			format: []any{map[string]any{"$upper": true}},
			want:   "THE_OLD_STRING",
		},
		{
			name:   "strip non alphanumerics",
			format: []any{map[string]any{"$replace": map[string]any{"$pattern": "[^a-zA-Z0-9]+", "$replacement": ""}}},
			want:   "theOLDstring",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := mustRule(t, map[string]any{}, map[string]any{
				"Property": map[string]any{"value": map[string]any{"$take": true, "$format": tt.format}},
			})
			block := derive(t, r, meta.Context{"value": "the_OLD_string"})
			if block["Property"] != tt.want {
				t.Errorf("Property = %v, want %q", block["Property"], tt.want)
			}
		})
	}
}

func TestRegexCapture(t *testing.T) {
	r := mustRule(t, map[string]any{}, map[string]any{
		"Task": map[string]any{"acquisition.label": map[string]any{"$regex": `(^|_)task-(?P<value>[a-zA-Z0-9]+)`}},
	})
	block := derive(t, r, meta.Context{"acquisition": map[string]any{"label": "acq_task-TEST_run+"}})
	if block["Task"] != "TEST" {
		t.Errorf("Task = %v, want TEST", block["Task"])
	}
	block = derive(t, r, meta.Context{"acquisition": map[string]any{"label": "localizer"}})
	if _, ok := block["Task"]; ok {
		t.Errorf("Task must not be set without match, got %v", block["Task"])
	}

	if _, err := CompileExpr(map[string]any{"x": map[string]any{"$regex": "no group"}}); err == nil {
		t.Error("expected error for regex without value group")
	}
}

func TestInitializeReadsEarlierFields(t *testing.T) {
	r := &Rule{
		Template: "test",
		Where:    mustRule(t, map[string]any{}, nil).Where,
		Defaults: []Field{Default("Folder", "anat"), Default("Acq", "")},
	}
	for _, f := range []struct{ name, tmpl string }{
		{"Modality", "T1w"},
		{"Filename", "sub-<subject.code>[_acq-{file.info.BIDS.Acq}]_{file.info.BIDS.Modality}{ext}"},
		{"Path", "sub-<subject.code>/{file.info.BIDS.Folder}"},
	} {
		e, err := CompileExpr(f.tmpl)
		if err != nil {
			t.Fatal(err)
		}
		r.Initialize = append(r.Initialize, Field{Name: f.name, Expr: e})
	}

	file := map[string]any{"name": "t1.nii.gz"}
	ctx := meta.Context{"subject": map[string]any{"code": "001"}, "ext": ".nii.gz", meta.KeyFile: file}
	block := derive(t, r, ctx)

	want := map[string]any{
		"template": "test",
		"Folder":   "anat",
		"Acq":      "",
		"Modality": "T1w",
		"Filename": "sub-001_T1w.nii.gz",
		"Path":     "sub-001/anat",
	}
	for k, v := range want {
		if block[k] != v {
			t.Errorf("%s = %v, want %v", k, block[k], v)
		}
	}
	if _, ok := file["info"]; ok {
		t.Error("Apply must not modify container")
	}
}

func TestApplyFirstMatchWins(t *testing.T) {
	first := mustRule(t, map[string]any{"file.type": "nifti"}, map[string]any{"Which": "first"})
	second := mustRule(t, map[string]any{"file.type": "nifti"}, map[string]any{"Which": "second"})
	ctx := meta.Context{meta.KeyContainerType: "file", "file": map[string]any{"type": "nifti"}}

	r, block := Apply([]*Rule{first, second}, ctx, Options{})
	if r != first || block["Which"] != "first" {
		t.Errorf("Apply() selected %v", block["Which"])
	}

	ctx["file"] = map[string]any{"type": "dicom"}
	if r, block := Apply([]*Rule{first, second}, ctx, Options{}); r != nil || block != nil {
		t.Errorf("Apply() expected no match, got %v", block)
	}
}

func TestApplyUploadOnly(t *testing.T) {
	r := mustRule(t, map[string]any{}, nil)
	r.UploadOnly = true
	ctx := meta.Context{meta.KeyContainerType: "acquisition", "acquisition": map[string]any{"label": "a"}}

	if m, _ := Apply([]*Rule{r}, ctx, Options{}); m != nil {
		t.Error("upload only rule matched outside upload")
	}
	if m, _ := Apply([]*Rule{r}, ctx, Options{Upload: true}); m == nil {
		t.Error("upload only rule did not match in upload mode")
	}
}

func TestProcessMatchingTemplatesNotApplicable(t *testing.T) {
	r := mustRule(t, map[string]any{}, map[string]any{"Filename": "x"})
	file := map[string]any{"type": "nifti", "info": map[string]any{"BIDS": "NA"}}
	ctx := meta.Context{meta.KeyContainerType: "file", "file": file}

	container, matched := ProcessMatchingTemplates([]*Rule{r}, ctx, Options{})
	if matched != nil {
		t.Fatal("NA container must not be reclassified")
	}
	if container["info"].(map[string]any)["BIDS"] != "NA" {
		t.Errorf("NA sentinel changed: %v", container["info"])
	}
}

func TestProcessMatchingTemplatesAttaches(t *testing.T) {
	r := mustRule(t, map[string]any{}, map[string]any{"Filename": "x"})
	file := map[string]any{"type": "nifti", "info": map[string]any{"other": 1}}
	ctx := meta.Context{meta.KeyContainerType: "file", "file": file}

	container, matched := ProcessMatchingTemplates([]*Rule{r}, ctx, Options{})
	if matched == nil {
		t.Fatal("expected match")
	}
	info := container["info"].(map[string]any)
	if info["other"] != 1 {
		t.Error("existing info lost")
	}
	block := info["BIDS"].(map[string]any)
	if block["template"] != "test" || block["Filename"] != "x" {
		t.Errorf("unexpected block %v", block)
	}
}

func TestDefaultsAreCopied(t *testing.T) {
	r := &Rule{
		Template: "test",
		Where:    mustRule(t, map[string]any{}, nil).Where,
		Defaults: []Field{Default("IntendedFor", []any{map[string]any{"Folder": "func"}})},
	}
	ctx := meta.Context{meta.KeyContainerType: "file", "file": map[string]any{}}
	_, b1 := Apply([]*Rule{r}, ctx, Options{})
	b1["IntendedFor"].([]any)[0].(map[string]any)["Folder"] = "changed"
	_, b2 := Apply([]*Rule{r}, ctx, Options{})
	if b2["IntendedFor"].([]any)[0].(map[string]any)["Folder"] != "func" {
		t.Error("default value shared between blocks")
	}
}
