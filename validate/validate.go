// Package validate checks BIDS blocks against template definitions of the
// catalog and records outcome in the block itself.
package validate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ohler55/ojg/oj"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"go.uber.org/multierr"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"fwbids/catalog"
	"fwbids/meta"
)

// Block keys maintained by validator.
const (
	KeyValid        = "valid"
	KeyErrorMessage = "error_message"
	KeyTemplate     = "template"
)

// Validator holds compiled schemas of all catalog templates.
type Validator struct {
	cat     *catalog.Catalog
	schemas map[string]*jsonschema.Schema
	printer *message.Printer
}

// New compiles every template definition of catalog.
func New(cat *catalog.Catalog) (*Validator, error) {
	c := jsonschema.NewCompiler()
	v := &Validator{
		cat:     cat,
		schemas: make(map[string]*jsonschema.Schema, len(cat.Definitions)),
		printer: message.NewPrinter(language.English),
	}

	var errs error
	for _, d := range cat.Definitions {
		doc, err := normalize(d.Schema)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("template %q: %w", d.Name, err))
			continue
		}
		url := d.Name + ".json"
		if err := c.AddResource(url, doc); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("template %q: %w", d.Name, err))
			continue
		}
		sch, err := c.Compile(url)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("template %q: %w", d.Name, err))
			continue
		}
		v.schemas[d.Name] = sch
	}
	if errs != nil {
		return nil, errs
	}
	return v, nil
}

// Validate checks container's BIDS block and records result in "valid" and
// "error_message" of the block. Container without BIDS block gets "NA"
// sentinel. Returns validity, "NA" counts as valid.
func (v *Validator) Validate(container map[string]any) bool {
	info, ok := container["info"].(map[string]any)
	if !ok {
		info = make(map[string]any)
		container["info"] = info
	}
	block, ok := info[meta.Namespace].(map[string]any)
	if !ok {
		info[meta.Namespace] = meta.NotApplicable
		return true
	}

	valid, msg := v.Check(block)
	block[KeyValid] = valid
	block[KeyErrorMessage] = msg
	return valid
}

// Check validates block without modifying it. Previous validation results
// present in block are ignored.
func (v *Validator) Check(block map[string]any) (bool, string) {
	tv, ok := block[KeyTemplate]
	if !ok {
		return true, ""
	}
	name, _ := meta.AsString(tv)
	sch, ok := v.schemas[name]
	if !ok {
		return false, fmt.Sprintf("Unknown template: %s. ", name)
	}
	def, _ := v.cat.Definition(name)

	inst := make(map[string]any, len(block))
	for k, x := range block {
		if k == KeyValid || k == KeyErrorMessage {
			continue
		}
		inst[k] = x
	}
	doc, err := normalize(inst)
	if err != nil {
		return false, err.Error()
	}

	err = sch.Validate(doc)
	if err == nil {
		return true, ""
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return false, err.Error()
	}

	var problems []problem
	collect(ve, &problems)
	for i := range problems {
		problems[i].text, problems[i].group, problems[i].index = v.describe(problems[i].ve, def, doc)
	}
	sort.Slice(problems, func(i, j int) bool {
		a, b := problems[i], problems[j]
		if a.group != b.group {
			return a.group < b.group
		}
		if a.index != b.index {
			return a.index < b.index
		}
		return a.text < b.text
	})
	msgs := make([]string, 0, len(problems))
	for _, p := range problems {
		msgs = append(msgs, p.text)
	}
	return false, strings.Join(msgs, "\n")
}

type problem struct {
	ve    *jsonschema.ValidationError
	text  string
	group int // property checks first, then required checks
	index int // property declaration order
}

func collect(ve *jsonschema.ValidationError, out *[]problem) {
	if len(ve.Causes) == 0 {
		*out = append(*out, problem{ve: ve})
		return
	}
	for _, c := range ve.Causes {
		collect(c, out)
	}
}

func (v *Validator) describe(ve *jsonschema.ValidationError, def *catalog.Definition, doc any) (string, int, int) {
	prop := strings.Join(ve.InstanceLocation, "/")
	index := len(def.Properties)
	if len(ve.InstanceLocation) > 0 {
		if i := def.Index(ve.InstanceLocation[0]); i >= 0 {
			index = i
		}
	}

	switch k := ve.ErrorKind.(type) {
	case *kind.Required:
		quoted := make([]string, 0, len(k.Missing))
		first := len(def.Properties)
		for _, m := range k.Missing {
			quoted = append(quoted, fmt.Sprintf("'%s' is a required property", m))
			if i := def.Index(m); i >= 0 && i < first {
				first = i
			}
		}
		return strings.Join(quoted, "\n"), 1, first
	case *kind.MinLength:
		return fmt.Sprintf("%s %s is too short", prop, repr(valueAt(doc, ve.InstanceLocation))), 0, index
	case *kind.Pattern:
		return fmt.Sprintf("%s %s does not match %s", prop, repr(k.Got), repr(k.Want)), 0, index
	case *kind.Enum:
		return fmt.Sprintf("%s %s is not one of %s", prop, repr(k.Got), repr(k.Want)), 0, index
	case *kind.Type:
		want := make([]string, 0, len(k.Want))
		for _, w := range k.Want {
			want = append(want, repr(w))
		}
		return fmt.Sprintf("%s %s is not of type %s", prop, repr(valueAt(doc, ve.InstanceLocation)), strings.Join(want, ", ")), 0, index
	default:
		return strings.TrimSpace(prop + " " + ve.ErrorKind.LocalizedString(v.printer)), 0, index
	}
}

func valueAt(doc any, loc []string) any {
	for _, key := range loc {
		switch t := doc.(type) {
		case map[string]any:
			doc = t[key]
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(t) {
				return nil
			}
			doc = t[i]
		default:
			return nil
		}
	}
	return doc
}

// normalize converts value to the shape produced by JSON decoding, which is
// what schema compiler and validator expect.
func normalize(v any) (any, error) {
	data, err := oj.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(data))
}

// repr formats value the way messages quote it: strings in single quotes,
// lists in brackets.
func repr(v any) string {
	switch t := v.(type) {
	case nil:
		return "None"
	case string:
		return "'" + t + "'"
	case bool:
		if t {
			return "True"
		}
		return "False"
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []any:
		items := make([]string, 0, len(t))
		for _, x := range t {
			items = append(items, repr(x))
		}
		return "[" + strings.Join(items, ", ") + "]"
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		items := make([]string, 0, len(t))
		for _, k := range keys {
			items = append(items, repr(k)+": "+repr(t[k]))
		}
		return "{" + strings.Join(items, ", ") + "}"
	default:
		return fmt.Sprint(t)
	}
}
