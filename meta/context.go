// Package meta models platform containers and the per-node context used to
// derive BIDS metadata.
package meta

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/ohler55/ojg/jp"
)

// Context keys.
const (
	KeyContainerType       = "container_type"
	KeyParentContainerType = "parent_container_type"
	KeyProject             = "project"
	KeySubject             = "subject"
	KeySession             = "session"
	KeyAcquisition         = "acquisition"
	KeyFile                = "file"
	KeyExt                 = "ext"
)

// Namespace is the info key BIDS metadata lives under.
const Namespace = "BIDS"

// NotApplicable marks containers explicitly excluded from BIDS.
const NotApplicable = "NA"

// Context is a read-mostly tree of named fields describing a single node and
// its ancestors. Values are nested map[string]any, []any and scalars.
type Context = map[string]any

var paths sync.Map // string -> jp.Expr

func compile(path string) (jp.Expr, error) {
	if x, ok := paths.Load(path); ok {
		return x.(jp.Expr), nil
	}
	var (
		x   jp.Expr
		err error
	)
	if strings.ContainsAny(path, "[]'") {
		// bracket notation for keys which are not simple identifiers
		if x, err = jp.ParseString("$." + path); err != nil {
			return nil, err
		}
	} else {
		x = jp.R()
		for _, key := range strings.Split(path, ".") {
			x = x.C(key)
		}
	}
	paths.Store(path, x)
	return x, nil
}

// Lookup resolves dotted path against data. Missing keys, nil values and
// non-map intermediates all report false.
func Lookup(data any, path string) (any, bool) {
	if data == nil || len(path) == 0 {
		return nil, false
	}
	x, err := compile(path)
	if err != nil {
		return nil, false
	}
	res := x.Get(data)
	if len(res) == 0 || res[0] == nil {
		return nil, false
	}
	return res[0], true
}

// LookupString resolves path and formats result as a string. Empty strings
// are reported as missing.
func LookupString(data any, path string) (string, bool) {
	v, ok := Lookup(data, path)
	if !ok {
		return "", false
	}
	s, ok := AsString(v)
	if !ok || len(s) == 0 {
		return "", false
	}
	return s, true
}

// Set stores value under dotted path creating intermediate maps as needed.
// Intermediate values which are not maps are replaced.
func Set(data map[string]any, path string, value any) {
	keys := strings.Split(path, ".")
	cur := data
	for _, k := range keys[:len(keys)-1] {
		next, ok := cur[k].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[k] = next
		}
		cur = next
	}
	cur[keys[len(keys)-1]] = value
}

// AsString formats scalar value. Maps and lists are not scalars.
func AsString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case uint64:
		return strconv.FormatUint(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

// AsList returns v as a list of values, wrapping scalars.
func AsList(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	case []string:
		out := make([]any, 0, len(t))
		for _, s := range t {
			out = append(out, s)
		}
		return out
	default:
		return []any{v}
	}
}

// Extension returns file extension, treating compressed names as double
// extensions (".nii.gz", ".tar.gz"). Empty when name has none.
func Extension(name string) string {
	parts := strings.Split(name, ".")
	switch {
	case len(parts) < 2:
		return ""
	case parts[len(parts)-1] == "gz" && len(parts) > 2:
		return "." + strings.Join(parts[len(parts)-2:], ".")
	default:
		return "." + parts[len(parts)-1]
	}
}
