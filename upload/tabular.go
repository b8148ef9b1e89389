package upload

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ohler55/ojg/oj"

	"fwbids/meta"
)

// ParseJSON reads JSON object.
func ParseJSON(r io.Reader) (map[string]any, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	v, err := oj.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("unable to parse JSON: %w", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("JSON is %T, not an object", v)
	}
	return m, nil
}

// ParseTSV reads tab separated table, first row is the header. Values are
// converted with ConvertDtype.
func ParseTSV(r io.Reader) ([][]any, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("unable to parse TSV: %w", err)
	}
	return ConvertDtype(rows), nil
}

// ConvertDtype types table columns: a column of integers becomes int64, of
// numbers float64, everything else stays string. Values of "sex" column F
// and M are spelled out.
func ConvertDtype(rows [][]string) [][]any {
	out := make([][]any, len(rows))
	if len(rows) == 0 {
		return out
	}
	width := 0
	for i, row := range rows {
		out[i] = make([]any, len(row))
		for j, v := range row {
			out[i][j] = v
		}
		width = max(width, len(row))
	}

	for col := range width {
		header := ""
		if col < len(rows[0]) {
			header = rows[0][col]
		}
		if strings.EqualFold(header, "sex") {
			for i := 1; i < len(rows); i++ {
				if col < len(rows[i]) {
					out[i][col] = spellSex(rows[i][col])
				}
			}
			continue
		}
		convertColumn(rows, out, col)
	}
	return out
}

func spellSex(v string) string {
	switch strings.ToUpper(v) {
	case "F":
		return "female"
	case "M":
		return "male"
	}
	return v
}

func convertColumn(rows [][]string, out [][]any, col int) {
	ints, floats := true, true
	seen := false
	for i := 1; i < len(rows); i++ {
		if col >= len(rows[i]) {
			continue
		}
		seen = true
		v := rows[i][col]
		if _, err := strconv.ParseInt(v, 10, 64); err != nil {
			ints = false
		}
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			floats = false
		}
	}
	if !seen || (!ints && !floats) {
		return
	}
	for i := 1; i < len(rows); i++ {
		if col >= len(rows[i]) {
			continue
		}
		if ints {
			out[i][col], _ = strconv.ParseInt(rows[i][col], 10, 64)
		} else {
			out[i][col], _ = strconv.ParseFloat(rows[i][col], 64)
		}
	}
}

// records indexes table rows by value of key column. Each record holds the
// remaining columns by header name.
func records(table [][]any, key string) map[string]map[string]any {
	res := make(map[string]map[string]any)
	if len(table) == 0 {
		return res
	}
	header := table[0]
	idx := -1
	for i, h := range header {
		if h == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		return res
	}
	for _, row := range table[1:] {
		if idx >= len(row) {
			continue
		}
		id, _ := meta.AsString(row[idx])
		if len(id) == 0 {
			continue
		}
		rec := make(map[string]any, len(row)-1)
		for i, v := range row {
			if i == idx || i >= len(header) {
				continue
			}
			if name, ok := header[i].(string); ok {
				rec[name] = v
			}
		}
		res[id] = rec
	}
	return res
}
