package rules

import (
	"strings"

	"fwbids/meta"
)

// Resolve expands name template against context.
//
// Template syntax: "<path>" is a required placeholder, "{path}" is an inline
// placeholder for values usually computed later, "[...]" is an optional
// segment. A placeholder which cannot be resolved is kept verbatim unless it
// is inside optional segment, in which case the whole segment is dropped.
// Optional segments do not nest.
func Resolve(tmpl string, ctx meta.Context) string {
	var (
		out strings.Builder
		seg strings.Builder // current optional segment
		in  bool            // inside optional segment
		bad bool            // optional segment has unresolved placeholder
	)

	for i := 0; i < len(tmpl); {
		c := tmpl[i]
		switch {
		case c == '[' && !in:
			in, bad = true, false
			seg.Reset()
			i++
			continue
		case c == ']' && in:
			if !bad {
				out.WriteString(seg.String())
			}
			in = false
			i++
			continue
		case c == '<' || c == '{':
			end := placeholderEnd(tmpl, i)
			if end < 0 {
				break
			}
			path := tmpl[i+1 : end]
			w := &out
			if in {
				w = &seg
			}
			if v, ok := meta.LookupString(ctx, path); ok {
				w.WriteString(dedupePrefix(w.String(), v))
			} else {
				if in {
					bad = true
				}
				w.WriteString(tmpl[i : end+1])
			}
			i = end + 1
			continue
		}
		if in {
			seg.WriteByte(c)
		} else {
			out.WriteByte(c)
		}
		i++
	}
	if in {
		// unterminated segment is treated as literal text
		out.WriteByte('[')
		out.WriteString(seg.String())
	}
	return out.String()
}

// placeholderEnd returns index of matching closing character for a
// placeholder opened at start or -1 when there is no well formed placeholder.
func placeholderEnd(tmpl string, start int) int {
	closing := byte('>')
	if tmpl[start] == '{' {
		closing = '}'
	}
	for j := start + 1; j < len(tmpl); j++ {
		switch tmpl[j] {
		case closing:
			if j == start+1 {
				return -1
			}
			return j
		case '<', '>', '{', '}', ' ', '\t', '\n':
			return -1
		}
	}
	return -1
}

// dedupePrefix drops entity prefix (like "sub-") from value when the text
// written so far already ends with it.
func dedupePrefix(written, value string) string {
	if !strings.HasSuffix(written, "-") {
		return value
	}
	start := len(written) - 1
	for start > 0 && isLetter(written[start-1]) {
		start--
	}
	prefix := written[start:]
	if len(prefix) < 2 {
		return value
	}
	return strings.TrimPrefix(value, prefix)
}

func isLetter(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
