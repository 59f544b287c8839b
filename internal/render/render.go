// Package render substitutes case data into reminder message templates.
//
// Placeholders use brace syntax: "{case.name}", "{case.edd.days_until}",
// "{case.visits[0].date}". Doubled braces ("{{", "}}") are literal braces.
// Rendering never fails: a path that does not resolve renders as Sentinel.
package render

import (
	"strings"
	"time"
)

// Sentinel replaces placeholders that cannot be resolved.
const Sentinel = "(?)"

// Render substitutes vars into tmpl. now anchors derived accessors such as days_until.
func Render(tmpl string, vars map[string]any, now time.Time) string {
	root := Of(vars)
	var b strings.Builder
	b.Grow(len(tmpl))

	for i := 0; i < len(tmpl); {
		c := tmpl[i]
		switch {
		case c == '{' && i+1 < len(tmpl) && tmpl[i+1] == '{':
			b.WriteByte('{')
			i += 2
		case c == '}' && i+1 < len(tmpl) && tmpl[i+1] == '}':
			b.WriteByte('}')
			i += 2
		case c == '{':
			end := strings.IndexByte(tmpl[i+1:], '}')
			if end < 0 {
				// unterminated placeholder: keep the rest verbatim
				b.WriteString(tmpl[i:])
				return b.String()
			}
			expr := tmpl[i+1 : i+1+end]
			b.WriteString(Resolve(root, expr, now).String())
			i += end + 2
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

// Resolve walks expr ("a.b[2].c") from root. Format specs and conversions
// (":>10", "!r") are ignored.
func Resolve(root Value, expr string, now time.Time) Value {
	if j := strings.IndexAny(expr, ":!"); j >= 0 {
		expr = expr[:j]
	}
	segs := splitPath(strings.TrimSpace(expr))
	if len(segs) == 0 {
		return Missing
	}
	v := root
	for _, seg := range segs {
		v = v.Get(seg, now)
		if !v.Found() {
			return Missing
		}
	}
	return v
}

func splitPath(expr string) []string {
	if expr == "" {
		return nil
	}
	var out []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for i := 0; i < len(expr); i++ {
		switch c := expr[i]; c {
		case '.':
			flush()
		case '[':
			flush()
			end := strings.IndexByte(expr[i+1:], ']')
			if end < 0 {
				return nil
			}
			out = append(out, strings.Trim(expr[i+1:i+1+end], `"'`))
			i += end + 1
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return out
}
