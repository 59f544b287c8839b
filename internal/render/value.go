package render

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"remindd/internal/tz"
)

// Kind tags a node of the variable tree.
type Kind int

const (
	KindMissing Kind = iota
	KindScalar
	KindMapping
	KindSequence
)

// Value is a node in the variable tree handed to templates.
// The zero Value is Missing.
type Value struct {
	kind    Kind
	scalar  any
	mapping map[string]Value
	seq     []Value
}

// Missing is the unresolved value.
var Missing = Value{}

// Of converts arbitrary decoded data (JSON-like maps, slices and scalars) into a Value tree.
func Of(v any) Value {
	switch x := v.(type) {
	case Value:
		return x
	case map[string]any:
		m := make(map[string]Value, len(x))
		for k, e := range x {
			m[k] = Of(e)
		}
		return Value{kind: KindMapping, mapping: m}
	case map[string]string:
		m := make(map[string]Value, len(x))
		for k, e := range x {
			m[k] = Of(e)
		}
		return Value{kind: KindMapping, mapping: m}
	case []any:
		s := make([]Value, len(x))
		for i, e := range x {
			s[i] = Of(e)
		}
		return Value{kind: KindSequence, seq: s}
	case []string:
		s := make([]Value, len(x))
		for i, e := range x {
			s[i] = Of(e)
		}
		return Value{kind: KindSequence, seq: s}
	default:
		return Value{kind: KindScalar, scalar: v}
	}
}

func (v Value) Kind() Kind { return v.kind }

// Found reports whether v resolved to something.
func (v Value) Found() bool { return v.kind != KindMissing }

// Get resolves one path segment.
//
// Resolution order: derived accessors (days_until), then keyed lookup on
// mappings, then index lookup on sequences. Anything else is Missing.
func (v Value) Get(key string, now time.Time) Value {
	if v.kind == KindMissing {
		return Missing
	}
	if key == "days_until" || key == "daysUntil" {
		if d, ok := v.daysUntil(now); ok {
			return Value{kind: KindScalar, scalar: d}
		}
		return Missing
	}
	switch v.kind {
	case KindMapping:
		if e, ok := v.mapping[key]; ok {
			return e
		}
	case KindSequence:
		i, err := strconv.Atoi(key)
		if err != nil {
			return Missing
		}
		if i < 0 {
			i += len(v.seq)
		}
		if i >= 0 && i < len(v.seq) {
			return v.seq[i]
		}
	}
	return Missing
}

// daysUntil rounds (value - now) to the nearest calendar day using a midday threshold.
func (v Value) daysUntil(now time.Time) (int, bool) {
	if v.kind != KindScalar {
		return 0, false
	}
	t, _, ok := tz.Parse(v.scalar)
	if !ok {
		return 0, false
	}
	d := t.Sub(now) + 12*time.Hour
	return int(math.Floor(d.Hours() / 24)), true
}

// String renders a resolved value. Missing renders as the sentinel.
func (v Value) String() string {
	switch v.kind {
	case KindMissing:
		return Sentinel
	case KindScalar:
		return scalarString(v.scalar)
	default:
		b, err := json.Marshal(v.plain())
		if err != nil {
			return Sentinel
		}
		return string(b)
	}
}

func (v Value) plain() any {
	switch v.kind {
	case KindMapping:
		m := make(map[string]any, len(v.mapping))
		for k, e := range v.mapping {
			m[k] = e.plain()
		}
		return m
	case KindSequence:
		s := make([]any, len(v.seq))
		for i, e := range v.seq {
			s[i] = e.plain()
		}
		return s
	case KindScalar:
		return v.scalar
	default:
		return nil
	}
}

func scalarString(x any) string {
	switch s := x.(type) {
	case nil:
		return ""
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case float64:
		if s == math.Trunc(s) && math.Abs(s) < 1e15 {
			return strconv.FormatInt(int64(s), 10)
		}
		return strconv.FormatFloat(s, 'f', -1, 64)
	case json.Number:
		return s.String()
	case time.Time:
		return s.Format("2006-01-02 15:04:05")
	default:
		b, err := json.Marshal(s)
		if err != nil {
			return Sentinel
		}
		return strings.Trim(string(b), `"`)
	}
}
