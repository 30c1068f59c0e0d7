package realtime

import (
	"encoding/json"
	"strconv"
	"strings"
)

// rowFilter is a single-column equality predicate over a change event's row,
// written "column=value" or PostgREST-style "column=eq.value".
type rowFilter struct {
	column string
	value  string
}

func parseFilter(s string) (rowFilter, bool) {
	column, value, ok := strings.Cut(s, "=")
	if !ok || column == "" {
		return rowFilter{}, false
	}
	value = strings.TrimPrefix(value, "eq.")
	return rowFilter{column: column, value: value}, true
}

// matches decodes the event's representative row (New, or Old for deletes)
// and compares the column's canonical string form against the filter value.
// Events whose row is missing the column, or missing entirely, never match.
func (f rowFilter) matches(ev ChangeEvent) bool {
	row := ev.Row()
	if len(row) == 0 {
		return false
	}
	var m map[string]any
	if err := json.Unmarshal(row, &m); err != nil {
		return false
	}
	v, ok := m[f.column]
	if !ok {
		return false
	}
	return canonicalValue(v) == f.value
}

// canonicalValue renders a decoded JSON value the way filter strings spell
// it: numbers without a trailing ".0", booleans as true/false, null as
// "null".
func canonicalValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
