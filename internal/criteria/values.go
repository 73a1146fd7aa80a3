package criteria

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"targeting/internal/catalog"
)

const dateLayout = "2006-01-02"

// parseArg converts a filter argument to the canonical Go value for the
// field type: float64 for numbers, time.Time (UTC midnight) for dates, bool
// and string otherwise.
func parseArg(t catalog.FieldType, v any) (any, error) {
	switch t {
	case catalog.TypeInteger:
		n, ok := toNumber(v)
		if !ok || n != math.Trunc(n) {
			return nil, fmt.Errorf("argument %v is not an integer", v)
		}
		return n, nil
	case catalog.TypeDecimal:
		n, ok := toNumber(v)
		if !ok {
			return nil, fmt.Errorf("argument %v is not a number", v)
		}
		return n, nil
	case catalog.TypeDate:
		d, ok := toDate(v)
		if !ok {
			return nil, fmt.Errorf("argument %v is not a date (expected %s)", v, dateLayout)
		}
		return d, nil
	case catalog.TypeBool:
		b, ok := toBool(v)
		if !ok {
			return nil, fmt.Errorf("argument %v is not a boolean", v)
		}
		return b, nil
	default:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("argument %v is not a string", v)
		}
		return s, nil
	}
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, !math.IsNaN(n) && !math.IsInf(n, 0)
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func toDate(v any) (time.Time, bool) {
	switch d := v.(type) {
	case time.Time:
		return truncateDay(d), true
	case string:
		if t, err := time.Parse(dateLayout, d); err == nil {
			return t, true
		}
		if t, err := time.Parse(time.RFC3339, d); err == nil {
			return truncateDay(t), true
		}
	}
	return time.Time{}, false
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(b)
		return parsed, err == nil
	}
	return false, false
}

func toString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case fmt.Stringer:
		return s.String(), true
	}
	return "", false
}

// toStrings reads a stored multi-choice value.
func toStrings(v any) ([]string, bool) {
	switch s := v.(type) {
	case []string:
		return s, true
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			str, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, str)
		}
		return out, true
	}
	return nil, false
}

func compareNumbers(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// compareOrdered compares two canonical values of a numeric or date field.
func compareOrdered(a, b any) int {
	switch av := a.(type) {
	case float64:
		return compareNumbers(av, b.(float64))
	case time.Time:
		return av.Compare(b.(time.Time))
	}
	return 0
}
