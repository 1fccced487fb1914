package flags

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// matchProperty evaluates one condition against a property bag. It returns
// a conclusive boolean, or an InconclusiveError when the inputs cannot
// decide the condition (for example, the key is absent and the operator
// needs its value).
func matchProperty(cond PropertyCondition, properties map[string]any, now time.Time) (bool, error) {
	op := cond.Operator
	if op == "" {
		op = OpExact
	}

	value, exists := properties[cond.Key]

	// Absence is only decidable for is_set and is_not: a missing value is
	// never "set", and never equal to a specific expected value.
	if !exists {
		switch op {
		case OpIsSet:
			return false, nil
		case OpIsNot:
			return true, nil
		default:
			return false, Inconclusive("property %q not found in the given properties", cond.Key)
		}
	}

	switch op {
	case OpExact:
		return matchExact(cond.Value, value), nil

	case OpIsNot:
		return !matchExact(cond.Value, value), nil

	case OpIsSet:
		return true, nil

	case OpIContains:
		if value == nil {
			return false, nil
		}
		return strings.Contains(
			strings.ToLower(coerceString(value)),
			strings.ToLower(coerceString(cond.Value)),
		), nil

	case OpRegex, OpNotRegex:
		if value == nil {
			return false, nil
		}
		re, err := regexp.Compile(coerceString(cond.Value))
		if err != nil {
			// An invalid pattern conclusively matches nothing, for
			// regex and not_regex alike.
			return false, nil
		}
		matched := re.MatchString(coerceString(value))
		if op == OpNotRegex {
			return !matched, nil
		}
		return matched, nil

	case OpGT, OpGTE, OpLT, OpLTE:
		if value == nil {
			return false, nil
		}
		cmp := compareValues(value, cond.Value)
		switch op {
		case OpGT:
			return cmp > 0, nil
		case OpGTE:
			return cmp >= 0, nil
		case OpLT:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}

	case OpIsDateBefore, OpIsDateAfter:
		target, err := parseConditionDate(cond.Value, now)
		if err != nil {
			return false, err
		}
		if value == nil {
			return false, nil
		}
		propDate, ok := parsePropertyDate(value)
		if !ok {
			return false, Inconclusive("property value %v is not a parseable date", value)
		}
		if op == OpIsDateBefore {
			return propDate.Before(target), nil
		}
		return propDate.After(target), nil

	default:
		return false, Inconclusive("unknown operator %q", op)
	}
}

// matchExact compares a property value against the condition's expected
// value or array of values. Equality is case-sensitive and type-aware:
// numbers compare numerically across widths, everything else must match
// in type and value.
func matchExact(expected, actual any) bool {
	if list, ok := expected.([]any); ok {
		for _, candidate := range list {
			if valueEqual(candidate, actual) {
				return true
			}
		}
		return false
	}
	return valueEqual(expected, actual)
}

func valueEqual(expected, actual any) bool {
	if en, ok := coerceNumber(expected); ok {
		an, ok := coerceNumber(actual)
		return ok && en == an
	}

	switch ev := expected.(type) {
	case string:
		av, ok := actual.(string)
		return ok && av == ev
	case bool:
		av, ok := actual.(bool)
		return ok && av == ev
	case nil:
		return actual == nil
	}
	return false
}

// compareValues orders two values for gt/gte/lt/lte. If both sides parse
// as numbers the comparison is numeric; otherwise it falls back to
// lexicographic string comparison, which tolerates mixed production data
// like "129" > "123aloha".
func compareValues(a, b any) int {
	an, aok := parseNumeric(a)
	bn, bok := parseNumeric(b)
	if aok && bok {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(coerceString(a), coerceString(b))
}

// parseNumeric accepts native numbers and numeric strings.
func parseNumeric(v any) (float64, bool) {
	if n, ok := coerceNumber(v); ok {
		return n, true
	}
	if s, ok := v.(string); ok {
		n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err == nil {
			return n, true
		}
	}
	return 0, false
}

// coerceNumber converts any native numeric type to float64. Strings and
// booleans are not numbers here; exact matching is type-aware.
func coerceNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func coerceString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// dateLayouts are the accepted absolute date shapes, with and without an
// explicit offset.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseConditionDate resolves the configured comparison value of a date
// operator: either a relative-date token or an absolute ISO 8601 date.
// An unparseable configured value is inconclusive, since the rule itself
// is malformed.
func parseConditionDate(value any, now time.Time) (time.Time, error) {
	s, ok := value.(string)
	if !ok {
		if t, ok := value.(time.Time); ok {
			return t, nil
		}
		return time.Time{}, Inconclusive("date operator value %v is not a date", value)
	}

	if rel, ok := parseRelativeDate(s, now); ok {
		return rel, nil
	}
	if t, ok := parseDateString(s); ok {
		return t, nil
	}
	return time.Time{}, Inconclusive("date operator value %q is not a parseable date", s)
}

func parsePropertyDate(value any) (time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		return v, true
	case string:
		return parseDateString(v)
	}
	return time.Time{}, false
}

func parseDateString(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
