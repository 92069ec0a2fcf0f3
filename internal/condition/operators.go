package condition

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

// Operator is a comparison operator.
type Operator string

const (
	OpEq       Operator = "=="
	OpNeq      Operator = "!="
	OpGt       Operator = ">"
	OpGte      Operator = ">="
	OpLt       Operator = "<"
	OpLte      Operator = "<="
	OpContains Operator = "contains"
	OpMatches  Operator = "matches"
)

// compare applies op to two resolved values. re is the precompiled pattern
// for matches, or nil when the pattern came from a field.
func compare(left interface{}, op Operator, right interface{}, re *regexp.Regexp) (bool, error) {
	switch op {
	case OpEq:
		return equal(left, right), nil
	case OpNeq:
		return !equal(left, right), nil
	case OpGt, OpGte, OpLt, OpLte:
		return numericCompare(left, op, right)
	case OpContains:
		return contains(left, right), nil
	case OpMatches:
		if re == nil {
			pattern, ok := right.(string)
			if !ok {
				return false, fmt.Errorf("matches: pattern must be a string, got %T", right)
			}
			var err error
			if re, err = regexp.Compile(pattern); err != nil {
				return false, fmt.Errorf("matches: invalid regex %q: %w", pattern, err)
			}
		}
		return re.MatchString(fmt.Sprint(left)), nil
	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}
}

// equal compares numerically when both sides are numbers, otherwise by
// string form so that "5" == 5 and true == "true" hold.
func equal(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func numericCompare(left interface{}, op Operator, right interface{}) (bool, error) {
	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if !lok || !rok {
		return false, fmt.Errorf("operator %s requires numeric operands, got %T and %T", op, left, right)
	}
	switch op {
	case OpGt:
		return lf > rf, nil
	case OpGte:
		return lf >= rf, nil
	case OpLt:
		return lf < rf, nil
	default:
		return lf <= rf, nil
	}
}

// contains is substring containment for strings and membership for lists.
func contains(haystack, needle interface{}) bool {
	if s, ok := haystack.(string); ok {
		return strings.Contains(s, fmt.Sprint(needle))
	}
	v := reflect.ValueOf(haystack)
	if v.Kind() == reflect.Slice || v.Kind() == reflect.Array {
		for i := 0; i < v.Len(); i++ {
			if equal(v.Index(i).Interface(), needle) {
				return true
			}
		}
		return false
	}
	if v.Kind() == reflect.Map && v.Type().Key().Kind() == reflect.String {
		return v.MapIndex(reflect.ValueOf(fmt.Sprint(needle))).IsValid()
	}
	return strings.Contains(fmt.Sprint(haystack), fmt.Sprint(needle))
}

// truthy interprets a bare operand as a boolean.
func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(t)
		if err == nil {
			return b
		}
		return t != ""
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}

func toFloat(v interface{}) (float64, bool) {
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
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
