// Package condition evaluates rule conditions against an entity snapshot and a trigger context.
//
// Evaluation is pure: it never mutates its inputs, never performs I/O and never panics on
// missing or mistyped fields. All conditions of a rule are AND-combined.
package condition

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/dukex/sellerops/pkg/models"
)

const contextPrefix = "context."

// Result explains the outcome of a single condition.
type Result struct {
	Condition models.Condition `json:"condition"`
	Found     bool             `json:"found"`
	Actual    any              `json:"actual,omitempty"`
	Passed    bool             `json:"passed"`
}

var patterns sync.Map // string -> *regexp.Regexp, nil for invalid expressions

// Evaluate reports whether the entity satisfies every condition. An empty list matches.
func Evaluate(entity models.FieldAccessor, conditions []models.Condition, tc models.TriggerContext) bool {
	for _, cond := range conditions {
		if !evaluateOne(entity, cond, tc).Passed {
			return false
		}
	}

	return true
}

// Explain evaluates every condition without short-circuiting, for dry-run tooling.
func Explain(entity models.FieldAccessor, conditions []models.Condition, tc models.TriggerContext) []Result {
	results := make([]Result, 0, len(conditions))
	for _, cond := range conditions {
		results = append(results, evaluateOne(entity, cond, tc))
	}

	return results
}

// Lookup resolves a condition field: "context." paths read the trigger context, every other
// path walks the entity.
func Lookup(entity models.FieldAccessor, path string, tc models.TriggerContext) (any, bool) {
	if rest, ok := strings.CutPrefix(path, contextPrefix); ok {
		return tc.Lookup(rest)
	}

	if entity == nil {
		return nil, false
	}

	return entity.Field(path)
}

func evaluateOne(entity models.FieldAccessor, cond models.Condition, tc models.TriggerContext) Result {
	actual, found := Lookup(entity, cond.Field, tc)

	passed := apply(cond.Operator, actual, found, cond.Value)
	if cond.Negate {
		passed = !passed
	}

	return Result{Condition: cond, Found: found, Actual: actual, Passed: passed}
}

func apply(op models.ConditionOperator, actual any, found bool, expected any) bool {
	switch op {
	case models.OpExists:
		return found && actual != nil
	case models.OpIsEmpty:
		return !found || isEmpty(actual)
	}

	if !found {
		return false
	}

	switch op {
	case models.OpEq:
		return equal(actual, expected)
	case models.OpNeq:
		return !equal(actual, expected)
	case models.OpGt:
		c, ok := compare(actual, expected)
		return ok && c > 0
	case models.OpGte:
		c, ok := compare(actual, expected)
		return ok && c >= 0
	case models.OpLt:
		c, ok := compare(actual, expected)
		return ok && c < 0
	case models.OpLte:
		c, ok := compare(actual, expected)
		return ok && c <= 0
	case models.OpIn:
		return inList(actual, expected)
	case models.OpNotIn:
		list, ok := toList(expected)
		return ok && !containsEqual(list, actual)
	case models.OpContains:
		return contains(actual, expected)
	case models.OpStartsWith:
		s, ok := actual.(string)
		prefix, okPrefix := expected.(string)

		return ok && okPrefix && strings.HasPrefix(s, prefix)
	case models.OpEndsWith:
		s, ok := actual.(string)
		suffix, okSuffix := expected.(string)

		return ok && okSuffix && strings.HasSuffix(s, suffix)
	case models.OpMatches:
		return matches(actual, expected)
	default:
		return false
	}
}

// ToFloat coerces numeric values, and strings holding a number, to float64.
func ToFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func isNumber(value any) bool {
	if _, isString := value.(string); isString {
		return false
	}

	_, ok := ToFloat(value)

	return ok
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if isNumber(a) || isNumber(b) {
		fa, okA := ToFloat(a)
		fb, okB := ToFloat(b)

		return okA && okB && fa == fb
	}

	if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ba == bb
	}

	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		return ok && sa == sb
	}

	return reflect.DeepEqual(a, b)
}

// compare orders numbers numerically and strings lexically. ok is false when the operands
// are not comparable.
func compare(a, b any) (int, bool) {
	if isNumber(a) || isNumber(b) {
		fa, okA := ToFloat(a)
		fb, okB := ToFloat(b)

		if !okA || !okB {
			return 0, false
		}

		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}

	sa, okA := a.(string)
	sb, okB := b.(string)

	if !okA || !okB {
		return 0, false
	}

	return strings.Compare(sa, sb), true
}

func toList(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}

		return out, true
	case []float64:
		out := make([]any, len(v))
		for i, f := range v {
			out[i] = f
		}

		return out, true
	case []int:
		out := make([]any, len(v))
		for i, n := range v {
			out[i] = n
		}

		return out, true
	default:
		return nil, false
	}
}

func containsEqual(list []any, value any) bool {
	for _, item := range list {
		if equal(item, value) {
			return true
		}
	}

	return false
}

func inList(actual, expected any) bool {
	list, ok := toList(expected)

	return ok && containsEqual(list, actual)
}

func contains(actual, expected any) bool {
	if s, ok := actual.(string); ok {
		sub, ok := expected.(string)
		return ok && strings.Contains(s, sub)
	}

	if list, ok := toList(actual); ok {
		return containsEqual(list, expected)
	}

	if m, ok := actual.(map[string]any); ok {
		key, ok := expected.(string)
		if !ok {
			return false
		}

		_, exists := m[key]

		return exists
	}

	return false
}

func matches(actual, expected any) bool {
	pattern, ok := expected.(string)
	if !ok {
		return false
	}

	re := compile(pattern)
	if re == nil {
		return false
	}

	switch v := actual.(type) {
	case string:
		return re.MatchString(v)
	case nil:
		return false
	default:
		return re.MatchString(fmt.Sprint(v))
	}
}

func compile(pattern string) *regexp.Regexp {
	if cached, ok := patterns.Load(pattern); ok {
		re, _ := cached.(*regexp.Regexp)

		return re
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		patterns.Store(pattern, (*regexp.Regexp)(nil))

		return nil
	}

	patterns.Store(pattern, re)

	return re
}

func isEmpty(value any) bool {
	if value == nil {
		return true
	}

	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v) == ""
	case []any:
		return len(v) == 0
	case []string:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}
