// Package template interpolates {{path}} placeholders in action templates.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dukex/sellerops/pkg/models"
)

const contextPrefix = "context."

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Interpolate replaces each {{path}} with the value found on the entity, falling back to the
// trigger context. Unresolved placeholders are left untouched.
func Interpolate(input string, entity models.FieldAccessor, tc models.TriggerContext) string {
	if !strings.Contains(input, "{{") {
		return input
	}

	return placeholder.ReplaceAllStringFunc(input, func(match string) string {
		path := placeholder.FindStringSubmatch(match)[1]

		value, ok := Lookup(path, entity, tc)
		if !ok {
			return match
		}

		return Stringify(value)
	})
}

// InterpolateValue walks strings nested in maps and slices and interpolates each of them.
func InterpolateValue(value any, entity models.FieldAccessor, tc models.TriggerContext) any {
	switch v := value.(type) {
	case string:
		return Interpolate(v, entity, tc)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = InterpolateValue(item, entity, tc)
		}

		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = InterpolateValue(item, entity, tc)
		}

		return out
	default:
		return value
	}
}

// Lookup resolves path against the entity first and then the trigger context. Paths with a
// "context." prefix only look at the trigger context.
func Lookup(path string, entity models.FieldAccessor, tc models.TriggerContext) (any, bool) {
	if strings.HasPrefix(path, contextPrefix) {
		return tc.Lookup(strings.TrimPrefix(path, contextPrefix))
	}

	if entity != nil {
		if value, ok := entity.Field(path); ok {
			return value, true
		}
	}

	return tc.Lookup(path)
}

// Stringify renders a looked-up value for inclusion in text.
func Stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case map[string]any, []any:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}

		return string(raw)
	default:
		return fmt.Sprint(v)
	}
}

// ParseScalar converts rendered text back into JSON, a number or a boolean when it looks like one.
func ParseScalar(result string) any {
	result = strings.TrimSpace(result)
	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any
		if err := json.Unmarshal([]byte(result), &jsonResult); err == nil {
			return jsonResult
		}

		return result
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b
	}

	return result
}
