// Package schema provides JSON Schema validation for record values.
package schema

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// FieldError describes one value that failed validation.
type FieldError struct {
	// Path locates the value, e.g. "$.address.zip" or "$.tags[2]".
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e *FieldError) Error() string {
	return e.Path + ": " + e.Message
}

// ValidationError collects every FieldError found in one document.
type ValidationError struct {
	errs *multierror.Error
}

func (e *ValidationError) Error() string {
	return e.errs.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.errs
}

// Fields returns the individual field errors in the order they were found.
func (e *ValidationError) Fields() []*FieldError {
	out := make([]*FieldError, 0, len(e.errs.Errors))
	for _, err := range e.errs.Errors {
		if fe, ok := err.(*FieldError); ok {
			out = append(out, fe)
		}
	}
	return out
}

// Paths returns the offending field paths.
func (e *ValidationError) Paths() []string {
	fields := e.Fields()
	out := make([]string, len(fields))
	for i, fe := range fields {
		out[i] = fe.Path
	}
	return out
}

// Validate checks a document against a JSON Schema (draft-07 subset).
// Returns nil if validation passes or the schema is nil. Otherwise the
// error is a *ValidationError listing every offending field.
//
// Supported JSON Schema keywords:
//   - type (string, number, integer, boolean, object, array, null)
//   - properties, required, additionalProperties
//   - items (for arrays)
//   - minimum, maximum, exclusiveMinimum, exclusiveMaximum
//   - minLength, maxLength
//   - minItems, maxItems
//   - enum
func Validate(schema map[string]any, doc map[string]any) error {
	if schema == nil {
		return nil
	}
	v := &validator{}
	v.value(schema, doc, "$")
	if v.errs == nil {
		return nil
	}
	v.errs.ErrorFormat = formatErrors
	return &ValidationError{errs: v.errs}
}

func formatErrors(errs []error) string {
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

type validator struct {
	errs *multierror.Error
}

func (v *validator) fail(path, format string, args ...any) {
	v.errs = multierror.Append(v.errs, &FieldError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) value(schema map[string]any, value any, path string) {
	// A value of the wrong type is not checked any further.
	if t, ok := schema["type"]; ok {
		if ts, ok := t.(string); ok {
			if !v.checkType(ts, value, path) {
				return
			}
		}
	}

	if enumRaw, ok := schema["enum"]; ok {
		if enumList, ok := enumRaw.([]any); ok {
			v.checkEnum(enumList, value, path)
		}
	}

	switch val := value.(type) {
	case map[string]any:
		v.object(schema, val, path)
	case []any:
		v.array(schema, val, path)
	case string:
		v.text(schema, val, path)
	default:
		if f, ok := toFloat(value); ok {
			v.number(schema, f, path)
		}
	}
}

func (v *validator) checkType(expected string, value any, path string) bool {
	actual := jsonType(value)
	if expected == "integer" {
		if f, ok := toFloat(value); ok && f == float64(int64(f)) {
			return true
		}
		if actual != "integer" {
			v.fail(path, "expected type %q, got %q", expected, actual)
			return false
		}
		return true
	}
	if actual != expected {
		// "number" should also accept integer
		if expected == "number" && actual == "integer" {
			return true
		}
		v.fail(path, "expected type %q, got %q", expected, actual)
		return false
	}
	return true
}

func jsonType(v any) string {
	if v == nil {
		return "null"
	}
	switch v.(type) {
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float32, float64, json.Number:
		return "number"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "integer"
	default:
		return reflect.TypeOf(v).String()
	}
}

func (v *validator) checkEnum(allowed []any, value any, path string) {
	for _, a := range allowed {
		if reflect.DeepEqual(a, value) {
			return
		}
		if fa, ok := toFloat(a); ok {
			if fv, ok := toFloat(value); ok && fa == fv {
				return
			}
		}
	}
	v.fail(path, "value not in enum %v", allowed)
}

func (v *validator) object(schema map[string]any, obj map[string]any, path string) {
	if req, ok := schema["required"]; ok {
		if reqList, ok := req.([]any); ok {
			for _, r := range reqList {
				if field, ok := r.(string); ok {
					if _, exists := obj[field]; !exists {
						v.fail(path+"."+field, "missing required field")
					}
				}
			}
		}
	}

	propsMap := map[string]any{}
	if props, ok := schema["properties"]; ok {
		if pm, ok := props.(map[string]any); ok {
			propsMap = pm
		}
	}

	// Sorted so that errors come out in a stable order.
	fields := make([]string, 0, len(propsMap))
	for field := range propsMap {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		val, exists := obj[field]
		if !exists {
			continue
		}
		ps, ok := propsMap[field].(map[string]any)
		if !ok {
			continue
		}
		v.value(ps, val, path+"."+field)
	}

	if ap, ok := schema["additionalProperties"]; ok {
		if apBool, ok := ap.(bool); ok && !apBool {
			var extra []string
			for field := range obj {
				if _, defined := propsMap[field]; !defined {
					extra = append(extra, field)
				}
			}
			sort.Strings(extra)
			for _, field := range extra {
				v.fail(path+"."+field, "additional property not allowed")
			}
		}
	}
}

func (v *validator) array(schema map[string]any, arr []any, path string) {
	if n, ok := toFloat(schema["minItems"]); ok {
		if float64(len(arr)) < n {
			v.fail(path, "array length %d is less than minItems %v", len(arr), n)
		}
	}
	if n, ok := toFloat(schema["maxItems"]); ok {
		if float64(len(arr)) > n {
			v.fail(path, "array length %d is greater than maxItems %v", len(arr), n)
		}
	}
	if items, ok := schema["items"]; ok {
		if itemSchema, ok := items.(map[string]any); ok {
			for i, elem := range arr {
				v.value(itemSchema, elem, fmt.Sprintf("%s[%d]", path, i))
			}
		}
	}
}

func (v *validator) text(schema map[string]any, s string, path string) {
	if n, ok := toFloat(schema["minLength"]); ok {
		if float64(len(s)) < n {
			v.fail(path, "string length %d is less than minLength %v", len(s), n)
		}
	}
	if n, ok := toFloat(schema["maxLength"]); ok {
		if float64(len(s)) > n {
			v.fail(path, "string length %d is greater than maxLength %v", len(s), n)
		}
	}
}

func (v *validator) number(schema map[string]any, n float64, path string) {
	if lim, ok := toFloat(schema["minimum"]); ok && n < lim {
		v.fail(path, "%v is less than minimum %v", n, lim)
	}
	if lim, ok := toFloat(schema["maximum"]); ok && n > lim {
		v.fail(path, "%v is greater than maximum %v", n, lim)
	}
	if lim, ok := toFloat(schema["exclusiveMinimum"]); ok && n <= lim {
		v.fail(path, "%v is not greater than exclusiveMinimum %v", n, lim)
	}
	if lim, ok := toFloat(schema["exclusiveMaximum"]); ok && n >= lim {
		v.fail(path, "%v is not less than exclusiveMaximum %v", n, lim)
	}
}

func toFloat(v any) (float64, bool) {
	if v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
