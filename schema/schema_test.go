package schema_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevemurr/record-storage/schema"
)

func object(props map[string]any, extra ...any) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	for i := 0; i+1 < len(extra); i += 2 {
		s[extra[i].(string)] = extra[i+1]
	}
	return s
}

func TestValidateNilSchema(t *testing.T) {
	assert.NoError(t, schema.Validate(nil, map[string]any{"anything": "goes"}))
}

func TestValidate(t *testing.T) {
	code := object(map[string]any{
		"code": map[string]any{"type": "string", "minLength": float64(2), "maxLength": float64(5)},
	})
	score := object(map[string]any{
		"score": map[string]any{"type": "number", "minimum": float64(0), "maximum": float64(100)},
	})
	role := object(map[string]any{
		"role": map[string]any{"type": "string", "enum": []any{"admin", "user", "guest"}},
	})
	tags := object(map[string]any{
		"tags": map[string]any{
			"type":     "array",
			"items":    map[string]any{"type": "string"},
			"minItems": float64(1),
			"maxItems": float64(3),
		},
	})
	address := object(map[string]any{
		"address": object(map[string]any{
			"city": map[string]any{"type": "string"},
			"zip":  map[string]any{"type": "string"},
		}, "required", []any{"city"}),
	})
	count := object(map[string]any{"count": map[string]any{"type": "integer"}})
	closed := object(map[string]any{"name": map[string]any{"type": "string"}}, "additionalProperties", false)
	people := object(map[string]any{
		"name": map[string]any{"type": "string"},
		"age":  map[string]any{"type": "number"},
	}, "required", []any{"name", "age"})

	tests := []struct {
		name   string
		schema map[string]any
		doc    map[string]any
		want   []string
	}{
		{"empty object", map[string]any{"type": "object"}, map[string]any{}, nil},
		{"required present", people, map[string]any{"name": "Alice", "age": float64(30)}, nil},
		{"required missing", people, map[string]any{"name": "Alice"}, []string{"$.age"}},
		{"wrong type", people, map[string]any{"name": float64(123), "age": float64(1)}, []string{"$.name"}},
		{"additional property", closed, map[string]any{"name": "ok", "extra": "bad"}, []string{"$.extra"}},
		{"no additional property", closed, map[string]any{"name": "ok"}, nil},
		{"string too short", code, map[string]any{"code": "A"}, []string{"$.code"}},
		{"string too long", code, map[string]any{"code": "ABCDEF"}, []string{"$.code"}},
		{"string fits", code, map[string]any{"code": "ABC"}, nil},
		{"below minimum", score, map[string]any{"score": float64(-1)}, []string{"$.score"}},
		{"above maximum", score, map[string]any{"score": float64(101)}, []string{"$.score"}},
		{"in range", score, map[string]any{"score": float64(50)}, nil},
		{"in range int", score, map[string]any{"score": 50}, nil},
		{"enum member", role, map[string]any{"role": "admin"}, nil},
		{"enum outsider", role, map[string]any{"role": "superadmin"}, []string{"$.role"}},
		{"empty array", tags, map[string]any{"tags": []any{}}, []string{"$.tags"}},
		{"too many items", tags, map[string]any{"tags": []any{"a", "b", "c", "d"}}, []string{"$.tags"}},
		{"wrong item type", tags, map[string]any{"tags": []any{"a", float64(1)}}, []string{"$.tags[1]"}},
		{"array fits", tags, map[string]any{"tags": []any{"go", "rust"}}, nil},
		{"nested required", address, map[string]any{"address": map[string]any{"zip": "12345"}}, []string{"$.address.city"}},
		{"nested valid", address, map[string]any{"address": map[string]any{"city": "NY", "zip": "10001"}}, nil},
		{"whole float is integer", count, map[string]any{"count": float64(5)}, nil},
		{"fraction is not integer", count, map[string]any{"count": 5.5}, []string{"$.count"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := schema.Validate(tc.schema, tc.doc)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			var verr *schema.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.want, verr.Paths())
		})
	}
}

func TestValidateReportsEveryField(t *testing.T) {
	s := object(map[string]any{
		"name": map[string]any{"type": "string", "minLength": 2},
		"age":  map[string]any{"type": "integer", "minimum": 0},
		"tags": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	}, "required", []any{"email"}, "additionalProperties", false)

	err := schema.Validate(s, map[string]any{
		"name":  "x",
		"age":   -3,
		"tags":  []any{"ok", true},
		"extra": 1,
	})
	var verr *schema.ValidationError
	require.ErrorAs(t, err, &verr)

	assert.Equal(t, []string{"$.email", "$.age", "$.name", "$.tags[1]", "$.extra"}, verr.Paths())
	assert.Contains(t, err.Error(), `$.tags[1]: expected type "string", got "boolean"`)
	require.Len(t, verr.Fields(), 5)
	assert.Equal(t, "$.email", verr.Fields()[0].Path)
}

func TestValidateWrongTypeStopsDescent(t *testing.T) {
	s := map[string]any{"type": "object", "required": []any{"a"}}
	require.NoError(t, schema.Validate(s, map[string]any{"a": 1}))

	nested := object(map[string]any{
		"address": map[string]any{"type": "object", "required": []any{"city"}},
	})
	err := schema.Validate(nested, map[string]any{"address": "nowhere"})
	var verr *schema.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"$.address"}, verr.Paths())
}
