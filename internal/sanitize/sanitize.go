// Package sanitize redacts sensitive values from tool call parameters before
// they are written to the local buffer or shipped anywhere.
package sanitize

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"
)

// Redacted replaces the value of every sensitive key.
const Redacted = "[REDACTED]"

// MaxDepth bounds recursion into nested mappings. Deeper subtrees are redacted.
const MaxDepth = 32

//nolint:gochecknoglobals // fixed redaction list
var sensitiveSubstrings = []string{
	"password",
	"token",
	"secret",
	"apikey",
	"api_key",
	"authorization",
	"credential",
}

// IsSensitiveKey reports whether key case-insensitively contains one of the
// sensitive substrings.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// Sanitize returns a copy of params with every sensitive key's value replaced
// by Redacted, at any nesting depth, including maps inside slices. The input
// is not modified. A map that contains itself, or nesting beyond MaxDepth,
// is replaced by Redacted as a whole.
//
// Values of other composite types (named maps, typed nested maps, structs,
// pointers) are normalised through their JSON form before walking. A value
// that cannot be encoded is replaced by Redacted.
func Sanitize(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	w := walker{visiting: make(map[uintptr]struct{})}
	out, ok := w.mapping(params, 0)
	if !ok {
		return map[string]any{}
	}
	return out
}

type walker struct {
	// visiting holds the maps on the current path from the root.
	visiting map[uintptr]struct{}
}

func (w *walker) mapping(m map[string]any, depth int) (map[string]any, bool) {
	if depth >= MaxDepth {
		return nil, false
	}
	ptr := reflect.ValueOf(m).Pointer()
	if _, seen := w.visiting[ptr]; seen {
		return nil, false
	}
	w.visiting[ptr] = struct{}{}
	defer delete(w.visiting, ptr)

	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = w.value(v, depth+1)
	}
	return out, true
}

func (w *walker) value(v any, depth int) any {
	switch val := v.(type) {
	case map[string]any:
		out, ok := w.mapping(val, depth)
		if !ok {
			return Redacted
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, s := range val {
			if IsSensitiveKey(k) {
				s = Redacted
			}
			out[k] = s
		}
		return out
	case []any:
		if depth >= MaxDepth {
			return Redacted
		}
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = w.value(item, depth+1)
		}
		return out
	case []map[string]any:
		if depth >= MaxDepth {
			return Redacted
		}
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = w.value(item, depth+1)
		}
		return out
	default:
		if isScalar(v) {
			return v
		}
		generic, ok := normalise(v)
		if !ok {
			return Redacted
		}
		return w.value(generic, depth)
	}
}

func isScalar(v any) bool {
	if v == nil {
		return true
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}

// normalise converts v into the generic shapes produced by encoding/json
// (map[string]any, []any and scalars). Numbers decode as json.Number so
// large integers keep their value.
func normalise(v any) (any, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, false
	}
	return out, true
}
