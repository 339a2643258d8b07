// Package typeutil provides safe accessors over the opaque maps that carry
// case data. Values may arrive from Go callers or from decoded JSON, so
// numeric accessors accept every numeric kind and numeric strings.
package typeutil

import (
	"strconv"
	"strings"
)

// AsString converts value to a string. Numbers and bools are not coerced.
func AsString(value any) (string, bool) {
	s, ok := value.(string)
	return s, ok
}

// AsInt converts value to an int. float64 values from JSON are truncated.
func AsInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case int32:
		return int(v), true
	case float64:
		return int(v), true
	case float32:
		return int(v), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(v))
		return i, err == nil
	default:
		return 0, false
	}
}

// AsFloat converts value to a float64.
func AsFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// AsBool converts value to a bool. Strings "true"/"yes"/"1" are true.
func AsBool(value any) (bool, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "1":
			return true, true
		case "false", "no", "0", "":
			return false, true
		}
	}
	return false, false
}

// AsStringSlice converts []string or []any of strings.
func AsStringSlice(value any) ([]string, bool) {
	switch v := value.(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

// AsMapSlice converts []map[string]any or []any of maps.
func AsMapSlice(value any) ([]map[string]any, bool) {
	switch v := value.(type) {
	case []map[string]any:
		return v, true
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, false
			}
			out = append(out, m)
		}
		return out, true
	default:
		return nil, false
	}
}

// Fields wraps a map for dotted-path lookups such as
// "facility_capacity.occupancy_percent".
type Fields map[string]any

// Lookup resolves a dotted path.
func (f Fields) Lookup(path string) (any, bool) {
	if f == nil {
		return nil, false
	}
	var current any = map[string]any(f)
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, current != nil
}

// Has reports whether path resolves to a non-nil value.
func (f Fields) Has(path string) bool {
	_, ok := f.Lookup(path)
	return ok
}

// String returns the string at path or def.
func (f Fields) String(path, def string) string {
	if v, ok := f.Lookup(path); ok {
		if s, ok := AsString(v); ok {
			return s
		}
	}
	return def
}

// Int returns the int at path or def.
func (f Fields) Int(path string, def int) int {
	if v, ok := f.Lookup(path); ok {
		if i, ok := AsInt(v); ok {
			return i
		}
	}
	return def
}

// Float returns the float64 at path or def.
func (f Fields) Float(path string, def float64) float64 {
	if v, ok := f.Lookup(path); ok {
		if x, ok := AsFloat(v); ok {
			return x
		}
	}
	return def
}

// Bool returns the bool at path or def.
func (f Fields) Bool(path string, def bool) bool {
	if v, ok := f.Lookup(path); ok {
		if b, ok := AsBool(v); ok {
			return b
		}
	}
	return def
}

// Map returns the nested map at path, or nil.
func (f Fields) Map(path string) map[string]any {
	if v, ok := f.Lookup(path); ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return nil
}

// Strings returns the string slice at path, or nil.
func (f Fields) Strings(path string) []string {
	if v, ok := f.Lookup(path); ok {
		if s, ok := AsStringSlice(v); ok {
			return s
		}
	}
	return nil
}
