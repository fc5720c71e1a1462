package plugin

import (
	"fmt"
	"strconv"
	"time"
)

// Params wraps an action's parameter map with typed accessors.
type Params map[string]interface{}

// String returns a required string parameter.
func (p Params) String(key string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", fmt.Errorf("%w: %q is required", ErrInvalidParam, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %q must be a string, got %T", ErrInvalidParam, key, v)
	}
	return s, nil
}

// StringOr returns a string parameter or def when absent.
func (p Params) StringOr(key, def string) string {
	if s, ok := p[key].(string); ok && s != "" {
		return s
	}
	return def
}

// Float returns a numeric parameter, accepting any JSON/YAML number form.
func (p Params) Float(key string) (float64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return 0, fmt.Errorf("%w: %q is required", ErrInvalidParam, key)
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, fmt.Errorf("%w: %q must be a number, got %T", ErrInvalidParam, key, v)
	}
	return f, nil
}

// FloatOr returns a numeric parameter or def when absent or malformed.
func (p Params) FloatOr(key string, def float64) float64 {
	if f, ok := toFloat(p[key]); ok {
		return f
	}
	return def
}

// IntOr returns an integer parameter or def.
func (p Params) IntOr(key string, def int) int {
	if f, ok := toFloat(p[key]); ok {
		return int(f)
	}
	return def
}

// BoolOr returns a boolean parameter or def.
func (p Params) BoolOr(key string, def bool) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// DurationOr reads a duration given either as seconds (number) or as a Go duration string.
func (p Params) DurationOr(key string, def time.Duration) time.Duration {
	switch v := p[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	default:
		if f, ok := toFloat(v); ok {
			return time.Duration(f * float64(time.Second))
		}
	}
	return def
}

// Map returns a nested map parameter, or nil.
func (p Params) Map(key string) map[string]interface{} {
	m, _ := p[key].(map[string]interface{})
	return m
}

// Strings returns a list-of-strings parameter. Non-string elements are skipped.
func (p Params) Strings(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
