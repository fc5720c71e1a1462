package workflow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var interpolation = regexp.MustCompile(`\$\{([^}]+)\}`)

// Lookup walks a dotted path through nested maps and lists. Numeric segments
// index into lists.
func Lookup(state map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = state
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []interface{}:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		case []string:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Resolve substitutes state references in v. A string that is exactly
// "$path" is replaced by the referenced value, keeping its type; "${path}"
// inside a longer string is interpolated as text. Maps and lists are resolved
// recursively. Unknown references are errors.
func Resolve(v interface{}, state map[string]interface{}) (interface{}, error) {
	switch t := v.(type) {
	case string:
		return resolveString(t, state)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			r, err := Resolve(e, state)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			r, err := Resolve(e, state)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}
	return v, nil
}

// ResolveParams resolves every value in params.
func ResolveParams(params, state map[string]interface{}) (map[string]interface{}, error) {
	if params == nil {
		return map[string]interface{}{}, nil
	}
	out, err := Resolve(params, state)
	if err != nil {
		return nil, err
	}
	return out.(map[string]interface{}), nil
}

func isReference(s string) bool {
	return len(s) > 1 && s[0] == '$' && s[1] != '{' && !strings.ContainsAny(s, " \t")
}

func resolveString(s string, state map[string]interface{}) (interface{}, error) {
	if isReference(s) {
		v, ok := Lookup(state, s[1:])
		if !ok {
			return nil, fmt.Errorf("unresolved reference %s", s)
		}
		return copyValue(v), nil
	}
	if !strings.Contains(s, "${") {
		return s, nil
	}
	var missing []string
	out := interpolation.ReplaceAllStringFunc(s, func(m string) string {
		path := strings.TrimSpace(m[2 : len(m)-1])
		v, ok := Lookup(state, path)
		if !ok {
			missing = append(missing, path)
			return m
		}
		if v == nil {
			return ""
		}
		return fmt.Sprint(v)
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("unresolved reference ${%s} in %q", missing[0], s)
	}
	return out, nil
}

// EvalCondition evaluates "$path" or "!$path" against state. Missing paths
// are false. Any other non-empty text is parsed as a boolean.
func EvalCondition(cond string, state map[string]interface{}) (bool, error) {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return true, nil
	}
	negate := false
	if strings.HasPrefix(cond, "!") {
		negate = true
		cond = strings.TrimSpace(cond[1:])
	}
	var result bool
	if isReference(cond) {
		v, ok := Lookup(state, cond[1:])
		result = ok && truthy(v)
	} else {
		b, err := strconv.ParseBool(cond)
		if err != nil {
			return false, fmt.Errorf("invalid condition %q", cond)
		}
		result = b
	}
	if negate {
		return !result, nil
	}
	return result, nil
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "0"
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case map[string]interface{}:
		return len(t) > 0
	case []interface{}:
		return len(t) > 0
	case []string:
		return len(t) > 0
	}
	return true
}
