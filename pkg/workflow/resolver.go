package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// templatePattern matches ${path} and ${path.transform()} fragments.
var templatePattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// wholeTemplatePattern matches a string that is exactly one template.
var wholeTemplatePattern = regexp.MustCompile(`^\$\{([^}]+)\}$`)

// Resolve recursively renders ${...} placeholders in value against the
// variables map. Maps and slices are walked; strings are rewritten:
//
//  1. A string that is exactly one template returns the typed value the
//     path resolves to (object, array, number, string, null). An
//     unresolvable path preserves the literal template.
//  2. Any other string has each fragment substituted textually;
//     unresolved fragments remain literal.
//
// Paths use dot notation; the transforms toUpperCase() and toLowerCase()
// may suffix a path and force a string result.
func Resolve(value interface{}, vars map[string]interface{}) interface{} {
	switch v := value.(type) {
	case string:
		return ResolveString(v, vars)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			out[k] = Resolve(item, vars)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = Resolve(item, vars)
		}
		return out
	default:
		return value
	}
}

// ResolveString renders one string per the rules documented on Resolve.
func ResolveString(s string, vars map[string]interface{}) interface{} {
	if m := wholeTemplatePattern.FindStringSubmatch(s); m != nil {
		if val, ok := resolveExpr(m[1], vars); ok {
			return val
		}
		return s
	}

	return templatePattern.ReplaceAllStringFunc(s, func(frag string) string {
		expr := frag[2 : len(frag)-1]
		val, ok := resolveExpr(expr, vars)
		if !ok {
			return frag
		}
		return stringify(val)
	})
}

// ResolveConfig renders every value of a step config map.
func ResolveConfig(config map[string]interface{}, vars map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(config))
	for k, v := range config {
		out[k] = Resolve(v, vars)
	}
	return out
}

// resolveExpr resolves "path" or "path.transform()" to a value. The
// second return reports whether the path resolved.
func resolveExpr(expr string, vars map[string]interface{}) (interface{}, bool) {
	expr = strings.TrimSpace(expr)

	transform := ""
	if idx := strings.LastIndex(expr, "."); idx > 0 && strings.HasSuffix(expr, "()") {
		switch expr[idx+1:] {
		case "toUpperCase()", "toLowerCase()":
			transform = expr[idx+1 : len(expr)-2]
			expr = expr[:idx]
		}
	}

	val, ok := LookupPath(vars, expr)
	if !ok {
		return nil, false
	}

	switch transform {
	case "toUpperCase":
		return strings.ToUpper(stringify(val)), true
	case "toLowerCase":
		return strings.ToLower(stringify(val)), true
	default:
		return val, true
	}
}

// LookupPath walks a dot-notation path through nested maps (and slices,
// with numeric segments). Missing intermediate steps report not-found.
func LookupPath(vars map[string]interface{}, path string) (interface{}, bool) {
	segments := strings.Split(path, ".")
	var current interface{} = vars
	for _, seg := range segments {
		switch node := current.(type) {
		case map[string]interface{}:
			val, ok := node[seg]
			if !ok {
				return nil, false
			}
			current = val
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// stringify renders a resolved value for textual substitution. Scalars
// use their natural form; structured values are JSON-encoded.
func stringify(val interface{}) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case map[string]interface{}, []interface{}:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", v)
	}
}
