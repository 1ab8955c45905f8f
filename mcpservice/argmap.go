package mcpservice

import (
	"regexp"
	"strconv"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// resolveArgMappings applies the tool-level argMappings template against the
// caller arguments, the call context and the process environment, in that
// precedence order. Unresolvable placeholders become the empty string.
// Non-string leaves pass through untouched; nested maps resolve recursively.
func resolveArgMappings(mappings map[string]any, args map[string]any, callCtx map[string]string, env func(string) string) map[string]any {
	if len(mappings) == 0 {
		return nil
	}
	out := make(map[string]any, len(mappings))
	for k, v := range mappings {
		out[k] = resolveValue(v, args, callCtx, env)
	}
	return out
}

func resolveValue(v any, args map[string]any, callCtx map[string]string, env func(string) string) any {
	switch tv := v.(type) {
	case string:
		return placeholderPattern.ReplaceAllStringFunc(tv, func(match string) string {
			field := placeholderPattern.FindStringSubmatch(match)[1]
			return lookupField(field, args, callCtx, env)
		})
	case map[string]any:
		nested := make(map[string]any, len(tv))
		for k, nv := range tv {
			nested[k] = resolveValue(nv, args, callCtx, env)
		}
		return nested
	case []any:
		resolved := make([]any, len(tv))
		for i, nv := range tv {
			resolved[i] = resolveValue(nv, args, callCtx, env)
		}
		return resolved
	default:
		return v
	}
}

func lookupField(field string, args map[string]any, callCtx map[string]string, env func(string) string) string {
	if v, ok := args[field]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return stringify(v)
	}
	if v, ok := callCtx[field]; ok {
		return v
	}
	if env != nil {
		if v := env(field); v != "" {
			return v
		}
	}
	return ""
}

func stringify(v any) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case float64:
		// JSON numbers decode as float64; render integers without the
		// trailing fraction.
		if tv == float64(int64(tv)) {
			return strconv.FormatInt(int64(tv), 10)
		}
		return strconv.FormatFloat(tv, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(tv)
	default:
		return ""
	}
}

// mergeArgs shallow-merges the resolved mapping under the caller arguments.
// Caller-supplied keys win on conflict.
func mergeArgs(resolved map[string]any, args map[string]any) map[string]any {
	if len(resolved) == 0 && len(args) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(resolved)+len(args))
	for k, v := range resolved {
		out[k] = v
	}
	for k, v := range args {
		out[k] = v
	}
	return out
}
