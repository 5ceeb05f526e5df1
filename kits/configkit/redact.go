package configkit

import (
	"fmt"
	"strings"
)

// Mask replaces redacted values.
const Mask = "***"

var secretWords = []string{"password", "secret", "token", "apikey", "api_key", "dsn", "cookie", "bearer", "credential"}

// Redact returns a copy of a decoded YAML value with secret-looking keys
// masked and map keys normalised as in Normalize.
func Redact(v any) any { return walk(v, true) }

// Normalize returns a copy of a decoded YAML value with every map keyed by
// string, so it marshals cleanly to JSON as well as YAML.
func Normalize(v any) any { return walk(v, false) }

func walk(v any, mask bool) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			walkEntry(out, fmt.Sprint(k), val, mask)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			walkEntry(out, k, val, mask)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = walk(val, mask)
		}
		return out
	default:
		return t
	}
}

func walkEntry(out map[string]any, k string, v any, mask bool) {
	if mask && IsSecretKey(k) {
		out[k] = Mask
		return
	}
	out[k] = walk(v, mask)
}

// IsSecretKey reports whether a config key likely holds a credential.
func IsSecretKey(k string) bool {
	low := strings.ToLower(k)
	for _, w := range secretWords {
		if strings.Contains(low, w) {
			return true
		}
	}
	return false
}
