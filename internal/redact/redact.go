// Package redact masks sensitive values before payloads leave the process.
package redact

import "strings"

// DefaultKeys are the keys always redacted.
var DefaultKeys = []string{
	"email", "phone", "name", "password", "secret",
	"token", "api_key", "private_key", "mnemonic", "seed_phrase",
}

// MaskValue replaces a value with "***". Numbers and bools are preserved.
func MaskValue(v any) any {
	switch v.(type) {
	case int, int64, float64, bool:
		return v
	case nil:
		return nil
	default:
		return "***"
	}
}

// Map returns a copy of data with the given keys masked and remaining
// string values scrubbed by Text. Nested maps and slices are walked.
func Map(data map[string]any, keys []string) map[string]any {
	if data == nil {
		return nil
	}
	keySet := make(map[string]bool, len(keys))
	for _, k := range keys {
		keySet[strings.ToLower(k)] = true
	}
	return redactMap(data, keySet)
}

// Auto redacts DefaultKeys plus any extra keys.
func Auto(data map[string]any, extraKeys []string) map[string]any {
	keys := append([]string{}, DefaultKeys...)
	keys = append(keys, extraKeys...)
	return Map(data, keys)
}

func redactMap(data map[string]any, keySet map[string]bool) map[string]any {
	result := make(map[string]any, len(data))
	for k, v := range data {
		if keySet[strings.ToLower(k)] {
			result[k] = MaskValue(v)
			continue
		}
		result[k] = redactValue(v, keySet)
	}
	return result
}

func redactValue(v any, keySet map[string]bool) any {
	switch t := v.(type) {
	case string:
		return Text(t)
	case map[string]any:
		return redactMap(t, keySet)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactValue(e, keySet)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, e := range t {
			out[i] = Text(e)
		}
		return out
	default:
		return v
	}
}
