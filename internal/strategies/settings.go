// Package strategies ships the built-in monitoring strategies. Each one is
// deliberately thin: fetch through the bridge, detect, emit through the
// handle. Detection logic stays replaceable without touching the engine.
package strategies

import (
	"strings"
)

// Minion settings arrive as a decoded JSON object, so numbers are float64
// and lists are []any. These helpers normalize without panicking on type
// drift; a missing or mistyped key yields the fallback.

func settingString(m map[string]any, key, fallback string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func settingBool(m map[string]any, key string, fallback bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return fallback
}

func settingInt(m map[string]any, key string, fallback int) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return fallback
}

func settingFloat(m map[string]any, key string, fallback float64) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return fallback
}

func settingStrings(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		// Allow a single comma-separated string too.
		if s, ok := m[key].(string); ok && s != "" {
			parts := strings.Split(s, ",")
			out := make([]string, 0, len(parts))
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			return out
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
