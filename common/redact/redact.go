// Package redact strips secrets from values that leave the process: log
// lines, `mnemos config show` output, and error messages from the embedding
// provider.
//
// Redaction is best-effort. It is not a substitute for keeping secrets out of
// log call-sites in the first place.
package redact

import (
	"strings"
)

const placeholder = "[REDACTED]"

// String replaces every occurrence of each sensitive value in s with
// [REDACTED]. Values shorter than 4 characters are skipped to avoid spurious
// redaction of common substrings.
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Settings returns a deep copy of a nested settings map (as produced by
// viper.AllSettings) with every non-empty string value under a sensitive key
// replaced by [REDACTED].
func Settings(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			out[k] = Settings(val)
		case string:
			if val != "" && isSensitiveKey(k) {
				out[k] = placeholder
				continue
			}
			out[k] = val
		default:
			out[k] = v
		}
	}
	return out
}

// isSensitiveKey reports whether a key name suggests it holds a secret. Keys
// ending in "_env" hold the *name* of an environment variable and are left
// visible.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	if strings.HasSuffix(lower, "_env") {
		return false
	}
	for _, word := range []string{"password", "passwd", "token", "secret", "key", "credential", "auth", "apikey"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
