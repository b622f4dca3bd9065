package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns match secret-bearing fragments in log lines, audit reasons
// and error strings. The last group of each pattern is the secret; earlier
// groups are kept.
var secretPatterns = []*regexp.Regexp{
	// JSON fields: "token":"...", "password":"...", "signature":"..."
	regexp.MustCompile(`(?i)("(?:token|password|signature|password_hash)"\s*:\s*")([^"]+)`),
	// key=value and key: value forms.
	regexp.MustCompile(`(?i)\b((?:auth[_-]?)?token|password|passwd|secret|api[_-]?key)(\s*[:=]\s*"?)([A-Za-z0-9_\-./+=$]{8,})`),
	// Authorization headers.
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
}

// Redact replaces secret values in input with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			sub := pat.FindStringSubmatch(match)
			if len(sub) < 3 {
				return redactedPlaceholder
			}
			return strings.Join(sub[1:len(sub)-1], "") + redactedPlaceholder
		})
	}
	return result
}

// RedactEnvValue hides value when key looks like it names a secret.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	for _, sensitive := range []string{"api_key", "apikey", "secret", "token", "password", "credential"} {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return value
}
