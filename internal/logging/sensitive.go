// Package logging builds the process logger and masks secrets before they
// reach it.
package logging

import (
	"net/url"
	"regexp"
	"strings"
)

// SensitiveFields contains field names that should be masked in logs.
var SensitiveFields = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"access_token":  true,
	"private_key":   true,
	"credentials":   true,
	"authorization": true,
	"bearer":        true,
	"sasl_password": true,
	"bot_token":     true,
	"webhook_url":   true,
	"webhook":       true,
	"rpc_url":       true,
}

// MaskedValue is the string used to replace sensitive values.
const MaskedValue = "[REDACTED]"

// IsSensitiveField reports whether a field name names a secret, either
// exactly or by containing a sensitive keyword.
func IsSensitiveField(fieldName string) bool {
	lowerField := strings.ToLower(fieldName)
	if SensitiveFields[lowerField] {
		return true
	}
	for sensitive := range SensitiveFields {
		if strings.Contains(lowerField, sensitive) {
			return true
		}
	}
	return false
}

// MaskSensitiveValue masks a value if the field name is sensitive.
func MaskSensitiveValue(fieldName, value string) string {
	if value == "" || !IsSensitiveField(fieldName) {
		return value
	}
	return MaskedValue
}

// MaskString masks the middle of s, keeping showFirst and showLast characters.
func MaskString(s string, showFirst, showLast int) string {
	if s == "" {
		return s
	}
	length := len(s)
	if length <= showFirst+showLast+3 {
		return MaskedValue
	}
	return s[:showFirst] + "***" + s[length-showLast:]
}

// MaskAPIKey masks an API key, showing only the first and last 4 characters.
func MaskAPIKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return MaskedValue
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// MaskURL keeps the scheme and host of a URL and drops everything that may
// carry a credential: userinfo, path, query and fragment. Webhook and RPC
// endpoints put their tokens in exactly those places.
func MaskURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return MaskedValue
	}
	masked := u.Scheme + "://" + u.Host
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" {
		masked += "/" + MaskedValue
	}
	return masked
}

// SensitivePatterns contains regex patterns for sensitive data in raw strings.
var SensitivePatterns = []*regexp.Regexp{
	// key=value and key: value pairs
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|auth)['":\s]*[=:]\s*['"]?([a-zA-Z0-9_\-\.]+)['"]?`),
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.]+`),
	regexp.MustCompile(`(?i)basic\s+[a-zA-Z0-9+/=]+`),
	// OpenAI style secret keys
	regexp.MustCompile(`sk-[a-zA-Z0-9_\-]{16,}`),
	// Telegram bot tokens in API paths
	regexp.MustCompile(`bot[0-9]{6,}:[a-zA-Z0-9_\-]{20,}`),
}

// MaskSensitivePatterns masks sensitive patterns in a raw string.
func MaskSensitivePatterns(s string) string {
	result := s
	for _, pattern := range SensitivePatterns {
		result = pattern.ReplaceAllString(result, MaskedValue)
	}
	return result
}

// SafeLogValue returns a safe-to-log version of a value based on field name.
func SafeLogValue(fieldName string, value any) any {
	if value == nil {
		return nil
	}
	if !IsSensitiveField(fieldName) {
		return value
	}
	if v, ok := value.([]string); ok {
		masked := make([]string, len(v))
		for i := range v {
			masked[i] = MaskedValue
		}
		return masked
	}
	return MaskedValue
}
