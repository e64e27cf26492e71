package api

import (
	"path/filepath"
	"regexp"
	"strings"
)

var (
	filePathPattern      = regexp.MustCompile(`(/[a-zA-Z0-9_\-.]+){2,}`)
	ipPattern            = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	internalErrorPattern = regexp.MustCompile(`(?i)(clickhouse|redis|dial tcp|sql:|password=|secret=|token=|api[_-]?key=)`)
)

// sanitizeError turns an internal error into a message safe to return to
// API clients: backend details collapse to a generic message, file paths
// keep only their base name and IP addresses lose their host octets.
func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	s := err.Error()

	if internalErrorPattern.MatchString(s) {
		return "backend operation failed"
	}
	if strings.Contains(s, "goroutine") || strings.Count(s, "\n") > 3 {
		return "internal server error"
	}

	s = filePathPattern.ReplaceAllStringFunc(s, filepath.Base)
	s = ipPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := strings.Split(match, ".")
		return parts[0] + "." + parts[1] + ".x.x"
	})
	return s
}
