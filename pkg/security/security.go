// Package security provides validation, sanitization, and limits for runs
// and task declarations.
package security

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/maintkit/maintkit/pkg/core"
)

// Limits
const (
	// MaxTaskNameLength is the maximum length for task names
	MaxTaskNameLength = 255

	// MinConcurrency and MaxConcurrency bound the declared concurrency
	// level of a partitionable task
	MinConcurrency = 2
	MaxConcurrency = 8

	// MaxErrorMessageLength is the column limit for stored error messages
	MaxErrorMessageLength = 4096

	// MaxErrorClassLength is the column limit for stored error classes
	MaxErrorClassLength = 255

	// MaxBacktraceLength is the column limit for stored backtraces
	MaxBacktraceLength = 1 << 14
)

// validTaskName matches alphanumeric, hyphens, underscores, and dots
var validTaskName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]*$`)

// ValidateTaskName validates a task name
func ValidateTaskName(name string) error {
	if name == "" {
		return core.ErrInvalidTaskName
	}
	if len(name) > MaxTaskNameLength {
		return core.ErrTaskNameTooLong
	}
	if !validTaskName.MatchString(name) {
		return core.ErrInvalidTaskName
	}
	return nil
}

// ValidateConcurrency checks a declared concurrency level against the
// allowed range.
func ValidateConcurrency(level int) error {
	if level < MinConcurrency || level > MaxConcurrency {
		return core.ErrInvalidConcurrency
	}
	return nil
}

// SanitizeErrorMessage strips control characters and truncates the message
// to its column limit.
func SanitizeErrorMessage(msg string) string {
	return sanitize(msg, MaxErrorMessageLength)
}

// SanitizeErrorClass truncates an error class name to its column limit.
func SanitizeErrorClass(class string) string {
	return sanitize(class, MaxErrorClassLength)
}

// SanitizeBacktrace truncates a backtrace to its column limit.
func SanitizeBacktrace(bt string) string {
	return sanitize(bt, MaxBacktraceLength)
}

func sanitize(msg string, limit int) string {
	if msg == "" {
		return ""
	}

	// Remove null bytes and control characters, keeping newlines and tabs
	var cleaned strings.Builder
	cleaned.Grow(len(msg))
	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			cleaned.WriteRune(r)
		}
	}

	result := cleaned.String()
	if utf8.RuneCountInString(result) > limit {
		runes := []rune(result)
		result = string(runes[:limit-3]) + "..."
	}
	return result
}
