// Package sanitize cleans user-submitted statement text before storage.
package sanitize

import (
	"errors"
	"regexp"
	"strings"
)

// MaxLen is the longest statement accepted, in runes.
const MaxLen = 500

var (
	// ErrEmpty signals the text was blank after cleaning.
	ErrEmpty = errors.New("sanitize: text is empty")
	// ErrTooLong signals the text exceeds MaxLen after cleaning.
	ErrTooLong = errors.New("sanitize: text exceeds maximum length")
)

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// Clean strips HTML tags, collapses surrounding whitespace, and validates
// length. The returned string is what gets stored.
func Clean(text string) (string, error) {
	cleaned := tagPattern.ReplaceAllString(text, "")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return "", ErrEmpty
	}
	if len([]rune(cleaned)) > MaxLen {
		return "", ErrTooLong
	}
	return cleaned, nil
}
