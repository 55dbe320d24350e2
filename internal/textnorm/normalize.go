// Package textnorm canonicalizes question text before embedding and storage.
package textnorm

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

var (
	// ErrTooShort is returned when trimmed text is below the minimum length.
	ErrTooShort = errors.New("text too short")
	// ErrTooLong is returned when trimmed text exceeds the maximum length.
	ErrTooLong = errors.New("text too long")
)

// Normalize lowercases text, folds diacritics, drops characters outside
// word characters, whitespace, extended Latin and basic punctuation, and
// collapses whitespace runs. It is total and idempotent.
func Normalize(text string) string {
	if text == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(text))

	space := false
	for _, r := range norm.NFD.String(strings.ToLower(text)) {
		if unicode.In(r, unicode.Mn) {
			continue
		}
		if unicode.IsSpace(r) {
			space = b.Len() > 0
			continue
		}
		if !allowed(r) {
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

func allowed(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		return true
	case r >= 0x00C0 && r <= 0x024F:
		return true
	}
	switch r {
	case '.', ',', '!', '?', '\'', '-':
		return true
	}
	return false
}

// Validate checks the trimmed rune length of text against [minLen, maxLen].
// maxLen <= 0 disables the upper bound.
func Validate(text string, minLen, maxLen int) error {
	n := utf8.RuneCountInString(strings.TrimSpace(text))
	if n < minLen {
		return ErrTooShort
	}
	if maxLen > 0 && n > maxLen {
		return ErrTooLong
	}
	return nil
}

// Truncate cuts text to at most maxRunes runes.
func Truncate(text string, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(text) <= maxRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxRunes])
}
