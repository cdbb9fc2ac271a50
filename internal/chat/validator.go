package chat

import (
	"strings"
	"unicode/utf8"
)

// MaxTextChars is the longest accepted message, counted in characters after
// trimming surrounding whitespace.
const MaxTextChars = 200

// ValidateText trims text and checks it is non-empty and within
// MaxTextChars. It returns the trimmed text, or the Rejection explaining why
// it was refused.
func ValidateText(text string) (string, *Rejection) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", &RejectEmpty
	}
	if !utf8.ValidString(trimmed) {
		return "", &RejectInvalid
	}
	if utf8.RuneCountInString(trimmed) > MaxTextChars {
		return "", &RejectTooLong
	}
	return trimmed, nil
}
