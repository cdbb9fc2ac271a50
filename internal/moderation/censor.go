package moderation

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// BannedTerms is the fixed list of masked terms, applied in order.
// Matching is case-insensitive and substring-based, so "ass" also masks
// the start of "assassin".
var BannedTerms = []string{
	"fuck",
	"shit",
	"bitch",
	"cunt",
	"bastard",
	"dick",
	"wanker",
	"twat",
	"ass",
}

// censorPatterns holds one compiled pattern per BannedTerms entry, in the
// same order. Compiled once at init; regexp is safe for concurrent use.
var censorPatterns = compileTerms(BannedTerms)

func compileTerms(terms []string) []*regexp.Regexp {
	patterns := make([]*regexp.Regexp, 0, len(terms))
	for _, term := range terms {
		if term == "" {
			continue
		}
		patterns = append(patterns, regexp.MustCompile(`(?i)`+regexp.QuoteMeta(term)))
	}
	return patterns
}

// Censor replaces every case-insensitive occurrence of a banned term with
// asterisks of the same length. Each term runs against the output of the
// previous one.
func Censor(text string) string {
	return censorWith(censorPatterns, text)
}

func censorWith(patterns []*regexp.Regexp, text string) string {
	if text == "" {
		return text
	}
	for _, p := range patterns {
		text = p.ReplaceAllStringFunc(text, mask)
	}
	return text
}

func mask(match string) string {
	return strings.Repeat("*", utf8.RuneCountInString(match))
}
