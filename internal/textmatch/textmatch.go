// Package textmatch finds catalog keywords in lowercased message text.
//
// A keyword edge made of a Latin letter or digit only matches at a word
// boundary, so "rage" does not fire inside "courage" and "numb" does not
// fire inside "number". Scripts written without spaces, such as Han, match
// as plain substrings.
package textmatch

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsDigit(r) || unicode.In(r, unicode.Latin)
}

// Index returns the byte offset of the first match of kw in text, or -1.
func Index(text, kw string) int {
	return indexFrom(text, kw, 0)
}

// Contains reports whether kw matches anywhere in text.
func Contains(text, kw string) bool {
	return Index(text, kw) >= 0
}

// Count returns the number of non-overlapping matches of kw in text.
func Count(text, kw string) int {
	n := 0
	for i := indexFrom(text, kw, 0); i >= 0; i = indexFrom(text, kw, i+len(kw)) {
		n++
	}
	return n
}

// First returns the first keyword in keywords that matches text, or "".
func First(text string, keywords []string) string {
	for _, kw := range keywords {
		if Contains(text, kw) {
			return kw
		}
	}
	return ""
}

func indexFrom(text, kw string, offset int) int {
	if kw == "" {
		return -1
	}
	first, _ := utf8.DecodeRuneInString(kw)
	last, _ := utf8.DecodeLastRuneInString(kw)
	wordStart, wordEnd := isWordRune(first), isWordRune(last)

	for offset <= len(text) {
		i := strings.Index(text[offset:], kw)
		if i < 0 {
			return -1
		}
		start := offset + i
		end := start + len(kw)
		if (!wordStart || !wordBefore(text, start)) && (!wordEnd || !wordAfter(text, end)) {
			return start
		}
		_, size := utf8.DecodeRuneInString(text[start:])
		offset = start + size
	}
	return -1
}

func wordBefore(text string, i int) bool {
	if i == 0 {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return isWordRune(r)
}

func wordAfter(text string, i int) bool {
	if i >= len(text) {
		return false
	}
	r, _ := utf8.DecodeRuneInString(text[i:])
	return isWordRune(r)
}
