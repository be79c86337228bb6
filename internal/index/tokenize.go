// Package index maintains the five BM25 evidence indices (facts, summaries,
// cards, memory, text chunks) and answers ranked multi-query retrieval with
// per-type quotas.
package index

import (
	"strings"
	"unicode"
)

// isCJK reports whether r is in the common CJK unified ideograph range.
func isCJK(r rune) bool {
	return r >= 0x4E00 && r <= 0x9FFF
}

// Tokenize produces the deduplicated term set for text: lowercase ASCII
// alphanumeric words are kept whole; CJK runs emit 2-grams and 3-grams (a
// lone ideograph emits itself).
func Tokenize(text string) []string {
	var terms []string
	seen := make(map[string]bool)
	add := func(t string) {
		if t != "" && !seen[t] {
			seen[t] = true
			terms = append(terms, t)
		}
	}

	var ascii []rune
	var cjk []rune
	flushASCII := func() {
		if len(ascii) > 0 {
			add(strings.ToLower(string(ascii)))
			ascii = ascii[:0]
		}
	}
	flushCJK := func() {
		if len(cjk) == 1 {
			add(string(cjk))
		}
		for n := 2; n <= 3; n++ {
			for i := 0; i+n <= len(cjk); i++ {
				add(string(cjk[i : i+n]))
			}
		}
		cjk = cjk[:0]
	}

	for _, r := range text {
		switch {
		case isCJK(r):
			flushASCII()
			cjk = append(cjk, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushCJK()
			ascii = append(ascii, r)
		default:
			flushASCII()
			flushCJK()
		}
	}
	flushASCII()
	flushCJK()
	return terms
}

// TokenizeAll unions the term sets of several queries.
func TokenizeAll(queries []string) []string {
	var terms []string
	seen := make(map[string]bool)
	for _, q := range queries {
		for _, t := range Tokenize(q) {
			if !seen[t] {
				seen[t] = true
				terms = append(terms, t)
			}
		}
	}
	return terms
}

// DocLen counts the token occurrences of text (not deduplicated), which is
// the document length BM25 normalizes by.
func DocLen(text string) int {
	return len(tokenizeCounts(text))
}

// tokenizeCounts returns every token occurrence in order, duplicates kept.
func tokenizeCounts(text string) []string {
	var tokens []string
	var ascii []rune
	var cjk []rune
	flushASCII := func() {
		if len(ascii) > 0 {
			tokens = append(tokens, strings.ToLower(string(ascii)))
			ascii = ascii[:0]
		}
	}
	flushCJK := func() {
		if len(cjk) == 1 {
			tokens = append(tokens, string(cjk))
		}
		for n := 2; n <= 3; n++ {
			for i := 0; i+n <= len(cjk); i++ {
				tokens = append(tokens, string(cjk[i:i+n]))
			}
		}
		cjk = cjk[:0]
	}
	for _, r := range text {
		switch {
		case isCJK(r):
			flushASCII()
			cjk = append(cjk, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushCJK()
			ascii = append(ascii, r)
		default:
			flushASCII()
			flushCJK()
		}
	}
	flushASCII()
	flushCJK()
	return tokens
}

// TermFreq counts token occurrences in text.
func TermFreq(text string) map[string]int {
	freq := make(map[string]int)
	for _, tok := range tokenizeCounts(text) {
		freq[tok]++
	}
	return freq
}
