package binding

import (
	"regexp"
	"strings"
)

// Loose mentions are a UI hint only. They never feed binding persistence and
// never reach card or fact storage.

var (
	// cjkNameSeq matches 2-4 ideographs, the usual shape of a Chinese name.
	cjkNameSeq = regexp.MustCompile(`[\x{4E00}-\x{9FFF}]{2,4}`)

	// latinName matches capitalized Latin words, optionally joined.
	latinName = regexp.MustCompile(`[A-Z][a-z]+(?:[ ·][A-Z][a-z]+)?`)

	// mentionStopwords are frequent non-name sequences the regexes catch.
	mentionStopwords = map[string]bool{
		"他们": true, "她们": true, "我们": true, "你们": true, "自己": true,
		"这里": true, "那里": true, "现在": true, "今天": true, "明天": true,
		"时候": true, "什么": true, "这个": true, "那个": true, "没有": true,
		"知道": true, "看着": true, "说道": true, "一个": true, "一些": true,
		"The": true, "This": true, "That": true, "Then": true,
	}
)

// ExtractLooseMentions scans text for name-looking sequences, deduped in
// order of first appearance, capped at limit.
func ExtractLooseMentions(text string, limit int) []string {
	if limit <= 0 {
		limit = 20
	}
	var out []string
	seen := make(map[string]bool)
	add := func(m string) {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] || mentionStopwords[m] || genericNames[strings.ToLower(m)] {
			return
		}
		seen[m] = true
		if len(out) < limit {
			out = append(out, m)
		}
	}
	for _, m := range cjkNameSeq.FindAllString(text, -1) {
		add(m)
	}
	for _, m := range latinName.FindAllString(text, -1) {
		add(m)
	}
	return out
}
