package contexteng

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
)

// LLM is the minimal completion surface the context engine needs. A nil LLM
// degrades every model-backed step to its rule fallback.
type LLM interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

const (
	maxLineChars     = 200
	minKeptLines     = 3
	headShare        = 0.30
	middleShare      = 0.40
	tailShare        = 0.30
	queryOverlapStep = 0.1
	queryOverlapCap  = 0.3
)

// keywordPatterns mark sentences carrying domain-significant content. The
// set is configuration, not canon; these defaults favor plot-bearing prose.
var keywordPatterns = []string{
	"必须", "禁止", "不得", "决定", "发现", "死", "杀", "约定", "秘密",
	"身份", "真相", "背叛", "誓言", "规则", "危险",
}

var paragraphMarkers = []string{"第", "章", "##", "—", "【"}

// Compressor shrinks text by rule, model or the structural smart strategy.
type Compressor struct {
	llm    LLM
	logger *slog.Logger
}

// NewCompressor creates a compressor; llm may be nil.
func NewCompressor(llm LLM, logger *slog.Logger) *Compressor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compressor{llm: llm, logger: logger.With("component", "compressor")}
}

// RuleBasedCompress drops blank lines, truncates long lines to 200 chars and
// keeps the first ceil(N*ratio) lines, at least 3.
func RuleBasedCompress(text string, ratio float64) string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, " \t")
		if strings.TrimSpace(line) == "" {
			continue
		}
		runes := []rune(line)
		if len(runes) > maxLineChars {
			line = string(runes[:maxLineChars]) + "…"
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return ""
	}
	keep := int(math.Ceil(float64(len(lines)) * ratio))
	if keep < minKeptLines {
		keep = minKeptLines
	}
	if keep > len(lines) {
		keep = len(lines)
	}
	return strings.Join(lines[:keep], "\n")
}

// LLMCompress asks the model to compress text to roughly targetTokens,
// preserving preserveType content (facts, narrative or mixed). Model failure
// falls back to rule-based compression at the equivalent ratio.
func (c *Compressor) LLMCompress(ctx context.Context, text string, targetTokens int, preserveType string) string {
	current := EstimateTokens(text)
	if current <= targetTokens {
		return text
	}
	if c.llm != nil {
		prompt := fmt.Sprintf(
			"请将以下内容压缩到约%d个token以内，优先保留%s信息，不要添加任何新内容。\n\n%s",
			targetTokens, preserveLabel(preserveType), text)
		if out, err := c.llm.Complete(ctx, prompt); err == nil && strings.TrimSpace(out) != "" {
			return strings.TrimSpace(out)
		} else if err != nil {
			c.logger.Warn("llm compression failed, falling back to rules", "error", err)
		}
	}
	ratio := float64(targetTokens) / float64(current)
	return RuleBasedCompress(text, ratio)
}

func preserveLabel(preserveType string) string {
	switch preserveType {
	case "facts":
		return "事实类"
	case "narrative":
		return "叙事类"
	default:
		return "事实与叙事"
	}
}

// SmartStats reports what the smart compressor did.
type SmartStats struct {
	OriginalChars   int     `json:"original_chars"`
	CompressedChars int     `json:"compressed_chars"`
	Sentences       int     `json:"sentences"`
	Kept            int     `json:"kept"`
	Ratio           float64 `json:"ratio"`
}

// SmartCompress keeps the most informative sentences within targetRatio of
// the original length, allocated 30% head, 40% middle, 30% tail, emitted in
// original order with gap markers between non-adjacent runs.
func (c *Compressor) SmartCompress(content string, targetRatio float64, query string) (string, SmartStats) {
	sentences := splitSentences(content)
	stats := SmartStats{OriginalChars: len([]rune(content)), Sentences: len(sentences)}
	if len(sentences) == 0 || targetRatio >= 1 {
		stats.CompressedChars = stats.OriginalChars
		stats.Kept = len(sentences)
		stats.Ratio = 1
		return content, stats
	}

	queryTerms := strings.Fields(strings.ToLower(query))
	scores := make([]float64, len(sentences))
	for i, s := range sentences {
		scores[i] = scoreSentence(s, queryTerms)
	}

	targetChars := int(float64(stats.OriginalChars) * targetRatio)
	headBudget := int(float64(targetChars) * headShare)
	middleBudget := int(float64(targetChars) * middleShare)
	tailBudget := int(float64(targetChars) * tailShare)

	keep := make([]bool, len(sentences))

	// Head: in order from the start.
	used := 0
	for i := 0; i < len(sentences); i++ {
		n := len([]rune(sentences[i]))
		if used+n > headBudget {
			break
		}
		keep[i] = true
		used += n
	}

	// Tail: in order from the end.
	used = 0
	for i := len(sentences) - 1; i >= 0; i-- {
		if keep[i] {
			break
		}
		n := len([]rune(sentences[i]))
		if used+n > tailBudget {
			break
		}
		keep[i] = true
		used += n
	}

	// Middle: remaining sentences by score.
	type scored struct {
		idx   int
		score float64
	}
	var middle []scored
	for i := range sentences {
		if !keep[i] {
			middle = append(middle, scored{idx: i, score: scores[i]})
		}
	}
	sort.SliceStable(middle, func(a, b int) bool { return middle[a].score > middle[b].score })
	used = 0
	for _, m := range middle {
		n := len([]rune(sentences[m.idx]))
		if used+n > middleBudget {
			continue
		}
		keep[m.idx] = true
		used += n
	}

	var b strings.Builder
	kept := 0
	lastKept := -2
	for i, s := range sentences {
		if !keep[i] {
			continue
		}
		if kept > 0 {
			if i != lastKept+1 {
				b.WriteString("\n[...]\n")
			}
		}
		b.WriteString(s)
		lastKept = i
		kept++
	}
	out := b.String()
	stats.CompressedChars = len([]rune(out))
	stats.Kept = kept
	if stats.OriginalChars > 0 {
		stats.Ratio = float64(stats.CompressedChars) / float64(stats.OriginalChars)
	}
	return out, stats
}

// scoreSentence rates one sentence for the smart compressor.
func scoreSentence(s string, queryTerms []string) float64 {
	score := 0.0
	for _, kw := range keywordPatterns {
		if strings.Contains(s, kw) {
			score += 0.2
			break
		}
	}
	for _, m := range paragraphMarkers {
		if strings.Contains(s, m) {
			score += 0.1
			break
		}
	}
	switch n := len([]rune(s)); {
	case n >= 20 && n <= 100:
		score += 0.10
	case n > 100 && n <= 200:
		score += 0.05
	}
	if strings.ContainsAny(s, "0123456789０１２３４５６７８９") {
		score += 0.1
	}
	if strings.ContainsAny(s, "\"“”「」『』") {
		score += 0.1
	}
	overlap := 0.0
	lower := strings.ToLower(s)
	for _, t := range queryTerms {
		if t != "" && strings.Contains(lower, t) {
			overlap += queryOverlapStep
		}
	}
	if overlap > queryOverlapCap {
		overlap = queryOverlapCap
	}
	return score + overlap
}

// splitSentences cuts on CJK and ASCII sentence terminators, keeping the
// terminator with its sentence.
func splitSentences(text string) []string {
	var out []string
	var cur []rune
	flush := func() {
		s := strings.TrimSpace(string(cur))
		if s != "" {
			out = append(out, s)
		}
		cur = cur[:0]
	}
	for _, r := range text {
		cur = append(cur, r)
		switch r {
		case '。', '！', '？', '!', '?', '\n':
			flush()
		case '.':
			flush()
		}
	}
	flush()
	return out
}
