package index

import (
	"regexp"
	"strings"
)

// Chunking defaults shared by the text-chunk indexer and the binding
// service.
const (
	DefaultMaxParagraphChars = 800
	DefaultWindowSize        = 520
	DefaultWindowOverlap     = 160
	DefaultMinChunkChars     = 40
)

var paragraphSplit = regexp.MustCompile(`\n{2,}`)

// Chunk is one indexed slice of a document.
type Chunk struct {
	Text      string
	Paragraph int
	Window    int
	Start     int
	End       int
}

// ChunkerConfig tunes the sliding-window paragraph chunker.
type ChunkerConfig struct {
	MaxParagraphChars int
	WindowSize        int
	WindowOverlap     int
	MinChunkChars     int
}

// DefaultChunkerConfig returns the standard window parameters.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		MaxParagraphChars: DefaultMaxParagraphChars,
		WindowSize:        DefaultWindowSize,
		WindowOverlap:     DefaultWindowOverlap,
		MinChunkChars:     DefaultMinChunkChars,
	}
}

// SplitChunks normalizes newlines, splits on blank lines, keeps short
// paragraphs whole (window 0) and slides a character window over long ones.
// Chunks below MinChunkChars are dropped. Offsets are rune-based within the
// paragraph.
func SplitChunks(text string, cfg ChunkerConfig) []Chunk {
	if cfg.MaxParagraphChars <= 0 {
		cfg = DefaultChunkerConfig()
	}
	normalized := strings.ReplaceAll(strings.ReplaceAll(text, "\r\n", "\n"), "\r", "\n")
	paragraphs := paragraphSplit.Split(normalized, -1)

	var chunks []Chunk
	for p, para := range paragraphs {
		para = strings.TrimSpace(para)
		runes := []rune(para)
		if len(runes) == 0 {
			continue
		}
		if len(runes) <= cfg.MaxParagraphChars {
			if len(runes) >= cfg.MinChunkChars {
				chunks = append(chunks, Chunk{Text: para, Paragraph: p, Window: 0, Start: 0, End: len(runes)})
			}
			continue
		}
		step := cfg.WindowSize - cfg.WindowOverlap
		if step <= 0 {
			step = cfg.WindowSize
		}
		window := 0
		for start := 0; start < len(runes); start += step {
			end := start + cfg.WindowSize
			if end > len(runes) {
				end = len(runes)
			}
			piece := strings.TrimSpace(string(runes[start:end]))
			if len([]rune(piece)) >= cfg.MinChunkChars {
				chunks = append(chunks, Chunk{Text: piece, Paragraph: p, Window: window, Start: start, End: end})
				window++
			}
			if end == len(runes) {
				break
			}
		}
	}
	return chunks
}
