// ABOUTME: Splits an outbound response into ordered, bounded-size chunks
// ABOUTME: Pure functions: simple, smart (word) and sentence strategies with optional [n/m] prefixes

package splitter

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// ErrInvalidConfig is returned when a Config cannot be used to split text.
var ErrInvalidConfig = errors.New("invalid split config")

// Strategy selects how text is partitioned into chunks.
type Strategy string

const (
	StrategySimple   Strategy = "simple"
	StrategySmart    Strategy = "smart"
	StrategySentence Strategy = "sentence"
)

// Config controls splitting. The zero value is disabled.
type Config struct {
	Enabled          bool
	MaxCharsPerChunk int
	Strategy         Strategy // empty means simple
	AnnotateSequence bool
	MinChunks        int // floor on the nominal chunk count once splitting applies; 0 means 1
}

// DefaultConfig returns the splitter defaults: enabled, 200 characters, simple.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		MaxCharsPerChunk: 200,
		Strategy:         StrategySimple,
		MinChunks:        1,
	}
}

// Chunk is one piece of a split response. Sequence is 1-based and IsLast is
// true only when Sequence == TotalChunks.
type Chunk struct {
	Content     string
	Sequence    int
	TotalChunks int
	IsLast      bool
}

// Validate checks the config for values Split cannot work with.
func (c Config) Validate() error {
	switch c.Strategy {
	case "", StrategySimple, StrategySmart, StrategySentence:
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, c.Strategy)
	}
	if c.MinChunks < 0 {
		return fmt.Errorf("%w: min chunks must not be negative, got %d", ErrInvalidConfig, c.MinChunks)
	}
	if c.Enabled && c.MaxCharsPerChunk <= 0 {
		return fmt.Errorf("%w: max chars per chunk must be positive, got %d", ErrInvalidConfig, c.MaxCharsPerChunk)
	}
	return nil
}

// Split partitions text into chunks according to cfg. Identical inputs
// always produce identical output.
//
// The nominal chunk count is ceil(len/MaxCharsPerChunk) for every strategy,
// so the granularity does not depend on the strategy chosen. Strategies that
// can produce empty groups drop them and renumber from the emitted count.
func Split(text string, cfg Config) ([]Chunk, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	length := utf8.RuneCountInString(text)
	if !cfg.Enabled || length <= cfg.MaxCharsPerChunk {
		return []Chunk{{Content: text, Sequence: 1, TotalChunks: 1, IsLast: true}}, nil
	}

	total := nominalChunks(length, cfg)

	var parts []string
	switch cfg.Strategy {
	case StrategySmart:
		parts = splitWords(text, total)
	case StrategySentence:
		parts = splitSentences(text, total)
	default:
		parts = splitSimple(text, total)
	}

	return assemble(parts, cfg.AnnotateSequence), nil
}

// ShouldSplit reports whether Split would produce more than one nominal chunk.
func ShouldSplit(text string, cfg Config) bool {
	return cfg.Enabled && cfg.MaxCharsPerChunk > 0 && utf8.RuneCountInString(text) > cfg.MaxCharsPerChunk
}

// Stats summarises how a text would be split without splitting it.
type Stats struct {
	OriginalLength   int
	NeedsSplitting   bool
	EstimatedChunks  int
	AvgCharsPerChunk int
}

// Estimate returns splitting statistics for text under cfg.
func Estimate(text string, cfg Config) Stats {
	length := utf8.RuneCountInString(text)
	if !ShouldSplit(text, cfg) {
		return Stats{OriginalLength: length, EstimatedChunks: 1, AvgCharsPerChunk: length}
	}
	chunks := nominalChunks(length, cfg)
	return Stats{
		OriginalLength:   length,
		NeedsSplitting:   true,
		EstimatedChunks:  chunks,
		AvgCharsPerChunk: (length + chunks - 1) / chunks,
	}
}

func nominalChunks(length int, cfg Config) int {
	total := (length + cfg.MaxCharsPerChunk - 1) / cfg.MaxCharsPerChunk
	if cfg.MinChunks > total {
		total = cfg.MinChunks
	}
	return total
}

// splitSimple cuts text into total equal rune slices; the last absorbs the remainder.
func splitSimple(text string, total int) []string {
	runes := []rune(text)
	size := len(runes) / total

	parts := make([]string, 0, total)
	for i := 0; i < total-1; i++ {
		parts = append(parts, string(runes[i*size:(i+1)*size]))
	}
	parts = append(parts, string(runes[(total-1)*size:]))
	return parts
}

// splitWords divides the word list into total even groups joined by single spaces.
func splitWords(text string, total int) []string {
	return joinGroups(strings.Fields(text), total)
}

var sentencePattern = regexp.MustCompile(`[^.!?]+[.!?]*|[.!?]+`)

// splitSentences distributes sentences (punctuation kept) over total groups.
func splitSentences(text string, total int) []string {
	var sentences []string
	for _, s := range sentencePattern.FindAllString(text, -1) {
		if s = strings.TrimSpace(s); s != "" {
			sentences = append(sentences, s)
		}
	}
	return joinGroups(sentences, total)
}

// joinGroups spreads items over total groups as evenly as possible, with
// earlier groups taking the remainder. Groups may be empty when there are
// fewer items than groups.
func joinGroups(items []string, total int) []string {
	parts := make([]string, 0, total)
	base, extra := len(items)/total, len(items)%total

	start := 0
	for i := 0; i < total; i++ {
		size := base
		if i < extra {
			size++
		}
		parts = append(parts, strings.Join(items[start:start+size], " "))
		start += size
	}
	return parts
}

// assemble drops empty parts and numbers the rest.
func assemble(parts []string, annotate bool) []Chunk {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}

	total := len(kept)
	chunks := make([]Chunk, total)
	for i, p := range kept {
		seq := i + 1
		if annotate && total > 1 {
			p = fmt.Sprintf("[%d/%d] %s", seq, total, p)
		}
		chunks[i] = Chunk{
			Content:     p,
			Sequence:    seq,
			TotalChunks: total,
			IsLast:      seq == total,
		}
	}
	return chunks
}
