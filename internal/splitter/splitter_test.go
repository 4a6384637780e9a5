// ABOUTME: Tests for response chunk splitting
// ABOUTME: Covers each strategy, annotation, config validation, determinism and text coverage

package splitter

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contents(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Content
	}
	return out
}

var annotationPrefix = regexp.MustCompile(`^\[\d+/\d+\] `)

func stripAnnotations(chunks []Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = annotationPrefix.ReplaceAllString(c.Content, "")
	}
	return out
}

func assertWellFormed(t *testing.T, chunks []Chunk) {
	t.Helper()
	require.NotEmpty(t, chunks)
	for i, c := range chunks {
		assert.Equal(t, i+1, c.Sequence, "sequences must be contiguous")
		assert.Equal(t, len(chunks), c.TotalChunks, "total must match emitted count")
		assert.Equal(t, i == len(chunks)-1, c.IsLast, "only the final chunk is last")
		assert.NotEmpty(t, c.Content, "no empty chunks")
	}
}

func TestSplit_ShortTextIsSingleChunk(t *testing.T) {
	chunks, err := Split("short", Config{Enabled: true, MaxCharsPerChunk: 200, Strategy: StrategySimple})
	require.NoError(t, err)
	assert.Equal(t, []Chunk{{Content: "short", Sequence: 1, TotalChunks: 1, IsLast: true}}, chunks)
}

func TestSplit_DisabledReturnsWholeText(t *testing.T) {
	text := strings.Repeat("x", 1000)
	chunks, err := Split(text, Config{Enabled: false, MaxCharsPerChunk: 10})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, text, chunks[0].Content)
	assert.True(t, chunks[0].IsLast)
}

func TestSplit_Simple(t *testing.T) {
	chunks, err := Split("abcdefghij", Config{Enabled: true, MaxCharsPerChunk: 4, Strategy: StrategySimple})
	require.NoError(t, err)
	assertWellFormed(t, chunks)
	assert.Equal(t, []string{"abc", "def", "ghij"}, contents(chunks))
}

func TestSplit_SimpleCountsRunes(t *testing.T) {
	chunks, err := Split("ééééé", Config{Enabled: true, MaxCharsPerChunk: 2})
	require.NoError(t, err)
	assertWellFormed(t, chunks)
	assert.Equal(t, []string{"é", "é", "ééé"}, contents(chunks))
}

func TestSplit_SmartKeepsWordsWhole(t *testing.T) {
	// 19 characters at 4 per chunk gives a nominal count of 5 for every strategy.
	chunks, err := Split("a b c d e f g h i j", Config{Enabled: true, MaxCharsPerChunk: 4, Strategy: StrategySmart})
	require.NoError(t, err)
	assertWellFormed(t, chunks)
	assert.Equal(t, []string{"a b", "c d", "e f", "g h", "i j"}, contents(chunks))
}

func TestSplit_SmartRemainderGoesToEarlierGroups(t *testing.T) {
	text := "alpha beta gamma delta epsilon zeta eta"
	chunks, err := Split(text, Config{Enabled: true, MaxCharsPerChunk: 15, Strategy: StrategySmart})
	require.NoError(t, err)
	assertWellFormed(t, chunks)
	assert.Equal(t, []string{"alpha beta gamma", "delta epsilon", "zeta eta"}, contents(chunks))
}

func TestSplit_SmartDropsEmptyGroups(t *testing.T) {
	text := "supercalifragilistic"
	chunks, err := Split(text, Config{Enabled: true, MaxCharsPerChunk: 5, Strategy: StrategySmart})
	require.NoError(t, err)
	assertWellFormed(t, chunks)
	assert.Equal(t, []string{text}, contents(chunks))
}

func TestSplit_Sentence(t *testing.T) {
	chunks, err := Split("One. Two! Three? Four.", Config{Enabled: true, MaxCharsPerChunk: 10, Strategy: StrategySentence})
	require.NoError(t, err)
	assertWellFormed(t, chunks)
	assert.Equal(t, []string{"One. Two!", "Three?", "Four."}, contents(chunks))
}

func TestSplit_SentenceRecomputesTotalsWhenGroupsAreEmpty(t *testing.T) {
	text := "Hello world this is long."
	chunks, err := Split(text, Config{Enabled: true, MaxCharsPerChunk: 5, Strategy: StrategySentence, AnnotateSequence: true})
	require.NoError(t, err)
	assertWellFormed(t, chunks)
	require.Len(t, chunks, 1)
	assert.Equal(t, text, chunks[0].Content, "single emitted chunk is not annotated")
}

func TestSplit_SentenceKeepsRunsOfPunctuation(t *testing.T) {
	chunks, err := Split("Wait... really?! Yes.", Config{Enabled: true, MaxCharsPerChunk: 8, Strategy: StrategySentence})
	require.NoError(t, err)
	assertWellFormed(t, chunks)
	assert.Equal(t, []string{"Wait...", "really?!", "Yes."}, contents(chunks))
}

func TestSplit_Annotate(t *testing.T) {
	chunks, err := Split("abcdefghij", Config{Enabled: true, MaxCharsPerChunk: 4, AnnotateSequence: true})
	require.NoError(t, err)
	assertWellFormed(t, chunks)
	assert.Equal(t, []string{"[1/3] abc", "[2/3] def", "[3/3] ghij"}, contents(chunks))
}

func TestSplit_MinChunksRaisesNominalCount(t *testing.T) {
	chunks, err := Split("abcdef", Config{Enabled: true, MaxCharsPerChunk: 4, MinChunks: 3})
	require.NoError(t, err)
	assertWellFormed(t, chunks)
	assert.Equal(t, []string{"ab", "cd", "ef"}, contents(chunks))
}

func TestSplit_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero max", Config{Enabled: true, MaxCharsPerChunk: 0}},
		{"negative max", Config{Enabled: true, MaxCharsPerChunk: -1}},
		{"unknown strategy", Config{Enabled: true, MaxCharsPerChunk: 10, Strategy: "paragraph"}},
		{"negative min chunks", Config{Enabled: true, MaxCharsPerChunk: 10, MinChunks: -2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks, err := Split("some text that is long enough", tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Nil(t, chunks)
		})
	}
}

const longText = "The quick brown fox jumps over the lazy dog. It was not amused! " +
	"Why would a fox do that? Nobody knows... The dog went back to sleep. " +
	"Later that day the fox returned, this time with friends, and the whole scene repeated itself."

func allConfigs() []Config {
	var cfgs []Config
	for _, s := range []Strategy{StrategySimple, StrategySmart, StrategySentence} {
		for _, max := range []int{7, 20, 50, 64} {
			for _, annotate := range []bool{false, true} {
				cfgs = append(cfgs, Config{Enabled: true, MaxCharsPerChunk: max, Strategy: s, AnnotateSequence: annotate})
			}
		}
	}
	return cfgs
}

func TestSplit_Deterministic(t *testing.T) {
	for _, cfg := range allConfigs() {
		first, err := Split(longText, cfg)
		require.NoError(t, err)
		second, err := Split(longText, cfg)
		require.NoError(t, err)
		assert.Equal(t, first, second, "config %+v", cfg)
	}
}

func TestSplit_CoversOriginalText(t *testing.T) {
	for _, cfg := range allConfigs() {
		chunks, err := Split(longText, cfg)
		require.NoError(t, err)
		assertWellFormed(t, chunks)

		parts := stripAnnotations(chunks)
		if cfg.Strategy == StrategySimple {
			assert.Equal(t, longText, strings.Join(parts, ""), "config %+v", cfg)
			continue
		}
		assert.Equal(t, strings.Fields(longText), strings.Fields(strings.Join(parts, " ")), "config %+v", cfg)
	}
}

func TestShouldSplitAndEstimate(t *testing.T) {
	cfg := Config{Enabled: true, MaxCharsPerChunk: 4}

	assert.False(t, ShouldSplit("abcd", cfg))
	assert.True(t, ShouldSplit("abcde", cfg))
	assert.False(t, ShouldSplit("abcde", Config{MaxCharsPerChunk: 4}))

	assert.Equal(t, Stats{OriginalLength: 4, EstimatedChunks: 1, AvgCharsPerChunk: 4}, Estimate("abcd", cfg))
	assert.Equal(t, Stats{
		OriginalLength:   10,
		NeedsSplitting:   true,
		EstimatedChunks:  3,
		AvgCharsPerChunk: 4,
	}, Estimate("abcdefghij", cfg))
}
