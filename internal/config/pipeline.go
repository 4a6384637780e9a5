// ABOUTME: Per-conversation pipeline settings with tenant and conversation overrides
// ABOUTME: Unset override fields inherit from the layer beneath them

package config

import (
	"fmt"
	"time"

	"github.com/2389/fold-relay/internal/debounce"
	"github.com/2389/fold-relay/internal/delivery"
	"github.com/2389/fold-relay/internal/splitter"
)

// Pipeline is the resolved debounce, split and delivery behaviour for one
// conversation.
type Pipeline struct {
	Debounce        time.Duration
	WindowMargin    time.Duration
	Split           splitter.Config
	InterChunkDelay time.Duration
	MaxAttempts     int
	RetryBackoff    time.Duration
	BackoffKind     delivery.BackoffKind
}

// DefaultPipeline returns the stock settings.
func DefaultPipeline() Pipeline {
	d := delivery.DefaultPolicy()
	return Pipeline{
		Debounce:        debounce.DefaultDebounce,
		WindowMargin:    debounce.MinMargin,
		Split:           d.Split,
		InterChunkDelay: d.InterChunkDelay,
		MaxAttempts:     d.MaxAttempts,
		RetryBackoff:    d.Backoff,
		BackoffKind:     d.BackoffKind,
	}
}

// DebouncePolicy projects the pipeline onto the aggregator's policy.
func (p Pipeline) DebouncePolicy() debounce.Policy {
	return debounce.Policy{Debounce: p.Debounce, Margin: p.WindowMargin}
}

// DeliveryPolicy projects the pipeline onto the scheduler's policy.
func (p Pipeline) DeliveryPolicy() delivery.Policy {
	return delivery.Policy{
		Split:           p.Split,
		InterChunkDelay: p.InterChunkDelay,
		MaxAttempts:     p.MaxAttempts,
		Backoff:         p.RetryBackoff,
		BackoffKind:     p.BackoffKind,
	}
}

// PipelineSettings is one override layer. Empty strings and nil pointers
// leave the inherited value alone.
type PipelineSettings struct {
	DebounceRaw        string `yaml:"debounce" toml:"debounce"`
	WindowMarginRaw    string `yaml:"window_margin" toml:"window_margin"`
	SplitEnabled       *bool  `yaml:"split_enabled" toml:"split_enabled"`
	MaxCharsPerChunk   *int   `yaml:"max_chars_per_chunk" toml:"max_chars_per_chunk"`
	MinChunks          *int   `yaml:"min_chunks" toml:"min_chunks"`
	SplitStrategy      string `yaml:"split_strategy" toml:"split_strategy"`
	AnnotateSequence   *bool  `yaml:"annotate_sequence" toml:"annotate_sequence"`
	InterChunkDelayRaw string `yaml:"inter_chunk_delay" toml:"inter_chunk_delay"`
	MaxAttempts        *int   `yaml:"max_attempts" toml:"max_attempts"`
	RetryBackoffRaw    string `yaml:"retry_backoff" toml:"retry_backoff"`
	BackoffKind        string `yaml:"backoff_kind" toml:"backoff_kind"`

	debounce        *time.Duration
	windowMargin    *time.Duration
	interChunkDelay *time.Duration
	retryBackoff    *time.Duration
}

func (s *PipelineSettings) parse() error {
	fields := []struct {
		name string
		raw  string
		dst  **time.Duration
	}{
		{"debounce", s.DebounceRaw, &s.debounce},
		{"window_margin", s.WindowMarginRaw, &s.windowMargin},
		{"inter_chunk_delay", s.InterChunkDelayRaw, &s.interChunkDelay},
		{"retry_backoff", s.RetryBackoffRaw, &s.retryBackoff},
	}
	for _, f := range fields {
		if f.raw == "" {
			*f.dst = nil
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = &d
	}
	return nil
}

func (s PipelineSettings) validate() error {
	if s.debounce != nil && *s.debounce <= 0 {
		return fmt.Errorf("debounce must be positive")
	}
	if s.windowMargin != nil && *s.windowMargin < debounce.MinMargin {
		return fmt.Errorf("window_margin must be at least %s", debounce.MinMargin)
	}
	if s.interChunkDelay != nil && *s.interChunkDelay < 0 {
		return fmt.Errorf("inter_chunk_delay must not be negative")
	}
	if s.retryBackoff != nil && *s.retryBackoff < 0 {
		return fmt.Errorf("retry_backoff must not be negative")
	}
	if s.MaxCharsPerChunk != nil && *s.MaxCharsPerChunk <= 0 {
		return fmt.Errorf("max_chars_per_chunk must be positive")
	}
	if s.MinChunks != nil && *s.MinChunks < 0 {
		return fmt.Errorf("min_chunks must not be negative")
	}
	if s.MaxAttempts != nil && *s.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive")
	}
	switch splitter.Strategy(s.SplitStrategy) {
	case "", splitter.StrategySimple, splitter.StrategySmart, splitter.StrategySentence:
	default:
		return fmt.Errorf("unknown split_strategy %q", s.SplitStrategy)
	}
	switch delivery.BackoffKind(s.BackoffKind) {
	case "", delivery.BackoffFixed, delivery.BackoffExponential:
	default:
		return fmt.Errorf("unknown backoff_kind %q", s.BackoffKind)
	}
	return nil
}

func (s PipelineSettings) apply(p Pipeline) Pipeline {
	if s.debounce != nil {
		p.Debounce = *s.debounce
	}
	if s.windowMargin != nil {
		p.WindowMargin = *s.windowMargin
	}
	if s.SplitEnabled != nil {
		p.Split.Enabled = *s.SplitEnabled
	}
	if s.MaxCharsPerChunk != nil {
		p.Split.MaxCharsPerChunk = *s.MaxCharsPerChunk
	}
	if s.MinChunks != nil {
		p.Split.MinChunks = *s.MinChunks
	}
	if s.SplitStrategy != "" {
		p.Split.Strategy = splitter.Strategy(s.SplitStrategy)
	}
	if s.AnnotateSequence != nil {
		p.Split.AnnotateSequence = *s.AnnotateSequence
	}
	if s.interChunkDelay != nil {
		p.InterChunkDelay = *s.interChunkDelay
	}
	if s.MaxAttempts != nil {
		p.MaxAttempts = *s.MaxAttempts
	}
	if s.retryBackoff != nil {
		p.RetryBackoff = *s.retryBackoff
	}
	if s.BackoffKind != "" {
		p.BackoffKind = delivery.BackoffKind(s.BackoffKind)
	}
	return p
}
