// ABOUTME: Aggregator collects fragments into per-conversation windows and flushes each once
// ABOUTME: Flushing combines the window, calls the response generator and hands the reply on

package debounce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/fold-relay/internal/clock"
	"github.com/2389/fold-relay/internal/conv"
	"github.com/2389/fold-relay/internal/dedupe"
	"github.com/2389/fold-relay/internal/events"
)

const (
	// DefaultDebounce is the window length when no policy overrides it.
	DefaultDebounce = 30 * time.Second

	// MinMargin is the smallest allowed gap between a window's flush time
	// and its storage deadline.
	MinMargin = 5 * time.Second

	// DefaultMaxFragmentAge drops fragments older than this at flush time.
	DefaultMaxFragmentAge = time.Hour

	defaultGenerateTimeout = 2 * time.Minute
	defaultSweepInterval   = time.Minute
	defaultDedupeTTL       = 10 * time.Minute
	defaultDedupeSize      = 10000
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("aggregator closed")

// ResponseGenerator produces one reply for a combined turn. It is the
// conversational brain and lives outside this package.
type ResponseGenerator interface {
	Generate(ctx context.Context, key conv.Key, combined string) (string, error)
}

// GeneratorFunc adapts a function to ResponseGenerator.
type GeneratorFunc func(ctx context.Context, key conv.Key, combined string) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, key conv.Key, combined string) (string, error) {
	return f(ctx, key, combined)
}

// ResponseHandler receives every non-empty generated reply, typically to
// schedule its delivery.
type ResponseHandler func(ctx context.Context, key conv.Key, response string) error

// Policy is the debounce configuration for one conversation.
type Policy struct {
	Debounce time.Duration
	Margin   time.Duration
}

func (p Policy) normalized() Policy {
	if p.Debounce <= 0 {
		p.Debounce = DefaultDebounce
	}
	if p.Margin < MinMargin {
		p.Margin = MinMargin
	}
	return p
}

// Config holds the aggregator's tunables. Zero values take the defaults.
type Config struct {
	// Policy resolves the debounce policy per conversation. Nil uses
	// DefaultDebounce and MinMargin everywhere.
	Policy func(conv.Key) Policy

	// MaxFragmentAge drops buffered fragments older than this at flush
	// time. Negative disables the check.
	MaxFragmentAge time.Duration

	GenerateTimeout time.Duration
	SweepInterval   time.Duration
	DedupeTTL       time.Duration
	DedupeSize      int
}

// Aggregator implements the debounce stage. Every conversation gets a fixed
// window that starts with its first fragment; later fragments join the
// window without moving its flush time. This bounds the latency of a reply
// even for a user who never stops typing.
type Aggregator struct {
	store      *WindowStore
	gen        ResponseGenerator
	onResponse ResponseHandler
	events     events.Publisher
	clock      clock.Clock
	seen       *dedupe.Cache
	locks      *keyedMutex
	cfg        Config
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	flushes sync.WaitGroup

	done     chan struct{}
	janitor  sync.WaitGroup
	stopOnce sync.Once
}

// New creates an aggregator. store, gen and onResponse are required; a nil
// publisher, clock or logger falls back to a no-op, real clock and default
// logger respectively.
func New(store *WindowStore, gen ResponseGenerator, onResponse ResponseHandler, pub events.Publisher, clk clock.Clock, cfg Config, logger *slog.Logger) *Aggregator {
	if pub == nil {
		pub = events.Nop{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxFragmentAge == 0 {
		cfg.MaxFragmentAge = DefaultMaxFragmentAge
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = defaultGenerateTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = defaultDedupeTTL
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = defaultDedupeSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Aggregator{
		store:      store,
		gen:        gen,
		onResponse: onResponse,
		events:     pub,
		clock:      clk,
		seen:       dedupe.New(cfg.DedupeTTL, cfg.DedupeSize, clk),
		locks:      newKeyedMutex(),
		cfg:        cfg,
		logger:     logger.With("component", "debounce"),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

func (a *Aggregator) policyFor(key conv.Key) Policy {
	if a.cfg.Policy == nil {
		return Policy{}.normalized()
	}
	return a.cfg.Policy(key).normalized()
}

// Append buffers a fragment. The first fragment of a window arms its flush
// timer; later ones only join the window. Fragments whose ID was already
// seen for the conversation are dropped.
func (a *Aggregator) Append(f conv.Fragment) error {
	if err := f.Key.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if a.seen.CheckAndMark(f.Key, f.ID) {
		a.logger.Debug("dropping duplicate fragment",
			"conversation_key", f.Key.String(),
			"fragment_id", f.ID)
		return nil
	}

	now := a.clock.Now()
	if f.ReceivedAt.IsZero() {
		f.ReceivedAt = now
	}

	policy := a.policyFor(f.Key)
	expiresAt := now.Add(policy.Debounce + policy.Margin)

	res := a.store.Append(f, now, expiresAt, func(windowID string) clock.Timer {
		return a.clock.AfterFunc(policy.Debounce, func() {
			a.flush(f.Key, windowID)
		})
	})

	if res.Opened {
		a.logger.Debug("window opened",
			"conversation_key", f.Key.String(),
			"window_id", res.WindowID,
			"debounce", policy.Debounce)
	} else {
		a.logger.Debug("fragment buffered",
			"conversation_key", f.Key.String(),
			"window_id", res.WindowID,
			"size", res.Size)
	}
	return nil
}

// flush is the timer callback for one window.
func (a *Aggregator) flush(key conv.Key, windowID string) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.flushes.Add(1)
	a.mu.Unlock()
	defer a.flushes.Done()

	// Claimed before queueing on the key lock so the sweeper cannot expire
	// the window while an earlier flush is still generating.
	if !a.store.MarkFired(key, windowID) {
		return
	}

	unlock := a.locks.Lock(key)
	defer unlock()

	fragments := a.store.Drain(key, windowID)
	if len(fragments) == 0 {
		return
	}

	logger := a.logger.With("conversation_key", key.String(), "window_id", windowID)

	fragments = a.dropStale(fragments, logger)
	combined := Combine(fragments)
	if combined == "" {
		logger.Debug("window rendered empty, nothing to generate")
		return
	}

	flushed := events.New(events.TypeFlushed, key, a.clock.Now())
	flushed.Count = len(fragments)
	a.events.Publish(flushed)
	logger.Info("window flushed", "fragments", len(fragments), "chars", len(combined))

	ctx, cancel := context.WithTimeout(a.ctx, a.cfg.GenerateTimeout)
	defer cancel()

	response, err := a.gen.Generate(ctx, key, combined)
	if err != nil {
		a.aggregationError(key, fmt.Errorf("generate response: %w", err))
		return
	}
	if strings.TrimSpace(response) == "" {
		logger.Warn("generator returned an empty response")
		return
	}

	if err := a.onResponse(ctx, key, response); err != nil {
		a.aggregationError(key, fmt.Errorf("handle response: %w", err))
	}
}

func (a *Aggregator) aggregationError(key conv.Key, err error) {
	ev := events.New(events.TypeAggregationError, key, a.clock.Now())
	ev.Error = err.Error()
	a.events.Publish(ev)
}

func (a *Aggregator) dropStale(fragments []conv.Fragment, logger *slog.Logger) []conv.Fragment {
	if a.cfg.MaxFragmentAge < 0 {
		return fragments
	}
	cutoff := a.clock.Now().Add(-a.cfg.MaxFragmentAge)
	kept := fragments[:0]
	for _, f := range fragments {
		if f.ReceivedAt.Before(cutoff) {
			logger.Warn("dropping stale fragment", "fragment_id", f.ID, "received_at", f.ReceivedAt)
			continue
		}
		kept = append(kept, f)
	}
	return kept
}

// Combine renders fragments in arrival order and joins them with single
// spaces. Fragments that render empty are skipped.
func Combine(fragments []conv.Fragment) string {
	parts := make([]string, 0, len(fragments))
	for _, f := range fragments {
		if r := f.Render(); r != "" {
			parts = append(parts, r)
		}
	}
	return strings.Join(parts, " ")
}

// Cancel discards the open window for key, if any, and returns the number
// of fragments dropped. A flush already in progress is not interrupted.
func (a *Aggregator) Cancel(key conv.Key) int {
	n := a.store.Cancel(key)
	if n > 0 {
		a.logger.Info("window cancelled", "conversation_key", key.String(), "fragments", n)
	}
	return n
}

// Pending returns the number of fragments buffered for key.
func (a *Aggregator) Pending(key conv.Key) int {
	return a.store.Len(key)
}

// HasPending reports whether key has an open window.
func (a *Aggregator) HasPending(key conv.Key) bool {
	return a.store.Len(key) > 0
}

// Sweep drops orphaned windows, those past their storage deadline whose
// timer never fired, and expired dedupe entries.
func (a *Aggregator) Sweep() {
	for _, key := range a.store.Expire(a.clock.Now()) {
		a.logger.Warn("expired orphaned window", "conversation_key", key.String())
	}
	if n := a.seen.Sweep(); n > 0 {
		a.logger.Debug("swept dedupe entries", "removed", n)
	}
}

// Start runs the background sweeper until Close.
func (a *Aggregator) Start() {
	a.janitor.Add(1)
	go func() {
		defer a.janitor.Done()
		ticker := time.NewTicker(a.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-a.done:
				return
			case <-ticker.C:
				a.Sweep()
			}
		}
	}()
}

// Close stops all timers, abandons open windows and waits for in-flight
// flushes to return. Generation calls in progress see their context
// cancelled.
func (a *Aggregator) Close() {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()

		if n := a.store.CancelAll(); n > 0 {
			a.logger.Warn("dropped buffered fragments on shutdown", "fragments", n)
		}
		close(a.done)
		a.cancel()
		a.janitor.Wait()
		a.flushes.Wait()
	})
}
