// ABOUTME: Relay wires message source, debounce, generation, scheduling and delivery together
// ABOUTME: It owns the pipeline lifecycle and the operator actions exposed over the API

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/fold-relay/internal/api"
	"github.com/2389/fold-relay/internal/auth"
	"github.com/2389/fold-relay/internal/clock"
	"github.com/2389/fold-relay/internal/conv"
	"github.com/2389/fold-relay/internal/debounce"
	"github.com/2389/fold-relay/internal/delivery"
	"github.com/2389/fold-relay/internal/events"
)

// ErrMissingDependency is returned by New when a required collaborator is nil.
var ErrMissingDependency = errors.New("missing relay dependency")

// MessageSource feeds inbound fragments to the relay until ctx ends.
type MessageSource interface {
	Run(ctx context.Context, emit func(conv.Fragment)) error
}

// SentStore records delivered chunks and lists them back.
type SentStore interface {
	delivery.ConversationStore
	ListSentChunks(ctx context.Context, key conv.Key, limit int) ([]delivery.SentChunk, error)
}

// Deps are the relay's collaborators. All but Clock, Events and Logger are
// required.
type Deps struct {
	Source    MessageSource
	Generator debounce.ResponseGenerator
	Sender    delivery.Sender
	Queue     delivery.Queue
	Sent      SentStore
	Events    *events.Broadcaster
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Options tune the pipeline.
type Options struct {
	// DebouncePolicy and DeliveryPolicy resolve per-conversation settings.
	// Nil uses the package defaults.
	DebouncePolicy func(conv.Key) debounce.Policy
	DeliveryPolicy func(conv.Key) delivery.Policy

	Aggregator debounce.Config
	Worker     delivery.WorkerConfig

	// APIAddr enables the operator API when set; Verifier is then required.
	APIAddr  string
	Verifier auth.TokenVerifier
}

// Relay is the running pipeline.
type Relay struct {
	source      MessageSource
	queue       delivery.Queue
	sent        SentStore
	broadcaster *events.Broadcaster
	events      events.Publisher
	clock       clock.Clock
	logger      *slog.Logger

	aggregator *debounce.Aggregator
	scheduler  *delivery.Scheduler
	worker     *delivery.Worker

	api            *api.Server
	apiAddr        string
	stallThreshold time.Duration
}

// New assembles a relay. Nothing runs until Run.
func New(deps Deps, opts Options) (*Relay, error) {
	switch {
	case deps.Source == nil:
		return nil, fmt.Errorf("%w: message source", ErrMissingDependency)
	case deps.Generator == nil:
		return nil, fmt.Errorf("%w: response generator", ErrMissingDependency)
	case deps.Sender == nil:
		return nil, fmt.Errorf("%w: sender", ErrMissingDependency)
	case deps.Queue == nil:
		return nil, fmt.Errorf("%w: queue", ErrMissingDependency)
	case deps.Sent == nil:
		return nil, fmt.Errorf("%w: sent store", ErrMissingDependency)
	case opts.APIAddr != "" && opts.Verifier == nil:
		return nil, fmt.Errorf("%w: token verifier for the operator API", ErrMissingDependency)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}
	broadcaster := deps.Events
	if broadcaster == nil {
		broadcaster = events.NewBroadcaster(logger)
	}
	pub := events.Logger{Next: broadcaster, Logger: logger.With("component", "events")}

	stallThreshold := opts.Worker.StallThreshold
	if stallThreshold <= 0 {
		stallThreshold = delivery.DefaultStallThreshold
	}

	r := &Relay{
		source:         deps.Source,
		queue:          deps.Queue,
		sent:           deps.Sent,
		broadcaster:    broadcaster,
		events:         pub,
		clock:          clk,
		logger:         logger.With("component", "relay"),
		apiAddr:        opts.APIAddr,
		stallThreshold: stallThreshold,
	}

	r.scheduler = delivery.NewScheduler(deps.Queue, opts.DeliveryPolicy, pub, clk, logger)
	r.worker = delivery.NewWorker(deps.Queue, deps.Sender, deps.Sent, pub, clk, opts.Worker, logger)

	aggCfg := opts.Aggregator
	aggCfg.Policy = opts.DebouncePolicy
	r.aggregator = debounce.New(debounce.NewWindowStore(), deps.Generator, r.scheduleResponse, pub, clk, aggCfg, logger)

	if opts.APIAddr != "" {
		r.api = api.NewServer(r, broadcaster, opts.Verifier, logger)
	}

	return r, nil
}

// API returns the operator API server, or nil when it is disabled.
func (r *Relay) API() *api.Server {
	return r.api
}

// Events returns the broadcaster carrying pipeline events.
func (r *Relay) Events() *events.Broadcaster {
	return r.broadcaster
}

// Ingest hands one inbound fragment to the debounce stage.
func (r *Relay) Ingest(f conv.Fragment) {
	if err := r.aggregator.Append(f); err != nil {
		r.logger.Warn("dropping fragment",
			"conversation_key", f.Key.String(),
			"fragment_id", f.ID,
			"error", err)
	}
}

// scheduleResponse is the aggregator's response handler.
func (r *Relay) scheduleResponse(ctx context.Context, key conv.Key, response string) error {
	jobs, err := r.scheduler.Schedule(ctx, key, response)
	if err != nil {
		return err
	}
	if len(jobs) > 0 {
		r.worker.Notify()
	}
	return nil
}

// Run starts the workers, the message source and the operator API and
// blocks until ctx is cancelled or one of them fails. Open windows are
// abandoned on the way out; queued jobs stay in the queue for the next run.
func (r *Relay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.aggregator.Start()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := r.worker.Run(ctx); err != nil {
			r.logger.Error("delivery workers stopped", "error", err)
		}
	}()

	errCh := r.startServices(ctx)
	runErr := r.waitForShutdown(ctx, errCh)

	cancel()
	r.aggregator.Close()
	<-workerDone
	r.broadcaster.Close()
	r.logger.Info("relay stopped")

	return runErr
}

func (r *Relay) startServices(ctx context.Context) chan error {
	errCh := make(chan error, 2)

	go func() {
		r.logger.Info("message source starting")
		if err := r.source.Run(ctx, r.Ingest); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("message source: %w", err)
		}
	}()

	if r.api != nil {
		go func() {
			if err := r.api.ListenAndServe(ctx, r.apiAddr); err != nil {
				errCh <- fmt.Errorf("operator API: %w", err)
			}
		}()
	}

	return errCh
}

// waitForShutdown waits for context cancellation or a service error.
func (r *Relay) waitForShutdown(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		r.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		r.logger.Error("service error", "error", err)
		return err
	}
}

// CloseConversation discards everything not yet dispatched for key: the
// open window with its flush timer and every queued job that is not in
// flight. Open failures of key are resolved as cancelled. A flush already
// generating a reply is not interrupted.
func (r *Relay) CloseConversation(ctx context.Context, key conv.Key) (fragments, jobs int, err error) {
	fragments = r.aggregator.Cancel(key)

	now := r.clock.Now()
	jobs, err = r.queue.CancelConversation(ctx, key, now)
	if err != nil {
		return fragments, 0, fmt.Errorf("cancel jobs of %s: %w", key, err)
	}

	ev := events.New(events.TypeConversationClosed, key, now)
	ev.Count = fragments + jobs
	r.events.Publish(ev)
	r.logger.Info("conversation closed",
		"conversation_key", key.String(),
		"dropped_fragments", fragments,
		"dropped_jobs", jobs)

	return fragments, jobs, nil
}

// Failures lists unresolved delivery failures, newest first.
func (r *Relay) Failures(ctx context.Context, limit int) ([]delivery.Failure, error) {
	return r.queue.Failures(ctx, limit)
}

// ResolveFailure applies an operator decision to a failed job and wakes the
// workers so the conversation resumes.
func (r *Relay) ResolveFailure(ctx context.Context, jobID string, action delivery.Resolution, operator string) error {
	if !action.Valid() {
		return fmt.Errorf("%w: %q", delivery.ErrInvalidResolution, action)
	}

	key, err := r.failureKey(ctx, jobID)
	if err != nil {
		return err
	}

	now := r.clock.Now()
	if err := r.queue.ResolveFailure(ctx, jobID, action, now); err != nil {
		return err
	}

	ev := events.New(events.TypeFailureResolved, key, now)
	ev.JobID = jobID
	r.events.Publish(ev)
	r.logger.Info("failure resolved",
		"conversation_key", key.String(),
		"job_id", jobID,
		"action", action,
		"operator", operator)

	r.worker.Notify()
	return nil
}

// failureKey finds the conversation of an unresolved failure.
func (r *Relay) failureKey(ctx context.Context, jobID string) (conv.Key, error) {
	failures, err := r.queue.Failures(ctx, 0)
	if err != nil {
		return conv.Key{}, fmt.Errorf("list failures: %w", err)
	}
	for _, f := range failures {
		if f.JobID == jobID {
			return conv.ParseKey(f.Key)
		}
	}
	return conv.Key{}, fmt.Errorf("%w: no open failure for %s", delivery.ErrJobNotFound, jobID)
}

// Stalled lists jobs in flight longer than the stall threshold.
func (r *Relay) Stalled(ctx context.Context) ([]*delivery.Job, error) {
	return r.queue.Stalled(ctx, r.clock.Now().Add(-r.stallThreshold))
}

// Requeue revokes the claim on an in-flight job and puts it back in line.
func (r *Relay) Requeue(ctx context.Context, jobID string) error {
	if err := r.queue.Requeue(ctx, jobID); err != nil {
		return err
	}
	r.worker.Notify()
	return nil
}

// Jobs lists the queued jobs of key in line order.
func (r *Relay) Jobs(ctx context.Context, key conv.Key) ([]*delivery.Job, error) {
	return r.queue.Jobs(ctx, key)
}

// SentChunks lists recently delivered chunks of key.
func (r *Relay) SentChunks(ctx context.Context, key conv.Key, limit int) ([]delivery.SentChunk, error) {
	return r.sent.ListSentChunks(ctx, key, limit)
}

// Pending returns the number of fragments buffered for key.
func (r *Relay) Pending(key conv.Key) int {
	return r.aggregator.Pending(key)
}

// WaitRecords blocks until sent-chunk records started so far are written.
func (r *Relay) WaitRecords() {
	r.worker.WaitRecords()
}

var _ api.Operations = (*Relay)(nil)
