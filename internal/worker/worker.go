package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/time/rate"

	"github.com/shopsync/crm-sync/internal/manager"
	"github.com/shopsync/crm-sync/internal/worker/domain"
)

// Config holds per-worker settings
type Config struct {
	Concurrency     int
	RatePerSecond   float64
	ShutdownTimeout time.Duration
}

// deliverySource is the broker side of a worker, satisfied by the shared
// rabbitmq consumer.
type deliverySource interface {
	Deliveries() <-chan amqp.Delivery
	Cancel() error
}

// gate blocks the consume loop while the worker is paused.
type gate struct {
	mu sync.Mutex
	ch chan struct{} // closed while the worker runs
}

func newGate() *gate {
	ch := make(chan struct{})
	close(ch)
	return &gate{ch: ch}
}

func (g *gate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		g.ch = make(chan struct{})
	default:
		// already paused
	}
}

func (g *gate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		// already running
	default:
		close(g.ch)
	}
}

func (g *gate) wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		ch := g.ch
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}

		// the gate may have been re-paused between the read and here
		g.mu.Lock()
		open := g.ch == ch
		g.mu.Unlock()
		if open {
			return nil
		}
	}
}

// SyncWorker consumes job deliveries from the broker and runs them through
// the processor. Each worker bounds its own concurrency and throttles CRM
// calls with a per-worker rate limit.
type SyncWorker struct {
	id        string
	config    Config
	source    deliverySource
	processor *Processor
	hooks     manager.Hooks
	limiter   *rate.Limiter
	gate      *gate
	logger    *slog.Logger

	cancelIntake context.CancelFunc
	cancelJobs   context.CancelFunc
	wg           sync.WaitGroup
	sem          chan struct{}
}

// NewSyncWorker creates a worker and starts its consume loop
func NewSyncWorker(id string, config Config, source deliverySource, processor *Processor, hooks manager.Hooks, logger *slog.Logger) *SyncWorker {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}

	limit := rate.Inf
	if config.RatePerSecond > 0 {
		limit = rate.Limit(config.RatePerSecond)
	}

	intakeCtx, cancelIntake := context.WithCancel(context.Background())
	jobCtx, cancelJobs := context.WithCancel(context.Background())

	w := &SyncWorker{
		id:           id,
		config:       config,
		source:       source,
		processor:    processor,
		hooks:        hooks,
		limiter:      rate.NewLimiter(limit, config.Concurrency),
		gate:         newGate(),
		logger:       logger.With(slog.String("worker_id", id)),
		cancelIntake: cancelIntake,
		cancelJobs:   cancelJobs,
		sem:          make(chan struct{}, config.Concurrency),
	}

	w.wg.Add(1)
	go w.run(intakeCtx, jobCtx)

	return w
}

// run consumes deliveries. The intake context only guards taking on new
// work; a delivery already handed to a handler runs on the job context,
// which Close cancels after the drain timeout, so in-flight jobs finish.
func (w *SyncWorker) run(intake, jobs context.Context) {
	defer w.wg.Done()

	for delivery := range w.source.Deliveries() {
		if err := w.gate.wait(intake); err != nil {
			w.requeue(delivery)
			return
		}
		if err := w.limiter.Wait(intake); err != nil {
			w.requeue(delivery)
			return
		}

		select {
		case w.sem <- struct{}{}:
		case <-intake.Done():
			w.requeue(delivery)
			return
		}

		w.wg.Add(1)
		go func(d amqp.Delivery) {
			defer w.wg.Done()
			defer func() { <-w.sem }()
			w.handle(jobs, d)
		}(delivery)
	}
}

func (w *SyncWorker) handle(ctx context.Context, delivery amqp.Delivery) {
	var msg domain.JobMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		w.logger.Error("Dropping malformed job message", slog.String("error", err.Error()))
		w.reject(delivery)
		return
	}

	outcome, err := w.processor.Process(ctx, msg.JobID)
	if outcome == OutcomeUnsettled {
		w.logger.Error("Failed to settle job, delivery dropped",
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
		w.reject(delivery)
		if w.hooks.OnFailed != nil {
			w.hooks.OnFailed(msg.JobID, err)
		}
		return
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		w.logger.Error("Failed to ack delivery",
			slog.String("job_id", msg.JobID),
			slog.String("error", ackErr.Error()),
		)
	}

	switch outcome {
	case OutcomeCompleted:
		if w.hooks.OnCompleted != nil {
			w.hooks.OnCompleted(msg.JobID)
		}
	case OutcomeFailed:
		if w.hooks.OnFailed != nil {
			w.hooks.OnFailed(msg.JobID, err)
		}
	}
}

// reject drops the delivery without requeueing it. The database row keeps
// the job's fate; the reconciler recovers rows whose delivery was lost.
func (w *SyncWorker) reject(delivery amqp.Delivery) {
	if err := delivery.Nack(false, false); err != nil {
		w.logger.Error("Failed to nack delivery", slog.String("error", err.Error()))
	}
}

// requeue gives an unprocessed delivery back to the broker on shutdown.
func (w *SyncWorker) requeue(delivery amqp.Delivery) {
	if err := delivery.Nack(false, true); err != nil {
		w.logger.Error("Failed to requeue delivery", slog.String("error", err.Error()))
	}
}

// Pause suspends consumption. Jobs already executing run to completion.
func (w *SyncWorker) Pause() error {
	w.gate.pause()
	w.logger.Info("Worker paused")
	return nil
}

// Resume restarts consumption after a pause
func (w *SyncWorker) Resume() error {
	w.gate.resume()
	w.logger.Info("Worker resumed")
	return nil
}

// Close cancels the broker subscription, stops taking new deliveries and
// lets jobs already executing run to completion. Jobs still running after
// the shutdown timeout are cancelled.
func (w *SyncWorker) Close() error {
	err := w.source.Cancel()
	w.cancelIntake()
	w.gate.resume() // unblock a paused consume loop

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	timeout := w.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	select {
	case <-done:
	case <-time.After(timeout):
		w.logger.Warn("Shutdown timeout reached, cancelling jobs still in flight")
	}
	w.cancelJobs()

	return err
}
