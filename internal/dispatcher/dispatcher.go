package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shopsync/crm-sync/internal/worker/domain"
)

// JobStore is the slice of the job table the dispatcher needs.
type JobStore interface {
	// PendingJobs returns up to limit pending jobs for the queue, most
	// urgent first.
	PendingJobs(ctx context.Context, queueName string, limit int) ([]domain.Job, error)

	// MarkProcessing claims a pending job. Returns domain.ErrJobNotFound
	// when another dispatcher got there first.
	MarkProcessing(ctx context.Context, jobID string) error

	// MarkPending returns a claimed job to the pending pool.
	MarkPending(ctx context.Context, jobID string) error

	// RequeueStuck re-pends processing jobs older than the threshold and
	// returns how many were recovered.
	RequeueStuck(ctx context.Context, queueName string, olderThan time.Duration) (int64, error)
}

// Publisher pushes job envelopes onto the broker.
type Publisher interface {
	Publish(ctx context.Context, body []byte, priority uint8) error
}

// Config holds dispatcher settings
type Config struct {
	QueueName      string
	PollInterval   time.Duration
	BatchSize      int
	ReconcileAfter time.Duration
}

// Dispatcher moves persisted jobs onto the broker. It is the only component
// that claims jobs: pending rows become processing here, and only here, so
// a job re-pended after a transient failure flows through the same gate as
// a fresh one.
type Dispatcher struct {
	config    Config
	store     JobStore
	publisher Publisher
	logger    *slog.Logger
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates a dispatcher
func New(config Config, store JobStore, publisher Publisher, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		config:    config,
		store:     store,
		publisher: publisher,
		logger:    logger,
	}
}

// brokerPriority maps a job priority (lower is more urgent) onto the
// broker's scale, where higher wins.
func brokerPriority(jobPriority int) uint8 {
	if jobPriority < 0 {
		jobPriority = 0
	}
	if jobPriority > 10 {
		jobPriority = 10
	}
	return uint8(10 - jobPriority)
}

// Start launches the poll and reconcile loops
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.wg.Add(2)
	go d.pollLoop(ctx)
	go d.reconcileLoop(ctx)

	d.logger.Info("Dispatcher started",
		slog.String("queue", d.config.QueueName),
		slog.Duration("poll_interval", d.config.PollInterval),
		slog.Int("batch_size", d.config.BatchSize),
	)
}

// Stop halts both loops and waits for the in-flight batch to finish
func (d *Dispatcher) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
	d.logger.Info("Dispatcher stopped")
}

func (d *Dispatcher) pollLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.dispatchBatch(ctx)
		}
	}
}

func (d *Dispatcher) reconcileLoop(ctx context.Context) {
	defer d.wg.Done()

	if d.config.ReconcileAfter <= 0 {
		return
	}

	ticker := time.NewTicker(d.config.ReconcileAfter)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recovered, err := d.store.RequeueStuck(ctx, d.config.QueueName, d.config.ReconcileAfter)
			if err != nil {
				d.logger.Error("Failed to requeue stuck jobs", slog.String("error", err.Error()))
				continue
			}
			if recovered > 0 {
				d.logger.Warn("Requeued stuck jobs",
					slog.Int64("count", recovered),
					slog.Duration("older_than", d.config.ReconcileAfter),
				)
			}
		}
	}
}

func (d *Dispatcher) dispatchBatch(ctx context.Context) {
	jobs, err := d.store.PendingJobs(ctx, d.config.QueueName, d.config.BatchSize)
	if err != nil {
		d.logger.Error("Failed to fetch pending jobs", slog.String("error", err.Error()))
		return
	}

	moved := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		if d.dispatchJob(ctx, job) {
			moved++
		}
	}
	if moved > 0 {
		d.logger.Info("Dispatched jobs",
			slog.String("queue", d.config.QueueName),
			slog.Int("count", moved),
		)
	}
}

// dispatchJob claims the job before publishing so a crash between the two
// steps leaves it processing, where the reconciler will find it. A failed
// publish rolls the claim back immediately. Reports whether the job made
// it onto the broker.
func (d *Dispatcher) dispatchJob(ctx context.Context, job domain.Job) bool {
	if err := d.store.MarkProcessing(ctx, job.ID); err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return false // claimed elsewhere
		}
		d.logger.Error("Failed to claim job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return false
	}

	body, err := json.Marshal(domain.JobMessage{JobID: job.ID})
	if err != nil {
		d.logger.Error("Failed to encode job message",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		d.rollback(ctx, job.ID)
		return false
	}

	if err := d.publisher.Publish(ctx, body, brokerPriority(job.Priority)); err != nil {
		d.logger.Error("Failed to publish job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		d.rollback(ctx, job.ID)
		return false
	}

	d.logger.Debug("Job dispatched",
		slog.String("job_id", job.ID),
		slog.String("type", job.Type),
		slog.Int("priority", job.Priority),
	)
	return true
}

func (d *Dispatcher) rollback(ctx context.Context, jobID string) {
	if err := d.store.MarkPending(ctx, jobID); err != nil {
		d.logger.Error("Failed to return job to pending, reconciler will recover it",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}
