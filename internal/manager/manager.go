package manager

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	// ErrUnknownQueue is returned when no factory is registered for a queue
	ErrUnknownQueue = errors.New("no worker factory registered for queue")

	// ErrUnknownTarget is returned when a pause/resume target matches neither a worker id nor a queue
	ErrUnknownTarget = errors.New("target matches no worker or queue")

	// ErrUnknownWorker is returned when a worker id is not in the registry
	ErrUnknownWorker = errors.New("worker not found")
)

// Worker states reported by List
const (
	StateRunning = "running"
	StatePaused  = "paused"
)

// Consumer is one running queue consumer. Implementations own their broker
// channel and release it on Close.
type Consumer interface {
	Pause() error
	Resume() error
	Close() error
}

// Hooks receive per-job lifecycle callbacks from consumers.
type Hooks struct {
	OnCompleted func(jobID string)
	OnFailed    func(jobID string, err error)
}

// Factory builds a consumer for a queue. The manager calls it once per
// worker spawned by Scale.
type Factory func(workerID string, hooks Hooks) (Consumer, error)

// WorkerSummary describes one worker for the control plane.
type WorkerSummary struct {
	ID            string    `json:"id"`
	QueueName     string    `json:"queueName"`
	State         string    `json:"state"`
	StartedAt     time.Time `json:"startedAt"`
	JobsProcessed uint64    `json:"jobsProcessed"`
	JobsFailed    uint64    `json:"jobsFailed"`
}

// QueueSummary groups the workers of one queue with aggregate counters.
type QueueSummary struct {
	QueueName     string          `json:"queueName"`
	Running       int             `json:"running"`
	Paused        int             `json:"paused"`
	JobsProcessed uint64          `json:"jobsProcessed"`
	JobsFailed    uint64          `json:"jobsFailed"`
	Workers       []WorkerSummary `json:"workers"`
}

type workerEntry struct {
	id            string
	queueName     string
	consumer      Consumer
	paused        bool
	startedAt     time.Time
	jobsProcessed atomic.Uint64
	jobsFailed    atomic.Uint64
}

// Manager owns the worker registry. Workers are spawned and retired through
// Scale, addressed individually or per queue by the control plane, and all
// torn down by StopAll on shutdown.
type Manager struct {
	mu        sync.Mutex
	factories map[string]Factory
	workers   []*workerEntry // insertion order, oldest first
	hooks     Hooks
	logger    *slog.Logger
	stopped   bool
}

// New creates an empty manager
func New(hooks Hooks, logger *slog.Logger) *Manager {
	return &Manager{
		factories: make(map[string]Factory),
		hooks:     hooks,
		logger:    logger,
	}
}

// RegisterFactory installs the consumer factory for a queue. Scaling a
// queue with no factory is an error.
func (m *Manager) RegisterFactory(queueName string, factory Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[queueName] = factory
}

func (m *Manager) countLocked(queueName string) int {
	n := 0
	for _, w := range m.workers {
		if w.queueName == queueName {
			n++
		}
	}
	return n
}

// entryHooks wraps the manager-wide hooks so each worker keeps its own
// processed/failed counters.
func (m *Manager) entryHooks(entry *workerEntry) Hooks {
	return Hooks{
		OnCompleted: func(jobID string) {
			entry.jobsProcessed.Add(1)
			if m.hooks.OnCompleted != nil {
				m.hooks.OnCompleted(jobID)
			}
		},
		OnFailed: func(jobID string, err error) {
			entry.jobsFailed.Add(1)
			if m.hooks.OnFailed != nil {
				m.hooks.OnFailed(jobID, err)
			}
		},
	}
}

// Scale adjusts the number of workers for a queue to the requested count.
// Growing spawns new consumers; shrinking stops the oldest workers first.
// Returns the ids of workers created and stopped.
func (m *Manager) Scale(queueName string, count int) ([]string, []string, error) {
	if count < 0 {
		return nil, nil, fmt.Errorf("worker count must not be negative, got %d", count)
	}

	created, retired, err := m.resize(queueName, count)

	// Close drains in-flight jobs, so it must not run under the registry
	// lock: a slow job would stall every other control-plane call.
	var stopped []string
	for _, entry := range retired {
		stopped = append(stopped, entry.id)
		if cerr := entry.consumer.Close(); cerr != nil {
			m.logger.Error("Failed to stop worker",
				slog.String("worker_id", entry.id),
				slog.String("error", cerr.Error()),
			)
		} else {
			m.logger.Info("Worker stopped",
				slog.String("worker_id", entry.id),
				slog.String("queue", queueName),
			)
		}
	}

	return created, stopped, err
}

// resize reshapes the registry under the lock and hands back the entries
// the caller has to close.
func (m *Manager) resize(queueName string, count int) (created []string, retired []*workerEntry, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	factory, ok := m.factories[queueName]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}

	current := m.countLocked(queueName)
	if current == count {
		m.logger.Info("Scale is a no-op",
			slog.String("queue", queueName),
			slog.Int("count", count),
		)
		return nil, nil, nil
	}

	for current < count {
		id, nerr := gonanoid.New()
		if nerr != nil {
			return created, retired, fmt.Errorf("failed to generate worker id: %w", nerr)
		}
		workerID := queueName + "-" + id

		entry := &workerEntry{
			id:        workerID,
			queueName: queueName,
			startedAt: time.Now(),
		}
		consumer, ferr := factory(workerID, m.entryHooks(entry))
		if ferr != nil {
			return created, retired, fmt.Errorf("failed to start worker for queue %s: %w", queueName, ferr)
		}
		entry.consumer = consumer

		m.workers = append(m.workers, entry)
		created = append(created, workerID)
		current++

		m.logger.Info("Worker started",
			slog.String("worker_id", workerID),
			slog.String("queue", queueName),
		)
	}

	for current > count {
		// oldest worker of this queue goes first
		idx := -1
		for i, w := range m.workers {
			if w.queueName == queueName {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		entry := m.workers[idx]
		m.workers = append(m.workers[:idx], m.workers[idx+1:]...)
		retired = append(retired, entry)
		current--
	}

	return created, retired, nil
}

// setPaused transitions one worker and reports whether a transition
// actually happened. Already-matching workers are left alone.
func (m *Manager) setPausedLocked(entry *workerEntry, paused bool) (bool, error) {
	if entry.paused == paused {
		return false, nil
	}
	var err error
	if paused {
		err = entry.consumer.Pause()
	} else {
		err = entry.consumer.Resume()
	}
	if err != nil {
		return false, err
	}
	entry.paused = paused
	return true, nil
}

// resolve applies fn to the worker with the target id, or to every worker
// of the target queue. Worker ids are checked before queue names. Returns
// the ids of workers fn actually transitioned.
func (m *Manager) resolve(target string, fn func(*workerEntry) (bool, error)) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.workers {
		if w.id == target {
			changed, err := fn(w)
			if err != nil {
				return nil, err
			}
			if changed {
				return []string{w.id}, nil
			}
			return nil, nil
		}
	}

	var transitioned []string
	matched := false
	for _, w := range m.workers {
		if w.queueName == target {
			matched = true
			changed, err := fn(w)
			if err != nil {
				return transitioned, err
			}
			if changed {
				transitioned = append(transitioned, w.id)
			}
		}
	}
	if _, registered := m.factories[target]; !matched && !registered {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	return transitioned, nil
}

// Pause suspends consumption for one worker or a whole queue. Target is a
// worker id or a queue name; ids take precedence. Returns the ids of
// workers that went from running to paused.
func (m *Manager) Pause(target string) ([]string, error) {
	ids, err := m.resolve(target, func(w *workerEntry) (bool, error) {
		return m.setPausedLocked(w, true)
	})
	if err == nil {
		m.logger.Info("Paused workers", slog.String("target", target), slog.Int("count", len(ids)))
	}
	return ids, err
}

// Resume restarts consumption for one worker or a whole queue. Returns the
// ids of workers that went from paused to running.
func (m *Manager) Resume(target string) ([]string, error) {
	ids, err := m.resolve(target, func(w *workerEntry) (bool, error) {
		return m.setPausedLocked(w, false)
	})
	if err == nil {
		m.logger.Info("Resumed workers", slog.String("target", target), slog.Int("count", len(ids)))
	}
	return ids, err
}

// StopWorker stops one worker by id and removes it from the registry. The
// worker drains outside the lock.
func (m *Manager) StopWorker(workerID string) error {
	m.mu.Lock()
	var entry *workerEntry
	for i, w := range m.workers {
		if w.id == workerID {
			entry = w
			m.workers = append(m.workers[:i], m.workers[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if entry == nil {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	if err := entry.consumer.Close(); err != nil {
		return fmt.Errorf("failed to stop worker %s: %w", workerID, err)
	}
	m.logger.Info("Worker stopped", slog.String("worker_id", workerID))
	return nil
}

// StopAll stops every worker concurrently and empties the registry. Safe
// to call more than once.
func (m *Manager) StopAll() {
	m.mu.Lock()
	workers := m.workers
	m.workers = nil
	alreadyStopped := m.stopped
	m.stopped = true
	m.mu.Unlock()

	if alreadyStopped && len(workers) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *workerEntry) {
			defer wg.Done()
			if err := w.consumer.Close(); err != nil {
				m.logger.Error("Failed to stop worker during shutdown",
					slog.String("worker_id", w.id),
					slog.String("error", err.Error()),
				)
			}
		}(w)
	}
	wg.Wait()

	m.logger.Info("All workers stopped", slog.Int("count", len(workers)))
}

// List reports all queues with registered factories and their workers.
func (m *Manager) List() []QueueSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	byQueue := make(map[string]*QueueSummary)
	for queueName := range m.factories {
		byQueue[queueName] = &QueueSummary{QueueName: queueName, Workers: []WorkerSummary{}}
	}

	for _, w := range m.workers {
		state := StateRunning
		if w.paused {
			state = StatePaused
		}
		q, seen := byQueue[w.queueName]
		if !seen {
			q = &QueueSummary{QueueName: w.queueName, Workers: []WorkerSummary{}}
			byQueue[w.queueName] = q
		}

		processed := w.jobsProcessed.Load()
		failed := w.jobsFailed.Load()
		if w.paused {
			q.Paused++
		} else {
			q.Running++
		}
		q.JobsProcessed += processed
		q.JobsFailed += failed
		q.Workers = append(q.Workers, WorkerSummary{
			ID:            w.id,
			QueueName:     w.queueName,
			State:         state,
			StartedAt:     w.startedAt,
			JobsProcessed: processed,
			JobsFailed:    failed,
		})
	}

	order := make([]string, 0, len(byQueue))
	for name := range byQueue {
		order = append(order, name)
	}
	sort.Strings(order)

	summaries := make([]QueueSummary, 0, len(order))
	for _, name := range order {
		summaries = append(summaries, *byQueue[name])
	}
	return summaries
}
