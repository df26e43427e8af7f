package manager

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConsumer struct {
	id      string
	hooks   Hooks
	paused  int
	resumed int
	closed  int
}

func (f *fakeConsumer) Pause() error  { f.paused++; return nil }
func (f *fakeConsumer) Resume() error { f.resumed++; return nil }
func (f *fakeConsumer) Close() error  { f.closed++; return nil }

type fakeFactory struct {
	created []*fakeConsumer
	err     error
}

func (f *fakeFactory) build(workerID string, hooks Hooks) (Consumer, error) {
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeConsumer{id: workerID, hooks: hooks}
	f.created = append(f.created, c)
	return c, nil
}

func newTestManager(t *testing.T) (*Manager, *fakeFactory) {
	t.Helper()
	m := New(Hooks{}, slog.New(slog.DiscardHandler))
	factory := &fakeFactory{}
	m.RegisterFactory("order-sync", factory.build)
	return m, factory
}

func TestManager_ScaleUp(t *testing.T) {
	m, factory := newTestManager(t)

	created, stopped, err := m.Scale("order-sync", 3)
	require.NoError(t, err)
	assert.Len(t, created, 3)
	assert.Empty(t, stopped)
	assert.Len(t, factory.created, 3)

	summaries := m.List()
	require.Len(t, summaries, 1)
	assert.Equal(t, "order-sync", summaries[0].QueueName)
	assert.Equal(t, 3, summaries[0].Running)
	assert.Equal(t, 0, summaries[0].Paused)
	assert.Len(t, summaries[0].Workers, 3)
	for _, w := range summaries[0].Workers {
		assert.Equal(t, StateRunning, w.State)
		assert.NotEmpty(t, w.ID)
	}
}

func TestManager_ScaleDown_StopsOldestFirst(t *testing.T) {
	m, factory := newTestManager(t)

	_, _, err := m.Scale("order-sync", 3)
	require.NoError(t, err)

	created, stopped, err := m.Scale("order-sync", 1)
	require.NoError(t, err)
	assert.Empty(t, created)
	assert.Equal(t, []string{factory.created[0].id, factory.created[1].id}, stopped)

	assert.Equal(t, 1, factory.created[0].closed)
	assert.Equal(t, 1, factory.created[1].closed)
	assert.Equal(t, 0, factory.created[2].closed)

	summaries := m.List()
	require.Len(t, summaries[0].Workers, 1)
	assert.Equal(t, factory.created[2].id, summaries[0].Workers[0].ID)
}

func TestManager_Scale_SameCountIsNoOp(t *testing.T) {
	m, factory := newTestManager(t)

	_, _, err := m.Scale("order-sync", 2)
	require.NoError(t, err)

	created, stopped, err := m.Scale("order-sync", 2)
	require.NoError(t, err)
	assert.Empty(t, created)
	assert.Empty(t, stopped)
	assert.Len(t, factory.created, 2)
}

func TestManager_Scale_UnknownQueue(t *testing.T) {
	m, _ := newTestManager(t)

	_, _, err := m.Scale("no-such-queue", 1)
	assert.ErrorIs(t, err, ErrUnknownQueue)
}

func TestManager_Scale_NegativeCount(t *testing.T) {
	m, _ := newTestManager(t)

	_, _, err := m.Scale("order-sync", -1)
	assert.Error(t, err)
}

func TestManager_Scale_FactoryFailure(t *testing.T) {
	m := New(Hooks{}, slog.New(slog.DiscardHandler))
	factory := &fakeFactory{err: errors.New("broker down")}
	m.RegisterFactory("order-sync", factory.build)

	_, _, err := m.Scale("order-sync", 1)
	assert.Error(t, err)
	assert.Empty(t, m.List()[0].Workers)
}

func TestManager_PauseResume_ByWorkerID(t *testing.T) {
	m, factory := newTestManager(t)
	_, _, err := m.Scale("order-sync", 2)
	require.NoError(t, err)

	target := factory.created[0].id

	ids, err := m.Pause(target)
	require.NoError(t, err)
	assert.Equal(t, []string{target}, ids)
	assert.Equal(t, 1, factory.created[0].paused)
	assert.Equal(t, 0, factory.created[1].paused)

	summaries := m.List()
	assert.Equal(t, 1, summaries[0].Running)
	assert.Equal(t, 1, summaries[0].Paused)
	states := map[string]string{}
	for _, w := range summaries[0].Workers {
		states[w.ID] = w.State
	}
	assert.Equal(t, StatePaused, states[factory.created[0].id])
	assert.Equal(t, StateRunning, states[factory.created[1].id])

	ids, err = m.Resume(target)
	require.NoError(t, err)
	assert.Equal(t, []string{target}, ids)
	assert.Equal(t, 1, factory.created[0].resumed)
}

func TestManager_PauseResume_ByQueueName(t *testing.T) {
	m, factory := newTestManager(t)
	_, _, err := m.Scale("order-sync", 3)
	require.NoError(t, err)

	ids, err := m.Pause("order-sync")
	require.NoError(t, err)
	assert.Len(t, ids, 3)
	for _, c := range factory.created {
		assert.Equal(t, 1, c.paused)
	}

	resumed, err := m.Resume("order-sync")
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, resumed)
}

func TestManager_Pause_SkipsAlreadyPaused(t *testing.T) {
	m, factory := newTestManager(t)
	_, _, err := m.Scale("order-sync", 2)
	require.NoError(t, err)

	_, err = m.Pause(factory.created[0].id)
	require.NoError(t, err)

	// queue-wide pause only reports the worker that actually transitioned
	ids, err := m.Pause("order-sync")
	require.NoError(t, err)
	assert.Equal(t, []string{factory.created[1].id}, ids)
	assert.Equal(t, 1, factory.created[0].paused)
}

func TestManager_Pause_UnknownTarget(t *testing.T) {
	m, _ := newTestManager(t)
	_, _, err := m.Scale("order-sync", 1)
	require.NoError(t, err)

	_, err = m.Pause("nope")
	assert.ErrorIs(t, err, ErrUnknownTarget)
}

func TestManager_Pause_EmptyRegisteredQueue(t *testing.T) {
	m, _ := newTestManager(t)

	ids, err := m.Pause("order-sync")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestManager_StopWorker(t *testing.T) {
	m, factory := newTestManager(t)
	_, _, err := m.Scale("order-sync", 2)
	require.NoError(t, err)

	err = m.StopWorker(factory.created[0].id)
	require.NoError(t, err)
	assert.Equal(t, 1, factory.created[0].closed)
	assert.Len(t, m.List()[0].Workers, 1)

	err = m.StopWorker(factory.created[0].id)
	assert.ErrorIs(t, err, ErrUnknownWorker)
}

// blockingConsumer holds its Close until released, like a worker draining
// a slow job.
type blockingConsumer struct {
	closing chan struct{}
	release chan struct{}
}

func (b *blockingConsumer) Pause() error  { return nil }
func (b *blockingConsumer) Resume() error { return nil }
func (b *blockingConsumer) Close() error {
	close(b.closing)
	<-b.release
	return nil
}

func TestManager_ScaleDownDoesNotBlockRegistryWhileDraining(t *testing.T) {
	m := New(Hooks{}, slog.New(slog.DiscardHandler))
	consumer := &blockingConsumer{closing: make(chan struct{}), release: make(chan struct{})}
	m.RegisterFactory("order-sync", func(string, Hooks) (Consumer, error) {
		return consumer, nil
	})

	_, _, err := m.Scale("order-sync", 1)
	require.NoError(t, err)

	scaled := make(chan struct{})
	go func() {
		defer close(scaled)
		_, stopped, serr := m.Scale("order-sync", 0)
		assert.NoError(t, serr)
		assert.Len(t, stopped, 1)
	}()

	<-consumer.closing

	// other control-plane calls must not wait for the drain
	listed := make(chan struct{})
	go func() {
		m.List()
		close(listed)
	}()
	select {
	case <-listed:
	case <-time.After(time.Second):
		t.Fatal("List blocked while a worker was draining")
	}

	close(consumer.release)
	select {
	case <-scaled:
	case <-time.After(time.Second):
		t.Fatal("scale down did not finish after the drain")
	}
}

func TestManager_StopAll_Idempotent(t *testing.T) {
	m, factory := newTestManager(t)
	_, _, err := m.Scale("order-sync", 3)
	require.NoError(t, err)

	m.StopAll()
	m.StopAll()

	for _, c := range factory.created {
		assert.Equal(t, 1, c.closed)
	}
	assert.Empty(t, m.List()[0].Workers)
}

func TestManager_Hooks_CountJobs(t *testing.T) {
	m, factory := newTestManager(t)
	_, _, err := m.Scale("order-sync", 2)
	require.NoError(t, err)

	factory.created[0].hooks.OnCompleted("job-1")
	factory.created[0].hooks.OnCompleted("job-2")
	factory.created[0].hooks.OnFailed("job-3", errors.New("crm down"))
	factory.created[1].hooks.OnCompleted("job-4")

	summaries := m.List()
	require.Len(t, summaries[0].Workers, 2)
	assert.Equal(t, uint64(2), summaries[0].Workers[0].JobsProcessed)
	assert.Equal(t, uint64(1), summaries[0].Workers[0].JobsFailed)
	assert.Equal(t, uint64(1), summaries[0].Workers[1].JobsProcessed)
	assert.Equal(t, uint64(3), summaries[0].JobsProcessed)
	assert.Equal(t, uint64(1), summaries[0].JobsFailed)
}

func TestManager_Hooks_ForwardToManagerHooks(t *testing.T) {
	var completed, failed []string
	m := New(Hooks{
		OnCompleted: func(jobID string) { completed = append(completed, jobID) },
		OnFailed:    func(jobID string, _ error) { failed = append(failed, jobID) },
	}, slog.New(slog.DiscardHandler))
	factory := &fakeFactory{}
	m.RegisterFactory("order-sync", factory.build)

	_, _, err := m.Scale("order-sync", 1)
	require.NoError(t, err)

	factory.created[0].hooks.OnCompleted("job-1")
	factory.created[0].hooks.OnFailed("job-2", errors.New("boom"))

	assert.Equal(t, []string{"job-1"}, completed)
	assert.Equal(t, []string{"job-2"}, failed)
}

func TestManager_List_IncludesIdleQueues(t *testing.T) {
	m, _ := newTestManager(t)
	m.RegisterFactory("another-queue", (&fakeFactory{}).build)

	summaries := m.List()
	require.Len(t, summaries, 2)
	assert.Equal(t, "another-queue", summaries[0].QueueName)
	assert.Equal(t, "order-sync", summaries[1].QueueName)
	assert.Empty(t, summaries[0].Workers)
}
