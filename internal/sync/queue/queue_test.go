package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learnsync/learnsync/internal/types"
)

var t0 = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func newTestQueue(t *testing.T, capacity int, p Persister) *Queue {
	t.Helper()
	var seq atomic.Int64
	return New(Config{
		Capacity:           capacity,
		DefaultMaxAttempts: 3,
		Persister:          p,
		Logger:             quietLogger(),
		Now:                func() time.Time { return t0 },
		NewID:              func() string { return fmt.Sprintf("op%d", seq.Add(1)) },
	})
}

func updateOp(record string) types.OfflineOperation {
	return types.OfflineOperation{
		UserID: "u1", DeviceID: "d1", RecordID: record,
		Kind: types.MutationUpdate, DataType: types.DataTypeProgressRecord,
		Payload: types.Fields{"accuracy": 0.5},
	}
}

func TestPriority(t *testing.T) {
	base := types.OfflineOperation{Kind: types.MutationUpdate, DataType: types.DataTypeProgressRecord, QueuedAt: t0}
	assert.InDelta(t, 130.0, Priority(base, t0), 1e-9)

	critical := base
	critical.Critical = true
	assert.InDelta(t, 1130.0, Priority(critical, t0), 1e-9)

	aged := base
	aged.QueuedAt = t0.Add(-10 * time.Hour)
	assert.InDelta(t, 129.0, Priority(aged, t0), 1e-9)

	create := base
	create.Kind = types.MutationCreate
	assert.Greater(t, Priority(create, t0), Priority(base, t0))

	merge := base
	merge.Kind = types.MutationMerge
	deleteOp := base
	deleteOp.Kind = types.MutationDelete
	assert.Greater(t, Priority(deleteOp, t0), Priority(base, t0))
	assert.Greater(t, Priority(base, t0), Priority(merge, t0))
}

func TestEnqueueCapacity(t *testing.T) {
	q := newTestQueue(t, 2, nil)
	assert.True(t, q.Enqueue(updateOp("r1")))
	assert.True(t, q.Enqueue(updateOp("r2")))
	assert.False(t, q.Enqueue(updateOp("r3")))

	err := q.Add(context.Background(), updateOp("r3"))
	assert.ErrorIs(t, err, types.ErrQueueFull)
	assert.Equal(t, 2, q.Len("u1", "d1"))

	// Other devices have their own capacity.
	other := updateOp("r1")
	other.DeviceID = "d2"
	assert.True(t, q.Enqueue(other))
}

func TestEnqueueInvalidAndDuplicate(t *testing.T) {
	q := newTestQueue(t, 10, nil)
	bad := updateOp("")
	assert.False(t, q.Enqueue(bad))

	op := updateOp("r1")
	op.ID = "fixed"
	assert.True(t, q.Enqueue(op))
	assert.True(t, q.Enqueue(op))
	assert.Equal(t, 1, q.Len("u1", "d1"))

	pending := q.Pending("u1", "d1")
	require.Len(t, pending, 1)
	assert.Equal(t, 3, pending[0].MaxAttempts)
	assert.Equal(t, t0, pending[0].QueuedAt)
}

func TestPendingOrder(t *testing.T) {
	q := newTestQueue(t, 10, nil)
	upd := updateOp("r-update")
	crit := updateOp("r-critical")
	crit.Critical = true
	create := updateOp("r-create")
	create.Kind = types.MutationCreate

	require.True(t, q.Enqueue(upd))
	require.True(t, q.Enqueue(crit))
	require.True(t, q.Enqueue(create))

	pending := q.Pending("u1", "d1")
	require.Len(t, pending, 3)
	assert.Equal(t, "r-critical", pending[0].RecordID)
	assert.Equal(t, "r-create", pending[1].RecordID)
	assert.Equal(t, "r-update", pending[2].RecordID)
}

func TestProcessSuccess(t *testing.T) {
	q := newTestQueue(t, 10, nil)
	for i := 0; i < 3; i++ {
		require.True(t, q.Enqueue(updateOp(fmt.Sprintf("r%d", i))))
	}

	var executed []string
	p := NewProcessor(q, ExecutorFunc(func(_ context.Context, op types.OfflineOperation) error {
		executed = append(executed, op.RecordID)
		return nil
	}), ProcessorConfig{Logger: quietLogger()})

	res, err := p.Process(context.Background(), "u1", "d1", types.ConnectivityOnline)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 3, Succeeded: 3}, res)
	assert.Len(t, executed, 3)
	assert.Equal(t, 0, q.Len("u1", "d1"))
}

func TestProcessOfflineSkips(t *testing.T) {
	q := newTestQueue(t, 10, nil)
	require.True(t, q.Enqueue(updateOp("r1")))
	p := NewProcessor(q, ExecutorFunc(func(context.Context, types.OfflineOperation) error {
		t.Fatal("executed while offline")
		return nil
	}), ProcessorConfig{Logger: quietLogger()})

	res, err := p.Process(context.Background(), "u1", "d1", types.ConnectivityOffline)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 1, res.Remaining)
}

func TestProcessUnknownDevice(t *testing.T) {
	q := newTestQueue(t, 10, nil)
	p := NewProcessor(q, ExecutorFunc(func(context.Context, types.OfflineOperation) error { return nil }), ProcessorConfig{Logger: quietLogger()})
	res, err := p.Process(context.Background(), "nobody", "none", types.ConnectivityOnline)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

func TestProcessBatchSize(t *testing.T) {
	q := newTestQueue(t, 100, nil)
	for i := 0; i < 8; i++ {
		require.True(t, q.Enqueue(updateOp(fmt.Sprintf("r%d", i))))
	}
	p := NewProcessor(q, ExecutorFunc(func(context.Context, types.OfflineOperation) error { return nil }),
		ProcessorConfig{BatchSize: 5, DegradedBatchSize: 2, DegradedDelay: time.Millisecond, Logger: quietLogger()})

	res, err := p.Process(context.Background(), "u1", "d1", types.ConnectivityDegraded)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 6, res.Remaining)

	res, err = p.Process(context.Background(), "u1", "d1", types.ConnectivityOnline)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Processed)
	assert.Equal(t, 1, res.Remaining)
}

func TestExhaustedOperationsAreDropped(t *testing.T) {
	q := newTestQueue(t, 10, nil)
	for i := 0; i < 3; i++ {
		require.True(t, q.Enqueue(updateOp(fmt.Sprintf("r%d", i))))
	}
	var calls atomic.Int64
	p := NewProcessor(q, ExecutorFunc(func(context.Context, types.OfflineOperation) error {
		calls.Add(1)
		return errors.New("unreachable")
	}), ProcessorConfig{Logger: quietLogger()})

	var warnings []string
	for cycle := 0; cycle < 3; cycle++ {
		res, err := p.Process(context.Background(), "u1", "d1", types.ConnectivityOnline)
		require.NoError(t, err)
		assert.Equal(t, 3, res.Failed)
		warnings = append(warnings, res.Warnings...)
	}

	assert.Equal(t, 0, q.Len("u1", "d1"))
	assert.Len(t, warnings, 3)
	for _, w := range warnings {
		assert.Contains(t, w, types.ErrOperationExhausted.Error())
	}
	failures := q.Failures("u1", "d1")
	assert.Len(t, failures, 3)
	assert.Equal(t, 3, failures[0].Attempts)

	// Never retried again.
	res, err := p.Process(context.Background(), "u1", "d1", types.ConnectivityOnline)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
	assert.Equal(t, int64(9), calls.Load())
}

func TestProcessNonReentrant(t *testing.T) {
	q := newTestQueue(t, 100, nil)
	for i := 0; i < 20; i++ {
		require.True(t, q.Enqueue(updateOp(fmt.Sprintf("r%d", i))))
	}

	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	counts := make(map[string]int)
	var once sync.Once

	p := NewProcessor(q, ExecutorFunc(func(_ context.Context, op types.OfflineOperation) error {
		once.Do(func() { close(started) })
		<-release
		mu.Lock()
		counts[op.ID]++
		mu.Unlock()
		return nil
	}), ProcessorConfig{BatchSize: 50, Logger: quietLogger()})

	done := make(chan Result)
	go func() {
		res, _ := p.Process(context.Background(), "u1", "d1", types.ConnectivityOnline)
		done <- res
	}()
	<-started

	second, err := p.Process(context.Background(), "u1", "d1", types.ConnectivityOnline)
	require.NoError(t, err)
	assert.True(t, second.AlreadyProcessing)
	assert.Equal(t, 0, second.Processed)

	close(release)
	first := <-done
	assert.Equal(t, 20, first.Succeeded)

	for id, n := range counts {
		assert.Equal(t, 1, n, "operation %s executed %d times", id, n)
	}
}

func TestDependencies(t *testing.T) {
	q := newTestQueue(t, 10, nil)
	parent := updateOp("parent")
	parent.ID = "parent"
	parent.MaxAttempts = 1
	child := updateOp("child")
	child.ID = "child"
	child.Critical = true
	child.DependsOn = []string{"parent"}
	grandchild := updateOp("grandchild")
	grandchild.ID = "grandchild"
	grandchild.DependsOn = []string{"child"}
	require.True(t, q.Enqueue(parent))
	require.True(t, q.Enqueue(child))
	require.True(t, q.Enqueue(grandchild))

	var executed []string
	p := NewProcessor(q, ExecutorFunc(func(_ context.Context, op types.OfflineOperation) error {
		executed = append(executed, op.ID)
		if op.ID == "parent" {
			return errors.New("rejected")
		}
		return nil
	}), ProcessorConfig{Logger: quietLogger()})

	res, err := p.Process(context.Background(), "u1", "d1", types.ConnectivityOnline)
	require.NoError(t, err)
	assert.Equal(t, []string{"parent"}, executed, "dependents never run before their dependency")
	assert.Equal(t, 3, res.Dropped)
	assert.Equal(t, 0, res.Remaining)
	assert.Len(t, q.Failures("u1", "d1"), 3)
}

func TestDependencyRunsFirstInSameBatch(t *testing.T) {
	q := newTestQueue(t, 10, nil)
	parent := updateOp("parent")
	parent.ID = "parent"
	parent.Kind = types.MutationCreate
	child := updateOp("child")
	child.ID = "child"
	child.DependsOn = []string{"parent"}
	require.True(t, q.Enqueue(child))
	require.True(t, q.Enqueue(parent))

	var executed []string
	p := NewProcessor(q, ExecutorFunc(func(_ context.Context, op types.OfflineOperation) error {
		executed = append(executed, op.ID)
		return nil
	}), ProcessorConfig{Logger: quietLogger()})

	res, err := p.Process(context.Background(), "u1", "d1", types.ConnectivityOnline)
	require.NoError(t, err)
	assert.Equal(t, []string{"parent", "child"}, executed)
	assert.Equal(t, 2, res.Succeeded)
}

func TestProcessCancelled(t *testing.T) {
	q := newTestQueue(t, 10, nil)
	require.True(t, q.Enqueue(updateOp("r1")))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewProcessor(q, ExecutorFunc(func(context.Context, types.OfflineOperation) error { return nil }), ProcessorConfig{Logger: quietLogger()})
	res, err := p.Process(ctx, "u1", "d1", types.ConnectivityOnline)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, res.Processed)
	assert.Equal(t, 1, res.Remaining)
}

type memPersister struct {
	mu   sync.Mutex
	data map[string][]types.OfflineOperation
}

func (m *memPersister) SaveOperations(_ context.Context, key string, ops []types.OfflineOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = ops
	return nil
}

func (m *memPersister) LoadOperations(_ context.Context, key string) ([]types.OfflineOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}

func TestPersistAndRestore(t *testing.T) {
	p := &memPersister{data: make(map[string][]types.OfflineOperation)}
	q := newTestQueue(t, 10, p)
	require.True(t, q.Enqueue(updateOp("r1")))
	crit := updateOp("r2")
	crit.Critical = true
	require.True(t, q.Enqueue(crit))

	saved := p.data[Key("u1", "d1")]
	require.Len(t, saved, 2)
	assert.Equal(t, "r2", saved[0].RecordID, "persisted in priority order")

	restored := newTestQueue(t, 10, p)
	n, err := restored.Restore(context.Background(), "u1", "d1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, restored.Len("u1", "d1"))
	assert.Equal(t, []DeviceKey{{UserID: "u1", DeviceID: "d1"}}, restored.Devices())

	assert.True(t, restored.Remove(context.Background(), "u1", "d1", saved[0].ID))
	assert.Len(t, p.data[Key("u1", "d1")], 1)
}
