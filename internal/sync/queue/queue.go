// Package queue holds per-device offline operations and replays them when
// the device is reachable again.
package queue

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/learnsync/learnsync/internal/rules"
	"github.com/learnsync/learnsync/internal/types"
)

// maxFailures bounds the per-device failure log.
const maxFailures = 100

// Persister stores queue contents between restarts.
type Persister interface {
	SaveOperations(ctx context.Context, key string, ops []types.OfflineOperation) error
	LoadOperations(ctx context.Context, key string) ([]types.OfflineOperation, error)
}

// Config configures a Queue.
type Config struct {
	// Capacity is the maximum number of pending operations per device.
	Capacity int
	// DefaultMaxAttempts applies to operations enqueued without one.
	DefaultMaxAttempts int
	// Persister is optional.
	Persister Persister

	Logger *log.Logger
	Now    func() time.Time
	NewID  func() string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:           1000,
		DefaultMaxAttempts: 3,
	}
}

// Failure is a queue-level error: an operation dropped after exhausting
// its attempts, or dropped because a dependency was.
type Failure struct {
	OperationID string    `json:"operation_id" yaml:"operation_id"`
	RecordID    string    `json:"record_id" yaml:"record_id"`
	Attempts    int       `json:"attempts" yaml:"attempts"`
	Error       string    `json:"error" yaml:"error"`
	At          time.Time `json:"at" yaml:"at"`
}

// DeviceKey identifies one device queue.
type DeviceKey struct {
	UserID   string
	DeviceID string
}

// Queue holds one ordered operation queue per (user, device).
type Queue struct {
	cfg    Config
	logger *log.Logger
	now    func() time.Time
	newID  func() string

	mu     sync.Mutex
	queues map[string]*deviceQueue
}

type deviceQueue struct {
	key DeviceKey

	mu       sync.Mutex
	ops      map[string]*types.OfflineOperation
	dropped  map[string]bool
	failures []Failure

	processing atomic.Bool
}

// New creates a Queue.
func New(cfg Config) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig().Capacity
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = DefaultConfig().DefaultMaxAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.Must(uuid.NewV7()).String() }
	}
	return &Queue{
		cfg:    cfg,
		logger: cfg.Logger,
		now:    cfg.Now,
		newID:  cfg.NewID,
		queues: make(map[string]*deviceQueue),
	}
}

// Key is the persistence key of a device queue.
func Key(userID, deviceID string) string {
	return fmt.Sprintf("offline_operations:%s:%s", userID, deviceID)
}

// kind weights for Priority
var kindWeight = map[types.MutationKind]float64{
	types.MutationCreate: 100,
	types.MutationDelete: 90,
	types.MutationUpdate: 80,
	types.MutationMerge:  70,
}

// Priority scores an operation at now. Higher runs first.
func Priority(op types.OfflineOperation, now time.Time) float64 {
	var score float64
	if op.Critical {
		score += 1000
	}
	if !op.QueuedAt.IsZero() {
		score -= 0.1 * now.Sub(op.QueuedAt).Hours()
	}
	score += kindWeight[op.Kind]
	score += rules.For(op.DataType).QueueWeight
	return score
}

// Enqueue adds op and reports whether it was accepted. It returns false
// when the device queue is full or op is invalid.
func (q *Queue) Enqueue(op types.OfflineOperation) bool {
	if err := q.Add(context.Background(), op); err != nil {
		q.logger.Printf("WARNING: rejected operation for %s/%s: %v", op.UserID, op.DeviceID, err)
		return false
	}
	return true
}

// Add is Enqueue with an error describing why an operation was refused.
// Re-adding a pending operation id is a no-op.
func (q *Queue) Add(ctx context.Context, op types.OfflineOperation) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("invalid operation: %w", err)
	}
	if op.ID == "" {
		op.ID = q.newID()
	}
	if op.QueuedAt.IsZero() {
		op.QueuedAt = q.now()
	}
	if op.MaxAttempts <= 0 {
		op.MaxAttempts = q.cfg.DefaultMaxAttempts
	}
	op.Payload = op.Payload.Clone()
	op.DependsOn = slices.Clone(op.DependsOn)

	dq := q.device(op.UserID, op.DeviceID, true)
	dq.mu.Lock()
	if _, exists := dq.ops[op.ID]; exists {
		dq.mu.Unlock()
		return nil
	}
	if len(dq.ops) >= q.cfg.Capacity {
		dq.mu.Unlock()
		return fmt.Errorf("%s holds %d operations: %w", Key(op.UserID, op.DeviceID), q.cfg.Capacity, types.ErrQueueFull)
	}
	dq.ops[op.ID] = &op
	dq.mu.Unlock()

	q.persist(ctx, dq)
	return nil
}

// Pending returns the device's operations in processing order.
func (q *Queue) Pending(userID, deviceID string) []types.OfflineOperation {
	dq := q.device(userID, deviceID, false)
	if dq == nil {
		return nil
	}
	dq.mu.Lock()
	defer dq.mu.Unlock()
	return q.ordered(dq)
}

// Len returns the number of pending operations for the device.
func (q *Queue) Len(userID, deviceID string) int {
	dq := q.device(userID, deviceID, false)
	if dq == nil {
		return 0
	}
	dq.mu.Lock()
	defer dq.mu.Unlock()
	return len(dq.ops)
}

// Failures returns the device's queue-level errors, oldest first.
func (q *Queue) Failures(userID, deviceID string) []Failure {
	dq := q.device(userID, deviceID, false)
	if dq == nil {
		return nil
	}
	dq.mu.Lock()
	defer dq.mu.Unlock()
	return slices.Clone(dq.failures)
}

// Remove cancels a pending operation.
func (q *Queue) Remove(ctx context.Context, userID, deviceID, opID string) bool {
	dq := q.device(userID, deviceID, false)
	if dq == nil {
		return false
	}
	dq.mu.Lock()
	_, ok := dq.ops[opID]
	delete(dq.ops, opID)
	dq.mu.Unlock()
	if ok {
		q.persist(ctx, dq)
	}
	return ok
}

// Devices lists the devices that have pending operations.
func (q *Queue) Devices() []DeviceKey {
	q.mu.Lock()
	queues := make([]*deviceQueue, 0, len(q.queues))
	for _, dq := range q.queues {
		queues = append(queues, dq)
	}
	q.mu.Unlock()

	var out []DeviceKey
	for _, dq := range queues {
		dq.mu.Lock()
		if len(dq.ops) > 0 {
			out = append(out, dq.key)
		}
		dq.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out
}

// Restore loads persisted operations for the device. It returns how many
// were added.
func (q *Queue) Restore(ctx context.Context, userID, deviceID string) (int, error) {
	if q.cfg.Persister == nil {
		return 0, nil
	}
	ops, err := q.cfg.Persister.LoadOperations(ctx, Key(userID, deviceID))
	if err != nil {
		return 0, fmt.Errorf("failed to load %s: %w", Key(userID, deviceID), err)
	}

	dq := q.device(userID, deviceID, true)
	dq.mu.Lock()
	defer dq.mu.Unlock()
	added := 0
	for i := range ops {
		op := ops[i]
		if _, exists := dq.ops[op.ID]; exists || len(dq.ops) >= q.cfg.Capacity {
			continue
		}
		dq.ops[op.ID] = &op
		added++
	}
	return added, nil
}

func (q *Queue) device(userID, deviceID string, create bool) *deviceQueue {
	key := Key(userID, deviceID)
	q.mu.Lock()
	defer q.mu.Unlock()
	dq, ok := q.queues[key]
	if !ok && create {
		dq = &deviceQueue{
			key:     DeviceKey{UserID: userID, DeviceID: deviceID},
			ops:     make(map[string]*types.OfflineOperation),
			dropped: make(map[string]bool),
		}
		q.queues[key] = dq
	}
	return dq
}

// ordered returns copies of the pending operations, highest priority
// first, then oldest, then by id. Caller holds dq.mu.
func (q *Queue) ordered(dq *deviceQueue) []types.OfflineOperation {
	now := q.now()
	out := make([]types.OfflineOperation, 0, len(dq.ops))
	for _, op := range dq.ops {
		out = append(out, *op)
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := Priority(out[i], now), Priority(out[j], now)
		if pi != pj {
			return pi > pj
		}
		if !out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].QueuedAt.Before(out[j].QueuedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (q *Queue) persist(ctx context.Context, dq *deviceQueue) {
	if q.cfg.Persister == nil {
		return
	}
	dq.mu.Lock()
	ops := q.ordered(dq)
	dq.mu.Unlock()

	key := Key(dq.key.UserID, dq.key.DeviceID)
	if err := q.cfg.Persister.SaveOperations(ctx, key, ops); err != nil {
		q.logger.Printf("WARNING: failed to persist %s: %v", key, err)
	}
}

// complete removes a succeeded operation.
func (q *Queue) complete(dq *deviceQueue, opID string) {
	dq.mu.Lock()
	defer dq.mu.Unlock()
	delete(dq.ops, opID)
}

// fail records a failed attempt. It reports whether the operation was
// dropped for exhausting its attempts.
func (q *Queue) fail(dq *deviceQueue, opID string, cause error) bool {
	dq.mu.Lock()
	defer dq.mu.Unlock()
	op, ok := dq.ops[opID]
	if !ok {
		return false
	}
	op.Attempts++
	op.LastError = cause.Error()
	if op.Attempts < op.MaxAttempts {
		return false
	}
	q.drop(dq, op, fmt.Errorf("%s after %d attempts: %v", types.ErrOperationExhausted, op.Attempts, cause))
	return true
}

// drop removes op and records a failure. Caller holds dq.mu.
func (q *Queue) drop(dq *deviceQueue, op *types.OfflineOperation, reason error) {
	delete(dq.ops, op.ID)
	dq.dropped[op.ID] = true
	dq.failures = append(dq.failures, Failure{
		OperationID: op.ID,
		RecordID:    op.RecordID,
		Attempts:    op.Attempts,
		Error:       reason.Error(),
		At:          q.now(),
	})
	if len(dq.failures) > maxFailures {
		dq.failures = dq.failures[len(dq.failures)-maxFailures:]
	}
}

// dropOrphans drops operations whose dependencies were dropped, repeating
// until no more are found. It returns the dropped operations.
func (q *Queue) dropOrphans(dq *deviceQueue) []types.OfflineOperation {
	dq.mu.Lock()
	defer dq.mu.Unlock()

	var out []types.OfflineOperation
	for {
		changed := false
		for _, op := range dq.ops {
			for _, dep := range op.DependsOn {
				if dq.dropped[dep] {
					q.drop(dq, op, fmt.Errorf("%s: dependency %s was dropped", types.ErrOperationExhausted, dep))
					out = append(out, *op)
					changed = true
					break
				}
			}
		}
		if !changed {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// nextBatch selects up to n operations in priority order whose
// dependencies are already done or selected earlier in the batch.
func (q *Queue) nextBatch(dq *deviceQueue, n int) []types.OfflineOperation {
	dq.mu.Lock()
	defer dq.mu.Unlock()

	selected := make(map[string]bool)
	var batch []types.OfflineOperation
	for _, op := range q.ordered(dq) {
		if len(batch) >= n {
			break
		}
		ready := true
		for _, dep := range op.DependsOn {
			if _, pending := dq.ops[dep]; pending && !selected[dep] {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		selected[op.ID] = true
		batch = append(batch, op)
	}
	return batch
}

// blocked reports whether any dependency of op is still pending.
func (q *Queue) blocked(dq *deviceQueue, op types.OfflineOperation) bool {
	dq.mu.Lock()
	defer dq.mu.Unlock()
	for _, dep := range op.DependsOn {
		if _, pending := dq.ops[dep]; pending {
			return true
		}
	}
	return false
}
