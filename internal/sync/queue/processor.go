package queue

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/learnsync/learnsync/internal/types"
)

// Executor applies one offline operation to the canonical store.
type Executor interface {
	Execute(ctx context.Context, op types.OfflineOperation) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, op types.OfflineOperation) error

func (f ExecutorFunc) Execute(ctx context.Context, op types.OfflineOperation) error {
	return f(ctx, op)
}

// ProcessorConfig bounds a processing pass.
type ProcessorConfig struct {
	BatchSize         int
	DegradedBatchSize int
	// DegradedDelay paces operations under degraded connectivity.
	DegradedDelay time.Duration
	// OperationTimeout bounds a single Execute call.
	OperationTimeout time.Duration
	// BatchBudget bounds the whole pass.
	BatchBudget time.Duration

	Logger *log.Logger
}

// DefaultProcessorConfig returns sensible defaults.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		BatchSize:         10,
		DegradedBatchSize: 3,
		DegradedDelay:     500 * time.Millisecond,
		OperationTimeout:  30 * time.Second,
		BatchBudget:       2 * time.Minute,
	}
}

// Result summarizes one processing pass.
type Result struct {
	Processed int `json:"processed" yaml:"processed"`
	Succeeded int `json:"succeeded" yaml:"succeeded"`
	Failed    int `json:"failed" yaml:"failed"`
	Remaining int `json:"remaining" yaml:"remaining"`
	Dropped   int `json:"dropped" yaml:"dropped"`
	// AlreadyProcessing is set when another pass for the device was in
	// flight; nothing was executed.
	AlreadyProcessing bool `json:"already_processing,omitempty" yaml:"already_processing,omitempty"`
	// Skipped is set when the device was offline.
	Skipped  bool     `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Warnings []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Processor drains device queues through an Executor.
type Processor struct {
	queue  *Queue
	exec   Executor
	logger *log.Logger

	mu  sync.RWMutex
	cfg ProcessorConfig
}

// NewProcessor creates a Processor.
func NewProcessor(q *Queue, exec Executor, cfg ProcessorConfig) *Processor {
	def := DefaultProcessorConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.DegradedBatchSize <= 0 {
		cfg.DegradedBatchSize = def.DegradedBatchSize
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = def.OperationTimeout
	}
	if cfg.BatchBudget <= 0 {
		cfg.BatchBudget = def.BatchBudget
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Processor{queue: q, exec: exec, logger: cfg.Logger, cfg: cfg}
}

// SetPacing replaces batch sizes and the degraded delay.
func (p *Processor) SetPacing(batchSize, degradedBatchSize int, degradedDelay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if batchSize > 0 {
		p.cfg.BatchSize = batchSize
	}
	if degradedBatchSize > 0 {
		p.cfg.DegradedBatchSize = degradedBatchSize
	}
	p.cfg.DegradedDelay = degradedDelay
}

func (p *Processor) config() ProcessorConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Process runs one bounded batch for (user, device). A concurrent call for
// the same device returns immediately with AlreadyProcessing set. The
// returned error is non-nil only when ctx was cancelled; running out of
// batch budget just leaves operations for the next pass.
func (p *Processor) Process(ctx context.Context, userID, deviceID string, conn types.Connectivity) (Result, error) {
	var res Result
	dq := p.queue.device(userID, deviceID, false)
	if dq == nil {
		return res, nil
	}
	if conn == types.ConnectivityOffline {
		res.Skipped = true
		res.Remaining = p.queue.Len(userID, deviceID)
		return res, nil
	}
	if !dq.processing.CompareAndSwap(false, true) {
		res.AlreadyProcessing = true
		res.Remaining = p.queue.Len(userID, deviceID)
		return res, nil
	}
	defer dq.processing.Store(false)

	cfg := p.config()
	batchSize := cfg.BatchSize
	var limiter *rate.Limiter
	if conn == types.ConnectivityDegraded {
		batchSize = cfg.DegradedBatchSize
		if cfg.DegradedDelay > 0 {
			limiter = rate.NewLimiter(rate.Every(cfg.DegradedDelay), 1)
		}
	}

	budgetCtx, cancel := context.WithTimeout(ctx, cfg.BatchBudget)
	defer cancel()

	for _, op := range p.queue.dropOrphans(dq) {
		res.Dropped++
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s: operation %s on %s dropped: dependency dropped",
			types.ErrOperationExhausted, op.ID, op.RecordID))
	}

	for _, op := range p.queue.nextBatch(dq, batchSize) {
		if budgetCtx.Err() != nil {
			break
		}
		if limiter != nil {
			if err := limiter.Wait(budgetCtx); err != nil {
				break
			}
		}
		if p.queue.blocked(dq, op) {
			continue
		}

		opCtx, cancelOp := context.WithTimeout(budgetCtx, cfg.OperationTimeout)
		err := p.exec.Execute(opCtx, op)
		cancelOp()

		res.Processed++
		if err == nil {
			p.queue.complete(dq, op.ID)
			res.Succeeded++
			continue
		}

		res.Failed++
		if p.queue.fail(dq, op.ID, err) {
			res.Dropped++
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: operation %s on %s dropped after %d attempts: %v",
				types.ErrOperationExhausted, op.ID, op.RecordID, op.Attempts+1, err))
			p.logger.Printf("WARNING: dropped operation %s for %s/%s: %v", op.ID, userID, deviceID, err)
		}
	}

	for _, op := range p.queue.dropOrphans(dq) {
		res.Dropped++
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s: operation %s on %s dropped: dependency dropped",
			types.ErrOperationExhausted, op.ID, op.RecordID))
	}

	p.queue.persist(context.WithoutCancel(ctx), dq)
	res.Remaining = p.queue.Len(userID, deviceID)

	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("processing %s: %w", Key(userID, deviceID), err)
	}
	return res, nil
}
