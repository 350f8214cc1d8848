package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/learnsync/learnsync/internal/canonstore"
	"github.com/learnsync/learnsync/internal/device"
	"github.com/learnsync/learnsync/internal/realtime"
	"github.com/learnsync/learnsync/internal/sync/cache"
	"github.com/learnsync/learnsync/internal/sync/conflict"
	"github.com/learnsync/learnsync/internal/sync/merge"
	"github.com/learnsync/learnsync/internal/sync/queue"
	"github.com/learnsync/learnsync/internal/sync/version"
	"github.com/learnsync/learnsync/internal/types"
)

// Phase is a step of a sync pass.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseDraining  Phase = "draining_offline_queue"
	PhasePushing   Phase = "pushing_local"
	PhaseDetecting Phase = "detecting_conflicts"
	PhaseResolving Phase = "resolving_conflicts"
	PhasePulling   Phase = "pulling_remote"
	PhaseNotifying Phase = "notifying_peers"
	PhaseFailed    Phase = "failed"
)

const resolvedByAuto = "auto"

// Notifier publishes real-time updates.
type Notifier interface {
	Publish(ctx context.Context, u types.RealtimeUpdate) realtime.PublishResult
}

// Policy is the per-device sync behaviour.
type Policy struct {
	// Strategy forces a merge strategy; empty selects one per conflict.
	Strategy types.Strategy
	// ManualResolution stores conflicts instead of merging them.
	ManualResolution bool
	// PriorityDataTypes are pushed before other changes, in order.
	PriorityDataTypes []types.DataType
}

// PolicyFunc returns the policy for a device.
type PolicyFunc func(userID, deviceID string) Policy

// Config wires a Coordinator to its collaborators.
type Config struct {
	Versions  version.Store
	Conflicts conflict.Repository
	Canonical canonstore.Store
	Cache     *cache.Store
	Queue     *queue.Queue

	// Optional collaborators.
	Notifier Notifier
	Devices  *device.Registry
	Detector *conflict.Detector
	Merger   *merge.Engine
	Policy   PolicyFunc

	Processor queue.ProcessorConfig

	// ConflictWindow is used when Detector is nil.
	ConflictWindow time.Duration

	// MaxApplyAttempts bounds how often a write is retried when the
	// record head moves underneath it.
	MaxApplyAttempts int

	Logger *log.Logger
	Now    func() time.Time
}

// Coordinator runs sync passes.
type Coordinator struct {
	versions  version.Store
	conflicts conflict.Repository
	canonical canonstore.Store
	cache     *cache.Store
	queue     *queue.Queue
	processor *queue.Processor
	notifier  Notifier
	devices   *device.Registry
	detector  *conflict.Detector
	merger    *merge.Engine
	policy    PolicyFunc

	maxAttempts int
	logger      *log.Logger
	now         func() time.Time

	mu      sync.Mutex
	cursors map[string]time.Time
	phases  map[string]Phase

	resolveMu sync.Mutex
}

// New creates a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	switch {
	case cfg.Versions == nil:
		return nil, errors.New("coordinator: version store is required")
	case cfg.Conflicts == nil:
		return nil, errors.New("coordinator: conflict repository is required")
	case cfg.Canonical == nil:
		return nil, errors.New("coordinator: canonical store is required")
	case cfg.Cache == nil:
		return nil, errors.New("coordinator: cache store is required")
	case cfg.Queue == nil:
		return nil, errors.New("coordinator: offline queue is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Detector == nil {
		cfg.Detector = conflict.NewDetector(cfg.Versions, conflict.Config{Window: cfg.ConflictWindow, Now: cfg.Now})
	}
	if cfg.Merger == nil {
		cfg.Merger = merge.NewEngine()
	}
	if cfg.Policy == nil {
		cfg.Policy = func(string, string) Policy { return Policy{} }
	}
	if cfg.MaxApplyAttempts <= 0 {
		cfg.MaxApplyAttempts = 3
	}
	if cfg.Processor.Logger == nil {
		cfg.Processor.Logger = cfg.Logger
	}

	c := &Coordinator{
		versions:    cfg.Versions,
		conflicts:   cfg.Conflicts,
		canonical:   cfg.Canonical,
		cache:       cfg.Cache,
		queue:       cfg.Queue,
		notifier:    cfg.Notifier,
		devices:     cfg.Devices,
		detector:    cfg.Detector,
		merger:      cfg.Merger,
		policy:      cfg.Policy,
		maxAttempts: cfg.MaxApplyAttempts,
		logger:      cfg.Logger,
		now:         cfg.Now,
		cursors:     make(map[string]time.Time),
		phases:      make(map[string]Phase),
	}
	c.processor = queue.NewProcessor(cfg.Queue, queue.ExecutorFunc(c.execute), cfg.Processor)
	return c, nil
}

// Processor returns the queue processor the coordinator drains with.
func (c *Coordinator) Processor() *queue.Processor { return c.processor }

// LocalChange is a change a device pushes during a pass.
type LocalChange struct {
	RecordID string
	DataType types.DataType
	// Content is the full record content, or only the changed fields when
	// Patch is set.
	Content types.Fields
	Patch   bool
	Deleted bool
	// BaseVersionID is the head the device last saw.
	BaseVersionID string
	ChangedFields []string
	// Timestamp is when the device made the change; zero means now.
	Timestamp time.Time
}

// Request describes one pass.
type Request struct {
	UserID       string
	DeviceID     string
	Connectivity types.Connectivity
	Changes      []LocalChange
	// Since overrides the pull cursor; zero uses the device's last pull.
	Since time.Time
	// Strategy overrides the policy's strategy for this pass.
	Strategy types.Strategy
}

// Result is the outcome of a pass. It is always returned, including for
// failed passes.
type Result struct {
	PassID            string                `json:"pass_id" yaml:"pass_id"`
	UserID            string                `json:"user_id" yaml:"user_id"`
	DeviceID          string                `json:"device_id" yaml:"device_id"`
	Phase             Phase                 `json:"phase" yaml:"phase"`
	FailedPhase       Phase                 `json:"failed_phase,omitempty" yaml:"failed_phase,omitempty"`
	StartedAt         time.Time             `json:"started_at" yaml:"started_at"`
	FinishedAt        time.Time             `json:"finished_at" yaml:"finished_at"`
	Queue             queue.Result          `json:"queue" yaml:"queue"`
	Pushed            int                   `json:"pushed" yaml:"pushed"`
	Written           []types.DataVersion   `json:"written,omitempty" yaml:"written,omitempty"`
	Conflicts         []types.DataConflict  `json:"conflicts,omitempty" yaml:"conflicts,omitempty"`
	ConflictsDetected int                   `json:"conflicts_detected" yaml:"conflicts_detected"`
	ConflictsResolved int                   `json:"conflicts_resolved" yaml:"conflicts_resolved"`
	Pulled            []canonstore.SyncData `json:"pulled,omitempty" yaml:"pulled,omitempty"`
	Errors            []types.SyncError     `json:"errors,omitempty" yaml:"errors,omitempty"`
	Warnings          []string              `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Failed reports whether the pass stopped early.
func (r *Result) Failed() bool { return r.Phase == PhaseFailed }

// Summary is the payload of the device_sync status update.
func (r *Result) Summary() types.Fields {
	return types.Fields{
		"pass_id":            r.PassID,
		"phase":              string(r.Phase),
		"failed_phase":       string(r.FailedPhase),
		"pushed":             r.Pushed,
		"written":            len(r.Written),
		"conflicts_detected": r.ConflictsDetected,
		"conflicts_resolved": r.ConflictsResolved,
		"pulled":             len(r.Pulled),
		"queue_processed":    r.Queue.Processed,
		"queue_remaining":    r.Queue.Remaining,
		"errors":             len(r.Errors),
		"warnings":           len(r.Warnings),
	}
}

// pass is the mutable state of one running pass.
type pass struct {
	req    Request
	policy Policy
	res    *Result

	mu      sync.Mutex
	pending []staged
}

func (p *pass) recordError(phase Phase, recordID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.res.Errors = append(p.res.Errors, types.NewSyncError(string(phase), recordID, err))
}

func (p *pass) written(v types.DataVersion) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.res.Written = append(p.res.Written, v)
}

func (p *pass) detected(dc types.DataConflict) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.res.Conflicts = append(p.res.Conflicts, dc)
	p.res.ConflictsDetected++
}

func (p *pass) resolved(dc types.DataConflict) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.res.Conflicts {
		if p.res.Conflicts[i].ID == dc.ID {
			p.res.Conflicts[i] = dc
		}
	}
	p.res.ConflictsResolved++
}

func (p *pass) strategy() types.Strategy {
	if p.req.Strategy != types.StrategyAuto {
		return p.req.Strategy
	}
	return p.policy.Strategy
}

func (p *pass) manual() bool {
	return p.policy.ManualResolution || p.strategy() == types.StrategyManual
}

type passKey struct{}

func deviceKey(userID, deviceID string) string { return userID + "/" + deviceID }

// Phase returns the phase a device's current or last pass is in.
func (c *Coordinator) Phase(userID, deviceID string) Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ph, ok := c.phases[deviceKey(userID, deviceID)]; ok {
		return ph
	}
	return PhaseIdle
}

func (c *Coordinator) enter(p *pass, ph Phase) {
	p.res.Phase = ph
	c.mu.Lock()
	c.phases[deviceKey(p.req.UserID, p.req.DeviceID)] = ph
	c.mu.Unlock()
}

// Sync runs one pass for the requesting device. The returned Result is
// never nil. The error is non-nil when the pass ended in PhaseFailed.
func (c *Coordinator) Sync(ctx context.Context, req Request) (*Result, error) {
	if req.Connectivity == "" {
		req.Connectivity = types.ConnectivityOnline
	}
	p := &pass{
		req:    req,
		policy: c.policy(req.UserID, req.DeviceID),
		res: &Result{
			PassID:    uuid.NewString(),
			UserID:    req.UserID,
			DeviceID:  req.DeviceID,
			Phase:     PhaseIdle,
			StartedAt: c.now(),
		},
	}
	if req.UserID == "" || req.DeviceID == "" {
		err := errors.New("user id and device id are required")
		c.fail(ctx, p, PhaseIdle, err)
		return p.res, err
	}
	if c.devices != nil {
		c.devices.Touch(ctx, types.DeviceInfo{ID: req.DeviceID, UserID: req.UserID})
	}

	steps := []struct {
		phase Phase
		run   func(context.Context, *pass) error
	}{
		{PhaseDraining, c.drain},
		{PhasePushing, c.push},
		{PhaseDetecting, c.detect},
		{PhaseResolving, c.resolve},
		{PhasePulling, c.pull},
		{PhaseNotifying, c.notifyPeers},
	}
	ctx = context.WithValue(ctx, passKey{}, p)
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			err = fmt.Errorf("%w: %v", types.ErrCancelled, err)
			c.fail(ctx, p, step.phase, err)
			return p.res, err
		}
		c.enter(p, step.phase)
		if err := step.run(ctx, p); err != nil {
			if ctx.Err() != nil && !errors.Is(err, types.ErrCancelled) {
				err = fmt.Errorf("%w: %v", types.ErrCancelled, err)
			}
			c.fail(ctx, p, step.phase, err)
			return p.res, err
		}
	}

	c.enter(p, PhaseIdle)
	p.res.FinishedAt = c.now()
	c.sendStatus(ctx, p)
	return p.res, nil
}

func (c *Coordinator) fail(ctx context.Context, p *pass, phase Phase, err error) {
	p.recordError(phase, "", err)
	p.res.FailedPhase = phase
	c.enter(p, PhaseFailed)
	p.res.FinishedAt = c.now()
	c.logger.Printf("WARNING: sync pass %s for %s/%s failed in %s: %v",
		p.res.PassID, p.req.UserID, p.req.DeviceID, phase, err)
	c.sendStatus(context.WithoutCancel(ctx), p)
}

// sendStatus emits the device_sync update that closes every pass.
func (c *Coordinator) sendStatus(ctx context.Context, p *pass) {
	if c.notifier == nil {
		return
	}
	c.notifier.Publish(ctx, types.RealtimeUpdate{
		UserID:        p.req.UserID,
		Kind:          types.MessageDeviceSync,
		Payload:       p.res.Summary(),
		TargetDevices: []string{p.req.DeviceID},
		Priority:      1,
	})
}

// drain replays the device's offline queue.
func (c *Coordinator) drain(ctx context.Context, p *pass) error {
	res, err := c.processor.Process(ctx, p.req.UserID, p.req.DeviceID, p.req.Connectivity)
	p.res.Queue = res
	p.res.Warnings = append(p.res.Warnings, res.Warnings...)
	if res.AlreadyProcessing {
		p.res.Warnings = append(p.res.Warnings, fmt.Sprintf("offline queue for %s: %v",
			queue.Key(p.req.UserID, p.req.DeviceID), types.ErrAlreadyProcessing))
	}
	return err
}

// push writes every local change that does not conflict and stages the
// rest for detection.
func (c *Coordinator) push(ctx context.Context, p *pass) error {
	changes := slices.Clone(p.req.Changes)
	order := func(dt types.DataType) int {
		if i := slices.Index(p.policy.PriorityDataTypes, dt); i >= 0 {
			return i
		}
		return len(p.policy.PriorityDataTypes)
	}
	slices.SortStableFunc(changes, func(a, b LocalChange) int { return order(a.DataType) - order(b.DataType) })

	for _, ch := range changes {
		if err := ctx.Err(); err != nil {
			return err
		}
		st, err := c.stage(ctx, p.req.UserID, p.req.DeviceID, ch, p)
		if err != nil {
			p.recordError(PhasePushing, ch.RecordID, err)
			continue
		}
		if st == nil {
			p.res.Pushed++
			continue
		}
		p.pending = append(p.pending, *st)
	}
	return nil
}

// detect records staged conflicts and parks the ones that need a person.
func (c *Coordinator) detect(ctx context.Context, p *pass) error {
	auto := p.pending[:0]
	for _, st := range p.pending {
		p.detected(*st.conflict)
		if !p.manual() {
			auto = append(auto, st)
			continue
		}
		if err := c.park(ctx, st.conflict); err != nil {
			p.recordError(PhaseDetecting, st.change.RecordID, err)
		}
	}
	p.pending = auto
	return nil
}

// resolve merges the remaining conflicts and writes the results.
func (c *Coordinator) resolve(ctx context.Context, p *pass) error {
	for _, st := range p.pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.settle(ctx, p.req.UserID, p.req.DeviceID, st, p); err != nil {
			p.recordError(PhaseResolving, st.change.RecordID, err)
		}
	}
	p.pending = nil
	return nil
}

// pull caches every change other devices made since the device's cursor.
func (c *Coordinator) pull(ctx context.Context, p *pass) error {
	key := deviceKey(p.req.UserID, p.req.DeviceID)
	since := p.req.Since
	if since.IsZero() {
		c.mu.Lock()
		since = c.cursors[key]
		c.mu.Unlock()
	}

	updates, err := c.canonical.FetchUpdatesSince(ctx, p.req.UserID, p.req.DeviceID, since)
	if err != nil {
		return fmt.Errorf("failed to fetch updates since %s: %w", since.Format(time.RFC3339), err)
	}

	cursor := since
	for _, u := range updates {
		if u.UpdatedAt.After(cursor) {
			cursor = u.UpdatedAt
		}
		if u.Deleted {
			c.cache.Delete(p.req.UserID, p.req.DeviceID, CacheKey(u.RecordID))
			continue
		}
		if err := c.cacheRecord(p.req.UserID, p.req.DeviceID, u.RecordID, u.DataType, u.Content); err != nil {
			p.res.Warnings = append(p.res.Warnings, fmt.Sprintf("cache %s: %v", u.RecordID, err))
		}
	}
	p.res.Pulled = updates

	c.mu.Lock()
	if cursor.After(c.cursors[key]) {
		c.cursors[key] = cursor
	}
	c.mu.Unlock()
	return nil
}

// notifyPeers tells the user's other devices about each written record.
func (c *Coordinator) notifyPeers(ctx context.Context, p *pass) error {
	if c.notifier == nil {
		return nil
	}
	for _, v := range p.res.Written {
		c.notifyWrite(ctx, v, p.req.DeviceID)
	}
	return nil
}

func (c *Coordinator) notifyWrite(ctx context.Context, v types.DataVersion, exclude string) {
	if c.notifier == nil {
		return
	}
	u := types.RealtimeUpdate{
		UserID:   v.UserID,
		Kind:     types.MessageDataSync,
		DataType: v.DataType,
		RecordID: v.RecordID,
		Payload: types.Fields{
			"version_id":     v.ID,
			"version":        v.Number,
			"changed_fields": v.ChangedFields,
			"deleted":        v.Deleted,
		},
	}
	if exclude != "" {
		u.ExcludeDevices = []string{exclude}
	}
	c.notifier.Publish(ctx, u)
}

// SyncDevice runs a pass with no local changes. It lets a connected
// device request a pull over the real-time channel.
func (c *Coordinator) SyncDevice(ctx context.Context, userID, deviceID string) error {
	_, err := c.Sync(ctx, Request{UserID: userID, DeviceID: deviceID, Connectivity: types.ConnectivityOnline})
	return err
}

// DrainDevice replays a device's offline queue outside of a full pass and
// notifies peers of what was written.
func (c *Coordinator) DrainDevice(ctx context.Context, userID, deviceID string, conn types.Connectivity) (queue.Result, error) {
	p := &pass{
		req:    Request{UserID: userID, DeviceID: deviceID, Connectivity: conn},
		policy: c.policy(userID, deviceID),
		res:    &Result{PassID: uuid.NewString(), UserID: userID, DeviceID: deviceID, StartedAt: c.now()},
	}
	res, err := c.processor.Process(context.WithValue(ctx, passKey{}, p), userID, deviceID, conn)
	for _, v := range p.res.Written {
		c.notifyWrite(context.WithoutCancel(ctx), v, deviceID)
	}
	for _, e := range p.res.Errors {
		c.logger.Printf("WARNING: drain %s/%s: %v", userID, deviceID, e)
	}
	return res, err
}

// Enqueue queues an offline operation for later replay.
func (c *Coordinator) Enqueue(ctx context.Context, op types.OfflineOperation) error {
	return c.queue.Add(ctx, op)
}

// CacheKey is the cache key a record's content is stored under.
func CacheKey(recordID string) string { return "record:" + recordID }

// tierFor maps a data type onto the cache tier its records live in.
func tierFor(dt types.DataType) cache.Tier {
	switch dt {
	case types.DataTypeUserProfile, types.DataTypeUserSettings:
		return cache.TierCritical
	case types.DataTypeProgressRecord, types.DataTypeAchievement:
		return cache.TierHigh
	case types.DataTypeActivityRecord:
		return cache.TierMedium
	default:
		return cache.TierLow
	}
}
