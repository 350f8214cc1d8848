// Package conflict decides whether an incoming version conflicts with the
// head of a record, and stores conflicts awaiting resolution.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/learnsync/learnsync/internal/canonical"
	"github.com/learnsync/learnsync/internal/rules"
	"github.com/learnsync/learnsync/internal/types"
)

// DefaultWindow is the timestamp gap under which two versions that do not
// descend from one another are treated as concurrent.
const DefaultWindow = 5 * time.Minute

// HeadReader is the part of the version store the detector needs.
type HeadReader interface {
	GetLatest(ctx context.Context, recordID string) (types.DataVersion, types.Fields, error)
}

// Detector finds conflicts between an incoming version and a record head.
type Detector struct {
	heads  HeadReader
	window time.Duration
	now    func() time.Time
	newID  func() string
}

// Config configures a Detector.
type Config struct {
	// Window is the concurrency window (default DefaultWindow).
	Window time.Duration
	Now    func() time.Time
	NewID  func() string
}

// NewDetector creates a Detector reading heads from the given store.
func NewDetector(heads HeadReader, cfg Config) *Detector {
	d := &Detector{
		heads:  heads,
		window: cfg.Window,
		now:    cfg.Now,
		newID:  cfg.NewID,
	}
	if d.window <= 0 {
		d.window = DefaultWindow
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.newID == nil {
		d.newID = func() string { return uuid.Must(uuid.NewV7()).String() }
	}
	return d
}

// Detect compares incoming against the record head. It returns nil when the
// record is new, when no meaningful field differs, or when the incoming
// version is sequential to the head.
func (d *Detector) Detect(ctx context.Context, recordID string, incoming types.DataVersion, incomingContent types.Fields) (*types.DataConflict, error) {
	head, current, err := d.heads.GetLatest(ctx, recordID)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read head of %s: %w", recordID, err)
	}
	return d.Compare(recordID, head, current, incoming, incomingContent), nil
}

// Compare is Detect against an already-fetched head.
func (d *Detector) Compare(recordID string, head types.DataVersion, current types.Fields, incoming types.DataVersion, incomingContent types.Fields) *types.DataConflict {
	dataType := incoming.DataType
	if dataType == "" {
		dataType = head.DataType
	}
	r := rules.For(dataType)

	fields := DiffFields(r, current, incomingContent)
	if len(fields) == 0 {
		return nil
	}
	if !d.Concurrent(head, incoming) {
		return nil
	}

	return &types.DataConflict{
		ID:            d.newID(),
		RecordID:      recordID,
		DataType:      dataType,
		UserID:        incoming.UserID,
		ServerVersion: head,
		ClientVersion: incoming,
		ServerContent: current.Clone(),
		ClientContent: incomingContent.Clone(),
		Fields:        fields,
		Severity:      Severity(r, fields),
		CreatedAt:     d.now(),
	}
}

// Concurrent reports whether incoming and head are concurrent: incoming
// was not built on head, and the two were written within the window.
func (d *Detector) Concurrent(head, incoming types.DataVersion) bool {
	if incoming.PreviousVersionID == head.ID {
		return false
	}
	gap := incoming.Timestamp.Sub(head.Timestamp)
	if gap < 0 {
		gap = -gap
	}
	return gap < d.window
}

// DiffFields returns, sorted, the fields whose values differ between a and
// b, skipping ignored and auto-merge fields. A field present on one side
// only counts as differing.
func DiffFields(r rules.Rules, a, b types.Fields) []string {
	var out []string
	seen := make(map[string]bool, len(a)+len(b))
	check := func(k string) {
		if seen[k] {
			return
		}
		seen[k] = true
		if r.Ignored(k) || r.AutoMerged(k) {
			return
		}
		av, aok := a[k]
		bv, bok := b[k]
		if aok != bok || !canonical.Equal(av, bv) {
			out = append(out, k)
		}
	}
	for k := range a {
		check(k)
	}
	for k := range b {
		check(k)
	}
	sort.Strings(out)
	return out
}

// Severity grades a conflict on the given fields.
func Severity(r rules.Rules, fields []string) types.Severity {
	for _, f := range fields {
		if r.Critical(f) {
			return types.SeverityCritical
		}
	}
	if len(fields) > 5 {
		return types.SeverityHigh
	}
	for _, f := range fields {
		if r.Important(f) {
			return types.SeverityHigh
		}
	}
	if len(fields) <= 2 {
		return types.SeverityMedium
	}
	return types.SeverityLow
}
