package conflict

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learnsync/learnsync/internal/rules"
	"github.com/learnsync/learnsync/internal/types"
)

type stubHeads struct {
	head    types.DataVersion
	content types.Fields
	err     error
}

func (s *stubHeads) GetLatest(_ context.Context, recordID string) (types.DataVersion, types.Fields, error) {
	if s.err != nil {
		return types.DataVersion{}, nil, s.err
	}
	if s.head.ID == "" {
		return types.DataVersion{}, nil, fmt.Errorf("record %s: %w", recordID, types.ErrNotFound)
	}
	return s.head, s.content.Clone(), nil
}

var t0 = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func newDetector(heads HeadReader) *Detector {
	return NewDetector(heads, Config{
		Now:   func() time.Time { return t0 },
		NewID: func() string { return "c1" },
	})
}

func progressHead(at time.Time, accuracy float64) *stubHeads {
	return &stubHeads{
		head: types.DataVersion{
			ID: "vB", RecordID: "p1", DataType: types.DataTypeProgressRecord,
			Number: 2, Timestamp: at, DeviceID: "devB", UserID: "u1", PreviousVersionID: "v0",
		},
		content: types.Fields{"subject": "math", "accuracy": accuracy},
	}
}

func incomingFromA(previous string) types.DataVersion {
	return types.DataVersion{
		ID: "vA", RecordID: "p1", DataType: types.DataTypeProgressRecord,
		Timestamp: t0, DeviceID: "devA", UserID: "u1", PreviousVersionID: previous,
	}
}

func TestDetectSequentialEditIsNotConflict(t *testing.T) {
	// B wrote 10 minutes ago; A's edit shares B's previous version.
	d := newDetector(progressHead(t0.Add(-10*time.Minute), 0.7))

	c, err := d.Detect(context.Background(), "p1", incomingFromA("v0"), types.Fields{"subject": "math", "accuracy": 0.9})
	require.NoError(t, err)
	assert.Nil(t, c)

	// A built directly on B's version.
	c, err = d.Detect(context.Background(), "p1", incomingFromA("vB"), types.Fields{"subject": "math", "accuracy": 0.9})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestDetectConcurrentEdit(t *testing.T) {
	d := newDetector(progressHead(t0.Add(-2*time.Minute), 0.7))

	c, err := d.Detect(context.Background(), "p1", incomingFromA("vOther"), types.Fields{"subject": "math", "accuracy": 0.9})
	require.NoError(t, err)
	require.NotNil(t, c)

	assert.Equal(t, "c1", c.ID)
	assert.Equal(t, []string{"accuracy"}, c.Fields)
	assert.Equal(t, types.SeverityHigh, c.Severity, "accuracy is an important field")
	assert.Equal(t, "vB", c.ServerVersion.ID)
	assert.Equal(t, "vA", c.ClientVersion.ID)
	assert.Equal(t, 0.7, c.ServerContent["accuracy"])
	assert.Equal(t, 0.9, c.ClientContent["accuracy"])
	assert.Equal(t, "u1", c.UserID)
	assert.False(t, c.Resolved())
}

func TestDetectIgnoresVolatileAndAutoMergeFields(t *testing.T) {
	heads := progressHead(t0.Add(-time.Minute), 0.7)
	heads.content["last_synced_at"] = "yesterday"
	heads.content["view_count"] = 3
	d := newDetector(heads)

	c, err := d.Detect(context.Background(), "p1", incomingFromA("vOther"), types.Fields{
		"subject": "math", "accuracy": 0.7, "last_synced_at": "now", "view_count": 9,
	})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestDetectNewRecord(t *testing.T) {
	d := newDetector(&stubHeads{})
	c, err := d.Detect(context.Background(), "p1", incomingFromA(""), types.Fields{"accuracy": 1.0})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestDetectStoreError(t *testing.T) {
	d := newDetector(&stubHeads{err: errors.New("disk on fire")})
	_, err := d.Detect(context.Background(), "p1", incomingFromA(""), types.Fields{})
	assert.Error(t, err)
}

func TestDiffFieldsNumericEquality(t *testing.T) {
	r := rules.For(types.DataTypeProgressRecord)
	got := DiffFields(r,
		types.Fields{"streak": 3, "topic": "fractions", "gone": true},
		types.Fields{"streak": 3.0, "topic": "decimals", "added": 1},
	)
	assert.Equal(t, []string{"added", "gone", "topic"}, got)
}

func TestSeverity(t *testing.T) {
	profile := rules.For(types.DataTypeUserProfile)
	settings := rules.For(types.DataTypeUserSettings)

	tests := []struct {
		name   string
		r      rules.Rules
		fields []string
		want   types.Severity
	}{
		{"critical field", profile, []string{"email"}, types.SeverityCritical},
		{"important field", profile, []string{"display_name"}, types.SeverityHigh},
		{"more than five", settings, []string{"a", "b", "c", "d", "e", "f"}, types.SeverityHigh},
		{"two plain fields", settings, []string{"theme", "font"}, types.SeverityMedium},
		{"three plain fields", settings, []string{"theme", "font", "sound"}, types.SeverityLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Severity(tt.r, tt.fields))
		})
	}
}
