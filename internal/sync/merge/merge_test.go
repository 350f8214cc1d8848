package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/learnsync/learnsync/internal/canonical"
	"github.com/learnsync/learnsync/internal/rules"
	"github.com/learnsync/learnsync/internal/sync/conflict"
	"github.com/learnsync/learnsync/internal/types"
)

var t0 = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

// newConflict builds a conflict whose client version is newer than the
// server version when clientNewer is set.
func newConflict(dt types.DataType, server, client types.Fields, clientNewer bool) *types.DataConflict {
	r := rules.For(dt)
	fields := conflict.DiffFields(r, server, client)
	clientAt := t0.Add(-time.Minute)
	if clientNewer {
		clientAt = t0.Add(time.Minute)
	}
	return &types.DataConflict{
		ID:            "c1",
		RecordID:      "r1",
		DataType:      dt,
		UserID:        "u1",
		ServerVersion: types.DataVersion{ID: "vs", Timestamp: t0},
		ClientVersion: types.DataVersion{ID: "vc", Timestamp: clientAt},
		Fields:        fields,
		Severity:      conflict.Severity(r, fields),
	}
}

func TestSemanticMergeAccuracy(t *testing.T) {
	server := types.Fields{"subject": "math", "accuracy": 0.7}
	client := types.Fields{"subject": "math", "accuracy": 0.9}
	c := newConflict(types.DataTypeProgressRecord, server, client, false)

	res, err := NewEngine().Merge(c, server, client, "")
	require.NoError(t, err)
	assert.Equal(t, types.StrategySemanticMerge, res.Strategy)
	assert.Equal(t, 0.9, res.Content["accuracy"])
	assert.Equal(t, "math", res.Content["subject"])
}

func TestSemanticMergeStatusDominance(t *testing.T) {
	server := types.Fields{"status": "completed", "progress": 1.0, "streak": 4}
	client := types.Fields{"status": "in_progress", "progress": 0.6, "streak": 7}
	c := newConflict(types.DataTypeProgressRecord, server, client, true)

	res, err := NewEngine().Merge(c, server, client, types.StrategySemanticMerge)
	require.NoError(t, err)
	assert.Equal(t, "completed", res.Content["status"])
	assert.Equal(t, 1.0, res.Content["progress"])
	assert.Equal(t, 7, res.Content["streak"])
}

func TestUnionMergeProperty(t *testing.T) {
	server := types.Fields{"completed_lessons": []any{"l1", "l2", "l2"}, "accuracy": 0.5}
	client := types.Fields{"completed_lessons": []any{"l3", "l1"}, "accuracy": 0.8}
	c := newConflict(types.DataTypeProgressRecord, server, client, false)

	assert.Equal(t, types.StrategyUnionMerge, SelectStrategy(c, rules.For(c.DataType)))

	res, err := NewEngine().Merge(c, server, client, "")
	require.NoError(t, err)
	assert.Equal(t, types.StrategyUnionMerge, res.Strategy)
	assert.Equal(t, []any{"l1", "l2", "l3"}, res.Content["completed_lessons"])
	// accuracy is important, so the high-severity semantic rule applies
	assert.Equal(t, 0.8, res.Content["accuracy"])
}

func TestUnionMergeOneSidedField(t *testing.T) {
	server := types.Fields{"topics": []any{"algebra"}}
	client := types.Fields{}
	c := newConflict(types.DataTypeTutorSession, server, client, true)

	res, err := NewEngine().Merge(c, server, client, "")
	require.NoError(t, err)
	assert.Equal(t, []any{"algebra"}, res.Content["topics"])
}

func TestCustomMerge(t *testing.T) {
	server := types.Fields{"points": 120, "level": 3, "title": "Sprinter"}
	client := types.Fields{"points": 90, "level": 4, "title": "Runner"}
	c := newConflict(types.DataTypeAchievement, server, client, true)

	res, err := NewEngine().Merge(c, server, client, "")
	require.NoError(t, err)
	assert.Equal(t, types.StrategyCustomMerge, res.Strategy)
	assert.Equal(t, 120, res.Content["points"])
	assert.Equal(t, 4, res.Content["level"])
	assert.Equal(t, "Sprinter", res.Content["title"], "title is server priority")
}

func TestCustomConcat(t *testing.T) {
	server := types.Fields{"summary": "fractions"}
	client := types.Fields{"summary": "decimals"}
	c := newConflict(types.DataTypeTutorSession, server, client, true)

	res, err := NewEngine().Merge(c, server, client, "")
	require.NoError(t, err)
	assert.Equal(t, "fractions\ndecimals", res.Content["summary"])
}

func TestFieldLevelMerge(t *testing.T) {
	server := types.Fields{"theme": "dark", "font_size": 12, "sound": "on"}
	client := types.Fields{"theme": "light", "font_size": 14, "sound": "off"}

	t.Run("client newer", func(t *testing.T) {
		c := newConflict(types.DataTypeUserSettings, server, client, true)
		res, err := NewEngine().Merge(c, server, client, "")
		require.NoError(t, err)
		assert.Equal(t, types.StrategyFieldLevel, res.Strategy)
		assert.Equal(t, "light", res.Content["theme"])
		assert.Equal(t, 14, res.Content["font_size"])
	})

	t.Run("server newer", func(t *testing.T) {
		c := newConflict(types.DataTypeUserSettings, server, client, false)
		res, err := NewEngine().Merge(c, server, client, "")
		require.NoError(t, err)
		assert.Equal(t, "light", res.Content["theme"], "theme is client priority")
		assert.Equal(t, 12, res.Content["font_size"])
		assert.Equal(t, "on", res.Content["sound"])
	})
}

func TestExplicitStrategies(t *testing.T) {
	server := types.Fields{"theme": "dark", "language": "en", "removed": true}
	client := types.Fields{"theme": "light", "language": "fr"}

	tests := []struct {
		strategy types.Strategy
		want     types.Fields
	}{
		{types.StrategyClientWins, types.Fields{"theme": "light", "language": "fr"}},
		{types.StrategyServerWins, types.Fields{"theme": "dark", "language": "en", "removed": true}},
		{types.StrategyLastWriterWins, types.Fields{"theme": "dark", "language": "en", "removed": true}},
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			c := newConflict(types.DataTypeUserSettings, server, client, false)
			res, err := NewEngine().Merge(c, server, client, tt.strategy)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Content)
			assert.Equal(t, tt.strategy, res.Strategy)
		})
	}
}

func TestManualStrategyFails(t *testing.T) {
	server := types.Fields{"theme": "dark"}
	client := types.Fields{"theme": "light"}
	c := newConflict(types.DataTypeUserSettings, server, client, false)

	_, err := NewEngine().Merge(c, server, client, types.StrategyManual)
	assert.ErrorIs(t, err, types.ErrConflict)

	_, err = NewEngine().Merge(c, server, client, "coin_flip")
	assert.Error(t, err)

	_, err = NewEngine().Merge(nil, server, client, "")
	assert.Error(t, err)
}

func TestVolatileAndAutoMergeFields(t *testing.T) {
	server := types.Fields{"accuracy": 0.5, "view_count": 10, "updated_at": "s"}
	client := types.Fields{"accuracy": 0.6, "view_count": 4, "updated_at": "c"}
	c := newConflict(types.DataTypeProgressRecord, server, client, true)

	res, err := NewEngine().Merge(c, server, client, "")
	require.NoError(t, err)
	assert.Equal(t, 10, res.Content["view_count"])
	assert.Equal(t, "c", res.Content["updated_at"])
}

func TestMergeDeterministic(t *testing.T) {
	server := types.Fields{
		"completed_lessons": []any{"a", "b"}, "accuracy": 0.4, "status": "started",
		"streak": 2, "topic": "x", "notes": map[string]any{"k": 1},
	}
	client := types.Fields{
		"completed_lessons": []any{"c", "a"}, "accuracy": 0.41, "status": "completed",
		"streak": 1, "topic": "y", "notes": map[string]any{"k": 2},
	}

	for _, strategy := range []types.Strategy{"", types.StrategyFieldLevel, types.StrategySemanticMerge, types.StrategyClientWins} {
		var first []byte
		for i := 0; i < 20; i++ {
			c := newConflict(types.DataTypeProgressRecord, server, client, true)
			res, err := NewEngine().Merge(c, server.Clone(), client.Clone(), strategy)
			require.NoError(t, err)
			out, err := canonical.Marshal(res.Content)
			require.NoError(t, err)
			if first == nil {
				first = out
				continue
			}
			assert.Equal(t, string(first), string(out), "strategy %q", strategy)
		}
	}
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	server := types.Fields{"completed_lessons": []any{"a"}}
	client := types.Fields{"completed_lessons": []any{"b"}}
	c := newConflict(types.DataTypeProgressRecord, server, client, true)

	res, err := NewEngine().Merge(c, server, client, "")
	require.NoError(t, err)
	res.Content["completed_lessons"].([]any)[0] = "zzz"

	assert.Equal(t, []any{"a"}, server["completed_lessons"])
	assert.Equal(t, []any{"b"}, client["completed_lessons"])
}
