package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeContent(t *testing.T) {
	c, err := DecodeContent(DataTypeProgressRecord, Fields{
		"subject":            "math",
		"accuracy":           0.9,
		"questions_answered": float64(12),
		"completed_lessons":  []any{"l1", "l2"},
		"unrelated":          "ignored",
	})
	require.NoError(t, err)

	p, ok := c.(*ProgressRecord)
	require.True(t, ok)
	assert.Equal(t, "math", p.Subject)
	assert.Equal(t, 0.9, p.Accuracy)
	assert.Equal(t, 12, p.Questions)
	assert.Equal(t, []string{"l1", "l2"}, p.CompletedLessons)
	assert.Equal(t, DataTypeProgressRecord, c.DataType())
}

func TestDecodeContentEveryType(t *testing.T) {
	for _, dt := range AllDataTypes() {
		c, err := DecodeContent(dt, Fields{})
		require.NoError(t, err, dt)
		assert.Equal(t, dt, c.DataType())
	}
}

func TestDecodeContentErrors(t *testing.T) {
	_, err := DecodeContent("NOTES", Fields{})
	assert.ErrorIs(t, err, ErrInvalidContent)

	_, err = DecodeContent(DataTypeAchievement, Fields{"unlocked": map[string]any{"x": 1}})
	assert.ErrorIs(t, err, ErrInvalidContent)
}

func TestStatusRank(t *testing.T) {
	assert.Greater(t, StatusRank(StatusCompleted), StatusRank(StatusInProgress))
	assert.Greater(t, StatusRank(StatusInProgress), StatusRank(StatusStarted))
	assert.Greater(t, StatusRank(StatusStarted), StatusRank(StatusNotStarted))
	assert.Equal(t, 0, StatusRank("paused"))
}
