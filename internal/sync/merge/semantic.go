package merge

import (
	"math"

	"github.com/learnsync/learnsync/internal/types"
)

// semanticValues decodes both sides into their typed variant and returns
// merged values for the fields the variant understands. Content that does
// not decode yields no values, so every field falls back to field-level.
func semanticValues(dt types.DataType, server, client types.Fields) map[string]any {
	sc, err := types.DecodeContent(dt, server)
	if err != nil {
		return nil
	}
	cc, err := types.DecodeContent(dt, client)
	if err != nil {
		return nil
	}

	var out map[string]any
	switch s := sc.(type) {
	case *types.ProgressRecord:
		out = mergeProgress(s, cc.(*types.ProgressRecord))
	case *types.ActivityRecord:
		out = mergeActivity(s, cc.(*types.ActivityRecord))
	case *types.Achievement:
		out = mergeAchievement(s, cc.(*types.Achievement))
	case *types.TutorSession:
		out = mergeTutorSession(s, cc.(*types.TutorSession))
	default:
		return nil
	}
	return out
}

func mergeProgress(s, c *types.ProgressRecord) map[string]any {
	out := map[string]any{
		types.FieldAccuracy:  math.Max(s.Accuracy, c.Accuracy),
		types.FieldProgress:  math.Max(s.Progress, c.Progress),
		types.FieldMastery:   math.Max(s.MasteryLevel, c.MasteryLevel),
		types.FieldQuestions: max(s.Questions, c.Questions),
		types.FieldStreak:    max(s.Streak, c.Streak),
		types.FieldTimeSpent: math.Max(s.TimeSpent, c.TimeSpent),
	}
	if status, ok := dominantStatus(s.Status, c.Status); ok {
		out[types.FieldStatus] = status
	}
	return out
}

func mergeActivity(s, c *types.ActivityRecord) map[string]any {
	out := map[string]any{
		types.FieldScore:    math.Max(s.Score, c.Score),
		types.FieldDuration: math.Max(s.Duration, c.Duration),
	}
	if status, ok := dominantStatus(s.Status, c.Status); ok {
		out[types.FieldStatus] = status
	}
	return out
}

func mergeAchievement(s, c *types.Achievement) map[string]any {
	return map[string]any{
		// once unlocked, stays unlocked
		types.FieldUnlocked: s.Unlocked || c.Unlocked,
		types.FieldLevel:    max(s.Level, c.Level),
		types.FieldPoints:   max(s.Points, c.Points),
		types.FieldProgress: math.Max(s.Progress, c.Progress),
	}
}

func mergeTutorSession(s, c *types.TutorSession) map[string]any {
	out := map[string]any{
		types.FieldMessageCount: max(s.MessageCount, c.MessageCount),
		types.FieldDuration:     math.Max(s.Duration, c.Duration),
	}
	if status, ok := dominantStatus(s.Status, c.Status); ok {
		out[types.FieldStatus] = status
	}
	return out
}

// dominantStatus returns the higher-ranked status. Two different statuses
// of equal rank have no dominant value.
func dominantStatus(a, b string) (string, bool) {
	if a == b {
		return a, true
	}
	ra, rb := types.StatusRank(a), types.StatusRank(b)
	switch {
	case ra > rb:
		return a, true
	case rb > ra:
		return b, true
	}
	return "", false
}
