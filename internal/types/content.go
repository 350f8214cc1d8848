package types

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// Content is the typed view of a record's fields. Each DataType has exactly
// one variant; merge logic works on these instead of raw maps.
type Content interface {
	DataType() DataType
}

// Field names shared by the typed variants.
const (
	FieldDisplayName     = "display_name"
	FieldEmail           = "email"
	FieldGradeLevel      = "grade_level"
	FieldSubjects        = "subjects"
	FieldInterests       = "interests"
	FieldTimezone        = "timezone"
	FieldSubject         = "subject"
	FieldTopic           = "topic"
	FieldStatus          = "status"
	FieldAccuracy        = "accuracy"
	FieldProgress        = "progress"
	FieldMastery         = "mastery_level"
	FieldQuestions       = "questions_answered"
	FieldStreak          = "streak"
	FieldTimeSpent       = "time_spent"
	FieldCompleted       = "completed_lessons"
	FieldScore           = "score"
	FieldDuration        = "duration"
	FieldTags            = "tags"
	FieldUnlocked        = "unlocked"
	FieldLevel           = "level"
	FieldPoints          = "points"
	FieldMessageCount    = "message_count"
	FieldTopics          = "topics"
	FieldTheme           = "theme"
	FieldLanguage        = "language"
	FieldNotifications   = "notifications_enabled"
	FieldDailyGoal       = "daily_goal_minutes"
	FieldAccessibility   = "accessibility"
	FieldLastSyncedAt    = "last_synced_at"
	FieldLastAccessed    = "last_accessed"
	FieldDeviceTelemetry = "device_telemetry"
	FieldUpdatedAt       = "updated_at"
	FieldViewCount       = "view_count"
	FieldAttemptCount    = "attempt_count"
	FieldTitle           = "title"
	FieldKind            = "kind"
	FieldSummary         = "summary"
)

// Status values with a dominance order; see StatusRank.
const (
	StatusNotStarted = "not_started"
	StatusStarted    = "started"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// StatusRank orders progress statuses so that "completed" dominates.
// Unknown statuses rank 0.
func StatusRank(status string) int {
	switch status {
	case StatusCompleted:
		return 4
	case StatusInProgress:
		return 3
	case StatusStarted:
		return 2
	case StatusNotStarted:
		return 1
	}
	return 0
}

type UserProfile struct {
	DisplayName string   `mapstructure:"display_name"`
	Email       string   `mapstructure:"email"`
	GradeLevel  int      `mapstructure:"grade_level"`
	Subjects    []string `mapstructure:"subjects"`
	Interests   []string `mapstructure:"interests"`
	Timezone    string   `mapstructure:"timezone"`
}

func (UserProfile) DataType() DataType { return DataTypeUserProfile }

type ProgressRecord struct {
	Subject          string   `mapstructure:"subject"`
	Topic            string   `mapstructure:"topic"`
	Status           string   `mapstructure:"status"`
	Accuracy         float64  `mapstructure:"accuracy"`
	Progress         float64  `mapstructure:"progress"`
	MasteryLevel     float64  `mapstructure:"mastery_level"`
	Questions        int      `mapstructure:"questions_answered"`
	Streak           int      `mapstructure:"streak"`
	TimeSpent        float64  `mapstructure:"time_spent"`
	CompletedLessons []string `mapstructure:"completed_lessons"`
}

func (ProgressRecord) DataType() DataType { return DataTypeProgressRecord }

type ActivityRecord struct {
	Kind     string   `mapstructure:"kind"`
	Subject  string   `mapstructure:"subject"`
	Status   string   `mapstructure:"status"`
	Score    float64  `mapstructure:"score"`
	Duration float64  `mapstructure:"duration"`
	Tags     []string `mapstructure:"tags"`
}

func (ActivityRecord) DataType() DataType { return DataTypeActivityRecord }

type Achievement struct {
	Title    string  `mapstructure:"title"`
	Level    int     `mapstructure:"level"`
	Points   int     `mapstructure:"points"`
	Progress float64 `mapstructure:"progress"`
	Unlocked bool    `mapstructure:"unlocked"`
}

func (Achievement) DataType() DataType { return DataTypeAchievement }

type UserSettings struct {
	Theme         string   `mapstructure:"theme"`
	Language      string   `mapstructure:"language"`
	Notifications bool     `mapstructure:"notifications_enabled"`
	DailyGoal     int      `mapstructure:"daily_goal_minutes"`
	Accessibility []string `mapstructure:"accessibility"`
}

func (UserSettings) DataType() DataType { return DataTypeUserSettings }

type TutorSession struct {
	Subject      string   `mapstructure:"subject"`
	Status       string   `mapstructure:"status"`
	MessageCount int      `mapstructure:"message_count"`
	Topics       []string `mapstructure:"topics"`
	Summary      string   `mapstructure:"summary"`
	Duration     float64  `mapstructure:"duration"`
}

func (TutorSession) DataType() DataType { return DataTypeTutorSession }

// DecodeContent decodes raw fields into the typed variant for dt. Unknown
// fields are ignored; numbers decoded from JSON convert to the variant's
// integer fields.
func DecodeContent(dt DataType, fields Fields) (Content, error) {
	var target Content
	switch dt {
	case DataTypeUserProfile:
		target = &UserProfile{}
	case DataTypeProgressRecord:
		target = &ProgressRecord{}
	case DataTypeActivityRecord:
		target = &ActivityRecord{}
	case DataTypeAchievement:
		target = &Achievement{}
	case DataTypeUserSettings:
		target = &UserSettings{}
	case DataTypeTutorSession:
		target = &TutorSession{}
	default:
		return nil, fmt.Errorf("%w: unknown data type %q", ErrInvalidContent, dt)
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build decoder: %w", err)
	}
	if err := dec.Decode(map[string]any(fields)); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidContent, dt, err)
	}
	return target, nil
}
