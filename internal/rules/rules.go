// Package rules holds the per-DataType conflict and merge rule table.
package rules

import (
	"slices"

	"github.com/learnsync/learnsync/internal/types"
)

// FieldRule is a custom merge rule for a single field.
type FieldRule string

const (
	RuleMax        FieldRule = "max"
	RuleMin        FieldRule = "min"
	RuleConcat     FieldRule = "concat"
	RuleClientWins FieldRule = "client-wins"
	RuleServerWins FieldRule = "server-wins"
)

// Rules describes how conflicts on one DataType are detected and merged.
type Rules struct {
	// IgnoreFields are volatile or telemetry fields never reported as
	// conflicting. The newer side's value is kept on merge.
	IgnoreFields []string `json:"ignore_fields,omitempty" yaml:"ignore_fields,omitempty"`
	// AutoMergeFields are safe to combine (counters take the max, sets the
	// union) and never reported as conflicting.
	AutoMergeFields []string `json:"auto_merge_fields,omitempty" yaml:"auto_merge_fields,omitempty"`
	// CriticalFields make a conflict critical.
	CriticalFields []string `json:"critical_fields,omitempty" yaml:"critical_fields,omitempty"`
	// ImportantFields make a conflict at least high severity.
	ImportantFields []string `json:"important_fields,omitempty" yaml:"important_fields,omitempty"`
	// UnionFields are array/set fields merged by set union.
	UnionFields []string `json:"union_fields,omitempty" yaml:"union_fields,omitempty"`
	// FieldRules are custom per-field merge rules.
	FieldRules map[string]FieldRule `json:"field_rules,omitempty" yaml:"field_rules,omitempty"`
	// ClientPriority fields take the client value in field-level merges.
	ClientPriority []string `json:"client_priority,omitempty" yaml:"client_priority,omitempty"`
	// ServerPriority fields keep the server value in field-level merges.
	ServerPriority []string `json:"server_priority,omitempty" yaml:"server_priority,omitempty"`
	// QueueWeight is added to the priority of offline operations.
	QueueWeight float64 `json:"queue_weight" yaml:"queue_weight"`
	// Semantic reports whether the type has semantic merge handlers.
	Semantic bool `json:"semantic" yaml:"semantic"`
}

// volatile fields ignored on every data type
var commonIgnore = []string{
	types.FieldLastSyncedAt,
	types.FieldLastAccessed,
	types.FieldDeviceTelemetry,
	types.FieldUpdatedAt,
}

var table = map[types.DataType]Rules{
	types.DataTypeUserProfile: {
		IgnoreFields:    commonIgnore,
		CriticalFields:  []string{types.FieldEmail},
		ImportantFields: []string{types.FieldDisplayName, types.FieldGradeLevel},
		UnionFields:     []string{types.FieldSubjects, types.FieldInterests},
		ClientPriority:  []string{types.FieldDisplayName, types.FieldTimezone},
		ServerPriority:  []string{types.FieldEmail, types.FieldGradeLevel},
		QueueWeight:     40,
	},
	types.DataTypeProgressRecord: {
		IgnoreFields:    commonIgnore,
		AutoMergeFields: []string{types.FieldViewCount, types.FieldAttemptCount},
		ImportantFields: []string{types.FieldAccuracy, types.FieldProgress, types.FieldStatus, types.FieldMastery},
		UnionFields:     []string{types.FieldCompleted},
		ServerPriority:  []string{types.FieldSubject, types.FieldTopic},
		QueueWeight:     50,
		Semantic:        true,
	},
	types.DataTypeActivityRecord: {
		IgnoreFields:    commonIgnore,
		ImportantFields: []string{types.FieldScore, types.FieldStatus},
		UnionFields:     []string{types.FieldTags},
		FieldRules: map[string]FieldRule{
			types.FieldDuration: RuleMax,
		},
		QueueWeight: 30,
		Semantic:    true,
	},
	types.DataTypeAchievement: {
		IgnoreFields:    commonIgnore,
		CriticalFields:  []string{types.FieldUnlocked},
		ImportantFields: []string{types.FieldLevel, types.FieldPoints},
		FieldRules: map[string]FieldRule{
			types.FieldPoints: RuleMax,
			types.FieldLevel:  RuleMax,
		},
		ServerPriority: []string{types.FieldTitle},
		QueueWeight:    45,
		Semantic:       true,
	},
	types.DataTypeUserSettings: {
		IgnoreFields:    commonIgnore,
		ImportantFields: []string{types.FieldLanguage},
		UnionFields:     []string{types.FieldAccessibility},
		ClientPriority:  []string{types.FieldTheme, types.FieldNotifications, types.FieldDailyGoal, types.FieldLanguage},
		QueueWeight:     20,
	},
	types.DataTypeTutorSession: {
		IgnoreFields:    commonIgnore,
		AutoMergeFields: []string{types.FieldMessageCount},
		ImportantFields: []string{types.FieldStatus},
		UnionFields:     []string{types.FieldTopics},
		FieldRules: map[string]FieldRule{
			types.FieldSummary: RuleConcat,
		},
		QueueWeight: 10,
		Semantic:    true,
	},
}

// For returns the rules for dt. Unknown data types get only the common
// ignore list.
func For(dt types.DataType) Rules {
	if r, ok := table[dt]; ok {
		return r
	}
	return Rules{IgnoreFields: commonIgnore}
}

// Has reports whether dt has an entry in the rule table.
func Has(dt types.DataType) bool {
	_, ok := table[dt]
	return ok
}

func (r Rules) Ignored(field string) bool   { return slices.Contains(r.IgnoreFields, field) }
func (r Rules) AutoMerged(field string) bool { return slices.Contains(r.AutoMergeFields, field) }
func (r Rules) Critical(field string) bool  { return slices.Contains(r.CriticalFields, field) }
func (r Rules) Important(field string) bool { return slices.Contains(r.ImportantFields, field) }
func (r Rules) Union(field string) bool     { return slices.Contains(r.UnionFields, field) }
func (r Rules) ClientFirst(field string) bool {
	return slices.Contains(r.ClientPriority, field)
}
func (r Rules) ServerFirst(field string) bool {
	return slices.Contains(r.ServerPriority, field)
}

// FieldRule returns the custom rule for field, if any.
func (r Rules) FieldRule(field string) (FieldRule, bool) {
	rule, ok := r.FieldRules[field]
	return rule, ok
}
