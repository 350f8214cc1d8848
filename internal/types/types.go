// Package types defines the data model shared by the sync engine packages.
package types

import (
	"fmt"
	"slices"
	"sort"
	"time"
)

// DataType identifies the kind of learning data a record holds.
type DataType string

const (
	DataTypeUserProfile    DataType = "USER_PROFILE"
	DataTypeProgressRecord DataType = "PROGRESS_RECORD"
	DataTypeActivityRecord DataType = "ACTIVITY_RECORD"
	DataTypeAchievement    DataType = "ACHIEVEMENT"
	DataTypeUserSettings   DataType = "USER_SETTINGS"
	DataTypeTutorSession   DataType = "TUTOR_SESSION"
)

// AllDataTypes returns every known data type in a stable order.
func AllDataTypes() []DataType {
	return []DataType{
		DataTypeUserProfile,
		DataTypeProgressRecord,
		DataTypeActivityRecord,
		DataTypeAchievement,
		DataTypeUserSettings,
		DataTypeTutorSession,
	}
}

// Valid reports whether d is a known data type.
func (d DataType) Valid() bool {
	return slices.Contains(AllDataTypes(), d)
}

// DeviceClass is the kind of client a device runs.
type DeviceClass string

const (
	DeviceMobile    DeviceClass = "mobile"
	DeviceWeb       DeviceClass = "web"
	DeviceExtension DeviceClass = "extension"
)

// DeviceInfo describes one of a user's devices. Devices are never
// hard-deleted; inactive ones are marked Expired.
type DeviceInfo struct {
	ID         string      `json:"id" yaml:"id"`
	UserID     string      `json:"user_id" yaml:"user_id"`
	Class      DeviceClass `json:"class" yaml:"class"`
	Platform   string      `json:"platform,omitempty" yaml:"platform,omitempty"`
	AppVersion string      `json:"app_version,omitempty" yaml:"app_version,omitempty"`
	FirstSeen  time.Time   `json:"first_seen" yaml:"first_seen"`
	LastSeen   time.Time   `json:"last_seen" yaml:"last_seen"`
	Online     bool        `json:"online" yaml:"online"`
	Expired    bool        `json:"expired,omitempty" yaml:"expired,omitempty"`
}

// Fields is record content keyed by field name.
type Fields map[string]any

// Clone returns a deep copy of f. Nested maps and slices are copied so the
// result can be mutated without touching f.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

// Keys returns the field names in sorted order.
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case Fields:
		return val.Clone()
	case map[string]any:
		return map[string]any(Fields(val).Clone())
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return slices.Clone(val)
	default:
		return v
	}
}

// DataVersion is one immutable entry in a record's history.
type DataVersion struct {
	ID                string    `json:"id" yaml:"id"`
	RecordID          string    `json:"record_id" yaml:"record_id"`
	DataType          DataType  `json:"data_type" yaml:"data_type"`
	Number            int64     `json:"number" yaml:"number"`
	Timestamp         time.Time `json:"timestamp" yaml:"timestamp"`
	DeviceID          string    `json:"device_id" yaml:"device_id"`
	UserID            string    `json:"user_id" yaml:"user_id"`
	Checksum          string    `json:"checksum" yaml:"checksum"`
	ChangedFields     []string  `json:"changed_fields,omitempty" yaml:"changed_fields,omitempty"`
	PreviousVersionID string    `json:"previous_version_id,omitempty" yaml:"previous_version_id,omitempty"`
	Deleted           bool      `json:"deleted,omitempty" yaml:"deleted,omitempty"`
}

// SyncRecord is the current state of a record: its head version and content.
type SyncRecord struct {
	RecordID string      `json:"record_id"`
	DataType DataType    `json:"data_type"`
	Content  Fields      `json:"content"`
	Version  DataVersion `json:"version"`
	Deleted  bool        `json:"deleted"`
}

// Severity ranks how disruptive a conflict is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Strategy is a conflict resolution strategy.
type Strategy string

const (
	StrategyAuto           Strategy = ""
	StrategyUnionMerge     Strategy = "union_merge"
	StrategyCustomMerge    Strategy = "custom_merge"
	StrategySemanticMerge  Strategy = "semantic_merge"
	StrategyFieldLevel     Strategy = "field_level"
	StrategyClientWins     Strategy = "client_wins"
	StrategyServerWins     Strategy = "server_wins"
	StrategyLastWriterWins Strategy = "last_writer_wins"
	StrategyManual         Strategy = "manual"
)

// ParseStrategy validates a strategy name. The empty string selects
// automatic strategy choice.
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(s)
	switch st {
	case StrategyAuto, StrategyUnionMerge, StrategyCustomMerge, StrategySemanticMerge,
		StrategyFieldLevel, StrategyClientWins, StrategyServerWins,
		StrategyLastWriterWins, StrategyManual:
		return st, nil
	}
	return "", fmt.Errorf("unknown conflict strategy %q", s)
}

// DataConflict records two concurrent versions that changed overlapping
// fields. A conflict is resolved exactly once.
type DataConflict struct {
	ID            string      `json:"id" yaml:"id"`
	RecordID      string      `json:"record_id" yaml:"record_id"`
	DataType      DataType    `json:"data_type" yaml:"data_type"`
	UserID        string      `json:"user_id" yaml:"user_id"`
	ServerVersion DataVersion `json:"server_version" yaml:"server_version"`
	ClientVersion DataVersion `json:"client_version" yaml:"client_version"`
	ServerContent Fields      `json:"server_content,omitempty" yaml:"server_content,omitempty"`
	ClientContent Fields      `json:"client_content,omitempty" yaml:"client_content,omitempty"`
	Fields        []string    `json:"fields" yaml:"fields"`
	Severity      Severity    `json:"severity" yaml:"severity"`
	Strategy      Strategy    `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	CreatedAt     time.Time   `json:"created_at" yaml:"created_at"`
	ResolvedAt    *time.Time  `json:"resolved_at,omitempty" yaml:"resolved_at,omitempty"`
	ResolvedBy    string      `json:"resolved_by,omitempty" yaml:"resolved_by,omitempty"`
}

// Resolved reports whether the conflict has been resolved.
func (c *DataConflict) Resolved() bool {
	return c.ResolvedAt != nil
}

// MutationKind is the kind of change an offline operation carries.
type MutationKind string

const (
	MutationCreate MutationKind = "create"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
	MutationMerge  MutationKind = "merge"
)

// OfflineOperation is a mutation queued while a device could not reach
// the server.
type OfflineOperation struct {
	ID            string       `json:"id" yaml:"id"`
	UserID        string       `json:"user_id" yaml:"user_id"`
	DeviceID      string       `json:"device_id" yaml:"device_id"`
	Kind          MutationKind `json:"kind" yaml:"kind"`
	DataType      DataType     `json:"data_type" yaml:"data_type"`
	RecordID      string       `json:"record_id" yaml:"record_id"`
	Payload       Fields       `json:"payload,omitempty" yaml:"payload,omitempty"`
	BaseVersionID string       `json:"base_version_id,omitempty" yaml:"base_version_id,omitempty"`
	QueuedAt      time.Time    `json:"queued_at" yaml:"queued_at"`
	Attempts      int          `json:"attempts" yaml:"attempts"`
	MaxAttempts   int          `json:"max_attempts" yaml:"max_attempts"`
	Critical      bool         `json:"critical,omitempty" yaml:"critical,omitempty"`
	DependsOn     []string     `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	LastError     string       `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

// Validate checks the fields an operation needs before it can be queued.
func (op *OfflineOperation) Validate() error {
	if op.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if op.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if op.RecordID == "" {
		return fmt.Errorf("record_id is required")
	}
	switch op.Kind {
	case MutationCreate, MutationUpdate, MutationDelete, MutationMerge:
	default:
		return fmt.Errorf("unknown mutation kind %q", op.Kind)
	}
	if !op.DataType.Valid() {
		return fmt.Errorf("unknown data type %q", op.DataType)
	}
	return nil
}

// Connectivity is a device's network state as seen by the queue processor.
type Connectivity string

const (
	ConnectivityOnline   Connectivity = "online"
	ConnectivityDegraded Connectivity = "degraded"
	ConnectivityOffline  Connectivity = "offline"
)

// MessageType is the type tag of a real-time wire message.
type MessageType string

const (
	MessageTutorQuestion     MessageType = "tutor_question"
	MessageTutorResponse     MessageType = "tutor_response"
	MessageActivityCompleted MessageType = "activity_completed"
	MessageProgressUpdate    MessageType = "progress_update"
	MessageDataSync          MessageType = "data_sync"
	MessageDeviceSync        MessageType = "device_sync"
	MessageConflictDetected  MessageType = "conflict_detected"
	MessageHeartbeat         MessageType = "heartbeat"
	MessageUserJoined        MessageType = "user_joined"
	MessageUserLeft          MessageType = "user_left"
	MessageError             MessageType = "error"
)

// Known reports whether t is part of the wire protocol.
func (t MessageType) Known() bool {
	switch t {
	case MessageTutorQuestion, MessageTutorResponse, MessageActivityCompleted,
		MessageProgressUpdate, MessageDataSync, MessageDeviceSync,
		MessageConflictDetected, MessageHeartbeat, MessageUserJoined,
		MessageUserLeft, MessageError:
		return true
	}
	return false
}

// RealtimeUpdate is a change notification fanned out to a user's devices.
// Empty TargetDevices means broadcast to all of the user's devices.
type RealtimeUpdate struct {
	ID             string      `json:"id" yaml:"id"`
	UserID         string      `json:"user_id" yaml:"user_id"`
	Kind           MessageType `json:"kind" yaml:"kind"`
	DataType       DataType    `json:"data_type,omitempty" yaml:"data_type,omitempty"`
	RecordID       string      `json:"record_id,omitempty" yaml:"record_id,omitempty"`
	Payload        Fields      `json:"payload,omitempty" yaml:"payload,omitempty"`
	TargetDevices  []string    `json:"target_devices,omitempty" yaml:"target_devices,omitempty"`
	ExcludeDevices []string    `json:"exclude_devices,omitempty" yaml:"exclude_devices,omitempty"`
	Priority       int         `json:"priority" yaml:"priority"`
	Attempts       int         `json:"attempts" yaml:"attempts"`
	CreatedAt      time.Time   `json:"created_at" yaml:"created_at"`
	ExpiresAt      time.Time   `json:"expires_at" yaml:"expires_at"`
	Origin         string      `json:"origin,omitempty" yaml:"origin,omitempty"`
}

// Expired reports whether the update is past its expiry at now.
func (u *RealtimeUpdate) Expired(now time.Time) bool {
	return !u.ExpiresAt.IsZero() && now.After(u.ExpiresAt)
}

// TargetsDevice reports whether deviceID should receive the update.
func (u *RealtimeUpdate) TargetsDevice(deviceID string) bool {
	if slices.Contains(u.ExcludeDevices, deviceID) {
		return false
	}
	if len(u.TargetDevices) == 0 {
		return true
	}
	return slices.Contains(u.TargetDevices, deviceID)
}
