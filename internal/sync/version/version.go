// Package version keeps the append-only version history of every record.
package version

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/learnsync/learnsync/internal/types"
)

// Store is the append-only version history. Implementations must make each
// append atomic per record so that version numbers stay strictly increasing.
type Store interface {
	// CreateVersion appends a new version after the current head.
	CreateVersion(ctx context.Context, recordID string, dataType types.DataType, content types.Fields,
		deviceID, userID string, changedFields []string) (types.DataVersion, error)

	// AppendVersion appends a version; when ExpectedPrevious is set the
	// append fails with types.ErrConflict unless it is still the head.
	AppendVersion(ctx context.Context, in Append) (types.DataVersion, error)

	// GetLatest returns the head version and its content snapshot.
	// Returns types.ErrNotFound if the record has no history.
	GetLatest(ctx context.Context, recordID string) (types.DataVersion, types.Fields, error)

	// GetHistory returns up to limit versions, newest first. limit <= 0
	// returns the full history.
	GetHistory(ctx context.Context, recordID string, limit int) ([]types.DataVersion, error)
}

// Append is the input to Store.AppendVersion.
type Append struct {
	RecordID      string
	DataType      types.DataType
	Content       types.Fields
	DeviceID      string
	UserID        string
	ChangedFields []string
	Deleted       bool
	// Timestamp defaults to the store's clock when zero.
	Timestamp time.Time
	// ExpectedPrevious guards against the head moving underneath a writer.
	ExpectedPrevious string
	// RequireHead makes an empty ExpectedPrevious mean "record must not exist".
	RequireHead bool
}

// NewID returns a time-ordered unique version id.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
