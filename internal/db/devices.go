package db

import (
	"context"
	"fmt"

	"github.com/learnsync/learnsync/internal/device"
	"github.com/learnsync/learnsync/internal/types"
)

// UpsertDevice implements device.Store. first_seen is kept from the first
// write.
func (db *DB) UpsertDevice(ctx context.Context, d types.DeviceInfo) error {
	if d.UserID == "" || d.ID == "" {
		return fmt.Errorf("device needs a user and an id")
	}
	first := d.FirstSeen
	if first.IsZero() {
		first = d.LastSeen
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO devices (user_id, id, class, platform, app_version, first_seen, last_seen, online, expired)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, id) DO UPDATE SET
			class = excluded.class,
			platform = excluded.platform,
			app_version = excluded.app_version,
			last_seen = excluded.last_seen,
			online = excluded.online,
			expired = excluded.expired
	`, d.UserID, d.ID, string(d.Class), d.Platform, d.AppVersion, formatTime(first), formatTime(d.LastSeen),
		boolToInt(d.Online), boolToInt(d.Expired))
	if err != nil {
		return fmt.Errorf("failed to save device %s/%s: %w", d.UserID, d.ID, err)
	}
	return nil
}

// ListDevices implements device.Store.
func (db *DB) ListDevices(ctx context.Context, userID string) ([]types.DeviceInfo, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT user_id, id, class, platform, app_version, first_seen, last_seen, online, expired
		FROM devices WHERE user_id = ? ORDER BY id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var out []types.DeviceInfo
	for rows.Next() {
		var (
			d                  types.DeviceInfo
			class, first, last string
			online, expired    int
		)
		if err := rows.Scan(&d.UserID, &d.ID, &class, &d.Platform, &d.AppVersion, &first, &last, &online, &expired); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		d.Class = types.DeviceClass(class)
		d.Online = online != 0
		d.Expired = expired != 0
		if d.FirstSeen, err = parseTime(first); err != nil {
			return nil, err
		}
		if d.LastSeen, err = parseTime(last); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}
	return out, nil
}

var _ device.Store = (*DB)(nil)
