package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/protocol"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// timestampLayouts are the created_at formats found in the table: ours,
// and SQLite's datetime() for rows written by hand.
var timestampLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05"}

// SQLiteStateHistoryRepository stores transitions in device_state_history.
type SQLiteStateHistoryRepository struct {
	db *sql.DB
}

func NewSQLiteStateHistoryRepository(db *sql.DB) *SQLiteStateHistoryRepository {
	return &SQLiteStateHistoryRepository{db: db}
}

// RecordTransition appends t. A zero CreatedAt is stamped by SQLite.
func (r *SQLiteStateHistoryRepository) RecordTransition(ctx context.Context, t Transition) error {
	switch {
	case t.DeviceID == "":
		return fmt.Errorf("%w: device id is required", ErrInvalidTransition)
	case !t.State.Valid() && t.State != protocol.StateUnknown:
		return fmt.Errorf("%w: state %d", ErrInvalidTransition, int(t.State))
	}
	if t.Source == "" {
		t.Source = HistorySourceSerial
	}

	var createdAt any // NULL selects the column default
	if !t.CreatedAt.IsZero() {
		createdAt = t.CreatedAt.UTC().Format(time.RFC3339)
	}

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO device_state_history (device_id, state, exposed, error, source, created_at)
		VALUES (?, ?, ?, ?, ?, COALESCE(?, strftime('%Y-%m-%dT%H:%M:%SZ', 'now')))`,
		t.DeviceID, int(t.State), int(t.Exposed), int(t.Error), t.Source, createdAt,
	); err != nil {
		return fmt.Errorf("recording transition for %s: %w", t.DeviceID, err)
	}
	return nil
}

// GetHistory returns up to limit transitions of deviceID, newest first.
// limit is clamped to [1, 200]; 0 or less means 50.
func (r *SQLiteStateHistoryRepository) GetHistory(ctx context.Context, deviceID string, limit int) ([]Transition, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("%w: device id is required", ErrInvalidTransition)
	}
	limit = clampHistoryLimit(limit)

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, device_id, state, exposed, error, source, created_at
		FROM device_state_history
		WHERE device_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying history of %s: %w", deviceID, err)
	}
	defer rows.Close()

	out := make([]Transition, 0, limit)
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading history of %s: %w", deviceID, err)
	}
	return out, nil
}

// PruneHistory deletes transitions recorded more than olderThan ago.
func (r *SQLiteStateHistoryRepository) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, errors.New("prune window must be positive")
	}

	cutoff := time.Now().Add(-olderThan).UTC().Format(time.RFC3339)
	res, err := r.db.ExecContext(ctx, `DELETE FROM device_state_history WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning state history: %w", err)
	}
	return res.RowsAffected()
}

func clampHistoryLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultHistoryLimit
	case limit > maxHistoryLimit:
		return maxHistoryLimit
	}
	return limit
}

func scanTransition(rows *sql.Rows) (Transition, error) {
	var (
		t                     Transition
		state, exposed, errNo int
		createdAt             string
	)
	if err := rows.Scan(&t.ID, &t.DeviceID, &state, &exposed, &errNo, &t.Source, &createdAt); err != nil {
		return Transition{}, fmt.Errorf("scanning transition: %w", err)
	}
	t.State = protocol.DeviceState(state)
	t.Exposed = protocol.DeviceState(exposed)
	t.Error = protocol.DeviceErrorType(errNo)

	at, err := parseCreatedAt(createdAt)
	if err != nil {
		return Transition{}, fmt.Errorf("transition %d: %w", t.ID, err)
	}
	t.CreatedAt = at
	return t, nil
}

func parseCreatedAt(value string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if at, err := time.Parse(layout, value); err == nil {
			return at.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unreadable created_at %q", value)
}
