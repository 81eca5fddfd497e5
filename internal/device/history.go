package device

import (
	"context"
	"time"

	"github.com/humana-fragilitas/museum-alert-desktop-sub001/internal/protocol"
)

// State history source values.
const (
	HistorySourceSerial = "serial"
	HistorySourceReset  = "reset"
)

// Transition is one recorded change of a device's reported state or error.
//
// Each entry stores what the device reported alongside what the read API
// exposed after the fatal latch, so history keeps reports that the latch
// hid.
type Transition struct {
	// ID is the auto-incremented primary key for the history row.
	ID int64 `json:"id"`

	// DeviceID is the device serial number.
	DeviceID string `json:"device_id"`

	// State is the state the device reported.
	State protocol.DeviceState `json:"state"`

	// Exposed is the state the read API showed after this report.
	Exposed protocol.DeviceState `json:"exposed"`

	// Error is the error classification in force after this report.
	Error protocol.DeviceErrorType `json:"error"`

	// Source identifies what caused the entry (serial, reset).
	Source string `json:"source"`

	// CreatedAt is the timestamp of the change (UTC).
	CreatedAt time.Time `json:"created_at"`
}

// StateHistoryRepository stores and retrieves device transitions.
//
// Implementations must be thread-safe and use UTC timestamps.
type StateHistoryRepository interface {
	// RecordTransition appends one transition.
	RecordTransition(ctx context.Context, t Transition) error

	// GetHistory returns recent transitions for the device, newest first.
	// Implementations clamp limit.
	GetHistory(ctx context.Context, deviceID string, limit int) ([]Transition, error)

	// PruneHistory deletes transitions older than olderThan and returns how
	// many were removed.
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)
}

// PruneLoop deletes transitions older than keep once at start and then every
// interval, until ctx is done. A nil logger discards failures.
func PruneLoop(ctx context.Context, repo StateHistoryRepository, keep, interval time.Duration, logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if removed, err := repo.PruneHistory(ctx, keep); err != nil {
			logger.Warn("pruning state history failed", "error", err)
		} else if removed > 0 {
			logger.Info("pruned state history", "removed", removed, "older_than", keep.String())
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
