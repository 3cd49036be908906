// Package history persists received device events to SQLite.
//
// Each property of each accepted NOTIFY becomes one row in event_history,
// giving a local audit trail that survives restarts and does not depend on
// InfluxDB being reachable.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-eventhub/internal/propertyset"
)

const (
	// DefaultLimit is used when List is called with a limit <= 0.
	DefaultLimit = 50
	// MaxLimit caps List results.
	MaxLimit = 200
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ErrDeviceRequired is returned when an entry or query has no device ID.
var ErrDeviceRequired = errors.New("history: device id is required")

// Entry is one recorded property event.
type Entry struct {
	ID         string                  `json:"id"`
	DeviceID   string                  `json:"device_id"`
	Service    string                  `json:"service,omitempty"`
	Property   string                  `json:"property"`
	Value      string                  `json:"value"`
	Attributes []propertyset.Attribute `json:"attributes,omitempty"`
	CreatedAt  time.Time               `json:"created_at"`
}

// Repository stores and retrieves event history.
//
// Implementations must be safe for concurrent use and store UTC timestamps.
type Repository interface {
	Record(ctx context.Context, e Entry) error
	List(ctx context.Context, deviceID string, limit int) ([]Entry, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// SQLiteRepository implements Repository on the event_history table.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository creates a repository on an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

// Record inserts e. An empty ID is generated and a zero CreatedAt is set
// to now.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - e: Entry to persist
//
// Returns:
//   - error: ErrDeviceRequired, or the underlying database error
func (r *SQLiteRepository) Record(ctx context.Context, e Entry) error {
	if e.DeviceID == "" {
		return ErrDeviceRequired
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}

	var attrs sql.NullString
	if e.Attributes != nil {
		data, err := json.Marshal(e.Attributes)
		if err != nil {
			return fmt.Errorf("marshalling attributes: %w", err)
		}
		attrs = sql.NullString{String: string(data), Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO event_history (id, device_id, service, property, value, attributes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.DeviceID, e.Service, e.Property, e.Value, attrs,
		e.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting event history: %w", err)
	}
	return nil
}

// List returns the most recent entries for deviceID, newest first.
// limit is clamped to [1, MaxLimit]; <= 0 means DefaultLimit.
func (r *SQLiteRepository) List(ctx context.Context, deviceID string, limit int) ([]Entry, error) {
	if deviceID == "" {
		return nil, ErrDeviceRequired
	}
	limit = ClampLimit(limit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, device_id, service, property, value, attributes, created_at
		 FROM event_history
		 WHERE device_id = ?
		 ORDER BY created_at DESC
		 LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying event history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			e         Entry
			attrs     sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.Service, &e.Property, &e.Value, &attrs, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning event history: %w", err)
		}
		if attrs.Valid {
			if err := json.Unmarshal([]byte(attrs.String), &e.Attributes); err != nil {
				return nil, fmt.Errorf("unmarshalling attributes: %w", err)
			}
		}
		if e.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event history: %w", err)
	}
	return entries, nil
}

// Prune deletes entries recorded before the cutoff and returns how many
// were removed.
func (r *SQLiteRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM event_history WHERE created_at < ?",
		before.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting event history: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

// ClampLimit applies the List bounds to a requested limit.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}
