// Package journal persists health notices and connection transitions to
// SQLite so that they survive restarts and can be inspected through the
// diagnostics API.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/c2mon/c2mon-sub007/internal/dispatch"
	"github.com/c2mon/c2mon-sub007/internal/infrastructure/database"
	"github.com/c2mon/c2mon-sub007/migrations"
)

// Entry kinds.
const (
	KindSlowConsumer = "health.slow_consumer"
	KindConnected    = "connection.up"
	KindDisconnected = "connection.down"
)

const (
	// writeTimeout bounds a single insert made from a listener callback.
	writeTimeout = 2 * time.Second

	// maxRecent caps Recent.
	maxRecent = 1000
)

// Entry is one journal row.
type Entry struct {
	ID         int64         `json:"id"`
	Kind       string        `json:"kind"`
	Queue      string        `json:"queue,omitempty"`
	Detail     string        `json:"detail,omitempty"`
	Stalled    time.Duration `json:"stalled,omitempty"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// Logger is the logging surface used for write failures.
type Logger interface {
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Error(string, ...any) {}

// Journal records entries. It implements health.Listener and
// messaging.ConnectionListener.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Journal struct {
	db     *database.DB
	logger Logger
	now    func() time.Time
}

// Open opens the database, applies the journal migrations and returns a
// Journal that owns the database.
func Open(ctx context.Context, cfg database.Config, logger Logger) (*Journal, error) {
	db, err := database.Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		db.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("migrating journal: %w", err)
	}
	return New(db, logger), nil
}

// New creates a Journal on an already migrated database.
func New(db *database.DB, logger Logger) *Journal {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Journal{db: db, logger: logger, now: time.Now}
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record inserts e. A zero OccurredAt is set to now.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.Kind == "" {
		return errors.New("journal: entry kind cannot be empty")
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = j.now()
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO health_journal (kind, queue, detail, stalled_ms, occurred_at)
		 VALUES (?, ?, ?, ?, ?)`,
		e.Kind, e.Queue, e.Detail, e.Stalled.Milliseconds(), e.OccurredAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("recording %s: %w", e.Kind, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > maxRecent {
		limit = maxRecent
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT id, kind, queue, detail, stalled_ms, occurred_at
		 FROM health_journal
		 ORDER BY occurred_at DESC, id DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying journal: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		var stalledMS, occurredAt int64
		if err := rows.Scan(&e.ID, &e.Kind, &e.Queue, &e.Detail, &stalledMS, &occurredAt); err != nil {
			return nil, fmt.Errorf("scanning journal row: %w", err)
		}
		e.Stalled = time.Duration(stalledMS) * time.Millisecond
		e.OccurredAt = time.UnixMilli(occurredAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating journal: %w", err)
	}
	return entries, nil
}

// Prune deletes entries older than cutoff and returns how many went.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, "DELETE FROM health_journal WHERE occurred_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("pruning journal: %w", err)
	}
	return res.RowsAffected()
}

// OnSlowConsumer implements health.Listener.
func (j *Journal) OnSlowConsumer(n dispatch.SlowConsumer) {
	j.recordDetached(Entry{
		Kind:       KindSlowConsumer,
		Queue:      n.Queue,
		Detail:     n.Description,
		Stalled:    n.Stalled,
		OccurredAt: n.DetectedAt,
	})
}

// OnConnection implements messaging.ConnectionListener.
func (j *Journal) OnConnection() {
	j.recordDetached(Entry{Kind: KindConnected})
}

// OnDisconnection implements messaging.ConnectionListener.
func (j *Journal) OnDisconnection() {
	j.recordDetached(Entry{Kind: KindDisconnected})
}

// recordDetached records from a listener callback, which has no context
// and no error path.
func (j *Journal) recordDetached(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := j.Record(ctx, e); err != nil {
		j.logger.Error("journal write failed", "kind", e.Kind, "error", err)
	}
}
