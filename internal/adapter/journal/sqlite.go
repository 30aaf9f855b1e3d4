// Package journal keeps a diagnostic log of session status transitions.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"agentrelay/internal/domain"
)

const (
	defaultMaxRows = 10000
	queueSize      = 256
	pruneEvery     = 100
)

// Options configures a journal.
type Options struct {
	Path    string
	MaxRows int // rows kept after pruning (default: 10000)
}

// SQLiteJournal appends every SessionStatusEvent seen on the bus to a
// sqlite table. Writes happen on a background goroutine; events arriving
// while the writer is behind are dropped.
type SQLiteJournal struct {
	db      *sql.DB
	logger  *slog.Logger
	maxRows int

	events      chan domain.SessionStatusEvent
	unsubscribe func()
	wg          sync.WaitGroup
	closeOnce   sync.Once

	mu      sync.Mutex
	closed  bool
	written int
}

// Open opens (or creates) the database at opts.Path and runs the schema
// migration. Call Attach to start recording.
func Open(opts Options, logger *slog.Logger) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal db: %w", err)
	}

	maxRows := opts.MaxRows
	if maxRows <= 0 {
		maxRows = defaultMaxRows
	}
	return &SQLiteJournal{
		db:      db,
		logger:  logger.With("component", "journal"),
		maxRows: maxRows,
		events:  make(chan domain.SessionStatusEvent, queueSize),
	}, nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS session_status (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			project_id TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL,
			process_id TEXT NOT NULL DEFAULT '',
			at         TEXT NOT NULL
		)
	`); err != nil {
		return err
	}
	_, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_session_status_session ON session_status (session_id, id)")
	return err
}

// Attach subscribes the journal to bus and starts the writer.
func (j *SQLiteJournal) Attach(bus domain.EventBus) {
	j.wg.Add(1)
	go j.writeLoop()
	j.unsubscribe = bus.Subscribe(j.handle)
}

func (j *SQLiteJournal) handle(_ context.Context, ev domain.BusEvent) {
	status, ok := ev.(domain.SessionStatusEvent)
	if !ok {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	select {
	case j.events <- status:
	default:
		j.logger.Warn("journal queue full, dropping status", "session_id", status.SessionID)
	}
}

func (j *SQLiteJournal) writeLoop() {
	defer j.wg.Done()
	for ev := range j.events {
		if err := j.Append(context.Background(), ev); err != nil {
			j.logger.Warn("journal append failed", "session_id", ev.SessionID, "error", err)
		}
	}
}

// Append writes one status event.
func (j *SQLiteJournal) Append(ctx context.Context, ev domain.SessionStatusEvent) error {
	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		"INSERT INTO session_status (session_id, project_id, status, process_id, at) VALUES (?, ?, ?, ?, ?)",
		ev.SessionID, ev.ProjectID, string(ev.Status.Kind), ev.Status.ProcessID,
		at.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert status: %w", err)
	}

	j.mu.Lock()
	j.written++
	prune := j.written%pruneEvery == 0
	j.mu.Unlock()
	if prune {
		return j.prune(ctx)
	}
	return nil
}

func (j *SQLiteJournal) prune(ctx context.Context) error {
	_, err := j.db.ExecContext(ctx,
		"DELETE FROM session_status WHERE id <= (SELECT MAX(id) FROM session_status) - ?", j.maxRows)
	if err != nil {
		return fmt.Errorf("prune statuses: %w", err)
	}
	return nil
}

// Recent returns up to limit status events for sessionID, newest first.
func (j *SQLiteJournal) Recent(ctx context.Context, sessionID string, limit int) ([]domain.SessionStatusEvent, error) {
	if limit <= 0 {
		return nil, domain.NewSubSystemError("journal", "Recent", domain.ErrInvalidInput, "limit must be positive")
	}
	rows, err := j.db.QueryContext(ctx,
		"SELECT session_id, project_id, status, process_id, at FROM session_status WHERE session_id = ? ORDER BY id DESC LIMIT ?",
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query statuses: %w", err)
	}
	defer rows.Close()

	out := []domain.SessionStatusEvent{}
	for rows.Next() {
		var (
			ev     domain.SessionStatusEvent
			kind   string
			procID string
			at     string
		)
		if err := rows.Scan(&ev.SessionID, &ev.ProjectID, &kind, &procID, &at); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		ev.Status = domain.SessionStatus{Kind: domain.StatusKind(kind), ProcessID: procID}
		ts, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("parse status time: %w", err)
		}
		ev.Timestamp = ts
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close unsubscribes, drains queued events and closes the database.
func (j *SQLiteJournal) Close() error {
	var err error
	j.closeOnce.Do(func() {
		if j.unsubscribe != nil {
			j.unsubscribe()
		}
		j.mu.Lock()
		j.closed = true
		close(j.events)
		j.mu.Unlock()
		j.wg.Wait()
		err = j.db.Close()
	})
	return err
}
