package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store.
//
// It keeps the transition history in a single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-process nodes that want history to survive restarts
//
// Features:
//   - Single file database (e.g., "./dataflow.db"), or ":memory:"
//   - Auto-migration on first use
//   - WAL mode for concurrent reads
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (creating if needed) a SQLite-backed store.
//
// Example:
//
//	s, err := store.NewSQLiteStore("./dataflow.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite supports one writer at a time
	db.SetMaxIdleConns(1) // ":memory:" lives as long as its connection
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS container_transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			application TEXT NOT NULL,
			container_id INTEGER NOT NULL,
			container TEXT NOT NULL,
			seq INTEGER NOT NULL,
			event TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			accepted INTEGER NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			duration_ns INTEGER NOT NULL,
			at_ns INTEGER NOT NULL,
			UNIQUE(application, container_id, seq)
		)
	`
	if _, err := s.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create container_transitions table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_transitions_app ON container_transitions(application, container_id)"); err != nil {
		return fmt.Errorf("failed to create idx_transitions_app: %w", err)
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// SaveTransition implements Store.
func (s *SQLiteStore) SaveTransition(ctx context.Context, rec Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	query := `
		INSERT INTO container_transitions
			(application, container_id, container, seq, event, from_state, to_state, accepted, error, duration_ns, at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(application, container_id, seq) DO UPDATE SET
			container = excluded.container,
			event = excluded.event,
			from_state = excluded.from_state,
			to_state = excluded.to_state,
			accepted = excluded.accepted,
			error = excluded.error,
			duration_ns = excluded.duration_ns,
			at_ns = excluded.at_ns
	`
	if _, err := s.db.ExecContext(ctx, query, recordArgs(rec)...); err != nil {
		return fmt.Errorf("failed to save transition: %w", err)
	}
	return nil
}

// LoadLatest implements Store.
func (s *SQLiteStore) LoadLatest(ctx context.Context, application string, containerID int64) (Record, error) {
	if err := s.checkOpen(); err != nil {
		return Record{}, err
	}
	return loadLatest(ctx, s.db, application, containerID)
}

// History implements Store.
func (s *SQLiteStore) History(ctx context.Context, application string, containerID int64) ([]Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return history(ctx, s.db, application, containerID)
}

// Latest implements Store.
func (s *SQLiteStore) Latest(ctx context.Context, application string) ([]Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return latest(ctx, s.db, application)
}

// Close closes the database. Calling Close more than once is a no-op.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// The helpers below use only portable SQL and are shared by the SQL
// backends.

const selectColumns = `application, container_id, container, seq, event, from_state, to_state, accepted, error, duration_ns, at_ns`

func recordArgs(rec Record) []any {
	accepted := 0
	if rec.Accepted {
		accepted = 1
	}
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}
	return []any{
		rec.Application, rec.ContainerID, rec.Container, rec.Seq,
		rec.Event, rec.From, rec.To, accepted, rec.Error,
		int64(rec.Duration), at.UnixNano(),
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec        Record
		accepted   int
		durationNs int64
		atNs       int64
	)
	err := row.Scan(&rec.Application, &rec.ContainerID, &rec.Container, &rec.Seq,
		&rec.Event, &rec.From, &rec.To, &accepted, &rec.Error, &durationNs, &atNs)
	if err != nil {
		return Record{}, err
	}
	rec.Accepted = accepted != 0
	rec.Duration = time.Duration(durationNs)
	rec.At = time.Unix(0, atNs)
	return rec, nil
}

func loadLatest(ctx context.Context, db *sql.DB, application string, containerID int64) (Record, error) {
	query := `SELECT ` + selectColumns + `
		FROM container_transitions
		WHERE application = ? AND container_id = ?
		ORDER BY seq DESC
		LIMIT 1`

	rec, err := scanRecord(db.QueryRowContext(ctx, query, application, containerID))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to load latest transition: %w", err)
	}
	return rec, nil
}

func history(ctx context.Context, db *sql.DB, application string, containerID int64) ([]Record, error) {
	query := `SELECT ` + selectColumns + `
		FROM container_transitions
		WHERE application = ? AND container_id = ?
		ORDER BY seq ASC`

	recs, err := queryRecords(ctx, db, query, application, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs, nil
}

func latest(ctx context.Context, db *sql.DB, application string) ([]Record, error) {
	query := `SELECT ` + selectColumns + `
		FROM container_transitions t
		WHERE application = ? AND seq = (
			SELECT MAX(seq) FROM container_transitions
			WHERE application = t.application AND container_id = t.container_id
		)
		ORDER BY container_id ASC`

	recs, err := queryRecords(ctx, db, query, application)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest transitions: %w", err)
	}
	return recs, nil
}

func queryRecords(ctx context.Context, db *sql.DB, query string, args ...any) ([]Record, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
