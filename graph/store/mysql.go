package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of Store.
//
// Designed for nodes whose history must be shared or audited centrally.
// Times and durations are stored as integer nanoseconds, so the DSN does
// not need parseTime.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore connects to MySQL and creates the schema if needed.
//
// DSN format:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
// Never hardcode credentials; read the DSN from the environment:
//
//	s, err := store.NewMySQLStore(os.Getenv("MYSQL_DSN"))
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (m *MySQLStore) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS container_transitions (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			application VARCHAR(255) NOT NULL,
			container_id BIGINT NOT NULL,
			container VARCHAR(255) NOT NULL,
			seq BIGINT NOT NULL,
			event VARCHAR(64) NOT NULL,
			from_state VARCHAR(64) NOT NULL,
			to_state VARCHAR(64) NOT NULL,
			accepted TINYINT NOT NULL,
			error TEXT NOT NULL,
			duration_ns BIGINT NOT NULL,
			at_ns BIGINT NOT NULL,
			INDEX idx_transitions_app (application, container_id),
			UNIQUE KEY unique_container_seq (application, container_id, seq)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create container_transitions table: %w", err)
	}
	return nil
}

func (m *MySQLStore) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// SaveTransition implements Store.
func (m *MySQLStore) SaveTransition(ctx context.Context, rec Record) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	query := `
		INSERT INTO container_transitions
			(application, container_id, container, seq, event, from_state, to_state, accepted, error, duration_ns, at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			container = VALUES(container),
			event = VALUES(event),
			from_state = VALUES(from_state),
			to_state = VALUES(to_state),
			accepted = VALUES(accepted),
			error = VALUES(error),
			duration_ns = VALUES(duration_ns),
			at_ns = VALUES(at_ns)
	`
	if _, err := m.db.ExecContext(ctx, query, recordArgs(rec)...); err != nil {
		return fmt.Errorf("failed to save transition: %w", err)
	}
	return nil
}

// LoadLatest implements Store.
func (m *MySQLStore) LoadLatest(ctx context.Context, application string, containerID int64) (Record, error) {
	if err := m.checkOpen(); err != nil {
		return Record{}, err
	}
	return loadLatest(ctx, m.db, application, containerID)
}

// History implements Store.
func (m *MySQLStore) History(ctx context.Context, application string, containerID int64) ([]Record, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return history(ctx, m.db, application, containerID)
}

// Latest implements Store.
func (m *MySQLStore) Latest(ctx context.Context, application string) ([]Record, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	return latest(ctx, m.db, application)
}

// Close closes the connection pool. Calling Close more than once is a no-op.
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

// Ping verifies the database connection is alive.
func (m *MySQLStore) Ping(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.db.PingContext(ctx)
}
