// ABOUTME: SQLite store for rooms and messages using modernc.org/sqlite
// ABOUTME: Creates the schema on open and applies additive migrations

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists rooms and messages.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore opens the database at path, creating parent directories
// and the schema as needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// Per-connection pragmas go in the DSN so every pooled connection gets them.
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS rooms (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			customer_id      INTEGER NOT NULL,
			agent_id         INTEGER,
			agent_name       TEXT NOT NULL DEFAULT '',
			agent_avatar_url TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL,
			created_at       TEXT NOT NULL,
			last_activity_at TEXT NOT NULL,

			CHECK (status IN ('OPEN', 'WAITING', 'CLOSED'))
		);

		CREATE INDEX IF NOT EXISTS idx_rooms_customer ON rooms(customer_id);
		CREATE INDEX IF NOT EXISTS idx_rooms_status ON rooms(status, last_activity_at);

		CREATE TABLE IF NOT EXISTS messages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			room_id    INTEGER NOT NULL,
			user_id    INTEGER NOT NULL,
			content    TEXT NOT NULL,
			system     INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			FOREIGN KEY (room_id) REFERENCES rooms(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// runMigrations adds columns introduced after the first schema.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string
		apply  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('messages') WHERE name = 'client_msg_id'`,
			apply:  `ALTER TABLE messages ADD COLUMN client_msg_id TEXT`,
			column: "client_msg_id",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('messages') WHERE name = 'agent_name'`,
			apply:  `ALTER TABLE messages ADD COLUMN agent_name TEXT NOT NULL DEFAULT ''`,
			column: "agent_name",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('messages') WHERE name = 'agent_avatar_url'`,
			apply:  `ALTER TABLE messages ADD COLUMN agent_avatar_url TEXT NOT NULL DEFAULT ''`,
			column: "agent_avatar_url",
		},
	}

	for _, m := range migrations {
		var exists int
		if err := s.db.QueryRow(m.check).Scan(&exists); err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to messages: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", "messages")
	}

	// Retried sends carry the same client id; keep one row per sender.
	_, err := s.db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_client_id
		ON messages(room_id, user_id, client_msg_id) WHERE client_msg_id IS NOT NULL`)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isConstraintViolation checks if an error is a SQLite constraint violation.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing stored time %q: %w", s, err)
	}
	return t, nil
}
