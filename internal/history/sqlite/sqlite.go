package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/procdoctor/internal/history"
)

// Sink writes history events to SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS process_history(
		occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
		event TEXT NOT NULL,
		process_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		pid INTEGER NOT NULL,
		command TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		stopped_at TIMESTAMP
	);`
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	rec := e.Record
	cmd, err := json.Marshal(rec.Command)
	if err != nil {
		return err
	}
	var stopped any
	if rec.StoppedAt != nil {
		stopped = rec.StoppedAt.UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO process_history(occurred_at, event, process_id, name, pid, command, started_at, stopped_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), rec.ID, rec.Name, rec.PID, string(cmd), rec.StartedAt.UTC(), stopped)
	return err
}

// Count returns the number of stored events for a process id.
func (s *Sink) Count(ctx context.Context, processID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM process_history WHERE process_id = ?`, processID).Scan(&n)
	return n, err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
