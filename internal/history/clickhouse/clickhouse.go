package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/procdoctor/internal/history"
)

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

// New connects to addr (host:port of the native protocol) and creates table
// if it does not exist.
func New(addr, table string) (*Sink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: "default",
			Username: "default",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	s := &Sink{conn: conn, table: table}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	err := s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			type String,
			occurred_at DateTime64(6),
			process_id Int64,
			name String,
			pid UInt32,
			command Array(String),
			started_at DateTime64(6),
			stopped_at Nullable(DateTime64(6))
		) ENGINE = MergeTree()
		ORDER BY (occurred_at, process_id)
	`)
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse table %s: %w", s.table, err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (type, occurred_at, process_id, name, pid, command, started_at, stopped_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	rec := e.Record
	command := rec.Command
	if command == nil {
		command = []string{}
	}
	err := s.conn.Exec(ctx, query,
		string(e.Type),
		e.OccurredAt,
		rec.ID,
		rec.Name,
		uint32(rec.PID), // #nosec G115 -- pids are non-negative
		command,
		rec.StartedAt,
		rec.StoppedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}

// Count returns the number of stored events for a process id.
func (s *Sink) Count(ctx context.Context, processID int64) (uint64, error) {
	var n uint64
	row := s.conn.QueryRow(ctx, fmt.Sprintf(`SELECT count() FROM %s WHERE process_id = ?`, s.table), processID)
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
