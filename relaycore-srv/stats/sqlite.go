package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/relaycore/relaycore/relaycore-srv/logger"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteCollector persists aggregate connection statistics to a SQLite
// database. Unlike the teacher's schema this keeps one row per connection
// and no per-request or per-body tables: the core doesn't record bodies.
type SQLiteCollector struct {
	db *sql.DB
}

// NewSQLiteCollector opens (creating if necessary) a SQLite database at
// dbPath and prepares its schema.
func NewSQLiteCollector(dbPath string) (*SQLiteCollector, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("connecting to sqlite database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	c := &SQLiteCollector{db: db}
	if err := c.initSchema(); err != nil {
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	logger.Debug("initialized sqlite stats collector at %s", dbPath)
	return c, nil
}

func (s *SQLiteCollector) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS connections (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			client_ip       TEXT NOT NULL,
			target_host     TEXT NOT NULL,
			target_port     INTEGER NOT NULL,
			protocol        TEXT NOT NULL,
			started_at      DATETIME NOT NULL,
			ended_at        DATETIME,
			bytes_sent      INTEGER NOT NULL DEFAULT 0,
			bytes_received  INTEGER NOT NULL DEFAULT 0,
			duration_ms     INTEGER NOT NULL DEFAULT 0,
			close_reason    TEXT
		);
		CREATE TABLE IF NOT EXISTS connection_errors (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			connection_id   INTEGER NOT NULL,
			error_kind      TEXT NOT NULL,
			message         TEXT NOT NULL,
			occurred_at     DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_connections_started_at ON connections(started_at);
		CREATE INDEX IF NOT EXISTS idx_connection_errors_connection_id ON connection_errors(connection_id);
	`)
	return err
}

// StartConnection implements Collector.
func (s *SQLiteCollector) StartConnection(ctx context.Context, clientIP, targetHost string, targetPort int, protocol string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO connections (client_ip, target_host, target_port, protocol, started_at) VALUES (?, ?, ?, ?, ?)`,
		clientIP, targetHost, targetPort, protocol, time.Now())
	if err != nil {
		return 0, fmt.Errorf("recording connection start: %w", err)
	}
	return result.LastInsertId()
}

// EndConnection implements Collector.
func (s *SQLiteCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE connections SET ended_at = ?, bytes_sent = bytes_sent + ?, bytes_received = bytes_received + ?, duration_ms = ?, close_reason = ? WHERE id = ?`,
		time.Now(), bytesSent, bytesReceived, duration.Milliseconds(), closeReason, connectionID)
	if err != nil {
		return fmt.Errorf("recording connection end: %w", err)
	}
	return nil
}

// RecordDataTransfer implements Collector.
func (s *SQLiteCollector) RecordDataTransfer(ctx context.Context, connectionID, bytesSent, bytesReceived int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE connections SET bytes_sent = bytes_sent + ?, bytes_received = bytes_received + ? WHERE id = ?`,
		bytesSent, bytesReceived, connectionID)
	if err != nil {
		return fmt.Errorf("recording data transfer: %w", err)
	}
	return nil
}

// RecordError implements Collector.
func (s *SQLiteCollector) RecordError(ctx context.Context, connectionID int64, errorKind, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connection_errors (connection_id, error_kind, message, occurred_at) VALUES (?, ?, ?, ?)`,
		connectionID, errorKind, message, time.Now())
	if err != nil {
		return fmt.Errorf("recording error: %w", err)
	}
	return nil
}

// Snapshot implements Collector.
func (s *SQLiteCollector) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	row := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM connections),
			(SELECT COUNT(*) FROM connections WHERE ended_at IS NULL),
			(SELECT COUNT(*) FROM connection_errors),
			(SELECT COALESCE(SUM(bytes_sent), 0) FROM connections),
			(SELECT COALESCE(SUM(bytes_received), 0) FROM connections)
	`)
	if err := row.Scan(&snap.TotalConnections, &snap.ActiveConnections, &snap.TotalErrors, &snap.TotalBytesSent, &snap.TotalBytesRecv); err != nil {
		return Snapshot{}, fmt.Errorf("querying snapshot: %w", err)
	}
	return snap, nil
}

// Close implements Collector.
func (s *SQLiteCollector) Close() error {
	return s.db.Close()
}
