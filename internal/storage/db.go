// Package storage is the local SQLite call log. Every finished call is
// recorded once, keyed by call id.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petervdpas/rtcomm/internal/call"
)

// FileName is the database file created inside the data directory.
const FileName = "calls.db"

// schemaVersion is bumped whenever migrate learns a new step.
const schemaVersion = 1

var _ call.History = (*DB)(nil)

// DB wraps the SQLite call log.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the call log in dir.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dir, FileName)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for concurrent readers
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	d := &DB{db: db, path: dbPath}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) migrate() error {
	if _, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		return fmt.Errorf("create meta table: %w", err)
	}

	if _, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			call_id         TEXT PRIMARY KEY,
			peer_id         TEXT NOT NULL,
			peer_name       TEXT NOT NULL DEFAULT '',
			conversation_id TEXT NOT NULL DEFAULT '',
			direction       TEXT NOT NULL,
			call_type       TEXT NOT NULL,
			outcome         TEXT NOT NULL,
			reason          TEXT NOT NULL DEFAULT '',
			started_at      INTEGER NOT NULL,
			connected_at    INTEGER,
			ended_at        INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS calls_peer ON calls(peer_id, started_at);
	`); err != nil {
		return fmt.Errorf("create calls table: %w", err)
	}

	var current int
	var v string
	switch err := d.db.QueryRow(`SELECT value FROM _meta WHERE key = 'schema_version'`).Scan(&v); {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	default:
		current, _ = strconv.Atoi(v)
	}
	if current > schemaVersion {
		return fmt.Errorf("call log schema v%d is newer than supported v%d", current, schemaVersion)
	}

	if current != schemaVersion {
		if _, err := d.db.Exec(`INSERT OR REPLACE INTO _meta (key, value) VALUES ('schema_version', ?)`,
			strconv.Itoa(schemaVersion)); err != nil {
			return fmt.Errorf("write schema version: %w", err)
		}
		log.Printf("STORE: call log schema v%d → v%d", current, schemaVersion)
	}
	return nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// Record stores r. Recording the same call id again replaces the row.
func (d *DB) Record(ctx context.Context, r call.Record) error {
	if r.CallID == "" {
		return errors.New("record has no call id")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO calls
			(call_id, peer_id, peer_name, conversation_id, direction, call_type,
			 outcome, reason, started_at, connected_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.CallID, r.PeerID, r.PeerName, r.ConversationID, string(r.Direction), r.CallType,
		string(r.Outcome), r.Reason, millis(r.StartedAt), nullMillis(r.ConnectedAt), millis(r.EndedAt))
	if err != nil {
		return fmt.Errorf("record call %s: %w", r.CallID, err)
	}
	return nil
}

const selectCalls = `
	SELECT call_id, peer_id, peer_name, conversation_id, direction, call_type,
	       outcome, reason, started_at, connected_at, ended_at
	FROM calls`

// Recent returns up to limit calls, newest first.
func (d *DB) Recent(ctx context.Context, limit int) ([]call.Record, error) {
	return d.query(ctx, selectCalls+` ORDER BY started_at DESC, call_id LIMIT ?`, limitOrAll(limit))
}

// ByPeer returns up to limit calls with peer, newest first.
func (d *DB) ByPeer(ctx context.Context, peer string, limit int) ([]call.Record, error) {
	return d.query(ctx, selectCalls+` WHERE peer_id = ? ORDER BY started_at DESC, call_id LIMIT ?`, peer, limitOrAll(limit))
}

// Get returns one call by id.
func (d *DB) Get(ctx context.Context, callID string) (call.Record, bool, error) {
	recs, err := d.query(ctx, selectCalls+` WHERE call_id = ?`, callID)
	if err != nil || len(recs) == 0 {
		return call.Record{}, false, err
	}
	return recs[0], true, nil
}

// Stats counts calls per outcome.
func (d *DB) Stats(ctx context.Context) (map[call.Outcome]int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM calls GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("call stats: %w", err)
	}
	defer rows.Close()

	out := make(map[call.Outcome]int)
	for rows.Next() {
		var o string
		var n int
		if err := rows.Scan(&o, &n); err != nil {
			return nil, err
		}
		out[call.Outcome(o)] = n
	}
	return out, rows.Err()
}

// Prune deletes calls that ended before cutoff and returns how many went.
func (d *DB) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	res, err := d.db.ExecContext(ctx, `DELETE FROM calls WHERE ended_at < ?`, millis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune calls: %w", err)
	}
	return res.RowsAffected()
}

func (d *DB) query(ctx context.Context, q string, args ...any) ([]call.Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query calls: %w", err)
	}
	defer rows.Close()

	var out []call.Record
	for rows.Next() {
		var (
			r              call.Record
			dir, outcome   string
			started, ended int64
			connected      sql.NullInt64
		)
		if err := rows.Scan(&r.CallID, &r.PeerID, &r.PeerName, &r.ConversationID, &dir, &r.CallType,
			&outcome, &r.Reason, &started, &connected, &ended); err != nil {
			return nil, err
		}
		r.Direction = call.Direction(dir)
		r.Outcome = call.Outcome(outcome)
		r.StartedAt = time.UnixMilli(started)
		r.EndedAt = time.UnixMilli(ended)
		if connected.Valid {
			r.ConnectedAt = time.UnixMilli(connected.Int64)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

// limitOrAll maps a non-positive limit to SQLite's "no limit".
func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
