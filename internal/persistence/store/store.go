// Package store persists the per-agent event logs, their snapshots and cached
// states, and negotiation records, in a single SQLite database.
//
// Unlike a secondary index, this database is the source of truth, so every
// write is synchronous and appends share a transaction with the cache
// invalidation they imply.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

// Event is one persisted ledger entry. IDs are assigned by SQLite and are
// strictly increasing per database, which gives each agent's log a total
// order.
type Event struct {
	ID        int64
	AgentID   string
	Type      string
	Payload   []byte
	Timestamp time.Time
}

// Snapshot is a compacted state blob plus the position in the log it covers.
type Snapshot struct {
	LastEventID     int64
	EventsProcessed int64
	State           []byte
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			ts TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_agent_id ON events(agent_id, id);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			agent_id TEXT PRIMARY KEY,
			last_event_id INTEGER NOT NULL,
			events_processed INTEGER NOT NULL,
			state BLOB NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS cache (
			agent_id TEXT PRIMARY KEY,
			last_event_id INTEGER NOT NULL,
			state BLOB NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS negotiations (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_negotiations_status ON negotiations(status);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// AppendEvent inserts one event and drops the agent's cached state in the
// same transaction. A reader that runs after this commit can never see the
// old cache next to the new event.
func (s *Store) AppendEvent(ctx context.Context, agentID, typ string, payload []byte, ts time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events(agent_id,type,payload,ts) VALUES(?,?,?,?)`,
		agentID, typ, string(payload), ts.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cache WHERE agent_id=?`, agentID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// EventsAfter returns the agent's events with id > afterID, in id order.
func (s *Store) EventsAfter(ctx context.Context, agentID string, afterID int64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,type,payload,ts FROM events WHERE agent_id=? AND id>? ORDER BY id`,
		agentID, afterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev  Event
			raw string
			ts  string
		)
		if err := rows.Scan(&ev.ID, &ev.Type, &raw, &ts); err != nil {
			return nil, err
		}
		ev.AgentID = agentID
		ev.Payload = []byte(raw)
		ev.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("event %d: bad timestamp %q: %w", ev.ID, ts, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MaxEventID returns the id of the agent's newest event, 0 if none.
func (s *Store) MaxEventID(ctx context.Context, agentID string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id),0) FROM events WHERE agent_id=?`, agentID).Scan(&id)
	return id, err
}

// AgentExists reports whether the agent has any events at all.
func (s *Store) AgentExists(ctx context.Context, agentID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM events WHERE agent_id=? LIMIT 1`, agentID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// Agents lists every agent id present in the event log.
func (s *Store) Agents(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT agent_id FROM events ORDER BY agent_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) SaveSnapshot(ctx context.Context, agentID string, snap Snapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO snapshots(agent_id,last_event_id,events_processed,state,created_at) VALUES(?,?,?,?,?)`,
		agentID, snap.LastEventID, snap.EventsProcessed, snap.State,
		time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *Store) LoadSnapshot(ctx context.Context, agentID string) (Snapshot, bool, error) {
	var snap Snapshot
	err := s.db.QueryRowContext(ctx,
		`SELECT last_event_id,events_processed,state FROM snapshots WHERE agent_id=?`,
		agentID).Scan(&snap.LastEventID, &snap.EventsProcessed, &snap.State)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func (s *Store) SaveCache(ctx context.Context, agentID string, lastEventID int64, state []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache(agent_id,last_event_id,state,updated_at) VALUES(?,?,?,?)`,
		agentID, lastEventID, state, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// LoadCache returns the cached state blob and the last event id it reflects.
func (s *Store) LoadCache(ctx context.Context, agentID string) (int64, []byte, bool, error) {
	var (
		lastID int64
		state  []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT last_event_id,state FROM cache WHERE agent_id=?`, agentID).Scan(&lastID, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, err
	}
	return lastID, state, true, nil
}

func (s *Store) InvalidateCache(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache WHERE agent_id=?`, agentID)
	return err
}

func (s *Store) SaveNegotiation(ctx context.Context, id, status string, doc []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO negotiations(id,status,json,updated_at) VALUES(?,?,?,?)`,
		id, status, string(doc), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *Store) LoadNegotiation(ctx context.Context, id string) ([]byte, bool, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT json FROM negotiations WHERE id=?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(doc), true, nil
}

// SetMeta stores a small key/value pair (session state, schema markers).
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`, key, value)
	return err
}

func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key=?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// NegotiationsByStatus returns the raw documents of every negotiation in the
// given status, newest update last.
func (s *Store) NegotiationsByStatus(ctx context.Context, status string) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT json FROM negotiations WHERE status=? ORDER BY updated_at`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		out = append(out, []byte(doc))
	}
	return out, rows.Err()
}
