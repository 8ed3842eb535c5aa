package sessiond

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mau.fi/util/dbutil"
)

// Store persists session rows and terminal-buffer snapshots.
type Store struct {
	db *dbutil.Database
}

type SessionRow struct {
	ID         uuid.UUID
	Name       string
	Kind       Kind
	Status     Status
	CreatedAt  time.Time
	LastActive time.Time
}

type Snapshot struct {
	ID         int64
	SessionID  uuid.UUID
	CapturedAt time.Time
	Buffer     []byte
}

func NewStore(ctx context.Context, db *dbutil.Database) (*Store, error) {
	s := &Store{db: db}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			kind_type TEXT NOT NULL,
			kind_host TEXT,
			kind_port INTEGER,
			kind_device TEXT,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			last_active INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			captured_at INTEGER NOT NULL,
			buffer BLOB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_session ON session_snapshots(session_id, captured_at)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("session schema: %w", err)
		}
	}
	return s, nil
}

func (s *Store) Upsert(ctx context.Context, row SessionRow) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO sessions (id, name, kind_type, kind_host, kind_port, kind_device, status, created_at, last_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   name=excluded.name, status=excluded.status, last_active=excluded.last_active`,
		row.ID.String(), row.Name, row.Kind.Type, row.Kind.Host, row.Kind.Port, row.Kind.Device,
		string(row.Status), row.CreatedAt.UnixMilli(), row.LastActive.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE id=$1`, id.String()); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	_, err := s.db.Exec(ctx, `DELETE FROM session_snapshots WHERE session_id=$1`, id.String())
	return err
}

func (s *Store) List(ctx context.Context) ([]SessionRow, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, name, kind_type, kind_host, kind_port, kind_device, status, created_at, last_active
		 FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SessionRow
	for rows.Next() {
		var row SessionRow
		var id, status string
		var host, device sql.NullString
		var port sql.NullInt64
		var createdAt, lastActive int64
		if err := rows.Scan(&id, &row.Name, &row.Kind.Type, &host, &port, &device, &status, &createdAt, &lastActive); err != nil {
			return nil, err
		}
		row.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse session id %q: %w", id, err)
		}
		row.Kind.Host = host.String
		row.Kind.Port = uint16(port.Int64)
		row.Kind.Device = device.String
		row.Status = Status(status)
		row.CreatedAt = time.UnixMilli(createdAt)
		row.LastActive = time.UnixMilli(lastActive)
		out = append(out, row)
	}
	return out, rows.Err()
}

// MarkAllStopped stamps every non-stopped row Stopped; their PTYs died with
// the previous daemon process.
func (s *Store) MarkAllStopped(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `UPDATE sessions SET status=$1 WHERE status != $1`, string(StatusStopped))
	return err
}

// SaveSnapshot persists a terminal buffer and prunes to the retention
// limit, keeping the newest keepLast snapshots.
func (s *Store) SaveSnapshot(ctx context.Context, sessionID uuid.UUID, buffer []byte, keepLast int) (int64, error) {
	result, err := s.db.Exec(ctx,
		`INSERT INTO session_snapshots (session_id, captured_at, buffer) VALUES ($1, $2, $3)`,
		sessionID.String(), time.Now().UnixMilli(), buffer)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	if keepLast > 0 {
		_, err = s.db.Exec(ctx,
			`DELETE FROM session_snapshots WHERE session_id=$1 AND id NOT IN (
				SELECT id FROM session_snapshots WHERE session_id=$1
				ORDER BY captured_at DESC, id DESC LIMIT $2
			)`, sessionID.String(), keepLast)
		if err != nil {
			return 0, fmt.Errorf("prune snapshots: %w", err)
		}
	}
	return id, nil
}

// LoadLatestSnapshot returns the newest snapshot for a session, or nil.
func (s *Store) LoadLatestSnapshot(ctx context.Context, sessionID uuid.UUID) (*Snapshot, error) {
	var snap Snapshot
	var id string
	var capturedAt int64
	err := s.db.QueryRow(ctx,
		`SELECT id, session_id, captured_at, buffer FROM session_snapshots
		 WHERE session_id=$1 ORDER BY captured_at DESC, id DESC LIMIT 1`,
		sessionID.String()).
		Scan(&snap.ID, &id, &capturedAt, &snap.Buffer)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	snap.SessionID = sessionID
	snap.CapturedAt = time.UnixMilli(capturedAt)
	return &snap, nil
}

// CountSnapshots reports how many snapshots a session retains.
func (s *Store) CountSnapshots(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	var count int64
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM session_snapshots WHERE session_id=$1`, sessionID.String()).
		Scan(&count)
	return count, err
}
