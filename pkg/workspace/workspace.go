// Package workspace persists named pane layouts, their session bindings and
// point-in-time snapshots.
package workspace

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"go.mau.fi/util/dbutil"
)

var ErrWorkspaceNotFound = errors.New("workspace not found")
var ErrSnapshotNotFound = errors.New("workspace snapshot not found")

// Pane is one node of a layout tree. Leaves may bind a session; splits
// carry a direction and children.
type Pane struct {
	ID        string  `json:"id"`
	SessionID string  `json:"session_id,omitempty"`
	Size      float64 `json:"size,omitempty"`
	Direction string  `json:"direction,omitempty"` // horizontal or vertical
	Children  []Pane  `json:"children,omitempty"`
}

type Workspace struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	Layout     Pane      `json:"layout"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	IsTemplate bool      `json:"is_template"`
	Tags       []string  `json:"tags,omitempty"`
}

type Snapshot struct {
	ID          int64
	WorkspaceID uuid.UUID
	Layout      Pane
	CapturedAt  time.Time
}

type Store struct {
	db *dbutil.Database
}

func NewStore(ctx context.Context, db *dbutil.Database) (*Store, error) {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			layout TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			is_template INTEGER NOT NULL DEFAULT 0,
			tags TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS workspace_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workspace_id TEXT NOT NULL,
			layout TEXT NOT NULL,
			captured_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("workspace schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Create inserts a workspace and assigns its id.
func (s *Store) Create(ctx context.Context, name string, layout Pane, isTemplate bool, tags []string) (*Workspace, error) {
	ws := &Workspace{
		ID:         uuid.New(),
		Name:       name,
		Layout:     layout,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
		IsTemplate: isTemplate,
		Tags:       tags,
	}
	layoutJSON, err := json.Marshal(layout)
	if err != nil {
		return nil, fmt.Errorf("marshal layout: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO workspaces (id, name, layout, created_at, updated_at, is_template, tags)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ws.ID.String(), name, string(layoutJSON), ws.CreatedAt.UnixMilli(), ws.UpdatedAt.UnixMilli(),
		boolToInt(isTemplate), strings.Join(tags, ","))
	if err != nil {
		return nil, fmt.Errorf("insert workspace: %w", err)
	}
	return ws, nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Workspace, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, name, layout, created_at, updated_at, is_template, tags
		 FROM workspaces WHERE id=$1`, id.String())
	return scanWorkspace(row)
}

func (s *Store) List(ctx context.Context) ([]*Workspace, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, name, layout, created_at, updated_at, is_template, tags
		 FROM workspaces ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

// Update replaces the layout (and optionally the name) of a workspace.
func (s *Store) Update(ctx context.Context, id uuid.UUID, name string, layout Pane) error {
	layoutJSON, err := json.Marshal(layout)
	if err != nil {
		return fmt.Errorf("marshal layout: %w", err)
	}
	result, err := s.db.Exec(ctx,
		`UPDATE workspaces SET name=COALESCE(NULLIF($1, ''), name), layout=$2, updated_at=$3 WHERE id=$4`,
		name, string(layoutJSON), time.Now().UnixMilli(), id.String())
	if err != nil {
		return fmt.Errorf("update workspace: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrWorkspaceNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.Exec(ctx, `DELETE FROM workspaces WHERE id=$1`, id.String())
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrWorkspaceNotFound
	}
	_, err = s.db.Exec(ctx, `DELETE FROM workspace_snapshots WHERE workspace_id=$1`, id.String())
	return err
}

// SaveSnapshot captures the current layout.
func (s *Store) SaveSnapshot(ctx context.Context, id uuid.UUID) (int64, error) {
	ws, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	layoutJSON, err := json.Marshal(ws.Layout)
	if err != nil {
		return 0, err
	}
	result, err := s.db.Exec(ctx,
		`INSERT INTO workspace_snapshots (workspace_id, layout, captured_at) VALUES ($1, $2, $3)`,
		id.String(), string(layoutJSON), time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	return result.LastInsertId()
}

// RestoreSnapshot atomically replaces the workspace layout with a snapshot.
func (s *Store) RestoreSnapshot(ctx context.Context, id uuid.UUID, snapshotID int64) error {
	return s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		var layoutJSON string
		err := s.db.QueryRow(ctx,
			`SELECT layout FROM workspace_snapshots WHERE id=$1 AND workspace_id=$2`,
			snapshotID, id.String()).Scan(&layoutJSON)
		if err == sql.ErrNoRows {
			return ErrSnapshotNotFound
		}
		if err != nil {
			return err
		}
		result, err := s.db.Exec(ctx,
			`UPDATE workspaces SET layout=$1, updated_at=$2 WHERE id=$3`,
			layoutJSON, time.Now().UnixMilli(), id.String())
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrWorkspaceNotFound
		}
		return nil
	})
}

// LoadTemplate reads a layout template file. Templates are hand-written, so
// the tolerant json5 parser accepts comments and trailing commas.
func LoadTemplate(path string) (Pane, error) {
	var layout Pane
	data, err := os.ReadFile(path)
	if err != nil {
		return layout, err
	}
	if err := json5.Unmarshal(data, &layout); err != nil {
		return layout, fmt.Errorf("parse template %s: %w", path, err)
	}
	return layout, nil
}

func scanWorkspace(row dbutil.Scannable) (*Workspace, error) {
	var ws Workspace
	var id, layoutJSON, tags string
	var createdAt, updatedAt int64
	var isTemplate int
	err := row.Scan(&id, &ws.Name, &layoutJSON, &createdAt, &updatedAt, &isTemplate, &tags)
	if err == sql.ErrNoRows {
		return nil, ErrWorkspaceNotFound
	}
	if err != nil {
		return nil, err
	}
	ws.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse workspace id %q: %w", id, err)
	}
	if err := json.Unmarshal([]byte(layoutJSON), &ws.Layout); err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}
	ws.CreatedAt = time.UnixMilli(createdAt)
	ws.UpdatedAt = time.UnixMilli(updatedAt)
	ws.IsTemplate = isTemplate != 0
	if tags != "" {
		ws.Tags = strings.Split(tags, ",")
	}
	return &ws, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
