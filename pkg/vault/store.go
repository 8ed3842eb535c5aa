package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mau.fi/util/dbutil"
)

type CredentialKind string

const (
	KindSshKey      CredentialKind = "ssh_key"
	KindPassword    CredentialKind = "password"
	KindCertificate CredentialKind = "certificate"
)

var ErrCredentialNotFound = errors.New("credential not found")

// Credential is a stored record; Sealed holds nonce||ciphertext+tag under
// the vault master key.
type Credential struct {
	ID          uuid.UUID
	Name        string
	Kind        CredentialKind
	Sealed      []byte
	Tags        []string
	Username    string
	HostPattern string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Metadata is the singleton vault row; its presence means initialized.
type Metadata struct {
	PasswordHash   string
	Salt           []byte
	Version        int
	CreatedAt      time.Time
	LastUnlockedAt time.Time
}

type store struct {
	db *dbutil.Database
}

func newStore(ctx context.Context, db *dbutil.Database) (*store, error) {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS vault_metadata (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			password_hash TEXT NOT NULL,
			salt BLOB NOT NULL,
			version INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			last_unlocked_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS credentials (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			sealed BLOB NOT NULL,
			tags TEXT NOT NULL DEFAULT '',
			username TEXT,
			host_pattern TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_kind ON credentials(kind)`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_name ON credentials(name)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("vault schema: %w", err)
		}
	}
	return &store{db: db}, nil
}

func (s *store) getMetadata(ctx context.Context) (*Metadata, error) {
	var meta Metadata
	var createdAt, lastUnlocked int64
	err := s.db.QueryRow(ctx,
		`SELECT password_hash, salt, version, created_at, last_unlocked_at FROM vault_metadata WHERE id=1`).
		Scan(&meta.PasswordHash, &meta.Salt, &meta.Version, &createdAt, &lastUnlocked)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	meta.CreatedAt = time.UnixMilli(createdAt)
	meta.LastUnlockedAt = time.UnixMilli(lastUnlocked)
	return &meta, nil
}

func (s *store) putMetadata(ctx context.Context, meta Metadata) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO vault_metadata (id, password_hash, salt, version, created_at, last_unlocked_at)
		 VALUES (1, $1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET last_unlocked_at=excluded.last_unlocked_at`,
		meta.PasswordHash, meta.Salt, meta.Version, meta.CreatedAt.UnixMilli(), meta.LastUnlockedAt.UnixMilli())
	return err
}

func (s *store) touchUnlocked(ctx context.Context) error {
	_, err := s.db.Exec(ctx,
		`UPDATE vault_metadata SET last_unlocked_at=$1 WHERE id=1`, time.Now().UnixMilli())
	return err
}

func (s *store) insert(ctx context.Context, cred Credential) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO credentials (id, name, kind, sealed, tags, username, host_pattern, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		cred.ID.String(), cred.Name, string(cred.Kind), cred.Sealed, strings.Join(cred.Tags, ","),
		cred.Username, cred.HostPattern, cred.CreatedAt.UnixMilli(), cred.UpdatedAt.UnixMilli())
	return err
}

func (s *store) update(ctx context.Context, cred Credential) error {
	result, err := s.db.Exec(ctx,
		`UPDATE credentials SET name=$1, sealed=$2, tags=$3, username=$4, host_pattern=$5, updated_at=$6
		 WHERE id=$7`,
		cred.Name, cred.Sealed, strings.Join(cred.Tags, ","), cred.Username, cred.HostPattern,
		time.Now().UnixMilli(), cred.ID.String())
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

func (s *store) get(ctx context.Context, id uuid.UUID) (*Credential, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, name, kind, sealed, tags, username, host_pattern, created_at, updated_at
		 FROM credentials WHERE id=$1`, id.String())
	cred, err := scanCredential(row)
	if err == sql.ErrNoRows {
		return nil, ErrCredentialNotFound
	}
	return cred, err
}

func (s *store) list(ctx context.Context) ([]*Credential, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, name, kind, sealed, tags, username, host_pattern, created_at, updated_at
		 FROM credentials ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cred)
	}
	return out, rows.Err()
}

func (s *store) delete(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.Exec(ctx, `DELETE FROM credentials WHERE id=$1`, id.String())
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

func scanCredential(row dbutil.Scannable) (*Credential, error) {
	var cred Credential
	var id, kind, tags string
	var username, hostPattern sql.NullString
	var createdAt, updatedAt int64
	err := row.Scan(&id, &cred.Name, &kind, &cred.Sealed, &tags, &username, &hostPattern, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	cred.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse credential id %q: %w", id, err)
	}
	cred.Kind = CredentialKind(kind)
	if tags != "" {
		cred.Tags = strings.Split(tags, ",")
	}
	cred.Username = username.String
	cred.HostPattern = hostPattern.String
	cred.CreatedAt = time.UnixMilli(createdAt)
	cred.UpdatedAt = time.UnixMilli(updatedAt)
	return &cred, nil
}
