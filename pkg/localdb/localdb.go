// Package localdb opens the daemon's embedded sqlite databases with the
// shared connection settings.
package localdb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"
)

// Open opens (creating if needed) a file-backed sqlite database. mode is the
// file permission applied to a freshly created database file; pass 0 to keep
// the umask default.
func Open(path string, mode os.FileMode) (*dbutil.Database, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	_, statErr := os.Stat(path)
	raw, err := sql.Open("sqlite3", path+"?_txlock=immediate&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// sqlite handles its own write locking; one writer connection avoids
	// SQLITE_BUSY churn.
	raw.SetMaxOpenConns(1)
	db, err := dbutil.NewWithDB(raw, "sqlite3")
	if err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("wrap %s: %w", path, err)
	}
	if mode != 0 && os.IsNotExist(statErr) {
		if err := raw.Ping(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping %s: %w", path, err)
		}
		if err := os.Chmod(path, mode); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("chmod %s: %w", path, err)
		}
	}
	return db, nil
}

// OpenMemory opens an in-memory database for tests.
func OpenMemory() (*dbutil.Database, error) {
	raw, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, err
	}
	raw.SetMaxOpenConns(1)
	return dbutil.NewWithDB(raw, "sqlite3")
}
