package store

import (
	"fmt"
	"path/filepath"

	"github.com/stevemurr/record-storage/record"
)

// Config selects and locates a backend.
type Config struct {
	Backend string `yaml:"backend"`
	DataDir string `yaml:"data_dir"`

	// DSN is the connection string of the postgres backend.
	DSN string `yaml:"dsn"`
}

// New creates a Store for def based on the backend name.
//
// Supported backends:
//
//	"json"     - JSON files in DataDir (default)
//	"sqlite"   - SQLite database at DataDir/records.db
//	"postgres" - PostgreSQL at DSN
//	"pebble"   - Pebble database in DataDir/<name>.pebble
//	"memory"   - In-memory (ephemeral, for testing)
func New(cfg Config, def record.Definition) (Store, error) {
	switch cfg.Backend {
	case "json", "":
		return NewJsonFileStore(cfg.DataDir, def)
	case "sqlite":
		return NewSqliteStore(filepath.Join(cfg.DataDir, "records.db"), def)
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres backend needs a connection string")
		}
		return NewPostgresStore(cfg.DSN, def)
	case "pebble":
		return NewPebbleStore(filepath.Join(cfg.DataDir, def.Name+".pebble"), def)
	case "memory":
		return NewMemoryStore(def)
	default:
		return nil, fmt.Errorf("unknown store backend: %q (supported: json, sqlite, postgres, pebble, memory)", cfg.Backend)
	}
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*JsonFileStore)(nil)
	_ Store = (*SqliteStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*PebbleStore)(nil)
)
