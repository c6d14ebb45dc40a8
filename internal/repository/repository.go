// Package repository persists the tool's configuration and state.
// Configuration lives in a TOML file and generated state in a SQLite
// database, both inside the conf holder directory. Every write is applied
// immediately; there is no transaction spanning multiple calls.
package repository

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"bpro-go/internal/bp"
	"bpro-go/internal/repository/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements bp.Repository.
type Repository struct {
	confDir    string
	targetPath string
	clock      bp.Clock
	ids        bp.IDGenerator
	logger     bp.Logger

	conf *confFile
	db   *sql.DB
}

var _ bp.Repository = (*Repository)(nil)

// New opens the repository rooted at confBase. The conf holder directory
// is created when missing; a missing configuration file yields defaults.
func New(confBase, targetDir string, clock bp.Clock, ids bp.IDGenerator, logger bp.Logger) (*Repository, error) {
	r := &Repository{
		confDir:    filepath.Join(bp.ExpandPath(confBase), bp.ConfHolder),
		targetPath: filepath.Join(bp.ExpandPath(targetDir), bp.TargetFile),
		clock:      clock,
		ids:        ids,
		logger:     logger,
	}
	if err := os.MkdirAll(r.confDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating conf directory: %w", err)
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) ConfDir() string {
	return r.confDir
}

func (r *Repository) ConfPath() string {
	return filepath.Join(r.confDir, bp.ConfFile)
}

func (r *Repository) TargetPath() string {
	return r.targetPath
}

// Reload re-reads configuration and state from the conf holder directory.
func (r *Repository) Reload() error {
	return r.LoadFrom(r.confDir)
}

// LoadFrom reads configuration and state from another conf holder
// directory. Used by the dry-run configuration bootstrap, which extracts
// the store into a temporary location.
func (r *Repository) LoadFrom(confDir string) error {
	conf, err := readConf(filepath.Join(confDir, bp.ConfFile))
	if err != nil {
		return err
	}
	db, err := openState(filepath.Join(confDir, bp.StateFile))
	if err != nil {
		return err
	}
	if r.db != nil {
		r.db.Close()
	}
	r.conf = conf
	r.db = db
	return nil
}

func openState(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (r *Repository) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// StateSnapshot writes a consistent copy of the state database into dir
// using VACUUM INTO and returns its path.
func (r *Repository) StateSnapshot(dir string) (string, error) {
	path := filepath.Join(dir, bp.StateFile)
	if _, err := r.db.Exec("VACUUM INTO ?", path); err != nil {
		return "", fmt.Errorf("snapshotting state database: %w", err)
	}
	return path, nil
}
