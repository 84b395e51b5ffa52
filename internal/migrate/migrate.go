// Package migrate applies versioned schema migrations to the durable cache
// and ledger sqlite stores, using golang-migrate with the SQL sources
// embedded at build time. Both of this core's persisted stores are
// single-file embedded sqlite databases, so only the sqlite3 dialect is
// wired up.
package migrate

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/cache/*.sql
var cacheFS embed.FS

//go:embed migrations/ledger/*.sql
var ledgerFS embed.FS

// Store names the two sqlite-backed stores this core persists to.
type Store string

const (
	StoreCache  Store = "cache"
	StoreLedger Store = "ledger"
)

func (s Store) sourceFS() (embed.FS, string, error) {
	switch s {
	case StoreCache:
		return cacheFS, "migrations/cache", nil
	case StoreLedger:
		return ledgerFS, "migrations/ledger", nil
	default:
		return embed.FS{}, "", fmt.Errorf("migrate: unknown store %q", s)
	}
}

// Up applies every pending migration for store against the sqlite file at
// path (a plain filesystem path, not a DSN — matches the sqlite.Open(path)
// call in core.go's openSQLitePool).
func Up(store Store, path string) error {
	m, err := newMigrate(store, path)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s up: %w", store, err)
	}
	return nil
}

// Version reports the currently applied migration version for store, or 0
// when no migration has been applied yet.
func Version(store Store, path string) (uint, bool, error) {
	m, err := newMigrate(store, path)
	if err != nil {
		return 0, false, err
	}
	defer m.Close()
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

func newMigrate(store Store, path string) (*migrate.Migrate, error) {
	fsys, dir, err := store.sourceFS()
	if err != nil {
		return nil, err
	}
	src, err := iofs.New(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("migrate: load embedded source: %w", err)
	}

	dbURL := "sqlite3://" + path + "?_foreign_keys=on"
	m, err := migrate.NewWithSourceInstance("iofs", src, dbURL)
	if err != nil {
		return nil, fmt.Errorf("migrate: open %s: %w", store, err)
	}
	return m, nil
}
