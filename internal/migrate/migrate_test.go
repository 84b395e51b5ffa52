package migrate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The sqlite3 golang-migrate driver requires cgo (mattn/go-sqlite3); skip
// under -short since it needs a real cgo build.

func TestUp_CacheStoreCreatesTable(t *testing.T) {
	if testing.Short() {
		t.Skip("requires cgo sqlite3 driver")
	}
	dbPath := filepath.Join(t.TempDir(), "cache.db")

	version, dirty, err := Version(StoreCache, dbPath)
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)
	assert.False(t, dirty)

	require.NoError(t, Up(StoreCache, dbPath))

	version, dirty, err = Version(StoreCache, dbPath)
	require.NoError(t, err)
	assert.Greater(t, version, uint(0))
	assert.False(t, dirty)
}

func TestUp_LedgerStoreCreatesTables(t *testing.T) {
	if testing.Short() {
		t.Skip("requires cgo sqlite3 driver")
	}
	dbPath := filepath.Join(t.TempDir(), "ledger.db")

	require.NoError(t, Up(StoreLedger, dbPath))

	version, dirty, err := Version(StoreLedger, dbPath)
	require.NoError(t, err)
	assert.Greater(t, version, uint(0))
	assert.False(t, dirty)
}

func TestUp_IsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("requires cgo sqlite3 driver")
	}
	dbPath := filepath.Join(t.TempDir(), "cache.db")

	require.NoError(t, Up(StoreCache, dbPath))
	require.NoError(t, Up(StoreCache, dbPath))
}

func TestUp_UnknownStore(t *testing.T) {
	err := Up(Store("bogus"), filepath.Join(t.TempDir(), "x.db"))
	assert.Error(t, err)
}
