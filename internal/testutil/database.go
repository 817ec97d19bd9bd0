package testutil

import (
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"

	"chronoshare/internal/database"
	"chronoshare/internal/database/migrations"
)

var testDBCounter atomic.Uint64

// NewTestActionLogDB opens an in-memory SQLite database migrated to the
// actionlog schema. The database is automatically closed when the test
// completes.
func NewTestActionLogDB(t *testing.T) *sql.DB {
	t.Helper()
	return newTestDB(t, migrations.ActionLog)
}

// NewTestSyncLogDB opens an in-memory SQLite database migrated to the
// synclog schema.
func NewTestSyncLogDB(t *testing.T) *sql.DB {
	t.Helper()
	return newTestDB(t, migrations.SyncLog)
}

// NewTestObjectStoreDB opens an in-memory SQLite database migrated to
// the per-hash object store's segment schema.
func NewTestObjectStoreDB(t *testing.T) *sql.DB {
	t.Helper()
	return newTestDB(t, migrations.ObjectStore)
}

func newTestDB(t *testing.T, set migrations.Set) *sql.DB {
	t.Helper()

	// A plain ":memory:" DSN gives each pooled connection its own,
	// independent database, so migrations applied on one connection are
	// invisible to queries issued on another. Naming the in-memory
	// database and sharing its cache keeps every connection opened from
	// this *sql.DB pointed at the same database; the counter keeps
	// concurrently running tests from colliding on the same name.
	dsn := fmt.Sprintf("file:testdb%d?mode=memory&cache=shared", testDBCounter.Add(1))
	db, err := database.OpenConnection(dsn)
	if err != nil {
		t.Fatalf("opening in-memory database: %v", err)
	}
	if err := migrations.Up(db, set); err != nil {
		db.Close()
		t.Fatalf("migrating %s schema: %v", set, err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
