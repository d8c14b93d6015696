// Package testing provides shared helpers for package tests.
package testing

import (
	"database/sql"
	"testing"

	"go.uber.org/zap"

	"github.com/teranos/inkest/db"
)

// CreateTestDB opens an in-memory SQLite database with all migrations
// applied. The connection is closed automatically when the test ends.
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	log := zap.NewNop().Sugar()

	database, err := db.Open(":memory:", log)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	// Each pooled connection to :memory: would see its own empty
	// database; pin the pool to one connection before migrating.
	database.SetMaxOpenConns(1)

	if err := db.Migrate(database, log); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		database.Close()
	})

	return database
}
