// Package dbtest opens throwaway sqlite databases with the full schema for tests.
package dbtest

import (
	"path/filepath"
	"testing"

	"github.com/angelmondragon/newsletter-backend/pkg/db"
	"github.com/angelmondragon/newsletter-backend/pkg/db/models"
)

// NewClient returns a migrated sqlite client backed by a file in t.TempDir().
func NewClient(t testing.TB) *db.Client {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=5000&_foreign_keys=on"
	client, err := db.NewSQLite(dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	if err := client.DB().AutoMigrate(models.All()...); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	return client
}
