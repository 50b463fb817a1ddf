package testsupport

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/liverec/backend/pkg/database"
)

// MustOpenSQLite opens a migrated SQLite database under t.TempDir and registers cleanup.
func MustOpenSQLite(t testing.TB) *sql.DB {
	t.Helper()

	ctx := context.Background()
	db, err := database.OpenSQLite(ctx, filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("database.OpenSQLite: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	if err := database.MigrateSQLite(ctx, db); err != nil {
		t.Fatalf("database.MigrateSQLite: %v", err)
	}
	return db
}

// SeedLiveAccount inserts an active live account and returns its id.
func SeedLiveAccount(t testing.TB, db *sql.DB, platform, accountID string) uuid.UUID {
	t.Helper()

	id := uuid.New()
	now := database.FormatTime(time.Now())
	const q = `INSERT INTO live_accounts (id, platform, account_id, canonical_url, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'active', ?, ?)`
	if _, err := db.Exec(q, id.String(), platform, accountID, "https://"+platform+".example/"+accountID, now, now); err != nil {
		t.Fatalf("seed live account: %v", err)
	}
	return id
}

// Clock is a settable time source for components that accept func() time.Time.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t.UTC()}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
