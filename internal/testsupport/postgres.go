//go:build integration

package testsupport

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/liverec/backend/pkg/database"
)

// MustStartPostgres runs a throwaway PostgreSQL container, applies the migrations and returns a pool.
// The test is skipped when no container runtime is reachable.
func MustStartPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("liverec_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}
	pool, err := database.NewPostgresPool(ctx, dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("database.NewPostgresPool: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := database.Migrate(ctx, pool); err != nil {
		t.Fatalf("database.Migrate: %v", err)
	}
	return pool
}

// SeedLiveAccountPostgres inserts an active live account and returns its id.
func SeedLiveAccountPostgres(t *testing.T, pool *pgxpool.Pool, platform, accountID string) uuid.UUID {
	t.Helper()

	id := uuid.New()
	const q = `INSERT INTO live_accounts (id, platform, account_id, canonical_url, status)
		VALUES ($1, $2, $3, $4, 'active')`
	if _, err := pool.Exec(context.Background(), q, id, platform, accountID, "https://"+platform+".example/"+accountID); err != nil {
		t.Fatalf("seed live account: %v", err)
	}
	return id
}
