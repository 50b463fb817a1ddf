package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

//go:embed sqlite_migrations/*.sql
var sqliteMigrationsFS embed.FS

// Migrate runs embedded PostgreSQL migrations in order (001_schema.sql, 002_..., etc.).
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	return apply(migrationsFS, "migrations", func(name, sql string) error {
		_, err := pool.Exec(ctx, sql)
		return err
	})
}

// MigrateSQLite runs embedded SQLite migrations in order.
func MigrateSQLite(ctx context.Context, db *sql.DB) error {
	return apply(sqliteMigrationsFS, "sqlite_migrations", func(name, sql string) error {
		_, err := db.ExecContext(ctx, sql)
		return err
	})
}

func apply(fsys embed.FS, dir string, exec func(name, sql string) error) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := fsys.ReadFile(dir + "/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if err := exec(name, string(body)); err != nil {
			return fmt.Errorf("execute migration %s: %w", name, err)
		}
	}
	return nil
}
