package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"github.com/andred88/bth-lab/pkg/store"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

// Testable variables for main()
var (
	logFatalf = log.Fatalf
	openDBFn  = func(ctx context.Context) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx)
	}
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	pool, err := openDBFn(ctx)
	if err != nil {
		logFatalf("db: %v", err)
		return
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool, migrationFiles, log.Printf); err != nil {
		logFatalf("migration: %v", err)
		return
	}
	if err := seedAdmin(ctx, pool, os.Getenv("ADMIN_USERNAME"), os.Getenv("ADMIN_PASSWORD"), log.Printf); err != nil {
		logFatalf("seed admin: %v", err)
	}
}

func runMigrations(
	ctx context.Context,
	db migrationDB,
	files fs.FS,
	logf func(format string, args ...any),
) error {
	if db == nil {
		return errors.New("db required")
	}
	if logf == nil {
		logf = log.Printf
	}

	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	names, err := fs.Glob(files, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(names)

	applied := 0
	for _, name := range names {
		base := path.Base(name)
		var exists bool
		if err := db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`, base,
		).Scan(&exists); err != nil {
			return fmt.Errorf("migration lookup: %w", err)
		}
		if exists {
			continue
		}
		sqlBytes, err := fs.ReadFile(files, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		tx, err := db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin migration tx: %w", err)
		}
		if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("apply migration %s: %w", base, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename) VALUES($1)`, base); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("mark migration %s: %w", base, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %s: %w", base, err)
		}
		applied++
		logf("applied migration %s", base)
	}

	logf("migrations up to date: %d applied, %d total", applied, len(names))
	return nil
}

// seedAdmin bootstraps the first administrator account. It is a no-op
// when ADMIN_PASSWORD is unset or the username is already taken, so
// the migrator stays safe to re-run.
func seedAdmin(ctx context.Context, db migrationDB, username, password string, logf func(format string, args ...any)) error {
	if logf == nil {
		logf = log.Printf
	}
	if password == "" {
		logf("ADMIN_PASSWORD not set, skipping admin bootstrap")
		return nil
	}
	if username == "" {
		username = "admin"
	}

	var exists bool
	if err := db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE username=$1)`, username,
	).Scan(&exists); err != nil {
		return fmt.Errorf("admin lookup: %w", err)
	}
	if exists {
		logf("user %q already exists, skipping admin bootstrap", username)
		return nil
	}

	var roleID uuid.UUID
	if err := db.QueryRow(ctx,
		`SELECT id FROM roles WHERE name = 'admin'`,
	).Scan(&roleID); err != nil {
		return fmt.Errorf("admin role lookup: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	if _, err := db.Exec(ctx,
		`INSERT INTO users (id, username, password_hash, role_id) VALUES ($1, $2, $3, $4)`,
		uuid.New(), username, string(hash), roleID,
	); err != nil {
		return fmt.Errorf("insert admin user: %w", err)
	}
	logf("created administrator %q", username)
	return nil
}
