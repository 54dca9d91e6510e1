package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"
)

type fakeMigratorDB struct {
	execSQL    []string
	execArgs   [][]any
	execErr    error
	queryRowFn func(sql string, args ...any) pgx.Row
	beginFn    func() (pgx.Tx, error)
	tx         *fakeMigratorTx
}

func (f *fakeMigratorDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, arguments)
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}

func (f *fakeMigratorDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if f.queryRowFn != nil {
		return f.queryRowFn(sql, args...)
	}
	return fakeMigratorRow{values: []any{false}}
}

func (f *fakeMigratorDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginFn != nil {
		return f.beginFn()
	}
	if f.tx == nil {
		f.tx = &fakeMigratorTx{}
	}
	return f.tx, nil
}

type fakeMigratorRow struct {
	values []any
	err    error
}

func (r fakeMigratorRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return errors.New("scan arity mismatch")
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *bool:
			v, ok := r.values[i].(bool)
			if !ok {
				return errors.New("expected bool")
			}
			*d = v
		case *uuid.UUID:
			v, ok := r.values[i].(uuid.UUID)
			if !ok {
				return errors.New("expected uuid")
			}
			*d = v
		default:
			return errors.New("unsupported scan type")
		}
	}
	return nil
}

type fakeMigratorTx struct {
	execSQL       []string
	execErr       error
	commitErr     error
	commits       int
	rollbackCalls int
}

func (t *fakeMigratorTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeMigratorTx) Commit(ctx context.Context) error {
	t.commits++
	return t.commitErr
}
func (t *fakeMigratorTx) Rollback(ctx context.Context) error {
	t.rollbackCalls++
	return nil
}
func (t *fakeMigratorTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *fakeMigratorTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeMigratorTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *fakeMigratorTx) Prepare(ctx context.Context, name string, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeMigratorTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if t.execErr != nil {
		return pgconn.CommandTag{}, t.execErr
	}
	t.execSQL = append(t.execSQL, sql)
	return pgconn.NewCommandTag("EXEC 1"), nil
}
func (t *fakeMigratorTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeMigratorTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeMigratorRow{err: errors.New("not implemented")}
}
func (t *fakeMigratorTx) Conn() *pgx.Conn { return nil }

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"migrations/001_first.sql":  {Data: []byte("CREATE TABLE a (id INT)")},
		"migrations/002_second.sql": {Data: []byte("CREATE TABLE b (id INT)")},
	}
}

func TestRunMigrationsAppliesInOrder(t *testing.T) {
	db := &fakeMigratorDB{}
	var logs []string
	logf := func(format string, args ...any) { logs = append(logs, format) }

	if err := runMigrations(context.Background(), db, testMigrations(), logf); err != nil {
		t.Fatalf("runMigrations: %v", err)
	}
	if len(db.execSQL) != 1 || !strings.Contains(db.execSQL[0], "schema_migrations") {
		t.Fatalf("expected schema_migrations bootstrap, got %v", db.execSQL)
	}
	// Each migration runs in its own tx: body then bookkeeping insert.
	want := []string{
		"CREATE TABLE a (id INT)",
		"INSERT INTO schema_migrations(filename) VALUES($1)",
		"CREATE TABLE b (id INT)",
		"INSERT INTO schema_migrations(filename) VALUES($1)",
	}
	if len(db.tx.execSQL) != len(want) {
		t.Fatalf("tx statements %v", db.tx.execSQL)
	}
	for i, sql := range want {
		if db.tx.execSQL[i] != sql {
			t.Fatalf("statement %d = %q, want %q", i, db.tx.execSQL[i], sql)
		}
	}
	if db.tx.commits != 2 || db.tx.rollbackCalls != 0 {
		t.Fatalf("commits=%d rollbacks=%d", db.tx.commits, db.tx.rollbackCalls)
	}
}

func TestRunMigrationsSkipsApplied(t *testing.T) {
	db := &fakeMigratorDB{
		queryRowFn: func(sql string, args ...any) pgx.Row {
			return fakeMigratorRow{values: []any{true}}
		},
	}
	if err := runMigrations(context.Background(), db, testMigrations(), func(string, ...any) {}); err != nil {
		t.Fatalf("runMigrations: %v", err)
	}
	if db.tx != nil {
		t.Fatal("no transaction should start when all migrations are applied")
	}
}

func TestRunMigrationsRollsBackOnFailure(t *testing.T) {
	tx := &fakeMigratorTx{execErr: errors.New("syntax error")}
	db := &fakeMigratorDB{beginFn: func() (pgx.Tx, error) { return tx, nil }}

	err := runMigrations(context.Background(), db, testMigrations(), func(string, ...any) {})
	if err == nil || !strings.Contains(err.Error(), "apply migration 001_first.sql") {
		t.Fatalf("expected apply error, got %v", err)
	}
	if tx.rollbackCalls != 1 || tx.commits != 0 {
		t.Fatalf("rollbacks=%d commits=%d", tx.rollbackCalls, tx.commits)
	}
}

func TestRunMigrationsNilDB(t *testing.T) {
	if err := runMigrations(context.Background(), nil, testMigrations(), nil); err == nil {
		t.Fatal("expected error for nil db")
	}
}

func TestSeedAdminSkipsWithoutPassword(t *testing.T) {
	db := &fakeMigratorDB{
		queryRowFn: func(sql string, args ...any) pgx.Row {
			t.Fatal("no queries expected without ADMIN_PASSWORD")
			return nil
		},
	}
	if err := seedAdmin(context.Background(), db, "", "", func(string, ...any) {}); err != nil {
		t.Fatalf("seedAdmin: %v", err)
	}
	if len(db.execSQL) != 0 {
		t.Fatalf("unexpected writes %v", db.execSQL)
	}
}

func TestSeedAdminSkipsExistingUser(t *testing.T) {
	db := &fakeMigratorDB{
		queryRowFn: func(sql string, args ...any) pgx.Row {
			return fakeMigratorRow{values: []any{true}}
		},
	}
	if err := seedAdmin(context.Background(), db, "admin", "hunter22", func(string, ...any) {}); err != nil {
		t.Fatalf("seedAdmin: %v", err)
	}
	if len(db.execSQL) != 0 {
		t.Fatalf("unexpected writes %v", db.execSQL)
	}
}

func TestSeedAdminCreatesUser(t *testing.T) {
	roleID := uuid.New()
	db := &fakeMigratorDB{
		queryRowFn: func(sql string, args ...any) pgx.Row {
			if strings.Contains(sql, "FROM users") {
				return fakeMigratorRow{values: []any{false}}
			}
			return fakeMigratorRow{values: []any{roleID}}
		},
	}
	if err := seedAdmin(context.Background(), db, "", "hunter22", func(string, ...any) {}); err != nil {
		t.Fatalf("seedAdmin: %v", err)
	}
	if len(db.execSQL) != 1 || !strings.Contains(db.execSQL[0], "INSERT INTO users") {
		t.Fatalf("writes %v", db.execSQL)
	}
	args := db.execArgs[0]
	if args[1] != "admin" || args[3] != roleID {
		t.Fatalf("insert args %v", args)
	}
	hash, ok := args[2].(string)
	if !ok || bcrypt.CompareHashAndPassword([]byte(hash), []byte("hunter22")) != nil {
		t.Fatal("stored hash does not match the supplied password")
	}
}
