package db

import (
	"context"
	"path/filepath"
	"testing"
)

func TestMigrateSQLiteIsRepeatable(t *testing.T) {
	ctx := context.Background()
	conn, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "migrate.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer conn.Close()

	for i := 0; i < 2; i++ {
		if err := Migrate(ctx, conn, DriverSQLite); err != nil {
			t.Fatalf("migrate run %d: %v", i+1, err)
		}
	}

	for _, table := range []string{"users", "exams", "questions", "question_options", "exam_executions", "exam_results"} {
		var n int
		if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = $1`, table).Scan(&n); err != nil {
			t.Fatalf("lookup table %s: %v", table, err)
		}
		if n != 1 {
			t.Fatalf("expected table %s to exist", table)
		}
	}
}

func TestMigrateUnknownDriver(t *testing.T) {
	if err := Migrate(context.Background(), nil, "mysql"); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), "mysql", "dsn", DefaultPoolConfig()); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}
