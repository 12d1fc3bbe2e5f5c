package migrate

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
)

func TestRunRejectsBadArgs(t *testing.T) {
	t.Parallel()

	if err := Run("", "up"); err == nil {
		t.Fatal("Run with empty dsn succeeded")
	}
	if err := Run("postgres://localhost/x", "sideways"); err == nil {
		t.Fatal("Run with bad direction succeeded")
	}
}

func TestRunUpDown(t *testing.T) {
	dsn := os.Getenv("VOUCH_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("VOUCH_TEST_DATABASE_URL not set")
	}

	if err := Run(dsn, "up"); err != nil {
		t.Fatalf("up: %v", err)
	}
	// A second up is a no-op.
	if err := Run(dsn, "up"); err != nil {
		t.Fatalf("idempotent up: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer func() { _ = conn.Close(ctx) }()

	var n int
	err = conn.QueryRow(ctx,
		`SELECT count(*) FROM information_schema.tables
		 WHERE table_schema = 'vouch' AND table_name IN ('users', 'sessions', 'audit_log')`).Scan(&n)
	if err != nil {
		t.Fatalf("inspect schema: %v", err)
	}
	if n != 3 {
		t.Fatalf("migrated tables = %d, want 3", n)
	}

	if err := Run(dsn, "down"); err != nil {
		t.Fatalf("down: %v", err)
	}
}
