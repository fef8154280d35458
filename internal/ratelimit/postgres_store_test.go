package ratelimit

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rate_limit_windows (
			client_ip     TEXT        NOT NULL,
			endpoint      TEXT        NOT NULL,
			window_start  TIMESTAMPTZ NOT NULL,
			request_count INTEGER     NOT NULL DEFAULT 0,
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (client_ip, endpoint)
		)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := db.ExecContext(ctx, `TRUNCATE rate_limit_windows`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return db
}

func TestPostgresStoreFixedWindow(t *testing.T) {
	db := openTestDB(t)
	clk := &stepClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	lim := New(NewPostgresStore(db), clk, zap.NewNop(), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if !lim.Check(ctx, "10.1.1.1", "send", 3, time.Minute).Allowed {
			t.Fatalf("request %d: expected allowed", i+1)
		}
	}
	if lim.Check(ctx, "10.1.1.1", "send", 3, time.Minute).Allowed {
		t.Fatal("expected 4th request denied")
	}

	var count int
	if err := db.QueryRow(`SELECT request_count FROM rate_limit_windows WHERE client_ip = '10.1.1.1'`).Scan(&count); err != nil {
		t.Fatalf("select count: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected stored count 3, got %d", count)
	}

	clk.Advance(time.Minute)
	if !lim.Check(ctx, "10.1.1.1", "send", 3, time.Minute).Allowed {
		t.Fatal("expected allowed after window elapsed")
	}
}
