package ledger

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/lib/pq"
)

// applySchema executa a migration do repositório contra o banco de teste
func applySchema(t *testing.T, db *sql.DB) {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join("..", "..", "migrations", "001_settlement.sql"))
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	if _, err := db.Exec(string(raw)); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}

func openPostgresStore(t *testing.T) (store, seedFunc) {
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

	applySchema(t, db)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, `TRUNCATE ledger_entries, pending_deposits, balances`); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	seed := func(t *testing.T, userID, earned, deposited string) {
		t.Helper()
		_, err := db.Exec(`
			INSERT INTO balances (user_id, earned_balance, deposited_balance)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_id) DO UPDATE
			SET earned_balance = balances.earned_balance + EXCLUDED.earned_balance,
			    deposited_balance = balances.deposited_balance + EXCLUDED.deposited_balance`,
			userID, dec(earned), dec(deposited))
		if err != nil {
			t.Fatalf("seed balance: %v", err)
		}
	}
	return NewPostgres(db), seed
}

func TestPostgresStore(t *testing.T) {
	runStoreSuite(t, openPostgresStore)
}
