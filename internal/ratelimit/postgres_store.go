package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persiste as janelas na tabela rate_limit_windows
// A linha é travada com FOR UPDATE, então requisições concorrentes da mesma chave são serializadas
type PostgresStore struct{ db *sql.DB }

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (s *PostgresStore) Hit(ctx context.Context, key Key, max int, window time.Duration, now time.Time) (Window, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Window{}, false, fmt.Errorf("ratelimit begin: %w", err)
	}
	defer tx.Rollback()

	// Garante a existência da linha; contagem 0 indica janela recém-criada
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO rate_limit_windows (client_ip, endpoint, window_start, request_count, updated_at)
		VALUES ($1, $2, $3, 0, $3)
		ON CONFLICT (client_ip, endpoint) DO NOTHING`,
		key.ClientIP, key.Endpoint, now); err != nil {
		return Window{}, false, fmt.Errorf("ratelimit ensure window: %w", err)
	}

	var w Window
	if err = tx.QueryRowContext(ctx, `
		SELECT window_start, request_count
		FROM rate_limit_windows
		WHERE client_ip = $1 AND endpoint = $2
		FOR UPDATE`,
		key.ClientIP, key.Endpoint).Scan(&w.Start, &w.Count); err != nil {
		return Window{}, false, fmt.Errorf("ratelimit select window: %w", err)
	}

	allowed := true
	switch {
	case w.Count == 0 || now.Sub(w.Start) >= window:
		w = Window{Start: now, Count: 1}
		_, err = tx.ExecContext(ctx, `
			UPDATE rate_limit_windows
			SET window_start = $3, request_count = 1, updated_at = $3
			WHERE client_ip = $1 AND endpoint = $2`,
			key.ClientIP, key.Endpoint, now)
	case w.Count < max:
		w.Count++
		_, err = tx.ExecContext(ctx, `
			UPDATE rate_limit_windows
			SET request_count = request_count + 1, updated_at = $3
			WHERE client_ip = $1 AND endpoint = $2`,
			key.ClientIP, key.Endpoint, now)
	default:
		// negado: não incrementa
		allowed = false
	}
	if err != nil {
		return Window{}, false, fmt.Errorf("ratelimit update window: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return Window{}, false, fmt.Errorf("ratelimit commit: %w", err)
	}
	w.Start = w.Start.UTC()
	return w, allowed, nil
}
