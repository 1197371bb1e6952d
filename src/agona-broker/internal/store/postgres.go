package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mhiscox/agona/src/agona-broker/internal/model"
)

// dbPool is the slice of *pgxpool.Pool the store uses, narrowed for tests.
type dbPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const createQueryLogTable = `CREATE TABLE IF NOT EXISTS query_log (
	request_id                TEXT NOT NULL,
	prompt_id                 TEXT,
	mode                      TEXT NOT NULL,
	prompt                    TEXT NOT NULL,
	answer                    TEXT NOT NULL,
	model_id                  TEXT,
	latency_ms                BIGINT,
	providers                 JSONB NOT NULL,
	winner                    TEXT,
	savings_usd               DOUBLE PRECISION NOT NULL,
	savings_pct               DOUBLE PRECISION,
	savings_per_1k_tokens_usd DOUBLE PRECISION NOT NULL,
	created_at                TIMESTAMPTZ NOT NULL DEFAULT now()
)`

const insertQueryLog = `INSERT INTO query_log (
	request_id, prompt_id, mode, prompt, answer, model_id, latency_ms, providers,
	winner, savings_usd, savings_pct, savings_per_1k_tokens_usd, created_at
) VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

const selectRecentQueryLogs = `SELECT
	request_id, COALESCE(prompt_id, ''), mode, prompt, answer, model_id, latency_ms, providers,
	winner, savings_usd, savings_pct, savings_per_1k_tokens_usd, created_at
FROM query_log ORDER BY created_at DESC LIMIT $1`

type PostgresQueryLogStore struct {
	pool  dbPool
	close func()
}

// NewPostgresQueryLogStore connects and makes sure the table exists.
func NewPostgresQueryLogStore(ctx context.Context, databaseURL string) (*PostgresQueryLogStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	s := &PostgresQueryLogStore{pool: pool, close: pool.Close}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func newPostgresQueryLogStoreWithPool(pool dbPool) *PostgresQueryLogStore {
	return &PostgresQueryLogStore{pool: pool}
}

func (s *PostgresQueryLogStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createQueryLogTable); err != nil {
		return fmt.Errorf("create query_log: %w", err)
	}
	return nil
}

func (s *PostgresQueryLogStore) Insert(ctx context.Context, entry model.QueryLog) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	providers, err := json.Marshal(entry.Providers)
	if err != nil {
		return fmt.Errorf("encode providers: %w", err)
	}

	_, err = s.pool.Exec(ctx, insertQueryLog,
		entry.RequestID, entry.PromptID, entry.Mode, entry.Prompt, entry.Answer,
		entry.ModelID, entry.LatencyMs, providers, entry.Winner,
		entry.SavingsUSD, entry.SavingsPct, entry.SavingsPer1kTokensUSD, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert query log: %w", err)
	}
	return nil
}

func (s *PostgresQueryLogStore) Recent(ctx context.Context, n int) ([]model.QueryLog, error) {
	if n <= 0 {
		n = 100
	}
	rows, err := s.pool.Query(ctx, selectRecentQueryLogs, n)
	if err != nil {
		return nil, fmt.Errorf("query recent logs: %w", err)
	}
	defer rows.Close()

	var out []model.QueryLog
	for rows.Next() {
		var (
			entry     model.QueryLog
			providers []byte
		)
		if err := rows.Scan(
			&entry.RequestID, &entry.PromptID, &entry.Mode, &entry.Prompt, &entry.Answer,
			&entry.ModelID, &entry.LatencyMs, &providers, &entry.Winner,
			&entry.SavingsUSD, &entry.SavingsPct, &entry.SavingsPer1kTokensUSD, &entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan query log: %w", err)
		}
		if err := json.Unmarshal(providers, &entry.Providers); err != nil {
			return nil, fmt.Errorf("decode providers: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *PostgresQueryLogStore) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
