// Package repository persists usage records in Postgres. The gateway treats
// durable accounting as optional: when no DATABASE_URL is configured the
// in-memory tracker is used instead.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/tunedeck/chat-gateway/internal/cost"
)

type PostgresUsageRepository struct {
	db *sql.DB
}

func NewPostgresUsageRepository(databaseURL string) (*PostgresUsageRepository, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresUsageRepository{db: db}, nil
}

func NewPostgresUsageRepositoryWithDB(db *sql.DB) *PostgresUsageRepository {
	return &PostgresUsageRepository{db: db}
}

func (r *PostgresUsageRepository) Record(ctx context.Context, record cost.UsageRecord) error {
	query := `
		INSERT INTO usage_records (request_id, client_id, provider, model, input_tokens, output_tokens, cost_usd, cached, used_fallback, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.db.ExecContext(ctx, query,
		record.RequestID,
		record.ClientID,
		record.Provider,
		record.Model,
		record.InputTokens,
		record.OutputTokens,
		record.CostUSD,
		record.Cached,
		record.UsedFallback,
		record.LatencyMs,
		record.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}

	return nil
}

func (r *PostgresUsageRepository) TotalCost(ctx context.Context, since time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM usage_records
		WHERE created_at >= $1
	`

	var total float64
	if err := r.db.QueryRowContext(ctx, query, since).Scan(&total); err != nil {
		return 0, fmt.Errorf("query total cost: %w", err)
	}

	return total, nil
}

func (r *PostgresUsageRepository) RecentRecords(ctx context.Context, since time.Time, limit int) ([]cost.UsageRecord, error) {
	query := `
		SELECT request_id, client_id, provider, model, input_tokens, output_tokens, cost_usd, cached, used_fallback, latency_ms, created_at
		FROM usage_records
		WHERE created_at >= $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var records []cost.UsageRecord
	for rows.Next() {
		var rec cost.UsageRecord
		err := rows.Scan(
			&rec.RequestID,
			&rec.ClientID,
			&rec.Provider,
			&rec.Model,
			&rec.InputTokens,
			&rec.OutputTokens,
			&rec.CostUSD,
			&rec.Cached,
			&rec.UsedFallback,
			&rec.LatencyMs,
			&rec.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

func (r *PostgresUsageRepository) Close() error {
	return r.db.Close()
}
