// Package journal keeps a run-history record in Postgres: when runs started,
// how much was resumed, and how often workers had to be restarted.
package journal

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository records run lifecycle events. All methods are nil-safe on the
// Postgres implementation so the journal stays optional.
type Repository interface {
	StartRun(ctx context.Context, runID string, requested, resumedFrom int) error
	UpdatePhase(ctx context.Context, runID, phase string) error
	RecordRestart(ctx context.Context, runID string, ordinal int) error
	CompleteRun(ctx context.Context, runID string, generated int) error
}

// PostgresRepo persists run records in a render_runs table.
type PostgresRepo struct {
	db *pgxpool.Pool
}

// Connect opens a pool against databaseURL. An empty URL disables the
// journal.
func Connect(ctx context.Context, databaseURL string) (*PostgresRepo, error) {
	if databaseURL == "" {
		return nil, nil
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect run journal: %w", err)
	}
	return &PostgresRepo{db: pool}, nil
}

func (r *PostgresRepo) StartRun(ctx context.Context, runID string, requested, resumedFrom int) error {
	if r == nil {
		return nil
	}
	query := `INSERT INTO render_runs (id, requested, resumed_from, phase, worker_restarts, started_at)
	          VALUES ($1, $2, $3, 'reconciled', 0, NOW())`
	_, err := r.db.Exec(ctx, query, runID, requested, resumedFrom)
	return err
}

func (r *PostgresRepo) UpdatePhase(ctx context.Context, runID, phase string) error {
	if r == nil {
		return nil
	}
	query := `UPDATE render_runs SET phase = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.db.Exec(ctx, query, phase, runID)
	return err
}

func (r *PostgresRepo) RecordRestart(ctx context.Context, runID string, ordinal int) error {
	if r == nil {
		return nil
	}
	query := `UPDATE render_runs SET worker_restarts = worker_restarts + 1, last_restarted_worker = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.db.Exec(ctx, query, ordinal, runID)
	return err
}

func (r *PostgresRepo) CompleteRun(ctx context.Context, runID string, generated int) error {
	if r == nil {
		return nil
	}
	query := `UPDATE render_runs SET phase = 'completed', generated = $1, completed_at = NOW(), updated_at = NOW() WHERE id = $2`
	_, err := r.db.Exec(ctx, query, generated, runID)
	return err
}

// Close releases the pool.
func (r *PostgresRepo) Close() {
	if r == nil {
		return
	}
	r.db.Close()
}
