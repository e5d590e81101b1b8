package repository

import (
	"context"
	"fmt"

	"mediaindex/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AIModelRepository resolves the AIModel rows assets stamp themselves with
// (the tags_model_id/analysis_model_id FKs). Vision capabilities are
// identified by (name, version) at call time; this repository is how an AI
// worker turns that pair into the surrogate id the asset row wants.
type AIModelRepository interface {
	GetOrCreate(ctx context.Context, name, version string) (int64, error)
	Get(ctx context.Context, id int64) (models.AIModel, error)
}

type pgAIModelRepo struct {
	pool *pgxpool.Pool
}

func NewAIModelRepository(pool *pgxpool.Pool) AIModelRepository {
	return &pgAIModelRepo{pool: pool}
}

// GetOrCreate upserts on the (name, version) unique constraint so repeated
// calls from concurrent workers converge on one row instead of racing.
func (r *pgAIModelRepo) GetOrCreate(ctx context.Context, name, version string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
INSERT INTO ai_model (name, version) VALUES ($1, $2)
ON CONFLICT (name, version) DO UPDATE SET name = EXCLUDED.name
RETURNING id`, name, version).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ai_model get_or_create: %w", err)
	}
	return id, nil
}

func (r *pgAIModelRepo) Get(ctx context.Context, id int64) (models.AIModel, error) {
	var m models.AIModel
	err := r.pool.QueryRow(ctx, `SELECT id, name, version FROM ai_model WHERE id = $1`, id).Scan(&m.ID, &m.Name, &m.Version)
	if err != nil {
		if err == pgx.ErrNoRows {
			return models.AIModel{}, ErrNotFound
		}
		return models.AIModel{}, fmt.Errorf("ai_model get: %w", err)
	}
	return m, nil
}
