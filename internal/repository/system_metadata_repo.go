package repository

import (
	"context"
	"fmt"

	"mediaindex/internal/dbtypes"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SystemMetadataRepository stores reserved key/value rows,
// notably schema_version (the worker compatibility gate, §4.12) and
// default_ai_model_id.
type SystemMetadataRepository interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	SchemaVersion(ctx context.Context) (string, bool, error)
	DefaultAIModelID(ctx context.Context) (*int64, error)
}

type pgSystemMetadataRepo struct {
	pool *pgxpool.Pool
}

func NewSystemMetadataRepository(pool *pgxpool.Pool) SystemMetadataRepository {
	return &pgSystemMetadataRepo{pool: pool}
}

func (r *pgSystemMetadataRepo) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := r.pool.QueryRow(ctx, `SELECT value FROM system_metadata WHERE key = $1`, key).Scan(&v)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("system_metadata get: %w", err)
	}
	return v, true, nil
}

func (r *pgSystemMetadataRepo) Set(ctx context.Context, key, value string) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO system_metadata (key, value) VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	if err != nil {
		return fmt.Errorf("system_metadata set: %w", err)
	}
	return nil
}

func (r *pgSystemMetadataRepo) SchemaVersion(ctx context.Context) (string, bool, error) {
	return r.Get(ctx, dbtypes.MetaKeySchemaVersion)
}

func (r *pgSystemMetadataRepo) DefaultAIModelID(ctx context.Context) (*int64, error) {
	v, ok, err := r.Get(ctx, dbtypes.MetaKeyDefaultAIModelID)
	if err != nil || !ok {
		return nil, err
	}
	var id int64
	if _, err := fmt.Sscanf(v, "%d", &id); err != nil {
		return nil, fmt.Errorf("parse default_ai_model_id: %w", err)
	}
	return &id, nil
}
