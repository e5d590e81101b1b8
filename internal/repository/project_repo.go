package repository

import (
	"context"
	"fmt"

	"mediaindex/internal/models"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ProjectRepository manages Project/ProjectAsset: a named bin
// of assets, many-to-many, cascade-delete.
type ProjectRepository interface {
	CreateProject(ctx context.Context, name string, exportPath *string) (models.Project, error)
	AddAsset(ctx context.Context, projectID, assetID int64) error
	RemoveAsset(ctx context.Context, projectID, assetID int64) error
	ListAssets(ctx context.Context, projectID int64) ([]models.Asset, error)
	DeleteProject(ctx context.Context, projectID int64) error
}

type pgProjectRepo struct {
	pool *pgxpool.Pool
}

func NewProjectRepository(pool *pgxpool.Pool) ProjectRepository {
	return &pgProjectRepo{pool: pool}
}

func (r *pgProjectRepo) CreateProject(ctx context.Context, name string, exportPath *string) (models.Project, error) {
	var p models.Project
	err := r.pool.QueryRow(ctx, `
INSERT INTO project (name, export_path) VALUES ($1, $2) RETURNING id, name, export_path, created_at`,
		name, exportPath).Scan(&p.ID, &p.Name, &p.ExportPath, &p.CreatedAt)
	if err != nil {
		return models.Project{}, fmt.Errorf("create_project: %w", err)
	}
	return p, nil
}

func (r *pgProjectRepo) AddAsset(ctx context.Context, projectID, assetID int64) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO project_asset (project_id, asset_id) VALUES ($1, $2)
ON CONFLICT (project_id, asset_id) DO NOTHING`, projectID, assetID)
	if err != nil {
		return fmt.Errorf("project_add_asset: %w", err)
	}
	return nil
}

func (r *pgProjectRepo) RemoveAsset(ctx context.Context, projectID, assetID int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM project_asset WHERE project_id = $1 AND asset_id = $2`, projectID, assetID)
	if err != nil {
		return fmt.Errorf("project_remove_asset: %w", err)
	}
	return nil
}

func (r *pgProjectRepo) ListAssets(ctx context.Context, projectID int64) ([]models.Asset, error) {
	query := fmt.Sprintf(`SELECT %s FROM asset a
JOIN project_asset pa ON pa.asset_id = a.id
WHERE pa.project_id = $1
ORDER BY a.id`, assetColumns)
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("project_list_assets: %w", err)
	}
	defer rows.Close()

	var out []models.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *pgProjectRepo) DeleteProject(ctx context.Context, projectID int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM project WHERE id = $1`, projectID)
	if err != nil {
		return fmt.Errorf("delete_project: %w", err)
	}
	return nil
}
