package repository

import (
	"context"
	"fmt"

	"mediaindex/internal/dbtypes"
	"mediaindex/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SceneRepository underpins crash-safe segmentation, grounded
// on original_source/src/repository/video_scene_repo.py's
// get_max_end_ts/get_active_state/save_scene_and_update_state trio.
type SceneRepository interface {
	GetMaxEndTS(ctx context.Context, assetID int64) (*float64, error)
	GetActiveState(ctx context.Context, assetID int64) (*models.VideoActiveState, error)
	// SaveSceneAndUpdateState inserts scene (if non-nil) and then either
	// upserts nextState or deletes the active-state row, in a single
	// transaction. Returns the inserted scene id, or 0 if scene was nil.
	SaveSceneAndUpdateState(ctx context.Context, assetID int64, scene *models.VideoScene, nextState *models.VideoActiveState) (int64, error)
	ListScenes(ctx context.Context, assetID int64) ([]models.VideoScene, error)
	GetLastSceneDescription(ctx context.Context, assetID int64) (*string, error)
	GetSceneMetadataAtTimestamp(ctx context.Context, assetID int64, ts float64) (*models.VideoScene, error)
	GetAllRepFramePathsExcludingTrash(ctx context.Context) ([]string, error)
	DeleteActiveState(ctx context.Context, assetID int64) error
	DeleteScenesForAsset(ctx context.Context, assetID int64) error
	// UpdateSceneAnalysis writes the video AI worker's per-scene vision
	// result onto an already-persisted scene row.
	UpdateSceneAnalysis(ctx context.Context, sceneID int64, metadata dbtypes.SceneMetadata, description *string) error
}

type pgSceneRepo struct {
	pool *pgxpool.Pool
}

func NewSceneRepository(pool *pgxpool.Pool) SceneRepository {
	return &pgSceneRepo{pool: pool}
}

func (r *pgSceneRepo) GetMaxEndTS(ctx context.Context, assetID int64) (*float64, error) {
	var maxEnd *float64
	err := r.pool.QueryRow(ctx, `SELECT max(end_ts) FROM video_scene WHERE asset_id = $1`, assetID).Scan(&maxEnd)
	if err != nil {
		return nil, fmt.Errorf("get_max_end_ts: %w", err)
	}
	return maxEnd, nil
}

func (r *pgSceneRepo) GetActiveState(ctx context.Context, assetID int64) (*models.VideoActiveState, error) {
	var s models.VideoActiveState
	err := r.pool.QueryRow(ctx, `
SELECT asset_id, anchor_phash, scene_start_ts, best_pts, best_sharpness, updated_at
FROM video_active_state WHERE asset_id = $1`, assetID).Scan(
		&s.AssetID, &s.AnchorPhash, &s.SceneStartTS, &s.BestPTS, &s.BestSharpness, &s.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get_active_state: %w", err)
	}
	return &s, nil
}

// SaveSceneAndUpdateState commits a finished scene and its replacement
// active-state row in one transaction: after this call the asset has
// either exactly one active-state row or none, never both stale.
func (r *pgSceneRepo) SaveSceneAndUpdateState(ctx context.Context, assetID int64, scene *models.VideoScene, nextState *models.VideoActiveState) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("save_scene_and_update_state begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var sceneID int64
	if scene != nil {
		err := tx.QueryRow(ctx, `
INSERT INTO video_scene (asset_id, start_ts, end_ts, description, metadata, sharpness_score, rep_frame_path, keep_reason)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id`,
			assetID, scene.StartTS, scene.EndTS, scene.Description, scene.Metadata,
			scene.SharpnessScore, scene.RepFramePath, string(scene.KeepReason)).Scan(&sceneID)
		if err != nil {
			return 0, fmt.Errorf("save_scene_and_update_state insert scene: %w", err)
		}
	}

	if nextState != nil {
		_, err := tx.Exec(ctx, `
INSERT INTO video_active_state (asset_id, anchor_phash, scene_start_ts, best_pts, best_sharpness, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (asset_id) DO UPDATE SET
	anchor_phash = EXCLUDED.anchor_phash,
	scene_start_ts = EXCLUDED.scene_start_ts,
	best_pts = EXCLUDED.best_pts,
	best_sharpness = EXCLUDED.best_sharpness,
	updated_at = now()`,
			assetID, nextState.AnchorPhash, nextState.SceneStartTS, nextState.BestPTS, nextState.BestSharpness)
		if err != nil {
			return 0, fmt.Errorf("save_scene_and_update_state upsert active state: %w", err)
		}
	} else {
		_, err := tx.Exec(ctx, `DELETE FROM video_active_state WHERE asset_id = $1`, assetID)
		if err != nil {
			return 0, fmt.Errorf("save_scene_and_update_state delete active state: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("save_scene_and_update_state commit: %w", err)
	}
	return sceneID, nil
}

func (r *pgSceneRepo) ListScenes(ctx context.Context, assetID int64) ([]models.VideoScene, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, asset_id, start_ts, end_ts, description, metadata, sharpness_score, rep_frame_path, keep_reason, created_at
FROM video_scene WHERE asset_id = $1 ORDER BY start_ts ASC`, assetID)
	if err != nil {
		return nil, fmt.Errorf("list_scenes: %w", err)
	}
	defer rows.Close()

	var out []models.VideoScene
	for rows.Next() {
		var s models.VideoScene
		var keep string
		if err := rows.Scan(&s.ID, &s.AssetID, &s.StartTS, &s.EndTS, &s.Description, &s.Metadata,
			&s.SharpnessScore, &s.RepFramePath, &keep, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("list_scenes scan: %w", err)
		}
		s.KeepReason = dbtypes.KeepReason(keep)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *pgSceneRepo) GetLastSceneDescription(ctx context.Context, assetID int64) (*string, error) {
	var desc *string
	err := r.pool.QueryRow(ctx, `
SELECT description FROM video_scene WHERE asset_id = $1 ORDER BY start_ts DESC LIMIT 1`, assetID).Scan(&desc)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get_last_scene_description: %w", err)
	}
	return desc, nil
}

func (r *pgSceneRepo) GetSceneMetadataAtTimestamp(ctx context.Context, assetID int64, ts float64) (*models.VideoScene, error) {
	var s models.VideoScene
	var keep string
	err := r.pool.QueryRow(ctx, `
SELECT id, asset_id, start_ts, end_ts, description, metadata, sharpness_score, rep_frame_path, keep_reason, created_at
FROM video_scene WHERE asset_id = $1 AND start_ts <= $2 AND end_ts > $2
ORDER BY start_ts DESC LIMIT 1`, assetID, ts).Scan(
		&s.ID, &s.AssetID, &s.StartTS, &s.EndTS, &s.Description, &s.Metadata,
		&s.SharpnessScore, &s.RepFramePath, &keep, &s.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get_scene_metadata_at_timestamp: %w", err)
	}
	s.KeepReason = dbtypes.KeepReason(keep)
	return &s, nil
}

func (r *pgSceneRepo) GetAllRepFramePathsExcludingTrash(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
SELECT vs.rep_frame_path FROM video_scene vs
JOIN asset a ON a.id = vs.asset_id
JOIN library l ON l.slug = a.library_slug
WHERE l.deleted_at IS NULL AND vs.rep_frame_path IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("get_all_rep_frame_paths_excluding_trash: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *pgSceneRepo) UpdateSceneAnalysis(ctx context.Context, sceneID int64, metadata dbtypes.SceneMetadata, description *string) error {
	_, err := r.pool.Exec(ctx, `
UPDATE video_scene SET metadata = $2, description = $3 WHERE id = $1`, sceneID, metadata, description)
	if err != nil {
		return fmt.Errorf("update_scene_analysis: %w", err)
	}
	return nil
}

func (r *pgSceneRepo) DeleteActiveState(ctx context.Context, assetID int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM video_active_state WHERE asset_id = $1`, assetID)
	if err != nil {
		return fmt.Errorf("delete_active_state: %w", err)
	}
	return nil
}

func (r *pgSceneRepo) DeleteScenesForAsset(ctx context.Context, assetID int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM video_scene WHERE asset_id = $1`, assetID)
	if err != nil {
		return fmt.Errorf("delete_scenes_for_asset: %w", err)
	}
	return nil
}
