package repository

import (
	"context"
	"fmt"

	"mediaindex/internal/models"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SearchParams bundles the blended search query.
type SearchParams struct {
	VibeQuery    *string
	OCRQuery     *string
	LibrarySlugs []string // empty means "all libraries"
	Types        []string // empty means "all types"
	Tag          *string
	Limit        int
}

// SearchHit is one row of the blended result stream.
type SearchHit struct {
	Asset       models.Asset
	LibraryName string
	FinalRank   float64
	MatchRatio  float64
	BestSceneTS *float64
}

// SearchRepository blends image-level and video-scene-level full-text
// rankings into one result stream, grounded on
// original_source/src/repository/search_repo.py's to_tsvector/
// websearch_to_tsquery/ts_rank_cd usage — which only covers images. The
// video-scene blending (match_ratio, best_scene_ts aggregation) in this
// file is net-new, authored in the same idiom, since the Python original
// never implemented it.
type SearchRepository interface {
	Search(ctx context.Context, p SearchParams) ([]SearchHit, error)
}

type pgSearchRepo struct {
	pool *pgxpool.Pool
}

func NewSearchRepository(pool *pgxpool.Pool) SearchRepository {
	return &pgSearchRepo{pool: pool}
}

func (r *pgSearchRepo) Search(ctx context.Context, p SearchParams) ([]SearchHit, error) {
	if p.Limit <= 0 {
		p.Limit = 50
	}
	hasText := p.VibeQuery != nil || p.OCRQuery != nil

	var libFilter any
	if len(p.LibrarySlugs) > 0 {
		libFilter = p.LibrarySlugs
	}
	var typeFilter any
	if len(p.Types) > 0 {
		typeFilter = p.Types
	}

	query := `
WITH image_hits AS (
	SELECT
		a.id AS asset_id,
		l.display_name AS library_name,
		(
			CASE WHEN $1::text IS NULL THEN 0 ELSE
				ts_rank_cd(to_tsvector('english',
					coalesce(a.visual_analysis->>'description', '') || ' ' ||
					coalesce((SELECT string_agg(t, ' ') FROM jsonb_array_elements_text(coalesce(a.visual_analysis->'tags', '[]'::jsonb)) t), '')
				), websearch_to_tsquery('english', $1))
			END
		) +
		(
			CASE WHEN $2::text IS NULL THEN 0 ELSE
				ts_rank_cd(to_tsvector('english', coalesce(a.visual_analysis->>'ocr_text', '')), websearch_to_tsquery('english', $2))
			END
		) AS final_rank,
		1.0::double precision AS match_ratio,
		NULL::double precision AS best_scene_ts
	FROM asset a
	JOIN library l ON l.slug = a.library_slug
	WHERE l.deleted_at IS NULL
	  AND a.type = 'image'
	  AND ($3::text[] IS NULL OR a.library_slug = ANY($3))
	  AND ($4::text[] IS NULL OR a.type = ANY($4))
	  AND ($5::text IS NULL OR a.visual_analysis->'tags' ? $5)
	  AND (
		($1::text IS NULL AND $2::text IS NULL)
		OR ($1::text IS NOT NULL AND to_tsvector('english',
			coalesce(a.visual_analysis->>'description', '') || ' ' ||
			coalesce((SELECT string_agg(t, ' ') FROM jsonb_array_elements_text(coalesce(a.visual_analysis->'tags', '[]'::jsonb)) t), '')
		   ) @@ websearch_to_tsquery('english', $1))
		OR ($2::text IS NOT NULL AND to_tsvector('english', coalesce(a.visual_analysis->>'ocr_text', '')) @@ websearch_to_tsquery('english', $2))
	  )
),
scene_rank AS (
	SELECT
		vs.asset_id,
		vs.start_ts,
		(
			CASE WHEN $1::text IS NULL THEN 0 ELSE
				ts_rank_cd(to_tsvector('english',
					coalesce(vs.description, '') || ' ' || coalesce(vs.metadata->'moondream'->>'description', '')
				), websearch_to_tsquery('english', $1))
			END
		) +
		(
			CASE WHEN $2::text IS NULL THEN 0 ELSE
				ts_rank_cd(to_tsvector('english', coalesce(vs.metadata->'moondream'->>'ocr_text', '')), websearch_to_tsquery('english', $2))
			END
		) AS rank,
		(
			($1::text IS NOT NULL AND to_tsvector('english',
				coalesce(vs.description, '') || ' ' || coalesce(vs.metadata->'moondream'->>'description', '')
			) @@ websearch_to_tsquery('english', $1))
			OR ($2::text IS NOT NULL AND to_tsvector('english', coalesce(vs.metadata->'moondream'->>'ocr_text', '')) @@ websearch_to_tsquery('english', $2))
		) AS matched
	FROM video_scene vs
),
video_hits AS (
	SELECT
		a.id AS asset_id,
		l.display_name AS library_name,
		max(sr.rank) AS final_rank,
		(count(*) FILTER (WHERE sr.matched))::double precision / GREATEST(count(*), 1)::double precision AS match_ratio,
		(array_agg(sr.start_ts ORDER BY sr.rank DESC))[1] AS best_scene_ts
	FROM asset a
	JOIN library l ON l.slug = a.library_slug
	JOIN scene_rank sr ON sr.asset_id = a.id
	WHERE l.deleted_at IS NULL
	  AND a.type = 'video'
	  AND ($3::text[] IS NULL OR a.library_slug = ANY($3))
	  AND ($4::text[] IS NULL OR a.type = ANY($4))
	  AND ($5::text IS NULL OR a.visual_analysis->'tags' ? $5)
	GROUP BY a.id, l.display_name
	HAVING ($1::text IS NULL AND $2::text IS NULL) OR bool_or(sr.matched)
),
combined AS (
	SELECT * FROM image_hits
	UNION ALL
	SELECT * FROM video_hits
)
SELECT ` + assetColumns + `, combined.library_name, combined.final_rank, combined.match_ratio, combined.best_scene_ts
FROM combined
JOIN asset a ON a.id = combined.asset_id
ORDER BY ` + orderClause(hasText) + `
LIMIT $6`

	rows, err := r.pool.Query(ctx, query, p.VibeQuery, p.OCRQuery, libFilter, typeFilter, p.Tag, p.Limit)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	var out []SearchHit
	for rows.Next() {
		var hit SearchHit
		a, err := scanAssetWithTrailer(rows, &hit)
		if err != nil {
			return nil, fmt.Errorf("search scan: %w", err)
		}
		hit.Asset = a
		out = append(out, hit)
	}
	return out, rows.Err()
}

func orderClause(hasText bool) string {
	if hasText {
		return "combined.final_rank DESC"
	}
	return "a.source_mtime DESC"
}

// scanAssetWithTrailer scans the asset columns followed by the search
// stream's extra projected columns (library_name, final_rank,
// match_ratio, best_scene_ts).
func scanAssetWithTrailer(row interface {
	Scan(dest ...any) error
}, hit *SearchHit) (models.Asset, error) {
	var a models.Asset
	if err := row.Scan(
		&a.ID, &a.LibrarySlug, &a.RelPath, &a.Type, &a.SourceMtime, &a.SourceSize,
		&a.Status, &a.TagsModelID, &a.AnalysisModelID, &a.WorkerID, &a.LeaseExpiresAt,
		&a.RetryCount, &a.ErrorMessage, &a.VisualAnalysis, &a.ThumbnailPath, &a.ProxyPath,
		&a.PreviewPath, &a.VideoPreviewPath, &a.SegmentationVersion, &a.CreatedAt, &a.UpdatedAt,
		&hit.LibraryName, &hit.FinalRank, &hit.MatchRatio, &hit.BestSceneTS,
	); err != nil {
		return models.Asset{}, err
	}
	return a, nil
}
