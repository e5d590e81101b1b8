// Package repository is the only mutator of asset/worker/scene state and
// the sole arbiter of contention. Every claim and transition operation is
// raw SQL against pgxpool.Pool using row-level locks with SKIP LOCKED,
// enriched with a lease-reclaim disjunct, an owned_by guard, a
// retry/poison law, and an ambiguous-scope check. SKIP LOCKED
// transactional claim semantics don't fit a query-builder ORM, so these
// repositories talk to pgx.Pool directly.
package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mediaindex/internal/dbtypes"
	"mediaindex/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AssetRepository is the interface other components depend on.
type AssetRepository interface {
	ClaimAssetByStatus(ctx context.Context, p ClaimParams) ([]models.Asset, error)
	UpsertAsset(ctx context.Context, librarySlug, relPath string, typ dbtypes.AssetType, mtime time.Time, size int64) (models.Asset, error)
	UpdateAssetStatus(ctx context.Context, id int64, newStatus dbtypes.AssetStatus, errMsg *string, ownedBy *string) error
	RenewAssetLease(ctx context.Context, id int64, leaseSeconds int) error
	ReclaimStaleLeases(ctx context.Context, librarySlug *string) (int, error)

	CountPending(ctx context.Context, librarySlug *string) (int, error)
	CountPendingProxyable(ctx context.Context, librarySlug *string, allowedExtensions []string) (int, error)
	ListAssets(ctx context.Context, librarySlug string, sortKey string, descending bool, limit, offset int) ([]models.Asset, bool, error)
	GetAssetIDsExpectingProxy(ctx context.Context, librarySlug *string, limit, offset int) ([]AssetIdentity, error)
	GetAllVideoPreviewPathsExcludingTrash(ctx context.Context) ([]string, error)
	ListModelMismatch(ctx context.Context, librarySlug string, effectiveTargetModelID int64) ([]models.Asset, error)
	GetAsset(ctx context.Context, id int64) (models.Asset, error)
	DeleteAsset(ctx context.Context, id int64) error
	ListLiveAssetPaths(ctx context.Context) ([]models.Asset, error)

	// SetImageDerivatives records the proxy/thumbnail cascade output
	//. ownedBy enforces the same lease guard as
	// UpdateAssetStatus: a worker that lost its lease mid-render must not
	// clobber whatever claimed the asset next.
	SetImageDerivatives(ctx context.Context, id int64, thumbnailRelPath, proxyRelPath string, ownedBy *string) error
	// SetVideoDerivatives records the poster/head-clip cascade output and
	// the segmentation_version the scenes below it were cut against
	//.
	SetVideoDerivatives(ctx context.Context, id int64, thumbnailRelPath, videoPreviewRelPath string, segmentationVersion int, ownedBy *string) error
	// SetVisualAnalysis persists one AI pass's output and the model that
	// produced it. tagsModelID/analysisModelID are nil when
	// that stage's pass doesn't touch the corresponding column.
	SetVisualAnalysis(ctx context.Context, id int64, analysis dbtypes.VisualAnalysis, tagsModelID, analysisModelID *int64, ownedBy *string) error

	// ClaimSegmentationRepair locks one video asset whose persisted
	// segmentation_version no longer matches currentVersion without
	// disturbing its status column (the invalidation check): the
	// scene segmenter re-cuts it in place while AI staging continues to
	// see whatever status it already had.
	ClaimSegmentationRepair(ctx context.Context, workerID string, currentVersion int, leaseSeconds int) (*models.Asset, error)
	// FinishSegmentationRepair releases the lease taken by
	// ClaimSegmentationRepair and stamps the new segmentation_version.
	FinishSegmentationRepair(ctx context.Context, id int64, segmentationVersion int, workerID string) error

	// RetryFailedAssets requeues every 'failed' asset back to the status
	// it failed from, inferred the same way ReclaimStaleLeases infers a
	// stale lease's predecessor: whichever of
	// proxy/thumbnail/analysis columns are already populated. retry_count
	// and the poison threshold were already applied at fail time, so this
	// is a plain status flip, not another retry-counted transition.
	RetryFailedAssets(ctx context.Context, librarySlug *string) (int, error)
}

// AssetIdentity names the two columns needed to reconstruct an asset's
// deterministic derivative paths without re-reading the whole row.
type AssetIdentity struct {
	ID          int64
	LibrarySlug string
}

// ClaimParams bundles claim_asset_by_status's arguments.
type ClaimParams struct {
	WorkerID             string
	FromStatus           dbtypes.AssetStatus
	AllowedExtensions    []string
	LibrarySlug          *string
	GlobalScope          bool
	TargetModelID        *int64
	SystemDefaultModelID *int64
	LeaseSeconds         int
	Limit                int
}

type pgAssetRepo struct {
	pool *pgxpool.Pool
}

// NewAssetRepository constructs the pgx-backed asset repository.
func NewAssetRepository(pool *pgxpool.Pool) AssetRepository {
	return &pgAssetRepo{pool: pool}
}

const assetColumns = `a.id, a.library_slug, a.rel_path, a.type, a.source_mtime, a.source_size,
	a.status, a.tags_model_id, a.analysis_model_id, a.worker_id, a.lease_expires_at,
	a.retry_count, a.error_message, a.visual_analysis, a.thumbnail_path, a.proxy_path,
	a.preview_path, a.video_preview_path, a.segmentation_version, a.created_at, a.updated_at`

func scanAsset(row pgx.Row) (models.Asset, error) {
	var a models.Asset
	var va dbtypes.VisualAnalysis
	if err := row.Scan(
		&a.ID, &a.LibrarySlug, &a.RelPath, &a.Type, &a.SourceMtime, &a.SourceSize,
		&a.Status, &a.TagsModelID, &a.AnalysisModelID, &a.WorkerID, &a.LeaseExpiresAt,
		&a.RetryCount, &a.ErrorMessage, &va, &a.ThumbnailPath, &a.ProxyPath,
		&a.PreviewPath, &a.VideoPreviewPath, &a.SegmentationVersion, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return models.Asset{}, err
	}
	a.VisualAnalysis = va
	return a, nil
}

// extensionPatterns renders allowed_extensions as lower-cased SQL LIKE
// suffix patterns, e.g. "jpg" -> "%.jpg".
func extensionPatterns(exts []string) []string {
	patterns := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimPrefix(e, "."))
		patterns = append(patterns, "%."+e)
	}
	return patterns
}

// ClaimAssetByStatus implements the claim_asset_by_status.
func (r *pgAssetRepo) ClaimAssetByStatus(ctx context.Context, p ClaimParams) ([]models.Asset, error) {
	haveSlug := p.LibrarySlug != nil && *p.LibrarySlug != ""
	if haveSlug == p.GlobalScope {
		// Either both or neither were specified: ambiguous.
		return nil, ErrAmbiguousScope
	}
	if p.Limit <= 0 {
		p.Limit = 1
	}
	if p.LeaseSeconds <= 0 {
		p.LeaseSeconds = 300
	}

	patterns := extensionPatterns(p.AllowedExtensions)

	query := fmt.Sprintf(`
WITH candidates AS (
	SELECT a.id
	FROM asset a
	JOIN library l ON l.slug = a.library_slug
	WHERE (a.status = $1 OR (a.status = 'processing' AND a.lease_expires_at < now()))
	  AND l.deleted_at IS NULL
	  AND lower(a.rel_path) LIKE ANY($2::text[])
	  AND ($3::text IS NULL OR a.library_slug = $3)
	  AND ($4::bigint IS NULL OR COALESCE(l.target_tagger_id, $5::bigint) = $4)
	ORDER BY a.id
	FOR UPDATE OF a SKIP LOCKED
	LIMIT $6
)
UPDATE asset a
SET status = 'processing', worker_id = $7,
    lease_expires_at = now() + ($8 || ' seconds')::interval,
    updated_at = now()
FROM candidates c
WHERE a.id = c.id
RETURNING %s`, assetColumns)

	var slugArg any
	if haveSlug {
		slugArg = *p.LibrarySlug
	}

	rows, err := r.pool.Query(ctx, query,
		string(p.FromStatus), patterns, slugArg, p.TargetModelID, p.SystemDefaultModelID,
		p.Limit, p.WorkerID, p.LeaseSeconds,
	)
	if err != nil {
		return nil, fmt.Errorf("claim_asset_by_status: %w", err)
	}
	defer rows.Close()

	var out []models.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("claim_asset_by_status scan: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpsertAsset implements the upsert_asset: idempotent re-scan
// unless (mtime, size) changed, in which case status resets to pending
// and tags_model_id is cleared, forcing reprocessing.
func (r *pgAssetRepo) UpsertAsset(ctx context.Context, librarySlug, relPath string, typ dbtypes.AssetType, mtime time.Time, size int64) (models.Asset, error) {
	query := fmt.Sprintf(`
INSERT INTO asset (library_slug, rel_path, type, source_mtime, source_size, status)
VALUES ($1, $2, $3, $4, $5, 'pending')
ON CONFLICT (library_slug, rel_path) DO UPDATE SET
	source_mtime = EXCLUDED.source_mtime,
	source_size = EXCLUDED.source_size,
	status = CASE
		WHEN asset.source_mtime IS DISTINCT FROM EXCLUDED.source_mtime
		  OR asset.source_size IS DISTINCT FROM EXCLUDED.source_size
		THEN 'pending'
		ELSE asset.status
	END,
	tags_model_id = CASE
		WHEN asset.source_mtime IS DISTINCT FROM EXCLUDED.source_mtime
		  OR asset.source_size IS DISTINCT FROM EXCLUDED.source_size
		THEN NULL
		ELSE asset.tags_model_id
	END,
	updated_at = now()
RETURNING %s`, assetColumns)

	row := r.pool.QueryRow(ctx, query, librarySlug, relPath, string(typ), mtime, size)
	a, err := scanAsset(row)
	if err != nil {
		return models.Asset{}, fmt.Errorf("upsert_asset: %w", err)
	}
	return a, nil
}

// UpdateAssetStatus implements the update_asset_status.
func (r *pgAssetRepo) UpdateAssetStatus(ctx context.Context, id int64, newStatus dbtypes.AssetStatus, errMsg *string, ownedBy *string) error {
	clearLease := newStatus != dbtypes.StatusProcessing

	query := `
UPDATE asset SET
	status = CASE
		WHEN $2::text = 'failed' AND retry_count + 1 > $6 THEN 'poisoned'
		ELSE $2
	END,
	error_message = $3,
	worker_id = CASE WHEN $4::bool THEN NULL ELSE worker_id END,
	lease_expires_at = CASE WHEN $4::bool THEN NULL ELSE lease_expires_at END,
	retry_count = CASE
		WHEN $2::text = 'failed' THEN retry_count + 1
		WHEN $2::text = 'proxied' THEN 0
		ELSE retry_count
	END,
	updated_at = now()
WHERE id = $1
  AND ($5::text IS NULL OR worker_id = $5)`

	tag, err := r.pool.Exec(ctx, query, id, string(newStatus), errMsg, clearLease, ownedBy, dbtypes.MaxRetryCount)
	if err != nil {
		return fmt.Errorf("update_asset_status: %w", err)
	}
	_ = tag // owned_by mismatches silently no-op ; zero rows affected is not an error.
	return nil
}

// RenewAssetLease implements the renew_asset_lease.
func (r *pgAssetRepo) RenewAssetLease(ctx context.Context, id int64, leaseSeconds int) error {
	_, err := r.pool.Exec(ctx, `
UPDATE asset SET lease_expires_at = now() + ($2 || ' seconds')::interval, updated_at = now()
WHERE id = $1 AND status = 'processing'`, id, leaseSeconds)
	if err != nil {
		return fmt.Errorf("renew_asset_lease: %w", err)
	}
	return nil
}

// predecessorStatus maps an asset back to where it came from: pending for
// proxying, proxied for light analysis, analyzed_light for full analysis.
// The row itself does not record which stage it was claimed for (or which
// stage it failed at), so the predecessor is inferred purely from whether
// the asset already carries proxy/analysis output. Shared by
// ReclaimStaleLeases (status 'processing') and RetryFailedAssets (status
// 'failed'), so it must not reference a.status itself.
const reclaimCaseSQL = `
	CASE
		WHEN a.analysis_model_id IS NOT NULL OR a.visual_analysis IS NOT NULL THEN 'analyzed_light'
		WHEN a.proxy_path IS NOT NULL OR a.thumbnail_path IS NOT NULL THEN 'proxied'
		ELSE 'pending'
	END`

// ReclaimStaleLeases implements the reclaim_stale_leases.
func (r *pgAssetRepo) ReclaimStaleLeases(ctx context.Context, librarySlug *string) (int, error) {
	query := fmt.Sprintf(`
UPDATE asset a SET
	status = CASE
		WHEN retry_count + 1 > $2 THEN 'poisoned'
		ELSE (%s)
	END,
	retry_count = retry_count + 1,
	worker_id = NULL,
	lease_expires_at = NULL,
	updated_at = now()
WHERE a.status = 'processing' AND a.lease_expires_at < now()
  AND ($1::text IS NULL OR a.library_slug = $1)`, reclaimCaseSQL)

	tag, err := r.pool.Exec(ctx, query, librarySlug, dbtypes.MaxRetryCount)
	if err != nil {
		return 0, fmt.Errorf("reclaim_stale_leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *pgAssetRepo) CountPending(ctx context.Context, librarySlug *string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
SELECT count(*) FROM asset
WHERE status = 'pending' AND ($1::text IS NULL OR library_slug = $1)`, librarySlug).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count_pending: %w", err)
	}
	return n, nil
}

func (r *pgAssetRepo) CountPendingProxyable(ctx context.Context, librarySlug *string, allowedExtensions []string) (int, error) {
	patterns := extensionPatterns(allowedExtensions)
	var n int
	err := r.pool.QueryRow(ctx, `
SELECT count(*) FROM asset
WHERE status = 'pending'
  AND lower(rel_path) LIKE ANY($1::text[])
  AND ($2::text IS NULL OR library_slug = $2)`, patterns, librarySlug).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count_pending_proxyable: %w", err)
	}
	return n, nil
}

func (r *pgAssetRepo) ListAssets(ctx context.Context, librarySlug string, sortKey string, descending bool, limit, offset int) ([]models.Asset, bool, error) {
	allowedSort := map[string]string{
		"mtime":   "source_mtime",
		"created": "created_at",
		"name":    "rel_path",
	}
	col, ok := allowedSort[sortKey]
	if !ok {
		col = "source_mtime"
	}
	dir := "ASC"
	if descending {
		dir = "DESC"
	}
	query := fmt.Sprintf(`SELECT %s FROM asset a WHERE library_slug = $1 ORDER BY %s %s LIMIT $2 OFFSET $3`, assetColumns, col, dir)

	rows, err := r.pool.Query(ctx, query, librarySlug, limit+1, offset)
	if err != nil {
		return nil, false, fmt.Errorf("list_assets: %w", err)
	}
	defer rows.Close()

	var out []models.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, false, fmt.Errorf("list_assets scan: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return out, hasMore, nil
}

// GetAssetIDsExpectingProxy is used by the maintenance orphan-GC sweep
// to compute the expected-derivative-path set, paginated.
func (r *pgAssetRepo) GetAssetIDsExpectingProxy(ctx context.Context, librarySlug *string, limit, offset int) ([]AssetIdentity, error) {
	rows, err := r.pool.Query(ctx, `
SELECT a.id, a.library_slug FROM asset a
JOIN library l ON l.slug = a.library_slug
WHERE l.deleted_at IS NULL
  AND a.status IN ('proxied', 'analyzed_light', 'completed')
  AND ($1::text IS NULL OR a.library_slug = $1)
ORDER BY a.id
LIMIT $2 OFFSET $3`, librarySlug, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("get_asset_ids_expecting_proxy: %w", err)
	}
	defer rows.Close()

	var out []AssetIdentity
	for rows.Next() {
		var id AssetIdentity
		if err := rows.Scan(&id.ID, &id.LibrarySlug); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *pgAssetRepo) GetAllVideoPreviewPathsExcludingTrash(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
SELECT a.video_preview_path FROM asset a
JOIN library l ON l.slug = a.library_slug
WHERE l.deleted_at IS NULL AND a.video_preview_path IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("get_all_video_preview_paths_excluding_trash: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func (r *pgAssetRepo) ListModelMismatch(ctx context.Context, librarySlug string, effectiveTargetModelID int64) ([]models.Asset, error) {
	query := fmt.Sprintf(`SELECT %s FROM asset a
WHERE a.library_slug = $1
  AND (a.analysis_model_id IS DISTINCT FROM $2)
  AND a.status IN ('analyzed_light', 'completed')`, assetColumns)

	rows, err := r.pool.Query(ctx, query, librarySlug, effectiveTargetModelID)
	if err != nil {
		return nil, fmt.Errorf("list_model_mismatch: %w", err)
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

func (r *pgAssetRepo) GetAsset(ctx context.Context, id int64) (models.Asset, error) {
	query := fmt.Sprintf(`SELECT %s FROM asset a WHERE a.id = $1`, assetColumns)
	a, err := scanAsset(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return models.Asset{}, ErrNotFound
		}
		return models.Asset{}, fmt.Errorf("get_asset: %w", err)
	}
	return a, nil
}

func (r *pgAssetRepo) DeleteAsset(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM asset WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete_asset: %w", err)
	}
	return nil
}

func (r *pgAssetRepo) SetImageDerivatives(ctx context.Context, id int64, thumbnailRelPath, proxyRelPath string, ownedBy *string) error {
	_, err := r.pool.Exec(ctx, `
UPDATE asset SET thumbnail_path = $2, proxy_path = $3, updated_at = now()
WHERE id = $1 AND ($4::text IS NULL OR worker_id = $4)`,
		id, thumbnailRelPath, proxyRelPath, ownedBy)
	if err != nil {
		return fmt.Errorf("set_image_derivatives: %w", err)
	}
	return nil
}

func (r *pgAssetRepo) SetVideoDerivatives(ctx context.Context, id int64, thumbnailRelPath, videoPreviewRelPath string, segmentationVersion int, ownedBy *string) error {
	_, err := r.pool.Exec(ctx, `
UPDATE asset SET thumbnail_path = $2, video_preview_path = $3, segmentation_version = $4, updated_at = now()
WHERE id = $1 AND ($5::text IS NULL OR worker_id = $5)`,
		id, thumbnailRelPath, videoPreviewRelPath, segmentationVersion, ownedBy)
	if err != nil {
		return fmt.Errorf("set_video_derivatives: %w", err)
	}
	return nil
}

func (r *pgAssetRepo) SetVisualAnalysis(ctx context.Context, id int64, analysis dbtypes.VisualAnalysis, tagsModelID, analysisModelID *int64, ownedBy *string) error {
	_, err := r.pool.Exec(ctx, `
UPDATE asset SET
	visual_analysis = $2,
	tags_model_id = COALESCE($3, tags_model_id),
	analysis_model_id = COALESCE($4, analysis_model_id),
	updated_at = now()
WHERE id = $1 AND ($5::text IS NULL OR worker_id = $5)`,
		id, analysis, tagsModelID, analysisModelID, ownedBy)
	if err != nil {
		return fmt.Errorf("set_visual_analysis: %w", err)
	}
	return nil
}

func (r *pgAssetRepo) ClaimSegmentationRepair(ctx context.Context, workerID string, currentVersion int, leaseSeconds int) (*models.Asset, error) {
	if leaseSeconds <= 0 {
		leaseSeconds = 300
	}
	query := fmt.Sprintf(`
WITH candidate AS (
	SELECT id FROM asset
	WHERE type = 'video'
	  AND status IN ('proxied', 'analyzed_light', 'completed')
	  AND segmentation_version IS DISTINCT FROM $1
	  AND (worker_id IS NULL OR lease_expires_at < now())
	ORDER BY id
	FOR UPDATE SKIP LOCKED
	LIMIT 1
)
UPDATE asset a SET
	worker_id = $2,
	lease_expires_at = now() + ($3 || ' seconds')::interval,
	updated_at = now()
FROM candidate c
WHERE a.id = c.id
RETURNING %s`, assetColumns)

	a, err := scanAsset(r.pool.QueryRow(ctx, query, currentVersion, workerID, leaseSeconds))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("claim_segmentation_repair: %w", err)
	}
	return &a, nil
}

func (r *pgAssetRepo) FinishSegmentationRepair(ctx context.Context, id int64, segmentationVersion int, workerID string) error {
	_, err := r.pool.Exec(ctx, `
UPDATE asset SET
	segmentation_version = $2,
	worker_id = NULL,
	lease_expires_at = NULL,
	updated_at = now()
WHERE id = $1 AND worker_id = $3`, id, segmentationVersion, workerID)
	if err != nil {
		return fmt.Errorf("finish_segmentation_repair: %w", err)
	}
	return nil
}

// RetryFailedAssets reuses reclaimCaseSQL: a failed asset goes back to
// whichever predecessor status its already-persisted output implies.
func (r *pgAssetRepo) RetryFailedAssets(ctx context.Context, librarySlug *string) (int, error) {
	query := fmt.Sprintf(`
UPDATE asset a SET
	status = (%s),
	updated_at = now()
WHERE a.status = 'failed'
  AND ($1::text IS NULL OR a.library_slug = $1)`, reclaimCaseSQL)

	tag, err := r.pool.Exec(ctx, query, librarySlug)
	if err != nil {
		return 0, fmt.Errorf("retry_failed_assets: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListLiveAssetPaths supports the missing-source reaper.
func (r *pgAssetRepo) ListLiveAssetPaths(ctx context.Context) ([]models.Asset, error) {
	query := fmt.Sprintf(`SELECT %s FROM asset a
JOIN library l ON l.slug = a.library_slug
WHERE l.deleted_at IS NULL`, assetColumns)
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list_live_asset_paths: %w", err)
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
