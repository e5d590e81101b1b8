package repository

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"mediaindex/internal/dbtypes"
	"mediaindex/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LibraryRepository manages the Library entity, including slug
// derivation, soft-delete/restore idempotency, and the scanning-claim
// query grounded on original_source/src/repository/asset_repo.py's
// claim_library_for_scanning (ported here since it is a library, not
// asset, concern).
type LibraryRepository interface {
	CreateLibrary(ctx context.Context, displayName, rootPath string) (models.Library, error)
	GetLibraryBySlug(ctx context.Context, slug string) (models.Library, error)
	ListLibraries(ctx context.Context, includeTrashed bool) ([]models.Library, error)
	SoftDelete(ctx context.Context, slug string) error
	Restore(ctx context.Context, slug string) error
	HardDelete(ctx context.Context, slug string, chunkSize int) error
	RequestScan(ctx context.Context, slug string, full bool) error
	ClaimLibraryForScanning(ctx context.Context) (*models.Library, error)
	FinishScan(ctx context.Context, slug string) error
	EffectiveTargetModelID(ctx context.Context, slug string, systemDefaultModelID *int64) (*int64, error)
}

type pgLibraryRepo struct {
	pool *pgxpool.Pool
}

func NewLibraryRepository(pool *pgxpool.Pool) LibraryRepository {
	return &pgLibraryRepo{pool: pool}
}

var slugSanitizer = regexp.MustCompile(`[^a-z0-9]+`)

// deriveSlug makes a URL-safe slug from a display name rather than
// requiring one up front.
func deriveSlug(displayName string) string {
	s := strings.ToLower(strings.TrimSpace(displayName))
	s = slugSanitizer.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

func scanLibrary(row pgx.Row) (models.Library, error) {
	var l models.Library
	var scanStatus string
	if err := row.Scan(&l.ID, &l.Slug, &l.DisplayName, &l.RootPath, &l.Active, &l.DeletedAt,
		&scanStatus, &l.TargetTaggerID, &l.SamplingLimit, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return models.Library{}, err
	}
	l.ScanStatus = dbtypes.ScanStatus(scanStatus)
	return l, nil
}

const libraryColumns = `id, slug, display_name, root_path, active, deleted_at, scan_status, target_tagger_id, sampling_limit, created_at, updated_at`

func (r *pgLibraryRepo) CreateLibrary(ctx context.Context, displayName, rootPath string) (models.Library, error) {
	slug := deriveSlug(displayName)
	if slug == "" {
		slug = "library"
	}

	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM library WHERE slug = $1)`, slug).Scan(&exists)
	if err != nil {
		return models.Library{}, fmt.Errorf("create_library slug check: %w", err)
	}
	if exists {
		return models.Library{}, ErrSlugCollision
	}

	query := fmt.Sprintf(`
INSERT INTO library (slug, display_name, root_path, active, scan_status)
VALUES ($1, $2, $3, true, 'idle')
RETURNING %s`, libraryColumns)
	l, err := scanLibrary(r.pool.QueryRow(ctx, query, slug, displayName, rootPath))
	if err != nil {
		return models.Library{}, fmt.Errorf("create_library: %w", err)
	}
	return l, nil
}

func (r *pgLibraryRepo) GetLibraryBySlug(ctx context.Context, slug string) (models.Library, error) {
	query := fmt.Sprintf(`SELECT %s FROM library WHERE slug = $1`, libraryColumns)
	l, err := scanLibrary(r.pool.QueryRow(ctx, query, slug))
	if err != nil {
		if err == pgx.ErrNoRows {
			return models.Library{}, ErrNotFound
		}
		return models.Library{}, fmt.Errorf("get_library_by_slug: %w", err)
	}
	return l, nil
}

func (r *pgLibraryRepo) ListLibraries(ctx context.Context, includeTrashed bool) ([]models.Library, error) {
	query := fmt.Sprintf(`SELECT %s FROM library`, libraryColumns)
	if !includeTrashed {
		query += ` WHERE deleted_at IS NULL`
	}
	query += ` ORDER BY display_name`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list_libraries: %w", err)
	}
	defer rows.Close()

	var out []models.Library
	for rows.Next() {
		l, err := scanLibrary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// SoftDelete is idempotent: deleting an already-trashed library is a no-op.
func (r *pgLibraryRepo) SoftDelete(ctx context.Context, slug string) error {
	_, err := r.pool.Exec(ctx, `UPDATE library SET deleted_at = now() WHERE slug = $1 AND deleted_at IS NULL`, slug)
	if err != nil {
		return fmt.Errorf("soft_delete_library: %w", err)
	}
	return nil
}

// Restore is idempotent: restoring a live library is a no-op.
func (r *pgLibraryRepo) Restore(ctx context.Context, slug string) error {
	_, err := r.pool.Exec(ctx, `UPDATE library SET deleted_at = NULL WHERE slug = $1`, slug)
	if err != nil {
		return fmt.Errorf("restore_library: %w", err)
	}
	return nil
}

// HardDelete cascades to all child rows in chunked batches to
// avoid holding long locks on large libraries.
func (r *pgLibraryRepo) HardDelete(ctx context.Context, slug string, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = 500
	}
	for {
		tag, err := r.pool.Exec(ctx, `
DELETE FROM asset WHERE id IN (SELECT id FROM asset WHERE library_slug = $1 LIMIT $2)`, slug, chunkSize)
		if err != nil {
			return fmt.Errorf("hard_delete_library chunk: %w", err)
		}
		if tag.RowsAffected() == 0 {
			break
		}
	}
	_, err := r.pool.Exec(ctx, `DELETE FROM library WHERE slug = $1`, slug)
	if err != nil {
		return fmt.Errorf("hard_delete_library: %w", err)
	}
	return nil
}

func (r *pgLibraryRepo) RequestScan(ctx context.Context, slug string, full bool) error {
	status := dbtypes.ScanFastRequested
	if full {
		status = dbtypes.ScanFullRequested
	}
	_, err := r.pool.Exec(ctx, `UPDATE library SET scan_status = $2 WHERE slug = $1`, slug, string(status))
	if err != nil {
		return fmt.Errorf("request_scan: %w", err)
	}
	return nil
}

// ClaimLibraryForScanning locks and claims one library awaiting a scan,
// grounded on original_source's claim_library_for_scanning.
func (r *pgLibraryRepo) ClaimLibraryForScanning(ctx context.Context) (*models.Library, error) {
	query := fmt.Sprintf(`
WITH candidate AS (
	SELECT id FROM library
	WHERE deleted_at IS NULL AND scan_status IN ('full_scan_requested', 'fast_scan_requested')
	ORDER BY id
	FOR UPDATE SKIP LOCKED
	LIMIT 1
)
UPDATE library l SET scan_status = 'scanning'
FROM candidate c WHERE l.id = c.id
RETURNING %s`, libraryColumns)

	l, err := scanLibrary(r.pool.QueryRow(ctx, query))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("claim_library_for_scanning: %w", err)
	}
	return &l, nil
}

func (r *pgLibraryRepo) FinishScan(ctx context.Context, slug string) error {
	_, err := r.pool.Exec(ctx, `UPDATE library SET scan_status = 'idle' WHERE slug = $1`, slug)
	if err != nil {
		return fmt.Errorf("finish_scan: %w", err)
	}
	return nil
}

// EffectiveTargetModelID resolves COALESCE(library.target_tagger_id, system_default).
func (r *pgLibraryRepo) EffectiveTargetModelID(ctx context.Context, slug string, systemDefaultModelID *int64) (*int64, error) {
	var id *int64
	err := r.pool.QueryRow(ctx, `
SELECT COALESCE(target_tagger_id, $2) FROM library WHERE slug = $1`, slug, systemDefaultModelID).Scan(&id)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("effective_target_model_id: %w", err)
	}
	return id, nil
}
