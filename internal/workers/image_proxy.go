// Package workers holds the concrete worker bodies: the
// Processor implementations workerbase.Runner drives. Each worker claims
// one unit of work per ProcessTask call and reports whether it did
// anything, letting the shared run loop back off when idle.
package workers

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"mediaindex/internal/dbtypes"
	"mediaindex/internal/hash"
	"mediaindex/internal/mediastore"
	"mediaindex/internal/models"
	"mediaindex/internal/rawproxy"
	"mediaindex/internal/repository"
	"mediaindex/internal/scanner"
)

// ImageProxyWorker claims a pending image, renders its proxy/thumbnail
// cascade, and transitions it to proxied.
type ImageProxyWorker struct {
	Assets       repository.AssetRepository
	Libraries    repository.LibraryRepository
	Store        *mediastore.Store
	WorkerID     string
	LeaseSeconds int
	Logger       *slog.Logger
}

func (w *ImageProxyWorker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func (w *ImageProxyWorker) ProcessTask(ctx context.Context) (bool, error) {
	assets, err := w.Assets.ClaimAssetByStatus(ctx, repository.ClaimParams{
		WorkerID:          w.WorkerID,
		FromStatus:        dbtypes.StatusPending,
		AllowedExtensions: scanner.ImageExtensions(),
		GlobalScope:       true,
		LeaseSeconds:      w.LeaseSeconds,
		Limit:             1,
	})
	if err != nil {
		return false, fmt.Errorf("image proxy claim: %w", err)
	}
	if len(assets) == 0 {
		return false, nil
	}

	asset := assets[0]
	if err := w.render(ctx, asset); err != nil {
		w.logger().Warn("image proxy render failed", "asset_id", asset.ID, "error", err)
		msg := err.Error()
		if sErr := w.Assets.UpdateAssetStatus(ctx, asset.ID, dbtypes.StatusFailed, &msg, &w.WorkerID); sErr != nil {
			return true, fmt.Errorf("image proxy mark failed: %w (render error: %v)", sErr, err)
		}
		return true, nil
	}
	return true, nil
}

// RepairMissingDerivatives scans every asset that is supposed to carry a
// proxy/thumbnail (status proxied or later) and resets any whose
// derivative file has gone missing on disk back to pending, so the
// normal claim loop re-renders it. Mirrors the maintenance package's
// orphan sweep but in the opposite direction: DB says present, disk
// disagrees.
func (w *ImageProxyWorker) RepairMissingDerivatives(ctx context.Context, librarySlug *string) (int, error) {
	const pageSize = 500
	repaired := 0
	for offset := 0; ; offset += pageSize {
		ids, err := w.Assets.GetAssetIDsExpectingProxy(ctx, librarySlug, pageSize, offset)
		if err != nil {
			return repaired, fmt.Errorf("list assets expecting proxy: %w", err)
		}
		if len(ids) == 0 {
			return repaired, nil
		}
		for _, id := range ids {
			asset, err := w.Assets.GetAsset(ctx, id.ID)
			if err != nil {
				continue
			}
			if asset.Type != dbtypes.AssetTypeImage {
				continue
			}
			missing := asset.ProxyPath == nil || *asset.ProxyPath == ""
			if !missing {
				if _, statErr := os.Stat(w.Store.AbsPath(*asset.ProxyPath)); statErr != nil {
					missing = true
				}
			}
			if !missing && asset.ThumbnailPath != nil && *asset.ThumbnailPath != "" {
				if _, statErr := os.Stat(w.Store.AbsPath(*asset.ThumbnailPath)); statErr != nil {
					missing = true
				}
			}
			if !missing {
				continue
			}
			if err := w.Assets.UpdateAssetStatus(ctx, asset.ID, dbtypes.StatusPending, nil, nil); err != nil {
				return repaired, fmt.Errorf("reset asset %d to pending: %w", asset.ID, err)
			}
			repaired++
		}
		if len(ids) < pageSize {
			return repaired, nil
		}
	}
}

func (w *ImageProxyWorker) render(ctx context.Context, asset models.Asset) error {
	lib, err := w.Libraries.GetLibraryBySlug(ctx, asset.LibrarySlug)
	if err != nil {
		return fmt.Errorf("resolve library: %w", err)
	}
	srcPath, err := mediastore.ResolveSourcePath(lib.RootPath, asset.RelPath)
	if err != nil {
		return fmt.Errorf("resolve source path: %w", err)
	}

	sourceBytes, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("read source: %w", err)
	}

	if rawproxy.IsRaw(srcPath) {
		sourceBytes, err = rawproxy.Decode(ctx, sourceBytes)
		if err != nil {
			return fmt.Errorf("decode raw source: %w", err)
		}
	}

	// Diagnostic-only: never consulted by claim or search logic.
	if contentHash, hErr := hash.FileContentHash(srcPath); hErr == nil {
		w.logger().Debug("image source hash", "asset_id", asset.ID, "blake3", contentHash)
	}

	result, err := w.Store.SaveProxyAndThumbnail(asset.LibrarySlug, asset.ID, sourceBytes)
	if err != nil {
		return fmt.Errorf("render proxy cascade: %w", err)
	}

	if err := w.Assets.SetImageDerivatives(ctx, asset.ID, result.ThumbnailRelPath, result.ProxyRelPath, &w.WorkerID); err != nil {
		return fmt.Errorf("persist derivative paths: %w", err)
	}
	if err := w.Assets.UpdateAssetStatus(ctx, asset.ID, dbtypes.StatusProxied, nil, &w.WorkerID); err != nil {
		return fmt.Errorf("transition to proxied: %w", err)
	}
	return nil
}
