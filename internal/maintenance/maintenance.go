// Package maintenance runs the housekeeping tasks: stale-worker pruning,
// stale-lease reclamation, tmp cleanup, the data-dir orphan sweep, and
// the missing-source reaper.
package maintenance

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"mediaindex/internal/mediastore"
	"mediaindex/internal/repository"
)

const (
	StaleWorkerAge    = 24 * time.Hour
	TempFileAge       = 4 * time.Hour
	DataFileAgeFloor  = 15 * time.Minute
	HeartbeatFreshFor = 60 * time.Second
)

// Service bundles the repositories and store the maintenance tasks need.
type Service struct {
	Workers   repository.WorkerRepository
	Assets    repository.AssetRepository
	Scenes    repository.SceneRepository
	Libraries repository.LibraryRepository
	Store     *mediastore.Store
	Hostname  string
}

// SweepReport is the (count, total_bytes) shape both dry-run previews
// return without mutating anything.
type SweepReport struct {
	Count      int
	TotalBytes int64
}

// RunCore executes the four in-order core tasks: prune
// stale workers, reclaim stale leases, retry failed assets, then temp
// cleanup.
func (s *Service) RunCore(ctx context.Context) error {
	if _, err := s.Workers.PruneStaleWorkers(ctx, StaleWorkerAge); err != nil {
		return fmt.Errorf("prune stale workers: %w", err)
	}

	if _, err := s.Assets.ReclaimStaleLeases(ctx, nil); err != nil {
		return fmt.Errorf("reclaim stale leases: %w", err)
	}

	if _, err := s.Assets.RetryFailedAssets(ctx, nil); err != nil {
		return fmt.Errorf("retry failed assets: %w", err)
	}

	active, err := s.Workers.HasActiveLocalTranscodes(ctx, s.Hostname, HeartbeatFreshFor)
	if err != nil {
		return fmt.Errorf("check active local workers: %w", err)
	}
	if active {
		// Skip the sweep entirely to avoid racing in-progress transcodes.
		return nil
	}

	if _, err := s.cleanTmp(ctx, false); err != nil {
		return fmt.Errorf("temp cleanup: %w", err)
	}
	return nil
}

// CleanTmpDryRun previews the temp-cleanup sweep without deleting anything.
func (s *Service) CleanTmpDryRun(ctx context.Context) (SweepReport, error) {
	return s.cleanTmp(ctx, true)
}

func (s *Service) cleanTmp(ctx context.Context, dryRun bool) (SweepReport, error) {
	root := s.Store.TmpDir("")
	report := SweepReport{}
	cutoff := time.Now().Add(-TempFileAge)

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			return nil
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		report.Count++
		report.TotalBytes += info.Size()
		if !dryRun {
			_ = os.Remove(path)
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return report, err
	}
	return report, nil
}

// OrphanSweepDryRun computes which derivative files exist under the data
// dir but are not referenced by any live asset/scene, previewing the
// count and total bytes that DataDirOrphanSweep would delete.
func (s *Service) OrphanSweepDryRun(ctx context.Context) (SweepReport, error) {
	return s.orphanSweep(ctx, true)
}

// DataDirOrphanSweep deletes the orphaned derivative files identified by
// OrphanSweepDryRun, honoring the 15-minute age floor.
func (s *Service) DataDirOrphanSweep(ctx context.Context) (SweepReport, error) {
	return s.orphanSweep(ctx, false)
}

func (s *Service) orphanSweep(ctx context.Context, dryRun bool) (SweepReport, error) {
	expected, err := s.expectedPaths(ctx)
	if err != nil {
		return SweepReport{}, err
	}

	libs, err := s.Libraries.ListLibraries(ctx, false)
	if err != nil {
		return SweepReport{}, fmt.Errorf("list libraries for orphan sweep: %w", err)
	}

	report := SweepReport{}
	cutoff := time.Now().Add(-DataFileAgeFloor)

	walkAndPrune := func(root string) error {
		err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil || info == nil || info.IsDir() {
				return nil
			}
			if info.ModTime().After(cutoff) {
				return nil
			}
			rel, relErr := filepath.Rel(s.Store.DataDir, path)
			if relErr != nil {
				return nil
			}
			if expected[rel] {
				return nil
			}
			report.Count++
			report.TotalBytes += info.Size()
			if !dryRun {
				_ = os.Remove(path)
			}
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}

	for _, lib := range libs {
		for _, category := range []mediastore.Category{mediastore.CategoryThumbnails, mediastore.CategoryProxies} {
			if err := walkAndPrune(filepath.Join(s.Store.DataDir, lib.Slug, string(category))); err != nil {
				return report, err
			}
		}
		// Scene rep-frames and clip artifacts (including lazily-generated
		// clip_<ts>.mp4 files, which are never part of the expected set
		// and so age out here once past the tolerance floor).
		if err := walkAndPrune(filepath.Join(s.Store.DataDir, "video_scenes", lib.Slug)); err != nil {
			return report, err
		}
		if err := walkAndPrune(filepath.Join(s.Store.DataDir, "video_clips", lib.Slug)); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (s *Service) expectedPaths(ctx context.Context) (map[string]bool, error) {
	expected := map[string]bool{}

	identities, err := s.Assets.GetAssetIDsExpectingProxy(ctx, nil, 1<<30, 0)
	if err != nil {
		return nil, fmt.Errorf("list assets expecting proxy: %w", err)
	}
	for _, id := range identities {
		expected[s.Store.RelPath(id.LibrarySlug, id.ID, mediastore.CategoryProxies, mediastore.ProxyExtension)] = true
		expected[s.Store.RelPath(id.LibrarySlug, id.ID, mediastore.CategoryThumbnails, ".jpg")] = true
	}

	previews, err := s.Assets.GetAllVideoPreviewPathsExcludingTrash(ctx)
	if err != nil {
		return nil, fmt.Errorf("list video preview paths: %w", err)
	}
	for _, p := range previews {
		expected[p] = true
	}

	frames, err := s.Scenes.GetAllRepFramePathsExcludingTrash(ctx)
	if err != nil {
		return nil, fmt.Errorf("list scene rep-frame paths: %w", err)
	}
	for _, p := range frames {
		expected[p] = true
	}

	return expected, nil
}

// ReapMissingSource scans live assets and removes DB rows (plus their
// derivatives) whose source file has disappeared.
func (s *Service) ReapMissingSource(ctx context.Context) (int, error) {
	assets, err := s.Assets.ListLiveAssetPaths(ctx)
	if err != nil {
		return 0, fmt.Errorf("list live asset paths: %w", err)
	}

	libs, err := s.Libraries.ListLibraries(ctx, false)
	if err != nil {
		return 0, fmt.Errorf("list libraries for reap: %w", err)
	}
	roots := make(map[string]string, len(libs))
	for _, l := range libs {
		roots[l.Slug] = l.RootPath
	}

	reaped := 0
	for _, a := range assets {
		root, ok := roots[a.LibrarySlug]
		if !ok {
			continue
		}
		srcPath, err := mediastore.ResolveSourcePath(root, a.RelPath)
		if err != nil {
			continue
		}
		if _, statErr := os.Stat(srcPath); statErr == nil {
			continue
		}

		_ = s.Store.DeleteDerivatives(a.LibrarySlug, a.ID)
		_ = s.Scenes.DeleteScenesForAsset(ctx, a.ID)
		_ = s.Scenes.DeleteActiveState(ctx, a.ID)
		if err := s.Assets.DeleteAsset(ctx, a.ID); err != nil {
			continue
		}
		reaped++
	}
	return reaped, nil
}
