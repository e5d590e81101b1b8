package workers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"os"
	"path/filepath"

	"mediaindex/internal/dbtypes"
	"mediaindex/internal/mediastore"
	"mediaindex/internal/models"
	"mediaindex/internal/phash"
	"mediaindex/internal/repository"
	"mediaindex/internal/scanner"
	"mediaindex/internal/segmenter"
	"mediaindex/internal/videoscan"
)

// VideoProxyWorker claims a pending video, produces the 720p preview and
// poster thumbnail, then runs the scene segmenter over the
// full-resolution source before transitioning to proxied. It
// also services the segmentation_version invalidation repair path.
type VideoProxyWorker struct {
	Assets       repository.AssetRepository
	Libraries    repository.LibraryRepository
	Scenes       repository.SceneRepository
	Store        *mediastore.Store
	WorkerID     string
	LeaseSeconds int
	Logger       *slog.Logger
	// Cancelled is polled at the segmenter's frame boundaries (spec §5
	// "Cancellation"); share the owning workerbase.Runner's ExitFlag so a
	// shutdown request is visible mid-transcode instead of only between
	// ProcessTask calls. Nil means never cancel.
	Cancelled func() bool
}

func (w *VideoProxyWorker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func (w *VideoProxyWorker) ProcessTask(ctx context.Context) (bool, error) {
	assets, err := w.Assets.ClaimAssetByStatus(ctx, repository.ClaimParams{
		WorkerID:          w.WorkerID,
		FromStatus:        dbtypes.StatusPending,
		AllowedExtensions: scanner.VideoExtensions(),
		GlobalScope:       true,
		LeaseSeconds:      w.LeaseSeconds,
		Limit:             1,
	})
	if err != nil {
		return false, fmt.Errorf("video proxy claim: %w", err)
	}
	if len(assets) > 0 {
		asset := assets[0]
		if err := w.render(ctx, asset); err != nil {
			if errors.Is(err, segmenter.ErrInterrupted) {
				// Cooperative shutdown mid-transcode (spec §4.8
				// Interruption): reset to the predecessor status for a
				// later re-claim instead of counting it as a failure.
				w.logger().Info("video proxy interrupted, resetting to pending", "asset_id", asset.ID)
				if sErr := w.Assets.UpdateAssetStatus(ctx, asset.ID, dbtypes.StatusPending, nil, nil); sErr != nil {
					return true, fmt.Errorf("video proxy reset after interrupt: %w", sErr)
				}
				return true, nil
			}
			w.logger().Warn("video proxy render failed", "asset_id", asset.ID, "error", err)
			msg := err.Error()
			if sErr := w.Assets.UpdateAssetStatus(ctx, asset.ID, dbtypes.StatusFailed, &msg, &w.WorkerID); sErr != nil {
				return true, fmt.Errorf("video proxy mark failed: %w (render error: %v)", sErr, err)
			}
		}
		return true, nil
	}

	repair, err := w.Assets.ClaimSegmentationRepair(ctx, w.WorkerID, segmenter.Version(), w.LeaseSeconds)
	if err != nil {
		return false, fmt.Errorf("video proxy segmentation repair claim: %w", err)
	}
	if repair == nil {
		return false, nil
	}

	if err := w.reseg(ctx, *repair); err != nil {
		w.logger().Warn("segmentation repair failed", "asset_id", repair.ID, "error", err)
		return true, err
	}
	if err := w.Assets.FinishSegmentationRepair(ctx, repair.ID, segmenter.Version(), w.WorkerID); err != nil {
		return true, fmt.Errorf("finish segmentation repair: %w", err)
	}
	return true, nil
}

func (w *VideoProxyWorker) render(ctx context.Context, asset models.Asset) error {
	lib, err := w.Libraries.GetLibraryBySlug(ctx, asset.LibrarySlug)
	if err != nil {
		return fmt.Errorf("resolve library: %w", err)
	}
	srcPath, err := mediastore.ResolveSourcePath(lib.RootPath, asset.RelPath)
	if err != nil {
		return fmt.Errorf("resolve source path: %w", err)
	}

	info, err := videoscan.Probe(ctx, srcPath)
	if err != nil {
		return fmt.Errorf("probe source: %w", err)
	}

	tmpDir := w.Store.TmpDir(asset.LibrarySlug)
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return fmt.Errorf("create tmp dir: %w", err)
	}

	transcode, err := videoscan.TranscodeTo720p(ctx, srcPath, tmpDir, info.Width, info.Height)
	if err != nil {
		return fmt.Errorf("transcode to 720p: %w", err)
	}
	videoPreviewRel, err := w.Store.FinalizeClip(transcode.OutputPath, asset.LibrarySlug, asset.ID, "preview.mp4")
	if err != nil {
		return fmt.Errorf("finalize 720p preview: %w", err)
	}

	posterTmp := filepath.Join(tmpDir, fmt.Sprintf("poster_%d.jpg", asset.ID))
	if err := videoscan.ExtractPosterFrame(ctx, srcPath, posterTmp); err != nil {
		return fmt.Errorf("extract poster frame: %w", err)
	}
	posterBytes, err := os.ReadFile(posterTmp)
	if err != nil {
		return fmt.Errorf("read poster frame: %w", err)
	}
	os.Remove(posterTmp)

	thumbRel, err := w.Store.SaveThumbnail(asset.LibrarySlug, asset.ID, posterBytes)
	if err != nil {
		return fmt.Errorf("save poster thumbnail: %w", err)
	}

	if err := w.Assets.SetVideoDerivatives(ctx, asset.ID, thumbRel, videoPreviewRel, segmenter.Version(), &w.WorkerID); err != nil {
		return fmt.Errorf("persist derivative paths: %w", err)
	}

	if err := w.segment(ctx, asset, srcPath, info.DurationSeconds); err != nil {
		return fmt.Errorf("segment scenes: %w", err)
	}

	if err := w.Assets.UpdateAssetStatus(ctx, asset.ID, dbtypes.StatusProxied, nil, &w.WorkerID); err != nil {
		return fmt.Errorf("transition to proxied: %w", err)
	}
	return nil
}

// reseg re-cuts an asset's scenes without touching its proxy/thumbnail
// output or its status column (the segmentation_version repair path).
func (w *VideoProxyWorker) reseg(ctx context.Context, asset models.Asset) error {
	lib, err := w.Libraries.GetLibraryBySlug(ctx, asset.LibrarySlug)
	if err != nil {
		return fmt.Errorf("resolve library: %w", err)
	}
	srcPath, err := mediastore.ResolveSourcePath(lib.RootPath, asset.RelPath)
	if err != nil {
		return fmt.Errorf("resolve source path: %w", err)
	}
	info, err := videoscan.Probe(ctx, srcPath)
	if err != nil {
		return fmt.Errorf("probe source: %w", err)
	}
	if err := w.Scenes.DeleteScenesForAsset(ctx, asset.ID); err != nil {
		return fmt.Errorf("clear stale scenes: %w", err)
	}
	if err := w.Scenes.DeleteActiveState(ctx, asset.ID); err != nil {
		return fmt.Errorf("clear stale active state: %w", err)
	}
	return w.segment(ctx, asset, srcPath, info.DurationSeconds)
}

func (w *VideoProxyWorker) segment(ctx context.Context, asset models.Asset, srcPath string, durationSeconds float64) error {
	maxEndTS, err := w.Scenes.GetMaxEndTS(ctx, asset.ID)
	if err != nil {
		return fmt.Errorf("get max end ts: %w", err)
	}
	activeRow, err := w.Scenes.GetActiveState(ctx, asset.ID)
	if err != nil {
		return fmt.Errorf("get active state: %w", err)
	}

	var active *segmenter.ActiveState
	if activeRow != nil {
		anchor, hexErr := phash.FromHex(activeRow.AnchorPhash)
		if hexErr != nil {
			return fmt.Errorf("parse stored anchor hash: %w", hexErr)
		}
		active = &segmenter.ActiveState{
			AnchorPHash:   anchor,
			SceneStartTS:  activeRow.SceneStartTS,
			BestPTS:       activeRow.BestPTS,
			BestSharpness: activeRow.BestSharpness,
		}
	}

	// Reseek with a 2-second rewind tolerant of PTS quantization;
	// segmenter.Run discards frames up to the exact maxEndTS boundary
	// itself.
	seek := 0.0
	if maxEndTS != nil {
		seek = *maxEndTS - 2.0
		if seek < 0 {
			seek = 0
		}
	}
	frames, err := videoscan.NewFrameIterator(ctx, srcPath, seek)
	if err != nil {
		return fmt.Errorf("start frame iterator: %w", err)
	}
	defer frames.Close()

	cancelled := w.Cancelled
	if cancelled == nil {
		cancelled = func() bool { return false }
	}

	emit := func(e segmenter.Emission) error {
		var scene *models.VideoScene
		if e.Scene != nil {
			jpegBytes, encErr := encodeJPEG(e.Scene.BestFrame)
			if encErr != nil {
				return fmt.Errorf("encode representative frame: %w", encErr)
			}
			repPath, saveErr := w.Store.SaveSceneFrame(asset.LibrarySlug, asset.ID, e.Scene.StartTS, e.Scene.EndTS, jpegBytes)
			if saveErr != nil {
				return fmt.Errorf("save representative frame: %w", saveErr)
			}
			scene = &models.VideoScene{
				AssetID:        asset.ID,
				StartTS:        e.Scene.StartTS,
				EndTS:          e.Scene.EndTS,
				SharpnessScore: e.Scene.BestSharpness,
				RepFramePath:   &repPath,
				KeepReason:     dbtypes.KeepReason(e.Scene.KeepReason),
			}
		}

		var nextState *models.VideoActiveState
		if e.State != nil {
			nextState = &models.VideoActiveState{
				AssetID:       asset.ID,
				AnchorPhash:   phash.HexString(e.State.AnchorPHash),
				SceneStartTS:  e.State.SceneStartTS,
				BestPTS:       e.State.BestPTS,
				BestSharpness: e.State.BestSharpness,
			}
		}

		if scene == nil && nextState == nil {
			return nil
		}
		_, saveErr := w.Scenes.SaveSceneAndUpdateState(ctx, asset.ID, scene, nextState)
		return saveErr
	}

	return segmenter.Run(ctx, frames, segmenter.ResumeInfo{MaxEndTS: maxEndTS, Active: active}, durationSeconds, cancelled, emit)
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
