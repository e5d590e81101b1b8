package workers

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"mediaindex/internal/dbtypes"
	"mediaindex/internal/models"
	"mediaindex/internal/repository"
	"mediaindex/internal/scanner"
	"mediaindex/internal/segmenter"
	"mediaindex/internal/vision"
)

// VideoAIWorker implements the scene-level half of the AI pass:
// claim a video asset that has finished asset-level light analysis,
// analyze every scene still missing a description, flag consecutive
// semantic duplicates, then release the asset's lease without changing
// its status so AI full can claim the same row next.
type VideoAIWorker struct {
	Assets       repository.AssetRepository
	Scenes       repository.SceneRepository
	AIModels     repository.AIModelRepository
	Vision       vision.Capability
	Store        DataDirResolver
	WorkerID     string
	ModelName    string
	LeaseSeconds int
	Logger       *slog.Logger

	configuredModelID int64
	resolved          bool
}

func (w *VideoAIWorker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func (w *VideoAIWorker) ensureConfiguredModel(ctx context.Context) error {
	if w.resolved {
		return nil
	}
	id, err := w.AIModels.GetOrCreate(ctx, w.ModelName, configuredModelName)
	if err != nil {
		return fmt.Errorf("resolve configured model: %w", err)
	}
	w.configuredModelID = id
	w.resolved = true
	return nil
}

func (w *VideoAIWorker) ProcessTask(ctx context.Context) (bool, error) {
	if err := w.ensureConfiguredModel(ctx); err != nil {
		return false, err
	}

	assets, err := w.Assets.ClaimAssetByStatus(ctx, repository.ClaimParams{
		WorkerID:          w.WorkerID,
		FromStatus:        dbtypes.StatusAnalyzedLight,
		AllowedExtensions: scanner.VideoExtensions(),
		GlobalScope:       true,
		TargetModelID:     &w.configuredModelID,
		LeaseSeconds:      w.LeaseSeconds,
		Limit:             1,
	})
	if err != nil {
		return false, fmt.Errorf("video ai claim: %w", err)
	}
	if len(assets) == 0 {
		return false, nil
	}

	asset := assets[0]
	if err := w.processScenes(ctx, asset); err != nil {
		w.logger().Warn("video ai scene pass failed", "asset_id", asset.ID, "error", err)
		msg := err.Error()
		if sErr := w.Assets.UpdateAssetStatus(ctx, asset.ID, dbtypes.StatusFailed, &msg, &w.WorkerID); sErr != nil {
			return true, fmt.Errorf("video ai mark failed: %w", sErr)
		}
		return true, nil
	}

	// Same-status write: clears worker_id/lease_expires_at so AI full can
	// claim this row next, without advancing the asset past analyzed_light
	// (the asset-level AI full pass still needs to run).
	if err := w.Assets.UpdateAssetStatus(ctx, asset.ID, dbtypes.StatusAnalyzedLight, nil, &w.WorkerID); err != nil {
		return true, fmt.Errorf("video ai release lease: %w", err)
	}
	return true, nil
}

func (w *VideoAIWorker) processScenes(ctx context.Context, asset models.Asset) error {
	scenes, err := w.Scenes.ListScenes(ctx, asset.ID)
	if err != nil {
		return fmt.Errorf("list scenes: %w", err)
	}

	var lastDesc *string
	for i := range scenes {
		scene := scenes[i]
		if scene.Description != nil && *scene.Description != "" {
			lastDesc = scene.Description
			continue
		}
		if scene.RepFramePath == nil || *scene.RepFramePath == "" {
			continue
		}

		absPath := w.Store.AbsPath(*scene.RepFramePath)
		frameBytes, err := os.ReadFile(absPath)
		if err != nil {
			return fmt.Errorf("read scene rep frame %d: %w", scene.ID, err)
		}

		result, err := w.Vision.Analyze(ctx, frameBytes, mimeTypeForPath(absPath))
		if err != nil {
			return fmt.Errorf("analyze scene %d: %w", scene.ID, err)
		}

		duplicate := false
		if lastDesc != nil {
			duplicate = segmenter.TokenSetRatio(*lastDesc, result.Description) >= segmenter.SemanticDuplicateRatio
		}

		metadata := dbtypes.SceneMetadata{
			Moondream: &dbtypes.VisualAnalysis{
				Description:  result.Description,
				Tags:         result.Tags,
				OCRText:      result.OCRText,
				ModelName:    result.ModelName,
				ModelVersion: result.ModelVersion,
			},
			SemanticDuplicate: duplicate,
		}
		desc := result.Description
		if err := w.Scenes.UpdateSceneAnalysis(ctx, scene.ID, metadata, &desc); err != nil {
			return fmt.Errorf("persist scene analysis %d: %w", scene.ID, err)
		}
		lastDesc = &desc
	}
	return nil
}
