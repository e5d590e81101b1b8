package workers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"mediaindex/internal/dbtypes"
	"mediaindex/internal/fanout"
	"mediaindex/internal/models"
	"mediaindex/internal/repository"
	"mediaindex/internal/scanner"
	"mediaindex/internal/vision"
)

// configuredModelName is the model identity AI workers stamp onto
// "configured" placeholder rows (the claim-time TargetModelID
// filter): it names the capability a worker was constructed with, not
// any particular version string a live call might report.
const configuredModelName = "configured"

func mimeTypeForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".webp":
		return "image/webp"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

// derivativePath picks the asset-level image AI workers read from: the
// proxy when present, else the thumbnail. This lets the same code path
// handle images and videos identically, since videos only ever have a
// poster thumbnail.
func derivativePath(a models.Asset) (string, bool) {
	if a.ProxyPath != nil && *a.ProxyPath != "" {
		return *a.ProxyPath, true
	}
	if a.ThumbnailPath != nil && *a.ThumbnailPath != "" {
		return *a.ThumbnailPath, true
	}
	return "", false
}

// AILightWorker implements the light analysis pass: claim a
// proxied asset (image or video), run the vision capability against its
// thumbnail/proxy derivative, persist description/tags/OCR, advance to
// analyzed_light.
type AILightWorker struct {
	Assets       repository.AssetRepository
	Libraries    repository.LibraryRepository
	AIModels     repository.AIModelRepository
	Vision       vision.Capability
	Store        DataDirResolver
	WorkerID     string
	ModelName    string
	BatchSize    int
	LeaseSeconds int
	Logger       *slog.Logger

	configuredModelID int64
	resolved          bool
}

// RepairModelMismatch resets every analyzed_light/completed asset in
// librarySlug whose analysis_model_id no longer matches the library's
// effective target model back to proxied, so the claim loop re-runs
// both AI passes against the now-configured model.
func (w *AILightWorker) RepairModelMismatch(ctx context.Context, librarySlug string) (int, error) {
	return repairModelMismatch(ctx, w.Assets, w.Libraries, librarySlug)
}

// DataDirResolver is the minimal mediastore surface AI workers need:
// turning a stored relative derivative path into an absolute one.
type DataDirResolver interface {
	AbsPath(relPath string) string
}

func (w *AILightWorker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func (w *AILightWorker) ensureConfiguredModel(ctx context.Context) error {
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

func (w *AILightWorker) ProcessTask(ctx context.Context) (bool, error) {
	if err := w.ensureConfiguredModel(ctx); err != nil {
		return false, err
	}

	batch := w.BatchSize
	if batch <= 0 {
		batch = 1
	}

	assets, err := w.Assets.ClaimAssetByStatus(ctx, repository.ClaimParams{
		WorkerID:          w.WorkerID,
		FromStatus:        dbtypes.StatusProxied,
		AllowedExtensions: append(append([]string{}, scanner.ImageExtensions()...), scanner.VideoExtensions()...),
		GlobalScope:       true,
		TargetModelID:     &w.configuredModelID,
		LeaseSeconds:      w.LeaseSeconds,
		Limit:             batch,
	})
	if err != nil {
		return false, fmt.Errorf("ai light claim: %w", err)
	}
	if len(assets) == 0 {
		return false, nil
	}

	group := fanout.NewAssetGroup()
	for _, asset := range assets {
		asset := asset
		group.Go(asset.ID, func() error { return w.analyze(ctx, asset) })
	}
	failures := group.Wait()

	for _, asset := range assets {
		if err, failed := failures[asset.ID]; failed {
			w.logger().Warn("ai light analysis failed", "asset_id", asset.ID, "error", err)
			msg := err.Error()
			if sErr := w.Assets.UpdateAssetStatus(ctx, asset.ID, dbtypes.StatusFailed, &msg, &w.WorkerID); sErr != nil {
				return true, fmt.Errorf("ai light mark failed: %w", sErr)
			}
		}
	}
	return true, nil
}

// repairModelMismatch is shared by AILightWorker and AIFullWorker: both
// passes are undone identically, back to proxied, when the library's
// configured model has moved on from whatever produced the stored
// analysis.
func repairModelMismatch(ctx context.Context, assets repository.AssetRepository, libraries repository.LibraryRepository, librarySlug string) (int, error) {
	targetID, err := libraries.EffectiveTargetModelID(ctx, librarySlug, nil)
	if err != nil {
		return 0, fmt.Errorf("resolve effective target model: %w", err)
	}
	if targetID == nil {
		return 0, nil
	}

	mismatched, err := assets.ListModelMismatch(ctx, librarySlug, *targetID)
	if err != nil {
		return 0, fmt.Errorf("list model mismatch: %w", err)
	}

	repaired := 0
	for _, a := range mismatched {
		if err := assets.UpdateAssetStatus(ctx, a.ID, dbtypes.StatusProxied, nil, nil); err != nil {
			return repaired, fmt.Errorf("reset asset %d to proxied: %w", a.ID, err)
		}
		repaired++
	}
	return repaired, nil
}

func (w *AILightWorker) analyze(ctx context.Context, asset models.Asset) error {
	relPath, ok := derivativePath(asset)
	if !ok {
		return fmt.Errorf("asset %d has no derivative to analyze", asset.ID)
	}
	absPath := w.Store.AbsPath(relPath)
	imageBytes, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("read derivative: %w", err)
	}

	result, err := w.Vision.Analyze(ctx, imageBytes, mimeTypeForPath(absPath))
	if err != nil {
		return fmt.Errorf("vision analyze: %w", err)
	}

	// The FK should name the model that actually produced this analysis,
	// which may differ from the configured target (e.g. a provider
	// fallback); re-resolve it from the call's own result.
	actualModelID, err := w.AIModels.GetOrCreate(ctx, result.ModelName, result.ModelVersion)
	if err != nil {
		return fmt.Errorf("resolve actual model: %w", err)
	}

	analysis := dbtypes.VisualAnalysis{
		Description:  result.Description,
		Tags:         result.Tags,
		OCRText:      result.OCRText,
		ModelName:    result.ModelName,
		ModelVersion: result.ModelVersion,
	}
	if err := w.Assets.SetVisualAnalysis(ctx, asset.ID, analysis, &actualModelID, &actualModelID, &w.WorkerID); err != nil {
		return fmt.Errorf("persist visual analysis: %w", err)
	}
	if err := w.Assets.UpdateAssetStatus(ctx, asset.ID, dbtypes.StatusAnalyzedLight, nil, &w.WorkerID); err != nil {
		return fmt.Errorf("transition to analyzed_light: %w", err)
	}
	return nil
}
