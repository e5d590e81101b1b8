package workers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"mediaindex/internal/dbtypes"
	"mediaindex/internal/fanout"
	"mediaindex/internal/mediastore"
	"mediaindex/internal/models"
	"mediaindex/internal/repository"
	"mediaindex/internal/scanner"
	"mediaindex/internal/vision"
)

// AIFullWorker implements the full analysis pass: claim an
// analyzed_light asset (its scene pass, if it's a video, has already
// released the lease) and run a second, presumably heavier vision call
// against the full-resolution source rather than the cheap derivative,
// merging its OCR text into the stored analysis before completing.
type AIFullWorker struct {
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

// RepairModelMismatch resets every asset in librarySlug whose stored
// analysis_model_id no longer matches the library's effective target
// model back to proxied for re-analysis by both AI passes.
func (w *AIFullWorker) RepairModelMismatch(ctx context.Context, librarySlug string) (int, error) {
	return repairModelMismatch(ctx, w.Assets, w.Libraries, librarySlug)
}

func (w *AIFullWorker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func (w *AIFullWorker) ensureConfiguredModel(ctx context.Context) error {
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

func (w *AIFullWorker) ProcessTask(ctx context.Context) (bool, error) {
	if err := w.ensureConfiguredModel(ctx); err != nil {
		return false, err
	}

	batch := w.BatchSize
	if batch <= 0 {
		batch = 1
	}

	assets, err := w.Assets.ClaimAssetByStatus(ctx, repository.ClaimParams{
		WorkerID:          w.WorkerID,
		FromStatus:        dbtypes.StatusAnalyzedLight,
		AllowedExtensions: append(append([]string{}, scanner.ImageExtensions()...), scanner.VideoExtensions()...),
		GlobalScope:       true,
		TargetModelID:     &w.configuredModelID,
		LeaseSeconds:      w.LeaseSeconds,
		Limit:             batch,
	})
	if err != nil {
		return false, fmt.Errorf("ai full claim: %w", err)
	}
	if len(assets) == 0 {
		return false, nil
	}

	group := fanout.NewAssetGroup()
	for _, asset := range assets {
		asset := asset
		group.Go(asset.ID, func() error { return w.refine(ctx, asset) })
	}
	failures := group.Wait()

	for _, asset := range assets {
		if err, failed := failures[asset.ID]; failed {
			w.logger().Warn("ai full analysis failed", "asset_id", asset.ID, "error", err)
			msg := err.Error()
			if sErr := w.Assets.UpdateAssetStatus(ctx, asset.ID, dbtypes.StatusFailed, &msg, &w.WorkerID); sErr != nil {
				return true, fmt.Errorf("ai full mark failed: %w", sErr)
			}
		}
	}
	return true, nil
}

func (w *AIFullWorker) refine(ctx context.Context, asset models.Asset) error {
	lib, err := w.Libraries.GetLibraryBySlug(ctx, asset.LibrarySlug)
	if err != nil {
		return fmt.Errorf("resolve library: %w", err)
	}

	srcPath, sourceErr := resolveFullResSource(lib.RootPath, asset)
	var imageBytes []byte
	var mime string
	if sourceErr == nil {
		imageBytes, err = os.ReadFile(srcPath)
	}
	if sourceErr != nil || err != nil {
		// Videos have no single full-resolution still to hand the vision
		// model; fall back to the same derivative the light pass used.
		relPath, ok := derivativePath(asset)
		if !ok {
			return fmt.Errorf("asset %d has no source or derivative to refine", asset.ID)
		}
		srcPath = w.Store.AbsPath(relPath)
		imageBytes, err = os.ReadFile(srcPath)
		if err != nil {
			return fmt.Errorf("read fallback derivative: %w", err)
		}
	}
	mime = mimeTypeForPath(srcPath)

	result, err := w.Vision.Analyze(ctx, imageBytes, mime)
	if err != nil {
		return fmt.Errorf("vision analyze: %w", err)
	}

	actualModelID, err := w.AIModels.GetOrCreate(ctx, result.ModelName, result.ModelVersion)
	if err != nil {
		return fmt.Errorf("resolve actual model: %w", err)
	}

	merged := dbtypes.VisualAnalysis{
		Description:  result.Description,
		Tags:         mergeTags(asset.VisualAnalysis.Tags, result.Tags),
		OCRText:      strings.TrimSpace(strings.Join(nonEmpty(asset.VisualAnalysis.OCRText, result.OCRText), "\n")),
		ModelName:    result.ModelName,
		ModelVersion: result.ModelVersion,
	}
	if err := w.Assets.SetVisualAnalysis(ctx, asset.ID, merged, nil, &actualModelID, &w.WorkerID); err != nil {
		return fmt.Errorf("persist refined analysis: %w", err)
	}
	if err := w.Assets.UpdateAssetStatus(ctx, asset.ID, dbtypes.StatusCompleted, nil, &w.WorkerID); err != nil {
		return fmt.Errorf("transition to completed: %w", err)
	}
	return nil
}

// resolveFullResSource only resolves images: videos have no single
// full-resolution still, so callers fall back to the proxy/thumbnail
// derivative on any error (including for video assets, which this
// rejects outright).
func resolveFullResSource(libraryRoot string, asset models.Asset) (string, error) {
	if asset.Type != dbtypes.AssetTypeImage {
		return "", fmt.Errorf("asset %d is not an image", asset.ID)
	}
	return mediastore.ResolveSourcePath(libraryRoot, asset.RelPath)
}

func mergeTags(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing)+len(incoming))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, t := range existing {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, t := range incoming {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func nonEmpty(vals ...string) []string {
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
