package workers

import (
	"context"
	"log/slog"
	"time"

	"mediaindex/internal/repository"
)

// ImageDerivativeRepairWorker runs ImageProxyWorker.RepairMissingDerivatives
// on a fixed interval rather than every idle-poll tick, mirroring
// MaintenanceWorker's fixed-interval wrapper around Service.RunCore.
type ImageDerivativeRepairWorker struct {
	Worker   *ImageProxyWorker
	Interval time.Duration
	Logger   *slog.Logger

	lastRun time.Time
}

func (w *ImageDerivativeRepairWorker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func (w *ImageDerivativeRepairWorker) ProcessTask(ctx context.Context) (bool, error) {
	interval := w.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if !w.lastRun.IsZero() && time.Since(w.lastRun) < interval {
		return false, nil
	}
	w.lastRun = time.Now()

	repaired, err := w.Worker.RepairMissingDerivatives(ctx, nil)
	if err != nil {
		return true, err
	}
	if repaired > 0 {
		w.logger().Info("reset assets with missing derivatives to pending", "count", repaired)
	}
	return true, nil
}

// ModelMismatchRepairWorker runs RepairModelMismatch across every library
// on a fixed interval, resetting assets whose stored analysis no longer
// matches the library's effective target model back to proxied.
type ModelMismatchRepairWorker struct {
	AI        *AILightWorker
	Libraries repository.LibraryRepository
	Interval  time.Duration
	Logger    *slog.Logger

	lastRun time.Time
}

func (w *ModelMismatchRepairWorker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func (w *ModelMismatchRepairWorker) ProcessTask(ctx context.Context) (bool, error) {
	interval := w.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if !w.lastRun.IsZero() && time.Since(w.lastRun) < interval {
		return false, nil
	}
	w.lastRun = time.Now()

	libs, err := w.Libraries.ListLibraries(ctx, false)
	if err != nil {
		return true, err
	}

	total := 0
	for _, lib := range libs {
		repaired, err := w.AI.RepairModelMismatch(ctx, lib.Slug)
		if err != nil {
			return true, err
		}
		total += repaired
	}
	if total > 0 {
		w.logger().Info("reset model-mismatched assets to proxied", "count", total)
	}
	return true, nil
}
