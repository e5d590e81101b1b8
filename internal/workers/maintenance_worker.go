package workers

import (
	"context"
	"time"

	"mediaindex/internal/maintenance"
)

// MaintenanceWorker adapts Service.RunCore to the Processor
// interface, running the core sweep on a fixed interval rather than
// every idle-poll tick.
type MaintenanceWorker struct {
	Service  *maintenance.Service
	Interval time.Duration

	lastRun time.Time
}

func (w *MaintenanceWorker) ProcessTask(ctx context.Context) (bool, error) {
	interval := w.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if !w.lastRun.IsZero() && time.Since(w.lastRun) < interval {
		return false, nil
	}
	w.lastRun = time.Now()
	if err := w.Service.RunCore(ctx); err != nil {
		return true, err
	}
	return true, nil
}
