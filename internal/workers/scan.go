package workers

import (
	"context"
	"fmt"

	"mediaindex/internal/repository"
	"mediaindex/internal/scanner"
)

// ScanWorker adapts the library scanner to the Processor
// interface: each ProcessTask call claims at most one library awaiting a
// scan and walks it to completion before returning.
type ScanWorker struct {
	Libraries repository.LibraryRepository
	Scanner   *scanner.Scanner
}

func (w *ScanWorker) ProcessTask(ctx context.Context) (bool, error) {
	lib, err := w.Libraries.ClaimLibraryForScanning(ctx)
	if err != nil {
		return false, fmt.Errorf("claim library for scanning: %w", err)
	}
	if lib == nil {
		return false, nil
	}
	if err := w.Scanner.Run(ctx, *lib); err != nil {
		return true, fmt.Errorf("scan library %s: %w", lib.Slug, err)
	}
	return true, nil
}
