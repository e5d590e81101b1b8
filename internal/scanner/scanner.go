// Package scanner walks a library root and upserts discovered assets,
// using plain filepath.WalkDir with no fsnotify/watcher dependency.
package scanner

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"mediaindex/internal/dbtypes"
	"mediaindex/internal/memwatch"
	"mediaindex/internal/models"
	"mediaindex/internal/repository"
)

// HeartbeatEvery controls how often scan progress is written back to the
// worker's heartbeat stats (the design: "every N files, default 1000").
const HeartbeatEvery = 1000

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true,
	".webp": true, ".heic": true, ".heif": true, ".tif": true, ".tiff": true,
	".dng": true, ".cr2": true, ".cr3": true, ".nef": true, ".arw": true, ".raf": true,
}

var videoExtensions = map[string]bool{
	".mp4": true, ".mkv": true, ".mov": true, ".avi": true, ".m4v": true,
}

// ImageExtensions lists the extensions Classify recognizes as images,
// without the leading dot, for callers that need to build a
// ClaimParams.AllowedExtensions filter (the image proxy worker, the design).
func ImageExtensions() []string {
	exts := make([]string, 0, len(imageExtensions))
	for e := range imageExtensions {
		exts = append(exts, strings.TrimPrefix(e, "."))
	}
	return exts
}

// VideoExtensions is ImageExtensions' video-asset counterpart, used by the
// video proxy worker's claim filter.
func VideoExtensions() []string {
	exts := make([]string, 0, len(videoExtensions))
	for e := range videoExtensions {
		exts = append(exts, strings.TrimPrefix(e, "."))
	}
	return exts
}

// Classify reports the asset type for a path's extension, and ok=false
// for unsupported extensions (skipped by the walk).
func Classify(path string) (dbtypes.AssetType, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	if imageExtensions[ext] {
		return dbtypes.AssetTypeImage, true
	}
	if videoExtensions[ext] {
		return dbtypes.AssetTypeVideo, true
	}
	return "", false
}

// CommandSource lets the scanner poll for pause/shutdown between entries
// without depending on the full workerbase run loop.
type CommandSource interface {
	ShouldStop(ctx context.Context) (pause bool, shutdown bool)
}

// HeartbeatSink receives periodic progress updates during a long walk.
type HeartbeatSink interface {
	ReportProgress(ctx context.Context, filesSeen int, currentPath string)
}

// Scanner walks one library and feeds upsert_asset.
type Scanner struct {
	Assets     repository.AssetRepository
	Libraries  repository.LibraryRepository
	Commands   CommandSource
	Heartbeat  HeartbeatSink
	Memory     *memwatch.Monitor
}

// Run walks lib.RootPath, upserting every supported file, and always
// restores the library's scan status to idle on exit.
func (s *Scanner) Run(ctx context.Context, lib models.Library) error {
	defer func() {
		_ = s.Libraries.FinishScan(ctx, lib.Slug)
	}()

	seen := 0
	err := filepath.WalkDir(lib.RootPath, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			// A single entry's stat/read failure does not abort the walk.
			return nil
		}
		if d.IsDir() {
			return nil
		}

		if s.Commands != nil {
			if pause, shutdown := s.Commands.ShouldStop(ctx); pause || shutdown {
				return errStopWalk
			}
		}

		assetType, ok := Classify(path)
		if !ok {
			return nil
		}

		info, statErr := d.Info()
		if statErr != nil {
			return nil
		}

		relPath, relErr := filepath.Rel(lib.RootPath, path)
		if relErr != nil {
			return nil
		}

		mtime := info.ModTime().Round(time.Millisecond)
		if _, err := s.Assets.UpsertAsset(ctx, lib.Slug, relPath, assetType, mtime, info.Size()); err != nil {
			return nil
		}

		seen++
		if seen%HeartbeatEvery == 0 && s.Heartbeat != nil {
			s.Heartbeat.ReportProgress(ctx, seen, relPath)
		}

		return nil
	})

	if err != nil && !errors.Is(err, errStopWalk) {
		return err
	}
	return nil
}

var errStopWalk = errors.New("scanner: stopped by command")
