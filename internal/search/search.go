// Package search blends the repository-level full-text search into the
// result shape the HTTP surface hands back to callers, grounded on
// original_source's search_repo.py response assembly (media_url building
// around a relative data_dir path) carried into Go's explicit-struct style
// rather than a dict literal.
package search

import (
	"context"
	"fmt"
	"strings"

	"mediaindex/internal/dbtypes"
	"mediaindex/internal/repository"
)

// Hit is one row of the blended search/listing response.
type Hit struct {
	AssetID          int64    `json:"asset_id"`
	Type             string   `json:"type"`
	ThumbnailURL     *string  `json:"thumbnail_url,omitempty"`
	PreviewURL       *string  `json:"preview_url,omitempty"`
	VideoPreviewURL  *string  `json:"video_preview_url,omitempty"`
	Status           string   `json:"status"`
	ErrorMessage     *string  `json:"error_message,omitempty"`
	FinalRank        float64  `json:"final_rank"`
	MatchRatioPercent float64 `json:"match_ratio"`
	BestSceneTS      *float64 `json:"best_scene_ts_seconds,omitempty"`
	LibrarySlug      string   `json:"library_slug"`
	LibraryName      string   `json:"library_name"`
	Filename         string   `json:"filename"`
}

// Result wraps the hit list with the "still analyzing" flag the HTTP
// surface renders as a response header.
type Result struct {
	Hits       []Hit
	Analyzing  bool
}

// Service adapts repository.SearchRepository/LibraryRepository/
// AssetRepository into the HTTP-facing shape.
type Service struct {
	Search    repository.SearchRepository
	Libraries repository.LibraryRepository
	Assets    repository.AssetRepository
}

func NewService(search repository.SearchRepository, libraries repository.LibraryRepository, assets repository.AssetRepository) *Service {
	return &Service{Search: search, Libraries: libraries, Assets: assets}
}

func mediaURL(relPath *string) *string {
	if relPath == nil || *relPath == "" {
		return nil
	}
	u := "/media/" + *relPath
	return &u
}

func filenameFromRelPath(relPath string) string {
	if idx := strings.LastIndexByte(relPath, '/'); idx >= 0 {
		return relPath[idx+1:]
	}
	return relPath
}

func toHit(h repository.SearchHit) Hit {
	a := h.Asset
	return Hit{
		AssetID:           a.ID,
		Type:              string(a.Type),
		ThumbnailURL:      mediaURL(a.ThumbnailPath),
		PreviewURL:        mediaURL(a.ProxyPath),
		VideoPreviewURL:   mediaURL(a.VideoPreviewPath),
		Status:            string(a.Status),
		ErrorMessage:      a.ErrorMessage,
		FinalRank:         h.FinalRank,
		MatchRatioPercent: h.MatchRatio * 100,
		BestSceneTS:       h.BestSceneTS,
		LibrarySlug:       a.LibrarySlug,
		LibraryName:       h.LibraryName,
		Filename:          filenameFromRelPath(a.RelPath),
	}
}

// Query runs the blended search and reports whether any of the selected
// libraries (all libraries, when none are named) is still analyzing: its
// scan_status is not idle, or it has at least one pending asset. Assets in
// processing, proxied or analyzed_light status are not counted.
func (s *Service) Query(ctx context.Context, p repository.SearchParams) (Result, error) {
	hits, err := s.Search.Search(ctx, p)
	if err != nil {
		return Result{}, fmt.Errorf("search query: %w", err)
	}

	out := make([]Hit, 0, len(hits))
	for _, h := range hits {
		out = append(out, toHit(h))
	}

	analyzing, err := s.anyAnalyzing(ctx, p.LibrarySlugs)
	if err != nil {
		return Result{}, err
	}
	return Result{Hits: out, Analyzing: analyzing}, nil
}

func (s *Service) anyAnalyzing(ctx context.Context, slugs []string) (bool, error) {
	libs, err := s.Libraries.ListLibraries(ctx, false)
	if err != nil {
		return false, fmt.Errorf("list libraries for analyzing check: %w", err)
	}

	want := make(map[string]bool, len(slugs))
	for _, s := range slugs {
		want[s] = true
	}

	for _, lib := range libs {
		if len(want) > 0 && !want[lib.Slug] {
			continue
		}
		if lib.ScanStatus != dbtypes.ScanIdle {
			return true, nil
		}
		slug := lib.Slug
		pending, err := s.Assets.CountPending(ctx, &slug)
		if err != nil {
			return false, fmt.Errorf("count pending for %s: %w", slug, err)
		}
		if pending > 0 {
			return true, nil
		}
	}
	return false, nil
}

// LibraryPage is the library-assets endpoint's page shape.
type LibraryPage struct {
	Hits    []Hit
	HasMore bool
}

// ListLibraryAssets pages through one library's assets in the given sort
// order, reusing the same Hit projection search results use.
func (s *Service) ListLibraryAssets(ctx context.Context, librarySlug, sortKey string, descending bool, limit, offset int) (LibraryPage, error) {
	lib, err := s.Libraries.GetLibraryBySlug(ctx, librarySlug)
	if err != nil {
		return LibraryPage{}, fmt.Errorf("resolve library: %w", err)
	}

	assets, hasMore, err := s.Assets.ListAssets(ctx, librarySlug, sortKey, descending, limit, offset)
	if err != nil {
		return LibraryPage{}, fmt.Errorf("list library assets: %w", err)
	}

	hits := make([]Hit, 0, len(assets))
	for _, a := range assets {
		hits = append(hits, toHit(repository.SearchHit{
			Asset:       a,
			LibraryName: lib.DisplayName,
			FinalRank:   0,
			MatchRatio:  1,
		}))
	}
	return LibraryPage{Hits: hits, HasMore: hasMore}, nil
}
