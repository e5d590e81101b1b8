// Package api exposes a minimal, read-only HTTP surface: search,
// library-asset listing, and lazy clip redirection. No upload, album,
// or tag CRUD endpoints belong here.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"mediaindex/internal/dbtypes"
	"mediaindex/internal/mediastore"
	"mediaindex/internal/repository"
	"mediaindex/internal/search"
	"mediaindex/internal/videoscan"

	"github.com/gin-gonic/gin"
)

// DefaultClipDuration is how much video the lazy clip endpoint extracts
// per request when the caller doesn't need the whole file.
const DefaultClipDuration = 10 * time.Second

// Handler bundles the repositories and services the HTTP surface reads from.
type Handler struct {
	Search    *search.Service
	Assets    repository.AssetRepository
	Libraries repository.LibraryRepository
	Store     *mediastore.Store
}

func NewHandler(searchSvc *search.Service, assets repository.AssetRepository, libraries repository.LibraryRepository, store *mediastore.Store) *Handler {
	return &Handler{Search: searchSvc, Assets: assets, Libraries: libraries, Store: store}
}

// Result is the standard response envelope.
type Result struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Result{Code: 0, Message: "success", Data: data})
}

func fail(c *gin.Context, status int, err error, message string) {
	c.JSON(status, Result{Code: status, Message: message, Error: err.Error()})
}

func queryStrings(c *gin.Context, key string) []string {
	return c.QueryArray(key)
}

func queryIntDefault(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// Search handles GET /api/v1/search.
func (h *Handler) Search(c *gin.Context) {
	var vibe, ocr, tag *string
	if v := c.Query("vibe"); v != "" {
		vibe = &v
	}
	if v := c.Query("ocr"); v != "" {
		ocr = &v
	}
	if v := c.Query("tag"); v != "" {
		tag = &v
	}

	params := repository.SearchParams{
		VibeQuery:    vibe,
		OCRQuery:     ocr,
		LibrarySlugs: queryStrings(c, "library"),
		Types:        queryStrings(c, "type"),
		Tag:          tag,
		Limit:        queryIntDefault(c, "limit", 50),
	}

	result, err := h.Search.Query(c.Request.Context(), params)
	if err != nil {
		fail(c, http.StatusInternalServerError, err, "search failed")
		return
	}

	if result.Analyzing {
		c.Header("X-Library-Analyzing", "true")
	} else {
		c.Header("X-Library-Analyzing", "false")
	}
	ok(c, result.Hits)
}

// LibraryAssets handles GET /api/v1/libraries/:slug/assets.
func (h *Handler) LibraryAssets(c *gin.Context) {
	slug := c.Param("slug")
	sortKey := c.DefaultQuery("sort", "source_mtime")
	descending := c.DefaultQuery("order", "desc") != "asc"
	limit := queryIntDefault(c, "limit", 50)
	offset := queryIntDefault(c, "offset", 0)

	page, err := h.Search.ListLibraryAssets(c.Request.Context(), slug, sortKey, descending, limit, offset)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			fail(c, http.StatusNotFound, err, "library not found")
			return
		}
		fail(c, http.StatusInternalServerError, err, "list library assets failed")
		return
	}

	c.JSON(http.StatusOK, Result{
		Code:    0,
		Message: "success",
		Data: gin.H{
			"items":    page.Hits,
			"has_more": page.HasMore,
		},
	})
}

// Clip handles GET /api/v1/assets/:id/clip, redirecting to an on-disk MP4
// produced lazily on first request.
func (h *Handler) Clip(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		fail(c, http.StatusBadRequest, err, "invalid asset id")
		return
	}
	tsSeconds := queryIntDefault(c, "ts", 0)

	ctx := c.Request.Context()
	asset, err := h.Assets.GetAsset(ctx, id)
	if err != nil {
		if err == repository.ErrNotFound {
			fail(c, http.StatusNotFound, err, "asset not found")
			return
		}
		fail(c, http.StatusInternalServerError, err, "load asset failed")
		return
	}
	if asset.Type != dbtypes.AssetTypeVideo {
		fail(c, http.StatusBadRequest, fmt.Errorf("asset %d is not a video", id), "not a video asset")
		return
	}

	lib, err := h.Libraries.GetLibraryBySlug(ctx, asset.LibrarySlug)
	if err != nil {
		fail(c, http.StatusInternalServerError, err, "resolve library failed")
		return
	}

	relClip, err := h.ensureClip(ctx, lib.RootPath, asset.LibrarySlug, asset.RelPath, asset.ID, tsSeconds)
	if err != nil {
		fail(c, http.StatusInternalServerError, err, "produce clip failed")
		return
	}

	c.Redirect(http.StatusFound, "/media/"+relClip)
}

func clipName(tsSeconds int) string {
	if tsSeconds <= 0 {
		return "head_clip.mp4"
	}
	return fmt.Sprintf("clip_%d.mp4", tsSeconds)
}

// ensureClip produces the requested clip artifact if it isn't already on
// disk, returning its data_dir-relative path.
func (h *Handler) ensureClip(ctx context.Context, libraryRoot, librarySlug, assetRelPath string, assetID int64, tsSeconds int) (string, error) {
	name := clipName(tsSeconds)
	finalPath := h.Store.ClipPath(librarySlug, assetID, name)
	if _, err := os.Stat(finalPath); err == nil {
		rel, relErr := filepath.Rel(h.Store.DataDir, finalPath)
		if relErr != nil {
			return "", relErr
		}
		return rel, nil
	}

	srcPath, err := mediastore.ResolveSourcePath(libraryRoot, assetRelPath)
	if err != nil {
		return "", fmt.Errorf("resolve source: %w", err)
	}

	tmpDir := h.Store.TmpDir(librarySlug)
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir tmp dir: %w", err)
	}
	tmpPath := filepath.Join(tmpDir, fmt.Sprintf("clip-%d-%s", assetID, name))

	durationSeconds := DefaultClipDuration.Seconds()
	if tsSeconds <= 0 {
		err = videoscan.ExtractHeadClip(ctx, srcPath, tmpPath, durationSeconds)
	} else {
		err = videoscan.ExtractClipAt(ctx, srcPath, tmpPath, float64(tsSeconds), durationSeconds)
	}
	if err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("extract clip: %w", err)
	}

	return h.Store.FinalizeClip(tmpPath, librarySlug, assetID, name)
}
