// Package mediastore implements the sharded on-disk derivative layout:
// shard math, an atomic-write cascade, and never-upscale fitting, built
// on github.com/h2non/bimg.
package mediastore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/h2non/bimg"
)

const (
	// ProxyExtension is the on-disk suffix for the 768x768 WebP proxy.
	ProxyExtension = ".webp"
	// ThumbnailMaxDim bounds the derived thumbnail (never upscaled).
	ThumbnailMaxDim = 320
	// ProxyMaxDim bounds the proxy derived from source (never upscaled).
	ProxyMaxDim = 768
	// ShardModulus bounds directory fanout under each category.
	ShardModulus = 1000
)

// Category enumerates the derivative kinds under data_dir/<slug>/<category>.
type Category string

const (
	CategoryThumbnails Category = "thumbnails"
	CategoryProxies    Category = "proxies"
)

// Store resolves and writes derivative paths under a single data
// directory root.
type Store struct {
	DataDir string
}

func New(dataDir string) *Store {
	return &Store{DataDir: dataDir}
}

// ShardPath returns the absolute path for <category>/<id%1000>/<id>.<ext>
// under a library's derivative tree.
func (s *Store) ShardPath(librarySlug string, assetID int64, category Category, ext string) string {
	shard := assetID % ShardModulus
	return filepath.Join(s.DataDir, librarySlug, string(category), fmt.Sprintf("%d", shard), fmt.Sprintf("%d%s", assetID, ext))
}

// RelPath renders the DB-stored relative form of ShardPath (relative to DataDir).
func (s *Store) RelPath(librarySlug string, assetID int64, category Category, ext string) string {
	shard := assetID % ShardModulus
	return filepath.Join(librarySlug, string(category), fmt.Sprintf("%d", shard), fmt.Sprintf("%d%s", assetID, ext))
}

// SceneFramePath returns the absolute path for a scene's representative
// frame: video_scenes/<slug>/<id>/<start>_<end>.jpg.
func (s *Store) SceneFramePath(librarySlug string, assetID int64, startTS, endTS float64) string {
	name := fmt.Sprintf("%.3f_%.3f.jpg", startTS, endTS)
	return filepath.Join(s.DataDir, "video_scenes", librarySlug, fmt.Sprintf("%d", assetID), name)
}

// ClipPath returns the absolute path for a video clip artifact.
func (s *Store) ClipPath(librarySlug string, assetID int64, name string) string {
	return filepath.Join(s.DataDir, "video_clips", librarySlug, fmt.Sprintf("%d", assetID), name)
}

// TmpDir is the scratch area for in-progress transcodes, scoped per
// library when given.
func (s *Store) TmpDir(librarySlug string) string {
	if librarySlug == "" {
		return filepath.Join(s.DataDir, "tmp")
	}
	return filepath.Join(s.DataDir, "tmp", librarySlug)
}

// atomicWrite stages data to a sibling ".tmp" path and renames it into
// place on success, unlinking the temporary on any failure — the single
// write primitive every derivative writer uses.
func atomicWrite(destPath string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("mkdir derivative dir: %w", err)
	}
	tmpPath := destPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write temp derivative: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp derivative: %w", err)
	}
	return nil
}

// fitWithinNoUpscale computes bimg resize dimensions that fit within
// maxDim x maxDim without ever enlarging the source.
func fitWithinNoUpscale(width, height, maxDim int) (int, int) {
	if width <= maxDim && height <= maxDim {
		return width, height
	}
	if width >= height {
		newWidth := maxDim
		newHeight := int(float64(height) * float64(maxDim) / float64(width))
		return newWidth, newHeight
	}
	newHeight := maxDim
	newWidth := int(float64(width) * float64(maxDim) / float64(height))
	return newWidth, newHeight
}

// ProxyAndThumbnailResult carries the two derivative relative paths
// written by SaveProxyAndThumbnail.
type ProxyAndThumbnailResult struct {
	ProxyRelPath     string
	ThumbnailRelPath string
}

// SaveProxyAndThumbnail renders the derivative cascade: source ->
// proxy (<=768x768 WebP Q85, never upscaled) -> thumbnail (<=320x320
// JPEG Q85, derived from the proxy, never upscaled).
func (s *Store) SaveProxyAndThumbnail(librarySlug string, assetID int64, sourceBytes []byte) (ProxyAndThumbnailResult, error) {
	img := bimg.NewImage(sourceBytes)
	size, err := img.Size()
	if err != nil {
		return ProxyAndThumbnailResult{}, fmt.Errorf("read source dimensions: %w", err)
	}

	proxyW, proxyH := fitWithinNoUpscale(size.Width, size.Height, ProxyMaxDim)
	proxyBytes, err := img.Process(bimg.Options{
		Width:   proxyW,
		Height:  proxyH,
		Type:    bimg.WEBP,
		Quality: 85,
	})
	if err != nil {
		return ProxyAndThumbnailResult{}, fmt.Errorf("render proxy: %w", err)
	}

	proxyPath := s.ShardPath(librarySlug, assetID, CategoryProxies, ProxyExtension)
	if err := atomicWrite(proxyPath, proxyBytes); err != nil {
		return ProxyAndThumbnailResult{}, fmt.Errorf("save proxy: %w", err)
	}

	proxyImg := bimg.NewImage(proxyBytes)
	thumbW, thumbH := fitWithinNoUpscale(proxyW, proxyH, ThumbnailMaxDim)
	thumbBytes, err := proxyImg.Process(bimg.Options{
		Width:   thumbW,
		Height:  thumbH,
		Type:    bimg.JPEG,
		Quality: 85,
	})
	if err != nil {
		return ProxyAndThumbnailResult{}, fmt.Errorf("render thumbnail: %w", err)
	}

	thumbPath := s.ShardPath(librarySlug, assetID, CategoryThumbnails, ".jpg")
	if err := atomicWrite(thumbPath, thumbBytes); err != nil {
		return ProxyAndThumbnailResult{}, fmt.Errorf("save thumbnail: %w", err)
	}

	return ProxyAndThumbnailResult{
		ProxyRelPath:     s.RelPath(librarySlug, assetID, CategoryProxies, ProxyExtension),
		ThumbnailRelPath: s.RelPath(librarySlug, assetID, CategoryThumbnails, ".jpg"),
	}, nil
}

// SaveThumbnail renders just the thumbnail step of the cascade from
// already-decoded image bytes. The video proxy worker's poster frame
// has no proxy stage, only a thumbnail.
func (s *Store) SaveThumbnail(librarySlug string, assetID int64, sourceBytes []byte) (string, error) {
	img := bimg.NewImage(sourceBytes)
	size, err := img.Size()
	if err != nil {
		return "", fmt.Errorf("read poster dimensions: %w", err)
	}
	thumbW, thumbH := fitWithinNoUpscale(size.Width, size.Height, ThumbnailMaxDim)
	thumbBytes, err := img.Process(bimg.Options{Width: thumbW, Height: thumbH, Type: bimg.JPEG, Quality: 85})
	if err != nil {
		return "", fmt.Errorf("render poster thumbnail: %w", err)
	}
	thumbPath := s.ShardPath(librarySlug, assetID, CategoryThumbnails, ".jpg")
	if err := atomicWrite(thumbPath, thumbBytes); err != nil {
		return "", fmt.Errorf("save poster thumbnail: %w", err)
	}
	return s.RelPath(librarySlug, assetID, CategoryThumbnails, ".jpg"), nil
}

// FinalizeClip moves a worker's tmp-dir transcode output into its
// deterministic final location under video_clips/, returning
// the path relative to DataDir for storage on the asset row.
func (s *Store) FinalizeClip(tmpPath, librarySlug string, assetID int64, name string) (string, error) {
	dest := s.ClipPath(librarySlug, assetID, name)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("mkdir clip dir: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", fmt.Errorf("finalize clip: %w", err)
	}
	rel, err := filepath.Rel(s.DataDir, dest)
	if err != nil {
		return "", err
	}
	return rel, nil
}

// SaveSceneFrame writes a scene's representative frame (already-encoded
// JPEG bytes from the video pipeline) to its deterministic path.
func (s *Store) SaveSceneFrame(librarySlug string, assetID int64, startTS, endTS float64, jpegBytes []byte) (string, error) {
	path := s.SceneFramePath(librarySlug, assetID, startTS, endTS)
	if err := atomicWrite(path, jpegBytes); err != nil {
		return "", fmt.Errorf("save scene frame: %w", err)
	}
	rel, err := filepath.Rel(s.DataDir, path)
	if err != nil {
		return "", err
	}
	return rel, nil
}

// AbsPath resolves a DB-stored relative derivative path (as produced by
// RelPath) back to an absolute one, satisfying the minimal resolver
// surface AI workers depend on.
func (s *Store) AbsPath(relPath string) string {
	return filepath.Join(s.DataDir, relPath)
}

// ResolveSourcePath joins a library root with a rel_path, rejecting any
// traversal outside the root.
func ResolveSourcePath(libraryRoot, relPath string) (string, error) {
	full := filepath.Join(libraryRoot, relPath)
	cleanRoot := filepath.Clean(libraryRoot)
	cleanFull := filepath.Clean(full)
	if cleanFull != cleanRoot && !isWithin(cleanRoot, cleanFull) {
		return "", fmt.Errorf("mediastore: rel_path %q escapes library root", relPath)
	}
	return full, nil
}

func isWithin(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return len(rel) > 0 && rel[0] != '.' && filepath.IsAbs(rel) == false && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 2 && rel[0] == '.' && rel[1] == '.'
}

// DeleteDerivatives removes the proxy/thumbnail files plus the whole
// per-asset scene-frame and clip directories for an asset, tolerating
// already-missing files. Used by the missing-source reaper.
func (s *Store) DeleteDerivatives(librarySlug string, assetID int64) error {
	paths := []string{
		s.ShardPath(librarySlug, assetID, CategoryProxies, ProxyExtension),
		s.ShardPath(librarySlug, assetID, CategoryThumbnails, ".jpg"),
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete derivative %s: %w", p, err)
		}
	}
	dirs := []string{
		filepath.Join(s.DataDir, "video_scenes", librarySlug, fmt.Sprintf("%d", assetID)),
		filepath.Join(s.DataDir, "video_clips", librarySlug, fmt.Sprintf("%d", assetID)),
	}
	for _, d := range dirs {
		if err := os.RemoveAll(d); err != nil {
			return fmt.Errorf("delete derivative dir %s: %w", d, err)
		}
	}
	return nil
}
