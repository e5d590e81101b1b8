// Package rawproxy decodes camera-RAW source files into a regular image
// byte stream the media store's bimg cascade can process, preferring an
// embedded preview when present over a full demosaic. Reimplemented
// without libraw's cgo binding: embedded-JPEG-preview scanning uses a
// magic-byte/JPEG-marker scan, and the full-demosaic fallback shells out
// to dcraw.
package rawproxy

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Extensions are the camera-RAW and RAW-adjacent extensions that need this
// package's decode path instead of bimg's direct load. The scanner
// classifies only .dng, .cr2, .cr3, .nef, .arw and .raf of these as
// images; files with the other extensions are not discovered.
var Extensions = map[string]bool{
	".cr2": true, ".cr3": true, ".nef": true, ".arw": true, ".dng": true,
	".orf": true, ".rw2": true, ".pef": true, ".raf": true, ".mrw": true,
	".srw": true, ".rwl": true, ".x3f": true,
}

// IsRaw reports whether path's extension names a camera-RAW format.
func IsRaw(path string) bool {
	return Extensions[strings.ToLower(filepath.Ext(path))]
}

// jpegSOI/EOI mark the boundaries of an embedded preview JPEG stream
// inside a RAW container (TIFF-based formats embed a full JPEG).
var jpegSOI = []byte{0xFF, 0xD8, 0xFF}
var jpegEOI = []byte{0xFF, 0xD9}

// minEmbeddedPreviewBytes discards tiny embedded thumbnails (EXIF
// thumbnail, not a usable preview) in favor of the full demosaic.
const minEmbeddedPreviewBytes = 50 * 1024

// ExtractEmbeddedPreview scans raw for the largest embedded JPEG stream,
// matching raw_detector.go's magic-byte scan generalized to "biggest
// SOI..EOI run found", since RAW containers may embed more than one
// preview size and the pipeline wants the largest.
func ExtractEmbeddedPreview(raw []byte) ([]byte, bool) {
	var best []byte
	start := 0
	for {
		soi := bytes.Index(raw[start:], jpegSOI)
		if soi < 0 {
			break
		}
		soi += start
		eoi := bytes.Index(raw[soi:], jpegEOI)
		if eoi < 0 {
			break
		}
		end := soi + eoi + len(jpegEOI)
		if end-soi > len(best) {
			best = raw[soi:end]
		}
		start = end
	}
	if len(best) < minEmbeddedPreviewBytes {
		return nil, false
	}
	return best, true
}

// Decode produces a bimg-loadable byte stream from RAW source bytes:
// embedded JPEG preview first, full demosaic via dcraw
// otherwise. The demosaic path yields a PPM stream, which bimg/libvips
// loads directly — no re-encode needed before handing off to
// mediastore's proxy cascade.
func Decode(ctx context.Context, sourceBytes []byte) ([]byte, error) {
	if preview, ok := ExtractEmbeddedPreview(sourceBytes); ok {
		return preview, nil
	}
	return decodeWithDcraw(ctx, sourceBytes)
}

// decodeWithDcraw shells out to dcraw for the full-demosaic fallback,
// grounded on raw_processor.go's processWithDcraw: dcraw needs a real
// file path (some builds reject stdin "-"), so the bytes are staged to a
// temp file first.
func decodeWithDcraw(ctx context.Context, sourceBytes []byte) ([]byte, error) {
	if _, err := exec.LookPath("dcraw"); err != nil {
		return nil, fmt.Errorf("rawproxy: dcraw not found: %w", err)
	}

	tmp, err := os.CreateTemp("", "rawproxy-*.raw")
	if err != nil {
		return nil, fmt.Errorf("rawproxy: stage temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(sourceBytes); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("rawproxy: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("rawproxy: close temp file: %w", err)
	}

	cmd := exec.CommandContext(ctx, "dcraw", "-c", "-q", "3", "-w", tmp.Name())
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("rawproxy: dcraw failed: %w: %s", err, strings.TrimSpace(errb.String()))
	}
	if out.Len() == 0 {
		return nil, fmt.Errorf("rawproxy: dcraw produced no output")
	}
	return out.Bytes(), nil
}
