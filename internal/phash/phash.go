// Package phash implements a from-scratch DCT-based perceptual hash at a
// 16-size (256-bit) resolution, matching the semantics of Python's
// imagehash.phash (hex_to_hash, Hamming distance over a 16-size hash). No
// Go library reimplements this exact DCT-phash scheme, so it is
// reimplemented here — see DESIGN.md for the justification.
package phash

import (
	"encoding/hex"
	"errors"
	"image"
	"image/color"
	"math"
	"sort"
)

const (
	// HashSize is the side length of the retained low-frequency DCT
	// block; the hash itself is HashSize*HashSize bits.
	HashSize = 16
	// highFreqFactor controls how much larger the DCT input is than the
	// retained block, matching imagehash's default.
	highFreqFactor = 4
	imgSize        = HashSize * highFreqFactor
)

// Hash is a packed bit-vector of HashSize*HashSize bits.
type Hash []byte

const hashBytes = (HashSize*HashSize + 7) / 8

// Compute derives the perceptual hash of an image frame.
func Compute(img image.Image) Hash {
	gray := grayscaleResize(img, imgSize, imgSize)
	dct := dct2D(gray, imgSize)

	block := make([]float64, 0, HashSize*HashSize)
	for y := 0; y < HashSize; y++ {
		for x := 0; x < HashSize; x++ {
			block = append(block, dct[y*imgSize+x])
		}
	}
	med := median(block)

	bits := make([]bool, len(block))
	for i, v := range block {
		bits[i] = v > med
	}
	return packBits(bits)
}

// HexString renders a Hash as a hex string for DB storage
// (video_active_state.anchor_phash).
func HexString(h Hash) string { return hex.EncodeToString(h) }

// FromHex parses a stored hex-encoded hash.
func FromHex(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != hashBytes {
		return nil, errors.New("phash: unexpected hash length")
	}
	return Hash(b), nil
}

// HammingDistance counts differing bits between two hashes of equal length.
func HammingDistance(a, b Hash) (int, error) {
	if len(a) != len(b) {
		return 0, errors.New("phash: hash length mismatch")
	}
	dist := 0
	for i := range a {
		x := a[i] ^ b[i]
		for x != 0 {
			dist += int(x & 1)
			x >>= 1
		}
	}
	return dist, nil
}

func packBits(bits []bool) Hash {
	out := make(Hash, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

func median(vals []float64) float64 {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// grayscaleResize nearest-neighbor resizes img to w x h and converts to
// luminance in [0,255]. Nearest-neighbor is sufficient here: the hash
// only needs to be stable frame-to-frame at a fixed decode resolution,
// not byte-identical to any particular reference implementation.
func grayscaleResize(img image.Image, w, h int) []float64 {
	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		sy := bounds.Min.Y + y*srcH/h
		for x := 0; x < w; x++ {
			sx := bounds.Min.X + x*srcW/w
			r, g, b, _ := img.At(sx, sy).RGBA()
			gray := color.GrayModel.Convert(color.RGBA64{R: uint16(r), G: uint16(g), B: uint16(b), A: 0xffff}).(color.Gray)
			out[y*w+x] = float64(gray.Y)
		}
	}
	return out
}

// dct2D computes a separable 2D DCT-II over an n x n matrix stored
// row-major, applied first along rows then along columns.
func dct2D(data []float64, n int) []float64 {
	rowPass := make([]float64, n*n)
	for y := 0; y < n; y++ {
		dct1D(data[y*n:y*n+n], rowPass[y*n:y*n+n], n)
	}
	colPass := make([]float64, n*n)
	col := make([]float64, n)
	outCol := make([]float64, n)
	for x := 0; x < n; x++ {
		for y := 0; y < n; y++ {
			col[y] = rowPass[y*n+x]
		}
		dct1D(col, outCol, n)
		for y := 0; y < n; y++ {
			colPass[y*n+x] = outCol[y]
		}
	}
	return colPass
}

// dct1D computes the orthonormal DCT-II of in into out, both length n.
func dct1D(in, out []float64, n int) {
	factor := math.Pi / float64(n)
	for k := 0; k < n; k++ {
		var sum float64
		for i := 0; i < n; i++ {
			sum += in[i] * math.Cos((float64(i)+0.5)*float64(k)*factor)
		}
		alpha := math.Sqrt(2.0 / float64(n))
		if k == 0 {
			alpha = math.Sqrt(1.0 / float64(n))
		}
		out[k] = sum * alpha
	}
}
