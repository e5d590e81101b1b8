package phash

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidImage(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestHammingDistanceIdentical(t *testing.T) {
	img := solidImage(64, 64, color.RGBA{R: 100, G: 120, B: 140, A: 255})
	h1 := Compute(img)
	h2 := Compute(img)
	dist, err := HammingDistance(h1, h2)
	require.NoError(t, err)
	assert.Equal(t, 0, dist)
}

func TestHammingDistanceDiffers(t *testing.T) {
	white := solidImage(64, 64, color.RGBA{R: 255, G: 255, B: 255, A: 255})
	checker := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			if (x/4+y/4)%2 == 0 {
				checker.Set(x, y, color.RGBA{R: 0, G: 0, B: 0, A: 255})
			} else {
				checker.Set(x, y, color.RGBA{R: 255, G: 255, B: 255, A: 255})
			}
		}
	}
	h1 := Compute(white)
	h2 := Compute(checker)
	dist, err := HammingDistance(h1, h2)
	require.NoError(t, err)
	assert.Greater(t, dist, 0)
}

func TestHexRoundTrip(t *testing.T) {
	img := solidImage(64, 64, color.RGBA{R: 10, G: 200, B: 30, A: 255})
	h := Compute(img)
	s := HexString(h)
	back, err := FromHex(s)
	require.NoError(t, err)
	assert.Equal(t, h, back)
}

func TestHammingDistanceLengthMismatch(t *testing.T) {
	_, err := HammingDistance(Hash{0x01}, Hash{0x01, 0x02})
	assert.Error(t, err)
}
