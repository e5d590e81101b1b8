package segmenter

import (
	"context"
	"image"
	"image/color"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediaindex/internal/phash"
	"mediaindex/internal/videoscan"
)

// fakeSource replays a fixed slice of frames, built from solid-color
// images so that phash drift is controlled precisely by color choice.
type fakeSource struct {
	frames []videoscan.Frame
	idx    int
}

func (f *fakeSource) Next() (videoscan.Frame, error) {
	if f.idx >= len(f.frames) {
		return videoscan.Frame{}, io.EOF
	}
	fr := f.frames[f.idx]
	f.idx++
	return fr, nil
}

func solid(c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func checkerboard() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			if (x/4+y/4)%2 == 0 {
				img.Set(x, y, color.RGBA{R: 0, G: 0, B: 0, A: 255})
			} else {
				img.Set(x, y, color.RGBA{R: 255, G: 255, B: 255, A: 255})
			}
		}
	}
	return img
}

func buildTwoSceneFrames() []videoscan.Frame {
	white := solid(color.RGBA{R: 255, G: 255, B: 255, A: 255})
	flip := checkerboard()
	frames := make([]videoscan.Frame, 0, 10)
	for pts := 0; pts < 10; pts++ {
		img := white
		if float64(pts) >= 4.0 {
			img = flip
		}
		frames = append(frames, videoscan.Frame{Image: img, PTS: float64(pts)})
	}
	return frames
}

func notCancelled() bool { return false }

func TestTwoSceneRun(t *testing.T) {
	src := &fakeSource{frames: buildTwoSceneFrames()}

	var emissions []Emission
	err := Run(context.Background(), src, ResumeInfo{}, 9.0, notCancelled, func(e Emission) error {
		emissions = append(emissions, e)
		return nil
	})
	require.NoError(t, err)

	var scenes []*ClosedScene
	for _, e := range emissions {
		if e.Scene != nil {
			scenes = append(scenes, e.Scene)
		}
	}
	require.Len(t, scenes, 2)

	assert.Equal(t, 0.0, scenes[0].StartTS)
	assert.Equal(t, 4.0, scenes[0].EndTS)
	assert.Equal(t, KeepReasonPhash, scenes[0].KeepReason)

	assert.Equal(t, 4.0, scenes[1].StartTS)
	assert.Equal(t, 9.0, scenes[1].EndTS)
	assert.Equal(t, KeepReasonForced, scenes[1].KeepReason)

	// No leftover active state: the final emission must be the EOF shape.
	last := emissions[len(emissions)-1]
	assert.Equal(t, EmissionSceneEOF, last.Kind)
	assert.Nil(t, last.State)
}

func TestCrashSafeResume(t *testing.T) {
	full := buildTwoSceneFrames()
	// Simulate the decoder re-seeking to max(0, 4.0-2.0)=2.0: the fake
	// source starts there directly since it has no real seek mechanism.
	var resumed []videoscan.Frame
	for _, f := range full {
		if f.PTS >= 2.0 {
			resumed = append(resumed, f)
		}
	}
	src := &fakeSource{frames: resumed}

	maxEnd := 4.0
	anchorAtFour := phash.Compute(checkerboard())
	active := &ActiveState{
		AnchorPHash:   anchorAtFour,
		SceneStartTS:  4.0,
		BestPTS:       4.0,
		BestSharpness: -1,
	}

	var emissions []Emission
	err := Run(context.Background(), src, ResumeInfo{MaxEndTS: &maxEnd, Active: active}, 9.0, notCancelled, func(e Emission) error {
		emissions = append(emissions, e)
		return nil
	})
	require.NoError(t, err)

	var scenes []*ClosedScene
	for _, e := range emissions {
		if e.Scene != nil {
			scenes = append(scenes, e.Scene)
		}
	}
	require.Len(t, scenes, 1)
	assert.Equal(t, 4.0, scenes[0].StartTS)
	assert.Equal(t, 9.0, scenes[0].EndTS)
	assert.Equal(t, KeepReasonForced, scenes[0].KeepReason)
}
