// Package segmenter implements the video scene segmenter,
// ported from original_source/src/video/scene_segmenter.py's generator
// state machine into the pull-based iterator shape the REDESIGN FLAGS
// section calls for: Run drives a FrameSource and calls back with an
// Emission sum type over {scene only, scene+state, state only, none},
// leaving the single-transaction DB write (repository.SaveSceneAndUpdateState)
// to the caller.
package segmenter

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"

	"github.com/agnivade/levenshtein"

	"mediaindex/internal/phash"
	"mediaindex/internal/videoscan"
)

const (
	// PhashThreshold is the Hamming-distance drift trigger.
	PhashThreshold = 51
	// DebounceSeconds bounds how soon after a scene opens phash drift is honored.
	DebounceSeconds = 3.0
	// TemporalCeilingSeconds bounds maximum scene length.
	TemporalCeilingSeconds = 30.0
	// WarmupSkipFrames discards decode warm-up / motion-blur frames from
	// best-frame contention right after a scene opens.
	WarmupSkipFrames = 2
	// SemanticDuplicateRatio is the token-set-ratio threshold above which
	// consecutive scene descriptions are flagged semantic_duplicate.
	SemanticDuplicateRatio = 85
)

// Version is the segmentation_version persisted on each video asset;
// mismatch against the asset's stored value invalidates its scenes.
func Version() int {
	return PhashThreshold*10000 + int(DebounceSeconds*1000)
}

// KeepReason is why a scene closed.
type KeepReason string

const (
	KeepReasonTemporal KeepReason = "temporal"
	KeepReasonPhash     KeepReason = "phash"
	KeepReasonForced    KeepReason = "forced"
)

// ClosedScene is one finished scene, ready for persistence.
type ClosedScene struct {
	StartTS       float64
	EndTS         float64
	KeepReason    KeepReason
	BestFrame     image.Image
	BestFramePTS  float64
	BestSharpness float64
}

// ActiveState mirrors the video_active_state row: the in-flight scene's
// anchor hash, start, and a sentinel best-frame pair that is written once
// at scene-open time and never updated mid-scene (the design resume contract).
type ActiveState struct {
	AnchorPHash   phash.Hash
	SceneStartTS  float64
	BestPTS       float64
	BestSharpness float64
}

// EmissionKind selects which of the four emission shapes a step produced.
type EmissionKind int

const (
	EmissionNone EmissionKind = iota
	EmissionSceneAndState
	EmissionSceneEOF
	EmissionStateOnly
)

// Emission is what Run hands to its callback once per frame boundary that
// produces persistable work (the design "Emission protocol").
type Emission struct {
	Kind  EmissionKind
	Scene *ClosedScene
	State *ActiveState
}

// FrameSource yields decoded frames with PTS; videoscan.FrameIterator
// satisfies this.
type FrameSource interface {
	Next() (videoscan.Frame, error)
}

// ResumeInfo carries the two resume inputs named by the design: the max
// persisted end_ts across an asset's scenes, and its active-state row.
type ResumeInfo struct {
	MaxEndTS *float64
	Active   *ActiveState
}

// ErrInterrupted is raised when the caller-supplied cancellation check
// trips at a frame boundary (the design "Interruption").
var ErrInterrupted = errors.New("segmenter: interrupted")

type engineState struct {
	open            bool
	anchor          phash.Hash
	sceneStart      float64
	framesSinceOpen int
	bestFrame       videoscan.Frame
	haveBestFrame   bool
	bestSharpness   float64
	lastFrame       videoscan.Frame
	haveLast        bool
}

func (s *engineState) closeSceneAt(endTS float64, reason KeepReason) *ClosedScene {
	scene := &ClosedScene{
		StartTS:       s.sceneStart,
		EndTS:         endTS,
		KeepReason:    reason,
		BestSharpness: s.bestSharpness,
	}
	if s.haveBestFrame {
		scene.BestFrame = s.bestFrame.Image
		scene.BestFramePTS = s.bestFrame.PTS
	} else {
		// No frame survived the warm-up skip (e.g. a scene shorter than
		// WarmupSkipFrames+1 frames): fall back to the closing frame.
		scene.BestFrame = s.lastFrame.Image
		scene.BestFramePTS = s.lastFrame.PTS
	}
	return scene
}

// Run drives frames to completion, calling emit for every frame boundary
// that needs persistence and returning once the source reaches a clean
// EOF, is interrupted, or errors.
//
// durationSeconds is the source's total duration from ffprobe, used for
// the EOF end-time extension (the design "EOF end-time extension"); pass 0
// when unknown.
func Run(ctx context.Context, frames FrameSource, resume ResumeInfo, durationSeconds float64, cancelled func() bool, emit func(Emission) error) error {
	state := &engineState{bestSharpness: -1}
	var pending *videoscan.Frame

	if resume.MaxEndTS != nil || resume.Active != nil {
		target := 0.0
		if resume.MaxEndTS != nil {
			target = *resume.MaxEndTS
		}
		for {
			if cancelled() {
				return ErrInterrupted
			}
			f, err := frames.Next()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return fmt.Errorf("segmenter resume discard: %w", err)
			}
			if f.PTS >= target {
				pending = &f
				break
			}
		}
		if resume.Active != nil {
			state.open = true
			state.anchor = resume.Active.AnchorPHash
			state.sceneStart = resume.Active.SceneStartTS
			state.framesSinceOpen = 0
			state.bestSharpness = -1
			state.haveBestFrame = false
		}
	}

	for {
		var frame videoscan.Frame
		if pending != nil {
			frame = *pending
			pending = nil
		} else {
			if cancelled() {
				return ErrInterrupted
			}
			f, err := frames.Next()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return finalizeEOF(state, durationSeconds, emit)
				}
				if errors.Is(err, videoscan.ErrSyncError) && state.open && state.haveLast {
					scene := state.closeSceneAt(state.lastFrame.PTS, KeepReasonForced)
					if emitErr := emit(Emission{Kind: EmissionSceneEOF, Scene: scene}); emitErr != nil {
						return emitErr
					}
				}
				return err
			}
			frame = f
		}

		if err := step(state, frame, emit); err != nil {
			return err
		}
	}
}

func step(state *engineState, frame videoscan.Frame, emit func(Emission) error) error {
	state.lastFrame = frame
	state.haveLast = true

	if !state.open {
		h := phash.Compute(frame.Image)
		state.open = true
		state.anchor = h
		state.sceneStart = frame.PTS
		state.framesSinceOpen = 0
		state.bestSharpness = -1
		state.haveBestFrame = false
		return emit(Emission{
			Kind: EmissionStateOnly,
			State: &ActiveState{
				AnchorPHash:   h,
				SceneStartTS:  frame.PTS,
				BestPTS:       frame.PTS,
				BestSharpness: -1,
			},
		})
	}

	state.framesSinceOpen++
	if state.framesSinceOpen >= WarmupSkipFrames {
		sharp := laplacianVarianceSharpness(frame.Image)
		if sharp > state.bestSharpness {
			state.bestSharpness = sharp
			state.bestFrame = frame
			state.haveBestFrame = true
		}
	}

	elapsed := frame.PTS - state.sceneStart
	h := phash.Compute(frame.Image)

	var reason KeepReason
	closed := false
	switch {
	case elapsed >= TemporalCeilingSeconds:
		closed, reason = true, KeepReasonTemporal
	default:
		dist, err := phash.HammingDistance(state.anchor, h)
		if err != nil {
			return fmt.Errorf("segmenter: compare anchor hash: %w", err)
		}
		if dist > PhashThreshold && elapsed >= DebounceSeconds {
			closed, reason = true, KeepReasonPhash
		}
	}

	if !closed {
		return emit(Emission{Kind: EmissionNone})
	}

	scene := state.closeSceneAt(frame.PTS, reason)

	state.anchor = h
	state.sceneStart = frame.PTS
	state.framesSinceOpen = 0
	state.bestSharpness = -1
	state.haveBestFrame = false

	return emit(Emission{
		Kind:  EmissionSceneAndState,
		Scene: scene,
		State: &ActiveState{
			AnchorPHash:   h,
			SceneStartTS:  frame.PTS,
			BestPTS:       frame.PTS,
			BestSharpness: -1,
		},
	})
}

func finalizeEOF(state *engineState, durationSeconds float64, emit func(Emission) error) error {
	if !state.open {
		return nil
	}
	endTS := state.lastFrame.PTS
	if durationSeconds > endTS {
		endTS = durationSeconds
	}
	scene := state.closeSceneAt(endTS, KeepReasonForced)
	return emit(Emission{Kind: EmissionSceneEOF, Scene: scene})
}

// laplacianVarianceSharpness is the best-frame selection metric:
// grayscale the frame, convolve a 3x3 Laplacian kernel, and return the
// variance of the response. No available library computes this; see
// DESIGN.md for why it stays hand-rolled stdlib.
func laplacianVarianceSharpness(img image.Image) float64 {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w < 3 || h < 3 {
		return 0
	}
	gray := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			c := color.GrayModel.Convert(color.RGBA64{R: uint16(r), G: uint16(g), B: uint16(b), A: 0xffff}).(color.Gray)
			gray[y*w+x] = float64(c.Y)
		}
	}

	n := (w - 2) * (h - 2)
	if n <= 0 {
		return 0
	}
	var sum, sumSq float64
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			v := gray[y*w+x]*-4 + gray[(y-1)*w+x] + gray[(y+1)*w+x] + gray[y*w+x-1] + gray[y*w+x+1]
			sum += v
			sumSq += v * v
		}
	}
	mean := sum / float64(n)
	return sumSq/float64(n) - mean*mean
}

// TokenSetRatio is a simplified take on fuzzywuzzy's token_set_ratio using
// github.com/agnivade/levenshtein as the underlying edit-distance
// primitive: tokenize, dedupe and sort each side, join the tokens, then
// score the normalized Levenshtein similarity (0-100) of the two joined
// strings. No separate shared-token intersection is compared. Used for the
// semantic-duplicate flag on consecutive scene descriptions.
func TokenSetRatio(a, b string) int {
	ta := sortedUniqueTokens(a)
	tb := sortedUniqueTokens(b)
	sa := joinTokens(ta)
	sb := joinTokens(tb)
	if sa == "" && sb == "" {
		return 100
	}
	dist := levenshtein.ComputeDistance(sa, sb)
	maxLen := len(sa)
	if len(sb) > maxLen {
		maxLen = len(sb)
	}
	if maxLen == 0 {
		return 100
	}
	ratio := (1.0 - float64(dist)/float64(maxLen)) * 100.0
	if ratio < 0 {
		ratio = 0
	}
	return int(ratio)
}

func sortedUniqueTokens(s string) []string {
	seen := map[string]bool{}
	var out []string
	var cur []rune
	flush := func() {
		if len(cur) == 0 {
			return
		}
		tok := string(cur)
		cur = cur[:0]
		if !seen[tok] {
			seen[tok] = true
			out = append(out, tok)
		}
	}
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' {
			flush()
			continue
		}
		cur = append(cur, toLowerRune(r))
	}
	flush()
	sortStrings(out)
	return out
}

func toLowerRune(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func joinTokens(tokens []string) string {
	out := ""
	for i, t := range tokens {
		if i > 0 {
			out += " "
		}
		out += t
	}
	return out
}
