// Package videoscan wraps ffmpeg/ffprobe as subprocesses: a 1fps low-res
// frame-plus-PTS iterator for the scene segmenter, and the 720p proxy /
// poster / head-clip pipeline for the video proxy worker.
package videoscan

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// Info is the subset of ffprobe's format/stream metadata the pipeline needs.
type Info struct {
	DurationSeconds float64
	Width           int
	Height          int
	CodecName       string
}

type probeFormat struct {
	Duration string `json:"duration"`
}

type probeStream struct {
	CodecType string `json:"codec_type"`
	CodecName string `json:"codec_name"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

type probeOutput struct {
	Format  probeFormat   `json:"format"`
	Streams []probeStream `json:"streams"`
}

// Probe runs ffprobe and extracts duration/dimensions/codec.
func Probe(ctx context.Context, sourcePath string) (Info, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "quiet", "-print_format", "json", "-show_format", "-show_streams", sourcePath)
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb
	if err := cmd.Run(); err != nil {
		return Info{}, fmt.Errorf("ffprobe failed: %w: %s", err, tail(errb.String()))
	}

	var parsed probeOutput
	if err := json.Unmarshal(out.Bytes(), &parsed); err != nil {
		return Info{}, fmt.Errorf("parse ffprobe output: %w", err)
	}

	info := Info{}
	if d, err := strconv.ParseFloat(parsed.Format.Duration, 64); err == nil {
		info.DurationSeconds = d
	}
	for _, s := range parsed.Streams {
		if s.CodecType == "video" {
			info.Width = s.Width
			info.Height = s.Height
			info.CodecName = s.CodecName
			break
		}
	}
	return info, nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	lines := strings.Split(s, "\n")
	if len(lines) > 10 {
		lines = lines[len(lines)-10:]
	}
	return strings.Join(lines, "\n")
}

var ptsTimeRe = regexp.MustCompile(`pts_time:([0-9]+\.?[0-9]*)`)

// FrameIterator decodes a video at 1fps and 480px width,
// yielding (frame, pts) pairs parsed from ffmpeg's showinfo diagnostic
// stream. Frames arrive as decoded image.Image (JPEG-encoded over the
// pipe, decoded here) so the segmenter can run sharpness/hashing
// directly against pixels.
type FrameIterator struct {
	cmd     *exec.Cmd
	stdout  *bufio.Reader
	ptsCh   chan float64
	errCh   chan error
	pending []byte
	started bool
}

// NewFrameIterator starts the decode. When seekSeconds > 0 the decoder
// seeks there first, which is how the segmenter resumes a crashed run
// mid-video instead of re-decoding from the start.
func NewFrameIterator(ctx context.Context, sourcePath string, seekSeconds float64) (*FrameIterator, error) {
	args := []string{}
	if seekSeconds > 0 {
		args = append(args, "-ss", fmt.Sprintf("%.3f", seekSeconds))
	}
	args = append(args,
		"-i", sourcePath,
		"-vf", "fps=1,scale=480:-2,showinfo",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-",
	)
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("frame iterator stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("frame iterator stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	it := &FrameIterator{
		cmd:    cmd,
		stdout: bufio.NewReaderSize(stdout, 1<<20),
		ptsCh:  make(chan float64, 64),
		errCh:  make(chan error, 1),
	}

	go it.scanStderr(stderr)

	return it, nil
}

func (it *FrameIterator) scanStderr(r io.Reader) {
	defer close(it.ptsCh)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if m := ptsTimeRe.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				it.ptsCh <- v
			}
		}
	}
}

// Frame is one decoded frame and its presentation timestamp.
type Frame struct {
	Image image.Image
	PTS   float64
}

// ErrSyncError is returned when the decode side stalls: a frame was
// produced after the PTS stream had ended. PTS lines left over when the
// frame stream ends are not detected.
var ErrSyncError = fmt.Errorf("videoscan: frame/pts stream desynchronized")

// Next returns the next (frame, pts) pair, or io.EOF when the stream is
// exhausted cleanly.
func (it *FrameIterator) Next() (Frame, error) {
	jpegBytes, err := it.nextJPEG()
	if err != nil {
		return Frame{}, err
	}

	pts, ok := <-it.ptsCh
	if !ok {
		return Frame{}, ErrSyncError
	}

	img, err := jpeg.Decode(bytes.NewReader(jpegBytes))
	if err != nil {
		return Frame{}, fmt.Errorf("decode frame jpeg: %w", err)
	}
	return Frame{Image: img, PTS: pts}, nil
}

// Close waits for the ffmpeg process to exit and returns cmd.Wait's
// error; ffmpeg's diagnostic output is read for PTS parsing and is not
// attached to that error.
func (it *FrameIterator) Close() error {
	return it.cmd.Wait()
}

func (it *FrameIterator) nextJPEG() ([]byte, error) {
	var buf bytes.Buffer
	if len(it.pending) > 0 {
		buf.Write(it.pending)
		it.pending = nil
	} else if !it.started {
		if err := it.skipToSOI(); err != nil {
			return nil, err
		}
		buf.Write([]byte{0xFF, 0xD8})
		it.started = true
	}

	for {
		b, err := it.stdout.ReadByte()
		if err != nil {
			if err == io.EOF {
				if buf.Len() > 2 {
					return buf.Bytes(), nil
				}
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read frame stream: %w", err)
		}
		if b == 0xFF {
			next, err := it.stdout.Peek(1)
			if err == nil && len(next) == 1 && next[0] == 0xD8 {
				_, _ = it.stdout.Discard(1)
				it.pending = []byte{0xFF, 0xD8}
				return buf.Bytes(), nil
			}
		}
		buf.WriteByte(b)
	}
}

// TranscodeResult names the 720p intermediate's output path and whether
// the hardware encoder was used.
type TranscodeResult struct {
	OutputPath    string
	UsedHardware  bool
}

// TranscodeTo720p produces an H.264/AAC MP4 intermediate in tmpDir,
// preferring a hardware-accelerated encoder (h264_videotoolbox on macOS,
// h264_nvenc, or h264_qsv, tried in turn) and falling back to libx264 on
// failure.
func TranscodeTo720p(ctx context.Context, sourcePath, tmpDir string, width, height int) (TranscodeResult, error) {
	outWidth, outHeight := fitTo720p(width, height)
	outputPath := fmt.Sprintf("%s/proxy_%dx%d.mp4", tmpDir, outWidth, outHeight)

	hwEncoders := []string{"h264_videotoolbox", "h264_nvenc", "h264_qsv"}
	for _, enc := range hwEncoders {
		if err := runTranscode(ctx, sourcePath, outputPath, outWidth, outHeight, enc); err == nil {
			return TranscodeResult{OutputPath: outputPath, UsedHardware: true}, nil
		}
	}

	if err := runTranscode(ctx, sourcePath, outputPath, outWidth, outHeight, "libx264"); err != nil {
		return TranscodeResult{}, fmt.Errorf("transcode to 720p (libx264 fallback): %w", err)
	}
	return TranscodeResult{OutputPath: outputPath, UsedHardware: false}, nil
}

func fitTo720p(width, height int) (int, int) {
	const maxHeight = 720
	if height <= maxHeight {
		return evenify(width), evenify(height)
	}
	aspect := float64(width) / float64(height)
	newWidth := int(float64(maxHeight) * aspect)
	return evenify(newWidth), maxHeight
}

func evenify(v int) int {
	if v%2 != 0 {
		return v - 1
	}
	return v
}

func runTranscode(ctx context.Context, sourcePath, outputPath string, width, height int, encoder string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-i", sourcePath,
		"-c:v", encoder,
		"-vf", fmt.Sprintf("scale=%d:%d", width, height),
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		"-y",
		outputPath,
	)
	var errb bytes.Buffer
	cmd.Stderr = &errb
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg %s: %w: %s", encoder, err, tail(errb.String()))
	}
	return nil
}

// ExtractPosterFrame grabs a single JPEG frame at t=0 for use as the
// thumbnail source.
func ExtractPosterFrame(ctx context.Context, sourcePath, outputPath string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-ss", "00:00:00",
		"-i", sourcePath,
		"-vframes", "1",
		"-q:v", "2",
		"-y",
		outputPath,
	)
	var errb bytes.Buffer
	cmd.Stderr = &errb
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("extract poster frame: %w: %s", err, tail(errb.String()))
	}
	return nil
}

// ExtractHeadClip extracts the first ~durationSeconds of the source,
// stream-copying when possible for speed and falling back to a
// re-encode when copy fails (e.g. the source's first keyframe is later
// than the clip boundary), for the library browser's hover preview
//.
func ExtractHeadClip(ctx context.Context, sourcePath, outputPath string, durationSeconds float64) error {
	copyArgs := []string{
		"-i", sourcePath,
		"-t", fmt.Sprintf("%.2f", durationSeconds),
		"-c", "copy",
		"-y",
		outputPath,
	}
	if err := exec.CommandContext(ctx, "ffmpeg", copyArgs...).Run(); err == nil {
		return nil
	}

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-i", sourcePath,
		"-t", fmt.Sprintf("%.2f", durationSeconds),
		"-c:v", "libx264",
		"-c:a", "aac",
		"-y",
		outputPath,
	)
	var errb bytes.Buffer
	cmd.Stderr = &errb
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("extract head clip: %w: %s", err, tail(errb.String()))
	}
	return nil
}

// ExtractClipAt extracts durationSeconds of the source starting at
// startSeconds, for the clip-redirect endpoint's timestamped scrub clips
// (named clip_<int_ts>.mp4 on disk). Same stream-copy-then-reencode cascade
// as ExtractHeadClip, just seeked.
func ExtractClipAt(ctx context.Context, sourcePath, outputPath string, startSeconds, durationSeconds float64) error {
	copyArgs := []string{
		"-ss", fmt.Sprintf("%.2f", startSeconds),
		"-i", sourcePath,
		"-t", fmt.Sprintf("%.2f", durationSeconds),
		"-c", "copy",
		"-y",
		outputPath,
	}
	if err := exec.CommandContext(ctx, "ffmpeg", copyArgs...).Run(); err == nil {
		return nil
	}

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-ss", fmt.Sprintf("%.2f", startSeconds),
		"-i", sourcePath,
		"-t", fmt.Sprintf("%.2f", durationSeconds),
		"-c:v", "libx264",
		"-c:a", "aac",
		"-y",
		outputPath,
	)
	var errb bytes.Buffer
	cmd.Stderr = &errb
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("extract clip at %.2fs: %w: %s", startSeconds, err, tail(errb.String()))
	}
	return nil
}

func (it *FrameIterator) skipToSOI() error {
	for {
		b, err := it.stdout.ReadByte()
		if err != nil {
			return err
		}
		if b != 0xFF {
			continue
		}
		next, err := it.stdout.Peek(1)
		if err == nil && len(next) == 1 && next[0] == 0xD8 {
			_, _ = it.stdout.Discard(1)
			return nil
		}
	}
}
