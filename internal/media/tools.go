package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/yungbote/lectern-backend/internal/platform/ctxutil"
	"github.com/yungbote/lectern-backend/internal/platform/logger"
)

// Tools is the glue around the system binaries the pipeline depends on.
//
// REQUIRED BINARIES in the worker runtime:
// - ffmpeg for audio encode/slice/concat, silence detection, muxing, frames
// - ffprobe for durations
// - manim (and therefore python3) for scene rendering
//
// Everything here is synchronous and deterministic; call it from pipeline
// goroutines, not request handlers.
type Tools interface {
	AssertReady(ctx context.Context) error
	CheckTools(ctx context.Context) map[string]error

	ProbeDuration(ctx context.Context, path string) (float64, error)

	EncodePCMToMP3(ctx context.Context, pcm []byte, sampleRate int, outPath string) error
	SilentAudio(ctx context.Context, durationSec float64, outPath string) error
	SliceAudio(ctx context.Context, srcPath string, startSec, durationSec float64, outPath string) error
	ConcatAudio(ctx context.Context, inputs []string, outPath string) error
	DetectSilences(ctx context.Context, audioPath string, noiseDB float64, minDurationSec float64) ([]Silence, error)

	ConcatVideos(ctx context.Context, listPath string, outPath string) error
	MuxAudioVideo(ctx context.Context, videoPath, audioPath, outPath string) error
	ExtractFrame(ctx context.Context, videoPath string, atSec float64, outPath string) error
	ExtractKeyframes(ctx context.Context, videoPath string, timestamps []float64, outDir string) ([]string, error)

	// Helper for callers who only have bytes:
	WriteTempFile(ctx context.Context, data []byte, suffix string) (string, func(), error)
}

// Silence is one detected quiet span in an audio file.
type Silence struct {
	Start    float64
	End      float64
	Duration float64
}

func (s Silence) Midpoint() float64 { return (s.Start + s.End) / 2 }

type tools struct {
	log *logger.Logger

	ffmpegPath  string
	ffprobePath string
	manimPath   string
	pythonPath  string

	workRoot string

	defaultTimeout time.Duration
}

func New(log *logger.Logger) Tools {
	return &tools{
		log:            log.With("service", "MediaTools"),
		ffmpegPath:     "ffmpeg",
		ffprobePath:    "ffprobe",
		manimPath:      "manim",
		pythonPath:     "python3",
		workRoot:       "/tmp/lectern-media",
		defaultTimeout: 10 * time.Minute,
	}
}

func (m *tools) AssertReady(ctx context.Context) error {
	ctx = ctxutil.Default(ctx)
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, bin := range []string{m.ffmpegPath, m.ffprobePath, m.manimPath} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("missing required binary %q in PATH: %w", bin, err)
		}
	}
	if err := os.MkdirAll(m.workRoot, 0o755); err != nil {
		return fmt.Errorf("create workRoot: %w", err)
	}
	return nil
}

// CheckTools probes every binary individually so startup can report exactly
// what is missing instead of failing on the first.
func (m *tools) CheckTools(ctx context.Context) map[string]error {
	ctx = ctxutil.Default(ctx)
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	out := map[string]error{}
	for _, bin := range []string{m.ffmpegPath, m.ffprobePath, m.manimPath, m.pythonPath} {
		if _, err := exec.LookPath(bin); err != nil {
			out[bin] = fmt.Errorf("not in PATH: %w", err)
			continue
		}
		cmd := exec.CommandContext(ctx, bin, "--version")
		if err := cmd.Run(); err != nil {
			out[bin] = fmt.Errorf("--version failed: %w", err)
			continue
		}
		out[bin] = nil
	}
	return out
}

func (m *tools) WriteTempFile(ctx context.Context, data []byte, suffix string) (string, func(), error) {
	_ = ctxutil.Default(ctx)
	if err := os.MkdirAll(m.workRoot, 0o755); err != nil {
		return "", func() {}, fmt.Errorf("mkdir workRoot: %w", err)
	}
	h := sha256.Sum256(data)
	base := hex.EncodeToString(h[:])[:16]
	if suffix != "" && !strings.HasPrefix(suffix, ".") {
		suffix = "." + suffix
	}
	path := filepath.Join(m.workRoot, fmt.Sprintf("%s%s", base, suffix))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", func() {}, fmt.Errorf("write temp file: %w", err)
	}
	cleanup := func() { _ = os.Remove(path) }
	return path, cleanup, nil
}

func (m *tools) ProbeDuration(ctx context.Context, path string) (float64, error) {
	ctx = ctxutil.Default(ctx)
	if path == "" {
		return 0, fmt.Errorf("path required")
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w; out=%s", err, string(out))
	}
	dur, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil || dur < 0 {
		return 0, fmt.Errorf("ffprobe returned unparseable duration %q", strings.TrimSpace(string(out)))
	}
	return dur, nil
}

func (m *tools) EncodePCMToMP3(ctx context.Context, pcm []byte, sampleRate int, outPath string) error {
	ctx = ctxutil.Default(ctx)
	if len(pcm) == 0 {
		return fmt.Errorf("pcm data required")
	}
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("mkdir outPath dir: %w", err)
	}

	tmp, cleanup, err := m.WriteTempFile(ctx, pcm, ".pcm")
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(ctx, m.defaultTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.ffmpegPath,
		"-y",
		"-f", "s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", "1",
		"-i", tmp,
		"-codec:a", "libmp3lame",
		"-b:a", "128k",
		outPath,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg pcm encode failed: %w; out=%s", err, tail(string(out), 400))
	}
	return verifyOutput(outPath)
}

func (m *tools) SilentAudio(ctx context.Context, durationSec float64, outPath string) error {
	ctx = ctxutil.Default(ctx)
	if durationSec <= 0 {
		return fmt.Errorf("durationSec must be > 0")
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("mkdir outPath dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.defaultTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.ffmpegPath,
		"-y",
		"-f", "lavfi",
		"-i", "anullsrc=r=24000:cl=mono",
		"-t", formatSeconds(durationSec),
		"-codec:a", "libmp3lame",
		"-b:a", "128k",
		outPath,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg silence failed: %w; out=%s", err, tail(string(out), 400))
	}
	return verifyOutput(outPath)
}

func (m *tools) SliceAudio(ctx context.Context, srcPath string, startSec, durationSec float64, outPath string) error {
	ctx = ctxutil.Default(ctx)
	if srcPath == "" {
		return fmt.Errorf("srcPath required")
	}
	if durationSec <= 0 {
		return fmt.Errorf("durationSec must be > 0")
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("mkdir outPath dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.defaultTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.ffmpegPath,
		"-y",
		"-i", srcPath,
		"-ss", formatSeconds(startSec),
		"-t", formatSeconds(durationSec),
		"-c", "copy",
		outPath,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg slice failed: %w; out=%s", err, tail(string(out), 400))
	}
	return verifyOutput(outPath)
}

func (m *tools) ConcatAudio(ctx context.Context, inputs []string, outPath string) error {
	ctx = ctxutil.Default(ctx)
	if len(inputs) == 0 {
		return fmt.Errorf("inputs required")
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("mkdir outPath dir: %w", err)
	}

	list, cleanup, err := m.WriteTempFile(ctx, []byte(BuildConcatList(inputs)), ".txt")
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(ctx, m.defaultTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.ffmpegPath,
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", list,
		"-c", "copy",
		outPath,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg audio concat failed: %w; out=%s", err, tail(string(out), 400))
	}
	return verifyOutput(outPath)
}

func (m *tools) DetectSilences(ctx context.Context, audioPath string, noiseDB float64, minDurationSec float64) ([]Silence, error) {
	ctx = ctxutil.Default(ctx)
	if audioPath == "" {
		return nil, fmt.Errorf("audioPath required")
	}
	if noiseDB >= 0 {
		noiseDB = -35
	}
	if minDurationSec <= 0 {
		minDurationSec = 0.3
	}

	ctx, cancel := context.WithTimeout(ctx, m.defaultTimeout)
	defer cancel()

	filter := fmt.Sprintf("silencedetect=noise=%.0fdB:d=%s", noiseDB, formatSeconds(minDurationSec))
	cmd := exec.CommandContext(ctx, m.ffmpegPath,
		"-i", audioPath,
		"-af", filter,
		"-f", "null",
		"-",
	)
	// silencedetect reports on stderr; the null muxer writes nothing.
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg silencedetect failed: %w; out=%s", err, tail(string(out), 400))
	}
	return ParseSilences(string(out)), nil
}

var (
	silenceStartRe = regexp.MustCompile(`silence_start:\s*([0-9]+(?:\.[0-9]+)?)`)
	silenceEndRe   = regexp.MustCompile(`silence_end:\s*([0-9]+(?:\.[0-9]+)?)\s*\|\s*silence_duration:\s*([0-9]+(?:\.[0-9]+)?)`)
)

// ParseSilences pairs silence_start lines with the silence_end lines that
// follow them. A trailing unmatched start (file ends quiet) is dropped; the
// split logic never needs the tail pause.
func ParseSilences(ffmpegOutput string) []Silence {
	var out []Silence
	var openStart *float64
	for _, line := range strings.Split(ffmpegOutput, "\n") {
		if m := silenceStartRe.FindStringSubmatch(line); m != nil {
			v, err := strconv.ParseFloat(m[1], 64)
			if err == nil {
				openStart = &v
			}
			continue
		}
		if m := silenceEndRe.FindStringSubmatch(line); m != nil && openStart != nil {
			end, err1 := strconv.ParseFloat(m[1], 64)
			dur, err2 := strconv.ParseFloat(m[2], 64)
			if err1 == nil && err2 == nil && end > *openStart {
				out = append(out, Silence{Start: *openStart, End: end, Duration: dur})
			}
			openStart = nil
		}
	}
	return out
}

func (m *tools) ConcatVideos(ctx context.Context, listPath string, outPath string) error {
	ctx = ctxutil.Default(ctx)
	if listPath == "" {
		return fmt.Errorf("listPath required")
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("mkdir outPath dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.defaultTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.ffmpegPath,
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		outPath,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg concat failed: %w; out=%s", err, tail(string(out), 400))
	}
	return verifyOutput(outPath)
}

func (m *tools) MuxAudioVideo(ctx context.Context, videoPath, audioPath, outPath string) error {
	ctx = ctxutil.Default(ctx)
	if videoPath == "" || audioPath == "" {
		return fmt.Errorf("videoPath and audioPath required")
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("mkdir outPath dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.defaultTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.ffmpegPath,
		"-y",
		"-i", videoPath,
		"-i", audioPath,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
		"-c:a", "aac",
		"-shortest",
		outPath,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg mux failed: %w; out=%s", err, tail(string(out), 400))
	}
	return verifyOutput(outPath)
}

func (m *tools) ExtractFrame(ctx context.Context, videoPath string, atSec float64, outPath string) error {
	ctx = ctxutil.Default(ctx)
	if videoPath == "" {
		return fmt.Errorf("videoPath required")
	}
	if atSec < 0 {
		atSec = 0
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("mkdir outPath dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.ffmpegPath,
		"-y",
		"-ss", formatSeconds(atSec),
		"-i", videoPath,
		"-frames:v", "1",
		"-q:v", "2",
		outPath,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg frame extract failed: %w; out=%s", err, tail(string(out), 400))
	}
	return verifyOutput(outPath)
}

func (m *tools) ExtractKeyframes(ctx context.Context, videoPath string, timestamps []float64, outDir string) ([]string, error) {
	ctx = ctxutil.Default(ctx)
	if videoPath == "" {
		return nil, fmt.Errorf("videoPath required")
	}
	if len(timestamps) == 0 {
		return nil, fmt.Errorf("timestamps required")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir outDir: %w", err)
	}

	paths := make([]string, 0, len(timestamps))
	for i, ts := range timestamps {
		if ts < 0 {
			ts = 0
		}
		out := filepath.Join(outDir, fmt.Sprintf("frame_%03d_%s.jpg", i, strings.ReplaceAll(formatSeconds(ts), ".", "_")))
		if err := m.ExtractFrame(ctx, videoPath, ts, out); err != nil {
			m.log.Warn("keyframe extract failed, skipping timestamp", "ts", ts, "error", err.Error())
			continue
		}
		paths = append(paths, out)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no frames produced for %d timestamps", len(timestamps))
	}
	sort.Strings(paths)
	return paths, nil
}

// BuildConcatList renders the ffmpeg concat-demuxer file body. Single quotes
// in paths use the demuxer's '\'' escape.
func BuildConcatList(paths []string) string {
	var b strings.Builder
	for _, p := range paths {
		escaped := strings.ReplaceAll(p, "'", `'\''`)
		fmt.Fprintf(&b, "file '%s'\n", escaped)
	}
	return b.String()
}

func verifyOutput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("output missing at %s", path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("output empty at %s", path)
	}
	return nil
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
