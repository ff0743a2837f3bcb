package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/yungbote/lectern-backend/internal/platform/ctxutil"
	"github.com/yungbote/lectern-backend/internal/platform/logger"
)

type RenderQuality string

const (
	QualityLow    RenderQuality = "low"
	QualityMedium RenderQuality = "medium"
	QualityHigh   RenderQuality = "high"
)

// qualityFlag maps a quality to the manim CLI flag and the directory manim
// writes that quality into.
func qualityFlag(q RenderQuality) (flag string, dir string) {
	switch q {
	case QualityMedium:
		return "-qm", "720p30"
	case QualityHigh:
		return "-qh", "1080p60"
	default:
		return "-ql", "480p15"
	}
}

type RenderSpec struct {
	SceneFile  string
	SceneClass string
	Quality    RenderQuality
	DryRun     bool
	MediaDir   string
	Timeout    time.Duration
}

// RenderOutput carries the produced video path (empty for dry runs) and the
// renderer's combined output, which the probe parses for tracebacks and
// spatial reports.
type RenderOutput struct {
	VideoPath string
	Log       string
}

type Renderer interface {
	Render(ctx context.Context, spec RenderSpec) (*RenderOutput, error)
}

type renderer struct {
	log            *logger.Logger
	manimPath      string
	defaultTimeout time.Duration
}

func NewRenderer(log *logger.Logger, defaultTimeout time.Duration) Renderer {
	if defaultTimeout <= 0 {
		defaultTimeout = 15 * time.Minute
	}
	return &renderer{
		log:            log.With("service", "ManimRenderer"),
		manimPath:      "manim",
		defaultTimeout: defaultTimeout,
	}
}

func (r *renderer) Render(ctx context.Context, spec RenderSpec) (*RenderOutput, error) {
	ctx = ctxutil.Default(ctx)
	if spec.SceneFile == "" {
		return nil, fmt.Errorf("sceneFile required")
	}
	if spec.SceneClass == "" {
		return nil, fmt.Errorf("sceneClass required")
	}
	mediaDir := spec.MediaDir
	if mediaDir == "" {
		mediaDir = filepath.Join(filepath.Dir(spec.SceneFile), "media")
	}
	if err := os.MkdirAll(mediaDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir mediaDir: %w", err)
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	flag, qdir := qualityFlag(spec.Quality)
	args := []string{"render", flag, "--media_dir", mediaDir}
	if spec.DryRun {
		args = append(args, "--dry_run")
	}
	args = append(args, spec.SceneFile, spec.SceneClass)

	start := time.Now()
	cmd := exec.CommandContext(ctx, r.manimPath, args...)
	raw, err := cmd.CombinedOutput()
	out := &RenderOutput{Log: string(raw)}

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return out, fmt.Errorf("manim render timed out after %s", timeout)
		}
		// Scene errors land in the log; the caller triages them.
		return out, fmt.Errorf("manim render failed: %w", err)
	}

	r.log.Debug("manim render complete",
		"scene", spec.SceneClass,
		"quality", string(spec.Quality),
		"dry_run", spec.DryRun,
		"ms", time.Since(start).Milliseconds(),
	)

	if spec.DryRun {
		return out, nil
	}

	video, ferr := findRenderedVideo(mediaDir, spec.SceneFile, spec.SceneClass, qdir)
	if ferr != nil {
		return out, fmt.Errorf("render output not found: %w", ferr)
	}
	out.VideoPath = video
	return out, nil
}

// findRenderedVideo prefers the canonical manim layout and falls back to
// the newest matching mp4 anywhere under the media dir.
func findRenderedVideo(mediaDir, sceneFile, sceneClass, qualityDir string) (string, error) {
	stem := strings.TrimSuffix(filepath.Base(sceneFile), filepath.Ext(sceneFile))
	expected := filepath.Join(mediaDir, "videos", stem, qualityDir, sceneClass+".mp4")
	if info, err := os.Stat(expected); err == nil && info.Size() > 0 {
		return expected, nil
	}

	var newest string
	var newestMod time.Time
	root := filepath.Join(mediaDir, "videos")
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		name := d.Name()
		if !strings.HasSuffix(name, ".mp4") {
			return nil
		}
		if !strings.HasPrefix(name, sceneClass) {
			return nil
		}
		// Skip manim's partial movie fragments.
		if strings.Contains(path, string(filepath.Separator)+"partial_movie_files"+string(filepath.Separator)) {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil || info.Size() == 0 {
			return nil
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = path
			newestMod = info.ModTime()
		}
		return nil
	})
	if newest == "" {
		return "", fmt.Errorf("no %s.mp4 under %s", sceneClass, root)
	}
	return newest, nil
}
