package tts

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/yungbote/lectern-backend/internal/clients/gemini"
	"github.com/yungbote/lectern-backend/internal/media"
	"github.com/yungbote/lectern-backend/internal/observability"
	"github.com/yungbote/lectern-backend/internal/platform/logger"
	"github.com/yungbote/lectern-backend/internal/utils"
)

// Adapter turns narration text into an MP3 on disk. Synthesize fails loudly;
// SynthesizeWithFallback degrades to placeholder silence so one bad segment
// never sinks a whole section.
type Adapter interface {
	Synthesize(ctx context.Context, text, outPath, voice string) (float64, error)
	SynthesizeWithFallback(ctx context.Context, text, outPath, voice string) (durationSec float64, placeholder bool, err error)
	WholeSection() bool
}

type adapter struct {
	log          *logger.Logger
	speech       gemini.SpeechClient
	tools        media.Tools
	wholeSection bool
}

func NewAdapter(log *logger.Logger, speech gemini.SpeechClient, tools media.Tools) Adapter {
	return &adapter{
		log:          log.With("service", "TTSAdapter"),
		speech:       speech,
		tools:        tools,
		wholeSection: utils.GetEnvAsBool("WHOLE_SECTION_TTS", true, log),
	}
}

func (a *adapter) WholeSection() bool { return a.wholeSection }

func (a *adapter) Synthesize(ctx context.Context, text, outPath, voice string) (float64, error) {
	res, err := a.speech.Synthesize(ctx, text, voice)
	if err != nil {
		observability.TTSRequestsTotal.WithLabelValues(observability.OutcomeError).Inc()
		return 0, err
	}
	observability.TTSRequestsTotal.WithLabelValues(observability.OutcomeOK).Inc()
	if res.DurationSec() <= 0 {
		return 0, fmt.Errorf("tts produced zero-length audio")
	}
	if err := a.tools.EncodePCMToMP3(ctx, res.PCM, res.SampleRate, outPath); err != nil {
		return 0, fmt.Errorf("encode tts audio: %w", err)
	}
	// The encoded file is the authority; lame pads frames so the MP3 can run
	// slightly longer than the raw PCM.
	dur, err := a.tools.ProbeDuration(ctx, outPath)
	if err != nil {
		a.log.Warn("ffprobe failed on synthesized audio, using pcm estimate",
			"path", outPath, "error", err.Error())
		return res.DurationSec(), nil
	}
	return dur, nil
}

func (a *adapter) SynthesizeWithFallback(ctx context.Context, text, outPath, voice string) (float64, bool, error) {
	dur, err := a.Synthesize(ctx, text, outPath, voice)
	if err == nil {
		return dur, false, nil
	}
	if ctx.Err() != nil {
		return 0, false, ctx.Err()
	}

	est := PlaceholderDuration(text)
	a.log.Warn("TTS failed, writing placeholder silence",
		"chars", len(text), "placeholder_sec", est, "error", err.Error())
	if silErr := a.tools.SilentAudio(ctx, est, outPath); silErr != nil {
		return 0, false, fmt.Errorf("tts failed (%v) and silence fallback failed: %w", err, silErr)
	}
	observability.TTSRequestsTotal.WithLabelValues(observability.OutcomePlaceholder).Inc()
	return est, true, nil
}

// PlaceholderDuration estimates speech length at 0.4 s per word with a one
// second floor, matching the silence written when synthesis fails.
func PlaceholderDuration(text string) float64 {
	words := len(strings.Fields(text))
	return math.Max(1.0, 0.4*float64(words))
}
