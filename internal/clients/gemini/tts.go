package gemini

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/yungbote/lectern-backend/internal/platform/logger"
)

// SpeechResult is raw synthesized audio: 16-bit little-endian mono PCM.
type SpeechResult struct {
	PCM        []byte
	SampleRate int
}

func (r *SpeechResult) DurationSec() float64 {
	if r == nil || r.SampleRate <= 0 {
		return 0
	}
	return float64(len(r.PCM)) / float64(r.SampleRate*2)
}

// SpeechClient synthesizes narration audio. Calls are paced by a
// requests-per-minute token bucket so section workers can fan out without
// tripping provider quotas.
type SpeechClient interface {
	Synthesize(ctx context.Context, text, voice string) (*SpeechResult, error)
	DefaultVoice() string
}

type speechClient struct {
	log          *logger.Logger
	inner        *client
	model        string
	defaultVoice string
	limiter      *rate.Limiter
}

func NewSpeechClient(log *logger.Logger) (SpeechClient, error) {
	base, err := NewClient(log)
	if err != nil {
		return nil, err
	}
	inner, ok := base.(*client)
	if !ok {
		return nil, fmt.Errorf("unexpected client implementation")
	}

	model := strings.TrimSpace(os.Getenv("GEMINI_TTS_MODEL"))
	if model == "" {
		model = "gemini-2.5-flash-preview-tts"
	}
	voice := strings.TrimSpace(os.Getenv("GEMINI_TTS_VOICE"))
	if voice == "" {
		voice = "Kore"
	}

	rpm := 12
	if v := os.Getenv("GEMINI_TTS_RPM"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			rpm = parsed
		}
	}

	return &speechClient{
		log:          log.With("service", "GeminiSpeechClient"),
		inner:        inner,
		model:        model,
		defaultVoice: voice,
		limiter:      rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1),
	}, nil
}

func (s *speechClient) DefaultVoice() string { return s.defaultVoice }

type ttsSpeechConfig struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

type ttsGenerationConfig struct {
	ResponseModalities []string        `json:"responseModalities"`
	SpeechConfig       ttsSpeechConfig `json:"speechConfig"`
}

type ttsRequest struct {
	Contents         []Content           `json:"contents"`
	GenerationConfig ttsGenerationConfig `json:"generationConfig"`
}

func (s *speechClient) Synthesize(ctx context.Context, text, voice string) (*SpeechResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("tts text required")
	}
	if strings.TrimSpace(voice) == "" {
		voice = s.defaultVoice
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req := ttsRequest{
		Contents: []Content{{Role: "user", Parts: []Part{{Text: text}}}},
	}
	req.GenerationConfig.ResponseModalities = []string{"AUDIO"}
	req.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName = voice

	start := time.Now()
	var resp generateContentResponse
	path := "/v1beta/models/" + s.model + ":generateContent"
	if err := s.inner.do(ctx, "POST", path, req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("tts returned no candidates")
	}

	for _, p := range resp.Candidates[0].Content.Parts {
		if p.InlineData == nil || p.InlineData.Data == "" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
		if err != nil {
			return nil, fmt.Errorf("decode tts audio: %w", err)
		}
		out := &SpeechResult{PCM: raw, SampleRate: sampleRateFromMIME(p.InlineData.MIMEType)}
		s.log.Debug("TTS call complete",
			"model", s.model,
			"voice", voice,
			"chars", len(text),
			"audio_sec", fmt.Sprintf("%.2f", out.DurationSec()),
			"ms", time.Since(start).Milliseconds(),
		)
		if len(out.PCM) == 0 {
			return nil, fmt.Errorf("tts returned empty audio")
		}
		return out, nil
	}
	return nil, fmt.Errorf("tts response carried no audio part")
}

// sampleRateFromMIME parses "audio/L16;codec=pcm;rate=24000" style mime
// strings; the provider emits 24 kHz when it omits the rate.
func sampleRateFromMIME(mime string) int {
	const def = 24000
	for _, f := range strings.Split(mime, ";") {
		f = strings.TrimSpace(strings.ToLower(f))
		if v, ok := strings.CutPrefix(f, "rate="); ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return n
			}
		}
	}
	return def
}
