package tts

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/yungbote/lectern-backend/internal/artifact"
	"github.com/yungbote/lectern-backend/internal/domain"
	"github.com/yungbote/lectern-backend/internal/media"
	"github.com/yungbote/lectern-backend/internal/platform/logger"
)

// Narration segments are joined with this marker so the voice leaves a
// detectable pause at every boundary.
const pauseMarker = "\n\n...\n\n"

const (
	silenceNoiseDB   = -35.0
	silenceMinDurSec = 0.30

	// Long comprehensive sections synthesize in two halves to stay under
	// provider response limits.
	chunkThresholdSec = 120.0
	chunkMinSegments  = 4
)

type SynthesisOptions struct {
	Voice     string
	VideoMode string
}

// Sectionizer produces a section's narration track plus the per-segment
// timing map the animation stage aligns against.
type Sectionizer struct {
	log     *logger.Logger
	adapter Adapter
	tools   media.Tools
	store   *artifact.Store
}

func NewSectionizer(log *logger.Logger, adapter Adapter, tools media.Tools, store *artifact.Store) *Sectionizer {
	return &Sectionizer{
		log:     log.With("service", "Sectionizer"),
		adapter: adapter,
		tools:   tools,
		store:   store,
	}
}

// SynthesizeSection writes section_audio.mp3 plus audio/segment_<j>.mp3 files
// and persists the timings to audio/segments.json. A section whose narration
// is entirely empty yields an empty SectionAudio, not an error.
func (s *Sectionizer) SynthesizeSection(ctx context.Context, jobID string, index int, section domain.ScriptSection, opts SynthesisOptions) (*domain.SectionAudio, error) {
	segments := nonEmptySegments(section.Segments)
	if len(segments) == 0 {
		return &domain.SectionAudio{Segments: []domain.SegmentTiming{}}, nil
	}
	if err := s.store.EnsureSectionDir(jobID, index); err != nil {
		return nil, err
	}

	audio, err := s.synthesize(ctx, jobID, index, segments, opts)
	if err != nil {
		return nil, err
	}
	if err := s.store.WriteSegmentTimings(jobID, index, audio); err != nil {
		return nil, fmt.Errorf("persist segment timings: %w", err)
	}
	s.log.Info("section audio ready",
		"job_id", jobID,
		"section", index,
		"segments", len(audio.Segments),
		"duration_sec", fmt.Sprintf("%.2f", audio.Duration),
	)
	return audio, nil
}

func (s *Sectionizer) synthesize(ctx context.Context, jobID string, index int, segments []domain.NarrationSegment, opts SynthesisOptions) (*domain.SectionAudio, error) {
	if s.adapter.WholeSection() {
		if opts.VideoMode != domain.VideoModeOverview &&
			len(segments) >= chunkMinSegments &&
			estimatedSeconds(segments) >= chunkThresholdSec {
			audio, err := s.synthesizeChunked(ctx, jobID, index, segments, opts.Voice)
			if err == nil {
				return audio, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.log.Warn("chunked synthesis failed, retrying as single call",
				"job_id", jobID, "section", index, "error", err.Error())
		}
		audio, err := s.synthesizeWhole(ctx, jobID, index, segments, opts.Voice)
		if err == nil {
			return audio, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.log.Warn("whole-section synthesis failed, falling back to per-segment",
			"job_id", jobID, "section", index, "error", err.Error())
	}
	return s.synthesizePerSegment(ctx, jobID, index, segments, opts.Voice)
}

func (s *Sectionizer) synthesizeWhole(ctx context.Context, jobID string, index int, segments []domain.NarrationSegment, voice string) (*domain.SectionAudio, error) {
	audioPath := s.store.SectionAudioPath(jobID, index)
	total, err := s.adapter.Synthesize(ctx, joinWithPauses(segments), audioPath, voice)
	if err != nil {
		return nil, err
	}

	timings := s.splitBySilence(ctx, jobID, index, audioPath, total, segments)
	s.sliceSegments(ctx, jobID, index, audioPath, timings)
	return &domain.SectionAudio{Path: audioPath, Duration: total, Segments: timings}, nil
}

// synthesizeChunked splits the segments into two contiguous halves, runs one
// call per half, then concatenates. Timings from the second half shift by the
// first half's duration, so the combined map still covers [0, total].
func (s *Sectionizer) synthesizeChunked(ctx context.Context, jobID string, index int, segments []domain.NarrationSegment, voice string) (*domain.SectionAudio, error) {
	half := len(segments) / 2
	halves := [][]domain.NarrationSegment{segments[:half], segments[half:]}
	audioDir := filepath.Dir(s.store.SegmentAudioPath(jobID, index, 0))

	var (
		chunkPaths []string
		timings    []domain.SegmentTiming
		offset     float64
		baseIndex  int
	)
	for h, hsegs := range halves {
		chunkPath := filepath.Join(audioDir, fmt.Sprintf("chunk_%d.mp3", h))
		dur, err := s.adapter.Synthesize(ctx, joinWithPauses(hsegs), chunkPath, voice)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", h, err)
		}
		part := s.splitBySilence(ctx, jobID, index, chunkPath, dur, hsegs)
		timings = append(timings, offsetTimings(part, baseIndex, offset)...)
		chunkPaths = append(chunkPaths, chunkPath)
		offset += dur
		baseIndex += len(hsegs)
	}

	audioPath := s.store.SectionAudioPath(jobID, index)
	if err := s.tools.ConcatAudio(ctx, chunkPaths, audioPath); err != nil {
		return nil, fmt.Errorf("concat chunks: %w", err)
	}
	s.sliceSegments(ctx, jobID, index, audioPath, timings)
	return &domain.SectionAudio{Path: audioPath, Duration: offset, Segments: timings}, nil
}

func (s *Sectionizer) synthesizePerSegment(ctx context.Context, jobID string, index int, segments []domain.NarrationSegment, voice string) (*domain.SectionAudio, error) {
	files := make([]string, 0, len(segments))
	timings := make([]domain.SegmentTiming, 0, len(segments))
	cursor := 0.0
	for j, seg := range segments {
		segPath := s.store.SegmentAudioPath(jobID, index, j)
		dur, placeholder, err := s.adapter.SynthesizeWithFallback(ctx, seg.Text, segPath, voice)
		if err != nil {
			return nil, fmt.Errorf("segment %d: %w", j, err)
		}
		timings = append(timings, domain.SegmentTiming{
			Index:       j,
			Start:       cursor,
			End:         cursor + dur,
			Duration:    dur,
			Placeholder: placeholder,
		})
		cursor += dur
		files = append(files, segPath)
	}

	audioPath := s.store.SectionAudioPath(jobID, index)
	if err := s.tools.ConcatAudio(ctx, files, audioPath); err != nil {
		return nil, fmt.Errorf("concat segments: %w", err)
	}
	return &domain.SectionAudio{Path: audioPath, Duration: cursor, Segments: timings}, nil
}

// splitBySilence maps N narration segments onto one stitched track. With at
// least N-1 detected pauses it splits at pause midpoints; otherwise the total
// is distributed proportionally to character counts.
func (s *Sectionizer) splitBySilence(ctx context.Context, jobID string, index int, audioPath string, total float64, segments []domain.NarrationSegment) []domain.SegmentTiming {
	n := len(segments)
	if n == 1 {
		return []domain.SegmentTiming{{Index: 0, Start: 0, End: total, Duration: total}}
	}

	silences, err := s.tools.DetectSilences(ctx, audioPath, silenceNoiseDB, silenceMinDurSec)
	if err != nil {
		s.log.Warn("silence detection failed, using proportional timings",
			"job_id", jobID, "section", index, "error", err.Error())
		return proportionalTimings(segments, total)
	}
	points, ok := splitPoints(silences, n)
	if !ok {
		s.log.Info("too few pauses detected, using proportional timings",
			"job_id", jobID, "section", index, "detected", len(silences), "needed", n-1)
		return proportionalTimings(segments, total)
	}
	return timingsFromSplits(points, total)
}

// sliceSegments writes audio/segment_<j>.mp3 files. Individual slice failures
// are logged and skipped; downstream consumes the stitched track plus the
// timing map, not the per-segment files.
func (s *Sectionizer) sliceSegments(ctx context.Context, jobID string, index int, audioPath string, timings []domain.SegmentTiming) {
	if len(timings) <= 1 {
		return
	}
	for _, t := range timings {
		if t.Duration <= 0 {
			continue
		}
		out := s.store.SegmentAudioPath(jobID, index, t.Index)
		if err := s.tools.SliceAudio(ctx, audioPath, t.Start, t.Duration, out); err != nil {
			s.log.Warn("segment slice failed",
				"job_id", jobID, "section", index, "segment", t.Index, "error", err.Error())
		}
	}
}

// splitPoints picks the n-1 longest silences, re-sorted into time order, and
// returns their midpoints. ok is false when fewer than n-1 silences exist.
func splitPoints(silences []media.Silence, n int) ([]float64, bool) {
	if n <= 1 {
		return nil, true
	}
	if len(silences) < n-1 {
		return nil, false
	}

	byLen := make([]media.Silence, len(silences))
	copy(byLen, silences)
	sort.Slice(byLen, func(i, j int) bool {
		if byLen[i].Duration != byLen[j].Duration {
			return byLen[i].Duration > byLen[j].Duration
		}
		return byLen[i].Start < byLen[j].Start
	})
	chosen := byLen[:n-1]
	sort.Slice(chosen, func(i, j int) bool { return chosen[i].Start < chosen[j].Start })

	points := make([]float64, 0, len(chosen))
	for _, sil := range chosen {
		points = append(points, sil.Midpoint())
	}
	return points, true
}

// timingsFromSplits turns split points into contiguous [start, end) spans
// covering [0, total] exactly.
func timingsFromSplits(points []float64, total float64) []domain.SegmentTiming {
	n := len(points) + 1
	out := make([]domain.SegmentTiming, 0, n)
	start := 0.0
	for j := 0; j < n; j++ {
		end := total
		if j < len(points) {
			end = points[j]
		}
		out = append(out, domain.SegmentTiming{Index: j, Start: start, End: end, Duration: end - start})
		start = end
	}
	return out
}

// proportionalTimings distributes total across segments by character count.
// Every segment counts at least one character so nothing collapses to zero
// length, and the last end lands on total exactly.
func proportionalTimings(segments []domain.NarrationSegment, total float64) []domain.SegmentTiming {
	n := len(segments)
	counts := make([]float64, n)
	sum := 0.0
	for i, seg := range segments {
		c := float64(len(strings.TrimSpace(seg.Text)))
		if c < 1 {
			c = 1
		}
		counts[i] = c
		sum += c
	}

	out := make([]domain.SegmentTiming, 0, n)
	start := 0.0
	acc := 0.0
	for i := 0; i < n; i++ {
		acc += counts[i]
		end := total * acc / sum
		if i == n-1 {
			end = total
		}
		out = append(out, domain.SegmentTiming{Index: i, Start: start, End: end, Duration: end - start})
		start = end
	}
	return out
}

func offsetTimings(timings []domain.SegmentTiming, baseIndex int, offsetSec float64) []domain.SegmentTiming {
	out := make([]domain.SegmentTiming, len(timings))
	for i, t := range timings {
		t.Index += baseIndex
		t.Start += offsetSec
		t.End += offsetSec
		out[i] = t
	}
	return out
}

func nonEmptySegments(in []domain.NarrationSegment) []domain.NarrationSegment {
	out := make([]domain.NarrationSegment, 0, len(in))
	for _, seg := range in {
		if strings.TrimSpace(seg.Text) != "" {
			out = append(out, seg)
		}
	}
	return out
}

func joinWithPauses(segments []domain.NarrationSegment) string {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		parts = append(parts, strings.TrimSpace(seg.Text))
	}
	return strings.Join(parts, pauseMarker)
}

func estimatedSeconds(segments []domain.NarrationSegment) float64 {
	words := 0
	for _, seg := range segments {
		words += seg.WordCount()
	}
	return 0.4 * float64(words)
}
