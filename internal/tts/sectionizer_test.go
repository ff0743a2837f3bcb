package tts

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/yungbote/lectern-backend/internal/artifact"
	"github.com/yungbote/lectern-backend/internal/domain"
	"github.com/yungbote/lectern-backend/internal/media"
	"github.com/yungbote/lectern-backend/internal/platform/logger"
)

func mustTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)
	return log
}

func mustStore(t *testing.T) *artifact.Store {
	t.Helper()
	root := t.TempDir()
	store, err := artifact.NewStore(mustTestLogger(t), filepath.Join(root, "outputs"), filepath.Join(root, "uploads"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func segs(texts ...string) []domain.NarrationSegment {
	out := make([]domain.NarrationSegment, 0, len(texts))
	for _, txt := range texts {
		out = append(out, domain.NarrationSegment{Text: txt})
	}
	return out
}

func TestSplitPointsPicksLongestThenTimeOrders(t *testing.T) {
	silences := []media.Silence{
		{Start: 2.0, End: 2.2, Duration: 0.2},
		{Start: 5.0, End: 6.0, Duration: 1.0},
		{Start: 8.0, End: 8.6, Duration: 0.6},
	}
	points, ok := splitPoints(silences, 3)
	if !ok {
		t.Fatalf("splitPoints rejected %d silences for n=3", len(silences))
	}
	// The two longest pauses are at 5.0-6.0 and 8.0-8.6; midpoints in time order.
	want := []float64{5.5, 8.3}
	if len(points) != len(want) {
		t.Fatalf("points = %#v", points)
	}
	for i := range want {
		if math.Abs(points[i]-want[i]) > 1e-9 {
			t.Fatalf("point[%d] = %v, want %v", i, points[i], want[i])
		}
	}
}

func TestSplitPointsRejectsTooFewSilences(t *testing.T) {
	silences := []media.Silence{{Start: 1, End: 1.5, Duration: 0.5}}
	if _, ok := splitPoints(silences, 3); ok {
		t.Fatalf("expected rejection with 1 silence for n=3")
	}
	if _, ok := splitPoints(nil, 1); !ok {
		t.Fatalf("single segment needs no split points")
	}
}

func TestTimingsFromSplitsCoverTotalExactly(t *testing.T) {
	total := 12.75
	timings := timingsFromSplits([]float64{3.1, 7.9}, total)
	if len(timings) != 3 {
		t.Fatalf("timings = %#v", timings)
	}
	if timings[0].Start != 0 {
		t.Fatalf("first segment starts at %v", timings[0].Start)
	}
	for i := 1; i < len(timings); i++ {
		if timings[i].Start != timings[i-1].End {
			t.Fatalf("gap between segment %d and %d: %#v", i-1, i, timings)
		}
	}
	if timings[len(timings)-1].End != total {
		t.Fatalf("last end = %v, want %v", timings[len(timings)-1].End, total)
	}
	sum := 0.0
	for _, tm := range timings {
		sum += tm.Duration
	}
	if math.Abs(sum-total) > 0.1 {
		t.Fatalf("durations sum to %v, want %v", sum, total)
	}
}

func TestProportionalTimingsSumExactlyToTotal(t *testing.T) {
	total := 30.0
	segments := segs("short", "a much longer narration segment with many characters", "medium length text")
	timings := proportionalTimings(segments, total)
	if len(timings) != 3 {
		t.Fatalf("timings = %#v", timings)
	}
	if timings[len(timings)-1].End != total {
		t.Fatalf("last end = %v, want %v", timings[len(timings)-1].End, total)
	}
	sum := 0.0
	for i, tm := range timings {
		if tm.Duration <= 0 {
			t.Fatalf("segment %d has non-positive duration: %#v", i, tm)
		}
		sum += tm.Duration
	}
	if math.Abs(sum-total) > 1e-6 {
		t.Fatalf("durations sum to %v, want %v", sum, total)
	}
	// Longer text gets more time.
	if timings[1].Duration <= timings[0].Duration {
		t.Fatalf("long segment shorter than short one: %#v", timings)
	}
}

func TestProportionalTimingsMinimumShare(t *testing.T) {
	timings := proportionalTimings(segs("   ", "real text here"), 10.0)
	if timings[0].Duration <= 0 {
		t.Fatalf("blank segment collapsed to zero: %#v", timings)
	}
}

func TestPlaceholderDuration(t *testing.T) {
	cases := []struct {
		text string
		want float64
	}{
		{"", 1.0},
		{"one", 1.0},
		{"one two", 1.0},
		{"one two three", 1.2},
		{"w w w w w w w w w w", 4.0},
	}
	for _, tc := range cases {
		if got := PlaceholderDuration(tc.text); math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("PlaceholderDuration(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestJoinWithPauses(t *testing.T) {
	got := joinWithPauses(segs(" first ", "second"))
	want := "first" + pauseMarker + "second"
	if got != want {
		t.Fatalf("joined = %q, want %q", got, want)
	}
}

func TestOffsetTimings(t *testing.T) {
	in := []domain.SegmentTiming{{Index: 0, Start: 0, End: 2, Duration: 2}, {Index: 1, Start: 2, End: 5, Duration: 3}}
	out := offsetTimings(in, 4, 60)
	if out[0].Index != 4 || out[1].Index != 5 {
		t.Fatalf("indexes not rebased: %#v", out)
	}
	if out[0].Start != 60 || out[1].End != 65 {
		t.Fatalf("offsets not applied: %#v", out)
	}
	if in[0].Index != 0 || in[0].Start != 0 {
		t.Fatalf("input mutated: %#v", in)
	}
}

// fakeAdapter drives the sectionizer without a provider. synth and fallback
// are per-call hooks.
type fakeAdapter struct {
	whole    bool
	synth    func(text, outPath string) (float64, error)
	fallback func(text, outPath string) (float64, bool, error)
}

func (f *fakeAdapter) WholeSection() bool { return f.whole }

func (f *fakeAdapter) Synthesize(_ context.Context, text, outPath, _ string) (float64, error) {
	if f.synth == nil {
		return 0, fmt.Errorf("unexpected Synthesize call")
	}
	return f.synth(text, outPath)
}

func (f *fakeAdapter) SynthesizeWithFallback(_ context.Context, text, outPath, _ string) (float64, bool, error) {
	if f.fallback == nil {
		return 0, false, fmt.Errorf("unexpected SynthesizeWithFallback call")
	}
	return f.fallback(text, outPath)
}

// fakeTools satisfies media.Tools with no-ops, recording the calls the
// sectionizer makes.
type fakeTools struct {
	silences   []media.Silence
	detectErr  error
	sliceCalls int
	concats    [][]string
}

func (f *fakeTools) AssertReady(context.Context) error           { return nil }
func (f *fakeTools) CheckTools(context.Context) map[string]error { return nil }

func (f *fakeTools) ProbeDuration(context.Context, string) (float64, error) {
	return 0, fmt.Errorf("not probed in tests")
}

func (f *fakeTools) EncodePCMToMP3(context.Context, []byte, int, string) error { return nil }
func (f *fakeTools) SilentAudio(context.Context, float64, string) error        { return nil }
func (f *fakeTools) SliceAudio(context.Context, string, float64, float64, string) error {
	f.sliceCalls++
	return nil
}
func (f *fakeTools) ConcatAudio(_ context.Context, inputs []string, _ string) error {
	f.concats = append(f.concats, inputs)
	return nil
}
func (f *fakeTools) DetectSilences(context.Context, string, float64, float64) ([]media.Silence, error) {
	return f.silences, f.detectErr
}

func (f *fakeTools) ConcatVideos(context.Context, string, string) error          { return nil }
func (f *fakeTools) MuxAudioVideo(context.Context, string, string, string) error { return nil }
func (f *fakeTools) ExtractFrame(context.Context, string, float64, string) error { return nil }

func (f *fakeTools) ExtractKeyframes(context.Context, string, []float64, string) ([]string, error) {
	return nil, fmt.Errorf("no frames in tests")
}

func (f *fakeTools) WriteTempFile(context.Context, []byte, string) (string, func(), error) {
	return "", func() {}, fmt.Errorf("no temp files in tests")
}

func TestSynthesizeSectionEmptyNarration(t *testing.T) {
	s := NewSectionizer(mustTestLogger(t), &fakeAdapter{whole: true}, &fakeTools{}, mustStore(t))
	audio, err := s.SynthesizeSection(context.Background(), "job", 1, domain.ScriptSection{
		Heading:  "Empty",
		Segments: segs("   ", ""),
	}, SynthesisOptions{})
	if err != nil {
		t.Fatalf("SynthesizeSection: %v", err)
	}
	if audio.Path != "" || len(audio.Segments) != 0 {
		t.Fatalf("expected empty audio, got %#v", audio)
	}
}

func TestWholeSectionSplitsAtPauseMidpoints(t *testing.T) {
	store := mustStore(t)
	tools := &fakeTools{silences: []media.Silence{
		{Start: 0.5, End: 0.7, Duration: 0.2},
		{Start: 3.0, End: 3.8, Duration: 0.8},
		{Start: 7.0, End: 7.6, Duration: 0.6},
	}}
	ad := &fakeAdapter{whole: true, synth: func(text, _ string) (float64, error) {
		return 10.0, nil
	}}
	s := NewSectionizer(mustTestLogger(t), ad, tools, store)

	audio, err := s.SynthesizeSection(context.Background(), "job", 1, domain.ScriptSection{
		Segments: segs("first part", "second part", "third part"),
	}, SynthesisOptions{})
	if err != nil {
		t.Fatalf("SynthesizeSection: %v", err)
	}
	if len(audio.Segments) != 3 {
		t.Fatalf("segments = %#v", audio.Segments)
	}
	if math.Abs(audio.Segments[0].End-3.4) > 1e-9 || math.Abs(audio.Segments[1].End-7.3) > 1e-9 {
		t.Fatalf("split points wrong: %#v", audio.Segments)
	}
	if audio.Segments[2].End != 10.0 {
		t.Fatalf("last segment end = %v", audio.Segments[2].End)
	}
	if tools.sliceCalls != 3 {
		t.Fatalf("slice calls = %d", tools.sliceCalls)
	}

	persisted, err := store.ReadSegmentTimings("job", 1)
	if err != nil {
		t.Fatalf("ReadSegmentTimings: %v", err)
	}
	if len(persisted.Segments) != 3 || persisted.Duration != 10.0 {
		t.Fatalf("persisted = %#v", persisted)
	}
}

func TestWholeSectionUsesProportionalWhenPausesMissing(t *testing.T) {
	tools := &fakeTools{silences: []media.Silence{{Start: 1, End: 1.5, Duration: 0.5}}}
	ad := &fakeAdapter{whole: true, synth: func(string, string) (float64, error) { return 9.0, nil }}
	s := NewSectionizer(mustTestLogger(t), ad, tools, mustStore(t))

	audio, err := s.SynthesizeSection(context.Background(), "job", 2, domain.ScriptSection{
		Segments: segs("aaaa", "bbbb", "cccc"),
	}, SynthesisOptions{})
	if err != nil {
		t.Fatalf("SynthesizeSection: %v", err)
	}
	sum := 0.0
	for _, tm := range audio.Segments {
		sum += tm.Duration
	}
	if math.Abs(sum-9.0) > 1e-6 || audio.Segments[2].End != 9.0 {
		t.Fatalf("proportional fallback wrong: %#v", audio.Segments)
	}
}

func TestFallsBackToPerSegmentWhenWholeFails(t *testing.T) {
	tools := &fakeTools{}
	durations := []float64{2.0, 3.0}
	calls := 0
	ad := &fakeAdapter{
		whole: true,
		synth: func(string, string) (float64, error) { return 0, fmt.Errorf("provider down") },
		fallback: func(string, string) (float64, bool, error) {
			d := durations[calls]
			calls++
			return d, calls == 2, nil
		},
	}
	s := NewSectionizer(mustTestLogger(t), ad, tools, mustStore(t))

	audio, err := s.SynthesizeSection(context.Background(), "job", 3, domain.ScriptSection{
		Segments: segs("one", "two"),
	}, SynthesisOptions{})
	if err != nil {
		t.Fatalf("SynthesizeSection: %v", err)
	}
	want := []domain.SegmentTiming{
		{Index: 0, Start: 0, End: 2, Duration: 2},
		{Index: 1, Start: 2, End: 5, Duration: 3, Placeholder: true},
	}
	if len(audio.Segments) != 2 || audio.Segments[0] != want[0] || audio.Segments[1] != want[1] {
		t.Fatalf("segments = %#v", audio.Segments)
	}
	if audio.Duration != 5.0 {
		t.Fatalf("duration = %v", audio.Duration)
	}
	if len(tools.concats) != 1 || len(tools.concats[0]) != 2 {
		t.Fatalf("concat calls = %#v", tools.concats)
	}
}

func TestChunkedPathShiftsSecondHalf(t *testing.T) {
	// Four segments of 80 words each estimate to 128 s, over the 120 s
	// threshold that triggers two-call synthesis.
	long := strings.TrimSpace(strings.Repeat("word ", 80))
	tools := &fakeTools{silences: []media.Silence{{Start: 20.0, End: 21.0, Duration: 1.0}}}
	synthCalls := 0
	ad := &fakeAdapter{whole: true, synth: func(string, string) (float64, error) {
		synthCalls++
		return 60.0, nil
	}}
	s := NewSectionizer(mustTestLogger(t), ad, tools, mustStore(t))

	audio, err := s.SynthesizeSection(context.Background(), "job", 4, domain.ScriptSection{
		Segments: segs(long, long, long, long),
	}, SynthesisOptions{VideoMode: domain.VideoModeComprehensive})
	if err != nil {
		t.Fatalf("SynthesizeSection: %v", err)
	}
	if synthCalls != 2 {
		t.Fatalf("synth calls = %d, want 2", synthCalls)
	}
	if audio.Duration != 120.0 || len(audio.Segments) != 4 {
		t.Fatalf("audio = %#v", audio)
	}
	// Second half timings shift by the first chunk's 60 s.
	if audio.Segments[2].Index != 2 || math.Abs(audio.Segments[2].Start-60.0) > 1e-9 {
		t.Fatalf("second half not offset: %#v", audio.Segments[2])
	}
	if math.Abs(audio.Segments[2].End-80.5) > 1e-9 || audio.Segments[3].End != 120.0 {
		t.Fatalf("second half splits wrong: %#v", audio.Segments[2:])
	}
	if len(tools.concats) != 1 || len(tools.concats[0]) != 2 {
		t.Fatalf("chunk concat = %#v", tools.concats)
	}
}

func TestOverviewModeSkipsChunking(t *testing.T) {
	long := strings.TrimSpace(strings.Repeat("word ", 80))
	tools := &fakeTools{silences: []media.Silence{
		{Start: 10, End: 11, Duration: 1},
		{Start: 20, End: 21, Duration: 1},
		{Start: 30, End: 31, Duration: 1},
	}}
	synthCalls := 0
	ad := &fakeAdapter{whole: true, synth: func(string, string) (float64, error) {
		synthCalls++
		return 40.0, nil
	}}
	s := NewSectionizer(mustTestLogger(t), ad, tools, mustStore(t))

	if _, err := s.SynthesizeSection(context.Background(), "job", 5, domain.ScriptSection{
		Segments: segs(long, long, long, long),
	}, SynthesisOptions{VideoMode: domain.VideoModeOverview}); err != nil {
		t.Fatalf("SynthesizeSection: %v", err)
	}
	if synthCalls != 1 {
		t.Fatalf("overview mode should synthesize once, got %d calls", synthCalls)
	}
}
