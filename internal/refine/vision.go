package refine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/yungbote/lectern-backend/internal/clients/gemini"
	"github.com/yungbote/lectern-backend/internal/domain"
	"github.com/yungbote/lectern-backend/internal/media"
	"github.com/yungbote/lectern-backend/internal/platform/logger"
)

const (
	visionSystem = "You are a strict visual reviewer for rendered educational animations. You look at frames and decide whether each reported layout issue is actually visible. Unreadable, overlapping, or cut-off content is REAL; anything legible and inside the frame is FALSE_POSITIVE."

	maxReviewFrames = 8
)

// VisionReviewer settles low-confidence issues by looking at the rendered
// frames around each issue's timestamp. Anything it cannot verify stays real.
type VisionReviewer struct {
	log   *logger.Logger
	llm   gemini.Client
	tools media.Tools
}

func NewVisionReviewer(log *logger.Logger, llm gemini.Client, tools media.Tools) *VisionReviewer {
	return &VisionReviewer{
		log:   log.With("service", "VisionReviewer"),
		llm:   llm,
		tools: tools,
	}
}

type visionVerdict struct {
	Index   int    `json:"index"`
	Verdict string `json:"verdict"`
	Reason  string `json:"reason"`
}

// Review returns the issues confirmed real plus the whitelist keys of
// confirmed false positives. On any failure every issue is returned real
// alongside the error, so review can never hide a defect.
func (v *VisionReviewer) Review(ctx context.Context, videoPath, frameDir string, issues []domain.ValidationIssue) ([]domain.ValidationIssue, []string, error) {
	if len(issues) == 0 {
		return nil, nil, nil
	}
	if videoPath == "" {
		return issues, nil, nil
	}

	timestamps := reviewTimestamps(issues)
	paths, err := v.tools.ExtractKeyframes(ctx, videoPath, timestamps, frameDir)
	if err != nil {
		return issues, nil, fmt.Errorf("extract review frames: %w", err)
	}

	images := make([]gemini.ImageInput, 0, len(paths))
	for _, p := range paths {
		raw, rerr := os.ReadFile(p)
		if rerr != nil {
			continue
		}
		images = append(images, gemini.ImageInput{Data: raw, MIMEType: "image/jpeg"})
	}
	if len(images) == 0 {
		return issues, nil, fmt.Errorf("no review frames extracted from %s", videoPath)
	}

	text, err := v.llm.GenerateVision(ctx, gemini.GenerateOptions{
		System:      visionSystem,
		Temperature: 0.1,
	}, buildReviewPrompt(issues, timestamps), images)
	if err != nil {
		return issues, nil, fmt.Errorf("vision review: %w", err)
	}

	var verdicts []visionVerdict
	if err := json.Unmarshal([]byte(gemini.ExtractJSONBlock(text)), &verdicts); err != nil {
		return issues, nil, fmt.Errorf("parse vision verdicts: %w", err)
	}

	byIndex := make(map[int]visionVerdict, len(verdicts))
	for _, verdict := range verdicts {
		byIndex[verdict.Index] = verdict
	}

	var real []domain.ValidationIssue
	var falseKeys []string
	for i, issue := range issues {
		verdict, ok := byIndex[i+1]
		if ok && strings.EqualFold(strings.TrimSpace(verdict.Verdict), "FALSE_POSITIVE") {
			v.log.Info("vision dismissed issue", "category", issue.Category, "object", issue.Object, "reason", verdict.Reason)
			if issue.WhitelistKey != "" {
				falseKeys = append(falseKeys, issue.WhitelistKey)
			}
			continue
		}
		real = append(real, issue)
	}
	v.log.Info("vision review done", "reviewed", len(issues), "real", len(real), "dismissed", len(falseKeys))
	return real, falseKeys, nil
}

// reviewTimestamps collects each issue's timestamp plus half a second either
// side, deduplicated to a tenth of a second and capped.
func reviewTimestamps(issues []domain.ValidationIssue) []float64 {
	seen := map[int]bool{}
	var out []float64
	add := func(ts float64) {
		if ts < 0 {
			ts = 0
		}
		key := int(math.Round(ts * 10))
		if seen[key] {
			return
		}
		seen[key] = true
		out = append(out, float64(key)/10)
	}
	for _, issue := range issues {
		add(issue.TimestampSec)
		add(issue.TimestampSec - 0.5)
		add(issue.TimestampSec + 0.5)
	}
	sort.Float64s(out)
	if len(out) > maxReviewFrames {
		out = out[:maxReviewFrames]
	}
	return out
}

func buildReviewPrompt(issues []domain.ValidationIssue, timestamps []float64) string {
	var b strings.Builder
	b.WriteString("The attached frames were extracted from a rendered animation at these timestamps (seconds): ")
	for i, ts := range timestamps {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%.1f", ts)
	}
	b.WriteString("\n\nReported issues:\n")
	for i, issue := range issues {
		fmt.Fprintf(&b, "%d. [%s]", i+1, issue.Category)
		if issue.Object != "" {
			fmt.Fprintf(&b, " object %q:", issue.Object)
		}
		fmt.Fprintf(&b, " %s (around %.1fs)\n", issue.Message, issue.TimestampSec)
	}
	b.WriteString("\nFor each issue decide from the frames whether it is actually visible.\n")
	b.WriteString("Respond with ONLY a JSON array, one entry per issue:\n")
	b.WriteString(`[{"index": 1, "verdict": "REAL", "reason": "title runs off the right edge"}]` + "\n")
	b.WriteString(`Verdict must be "REAL" or "FALSE_POSITIVE".`)
	return b.String()
}
