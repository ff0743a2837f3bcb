package domain

type IssueCategory string

const (
	IssueSyntax          IssueCategory = "syntax"
	IssueRuntime         IssueCategory = "runtime"
	IssueStructure       IssueCategory = "structure"
	IssueTextOverlap     IssueCategory = "text_overlap"
	IssueOutOfBounds     IssueCategory = "out_of_bounds"
	IssueObjectOcclusion IssueCategory = "object_occlusion"
	IssueVisibility      IssueCategory = "visibility"
	IssueVisualQuality   IssueCategory = "visual_quality"
	IssueTiming          IssueCategory = "timing"
)

type IssueSeverity string

const (
	SeverityCritical IssueSeverity = "critical"
	SeverityWarning  IssueSeverity = "warning"
	SeverityInfo     IssueSeverity = "info"
)

type IssueConfidence string

const (
	ConfidenceHigh   IssueConfidence = "high"
	ConfidenceMedium IssueConfidence = "medium"
	ConfidenceLow    IssueConfidence = "low"
)

// ValidationIssue is one defect found in generated scene code by the static
// validator, the injected spatial checker, the runtime probe, or vision
// review. Details carries reporter-specific context the fixer may consume
// (object names, raw coordinates, is_group_overflow, ...).
type ValidationIssue struct {
	Severity     IssueSeverity   `json:"severity"`
	Confidence   IssueConfidence `json:"confidence"`
	Category     IssueCategory   `json:"category"`
	Message      string          `json:"message"`
	Object       string          `json:"object,omitempty"`
	Line         int             `json:"line,omitempty"`
	FixHint      string          `json:"fix_hint,omitempty"`
	Details      map[string]any  `json:"details,omitempty"`
	AutoFixable  bool            `json:"auto_fixable"`
	WhitelistKey string          `json:"whitelist_key,omitempty"`
	TimestampSec float64         `json:"timestamp_sec,omitempty"`
}

// ShouldAutoFix routes an issue to the deterministic fixer: the reporter is
// certain, the defect matters, and a known rewrite exists.
func (i ValidationIssue) ShouldAutoFix() bool {
	return (i.Severity == SeverityCritical || i.Severity == SeverityWarning) &&
		i.Confidence == ConfidenceHigh &&
		i.AutoFixable
}

// RequiresLLM routes an issue to the surgical editor: certain and critical,
// but with no deterministic rewrite available.
func (i ValidationIssue) RequiresLLM() bool {
	return i.Severity == SeverityCritical &&
		i.Confidence == ConfidenceHigh &&
		!i.AutoFixable
}

// NeedsVerification routes an issue to vision review before any edit is
// spent on it.
func (i ValidationIssue) NeedsVerification() bool {
	if i.Confidence == ConfidenceLow {
		return true
	}
	return i.Severity == SeverityInfo && i.Confidence != ConfidenceHigh
}

// ValidationResult is one validator pass over a scene. Valid means no
// critical issue was found.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Issues []ValidationIssue `json:"issues"`
}

func NewValidationResult(issues []ValidationIssue) ValidationResult {
	res := ValidationResult{Valid: true, Issues: issues}
	for _, i := range issues {
		if i.Severity == SeverityCritical {
			res.Valid = false
			break
		}
	}
	return res
}

// FrameCapture is one screenshot pulled for vision review, deduplicated by
// timestamp before extraction.
type FrameCapture struct {
	ScreenshotPath   string   `json:"screenshot_path"`
	TimestampSeconds float64  `json:"timestamp_seconds"`
	EventIDs         []string `json:"event_ids,omitempty"`
}
