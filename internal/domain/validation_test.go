package domain

import "testing"

func allIssueCombos() []ValidationIssue {
	var out []ValidationIssue
	for _, sev := range []IssueSeverity{SeverityCritical, SeverityWarning, SeverityInfo} {
		for _, conf := range []IssueConfidence{ConfidenceHigh, ConfidenceMedium, ConfidenceLow} {
			for _, auto := range []bool{true, false} {
				out = append(out, ValidationIssue{Severity: sev, Confidence: conf, AutoFixable: auto})
			}
		}
	}
	return out
}

func TestRoutingPredicatesAreMutuallyExclusive(t *testing.T) {
	for _, issue := range allIssueCombos() {
		hits := 0
		if issue.ShouldAutoFix() {
			hits++
		}
		if issue.RequiresLLM() {
			hits++
		}
		if issue.NeedsVerification() {
			hits++
		}
		if hits > 1 {
			t.Fatalf("issue %s/%s/auto=%v matched %d routes",
				issue.Severity, issue.Confidence, issue.AutoFixable, hits)
		}
	}
}

func TestRoutingOfReporterShapedIssues(t *testing.T) {
	cases := []struct {
		name   string
		issue  ValidationIssue
		auto   bool
		llm    bool
		verify bool
	}{
		{
			name:  "syntax error from parser",
			issue: ValidationIssue{Severity: SeverityCritical, Confidence: ConfidenceHigh, Category: IssueSyntax},
			llm:   true,
		},
		{
			name:  "runtime traceback",
			issue: ValidationIssue{Severity: SeverityCritical, Confidence: ConfidenceHigh, Category: IssueRuntime},
			llm:   true,
		},
		{
			name:  "coordinate literal out of frame",
			issue: ValidationIssue{Severity: SeverityCritical, Confidence: ConfidenceHigh, Category: IssueOutOfBounds, AutoFixable: true},
			auto:  true,
		},
		{
			name:  "checker reported overlap",
			issue: ValidationIssue{Severity: SeverityWarning, Confidence: ConfidenceHigh, Category: IssueTextOverlap, AutoFixable: true},
			auto:  true,
		},
		{
			name:   "soft spatial warning",
			issue:  ValidationIssue{Severity: SeverityWarning, Confidence: ConfidenceLow, Category: IssueTextOverlap},
			verify: true,
		},
		{
			name:   "vision hint",
			issue:  ValidationIssue{Severity: SeverityInfo, Confidence: ConfidenceMedium, Category: IssueVisualQuality},
			verify: true,
		},
	}
	for _, tc := range cases {
		if got := tc.issue.ShouldAutoFix(); got != tc.auto {
			t.Fatalf("%s: ShouldAutoFix = %v, want %v", tc.name, got, tc.auto)
		}
		if got := tc.issue.RequiresLLM(); got != tc.llm {
			t.Fatalf("%s: RequiresLLM = %v, want %v", tc.name, got, tc.llm)
		}
		if got := tc.issue.NeedsVerification(); got != tc.verify {
			t.Fatalf("%s: NeedsVerification = %v, want %v", tc.name, got, tc.verify)
		}
	}
}

func TestValidationResultValidity(t *testing.T) {
	res := NewValidationResult([]ValidationIssue{
		{Severity: SeverityWarning},
		{Severity: SeverityInfo},
	})
	if !res.Valid {
		t.Fatalf("warnings alone should leave the result valid: %#v", res)
	}
	res = NewValidationResult([]ValidationIssue{{Severity: SeverityCritical}})
	if res.Valid {
		t.Fatalf("critical issue must invalidate the result")
	}
	if !NewValidationResult(nil).Valid {
		t.Fatalf("empty issue list must be valid")
	}
}
