package refine

import (
	"github.com/yungbote/lectern-backend/internal/domain"
)

// Routed buckets one pass's issues by repair strategy.
type Routed struct {
	AutoFix []domain.ValidationIssue
	LLM     []domain.ValidationIssue
	Verify  []domain.ValidationIssue
	Dropped []domain.ValidationIssue
}

// Actionable reports whether anything in this pass warrants an edit.
func (r Routed) Actionable() bool {
	return len(r.AutoFix) > 0 || len(r.LLM) > 0
}

// fixerOwnedKeys are defect classes the always-on rewrites handle every pass.
// Routing them to the surgical editor would spend model turns on patterns a
// regex already fixes.
var fixerOwnedKeys = map[string]bool{
	"wait_zero":      true,
	"tracker_number": true,
	"center_alias":   true,
	"frame_division": true,
}

// Triage filters known false positives and partitions the rest across the
// repair paths. One Triage instance lives for one section's refinement, so
// whitelisting is scoped to the section.
type Triage struct {
	whitelist map[string]bool
}

func NewTriage() *Triage {
	return &Triage{whitelist: map[string]bool{}}
}

// Whitelist marks a key as a confirmed false positive; matching issues are
// dropped from every later pass.
func (t *Triage) Whitelist(key string) {
	if key != "" {
		t.whitelist[key] = true
	}
}

func (t *Triage) Whitelisted(key string) bool {
	return key != "" && t.whitelist[key]
}

// Filter removes whitelisted issues.
func (t *Triage) Filter(issues []domain.ValidationIssue) []domain.ValidationIssue {
	if len(t.whitelist) == 0 {
		return issues
	}
	out := issues[:0]
	for _, i := range issues {
		if t.Whitelisted(i.WhitelistKey) {
			continue
		}
		out = append(out, i)
	}
	return out
}

// Route partitions issues by the routing predicates. The predicates are
// mutually exclusive; an issue matching none is dropped rather than guessed
// at.
func (t *Triage) Route(issues []domain.ValidationIssue) Routed {
	var r Routed
	for _, i := range issues {
		switch {
		case i.ShouldAutoFix():
			r.AutoFix = append(r.AutoFix, i)
		case i.RequiresLLM():
			if fixerOwnedKeys[i.WhitelistKey] {
				r.Dropped = append(r.Dropped, i)
				continue
			}
			r.LLM = append(r.LLM, i)
		case i.NeedsVerification():
			r.Verify = append(r.Verify, i)
		default:
			r.Dropped = append(r.Dropped, i)
		}
	}
	return r
}
