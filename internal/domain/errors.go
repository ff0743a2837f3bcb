package domain

import "fmt"

// The animation path fails in four distinct ways and callers branch on
// which stage gave up, so each stage gets its own error type.

type ChoreographyError struct {
	Attempts int
	Err      error
}

func (e *ChoreographyError) Error() string {
	return fmt.Sprintf("choreography failed after %d attempts: %v", e.Attempts, e.Err)
}
func (e *ChoreographyError) Unwrap() error { return e.Err }

type ImplementationError struct {
	Attempts int
	Err      error
}

func (e *ImplementationError) Error() string {
	return fmt.Sprintf("implementation failed after %d attempts: %v", e.Attempts, e.Err)
}
func (e *ImplementationError) Unwrap() error { return e.Err }

// RefinementError means the repair loop ran out of attempts with issues
// still open.
type RefinementError struct {
	Attempts int
	Issues   []ValidationIssue
}

func (e *RefinementError) Error() string {
	return fmt.Sprintf("refinement exhausted after %d attempts with %d open issues", e.Attempts, len(e.Issues))
}

type RenderingError struct {
	Stderr string
	Err    error
}

func (e *RenderingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rendering failed: %v", e.Err)
	}
	return "rendering failed"
}
func (e *RenderingError) Unwrap() error { return e.Err }
