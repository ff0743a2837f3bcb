package artifact

import (
	"os"
	"sort"

	"github.com/yungbote/lectern-backend/internal/domain"
)

// Progress is a filesystem-derived view of how far a job got. It never
// consults the job record: files on disk are the truth that survives
// crashes, so resume decisions come from here and only here.
type Progress struct {
	HasScript         bool  `json:"has_script"`
	TotalSections     int   `json:"total_sections"`
	CompletedSections []int `json:"completed_sections"`
	FinalVideo        bool  `json:"final_video"`
}

// Snapshot inspects the job's artifacts. A section counts as completed only
// when its final video file exists non-empty, under either the current or
// the legacy name; status.json is advisory and deliberately ignored.
func (s *Store) Snapshot(jobID string) (*Progress, error) {
	p := &Progress{CompletedSections: []int{}}

	script, err := s.LoadScript(jobID)
	if err == nil && script != nil {
		p.HasScript = true
		p.TotalSections = len(script.Sections)
	}

	for i := 1; i <= p.TotalSections; i++ {
		if nonEmptyFile(s.SectionVideoPath(jobID, i)) || nonEmptyFile(s.LegacySectionVideoPath(jobID, i)) {
			p.CompletedSections = append(p.CompletedSections, i)
		}
	}
	sort.Ints(p.CompletedSections)

	p.FinalVideo = nonEmptyFile(s.FinalVideoPath(jobID))
	return p, nil
}

// SnapshotWithScript is Snapshot for callers that already hold the script,
// saving the redundant parse.
func (s *Store) SnapshotWithScript(jobID string, script *domain.Script) *Progress {
	p := &Progress{CompletedSections: []int{}}
	if script != nil && len(script.Sections) > 0 {
		p.HasScript = true
		p.TotalSections = len(script.Sections)
	}
	for i := 1; i <= p.TotalSections; i++ {
		if nonEmptyFile(s.SectionVideoPath(jobID, i)) || nonEmptyFile(s.LegacySectionVideoPath(jobID, i)) {
			p.CompletedSections = append(p.CompletedSections, i)
		}
	}
	sort.Ints(p.CompletedSections)
	p.FinalVideo = nonEmptyFile(s.FinalVideoPath(jobID))
	return p
}

// Resumable: there is a parsed script, at least one section already
// rendered, and no final video yet.
func (p *Progress) Resumable() bool {
	return p.HasScript && len(p.CompletedSections) > 0 && !p.FinalVideo
}

// Remaining lists the section indices still to produce, ascending.
func (p *Progress) Remaining() []int {
	done := make(map[int]bool, len(p.CompletedSections))
	for _, i := range p.CompletedSections {
		done[i] = true
	}
	out := []int{}
	for i := 1; i <= p.TotalSections; i++ {
		if !done[i] {
			out = append(out, i)
		}
	}
	return out
}

func (p *Progress) CompletionPct() float64 {
	if p.TotalSections == 0 {
		return 0
	}
	return float64(len(p.CompletedSections)) / float64(p.TotalSections) * 100
}

func nonEmptyFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Size() > 0
}
