package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/yungbote/lectern-backend/internal/domain"
	"github.com/yungbote/lectern-backend/internal/tts"
)

func TestProcessSectionWithoutNarrationFails(t *testing.T) {
	store := newStore(t)
	log := testLogger(t)
	tools := &fakeTools{}
	speech := tts.NewSectionizer(log, nil, tools, store)
	worker := NewSectionWorker(log, store, speech, nil, tools)

	job := &domain.Job{
		ID:      "job-1",
		Status:  domain.JobStatusCreatingAnimations,
		Request: &domain.GenerateRequest{Language: "en"},
	}
	section := domain.ScriptSection{Heading: "Silent", Segments: []domain.NarrationSegment{{Text: "   "}}}

	_, err := worker.ProcessSection(context.Background(), job, section, 1)
	if err == nil || !strings.Contains(err.Error(), "no narration audio") {
		t.Fatalf("err = %v", err)
	}

	status, serr := store.ReadSectionStatus("job-1", 1)
	if serr != nil {
		t.Fatalf("ReadSectionStatus: %v", serr)
	}
	if status.Phase != domain.SectionPhaseFailed || status.Error == "" {
		t.Fatalf("status = %#v", status)
	}
}
