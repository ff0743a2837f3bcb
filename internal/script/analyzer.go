package script

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/yungbote/lectern-backend/internal/clients/gemini"
	"github.com/yungbote/lectern-backend/internal/domain"
	"github.com/yungbote/lectern-backend/internal/platform/logger"
)

const analyzerSystem = "You are an educational content analyst. You read source material and report what it is, what it covers, and which topics would make good short teaching videos. Output ONLY JSON."

// maxInlineChars bounds how much of a text document is sent for analysis.
// Plenty for topic extraction; whole textbooks get truncated.
const maxInlineChars = 100000

// Analyzer runs document analysis and keeps the results in memory so a later
// generate call can reference them by id. Results die with the process; the
// client re-analyzes after a restart.
type Analyzer struct {
	log *logger.Logger
	llm gemini.Client

	mu    sync.RWMutex
	cache map[string]*domain.Analysis
}

func NewAnalyzer(log *logger.Logger, llm gemini.Client) *Analyzer {
	return &Analyzer{
		log:   log.With("service", "DocumentAnalyzer"),
		llm:   llm,
		cache: map[string]*domain.Analysis{},
	}
}

type analysisPayload struct {
	MaterialType    string   `json:"material_type"`
	Summary         string   `json:"summary"`
	SuggestedTopics []string `json:"suggested_topics"`
}

// Analyze reads the uploaded document, sends it to the model, and caches the
// result under a fresh analysis id.
func (a *Analyzer) Analyze(ctx context.Context, fileID, uploadPath string) (*domain.Analysis, error) {
	parts, err := buildDocumentParts(uploadPath)
	if err != nil {
		return nil, fmt.Errorf("prepare document: %w", err)
	}
	parts = append(parts, gemini.Part{Text: analysisInstruction()})

	raw, err := a.llm.GenerateJSONParts(ctx, gemini.GenerateOptions{
		System:      analyzerSystem,
		Temperature: 0.2,
	}, parts, analysisSchema())
	if err != nil {
		return nil, fmt.Errorf("analyze document: %w", err)
	}

	var payload analysisPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	if payload.Summary == "" && len(payload.SuggestedTopics) == 0 {
		return nil, fmt.Errorf("analysis came back empty")
	}

	analysis := &domain.Analysis{
		ID:              uuid.NewString(),
		FileID:          fileID,
		MaterialType:    payload.MaterialType,
		Summary:         payload.Summary,
		SuggestedTopics: payload.SuggestedTopics,
	}

	a.mu.Lock()
	a.cache[analysis.ID] = analysis
	a.mu.Unlock()

	a.log.Info("document analyzed",
		"file_id", fileID,
		"analysis_id", analysis.ID,
		"material_type", analysis.MaterialType,
		"topics", len(analysis.SuggestedTopics),
	)
	return analysis, nil
}

// Get returns a cached analysis by id.
func (a *Analyzer) Get(analysisID string) (*domain.Analysis, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	analysis, ok := a.cache[analysisID]
	return analysis, ok
}

// inlineMIMETypes are the formats sent as raw bytes; everything else is
// treated as text and inlined.
var inlineMIMETypes = map[string]string{
	".pdf":  "application/pdf",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

func buildDocumentParts(uploadPath string) ([]gemini.Part, error) {
	raw, err := os.ReadFile(uploadPath)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("document %s is empty", filepath.Base(uploadPath))
	}

	ext := strings.ToLower(filepath.Ext(uploadPath))
	if mime, ok := inlineMIMETypes[ext]; ok {
		return []gemini.Part{{InlineData: &gemini.Blob{
			MIMEType: mime,
			Data:     base64.StdEncoding.EncodeToString(raw),
		}}}, nil
	}

	text := string(raw)
	if len(text) > maxInlineChars {
		text = text[:maxInlineChars]
	}
	return []gemini.Part{{Text: "Source document:\n\n" + text}}, nil
}

func analysisInstruction() string {
	var b strings.Builder
	b.WriteString("Analyze the source material above.\n\n")
	b.WriteString("Report:\n")
	b.WriteString("- material_type: one of textbook, lecture_notes, paper, slides, article, reference, other\n")
	b.WriteString("- summary: 2-4 sentences on what the material covers and its level\n")
	b.WriteString("- suggested_topics: 3 to 8 topics from the material, each narrow enough for a short video\n")
	return b.String()
}

func analysisSchema() map[string]any {
	return map[string]any{
		"type": "OBJECT",
		"properties": map[string]any{
			"material_type": map[string]any{"type": "STRING"},
			"summary":       map[string]any{"type": "STRING"},
			"suggested_topics": map[string]any{
				"type":  "ARRAY",
				"items": map[string]any{"type": "STRING"},
			},
		},
		"required": []string{"material_type", "summary", "suggested_topics"},
	}
}
