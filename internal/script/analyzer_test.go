package script

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/yungbote/lectern-backend/internal/clients/gemini"
	"github.com/yungbote/lectern-backend/internal/platform/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)
	return log
}

// fakeLLM returns canned JSON and records what it was asked.
type fakeLLM struct {
	rawJSON   string
	err       error
	gotPrompt string
	gotParts  []gemini.Part
}

func (f *fakeLLM) GenerateText(context.Context, gemini.GenerateOptions, string) (string, error) {
	return "", f.err
}
func (f *fakeLLM) GenerateJSON(ctx context.Context, opts gemini.GenerateOptions, prompt string, schema map[string]any) (json.RawMessage, error) {
	f.gotPrompt = prompt
	return json.RawMessage(f.rawJSON), f.err
}
func (f *fakeLLM) GenerateJSONParts(ctx context.Context, opts gemini.GenerateOptions, parts []gemini.Part, schema map[string]any) (json.RawMessage, error) {
	f.gotParts = parts
	return json.RawMessage(f.rawJSON), f.err
}
func (f *fakeLLM) GenerateVision(context.Context, gemini.GenerateOptions, string, []gemini.ImageInput) (string, error) {
	return "", f.err
}
func (f *fakeLLM) Chat(context.Context, gemini.GenerateOptions, []gemini.Content, []gemini.Tool) (*gemini.ChatTurn, error) {
	return &gemini.ChatTurn{}, f.err
}

const analysisJSON = `{"material_type":"textbook","summary":"Linear algebra fundamentals.","suggested_topics":["Vectors","Matrix multiplication","Determinants"]}`

func writeUpload(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write upload: %v", err)
	}
	return path
}

func TestAnalyzeTextDocument(t *testing.T) {
	llm := &fakeLLM{rawJSON: analysisJSON}
	a := NewAnalyzer(testLogger(t), llm)
	path := writeUpload(t, "notes.txt", "Chapter 1: vectors and spans.")

	analysis, err := a.Analyze(context.Background(), "file-1", path)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if analysis.ID == "" || analysis.FileID != "file-1" {
		t.Fatalf("analysis = %#v", analysis)
	}
	if analysis.MaterialType != "textbook" || len(analysis.SuggestedTopics) != 3 {
		t.Fatalf("analysis = %#v", analysis)
	}

	// The document itself travels as inline text.
	if len(llm.gotParts) != 2 {
		t.Fatalf("parts = %#v", llm.gotParts)
	}
	if !strings.Contains(llm.gotParts[0].Text, "vectors and spans") {
		t.Fatalf("document text missing from parts: %#v", llm.gotParts[0])
	}

	cached, ok := a.Get(analysis.ID)
	if !ok || cached.Summary != analysis.Summary {
		t.Fatalf("Get(%q) = %#v, %v", analysis.ID, cached, ok)
	}
}

func TestAnalyzePDFTravelsAsInlineData(t *testing.T) {
	llm := &fakeLLM{rawJSON: analysisJSON}
	a := NewAnalyzer(testLogger(t), llm)
	content := "%PDF-1.4 fake"
	path := writeUpload(t, "paper.pdf", content)

	if _, err := a.Analyze(context.Background(), "file-2", path); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(llm.gotParts) != 2 {
		t.Fatalf("parts = %#v", llm.gotParts)
	}
	blob := llm.gotParts[0].InlineData
	if blob == nil || blob.MIMEType != "application/pdf" {
		t.Fatalf("blob = %#v", blob)
	}
	if blob.Data != base64.StdEncoding.EncodeToString([]byte(content)) {
		t.Fatalf("blob data mismatch")
	}
}

func TestAnalyzeEmptyDocument(t *testing.T) {
	a := NewAnalyzer(testLogger(t), &fakeLLM{rawJSON: analysisJSON})
	path := writeUpload(t, "empty.txt", "")

	if _, err := a.Analyze(context.Background(), "file-3", path); err == nil {
		t.Fatalf("expected error for empty document")
	}
}

func TestAnalyzeRejectsEmptyResult(t *testing.T) {
	llm := &fakeLLM{rawJSON: `{"material_type":"","summary":"","suggested_topics":[]}`}
	a := NewAnalyzer(testLogger(t), llm)
	path := writeUpload(t, "notes.md", "# Heading")

	if _, err := a.Analyze(context.Background(), "file-4", path); err == nil {
		t.Fatalf("expected error for empty analysis")
	}
}

func TestGetUnknownAnalysis(t *testing.T) {
	a := NewAnalyzer(testLogger(t), &fakeLLM{})
	if _, ok := a.Get("nope"); ok {
		t.Fatalf("unknown id resolved")
	}
}
