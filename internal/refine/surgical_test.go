package refine

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/yungbote/lectern-backend/internal/clients/gemini"
	"github.com/yungbote/lectern-backend/internal/domain"
)

// fakeLLM plays back scripted chat turns and records the history it was
// handed on each call.
type fakeLLM struct {
	turns     []gemini.ChatTurn
	histories [][]gemini.Content
}

func (f *fakeLLM) GenerateText(context.Context, gemini.GenerateOptions, string) (string, error) {
	return "", nil
}
func (f *fakeLLM) GenerateJSON(context.Context, gemini.GenerateOptions, string, map[string]any) (json.RawMessage, error) {
	return nil, nil
}
func (f *fakeLLM) GenerateJSONParts(context.Context, gemini.GenerateOptions, []gemini.Part, map[string]any) (json.RawMessage, error) {
	return nil, nil
}
func (f *fakeLLM) GenerateVision(context.Context, gemini.GenerateOptions, string, []gemini.ImageInput) (string, error) {
	return "", nil
}
func (f *fakeLLM) Chat(ctx context.Context, opts gemini.GenerateOptions, history []gemini.Content, tools []gemini.Tool) (*gemini.ChatTurn, error) {
	f.histories = append(f.histories, append([]gemini.Content(nil), history...))
	if len(f.histories) > len(f.turns) {
		return &gemini.ChatTurn{Text: "DONE"}, nil
	}
	turn := f.turns[len(f.histories)-1]
	return &turn, nil
}

func noIssues(string) []domain.ValidationIssue { return nil }

func TestApplySearchReplaceUniqueMatch(t *testing.T) {
	code := "a = 1\nb = 2\nc = 3\n"
	out, err := applySearchReplace(code, "b = 2", "b = 20")
	if err != nil {
		t.Fatalf("applySearchReplace: %v", err)
	}
	if out != "a = 1\nb = 20\nc = 3\n" {
		t.Fatalf("out = %q", out)
	}
}

func TestApplySearchReplaceAmbiguous(t *testing.T) {
	code := "self.wait(1)\nself.wait(1)\n"
	if _, err := applySearchReplace(code, "self.wait(1)", "self.wait(2)"); err == nil {
		t.Fatalf("expected ambiguity error")
	}
}

func TestApplySearchReplaceWhitespaceWindow(t *testing.T) {
	code := "    a  =  Dot()\n    b =   Dot()\n    c = 3\n"
	out, err := applySearchReplace(code, "a = Dot()\nb = Dot()", "merged = VGroup(Dot(), Dot())")
	if err != nil {
		t.Fatalf("applySearchReplace: %v", err)
	}
	if out != "merged = VGroup(Dot(), Dot())\n    c = 3\n" {
		t.Fatalf("out = %q", out)
	}
}

func TestApplySearchReplaceWindowAmbiguous(t *testing.T) {
	code := "x = 1\ny = 2\nx = 1\ny = 2\n"
	if _, err := applySearchReplace(code, "x  =  1\ny  =  2", "z = 3"); err == nil {
		t.Fatalf("expected ambiguity error")
	}
}

func TestApplySearchReplaceNotFound(t *testing.T) {
	if _, err := applySearchReplace("a = 1\n", "missing", "x"); err == nil {
		t.Fatalf("expected not-found error")
	}
	if _, err := applySearchReplace("a = 1\n", "   ", "x"); err == nil {
		t.Fatalf("expected empty-search error")
	}
}

func TestEditAppliesToolCalls(t *testing.T) {
	llm := &fakeLLM{turns: []gemini.ChatTurn{
		{
			Content: gemini.Content{Role: "model"},
			FunctionCalls: []gemini.FunctionCall{{
				Name: "search_replace",
				Args: map[string]any{"search": "self.wait(0)", "replace": "self.wait(1)"},
			}},
		},
		{Content: gemini.Content{Role: "model"}, Text: "DONE"},
	}}
	s := NewSurgeon(testLogger(t), llm, nil)

	code := "class S(Scene):\n    def construct(self):\n        self.wait(0)\n"
	out, err := s.Edit(context.Background(), SurgicalRequest{
		Code:      code,
		SceneName: "S",
		Issues:    []domain.ValidationIssue{{Message: "wait of zero"}},
	}, noIssues)
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if !strings.Contains(out, "self.wait(1)") || strings.Contains(out, "self.wait(0)") {
		t.Fatalf("edit not applied:\n%s", out)
	}

	// Second turn must have seen prompt, model call, and the tool response.
	if len(llm.histories) != 2 {
		t.Fatalf("chat calls = %d", len(llm.histories))
	}
	second := llm.histories[1]
	if len(second) != 3 {
		t.Fatalf("history length = %d", len(second))
	}
	fr := second[2].Parts[0].FunctionResponse
	if fr == nil || fr.Response["status"] != "ok" {
		t.Fatalf("function response = %#v", second[2].Parts)
	}
}

func TestEditRevertsRegressions(t *testing.T) {
	llm := &fakeLLM{turns: []gemini.ChatTurn{
		{
			Content: gemini.Content{Role: "model"},
			FunctionCalls: []gemini.FunctionCall{{
				Name: "search_replace",
				Args: map[string]any{"search": "self.wait(1)", "replace": "BROKEN"},
			}},
		},
		{Content: gemini.Content{Role: "model"}, Text: "DONE"},
	}}
	s := NewSurgeon(testLogger(t), llm, nil)

	validate := func(c string) []domain.ValidationIssue {
		if strings.Contains(c, "BROKEN") {
			return []domain.ValidationIssue{{Severity: domain.SeverityCritical}}
		}
		return nil
	}
	code := "class S(Scene):\n    def construct(self):\n        self.wait(1)\n"
	out, err := s.Edit(context.Background(), SurgicalRequest{Code: code, SceneName: "S"}, validate)
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if out != code {
		t.Fatalf("regressing edit not reverted:\n%s", out)
	}
	fr := llm.histories[1][2].Parts[0].FunctionResponse
	if fr == nil || fr.Response["status"] != "error" {
		t.Fatalf("function response = %#v", llm.histories[1][2].Parts)
	}
}

func TestEditStopsAtTurnLimit(t *testing.T) {
	// Every turn asks for an edit that never matches; the loop must bail at
	// maxTurns instead of spinning.
	call := gemini.ChatTurn{
		Content: gemini.Content{Role: "model"},
		FunctionCalls: []gemini.FunctionCall{{
			Name: "search_replace",
			Args: map[string]any{"search": "nope", "replace": "x"},
		}},
	}
	llm := &fakeLLM{turns: []gemini.ChatTurn{call, call, call, call, call, call, call, call}}
	s := NewSurgeon(testLogger(t), llm, nil)

	code := "a = 1\n"
	out, err := s.Edit(context.Background(), SurgicalRequest{Code: code, SceneName: "S"}, noIssues)
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if out != code {
		t.Fatalf("code changed: %q", out)
	}
	if len(llm.histories) != maxSurgicalTurns {
		t.Fatalf("chat calls = %d, want %d", len(llm.histories), maxSurgicalTurns)
	}
}
