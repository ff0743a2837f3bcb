package gemini

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/yungbote/lectern-backend/internal/platform/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func newTestClient(t *testing.T, srv *httptest.Server) Client {
	t.Helper()
	t.Setenv("GEMINI_API_KEY", "test-key")
	t.Setenv("GEMINI_BASE_URL", srv.URL)
	t.Setenv("GEMINI_MODEL", "gemini-test")
	t.Setenv("LLM_MAX_RETRIES", "2")
	c, err := NewClient(testLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func textResponse(text string) string {
	resp := map[string]any{
		"candidates": []map[string]any{
			{
				"content": map[string]any{
					"role":  "model",
					"parts": []map[string]any{{"text": text}},
				},
				"finishReason": "STOP",
			},
		},
		"usageMetadata": map[string]any{"promptTokenCount": 10, "candidatesTokenCount": 5},
	}
	b, _ := json.Marshal(resp)
	return string(b)
}

func TestGenerateTextRetriesOn429(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
			return
		}
		_, _ = w.Write([]byte(textResponse("hello")))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	got, err := c.GenerateText(context.Background(), GenerateOptions{Temperature: -1}, "hi")
	if err != nil {
		t.Fatalf("GenerateText: %v", err)
	}
	if got != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("calls=%d, want 2", calls)
	}
}

func TestGenerateTextDoesNotRetryOn400(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad prompt"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	if _, err := c.GenerateText(context.Background(), GenerateOptions{Temperature: -1}, "hi"); err == nil {
		t.Fatalf("expected error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("calls=%d, want 1 (no retries on 400)", calls)
	}
}

func TestGenerateJSONSchemaFallback(t *testing.T) {
	var sawSchema []bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var req map[string]any
		_ = json.Unmarshal(raw, &req)
		gc, _ := req["generationConfig"].(map[string]any)
		_, hasSchema := gc["responseSchema"]
		sawSchema = append(sawSchema, hasSchema)

		if hasSchema {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"response_schema is not supported for this model"}}`))
			return
		}
		_, _ = w.Write([]byte(textResponse("```json\n{\"ok\": true}\n```")))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	raw, err := c.GenerateJSON(context.Background(), GenerateOptions{Temperature: -1}, "give json", map[string]any{
		"type": "object",
	})
	if err != nil {
		t.Fatalf("GenerateJSON: %v", err)
	}
	var out struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !out.OK {
		t.Fatalf("got %#v, want ok=true", out)
	}
	if len(sawSchema) != 2 || !sawSchema[0] || sawSchema[1] {
		t.Fatalf("schema presence per call = %v, want [true false]", sawSchema)
	}
}

func TestChatExtractsFunctionCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"candidates": []map[string]any{
				{
					"content": map[string]any{
						"role": "model",
						"parts": []map[string]any{
							{"text": "applying a fix"},
							{"functionCall": map[string]any{
								"name": "search_replace",
								"args": map[string]any{"search": "a", "replace": "b"},
							}},
						},
					},
					"finishReason": "STOP",
				},
			},
		}
		b, _ := json.Marshal(resp)
		_, _ = w.Write(b)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	turn, err := c.Chat(context.Background(), GenerateOptions{Temperature: -1}, []Content{
		{Role: "user", Parts: []Part{{Text: "fix this"}}},
	}, []Tool{{FunctionDeclarations: []FunctionDeclaration{{Name: "search_replace"}}}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if turn.Text != "applying a fix" {
		t.Fatalf("text=%q", turn.Text)
	}
	if len(turn.FunctionCalls) != 1 || turn.FunctionCalls[0].Name != "search_replace" {
		t.Fatalf("function calls = %#v", turn.FunctionCalls)
	}
	if got := turn.FunctionCalls[0].Args["search"]; got != "a" {
		t.Fatalf("args[search]=%v, want a", got)
	}
}

func TestExtractJSONBlock(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"here you go:\n```\n[1,2]\n```", `[1,2]`},
		{"prefix {\"a\": {\"b\": 2}} suffix", `{"a": {"b": 2}}`},
		{"no json here", ""},
	}
	for _, tc := range cases {
		if got := ExtractJSONBlock(tc.in); got != tc.want {
			t.Fatalf("ExtractJSONBlock(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSampleRateFromMIME(t *testing.T) {
	if got := sampleRateFromMIME("audio/L16;codec=pcm;rate=24000"); got != 24000 {
		t.Fatalf("got %d", got)
	}
	if got := sampleRateFromMIME("audio/L16;rate=16000"); got != 16000 {
		t.Fatalf("got %d", got)
	}
	if got := sampleRateFromMIME("audio/pcm"); got != 24000 {
		t.Fatalf("default got %d", got)
	}
}
