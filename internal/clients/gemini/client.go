package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yungbote/lectern-backend/internal/observability"
	"github.com/yungbote/lectern-backend/internal/platform/httpx"
	"github.com/yungbote/lectern-backend/internal/platform/logger"
)

// ImageInput is the normalized multimodal image input used by Client.
// Frames come off local disk, so bytes + mime, not URLs.
type ImageInput struct {
	Data     []byte
	MIMEType string
}

// GenerateOptions are per-call overrides. Zero values fall back to the
// client's configured defaults; Temperature < 0 lets the provider choose.
type GenerateOptions struct {
	Model       string
	System      string
	Temperature float64
	MaxTokens   int
}

// Content mirrors the provider's content object: a role plus ordered parts.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type Part struct {
	Text             string            `json:"text,omitempty"`
	InlineData       *Blob             `json:"inlineData,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

type Blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

type FunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type FunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type FunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations"`
}

// ChatTurn is one model turn out of Chat: the raw content plus the
// extracted text and function calls.
type ChatTurn struct {
	Content       Content
	Text          string
	FunctionCalls []FunctionCall
	FinishReason  string
}

// Client is the Gemini API client used by the rest of the backend.
type Client interface {
	// Plain text (no schema).
	GenerateText(ctx context.Context, opts GenerateOptions, prompt string) (string, error)

	// Structured output constrained by a response schema. Falls back to an
	// unconstrained call with fence-tolerant extraction when the model
	// rejects the schema.
	GenerateJSON(ctx context.Context, opts GenerateOptions, prompt string, schema map[string]any) (json.RawMessage, error)

	// Structured output over arbitrary parts (documents, images, text).
	GenerateJSONParts(ctx context.Context, opts GenerateOptions, parts []Part, schema map[string]any) (json.RawMessage, error)

	// Multimodal: prompt + images -> plain text.
	GenerateVision(ctx context.Context, opts GenerateOptions, prompt string, images []ImageInput) (string, error)

	// One model turn over an explicit history, with tools offered.
	Chat(ctx context.Context, opts GenerateOptions, history []Content, tools []Tool) (*ChatTurn, error)
}

type client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client

	maxRetries int

	// Models that rejected a response schema; structured calls to them skip
	// the schema for the rest of the process.
	schemaOff sync.Map
}

func NewClient(log *logger.Logger) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	apiKey := strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("missing GEMINI_API_KEY")
	}

	baseURL := strings.TrimSpace(os.Getenv("GEMINI_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(os.Getenv("GEMINI_MODEL"))
	if model == "" {
		model = "gemini-2.5-flash"
	}

	timeoutSec := 180
	if v := os.Getenv("GEMINI_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}

	maxRetries := 3
	if v := os.Getenv("LLM_MAX_RETRIES"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed >= 0 {
			maxRetries = parsed
		}
	}

	return &client{
		log:        log.With("service", "GeminiClient"),
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		maxRetries: maxRetries,
	}, nil
}

type geminiHTTPError struct {
	StatusCode int
	Body       string
}

func (e *geminiHTTPError) Error() string {
	return fmt.Sprintf("gemini http %d: %s", e.StatusCode, e.Body)
}

func (e *geminiHTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

// schemaRejected reports whether the provider refused the structured-output
// schema itself (as opposed to the request being otherwise bad).
func schemaRejected(err error) bool {
	var he *geminiHTTPError
	if !errors.As(err, &he) {
		return false
	}
	if he.StatusCode != 400 {
		return false
	}
	body := strings.ToLower(he.Body)
	return strings.Contains(body, "response_schema") ||
		strings.Contains(body, "responseschema") ||
		strings.Contains(body, "additional_properties") ||
		strings.Contains(body, "additionalproperties")
}

func (c *client) doOnce(ctx context.Context, method, path string, body any) (*http.Response, []byte, error) {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, nil, err
		}
		rdr = strings.NewReader(string(raw))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("x-goog-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}

	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, readErr
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, &geminiHTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, raw, nil
}

func (c *client) do(ctx context.Context, method, path string, body any, out any) error {
	backoff := 1 * time.Second

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		resp, raw, err := c.doOnce(ctx, method, path, body)
		if err == nil {
			if out == nil {
				return nil
			}
			if uErr := json.Unmarshal(raw, out); uErr != nil {
				return fmt.Errorf("gemini decode error: %w; raw=%s", uErr, truncate(string(raw), 500))
			}
			return nil
		}

		if !httpx.IsRetryableError(err) {
			return err
		}
		if attempt == c.maxRetries {
			return err
		}

		sleepFor := httpx.RetryAfterDuration(resp, backoff, 15*time.Second)
		sleepFor = httpx.JitterSleep(sleepFor)

		c.log.Warn("Gemini request retrying",
			"path", path,
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"sleep", sleepFor.String(),
			"error", truncate(err.Error(), 300),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepFor):
		}
		backoff *= 2
	}

	return fmt.Errorf("unreachable retry loop")
}

// -------------------- generateContent wire types --------------------

type generationConfig struct {
	Temperature      *float64       `json:"temperature,omitempty"`
	MaxOutputTokens  int            `json:"maxOutputTokens,omitempty"`
	ResponseMIMEType string         `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]any `json:"responseSchema,omitempty"`
}

type generateContentRequest struct {
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	Tools             []Tool            `json:"tools,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content      Content `json:"content"`
		FinishReason string  `json:"finishReason,omitempty"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason,omitempty"`
	} `json:"promptFeedback,omitempty"`
	UsageMetadata *usageMetadata `json:"usageMetadata,omitempty"`
}

func (c *client) modelPath(model string) string {
	m := strings.TrimSpace(model)
	if m == "" {
		m = c.model
	}
	return "/v1beta/models/" + m + ":generateContent"
}

func (c *client) generate(ctx context.Context, kind string, opts GenerateOptions, req generateContentRequest) (resp *generateContentResponse, err error) {
	defer func() {
		observability.LLMRequestsTotal.WithLabelValues(kind, observability.LLMOutcome(err)).Inc()
	}()

	if strings.TrimSpace(opts.System) != "" {
		req.SystemInstruction = &Content{Parts: []Part{{Text: opts.System}}}
	}
	if req.GenerationConfig == nil {
		req.GenerationConfig = &generationConfig{}
	}
	if opts.Temperature >= 0 {
		t := opts.Temperature
		req.GenerationConfig.Temperature = &t
	}
	if opts.MaxTokens > 0 {
		req.GenerationConfig.MaxOutputTokens = opts.MaxTokens
	}

	start := time.Now()
	resp = &generateContentResponse{}
	if err = c.do(ctx, "POST", c.modelPath(opts.Model), req, resp); err != nil {
		return nil, err
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return nil, fmt.Errorf("gemini blocked prompt: %s", resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("gemini returned no candidates")
	}

	if resp.UsageMetadata != nil {
		c.log.Debug("Gemini call complete",
			"model", strings.TrimSpace(opts.Model),
			"ms", time.Since(start).Milliseconds(),
			"prompt_tokens", resp.UsageMetadata.PromptTokenCount,
			"output_tokens", resp.UsageMetadata.CandidatesTokenCount,
		)
	}
	return resp, nil
}

func candidateText(resp *generateContentResponse) string {
	var out strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p.Text != "" {
			out.WriteString(p.Text)
		}
	}
	return out.String()
}

func (c *client) GenerateText(ctx context.Context, opts GenerateOptions, prompt string) (string, error) {
	req := generateContentRequest{
		Contents: []Content{{Role: "user", Parts: []Part{{Text: prompt}}}},
	}
	resp, err := c.generate(ctx, "text", opts, req)
	if err != nil {
		return "", err
	}
	text := candidateText(resp)
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("no text found in response (finish_reason=%s)", resp.Candidates[0].FinishReason)
	}
	return text, nil
}

func (c *client) GenerateJSON(ctx context.Context, opts GenerateOptions, prompt string, schema map[string]any) (json.RawMessage, error) {
	return c.GenerateJSONParts(ctx, opts, []Part{{Text: prompt}}, schema)
}

func (c *client) GenerateJSONParts(ctx context.Context, opts GenerateOptions, parts []Part, schema map[string]any) (json.RawMessage, error) {
	if len(parts) == 0 {
		return nil, errors.New("parts required")
	}

	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = c.model
	}
	if _, off := c.schemaOff.Load(model); off {
		schema = nil
	}

	req := generateContentRequest{
		Contents: []Content{{Role: "user", Parts: parts}},
		GenerationConfig: &generationConfig{
			ResponseMIMEType: "application/json",
			ResponseSchema:   schema,
		},
	}

	resp, err := c.generate(ctx, "json", opts, req)
	if err != nil && schema != nil && schemaRejected(err) {
		c.log.Warn("Gemini rejected response schema, disabling schema for model", "model", model, "error", truncate(err.Error(), 300))
		c.schemaOff.Store(model, true)
		req.GenerationConfig = &generationConfig{ResponseMIMEType: "application/json"}
		resp, err = c.generate(ctx, "json", opts, req)
	}
	if err != nil {
		return nil, err
	}

	text := ExtractJSONBlock(candidateText(resp))
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("no JSON found in response (finish_reason=%s)", resp.Candidates[0].FinishReason)
	}
	if !json.Valid([]byte(text)) {
		return nil, fmt.Errorf("model returned invalid JSON: %s", truncate(text, 300))
	}
	return json.RawMessage(text), nil
}

func (c *client) GenerateVision(ctx context.Context, opts GenerateOptions, prompt string, images []ImageInput) (string, error) {
	parts := make([]Part, 0, 1+len(images))
	parts = append(parts, Part{Text: prompt})
	for _, img := range images {
		if len(img.Data) == 0 {
			continue
		}
		mime := strings.TrimSpace(img.MIMEType)
		if mime == "" {
			mime = "image/jpeg"
		}
		parts = append(parts, Part{InlineData: &Blob{
			MIMEType: mime,
			Data:     base64.StdEncoding.EncodeToString(img.Data),
		}})
	}
	if len(parts) == 1 {
		return c.GenerateText(ctx, opts, prompt)
	}

	req := generateContentRequest{
		Contents: []Content{{Role: "user", Parts: parts}},
	}
	resp, err := c.generate(ctx, "vision", opts, req)
	if err != nil {
		return "", err
	}
	text := candidateText(resp)
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("no text found in vision response (finish_reason=%s)", resp.Candidates[0].FinishReason)
	}
	return text, nil
}

func (c *client) Chat(ctx context.Context, opts GenerateOptions, history []Content, tools []Tool) (*ChatTurn, error) {
	if len(history) == 0 {
		return nil, errors.New("history required")
	}

	req := generateContentRequest{
		Contents: history,
		Tools:    tools,
	}
	resp, err := c.generate(ctx, "chat", opts, req)
	if err != nil {
		return nil, err
	}

	cand := resp.Candidates[0]
	turn := &ChatTurn{
		Content:      cand.Content,
		FinishReason: cand.FinishReason,
	}
	var text strings.Builder
	for _, p := range cand.Content.Parts {
		if p.Text != "" {
			text.WriteString(p.Text)
		}
		if p.FunctionCall != nil {
			turn.FunctionCalls = append(turn.FunctionCalls, *p.FunctionCall)
		}
	}
	turn.Text = text.String()
	return turn, nil
}

// ExtractJSONBlock pulls a JSON object or array out of model text that may
// be fenced or wrapped in prose.
func ExtractJSONBlock(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if json.Valid([]byte(s)) {
		return s
	}
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		rest = strings.TrimPrefix(rest, "JSON")
		if j := strings.Index(rest, "```"); j >= 0 {
			inner := strings.TrimSpace(rest[:j])
			if json.Valid([]byte(inner)) {
				return inner
			}
		}
	}
	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		start := strings.Index(s, pair[0])
		end := strings.LastIndex(s, pair[1])
		if start >= 0 && end > start {
			inner := strings.TrimSpace(s[start : end+1])
			if json.Valid([]byte(inner)) {
				return inner
			}
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
