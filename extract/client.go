package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/teranos/inkest/errors"
	"github.com/teranos/inkest/internal/httpclient"
	"github.com/teranos/inkest/logger"
	"github.com/teranos/inkest/source"
)

const (
	// DefaultModel is the fallback model when none is specified
	DefaultModel = "openai/gpt-4o-mini"

	// DefaultMaxContentChars head-truncates item text before submission
	DefaultMaxContentChars = 8000

	systemPrompt = `You are an information extraction service. Given the text of a saved social media post, respond with a single JSON object and nothing else. The object must have exactly these fields:
  "entities": array of named entities mentioned (people, organizations, products, places); may be empty
  "topics": array of short topic labels; may be empty
  "sentiment": one of "positive", "negative", "neutral", "mixed"
  "summary": one or two sentences summarizing the post
Do not wrap the JSON in markdown fences or add commentary.`

	// strictSystemPrompt is the one re-prompt used after a malformed
	// response before giving up.
	strictSystemPrompt = systemPrompt + `
Your previous response was not valid JSON matching this schema. Respond ONLY with the raw JSON object: no markdown, no explanation, no leading or trailing text.`
)

// Config holds extraction client configuration
type Config struct {
	APIKey          string
	BaseURL         string // Default: https://openrouter.ai/api/v1
	Model           string
	MaxTokens       int
	MaxContentChars int
	Timeout         time.Duration
	Logger          *zap.SugaredLogger
}

// Client speaks the OpenRouter chat-completions wire format.
type Client struct {
	cfg        Config
	httpClient *httpclient.SaferClient
	log        *zap.SugaredLogger
}

// NewClient creates an extraction client with inkest defaults.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://openrouter.ai/api/v1"
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1000
	}
	if cfg.MaxContentChars <= 0 {
		cfg.MaxContentChars = DefaultMaxContentChars
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpclient.NewSaferClient(cfg.Timeout),
		log:        log,
	}
}

// WithHTTPClient replaces the underlying HTTP client. Tests use it with
// httpclient.WrapClient to reach httptest servers.
func (c *Client) WithHTTPClient(client *httpclient.SaferClient) *Client {
	c.httpClient = client
	return c
}

// chatCompletionRequest is the chat-completions request body
type chatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatCompletionResponse is the subset of the response we consume
type chatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
}

// resultPayload is the JSON schema the model is asked to produce.
// Pointer fields distinguish "absent" from "empty".
type resultPayload struct {
	Entities  *[]string `json:"entities"`
	Topics    *[]string `json:"topics"`
	Sentiment string    `json:"sentiment"`
	Summary   string    `json:"summary"`
}

// Extract runs one item's text through the model and returns the
// validated result. A malformed response triggers exactly one stricter
// re-prompt; a second failure returns ErrMalformedResponse. HTTP 429
// maps to ErrQuotaExceeded so the orchestrator can cool down.
func (c *Client) Extract(ctx context.Context, item source.Item) (*Result, error) {
	if c.cfg.APIKey == "" {
		return nil, errors.Wrap(errors.ErrAuth, "extraction API key not configured")
	}

	text, truncated := headTruncate(item.Text, c.cfg.MaxContentChars)
	if truncated {
		c.log.Debugw("Truncating item content for extraction",
			logger.FieldItemID, item.ItemID,
			"original_chars", utf8.RuneCountInString(item.Text),
			"submitted_chars", utf8.RuneCountInString(text),
		)
	}

	content, modelVersion, err := c.complete(ctx, systemPrompt, text)
	if err != nil {
		return nil, err
	}

	// Parse and schema-check as one attempt: an output that decodes but
	// carries an unknown sentiment or empty summary earns the same
	// single stricter re-prompt as unparseable JSON.
	result, attemptErr := resultFromContent(content, item, truncated, modelVersion, false)
	if attemptErr != nil {
		c.log.Warnw("Malformed extraction response, re-prompting once",
			logger.FieldItemID, item.ItemID,
			logger.FieldError, attemptErr,
		)
		content, modelVersion, err = c.complete(ctx, strictSystemPrompt, text)
		if err != nil {
			return nil, err
		}
		result, attemptErr = resultFromContent(content, item, truncated, modelVersion, true)
		if attemptErr != nil {
			return nil, errors.Wrapf(errors.ErrMalformedResponse, "still malformed after re-prompt: %v", attemptErr)
		}
	}

	return result, nil
}

// resultFromContent decodes one completion into a validated Result.
func resultFromContent(content string, item source.Item, truncated bool, modelVersion string, reprompted bool) (*Result, error) {
	payload, err := parsePayload(content)
	if err != nil {
		return nil, err
	}

	result := &Result{
		ItemID:       item.ItemID,
		Sentiment:    strings.ToLower(payload.Sentiment),
		Summary:      strings.TrimSpace(payload.Summary),
		Truncated:    truncated,
		ExtractedAt:  time.Now().UTC(),
		ModelVersion: modelVersion,
		Reprompted:   reprompted,
	}
	if payload.Entities != nil {
		result.Entities = *payload.Entities
	} else {
		result.Entities = []string{}
	}
	if payload.Topics != nil {
		result.Topics = *payload.Topics
	} else {
		result.Topics = []string{}
	}

	if err := result.Validate(); err != nil {
		return nil, err
	}

	return result, nil
}

// complete performs one chat-completions round trip and returns the
// assistant message content plus the responding model identifier.
func (c *Client) complete(ctx context.Context, system, user string) (string, string, error) {
	reqBody, err := json.Marshal(chatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.2,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return "", "", errors.Wrap(err, "failed to marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/chat/completions", bytes.NewBuffer(reqBody))
	if err != nil {
		return "", "", errors.Wrap(err, "failed to create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("X-Title", "inkest")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return "", "", errors.Wrapf(errors.ErrTimeout, "extraction call: %v", err)
		}
		return "", "", errors.Wrapf(errors.ErrTransient, "extraction request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", errors.Wrapf(errors.ErrTransient, "failed to read response: %v", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", "", errors.Wrapf(errors.ErrQuotaExceeded, "HTTP 429: %s", truncateBody(respBody))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", "", errors.Wrapf(errors.ErrAuth, "HTTP %d: %s", resp.StatusCode, truncateBody(respBody))
	case resp.StatusCode >= 500:
		return "", "", errors.Wrapf(errors.ErrTransient, "HTTP %d: %s", resp.StatusCode, truncateBody(respBody))
	default:
		return "", "", errors.Wrapf(errors.ErrPermanent, "HTTP %d: %s", resp.StatusCode, truncateBody(respBody))
	}

	var chatResp chatCompletionResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", "", errors.Wrapf(errors.ErrMalformedResponse, "unparseable completion envelope: %v", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", "", errors.Wrap(errors.ErrMalformedResponse, "completion has no choices")
	}

	model := chatResp.Model
	if model == "" {
		model = c.cfg.Model
	}

	return chatResp.Choices[0].Message.Content, model, nil
}

// parsePayload decodes the model output into the result schema. It
// tolerates markdown fences since models add them despite instructions.
func parsePayload(content string) (*resultPayload, error) {
	content = stripFences(strings.TrimSpace(content))

	var payload resultPayload
	decoder := json.NewDecoder(strings.NewReader(content))
	if err := decoder.Decode(&payload); err != nil {
		return nil, errors.Newf("response was not valid JSON: %v", err)
	}
	if payload.Entities == nil && payload.Topics == nil && payload.Sentiment == "" && payload.Summary == "" {
		return nil, errors.New("response JSON matched none of the schema fields")
	}

	return &payload, nil
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// headTruncate keeps the first max characters of text, cutting at a
// rune boundary. Characters are runes, not bytes.
func headTruncate(text string, max int) (string, bool) {
	if utf8.RuneCountInString(text) <= max {
		return text, false
	}
	return string([]rune(text)[:max]), true
}

func truncateBody(body []byte) string {
	const max = 300
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
