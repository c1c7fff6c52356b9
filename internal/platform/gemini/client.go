// Package gemini wraps the Google GenAI SDK for the task operations.
//
// The client makes exactly one call per request. Retrying is left to the
// user through the task lifecycle, and API errors are returned unwrapped
// enough for classify to read their status codes.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nadmax/finboard/internal/config"
	"google.golang.org/genai"
)

// ContentGenerator is the subset of *genai.Models used here.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Client struct {
	models  ContentGenerator
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

func New(ctx context.Context, logger *slog.Logger, cfg config.LLMConfig) (*Client, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", ErrInvalidConfig)
	}
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", ErrInvalidConfig)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v", ErrInvalidConfig, err)
	}

	return NewWithGenerator(client.Models, cfg.ModelName, cfg.Timeout, logger), nil
}

func NewWithGenerator(models ContentGenerator, model string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		models:  models,
		model:   model,
		timeout: timeout,
		logger:  logger,
	}
}

// GenerateText sends a text prompt and returns the concatenated reply.
func (c *Client) GenerateText(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", ErrEmptyPrompt
	}

	return c.generate(ctx, []*genai.Part{{Text: prompt}}, nil)
}

// GenerateJSON asks for a JSON reply and decodes it into out.
func (c *Client) GenerateJSON(ctx context.Context, prompt string, out any) error {
	if strings.TrimSpace(prompt) == "" {
		return ErrEmptyPrompt
	}

	return c.generateJSON(ctx, []*genai.Part{{Text: prompt}}, out)
}

// ExtractJSON sends a document alongside the prompt and decodes the JSON reply into out.
func (c *Client) ExtractJSON(ctx context.Context, prompt string, document []byte, mimeType string, out any) error {
	if strings.TrimSpace(prompt) == "" {
		return ErrEmptyPrompt
	}
	if len(document) == 0 {
		return fmt.Errorf("%w: document is empty", ErrInvalidResponse)
	}

	parts := []*genai.Part{
		{InlineData: &genai.Blob{Data: document, MIMEType: mimeType}},
		{Text: prompt},
	}

	return c.generateJSON(ctx, parts, out)
}

func (c *Client) generateJSON(ctx context.Context, parts []*genai.Part, out any) error {
	text, err := c.generate(ctx, parts, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(stripCodeFence(text)), out); err != nil {
		return fmt.Errorf("%w: failed to parse JSON response: %v", ErrInvalidResponse, err)
	}

	return nil
}

func (c *Client) generate(ctx context.Context, parts []*genai.Part, cfg *genai.GenerateContentConfig) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	contents := []*genai.Content{{Role: "user", Parts: parts}}

	start := time.Now()
	resp, err := c.models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		c.logger.ErrorContext(ctx, "Gemini API call failed",
			"model", c.model,
			"duration", time.Since(start),
			"error", err)
		return "", err
	}

	switch {
	case resp == nil:
		return "", fmt.Errorf("%w: nil response", ErrInvalidResponse)
	case len(resp.Candidates) == 0:
		return "", fmt.Errorf("%w: no content generated", ErrInvalidResponse)
	case resp.Candidates[0].FinishReason == genai.FinishReasonSafety:
		return "", ErrContentBlocked
	case resp.Candidates[0].Content == nil:
		return "", fmt.Errorf("%w: empty content in response", ErrInvalidResponse)
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("%w: response has no text", ErrInvalidResponse)
	}

	c.logger.DebugContext(ctx, "Gemini API call successful",
		"model", c.model,
		"duration", time.Since(start),
		"response_length", sb.Len())

	return sb.String(), nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}

	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")

	return strings.TrimSpace(s)
}
