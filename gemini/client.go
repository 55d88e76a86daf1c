package gemini

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

const DefaultModel = "gemini-2.5-flash"

// Client generates extraction replies with the Gemini API.
type Client struct {
	client      *genai.Client
	modelName   string
	temperature float32
}

type Option func(*genai.ClientConfig)

// WithBaseURL points the client at another endpoint, such as a proxy.
func WithBaseURL(url string) Option {
	return func(cfg *genai.ClientConfig) {
		cfg.HTTPOptions.BaseURL = url
	}
}

// NewClient connects to the Gemini API backend.
func NewClient(ctx context.Context, apiKey, modelName string, opts ...Option) (*Client, error) {
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	if modelName == "" {
		modelName = DefaultModel
	}
	return &Client{
		client:      client,
		modelName:   modelName,
		temperature: 0.2,
	}, nil
}

// Generate sends one request and returns the text of the reply. The model is
// asked for a JSON response, but the caller still has to validate it.
func (c *Client) Generate(ctx context.Context, systemPrompt, userMessage string) (string, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		Temperature:       genai.Ptr(c.temperature),
		ResponseMIMEType:  "application/json",
	}

	res, err := c.client.Models.GenerateContent(ctx, c.modelName, genai.Text(userMessage), cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate content: %w", err)
	}

	text := res.Text()
	if text == "" {
		return "", fmt.Errorf("gemini returned empty text")
	}
	log.Debug().Str("model", c.modelName).Int("chars", len(text)).Msg("gemini: reply received")
	return text, nil
}
