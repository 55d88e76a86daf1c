// Package chatmodel runs extraction through any eino chat model, typically
// an OpenAI-compatible endpoint.
package chatmodel

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

const DefaultOpenAIModel = "gpt-4o-mini"

// Model adapts an eino chat model to the extraction model contract.
type Model struct {
	chat model.BaseChatModel
}

func New(chat model.BaseChatModel) *Model {
	return &Model{chat: chat}
}

// NewOpenAI builds a Model talking to an OpenAI-compatible API.
func NewOpenAI(ctx context.Context, apiKey, baseURL, modelName string) (*Model, error) {
	if modelName == "" {
		modelName = DefaultOpenAIModel
	}
	chat, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:  apiKey,
		BaseURL: baseURL,
		Model:   modelName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create openai chat model: %w", err)
	}
	return New(chat), nil
}

func (m *Model) Generate(ctx context.Context, systemPrompt, userMessage string) (string, error) {
	resp, err := m.chat.Generate(ctx, []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(userMessage),
	})
	if err != nil {
		return "", fmt.Errorf("LLM call failed: %w", err)
	}
	if resp == nil || resp.Content == "" {
		return "", errors.New("LLM returned empty content")
	}
	return resp.Content, nil
}
