// Package langchain implements model.Provider on top of langchaingo's
// OpenAI-compatible LLM client.
package langchain

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"

	"github.com/stupiduntilnot/relay/internal/conversation"
	"github.com/stupiduntilnot/relay/internal/model"
)

// Provider sends completions through langchaingo.
type Provider struct {
	llm llms.Model
}

// New creates a Provider talking to baseURL (e.g. "https://api.deepseek.com/v1").
func New(baseURL, token, modelName string, timeout time.Duration) (*Provider, error) {
	llm, err := openai.New(
		openai.WithToken(token),
		openai.WithBaseURL(baseURL),
		openai.WithModel(modelName),
		openai.WithHTTPClient(&http.Client{Timeout: timeout}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to init langchain openai client: %w", err)
	}
	return &Provider{llm: llm}, nil
}

// NewWithModel wraps an existing langchaingo model.
func NewWithModel(llm llms.Model) *Provider {
	return &Provider{llm: llm}
}

// Complete implements model.Provider.
func (p *Provider) Complete(ctx context.Context, req model.Request) model.Result {
	started := time.Now()
	result := p.complete(ctx, req)
	result.Latency = time.Since(started)
	return result
}

func (p *Provider) complete(ctx context.Context, req model.Request) model.Result {
	turns := conversation.StandardAssembler{}.Assemble(req.SystemPrompt, req.History)
	messages := make([]llms.MessageContent, 0, len(turns))
	for _, t := range turns {
		messages = append(messages, llms.TextParts(messageType(t.Role), t.Content))
	}

	resp, err := p.llm.GenerateContent(ctx, messages,
		llms.WithTemperature(req.Options.Temperature),
		llms.WithMaxTokens(req.Options.MaxTokens),
	)
	if err != nil {
		return model.Failed(model.TransportFailure(fmt.Errorf("langchain completion failed: %w", err)))
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		return model.Failed(model.MalformedResponse("completion response has no choices", ""))
	}
	choice := resp.Choices[0]

	result := model.Succeeded(choice.Content)
	result.InputTokens = intInfo(choice.GenerationInfo, "PromptTokens")
	result.OutputTokens = intInfo(choice.GenerationInfo, "CompletionTokens")
	return result
}

func messageType(role conversation.Role) schema.ChatMessageType {
	switch role {
	case conversation.RoleSystem:
		return schema.ChatMessageTypeSystem
	case conversation.RoleAssistant:
		return schema.ChatMessageTypeAI
	default:
		return schema.ChatMessageTypeHuman
	}
}

func intInfo(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
