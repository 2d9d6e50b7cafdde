package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stupiduntilnot/relay/internal/conversation"
	"github.com/stupiduntilnot/relay/internal/model"
)

const (
	// DefaultURL is the DeepSeek chat completions endpoint.
	DefaultURL   = "https://api.deepseek.com/v1/chat/completions"
	DefaultModel = "deepseek-chat"
)

// Client is a minimal OpenAI-compatible chat completions client.
type Client struct {
	apiKey     string
	url        string
	model      string
	httpClient *http.Client
}

// NewClient creates a client. timeout bounds the whole request; zero keeps
// the transport default.
func NewClient(apiKey, url, modelName string, timeout time.Duration) *Client {
	return &Client{
		apiKey: apiKey,
		url:    url,
		model:  modelName,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Message is one entry of the request's messages array.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message *struct {
			Role    string  `json:"role"`
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *usage `json:"usage"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// BuildMessages returns the request messages: the system prompt followed by
// history in order, untouched.
func BuildMessages(systemPrompt string, history []conversation.Turn) []Message {
	turns := conversation.StandardAssembler{}.Assemble(systemPrompt, history)
	messages := make([]Message, 0, len(turns))
	for _, t := range turns {
		messages = append(messages, Message{Role: string(t.Role), Content: t.Content})
	}
	return messages
}

// Complete sends one chat completion request. Every failure is reported in
// the returned Result; nothing is retried.
func (c *Client) Complete(ctx context.Context, req model.Request) model.Result {
	started := time.Now()
	result := c.complete(ctx, req)
	result.Latency = time.Since(started)
	return result
}

func (c *Client) complete(ctx context.Context, req model.Request) model.Result {
	reqBody := chatRequest{
		Model:       c.model,
		Messages:    BuildMessages(req.SystemPrompt, req.History),
		Temperature: req.Options.Temperature,
		MaxTokens:   req.Options.MaxTokens,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return model.Failed(&model.CompletionError{
			Kind: model.KindTransport,
			Err:  fmt.Errorf("failed to marshal completion request: %w", err),
		})
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return model.Failed(&model.CompletionError{
			Kind: model.KindTransport,
			Err:  fmt.Errorf("failed to create completion request: %w", err),
		})
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return model.Failed(model.TransportFailure(fmt.Errorf("completion request failed: %w", err)))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.Failed(model.TransportFailure(fmt.Errorf("failed reading completion response: %w", err)))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return model.Failed(&model.CompletionError{
			Kind:       model.KindStatus,
			StatusCode: resp.StatusCode,
			Body:       truncate(string(body), 400),
		})
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return model.Failed(model.MalformedResponse("failed to parse completion response", truncate(string(body), 400)))
	}
	if len(parsed.Choices) == 0 {
		return model.Failed(model.MalformedResponse("completion response has no choices", truncate(string(body), 400)))
	}
	msg := parsed.Choices[0].Message
	if msg == nil || msg.Content == nil {
		return model.Failed(model.MalformedResponse("completion choice has no message content", truncate(string(body), 400)))
	}

	result := model.Succeeded(*msg.Content)
	if parsed.Usage != nil {
		result.InputTokens = parsed.Usage.PromptTokens
		result.OutputTokens = parsed.Usage.CompletionTokens
	}
	return result
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
