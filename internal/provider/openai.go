package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ryosukesatoh/news-distill/internal/config"
)

// OpenAI talks to any OpenAI-compatible chat completion endpoint: OpenAI
// itself, DeepSeek, DashScope (Qwen), Moonshot (Kimi) and the like.
type OpenAI struct {
	name        string
	model       string
	maxTokens   int
	temperature float32
	client      *openai.Client
}

func NewOpenAI(cfg config.ProviderConfig) *OpenAI {
	return newOpenAIWithClient(cfg, http.DefaultClient)
}

func newOpenAIWithClient(cfg config.ProviderConfig, httpClient *http.Client) *OpenAI {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	oc.HTTPClient = httpClient

	return &OpenAI{
		name:        cfg.Name,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: float32(cfg.Temperature),
		client:      openai.NewClientWithConfig(oc),
	}
}

func (p *OpenAI) Name() string { return p.name }

func (p *OpenAI) Complete(ctx context.Context, req Request) (Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.maxTokens
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.User,
	})

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: p.temperature,
	})
	if err != nil {
		return Response{}, p.wrapErr(err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("%s: no choices in response", p.name)
	}

	return Response{
		Text: resp.Choices[0].Message.Content,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func (p *OpenAI) wrapErr(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return statusError(p.name, apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return statusError(p.name, reqErr.HTTPStatusCode, err)
	}
	return fmt.Errorf("%s: %w", p.name, err)
}
