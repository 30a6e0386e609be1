package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/ryosukesatoh/news-distill/internal/config"
)

// Gemini uses Google's Generative Language API.
type Gemini struct {
	name        string
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	opts        []option.ClientOption
}

func NewGemini(cfg config.ProviderConfig) *Gemini {
	g := &Gemini{
		name:        cfg.Name,
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
	if cfg.BaseURL != "" {
		g.opts = append(g.opts, option.WithEndpoint(cfg.BaseURL))
	}
	return g
}

func (p *Gemini) Name() string { return p.name }

func (p *Gemini) Complete(ctx context.Context, req Request) (Response, error) {
	opts := append([]option.ClientOption{option.WithAPIKey(p.apiKey)}, p.opts...)
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return Response{}, fmt.Errorf("%s: create client: %w", p.name, err)
	}
	defer client.Close()

	model := client.GenerativeModel(p.model)
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.maxTokens
	}
	model.SetMaxOutputTokens(int32(maxTokens))
	if p.temperature > 0 {
		model.SetTemperature(float32(p.temperature))
	}
	model.ResponseMIMEType = "application/json"

	resp, err := model.GenerateContent(ctx, genai.Text(req.User))
	if err != nil {
		var gErr *googleapi.Error
		if errors.As(err, &gErr) {
			return Response{}, statusError(p.name, gErr.Code, err)
		}
		return Response{}, fmt.Errorf("%s: %w", p.name, err)
	}

	text, err := geminiText(resp)
	if err != nil {
		return Response{}, fmt.Errorf("%s: %w", p.name, err)
	}

	out := Response{Text: text}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}

// geminiText concatenates the text parts of the first candidate.
func geminiText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", errors.New("no candidates in response")
	}
	cand := resp.Candidates[0]
	if cand.Content == nil {
		return "", fmt.Errorf("candidate has no content (finish reason %v)", cand.FinishReason)
	}

	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("empty response")
	}
	return sb.String(), nil
}
