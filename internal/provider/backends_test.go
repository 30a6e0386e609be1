package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/google/generative-ai-go/genai"

	"github.com/ryosukesatoh/news-distill/internal/config"
	"github.com/ryosukesatoh/news-distill/internal/retry"
)

func TestOpenAIComplete(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer ds_key" {
			t.Errorf("unexpected auth header %q", got)
		}

		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		raw, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		if body.Model != "deepseek-chat" {
			t.Errorf("unexpected model %q", body.Model)
		}
		if len(body.Messages) != 2 || body.Messages[0].Role != "system" {
			t.Errorf("expected system and user messages, got %+v", body.Messages)
		}

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"deepseek-chat",
			"choices":[{"index":0,"message":{"role":"assistant","content":"digest"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`)
	}))
	defer ts.Close()

	p := newOpenAIWithClient(config.ProviderConfig{
		Name: "deepseek", APIKey: "ds_key", BaseURL: ts.URL + "/v1", Model: "deepseek-chat", MaxTokens: 100,
	}, ts.Client())

	resp, err := p.Complete(context.Background(), Request{System: "sys", User: "user"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	assert.Equal(t, resp.Text, "digest")
	assert.Equal(t, resp.Usage, Usage{InputTokens: 12, OutputTokens: 3})
}

func TestOpenAIStatusErrorIsClassified(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"message":"invalid api key","type":"invalid_request_error"}}`)
	}))
	defer ts.Close()

	p := newOpenAIWithClient(config.ProviderConfig{
		Name: "qwen", APIKey: "bad", BaseURL: ts.URL, Model: "qwen-plus",
	}, ts.Client())

	_, err := p.Complete(context.Background(), Request{User: "user"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "status 401") {
		t.Errorf("expected status 401 in error, got %v", err)
	}

	calls := 0
	werr := retry.WithBackoff(context.Background(), retry.Config{MaxRetries: 3}, func(ctx context.Context) error {
		calls++
		_, err := p.Complete(ctx, Request{User: "user"})
		return err
	})
	if werr == nil || calls != 1 {
		t.Errorf("expected a single non-retried call, got %d calls (err %v)", calls, werr)
	}
}

func TestAnthropicComplete(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("X-Api-Key"); got != "claude_key" {
			t.Errorf("unexpected api key header %q", got)
		}
		raw, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(raw), `"system"`) {
			t.Errorf("expected system prompt in body, got %s", raw)
		}

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-20250514",
			"content":[{"type":"text","text":"{\"headline\":\"h\"}"}],
			"stop_reason":"end_turn","usage":{"input_tokens":20,"output_tokens":7}}`)
	}))
	defer ts.Close()

	p := NewAnthropic(config.ProviderConfig{
		Name: "claude", APIKey: "claude_key", BaseURL: ts.URL, Model: "claude-sonnet-4-20250514", MaxTokens: 512,
	})

	resp, err := p.Complete(context.Background(), Request{System: "sys", User: "user"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	assert.Equal(t, resp.Text, `{"headline":"h"}`)
	assert.Equal(t, resp.Usage, Usage{InputTokens: 20, OutputTokens: 7})
}

func TestAnthropicStatusError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))
	defer ts.Close()

	p := NewAnthropic(config.ProviderConfig{
		Name: "claude", APIKey: "k", BaseURL: ts.URL, Model: "claude-sonnet-4-20250514", MaxTokens: 512,
	})
	_, err := p.Complete(context.Background(), Request{User: "user"})
	if err == nil || !strings.Contains(err.Error(), "status 429") {
		t.Fatalf("expected status 429 error, got %v", err)
	}
}

func TestOllamaComplete(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad body: %v", err)
		}
		if req.Stream {
			t.Error("expected non-streaming request")
		}
		if req.Model != "mistral" || req.System != "sys" {
			t.Errorf("unexpected request %+v", req)
		}
		io.WriteString(w, `{"response":"  {\"headline\":\"x\"} ","done":true,"prompt_eval_count":9,"eval_count":4}`)
	}))
	defer ts.Close()

	p := NewOllama(config.ProviderConfig{Name: "local", BaseURL: ts.URL + "/", Model: "mistral"})
	resp, err := p.Complete(context.Background(), Request{System: "sys", User: "user"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	assert.Equal(t, resp.Text, `{"headline":"x"}`)
	assert.Equal(t, resp.Usage.InputTokens, 9)
}

func TestOllamaErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"server error", http.StatusInternalServerError, "boom", "unexpected status 500"},
		{"model error", http.StatusOK, `{"error":"model not found"}`, "model not found"},
		{"garbage", http.StatusOK, "<html>", "unexpected response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer ts.Close()

			p := NewOllama(config.ProviderConfig{Name: "local", BaseURL: ts.URL, Model: "mistral"})
			_, err := p.Complete(context.Background(), Request{User: "user"})
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestGeminiText(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{genai.Text(`{"headline":`), genai.Text(`"g"}`)}},
		}},
	}
	text, err := geminiText(resp)
	if err != nil {
		t.Fatalf("geminiText: %v", err)
	}
	assert.Equal(t, text, `{"headline":"g"}`)

	if _, err := geminiText(&genai.GenerateContentResponse{}); err == nil {
		t.Error("expected error for no candidates")
	}
	if _, err := geminiText(&genai.GenerateContentResponse{Candidates: []*genai.Candidate{{}}}); err == nil {
		t.Error("expected error for candidate without content")
	}
}

func TestGeminiComplete(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-1.5-flash:generateContent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "gem_key" && r.Header.Get("X-Goog-Api-Key") != "gem_key" {
			t.Errorf("api key not sent: %s", r.URL.String())
		}
		var body struct {
			SystemInstruction struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			Contents []struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"contents"`
			GenerationConfig struct {
				MaxOutputTokens  int    `json:"maxOutputTokens"`
				ResponseMimeType string `json:"responseMimeType"`
			} `json:"generationConfig"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(body.SystemInstruction.Parts) != 1 || body.SystemInstruction.Parts[0].Text != "be an editor" {
			t.Errorf("unexpected system instruction: %+v", body.SystemInstruction)
		}
		if len(body.Contents) != 1 || len(body.Contents[0].Parts) != 1 || body.Contents[0].Parts[0].Text != "list of items" {
			t.Errorf("unexpected contents: %+v", body.Contents)
		}
		assert.Equal(t, body.GenerationConfig.MaxOutputTokens, 256)
		assert.Equal(t, body.GenerationConfig.ResponseMimeType, "application/json")

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"{\"headline\":"},{"text":"\"g\"}"}]},"finishReason":"STOP","index":0}],
			"usageMetadata":{"promptTokenCount":11,"candidatesTokenCount":4,"totalTokenCount":15}}`)
	}))
	defer ts.Close()

	p := NewGemini(config.ProviderConfig{Name: "gem", APIKey: "gem_key", BaseURL: ts.URL, Model: "gemini-1.5-flash", MaxTokens: 1024})

	resp, err := p.Complete(context.Background(), Request{System: "be an editor", User: "list of items", MaxTokens: 256})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	assert.Equal(t, resp.Text, `{"headline":"g"}`)
	assert.Equal(t, resp.Usage, Usage{InputTokens: 11, OutputTokens: 4})
}

func TestGeminiStatusErrorIsClassified(t *testing.T) {
	var calls int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `{"error":{"code":403,"message":"API key not valid","status":"PERMISSION_DENIED"}}`)
	}))
	defer ts.Close()

	p := NewGemini(config.ProviderConfig{Name: "gem", APIKey: "bad", BaseURL: ts.URL, Model: "gemini-1.5-flash", MaxTokens: 64})

	werr := retry.WithBackoff(context.Background(), retry.Config{MaxRetries: 2}, func(ctx context.Context) error {
		_, err := p.Complete(ctx, Request{User: "x"})
		return err
	})
	if werr == nil || !strings.Contains(werr.Error(), "status 403") {
		t.Fatalf("expected status 403 error, got %v", werr)
	}
	assert.Equal(t, calls, 1)
}
