// Package provider puts interchangeable LLM backends behind one interface
// and falls through them in priority order.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ryosukesatoh/news-distill/internal/config"
)

// Request is a single prompt sent to a model.
type Request struct {
	System    string
	User      string
	MaxTokens int
	// Validate, when set, rejects replies the caller cannot use. A rejected
	// reply counts as that provider's failure and the Chain moves on.
	Validate func(text string) error
}

// Usage reports token consumption as returned by the backend.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the model's raw text answer.
type Response struct {
	Text  string
	Usage Usage
}

// Provider is one LLM backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// Factory builds a Provider from its configuration.
type Factory func(cfg config.ProviderConfig) (Provider, error)

var factories = map[string]Factory{
	"openai":    func(cfg config.ProviderConfig) (Provider, error) { return NewOpenAI(cfg), nil },
	"anthropic": func(cfg config.ProviderConfig) (Provider, error) { return NewAnthropic(cfg), nil },
	"gemini":    func(cfg config.ProviderConfig) (Provider, error) { return NewGemini(cfg), nil },
	"ollama":    func(cfg config.ProviderConfig) (Provider, error) { return NewOllama(cfg), nil },
}

// New builds the provider variant registered for cfg.Type.
func New(cfg config.ProviderConfig) (Provider, error) {
	f, ok := factories[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("provider: type %s is not registered (registered: %s)", cfg.Type, strings.Join(Types(), ", "))
	}
	return f(cfg)
}

// Types lists the registered provider types.
func Types() []string {
	types := make([]string, 0, len(factories))
	for t := range factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Attempt records how one provider fared within a Chain call.
type Attempt struct {
	Provider string        `json:"provider"`
	Calls    int           `json:"calls"`
	Duration time.Duration `json:"duration"`
	Usage    Usage         `json:"usage"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
}

// OK reports whether the attempt produced a response.
func (a Attempt) OK() bool { return a.Err == nil }

// ErrMalformedResponse matches any reply rejected by Request.Validate.
var ErrMalformedResponse = errors.New("malformed response")

// MalformedResponseError is a reply that arrived but failed validation.
type MalformedResponseError struct {
	Provider string
	Raw      string
	Err      error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Provider, ErrMalformedResponse, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

func (e *MalformedResponseError) Is(target error) bool { return target == ErrMalformedResponse }

// ErrProviderExhausted matches any ProviderExhaustedError via errors.Is.
var ErrProviderExhausted = errors.New("all providers failed")

// ProviderExhaustedError is returned when every provider in a Chain failed.
type ProviderExhaustedError struct {
	Attempts []Attempt
}

func (e *ProviderExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Provider, a.Err))
	}
	return fmt.Sprintf("provider: %s (%s)", ErrProviderExhausted, strings.Join(parts, "; "))
}

func (e *ProviderExhaustedError) Is(target error) bool {
	return target == ErrProviderExhausted
}

// Malformed reports whether every provider answered with a rejected reply,
// and returns the last of them.
func (e *ProviderExhaustedError) Malformed() (*MalformedResponseError, bool) {
	var last *MalformedResponseError
	for _, a := range e.Attempts {
		var m *MalformedResponseError
		if !errors.As(a.Err, &m) {
			return nil, false
		}
		last = m
	}
	return last, last != nil
}

// statusError formats a backend HTTP failure so retry can classify it.
func statusError(name string, code int, err error) error {
	return fmt.Errorf("%s: status %d: %w", name, code, err)
}
