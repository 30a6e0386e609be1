package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ryosukesatoh/news-distill/internal/config"
	"github.com/ryosukesatoh/news-distill/internal/retry"
)

// Entry is a provider together with the policy the Chain applies to it.
type Entry struct {
	Provider  Provider
	Priority  int
	Timeout   time.Duration
	Retries   int
	BaseDelay time.Duration
}

// Chain tries providers from the highest priority (lowest number) down.
type Chain struct {
	entries []Entry
	logger  *slog.Logger
}

// Result is a successful Chain call.
type Result struct {
	Response Response
	Provider string
	Attempts []Attempt
}

// NewChain orders entries by priority. Equal priorities keep their given order.
func NewChain(logger *slog.Logger, entries ...Entry) *Chain {
	sorted := append([]Entry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	return &Chain{entries: sorted, logger: logger.With("component", "provider")}
}

// FromConfig builds every configured provider and chains them.
func FromConfig(cfgs []config.ProviderConfig, logger *slog.Logger) (*Chain, error) {
	entries := make([]Entry, 0, len(cfgs))
	for _, pc := range cfgs {
		p, err := New(pc)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{
			Provider:  p,
			Priority:  pc.Rank(),
			Timeout:   pc.Timeout,
			Retries:   pc.RetryCount(),
			BaseDelay: time.Second,
		})
	}
	return NewChain(logger, entries...), nil
}

// Names returns provider names in the order they are tried.
func (c *Chain) Names() []string {
	names := make([]string, len(c.entries))
	for i, e := range c.entries {
		names[i] = e.Provider.Name()
	}
	return names
}

// Complete sends req to the first provider whose answer passes req.Validate.
// Each provider gets its own bounded retries with a per-call timeout before
// the Chain falls through to the next one; a rejected answer is not retried
// on the same provider. When all fail the error is a *ProviderExhaustedError;
// a cancelled ctx is returned as is.
func (c *Chain) Complete(ctx context.Context, req Request) (*Result, error) {
	attempts := make([]Attempt, 0, len(c.entries))

	for _, e := range c.entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		att, resp := c.try(ctx, e, req)
		attempts = append(attempts, att)

		if att.OK() {
			return &Result{Response: resp, Provider: att.Provider, Attempts: attempts}, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.logger.Warn("provider failed, falling through",
			"provider", att.Provider, "calls", att.Calls, "error", att.Err)
	}

	return nil, &ProviderExhaustedError{Attempts: attempts}
}

func (c *Chain) try(ctx context.Context, e Entry, req Request) (Attempt, Response) {
	att := Attempt{Provider: e.Provider.Name()}
	start := time.Now()

	var resp Response
	policy := retry.Config{MaxRetries: e.Retries, BaseDelay: e.BaseDelay}
	err := retry.WithBackoff(ctx, policy, func(ctx context.Context) error {
		att.Calls++
		callCtx, cancel := context.WithTimeout(ctx, e.timeout())
		defer cancel()

		r, err := e.Provider.Complete(callCtx, req)
		if err != nil {
			return err
		}
		if r.Text == "" {
			return fmt.Errorf("%s: empty response", att.Provider)
		}
		if req.Validate != nil {
			if err := req.Validate(r.Text); err != nil {
				att.Usage = r.Usage
				return retry.Permanent(&MalformedResponseError{Provider: att.Provider, Raw: r.Text, Err: err})
			}
		}
		resp = r
		return nil
	})

	att.Duration = time.Since(start)
	if err != nil {
		att.Err = err
		att.Error = err.Error()
		return att, Response{}
	}
	att.Usage = resp.Usage
	c.logger.Info("provider answered",
		"provider", att.Provider,
		"calls", att.Calls,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"duration", att.Duration.Round(time.Millisecond))
	return att, resp
}

func (e Entry) timeout() time.Duration {
	if e.Timeout <= 0 {
		return 2 * time.Minute
	}
	return e.Timeout
}
