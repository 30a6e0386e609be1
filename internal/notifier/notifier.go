// Package notifier delivers a digest to every configured channel and tracks
// each channel's outcome independently.
package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ryosukesatoh/news-distill/internal/config"
	"github.com/ryosukesatoh/news-distill/internal/news"
	"github.com/ryosukesatoh/news-distill/internal/retry"
)

// Channel publishes a digest to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, digest *news.Digest) error
}

// Policy controls retries and the per-attempt deadline of every channel.
type Policy struct {
	Retry   retry.Config
	Timeout time.Duration
	Logger  *slog.Logger
}

// PolicyFromConfig maps the notify section of the config.
func PolicyFromConfig(cfg config.NotifyConfig, logger *slog.Logger) Policy {
	return Policy{
		Retry:   retry.Config{MaxRetries: cfg.RetryCount(), BaseDelay: cfg.BaseDelay},
		Timeout: cfg.Timeout,
		Logger:  logger,
	}
}

// DeliveryError records why a channel could not be delivered.
type DeliveryError struct {
	Channel string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("notifier: channel %s: %v", e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

type Result struct {
	Delivered bool          `json:"delivered"`
	Attempts  int           `json:"attempts"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
	Error     string        `json:"error,omitempty"`
}

type Report struct {
	Results map[string]Result `json:"results"`
}

// Success is true when no channel is configured or at least one delivered.
func (r Report) Success() bool {
	if len(r.Results) == 0 {
		return true
	}
	for _, res := range r.Results {
		if res.Delivered {
			return true
		}
	}
	return false
}

// Failed lists the names of channels that were not delivered, sorted.
func (r Report) Failed() []string {
	var names []string
	for name, res := range r.Results {
		if !res.Delivered {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Dispatch sends digest to every channel concurrently. Each channel is tried
// with its own retries and never affects the others.
func Dispatch(ctx context.Context, digest *news.Digest, channels []Channel, policy Policy) Report {
	logger := policy.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "notifier")

	report := Report{Results: make(map[string]Result, len(channels))}
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, ch := range channels {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			res := deliver(ctx, digest, ch, policy)

			if res.Delivered {
				logger.Info("delivered", "channel", ch.Name(), "attempts", res.Attempts, "duration", res.Duration)
			} else {
				logger.Error("delivery failed", "channel", ch.Name(), "attempts", res.Attempts, "error", res.Err)
			}

			mu.Lock()
			report.Results[ch.Name()] = res
			mu.Unlock()
		}(ch)
	}
	wg.Wait()

	return report
}

func deliver(ctx context.Context, digest *news.Digest, ch Channel, policy Policy) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.Delivered = false
			res.Err = &DeliveryError{Channel: ch.Name(), Err: fmt.Errorf("panic: %v", r)}
		}
		res.Duration = time.Since(start)
		if res.Err != nil {
			res.Error = res.Err.Error()
		}
	}()

	err := retry.WithBackoff(ctx, policy.Retry, func(ctx context.Context) error {
		res.Attempts++
		if policy.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, policy.Timeout)
			defer cancel()
		}
		return ch.Send(ctx, digest)
	})
	if err != nil {
		res.Err = &DeliveryError{Channel: ch.Name(), Err: err}
		return res
	}
	res.Delivered = true
	return res
}

// Factory builds a channel from its config.
type Factory func(cfg config.ChannelConfig) (Channel, error)

var factories = map[string]Factory{
	"feishu":   func(cfg config.ChannelConfig) (Channel, error) { return NewFeishu(cfg.Name, cfg.WebhookURL), nil },
	"wecom":    func(cfg config.ChannelConfig) (Channel, error) { return NewWeCom(cfg.Name, cfg.WebhookURL), nil },
	"discord":  func(cfg config.ChannelConfig) (Channel, error) { return NewDiscord(cfg.Name, cfg.WebhookURL), nil },
	"telegram": func(cfg config.ChannelConfig) (Channel, error) { return NewTelegram(cfg), nil },
	"email":    func(cfg config.ChannelConfig) (Channel, error) { return NewEmail(cfg), nil },
	"stdout":   func(cfg config.ChannelConfig) (Channel, error) { return NewStdout(cfg.Name), nil },
	"web":      func(cfg config.ChannelConfig) (Channel, error) { return NewWeb(cfg.Name), nil },
}

// New builds the channel registered for cfg.Type.
func New(cfg config.ChannelConfig) (Channel, error) {
	f, ok := factories[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("notifier: channel type %s is not registered", cfg.Type)
	}
	return f(cfg)
}

// FromConfig builds all channels. The web channel, if any, is returned
// separately so the HTTP server can read from it.
func FromConfig(cfgs []config.ChannelConfig) ([]Channel, *Web, error) {
	var channels []Channel
	var web *Web
	for _, cfg := range cfgs {
		ch, err := New(cfg)
		if err != nil {
			return nil, nil, err
		}
		if w, ok := ch.(*Web); ok && web == nil {
			web = w
		}
		channels = append(channels, ch)
	}
	return channels, web, nil
}
