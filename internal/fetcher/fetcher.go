// Package fetcher pulls raw news items from the configured sources.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ryosukesatoh/news-distill/internal/config"
	"github.com/ryosukesatoh/news-distill/internal/news"
	"github.com/ryosukesatoh/news-distill/internal/retry"
)

// Source yields the items of one news source. since is nil on a full fetch;
// sources that know publish times drop anything older.
type Source interface {
	Name() string
	Fetch(ctx context.Context, since *time.Time) ([]news.Item, error)
}

// FetchError reports a source that could not be read.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch: source %s: %v", e.Source, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// SourceResult is the per-source outcome of a fetch.
type SourceResult struct {
	Source   string        `json:"source"`
	Items    int           `json:"items"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
}

type Options struct {
	Concurrency int
	Timeout     time.Duration
	Retry       retry.Config
	Stagger     time.Duration
	// TolerantPartial keeps going when some sources fail as long as one succeeds.
	TolerantPartial bool
}

type Fetcher struct {
	sources []Source
	opts    Options
	logger  *slog.Logger
}

func New(sources []Source, opts Options, logger *slog.Logger) *Fetcher {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Fetcher{
		sources: sources,
		opts:    opts,
		logger:  logger.With("component", "fetcher"),
	}
}

// FromConfig builds every configured source and the fetcher around them.
func FromConfig(cfg *config.Config, logger *slog.Logger) (*Fetcher, error) {
	sources := make([]Source, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		src, err := NewSource(sc)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return New(sources, Options{
		Concurrency:     cfg.Fetch.Concurrency,
		Timeout:         cfg.Fetch.Timeout,
		Retry:           retry.Config{MaxRetries: cfg.Fetch.RetryCount(), BaseDelay: time.Second},
		Stagger:         cfg.Fetch.Stagger,
		TolerantPartial: cfg.Fetch.TolerantPartial,
	}, logger), nil
}

// NewSource builds the source registered for cfg.Type.
func NewSource(cfg config.SourceConfig) (Source, error) {
	switch cfg.Type {
	case "newsnow":
		return NewNewsNow(cfg), nil
	case "rss":
		return NewRSS(cfg), nil
	case "arxiv":
		return NewArxiv(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, cfg.Type)
	}
}

// ErrUnsupportedSourceType is returned when an unsupported source type is specified
var ErrUnsupportedSourceType = errors.New("unsupported source type")

// Names lists the sources in configuration order.
func (f *Fetcher) Names() []string {
	names := make([]string, len(f.sources))
	for i, s := range f.sources {
		names[i] = s.Name()
	}
	return names
}

// FetchAll reads every source concurrently. Items keep source order, then
// each source's own order; repeated ids keep their first occurrence.
// Any failing source fails the fetch unless TolerantPartial is set, in which
// case only a fetch where every source failed is an error.
func (f *Fetcher) FetchAll(ctx context.Context, since *time.Time) ([]news.Item, []SourceResult, error) {
	perSource := make([][]news.Item, len(f.sources))
	results := make([]SourceResult, len(f.sources))

	sem := make(chan struct{}, f.opts.Concurrency)
	var wg sync.WaitGroup

	for i, src := range f.sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()

			if f.opts.Stagger > 0 && i > 0 {
				select {
				case <-ctx.Done():
					results[i] = SourceResult{Source: src.Name(), Err: ctx.Err()}
					return
				case <-time.After(time.Duration(i) * f.opts.Stagger):
				}
			}

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[i] = SourceResult{Source: src.Name(), Err: ctx.Err()}
				return
			}

			start := time.Now()
			items, err := f.fetchOne(ctx, src, since)
			results[i] = SourceResult{Source: src.Name(), Items: len(items), Duration: time.Since(start), Err: err}
			perSource[i] = items
		}(i, src)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, results, err
	}

	var firstErr error
	failed := 0
	for i := range results {
		r := &results[i]
		if r.Err == nil {
			f.logger.Info("source fetched", "source", r.Source, "items", r.Items, "duration", r.Duration)
			continue
		}
		r.Error = r.Err.Error()
		failed++
		f.logger.Error("source failed", "source", r.Source, "error", r.Err)
		if firstErr == nil {
			firstErr = &FetchError{Source: r.Source, Err: r.Err}
		}
	}

	if failed > 0 && (!f.opts.TolerantPartial || failed == len(f.sources)) {
		return nil, results, firstErr
	}

	seen := make(map[string]struct{})
	var all []news.Item
	for _, items := range perSource {
		for _, it := range items {
			if _, dup := seen[it.ID]; dup {
				continue
			}
			seen[it.ID] = struct{}{}
			all = append(all, it)
		}
	}
	return all, results, nil
}

func (f *Fetcher) fetchOne(ctx context.Context, src Source, since *time.Time) ([]news.Item, error) {
	var items []news.Item
	err := retry.WithBackoff(ctx, f.opts.Retry, func(ctx context.Context) error {
		if f.opts.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, f.opts.Timeout)
			defer cancel()
		}
		var err error
		items, err = src.Fetch(ctx, since)
		return err
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}
