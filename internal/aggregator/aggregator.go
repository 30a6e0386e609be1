// Package aggregator turns the run's delta into a Digest by prompting the
// model provider chain batch by batch.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ryosukesatoh/news-distill/internal/config"
	"github.com/ryosukesatoh/news-distill/internal/news"
	"github.com/ryosukesatoh/news-distill/internal/provider"
)

// Completer is the part of provider.Chain the aggregator needs.
type Completer interface {
	Complete(ctx context.Context, req provider.Request) (*provider.Result, error)
}

type Options struct {
	MaxItemsPerBatch  int
	MaxTokensPerBatch int
	MaxBodyChars      int
	Workers           int
	Language          string
	MaxOutputTokens   int
}

// OptionsFromConfig maps the aggregator section of the config.
func OptionsFromConfig(cfg config.AggregatorConfig) Options {
	return Options{
		MaxItemsPerBatch:  cfg.MaxItemsPerBatch,
		MaxTokensPerBatch: cfg.MaxTokensPerBatch,
		MaxBodyChars:      cfg.MaxBodyChars,
		Workers:           cfg.Workers,
		Language:          cfg.Language,
	}
}

// Report describes the model calls made for one digest.
type Report struct {
	Batches  int                `json:"batches"`
	Attempts []provider.Attempt `json:"attempts"`
}

type Aggregator struct {
	llm    Completer
	opts   Options
	now    func() time.Time
	logger *slog.Logger
}

func New(llm Completer, opts Options, logger *slog.Logger) *Aggregator {
	if opts.MaxItemsPerBatch < 1 {
		opts.MaxItemsPerBatch = 80
	}
	if opts.MaxTokensPerBatch < 1 {
		opts.MaxTokensPerBatch = 6000
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Language == "" {
		opts.Language = "English"
	}
	return &Aggregator{
		llm:    llm,
		opts:   opts,
		now:    time.Now,
		logger: logger.With("component", "aggregator"),
	}
}

type batchResult struct {
	headline string
	entries  []news.Entry
	attempts []provider.Attempt
	err      error
}

// BuildDigest distills delta into a single Digest. An empty delta yields the
// "no new items" sentinel without calling the model. Any batch that fails
// aborts the whole digest.
func (a *Aggregator) BuildDigest(ctx context.Context, delta []news.Item) (*news.Digest, Report, error) {
	if len(delta) == 0 {
		a.logger.Info("empty delta, skipping model")
		return news.NoNewItems(a.now()), Report{}, nil
	}

	items := append([]news.Item(nil), delta...)
	news.SortChronological(items)

	batches := splitBatches(items, a.opts.MaxItemsPerBatch, a.opts.MaxTokensPerBatch, a.opts.MaxBodyChars)
	a.logger.Info("aggregating", "items", len(items), "batches", len(batches), "workers", a.opts.Workers)

	results := a.runBatches(ctx, batches)

	report := Report{Batches: len(batches)}
	for _, r := range results {
		report.Attempts = append(report.Attempts, r.attempts...)
	}
	for _, r := range results {
		if r.err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, report, ctxErr
			}
			return nil, report, r.err
		}
	}

	digest := &news.Digest{
		GeneratedAt:   a.now(),
		SourceItemIDs: make([]string, len(items)),
	}
	for i, it := range items {
		digest.SourceItemIDs[i] = it.ID
	}

	var headlines []string
	for _, r := range results {
		if h := strings.TrimSpace(r.headline); h != "" {
			headlines = append(headlines, h)
		}
		digest.Entries = append(digest.Entries, r.entries...)
	}
	digest.Headline = strings.Join(headlines, "; ")
	sortEntries(digest.Entries)

	return digest, report, nil
}

// runBatches processes batches sequentially or on a bounded pool. Results are
// indexed by batch so ordering never depends on completion order.
func (a *Aggregator) runBatches(ctx context.Context, batches [][]news.Item) []batchResult {
	results := make([]batchResult, len(batches))

	if a.opts.Workers == 1 || len(batches) == 1 {
		for i, b := range batches {
			results[i] = a.runBatch(ctx, i, b)
			if results[i].err != nil {
				break
			}
		}
		return results
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, a.opts.Workers)
	var wg sync.WaitGroup
	for i, b := range batches {
		wg.Add(1)
		go func(i int, b []news.Item) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[i] = batchResult{err: ctx.Err()}
				return
			}
			results[i] = a.runBatch(ctx, i, b)
			if results[i].err != nil {
				cancel()
			}
		}(i, b)
	}
	wg.Wait()

	// A batch cancelled because a sibling failed must not mask the real cause.
	for i := range results {
		if results[i].err != nil && !errors.Is(results[i].err, context.Canceled) {
			return moveFirst(results, i)
		}
	}
	return results
}

func moveFirst(results []batchResult, i int) []batchResult {
	out := make([]batchResult, 0, len(results))
	out = append(out, results[i])
	for j, r := range results {
		if j != i {
			out = append(out, r)
		}
	}
	return out
}

func (a *Aggregator) runBatch(ctx context.Context, index int, batch []news.Item) batchResult {
	req := provider.Request{
		System:    systemPrompt(a.opts.Language),
		User:      userPrompt(batch, a.opts.MaxBodyChars),
		MaxTokens: a.opts.MaxOutputTokens,
		Validate: func(text string) error {
			_, err := parseBatch(text, batch)
			return err
		},
	}

	res, err := a.llm.Complete(ctx, req)
	if err != nil {
		var exhausted *provider.ProviderExhaustedError
		var attempts []provider.Attempt
		if errors.As(err, &exhausted) {
			attempts = exhausted.Attempts
			// Every provider answered, none usably.
			if bad, ok := exhausted.Malformed(); ok {
				return batchResult{
					attempts: attempts,
					err:      &ParseError{Batch: index + 1, Provider: bad.Provider, Err: bad.Err, Raw: bad.Raw},
				}
			}
		}
		return batchResult{attempts: attempts, err: fmt.Errorf("aggregator: batch %d: %w", index+1, err)}
	}

	out, err := parseBatch(res.Response.Text, batch)
	if err != nil {
		return batchResult{
			attempts: res.Attempts,
			err:      &ParseError{Batch: index + 1, Provider: res.Provider, Err: err, Raw: res.Response.Text},
		}
	}

	a.logger.Debug("batch distilled", "batch", index+1, "items", len(batch), "entries", len(out.entries), "provider", res.Provider)
	return batchResult{headline: out.headline, entries: out.entries, attempts: res.Attempts}
}

// splitBatches cuts items into prompt-sized batches. A batch closes when the
// next item would exceed either limit; an item over the token budget on its
// own still gets a batch.
func splitBatches(items []news.Item, maxItems, maxTokens, maxBody int) [][]news.Item {
	var batches [][]news.Item
	var current []news.Item
	tokens := 0

	for _, it := range items {
		t := estimateTokens(it, maxBody)
		if len(current) > 0 && (len(current) >= maxItems || tokens+t > maxTokens) {
			batches = append(batches, current)
			current = nil
			tokens = 0
		}
		current = append(current, it)
		tokens += t
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// perItemOverhead approximates the JSON scaffolding around each prompt item.
const perItemOverhead = 12

// estimateTokens is a rough count: about three runes per token covers both
// CJK and Latin text well enough for budgeting.
func estimateTokens(it news.Item, maxBody int) int {
	n := utf8.RuneCountInString(it.Title) + utf8.RuneCountInString(it.Label())
	n += utf8.RuneCountInString(clip(it.Body, maxBody))
	return n/3 + perItemOverhead
}

func clip(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max]) + "…"
}

// sortEntries orders entries by their earliest item, then first id.
func sortEntries(entries []news.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if len(a.Items) == 0 || len(b.Items) == 0 {
			return len(a.Items) > len(b.Items)
		}
		return a.Items[0].Before(b.Items[0])
	})
}
