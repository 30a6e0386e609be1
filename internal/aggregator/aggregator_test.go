package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/ryosukesatoh/news-distill/internal/logging"
	"github.com/ryosukesatoh/news-distill/internal/news"
	"github.com/ryosukesatoh/news-distill/internal/provider"
)

// fakeLLM answers with reply(prompt items) or a fixed error.
type fakeLLM struct {
	mu    sync.Mutex
	calls atomic.Int32
	reqs  []provider.Request
	reply func(items []promptItem) string
	err   error
}

func (f *fakeLLM) Complete(ctx context.Context, req provider.Request) (*provider.Result, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	items := promptItems(req.User)
	return &provider.Result{
		Response: provider.Response{Text: f.reply(items)},
		Provider: "fake",
		Attempts: []provider.Attempt{{Provider: "fake", Calls: 1}},
	}, nil
}

func promptItems(user string) []promptItem {
	var items []promptItem
	if i := strings.Index(user, "["); i >= 0 {
		_ = json.Unmarshal([]byte(user[i:]), &items)
	}
	return items
}

// onePerItem emits an entry for every prompt item, titled after it.
func onePerItem(items []promptItem) string {
	out := digestJSON{Headline: fmt.Sprintf("%d stories", len(items))}
	for _, it := range items {
		out.Entries = append(out.Entries, entryJSON{Category: "Tech", Title: it.Title, IDs: []int{it.ID}})
	}
	data, _ := json.Marshal(out)
	return string(data)
}

var base = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func item(id string, minutes int) news.Item {
	return news.Item{
		ID:          id,
		Source:      "hn",
		Title:       "Title " + id,
		URL:         "https://example.com/" + id,
		PublishedAt: base.Add(time.Duration(minutes) * time.Minute),
		Body:        strings.Repeat("word ", 10),
	}
}

func newAggregator(llm Completer, opts Options) *Aggregator {
	a := New(llm, opts, logging.Discard())
	a.now = func() time.Time { return base }
	return a
}

func TestEmptyDeltaSkipsModel(t *testing.T) {
	llm := &fakeLLM{reply: onePerItem}
	a := newAggregator(llm, Options{})

	digest, report, err := a.BuildDigest(context.Background(), nil)
	if err != nil {
		t.Fatalf("BuildDigest: %v", err)
	}
	assert.Equal(t, digest.Empty, true)
	assert.Equal(t, digest.Headline, "No new items since the last run.")
	assert.Equal(t, llm.calls.Load(), int32(0))
	assert.Equal(t, report.Batches, 0)
}

func TestBuildDigestMergesStories(t *testing.T) {
	llm := &fakeLLM{reply: func(items []promptItem) string {
		return "```json\n" + `{"headline":"Chips and rates","entries":[
			{"category":"Finance","title":"Rates held","ids":[3]},
			{"category":"Tech","title":"New chip","ids":[2,1]}]}` + "\n```"
	}}
	a := newAggregator(llm, Options{})

	// Unsorted input; ids are assigned after chronological sorting.
	delta := []news.Item{item("c", 30), item("a", 0), item("b", 10)}
	digest, report, err := a.BuildDigest(context.Background(), delta)
	if err != nil {
		t.Fatalf("BuildDigest: %v", err)
	}

	assert.Equal(t, digest.Empty, false)
	assert.Equal(t, digest.Headline, "Chips and rates")
	assert.Equal(t, digest.SourceItemIDs, []string{"a", "b", "c"})
	assert.Equal(t, len(digest.Entries), 2)
	assert.Equal(t, digest.Entries[0].Title, "New chip")
	assert.Equal(t, digest.Entries[0].ItemIDs, []string{"a", "b"})
	assert.Equal(t, digest.Entries[1].ItemIDs, []string{"c"})
	assert.Equal(t, report.Batches, 1)
	assert.Equal(t, len(report.Attempts), 1)

	req := llm.reqs[0]
	if !strings.Contains(req.System, "English") {
		t.Errorf("expected language in system prompt, got %q", req.System)
	}
	items := promptItems(req.User)
	assert.Equal(t, len(items), 3)
	assert.Equal(t, items[0].Title, "Title a")
	assert.Equal(t, items[0].ID, 1)
}

func TestBuildDigestBatchesAndKeepsOrder(t *testing.T) {
	for _, workers := range []int{1, 3} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			llm := &fakeLLM{reply: onePerItem}
			a := newAggregator(llm, Options{MaxItemsPerBatch: 2, Workers: workers})

			var delta []news.Item
			for i := 0; i < 7; i++ {
				delta = append(delta, item(fmt.Sprintf("i%d", i), i))
			}
			digest, report, err := a.BuildDigest(context.Background(), delta)
			if err != nil {
				t.Fatalf("BuildDigest: %v", err)
			}

			assert.Equal(t, report.Batches, 4)
			assert.Equal(t, llm.calls.Load(), int32(4))
			assert.Equal(t, len(digest.Entries), 7)
			for i, e := range digest.Entries {
				assert.Equal(t, e.ItemIDs, []string{fmt.Sprintf("i%d", i)})
			}
			assert.Equal(t, digest.Headline, "2 stories; 2 stories; 2 stories; 1 stories")
		})
	}
}

func TestSplitBatchesTokenBudget(t *testing.T) {
	small := item("s", 0)
	huge := item("h", 1)
	huge.Body = strings.Repeat("x", 3000)

	perSmall := estimateTokens(small, 0)
	batches := splitBatches([]news.Item{small, small, huge, small}, 100, perSmall*2, 0)

	assert.Equal(t, len(batches), 3)
	assert.Equal(t, len(batches[0]), 2)
	assert.Equal(t, batches[1][0].ID, "h")
	assert.Equal(t, len(batches[2]), 1)
}

func TestClipBody(t *testing.T) {
	assert.Equal(t, clip("  short ", 10), "short")
	assert.Equal(t, clip("日本語のテキスト", 3), "日本語…")
	assert.Equal(t, clip("unbounded", 0), "unbounded")
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{"not json", "I cannot help with that", "invalid JSON"},
		{"no entries", `{"headline":"h","entries":[]}`, "no entries"},
		{"unknown id", `{"entries":[{"title":"t","ids":[1,2,9]}]}`, "unknown id 9"},
		{"duplicate id", `{"entries":[{"title":"t","ids":[1,2]},{"title":"u","ids":[2]}]}`, "used more than once"},
		{"missing id", `{"entries":[{"title":"t","ids":[1]}]}`, "not covered"},
		{"empty title", `{"entries":[{"title":" ","ids":[1,2]}]}`, "no title"},
		{"empty ids", `{"entries":[{"title":"t","ids":[]}]}`, "references no items"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := &fakeLLM{reply: func([]promptItem) string { return tt.raw }}
			a := newAggregator(llm, Options{})

			_, _, err := a.BuildDigest(context.Background(), []news.Item{item("a", 0), item("b", 1)})
			if !errors.Is(err, ErrDigestParse) {
				t.Fatalf("expected ErrDigestParse, got %v", err)
			}
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("expected *ParseError, got %T", err)
			}
			assert.Equal(t, perr.Batch, 1)
			assert.Equal(t, perr.Raw, tt.raw)
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected %q in %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestCleanJSONResponse(t *testing.T) {
	assert.Equal(t, cleanJSONResponse("```json\n{\"a\":1}\n```"), `{"a":1}`)
	assert.Equal(t, cleanJSONResponse(`Sure! {"a":1} Hope this helps.`), `{"a":1}`)
	assert.Equal(t, cleanJSONResponse("nothing"), "nothing")
}

func TestProviderExhaustionPropagates(t *testing.T) {
	exhausted := &provider.ProviderExhaustedError{Attempts: []provider.Attempt{
		{Provider: "a", Calls: 2, Error: "a: status 503"},
		{Provider: "b", Calls: 1, Error: "b: status 401"},
	}}
	llm := &fakeLLM{err: exhausted}
	a := newAggregator(llm, Options{})

	_, report, err := a.BuildDigest(context.Background(), []news.Item{item("a", 0)})
	if !errors.Is(err, provider.ErrProviderExhausted) {
		t.Fatalf("expected ErrProviderExhausted, got %v", err)
	}
	assert.Equal(t, len(report.Attempts), 2)
}

func TestFailedBatchAbortsPool(t *testing.T) {
	var n atomic.Int32
	llm := &fakeLLM{reply: func(items []promptItem) string {
		if n.Add(1) == 2 {
			return "garbage"
		}
		return onePerItem(items)
	}}
	a := newAggregator(llm, Options{MaxItemsPerBatch: 1, Workers: 2})

	_, _, err := a.BuildDigest(context.Background(), []news.Item{item("a", 0), item("b", 1), item("c", 2)})
	if !errors.Is(err, ErrDigestParse) {
		t.Fatalf("expected ErrDigestParse, got %v", err)
	}
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	llm := &fakeLLM{err: context.Canceled}
	a := newAggregator(llm, Options{})

	_, _, err := a.BuildDigest(ctx, []news.Item{item("a", 0)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// scriptedProvider is a real chain member answering with reply(prompt items).
type scriptedProvider struct {
	name  string
	reply func(items []promptItem) string
	err   error
	calls atomic.Int32
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Complete(ctx context.Context, req provider.Request) (provider.Response, error) {
	p.calls.Add(1)
	if p.err != nil {
		return provider.Response{}, p.err
	}
	return provider.Response{Text: p.reply(promptItems(req.User))}, nil
}

func refusal([]promptItem) string { return "Sorry, I cannot help with that." }

func chainOf(providers ...*scriptedProvider) *provider.Chain {
	entries := make([]provider.Entry, len(providers))
	for i, p := range providers {
		entries[i] = provider.Entry{Provider: p, Priority: i + 1, Timeout: time.Second, Retries: 1, BaseDelay: time.Millisecond}
	}
	return provider.NewChain(logging.Discard(), entries...)
}

func TestMalformedAnswerFallsThroughToBackup(t *testing.T) {
	primary := &scriptedProvider{name: "primary", reply: refusal}
	backup := &scriptedProvider{name: "backup", reply: onePerItem}
	a := newAggregator(chainOf(primary, backup), Options{})

	digest, report, err := a.BuildDigest(context.Background(), []news.Item{item("a", 0), item("b", 1)})
	if err != nil {
		t.Fatalf("BuildDigest: %v", err)
	}
	assert.Equal(t, len(digest.Entries), 2)
	assert.Equal(t, primary.calls.Load(), int32(1))
	assert.Equal(t, backup.calls.Load(), int32(1))
	assert.Equal(t, len(report.Attempts), 2)
	if !errors.Is(report.Attempts[0].Err, provider.ErrMalformedResponse) {
		t.Errorf("expected the primary attempt to be malformed, got %v", report.Attempts[0].Err)
	}
}

func TestIncompleteAnswerFallsThroughToBackup(t *testing.T) {
	// Covers only the first item, which leaves the batch uncovered.
	partial := func(items []promptItem) string { return onePerItem(items[:1]) }
	primary := &scriptedProvider{name: "primary", reply: partial}
	backup := &scriptedProvider{name: "backup", reply: onePerItem}
	a := newAggregator(chainOf(primary, backup), Options{})

	digest, _, err := a.BuildDigest(context.Background(), []news.Item{item("a", 0), item("b", 1)})
	if err != nil {
		t.Fatalf("BuildDigest: %v", err)
	}
	assert.Equal(t, len(digest.Entries), 2)
}

func TestEveryProviderMalformedIsParseError(t *testing.T) {
	primary := &scriptedProvider{name: "primary", reply: refusal}
	backup := &scriptedProvider{name: "backup", reply: func([]promptItem) string { return `{"headline":"x","entries":[]}` }}
	a := newAggregator(chainOf(primary, backup), Options{})

	_, report, err := a.BuildDigest(context.Background(), []news.Item{item("a", 0)})
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ParseError, got %v", err)
	}
	assert.Equal(t, perr.Provider, "backup")
	assert.Equal(t, perr.Raw, `{"headline":"x","entries":[]}`)
	assert.Equal(t, len(report.Attempts), 2)
}

func TestMixedFailuresAreExhaustion(t *testing.T) {
	down := &scriptedProvider{name: "down", err: errors.New("down: status 401: bad key")}
	garbled := &scriptedProvider{name: "garbled", reply: refusal}
	a := newAggregator(chainOf(down, garbled), Options{})

	_, _, err := a.BuildDigest(context.Background(), []news.Item{item("a", 0)})
	if !errors.Is(err, provider.ErrProviderExhausted) {
		t.Fatalf("expected ErrProviderExhausted, got %v", err)
	}
	if errors.Is(err, ErrDigestParse) {
		t.Error("a provider that never answered is not a parse failure")
	}
}
