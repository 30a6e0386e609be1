package notifier

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/ryosukesatoh/news-distill/internal/config"
	"github.com/ryosukesatoh/news-distill/internal/logging"
	"github.com/ryosukesatoh/news-distill/internal/news"
	"github.com/ryosukesatoh/news-distill/internal/retry"
)

var digestDate = time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC)

func sampleDigest() *news.Digest {
	return &news.Digest{
		GeneratedAt:   digestDate,
		SourceItemIDs: []string{"a", "b", "c"},
		Headline:      "Chip makers rally while rates hold.",
		Entries: []news.Entry{
			{
				Category: "Tech",
				Title:    "New chip announced",
				ItemIDs:  []string{"a", "b"},
				Items: []news.Item{
					{ID: "a", Source: "weibo", SourceName: "Weibo", Title: "chip 1", URL: "https://w.example/1", MobileURL: "https://m.w.example/1"},
					{ID: "b", Source: "hn", Title: "chip 2", URL: "https://hn.example/2"},
				},
			},
			{
				Category: "Finance",
				Title:    "Rates held <steady>",
				ItemIDs:  []string{"c"},
				Items:    []news.Item{{ID: "c", Source: "wsj", Title: "rates"}},
			},
		},
	}
}

type fakeChannel struct {
	name  string
	fails int
	err   error
	panic bool
	calls atomic.Int32
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(ctx context.Context, _ *news.Digest) error {
	n := f.calls.Add(1)
	if f.panic {
		panic("boom")
	}
	if int(n) <= f.fails {
		return f.err
	}
	return nil
}

func testPolicy(retries int) Policy {
	return Policy{
		Retry:   retry.Config{MaxRetries: retries, BaseDelay: time.Millisecond},
		Timeout: time.Second,
		Logger:  logging.Discard(),
	}
}

func TestDispatchIndependentChannels(t *testing.T) {
	good := &fakeChannel{name: "feishu"}
	bad := &fakeChannel{name: "email", fails: 10, err: errors.New("email: unexpected status 400")}

	report := Dispatch(context.Background(), sampleDigest(), []Channel{bad, good}, testPolicy(2))

	assert.Equal(t, report.Results["feishu"].Delivered, true)
	assert.Equal(t, report.Results["email"].Delivered, false)
	assert.Equal(t, report.Success(), true)
	assert.Equal(t, report.Failed(), []string{"email"})
	assert.Equal(t, good.calls.Load(), int32(1))
	// 4xx is not retried.
	assert.Equal(t, bad.calls.Load(), int32(1))

	var derr *DeliveryError
	if !errors.As(report.Results["email"].Err, &derr) {
		t.Fatalf("expected *DeliveryError, got %T", report.Results["email"].Err)
	}
	assert.Equal(t, derr.Channel, "email")
}

func TestDispatchRetriesTransientFailures(t *testing.T) {
	flaky := &fakeChannel{name: "wecom", fails: 2, err: errors.New("wecom: unexpected status 502")}

	report := Dispatch(context.Background(), sampleDigest(), []Channel{flaky}, testPolicy(2))

	res := report.Results["wecom"]
	assert.Equal(t, res.Delivered, true)
	assert.Equal(t, res.Attempts, 3)
	assert.Equal(t, flaky.calls.Load(), int32(3))
}

func TestDispatchRecoversPanics(t *testing.T) {
	bad := &fakeChannel{name: "broken", panic: true}
	good := &fakeChannel{name: "stdout"}

	report := Dispatch(context.Background(), sampleDigest(), []Channel{bad, good}, testPolicy(0))

	assert.Equal(t, report.Results["broken"].Delivered, false)
	assert.NotEqual(t, report.Results["broken"].Error, "")
	assert.Equal(t, report.Results["stdout"].Delivered, true)
}

func TestDispatchAllFailed(t *testing.T) {
	a := &fakeChannel{name: "b", fails: 1, err: errors.New("b: unexpected status 403")}
	b := &fakeChannel{name: "a", fails: 1, err: errors.New("a: unexpected status 404")}

	report := Dispatch(context.Background(), sampleDigest(), []Channel{a, b}, testPolicy(1))
	assert.Equal(t, report.Success(), false)
	assert.Equal(t, report.Failed(), []string{"a", "b"})
}

func TestDispatchNoChannels(t *testing.T) {
	report := Dispatch(context.Background(), sampleDigest(), nil, testPolicy(0))
	assert.Equal(t, report.Success(), true)
	assert.Equal(t, len(report.Failed()), 0)
}

func TestDispatchPerAttemptTimeout(t *testing.T) {
	slow := &slowChannel{delay: time.Second}
	policy := testPolicy(1)
	policy.Timeout = 20 * time.Millisecond

	report := Dispatch(context.Background(), sampleDigest(), []Channel{slow}, policy)
	res := report.Results["slow"]
	assert.Equal(t, res.Delivered, false)
	assert.Equal(t, res.Attempts, 2)
}

type slowChannel struct{ delay time.Duration }

func (s *slowChannel) Name() string { return "slow" }

func (s *slowChannel) Send(ctx context.Context, _ *news.Digest) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.delay):
		return nil
	}
}

func TestFromConfig(t *testing.T) {
	channels, web, err := FromConfig([]config.ChannelConfig{
		{Name: "feishu", Type: "feishu", WebhookURL: "https://open.feishu.example/hook"},
		{Name: "page", Type: "web"},
		{Name: "out", Type: "stdout"},
	})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	assert.Equal(t, len(channels), 3)
	assert.Equal(t, web.Name(), "page")
	assert.Equal(t, channels[0].Name(), "feishu")

	_, _, err = FromConfig([]config.ChannelConfig{{Name: "x", Type: "pager"}})
	if err == nil {
		t.Fatal("expected error for unknown channel type")
	}
}

func TestPolicyFromConfig(t *testing.T) {
	three := 3
	p := PolicyFromConfig(config.NotifyConfig{Retries: &three, BaseDelay: time.Second, Timeout: 5 * time.Second}, nil)
	assert.Equal(t, p.Retry.MaxRetries, 3)
	assert.Equal(t, p.Timeout, 5*time.Second)

	zero := 0
	p = PolicyFromConfig(config.NotifyConfig{Retries: &zero}, nil)
	assert.Equal(t, p.Retry.MaxRetries, 0)

	p = PolicyFromConfig(config.NotifyConfig{}, nil)
	assert.Equal(t, p.Retry.MaxRetries, 2)
}
