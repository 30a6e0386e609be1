package notifier

import (
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/ryosukesatoh/news-distill/internal/news"
)

func TestFormatText(t *testing.T) {
	got := FormatText(sampleDigest())
	want := strings.Join([]string{
		"News digest 2025-01-15",
		"",
		"Chip makers rally while rates hold.",
		"",
		"**Tech**",
		"  - New chip announced [【Weibo】](https://m.w.example/1)[【hn】](https://hn.example/2)",
		"",
		"**Finance**",
		"  - Rates held <steady> 【wsj】",
	}, "\n")
	assert.Equal(t, got, want)
}

func TestFormatTextNoNewItems(t *testing.T) {
	got := FormatText(news.NoNewItems(digestDate))
	assert.Equal(t, got, "News digest 2025-01-15\n\nNo new items since the last run.")
}

func TestFormatHTMLEscapes(t *testing.T) {
	page, err := FormatHTML(sampleDigest())
	if err != nil {
		t.Fatalf("FormatHTML: %v", err)
	}
	for _, want := range []string{
		"<title>News digest 2025-01-15</title>",
		`<div class="category-title">Tech</div>`,
		`<a class="source-tag" href="https://m.w.example/1">Weibo</a>`,
		"Rates held &lt;steady&gt;",
		`<span class="source-tag">wsj</span>`,
	} {
		if !strings.Contains(page, want) {
			t.Errorf("expected page to contain %q", want)
		}
	}
	if strings.Contains(page, "<steady>") {
		t.Error("title was not escaped")
	}
}

func TestFormatHTMLNoNewItems(t *testing.T) {
	page, err := FormatHTML(news.NoNewItems(digestDate))
	if err != nil {
		t.Fatalf("FormatHTML: %v", err)
	}
	if !strings.Contains(page, "No new items since the last run.") {
		t.Error("expected sentinel headline")
	}
	if strings.Contains(page, "category-title\">") {
		t.Error("expected no categories")
	}
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, splitMessage("short", 10), []string{"short"})

	text := "line one\nline two\nline three\n"
	chunks := splitMessage(text, 10)
	assert.Equal(t, chunks, []string{"line one\n", "line two\n", "line three", "\n"})
	assert.Equal(t, strings.Join(chunks, ""), text)

	long := strings.Repeat("新", 25)
	chunks = splitMessage(long, 10)
	assert.Equal(t, len(chunks), 3)
	assert.Equal(t, strings.Join(chunks, ""), long)
}
