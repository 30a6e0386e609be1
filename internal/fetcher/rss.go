package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/ryosukesatoh/news-distill/internal/config"
	"github.com/ryosukesatoh/news-distill/internal/news"
	"github.com/ryosukesatoh/news-distill/internal/retry"
)

// RSS reads an RSS or Atom feed.
type RSS struct {
	name     string
	label    string
	url      string
	maxItems int
	client   *http.Client
	now      func() time.Time
}

func NewRSS(cfg config.SourceConfig) *RSS {
	return &RSS{
		name:     cfg.Name,
		label:    cfg.Label,
		url:      cfg.URL,
		maxItems: cfg.MaxItems,
		client:   &http.Client{},
		now:      time.Now,
	}
}

func (s *RSS) Name() string { return s.name }

func (s *RSS) Fetch(ctx context.Context, since *time.Time) ([]news.Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("rss: failed to create request: %w", err))
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; news-distill)")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rss: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, retry.StatusError("rss", resp.StatusCode, string(body))
	}

	feed, err := gofeed.NewParser().Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("rss: failed to parse feed: %w", err)
	}

	label := s.label
	if label == "" {
		label = strings.TrimSpace(feed.Title)
	}
	fetchedAt := s.now().UTC()

	items := make([]news.Item, 0, len(feed.Items))
	for _, fi := range feed.Items {
		title := htmlToText(fi.Title)
		if title == "" {
			continue
		}

		published := fetchedAt
		switch {
		case fi.PublishedParsed != nil:
			published = fi.PublishedParsed.UTC()
		case fi.UpdatedParsed != nil:
			published = fi.UpdatedParsed.UTC()
		}
		if since != nil && published.Before(*since) {
			continue
		}

		body := fi.Description
		if body == "" {
			body = fi.Content
		}

		items = append(items, news.Item{
			ID:          news.ItemID(s.name, itemKey(fi), title),
			Source:      s.name,
			SourceName:  label,
			Title:       title,
			URL:         strings.TrimSpace(fi.Link),
			PublishedAt: published,
			Body:        htmlToText(body),
			Rank:        len(items) + 1,
		})
		if s.maxItems > 0 && len(items) >= s.maxItems {
			break
		}
	}
	return items, nil
}

// itemKey picks the identity of a feed item: guid, then link. An empty key
// makes ItemID fall back to the title.
func itemKey(fi *gofeed.Item) string {
	if g := strings.TrimSpace(fi.GUID); g != "" {
		return g
	}
	return strings.TrimSpace(fi.Link)
}
