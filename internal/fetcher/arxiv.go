package fetcher

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ryosukesatoh/news-distill/internal/config"
	"github.com/ryosukesatoh/news-distill/internal/news"
	"github.com/ryosukesatoh/news-distill/internal/retry"
)

// arXiv Atom feed XML structures

type arxivFeed struct {
	XMLName xml.Name     `xml:"feed"`
	Entries []arxivEntry `xml:"entry"`
}

type arxivEntry struct {
	ID        string          `xml:"id"`
	Title     string          `xml:"title"`
	Summary   string          `xml:"summary"`
	Authors   []arxivAuthor   `xml:"author"`
	Links     []arxivLink     `xml:"link"`
	Published string          `xml:"published"`
	Category  []arxivCategory `xml:"category"`
}

type arxivAuthor struct {
	Name string `xml:"name"`
}

type arxivLink struct {
	Href string `xml:"href,attr"`
	Type string `xml:"type,attr"`
	Rel  string `xml:"rel,attr"`
}

type arxivCategory struct {
	Term string `xml:"term,attr"`
}

const arxivBaseURL = "http://export.arxiv.org/api/query"

// Arxiv fetches the newest papers matching a query from the arXiv API.
type Arxiv struct {
	name       string
	label      string
	topics     []string
	maxResults int
	client     *http.Client
	baseURL    string
}

func NewArxiv(cfg config.SourceConfig) *Arxiv {
	label := cfg.Label
	if label == "" {
		label = "arXiv"
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 20
	}
	base := cfg.BaseURL
	if base == "" {
		base = arxivBaseURL
	}
	return &Arxiv{
		name:       cfg.Name,
		label:      label,
		topics:     splitTopics(cfg.Query),
		maxResults: maxResults,
		client:     &http.Client{},
		baseURL:    base,
	}
}

// splitTopics reads a comma separated topic list.
func splitTopics(q string) []string {
	var topics []string
	for _, t := range strings.Split(q, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	return topics
}

// searchQuery ORs the topics together.
func searchQuery(topics []string) string {
	parts := make([]string, len(topics))
	for i, t := range topics {
		parts[i] = fmt.Sprintf("all:%s", t)
	}
	return strings.Join(parts, " OR ")
}

func (f *Arxiv) Name() string { return f.name }

func (f *Arxiv) Fetch(ctx context.Context, since *time.Time) ([]news.Item, error) {
	if len(f.topics) == 0 {
		return nil, nil
	}

	query := url.Values{}
	query.Set("search_query", searchQuery(f.topics))
	query.Set("start", "0")
	query.Set("max_results", fmt.Sprintf("%d", f.maxResults))
	query.Set("sortBy", "submittedDate")
	query.Set("sortOrder", "descending")

	reqURL := fmt.Sprintf("%s?%s", f.baseURL, query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("arxiv: failed to create request: %w", err))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("arxiv: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("arxiv: failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, retry.StatusError("arxiv", resp.StatusCode, string(body))
	}

	var feed arxivFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("arxiv: failed to parse XML: %w", err)
	}

	items := make([]news.Item, 0, len(feed.Entries))
	for _, entry := range feed.Entries {
		published, _ := time.Parse(time.RFC3339, entry.Published)
		if since != nil && !published.IsZero() && published.Before(*since) {
			continue
		}

		var paperURL string
		for _, link := range entry.Links {
			if link.Rel == "alternate" || (link.Type == "text/html" && paperURL == "") {
				paperURL = link.Href
			}
		}
		if paperURL == "" && len(entry.Links) > 0 {
			paperURL = entry.Links[0].Href
		}
		if paperURL == "" {
			paperURL = strings.TrimSpace(entry.ID)
		}

		authors := make([]string, len(entry.Authors))
		for i, a := range entry.Authors {
			authors[i] = strings.TrimSpace(a.Name)
		}

		var category string
		if len(entry.Category) > 0 {
			category = entry.Category[0].Term
		}

		title := collapseSpace(entry.Title)
		body := collapseSpace(entry.Summary)
		if len(authors) > 0 {
			body = fmt.Sprintf("[%s] %s. %s", category, strings.Join(authors, ", "), body)
		}

		items = append(items, news.Item{
			ID:          news.ItemID(f.name, paperURL, title),
			Source:      f.name,
			SourceName:  f.label,
			Title:       title,
			URL:         paperURL,
			PublishedAt: published.UTC(),
			Body:        body,
			Rank:        len(items) + 1,
		})
	}

	return items, nil
}
