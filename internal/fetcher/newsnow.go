package fetcher

import (
	"context"
	"encoding/json"
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

const newsNowBaseURL = "https://newsnow.busiyi.world"

// platformNames are display names for the common NewsNow platforms.
var platformNames = map[string]string{
	"toutiao":             "今日头条",
	"baidu":               "百度热搜",
	"thepaper":            "澎湃新闻",
	"ifeng":               "凤凰网",
	"cankaoxiaoxi":        "参考消息",
	"zaobao":              "联合早报",
	"wallstreetcn-hot":    "华尔街见闻 最热",
	"wallstreetcn-quick":  "华尔街见闻 快讯",
	"cls-telegraph":       "财联社 电报",
	"gelonghui":           "格隆汇",
	"jin10":               "金十数据",
	"weibo":               "微博",
	"douyin":              "抖音",
	"bilibili-hot-search": "bilibili 热搜",
	"zhihu":               "知乎",
	"ithome":              "IT之家",
	"juejin":              "掘金",
	"hackernews":          "Hacker News",
	"solidot":             "Solidot",
	"v2ex":                "V2EX",
	"sspai":               "少数派",
	"producthunt":         "ProductHunt",
}

type newsNowResponse struct {
	Status string        `json:"status"`
	Items  []newsNowItem `json:"items"`
}

type newsNowItem struct {
	// Titles are occasionally numbers or null upstream.
	Title     any    `json:"title"`
	URL       string `json:"url"`
	MobileURL string `json:"mobileUrl"`
}

// NewsNow reads a platform's hot list from a NewsNow aggregation API.
type NewsNow struct {
	name     string
	platform string
	label    string
	baseURL  string
	maxItems int
	client   *http.Client
	now      func() time.Time
}

func NewNewsNow(cfg config.SourceConfig) *NewsNow {
	base := cfg.BaseURL
	if base == "" {
		base = newsNowBaseURL
	}
	label := cfg.Label
	if label == "" {
		label = platformNames[cfg.Platform]
	}
	if label == "" {
		label = cfg.Platform
	}
	return &NewsNow{
		name:     cfg.Name,
		platform: cfg.Platform,
		label:    label,
		baseURL:  strings.TrimRight(base, "/"),
		maxItems: cfg.MaxItems,
		client:   &http.Client{},
		now:      time.Now,
	}
}

func (s *NewsNow) Name() string { return s.name }

// Fetch returns the current hot list. Hot lists carry no publish times, so
// since is not applied; every item is stamped with the fetch time.
func (s *NewsNow) Fetch(ctx context.Context, _ *time.Time) ([]news.Item, error) {
	reqURL := fmt.Sprintf("%s/api/s?id=%s&latest", s.baseURL, url.QueryEscape(s.platform))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("newsnow: failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; news-distill)")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("newsnow: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("newsnow: failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, retry.StatusError("newsnow", resp.StatusCode, string(body))
	}

	var parsed newsNowResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("newsnow: failed to parse JSON: %w", err)
	}
	if parsed.Status != "success" && parsed.Status != "cache" {
		return nil, fmt.Errorf("newsnow: unexpected status %q", parsed.Status)
	}

	fetchedAt := s.now().UTC()
	items := make([]news.Item, 0, len(parsed.Items))
	for i, raw := range parsed.Items {
		title, ok := raw.Title.(string)
		title = strings.TrimSpace(title)
		if !ok || title == "" {
			continue
		}
		items = append(items, news.Item{
			ID:          news.ItemID(s.name, raw.URL, title),
			Source:      s.name,
			SourceName:  s.label,
			Title:       title,
			URL:         raw.URL,
			MobileURL:   raw.MobileURL,
			PublishedAt: fetchedAt,
			Rank:        i + 1,
		})
		if s.maxItems > 0 && len(items) >= s.maxItems {
			break
		}
	}
	return items, nil
}
