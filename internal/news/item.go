package news

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Item is a single news entry as yielded by a source.
type Item struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	SourceName  string    `json:"source_name,omitempty"`
	Title       string    `json:"title"`
	URL         string    `json:"url,omitempty"`
	MobileURL   string    `json:"mobile_url,omitempty"`
	PublishedAt time.Time `json:"published_at"`
	Body        string    `json:"body,omitempty"`
	Rank        int       `json:"rank,omitempty"`
}

// Link returns the preferred link for rendering, mobile first.
func (it Item) Link() string {
	if it.MobileURL != "" {
		return it.MobileURL
	}
	return it.URL
}

// Label returns the display name of the item's source.
func (it Item) Label() string {
	if it.SourceName != "" {
		return it.SourceName
	}
	return it.Source
}

// Before reports whether it sorts before other: by publish time, then id.
func (it Item) Before(other Item) bool {
	if !it.PublishedAt.Equal(other.PublishedAt) {
		return it.PublishedAt.Before(other.PublishedAt)
	}
	return it.ID < other.ID
}

// SortChronological sorts items in place by publish time, ties broken by id.
func SortChronological(items []Item) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Before(items[j])
	})
}

// ItemID derives the stable identifier of an item from its source and url.
// Items without a url fall back to their title.
func ItemID(source, rawURL, title string) string {
	key := NormalizeURL(rawURL)
	if key == "" {
		key = strings.TrimSpace(title)
	}
	sum := sha256.Sum256([]byte(source + "\n" + key))
	return hex.EncodeToString(sum[:])[:16]
}

var trackingParams = map[string]bool{
	"spm": true,
}

// NormalizeURL canonicalizes a url so that trivially different links to the
// same article compare equal. Unparseable input is returned trimmed.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""

	q := u.Query()
	for k := range q {
		if strings.HasPrefix(strings.ToLower(k), "utm_") || trackingParams[strings.ToLower(k)] {
			q.Del(k)
		}
	}
	// Encode sorts by key.
	u.RawQuery = q.Encode()

	if len(u.Path) > 1 {
		u.Path = strings.TrimSuffix(u.Path, "/")
		u.RawPath = ""
	}
	return u.String()
}
