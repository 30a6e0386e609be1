package notifier

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ryosukesatoh/news-distill/internal/news"
)

type discordEmbedFooter struct {
	Text string `json:"text"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type discordEmbed struct {
	Title       string              `json:"title,omitempty"`
	URL         string              `json:"url,omitempty"`
	Description string              `json:"description,omitempty"`
	Color       int                 `json:"color,omitempty"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
	Footer      *discordEmbedFooter `json:"footer,omitempty"`
	Timestamp   string              `json:"timestamp,omitempty"`
}

type discordWebhookPayload struct {
	Embeds []discordEmbed `json:"embeds"`
}

const discordColor = 0x5865F2

// Discord publishes digests to a Discord channel via webhook.
type Discord struct {
	name       string
	webhookURL string
	client     *http.Client
	batchDelay time.Duration
	progress   progress
}

func NewDiscord(name, webhookURL string) *Discord {
	return &Discord{
		name:       name,
		webhookURL: webhookURL,
		client:     &http.Client{},
		batchDelay: 500 * time.Millisecond,
	}
}

func (d *Discord) Name() string { return d.name }

// Send posts the digest as a series of rich embeds, one per category. A
// retried Send resumes at the first batch Discord did not accept.
func (d *Discord) Send(ctx context.Context, digest *news.Digest) error {
	batches := batchEmbeds(buildEmbeds(digest))

	return d.progress.run(ctx, digest, len(batches), func(ctx context.Context, i int) error {
		// Delay between batches to avoid rate limits.
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.batchDelay):
			}
		}
		if _, err := postJSON(ctx, d.client, d.name, d.webhookURL, discordWebhookPayload{Embeds: batches[i]}); err != nil {
			return fmt.Errorf("batch %d: %w", i+1, err)
		}
		return nil
	})
}

const (
	discordMaxFields  = 25
	discordEmbedChars = 6000
)

// buildEmbeds creates the headline embed and one embed per category. A
// category that overflows the field count or the character budget continues
// in further embeds titled "Name (2)", "Name (3)" and so on.
func buildEmbeds(digest *news.Digest) []discordEmbed {
	cats := digest.Categories()
	embeds := make([]discordEmbed, 0, len(cats)+1)

	embeds = append(embeds, discordEmbed{
		Title:       truncate(digest.Title(), 256),
		Description: truncate(digest.Headline, 4096),
		Color:       discordColor,
		Footer:      &discordEmbedFooter{Text: fmt.Sprintf("%d stories from %d items", len(digest.Entries), digest.ItemCount())},
		Timestamp:   digest.GeneratedAt.Format(time.RFC3339),
	})

	for _, cat := range cats {
		part := 1
		e := discordEmbed{Title: truncate(cat.Name, 256), Color: discordColor}
		for _, entry := range cat.Entries {
			f := discordEmbedField{
				Name:  truncate(entry.Title, 256),
				Value: truncate(formatSources(entry.Items), 1024),
			}
			fc := len([]rune(f.Name)) + len([]rune(f.Value))
			if len(e.Fields) > 0 && (len(e.Fields) == discordMaxFields || embedCharCount(e)+fc > discordEmbedChars) {
				embeds = append(embeds, e)
				part++
				e = discordEmbed{Title: truncate(cat.Name, 248) + fmt.Sprintf(" (%d)", part), Color: discordColor}
			}
			e.Fields = append(e.Fields, f)
		}
		embeds = append(embeds, e)
	}

	return embeds
}

// batchEmbeds splits embeds into batches respecting Discord limits:
// max 10 embeds per message, max 6000 total characters per message.
func batchEmbeds(embeds []discordEmbed) [][]discordEmbed {
	var batches [][]discordEmbed
	var current []discordEmbed
	currentChars := 0

	for _, e := range embeds {
		ec := embedCharCount(e)

		if len(current) > 0 && (len(current) >= 10 || currentChars+ec > 6000) {
			batches = append(batches, current)
			current = nil
			currentChars = 0
		}

		current = append(current, e)
		currentChars += ec
	}

	if len(current) > 0 {
		batches = append(batches, current)
	}

	return batches
}

// truncate shortens s to max runes, preferring a sentence boundary.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}

	cut := string(r[:max-1])
	if idx := strings.LastIndexAny(cut, ".!?。！？"); idx > len(cut)/2 {
		_, size := utf8.DecodeRuneInString(cut[idx:])
		return cut[:idx+size]
	}
	return cut + "…"
}

// formatSources renders an entry's items as bulleted markdown links.
func formatSources(items []news.Item) string {
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("• ")
		if link := it.Link(); link != "" {
			fmt.Fprintf(&b, "[%s](%s)", it.Label(), link)
		} else {
			b.WriteString(it.Label())
		}
	}
	if b.Len() == 0 {
		return "•"
	}
	return b.String()
}

// embedCharCount returns the total character count of an embed for batching purposes.
func embedCharCount(e discordEmbed) int {
	n := len([]rune(e.Title)) + len([]rune(e.Description))
	for _, f := range e.Fields {
		n += len([]rune(f.Name)) + len([]rune(f.Value))
	}
	if e.Footer != nil {
		n += len([]rune(e.Footer.Text))
	}
	return n
}
