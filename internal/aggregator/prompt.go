package aggregator

import (
	"encoding/json"
	"fmt"

	"github.com/ryosukesatoh/news-distill/internal/news"
)

type promptItem struct {
	ID      int    `json:"id"`
	Source  string `json:"source"`
	Title   string `json:"title"`
	Summary string `json:"summary,omitempty"`
}

func systemPrompt(language string) string {
	return fmt.Sprintf(`You are a news editor preparing a daily briefing. You receive a JSON array of news items, each with a numeric "id".

Your job:
1. Merge items that report the same story into one entry.
2. Give every entry a short neutral title and a category such as Tech, Finance, World, Science or Society.
3. Write a one-sentence headline summarizing the most important stories.
4. Every item id must appear in exactly one entry. Do not drop items and do not invent ids.

Write the headline, titles and categories in %s.

Respond in JSON with this exact structure:
{
  "headline": "One sentence overview",
  "entries": [
    {"category": "Tech", "title": "Entry title", "ids": [1, 3]}
  ]
}

Respond ONLY with valid JSON, no markdown fences or additional text.`, language)
}

// userPrompt lists the batch with 1-based ids local to the batch.
func userPrompt(batch []news.Item, maxBody int) string {
	items := make([]promptItem, len(batch))
	for i, it := range batch {
		items[i] = promptItem{
			ID:      i + 1,
			Source:  it.Label(),
			Title:   it.Title,
			Summary: clip(it.Body, maxBody),
		}
	}
	// Marshalling plain strings and ints cannot fail.
	data, _ := json.MarshalIndent(items, "", "  ")
	return fmt.Sprintf("Here are %d news items:\n\n%s", len(batch), data)
}
