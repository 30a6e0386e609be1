package aggregator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ryosukesatoh/news-distill/internal/news"
)

// ErrDigestParse matches any malformed model output.
var ErrDigestParse = errors.New("malformed digest")

// ParseError reports model output that could not be turned into entries.
type ParseError struct {
	Batch    int
	Provider string
	Err      error
	Raw      string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("aggregator: batch %d from %s: %v: %v", e.Batch, e.Provider, ErrDigestParse, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool { return target == ErrDigestParse }

type digestJSON struct {
	Headline string      `json:"headline"`
	Entries  []entryJSON `json:"entries"`
}

type entryJSON struct {
	Category string `json:"category"`
	Title    string `json:"title"`
	IDs      []int  `json:"ids"`
}

type parsedBatch struct {
	headline string
	entries  []news.Entry
}

// cleanJSONResponse strips markdown fences and any chatter around the object.
func cleanJSONResponse(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		s = s[start : end+1]
	}
	return s
}

// parseBatch validates that every item of the batch lands in exactly one
// entry and maps the local ids back to items.
func parseBatch(raw string, batch []news.Item) (parsedBatch, error) {
	var dj digestJSON
	if err := json.Unmarshal([]byte(cleanJSONResponse(raw)), &dj); err != nil {
		return parsedBatch{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if len(dj.Entries) == 0 {
		return parsedBatch{}, errors.New("no entries")
	}

	used := make([]bool, len(batch))
	out := parsedBatch{headline: strings.TrimSpace(dj.Headline)}

	for i, ej := range dj.Entries {
		title := strings.TrimSpace(ej.Title)
		if title == "" {
			return parsedBatch{}, fmt.Errorf("entry %d has no title", i+1)
		}
		if len(ej.IDs) == 0 {
			return parsedBatch{}, fmt.Errorf("entry %d references no items", i+1)
		}

		e := news.Entry{Category: strings.TrimSpace(ej.Category), Title: title}
		for _, id := range ej.IDs {
			if id < 1 || id > len(batch) {
				return parsedBatch{}, fmt.Errorf("entry %d references unknown id %d", i+1, id)
			}
			if used[id-1] {
				return parsedBatch{}, fmt.Errorf("id %d used more than once", id)
			}
			used[id-1] = true
			e.Items = append(e.Items, batch[id-1])
		}
		news.SortChronological(e.Items)
		for _, it := range e.Items {
			e.ItemIDs = append(e.ItemIDs, it.ID)
		}
		out.entries = append(out.entries, e)
	}

	var missing []int
	for i, ok := range used {
		if !ok {
			missing = append(missing, i+1)
		}
	}
	if len(missing) > 0 {
		return parsedBatch{}, fmt.Errorf("ids %v not covered by any entry", missing)
	}
	return out, nil
}
