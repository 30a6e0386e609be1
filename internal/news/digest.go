package news

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects whether a run considers prior state.
type Mode string

const (
	ModeIncremental Mode = "incremental"
	ModeFull        Mode = "full"
)

// ParseMode parses a mode name. The empty string means incremental.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeIncremental:
		return ModeIncremental, nil
	case ModeFull:
		return ModeFull, nil
	default:
		return "", fmt.Errorf("unknown mode %q (supported: incremental, full)", s)
	}
}

// Entry is one aggregated headline, possibly merging several source items.
type Entry struct {
	Category string   `json:"category"`
	Title    string   `json:"title"`
	ItemIDs  []string `json:"item_ids"`
	Items    []Item   `json:"items"`
}

// Digest is the distilled result of a single run.
type Digest struct {
	GeneratedAt   time.Time `json:"generated_at"`
	SourceItemIDs []string  `json:"source_item_ids"`
	Headline      string    `json:"headline"`
	Entries       []Entry   `json:"entries"`
	Empty         bool      `json:"empty"`
}

const noNewItemsText = "No new items since the last run."

// NoNewItems returns the sentinel digest for an empty delta.
func NoNewItems(at time.Time) *Digest {
	return &Digest{
		GeneratedAt: at,
		Headline:    noNewItemsText,
		Empty:       true,
	}
}

// Title is the subject line used by channels.
func (d *Digest) Title() string {
	return fmt.Sprintf("News digest %s", d.GeneratedAt.Format("2006-01-02"))
}

// Categories groups entries by category in order of first appearance.
func (d *Digest) Categories() []Category {
	var cats []Category
	index := make(map[string]int)
	for _, e := range d.Entries {
		name := e.Category
		if name == "" {
			name = "Other"
		}
		i, ok := index[name]
		if !ok {
			i = len(cats)
			index[name] = i
			cats = append(cats, Category{Name: name})
		}
		cats[i].Entries = append(cats[i].Entries, e)
	}
	return cats
}

// Category is a named group of entries.
type Category struct {
	Name    string
	Entries []Entry
}

// Content renders the canonical plain text form of the digest.
func (d *Digest) Content() string {
	if d.Empty {
		return d.Headline
	}
	var sb strings.Builder
	if d.Headline != "" {
		sb.WriteString(d.Headline)
		sb.WriteString("\n")
	}
	for _, e := range d.Entries {
		sb.WriteString("- ")
		sb.WriteString(e.Title)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// ItemCount returns the number of source items referenced by the digest.
func (d *Digest) ItemCount() int {
	return len(d.SourceItemIDs)
}
