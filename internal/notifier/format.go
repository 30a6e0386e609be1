package notifier

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/ryosukesatoh/news-distill/internal/news"
)

// FormatText renders the digest in the chat layout used by the webhook
// channels: a bold category heading followed by one line per entry, with a
// source tag per item linking to the item.
func FormatText(d *news.Digest) string {
	var lines []string
	lines = append(lines, d.Title())
	lines = append(lines, "")

	if d.Empty {
		lines = append(lines, d.Headline)
		return strings.Join(lines, "\n")
	}

	if d.Headline != "" {
		lines = append(lines, d.Headline)
		lines = append(lines, "")
	}

	for _, cat := range d.Categories() {
		lines = append(lines, fmt.Sprintf("**%s**", cat.Name))
		for _, e := range cat.Entries {
			lines = append(lines, "  - "+entryLine(e))
		}
		lines = append(lines, "")
	}

	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}

func entryLine(e news.Entry) string {
	var tags strings.Builder
	for _, it := range e.Items {
		label := fmt.Sprintf("【%s】", it.Label())
		if link := it.Link(); link != "" {
			fmt.Fprintf(&tags, "[%s](%s)", label, link)
		} else {
			tags.WriteString(label)
		}
	}
	if tags.Len() == 0 {
		return e.Title
	}
	return e.Title + " " + tags.String()
}

// FormatPlain renders the digest for terminals: no markup, links on their own
// lines.
func FormatPlain(d *news.Digest) string {
	var sb strings.Builder
	sb.WriteString(strings.Repeat("=", 72) + "\n")
	sb.WriteString(d.Title() + "\n")
	sb.WriteString(fmt.Sprintf("Generated: %s\n", d.GeneratedAt.Format("2006-01-02 15:04")))
	sb.WriteString(strings.Repeat("=", 72) + "\n\n")

	sb.WriteString(d.Headline + "\n")
	if d.Empty {
		sb.WriteString(strings.Repeat("=", 72) + "\n")
		return sb.String()
	}
	sb.WriteString("\n")

	for _, cat := range d.Categories() {
		sb.WriteString(strings.Repeat("-", 72) + "\n")
		sb.WriteString(cat.Name + "\n")
		for _, e := range cat.Entries {
			sb.WriteString("  - " + e.Title + "\n")
			for _, it := range e.Items {
				sb.WriteString(fmt.Sprintf("      [%s] %s\n", it.Label(), it.Link()))
			}
		}
		sb.WriteString("\n")
	}

	sb.WriteString(strings.Repeat("=", 72) + "\n")
	return sb.String()
}

var htmlTmpl = template.Must(template.New("digest").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1, maximum-scale=1, minimum-scale=1, viewport-fit=cover">
<title>{{.Title}}</title>
<style>
body{margin:0;padding:0;font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",Roboto,"Helvetica Neue",Arial,"Noto Sans","PingFang SC","Microsoft YaHei",sans-serif;background:#f5f7fb;color:#222;font-size:15px;line-height:1.6;}
.page{max-width:720px;margin:0 auto;padding:10px 12px 28px;}
.headline{background:#fff;border-radius:10px;padding:10px 12px;margin:10px 0;}
.category{margin:14px 0 4px;}
.category-title{font-size:15px;font-weight:600;margin:8px 0 6px;padding:5px 10px;border-radius:999px;display:inline-block;background:#fff3e0;border:1px solid #fed7aa;color:#c05621;}
.news-list{list-style:none;margin:4px 0 0;padding:0;}
.news-item{background:#fff;border-radius:10px;padding:8px 10px;margin:6px 0;box-shadow:0 1px 3px rgba(15,23,42,0.05);}
.sources{display:inline-flex;flex-wrap:wrap;gap:4px;}
.source-tag{font-size:12px;padding:2px 7px;border-radius:999px;background:#e5f1ff;color:#1d4ed8;text-decoration:none;}
.date{color:#666;font-size:13px;}
</style>
</head>
<body>
<div class="page">
<h1>{{.Title}}</h1>
<p class="date">{{.Date}}</p>
<div class="headline">{{.Headline}}</div>
{{range .Categories}}<div class="category">
<div class="category-title">{{.Name}}</div>
<ul class="news-list">
{{range .Entries}}<li class="news-item">{{.Title}} <span class="sources">{{range .Items}}{{if .Link}}<a class="source-tag" href="{{.Link}}">{{.Label}}</a>{{else}}<span class="source-tag">{{.Label}}</span>{{end}}{{end}}</span></li>
{{end}}</ul>
</div>
{{end}}</div>
</body>
</html>
`))

type htmlView struct {
	Title      string
	Date       string
	Headline   string
	Categories []news.Category
}

// FormatHTML renders the digest as a standalone, mobile friendly page.
func FormatHTML(d *news.Digest) (string, error) {
	view := htmlView{
		Title:    d.Title(),
		Date:     d.GeneratedAt.Format("January 2, 2006"),
		Headline: d.Headline,
	}
	if !d.Empty {
		view.Categories = d.Categories()
	}

	var buf bytes.Buffer
	if err := htmlTmpl.Execute(&buf, view); err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	return buf.String(), nil
}

// splitMessage cuts text into chunks of at most limit runes, preferring line
// boundaries.
func splitMessage(text string, limit int) []string {
	if len([]rune(text)) <= limit {
		return []string{text}
	}

	var chunks []string
	var current []rune
	for _, line := range strings.SplitAfter(text, "\n") {
		r := []rune(line)
		for len(r) > limit {
			if len(current) > 0 {
				chunks = append(chunks, string(current))
				current = nil
			}
			chunks = append(chunks, string(r[:limit]))
			r = r[limit:]
		}
		if len(current)+len(r) > limit {
			chunks = append(chunks, string(current))
			current = nil
		}
		current = append(current, r...)
	}
	if len(current) > 0 {
		chunks = append(chunks, string(current))
	}
	return chunks
}
