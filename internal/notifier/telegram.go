package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ryosukesatoh/news-distill/internal/config"
	"github.com/ryosukesatoh/news-distill/internal/news"
	"github.com/ryosukesatoh/news-distill/internal/retry"
)

const (
	telegramAPIBase = "https://api.telegram.org"
	telegramLimit   = 4096
)

// Telegram sends the digest to a chat through the Bot API.
type Telegram struct {
	name     string
	apiBase  string
	botToken string
	chatID   string
	client   *http.Client
	progress progress
}

func NewTelegram(cfg config.ChannelConfig) *Telegram {
	base := cfg.APIBase
	if base == "" {
		base = telegramAPIBase
	}
	return &Telegram{
		name:     cfg.Name,
		apiBase:  strings.TrimRight(base, "/"),
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		client:   &http.Client{},
	}
}

func (t *Telegram) Name() string { return t.name }

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send posts the plain rendering, split into messages Telegram accepts. A
// retried Send resumes at the first message that was not accepted.
func (t *Telegram) Send(ctx context.Context, digest *news.Digest) error {
	chunks := splitMessage(FormatPlain(digest), telegramLimit)
	return t.progress.run(ctx, digest, len(chunks), func(ctx context.Context, i int) error {
		return t.sendMessage(ctx, chunks[i])
	})
}

func (t *Telegram) sendMessage(ctx context.Context, text string) error {
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)
	form := url.Values{}
	form.Set("chat_id", t.chatID)
	form.Set("text", text)
	form.Set("disable_web_page_preview", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return retry.Permanent(fmt.Errorf("%s: create request: %w", t.name, err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		// The url carries the bot token; keep it out of logs.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			return fmt.Errorf("%s: send request: %w", t.name, uerr.Err)
		}
		return fmt.Errorf("%s: send request: %w", t.name, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return statusError(t.name, resp.StatusCode, raw)
	}

	var parsed telegramResponse
	if err := json.Unmarshal(raw, &parsed); err == nil && !parsed.OK {
		return retry.Permanent(fmt.Errorf("%s: %s", t.name, parsed.Description))
	}
	return nil
}
