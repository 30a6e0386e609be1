package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ryosukesatoh/news-distill/internal/news"
	"github.com/ryosukesatoh/news-distill/internal/retry"
)

// postJSON posts payload and returns the body of a 2xx response. Other
// statuses come back as retry.StatusError; those outside 5xx and 429 are
// marked permanent.
func postJSON(ctx context.Context, client *http.Client, name, url string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("%s: marshal payload: %w", name, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("%s: create request: %w", name, err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: send request: %w", name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(name, resp.StatusCode, raw)
	}
	return raw, nil
}

// statusError marks statuses that no retry can fix as permanent.
func statusError(name string, code int, body []byte) error {
	err := retry.StatusError(name, code, string(body))
	if !retry.HTTPStatusRetryable(code) {
		return retry.Permanent(err)
	}
	return err
}

// Feishu posts the text layout to a Feishu bot webhook.
type Feishu struct {
	name       string
	webhookURL string
	client     *http.Client
}

func NewFeishu(name, webhookURL string) *Feishu {
	return &Feishu{name: name, webhookURL: webhookURL, client: &http.Client{}}
}

func (f *Feishu) Name() string { return f.name }

type feishuPayload struct {
	MsgType string `json:"msg_type"`
	Content struct {
		Text string `json:"text"`
	} `json:"content"`
}

type feishuResponse struct {
	Code       *int   `json:"code"`
	StatusCode *int   `json:"StatusCode"`
	Msg        string `json:"msg"`
}

func (f *Feishu) Send(ctx context.Context, digest *news.Digest) error {
	var payload feishuPayload
	payload.MsgType = "text"
	payload.Content.Text = FormatText(digest)

	raw, err := postJSON(ctx, f.client, f.name, f.webhookURL, payload)
	if err != nil {
		return err
	}

	// Some deployments answer with an empty body on success.
	var resp feishuResponse
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("%s: unexpected response: %w", f.name, err)
	}
	code := 0
	switch {
	case resp.Code != nil:
		code = *resp.Code
	case resp.StatusCode != nil:
		code = *resp.StatusCode
	}
	if code != 0 {
		return retry.Permanent(fmt.Errorf("%s: code %d: %s", f.name, code, resp.Msg))
	}
	return nil
}

// WeCom posts a markdown message to a WeCom group bot.
type WeCom struct {
	name       string
	webhookURL string
	client     *http.Client
	progress   progress
}

func NewWeCom(name, webhookURL string) *WeCom {
	return &WeCom{name: name, webhookURL: webhookURL, client: &http.Client{}}
}

func (w *WeCom) Name() string { return w.name }

type wecomPayload struct {
	MsgType  string `json:"msgtype"`
	Markdown struct {
		Content string `json:"content"`
	} `json:"markdown"`
}

type wecomResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// wecomLimit is the byte limit WeCom enforces on markdown content.
const wecomLimit = 4096

// Send posts the text layout in chunks WeCom accepts. A retried Send resumes
// at the first chunk that was not accepted.
func (w *WeCom) Send(ctx context.Context, digest *news.Digest) error {
	chunks := splitMessage(FormatText(digest), wecomLimit/3)
	return w.progress.run(ctx, digest, len(chunks), func(ctx context.Context, i int) error {
		var payload wecomPayload
		payload.MsgType = "markdown"
		payload.Markdown.Content = chunks[i]

		raw, err := postJSON(ctx, w.client, w.name, w.webhookURL, payload)
		if err != nil {
			return err
		}
		var resp wecomResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("%s: unexpected response: %w", w.name, err)
		}
		if resp.ErrCode != 0 {
			return retry.Permanent(fmt.Errorf("%s: errcode %d: %s", w.name, resp.ErrCode, resp.ErrMsg))
		}
		return nil
	})
}
