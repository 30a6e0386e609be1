package notifier

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/ryosukesatoh/news-distill/internal/config"
	"github.com/ryosukesatoh/news-distill/internal/news"
	"github.com/ryosukesatoh/news-distill/internal/retry"
)

// Email sends the digest as an HTML email via SMTP.
type Email struct {
	name     string
	host     string
	port     int
	username string
	password string
	from     string
	fromName string
	to       []string
	cc       []string
	bcc      []string
	startTLS bool
}

func NewEmail(cfg config.ChannelConfig) *Email {
	port := cfg.SMTPPort
	if port == 0 {
		port = 587
	}
	startTLS := true
	if cfg.StartTLS != nil {
		startTLS = *cfg.StartTLS
	}
	return &Email{
		name:     cfg.Name,
		host:     cfg.SMTPHost,
		port:     port,
		username: cfg.Username,
		password: cfg.Password,
		from:     cfg.From,
		fromName: cfg.FromName,
		to:       cfg.To,
		cc:       cfg.Cc,
		bcc:      cfg.Bcc,
		startTLS: startTLS,
	}
}

func (e *Email) Name() string { return e.name }

// recipients is the envelope list: to, cc and bcc.
func (e *Email) recipients() []string {
	var all []string
	for _, list := range [][]string{e.to, e.cc, e.bcc} {
		for _, addr := range list {
			if addr = strings.TrimSpace(addr); addr != "" {
				all = append(all, addr)
			}
		}
	}
	return all
}

func (e *Email) Send(ctx context.Context, digest *news.Digest) error {
	msg, err := e.buildMessage(digest)
	if err != nil {
		return retry.Permanent(fmt.Errorf("%s: %w", e.name, err))
	}
	if err := e.deliver(ctx, msg); err != nil {
		return fmt.Errorf("%s: failed to send: %w", e.name, err)
	}
	return nil
}

// buildMessage renders a multipart/alternative message with a plain text and
// an HTML part. Bcc recipients stay out of the headers.
func (e *Email) buildMessage(digest *news.Digest) ([]byte, error) {
	htmlBody, err := FormatHTML(digest)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	from := e.from
	if e.fromName != "" {
		from = (&mail.Address{Name: e.fromName, Address: e.from}).String()
	}

	headers := []string{
		"From: " + from,
		"To: " + strings.Join(e.to, ", "),
	}
	if len(e.cc) > 0 {
		headers = append(headers, "Cc: "+strings.Join(e.cc, ", "))
	}
	headers = append(headers,
		"Subject: "+mime.QEncoding.Encode("utf-8", digest.Title()),
		"Date: "+digest.GeneratedAt.Format("Mon, 02 Jan 2006 15:04:05 -0700"),
		"MIME-Version: 1.0",
		fmt.Sprintf("Content-Type: multipart/alternative; boundary=%q", mw.Boundary()),
	)
	head := strings.Join(headers, "\r\n") + "\r\n\r\n"

	parts := []struct {
		contentType string
		body        string
	}{
		{"text/plain; charset=\"UTF-8\"", FormatPlain(digest)},
		{"text/html; charset=\"UTF-8\"", htmlBody},
	}
	for _, p := range parts {
		w, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {p.contentType},
			"Content-Transfer-Encoding": {"8bit"},
		})
		if err != nil {
			return nil, fmt.Errorf("create part: %w", err)
		}
		if _, err := w.Write([]byte(p.body)); err != nil {
			return nil, fmt.Errorf("write part: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close message: %w", err)
	}

	return append([]byte(head), buf.Bytes()...), nil
}

// deliver speaks SMTP: port 465 uses implicit TLS, other ports upgrade with
// STARTTLS when the server offers it.
func (e *Email) deliver(ctx context.Context, msg []byte) error {
	addr := net.JoinHostPort(e.host, strconv.Itoa(e.port))
	tlsConfig := &tls.Config{ServerName: e.host}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if e.port == 465 {
		conn = tls.Client(conn, tlsConfig)
	}

	c, err := smtp.NewClient(conn, e.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if e.port != 465 && e.startTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}

	if e.username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", e.username, e.password, e.host)); err != nil {
				return retry.Permanent(fmt.Errorf("auth: %w", err))
			}
		}
	}

	if err := c.Mail(e.from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range e.recipients() {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt %s: %w", rcpt, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("end data: %w", err)
	}
	return c.Quit()
}
