package notifier

import (
	"context"
	"sync"

	"github.com/ryosukesatoh/news-distill/internal/news"
)

// Web keeps the latest digest in memory for the HTTP server to render.
type Web struct {
	name   string
	mu     sync.RWMutex
	latest *news.Digest
}

func NewWeb(name string) *Web {
	return &Web{name: name}
}

func (w *Web) Name() string { return w.name }

func (w *Web) Send(_ context.Context, digest *news.Digest) error {
	w.mu.Lock()
	w.latest = digest
	w.mu.Unlock()
	return nil
}

// Latest returns the most recently delivered digest, or nil.
func (w *Web) Latest() *news.Digest {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.latest
}
