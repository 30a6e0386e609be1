package notifier

import (
	"context"
	"sync"

	"github.com/ryosukesatoh/news-distill/internal/news"
)

// progress remembers how many parts of a digest a multi-message channel has
// delivered. Dispatch retries the whole Send; progress makes the retry pick
// up at the first part that was not accepted.
type progress struct {
	mu     sync.Mutex
	digest *news.Digest
	sent   int
}

// run posts parts [sent, n) of digest in order and stops at the first error.
func (p *progress) run(ctx context.Context, digest *news.Digest, n int, post func(ctx context.Context, i int) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.digest != digest {
		p.digest = digest
		p.sent = 0
	}
	for p.sent < n {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := post(ctx, p.sent); err != nil {
			return err
		}
		p.sent++
	}
	return nil
}
