package notifier

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ryosukesatoh/news-distill/internal/news"
)

// Stdout prints the digest to the terminal.
type Stdout struct {
	name string
	mu   sync.Mutex
	out  io.Writer
}

func NewStdout(name string) *Stdout {
	return &Stdout{name: name, out: os.Stdout}
}

func (s *Stdout) Name() string { return s.name }

func (s *Stdout) Send(_ context.Context, digest *news.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprint(s.out, FormatPlain(digest)); err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}
	return nil
}
