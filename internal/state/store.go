package state

import (
	"context"
	"fmt"

	"github.com/ryosukesatoh/news-distill/internal/config"
	"github.com/ryosukesatoh/news-distill/internal/news"
)

// NewStore opens the backend named by cfg.Backend.
func NewStore(ctx context.Context, cfg config.StateConfig) (Store, error) {
	switch cfg.Backend {
	case "file":
		return NewFileStore(cfg.Path), nil
	case "redis":
		return NewRedisStore(ctx, cfg.URL, cfg.Key)
	case "postgres", "mysql":
		return NewSQLStore(ctx, cfg.Backend, cfg.DSN, cfg.Key)
	default:
		return nil, fmt.Errorf("state: unsupported backend %q", cfg.Backend)
	}
}

func modeOf(s string) news.Mode {
	m, err := news.ParseMode(s)
	if err != nil {
		return news.ModeIncremental
	}
	return m
}
