// Package server exposes the pipeline over HTTP: health, run status, manual
// triggers and the latest digest page.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ryosukesatoh/news-distill/internal/news"
	"github.com/ryosukesatoh/news-distill/internal/notifier"
	"github.com/ryosukesatoh/news-distill/internal/runner"
)

const emptyPage = `<!DOCTYPE html><html><body><h1>News digest</h1><p>No digest available yet. Check back later.</p></body></html>`

// Runs is the part of runner.Runner the server needs.
type Runs interface {
	Start(ctx context.Context, mode news.Mode) (string, error)
	Last() *runner.Outcome
}

// DigestSource returns the most recently delivered digest, or nil.
type DigestSource interface {
	Latest() *news.Digest
}

type Server struct {
	addr   string
	runs   Runs
	digest DigestSource
	// runCtx outlives the request that triggers a run.
	runCtx context.Context
	logger *slog.Logger
	http   *http.Server
}

// New builds the server. digest may be nil when no web channel is configured.
func New(runCtx context.Context, addr string, runs Runs, digest DigestSource, logger *slog.Logger) *Server {
	s := &Server{
		addr:   addr,
		runs:   runs,
		digest: digest,
		runCtx: runCtx,
		logger: logger.With("component", "server"),
	}
	s.http = &http.Server{Addr: addr, Handler: s.Router()}
	return s
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", s.health)
	r.GET("/runs/latest", s.latestRun)
	r.POST("/runs", s.triggerRun)
	r.GET("/digest/latest", s.latestDigest)
	r.GET("/", s.latestDigest)
	return r
}

// Start begins serving HTTP in the background. Call Shutdown to stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: failed to listen on %s: %w", s.addr, err)
	}
	go func() {
		s.logger.Info("listening", "addr", ln.Addr().String())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("serve failed", "error", err)
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) latestRun(c *gin.Context) {
	out := s.runs.Last()
	if out == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no run has finished yet"})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) triggerRun(c *gin.Context) {
	mode, err := news.ParseMode(c.Query("mode"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runID, err := s.runs.Start(s.runCtx, mode)
	if errors.Is(err, runner.ErrRunInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		s.logger.Error("trigger failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start run"})
		return
	}
	s.logger.Info("run triggered", "run_id", runID, "mode", mode)
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID, "mode": mode})
}

func (s *Server) latestDigest(c *gin.Context) {
	var digest *news.Digest
	if s.digest != nil {
		digest = s.digest.Latest()
	}
	if digest == nil {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(emptyPage))
		return
	}

	page, err := notifier.FormatHTML(digest)
	if err != nil {
		s.logger.Error("render digest failed", "error", err)
		c.String(http.StatusInternalServerError, "failed to render digest")
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(page))
}
