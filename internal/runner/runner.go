// Package runner drives one daily task: fetch, dedup, aggregate, notify and
// commit, in that order.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ryosukesatoh/news-distill/internal/aggregator"
	"github.com/ryosukesatoh/news-distill/internal/fetcher"
	"github.com/ryosukesatoh/news-distill/internal/news"
	"github.com/ryosukesatoh/news-distill/internal/notifier"
	"github.com/ryosukesatoh/news-distill/internal/provider"
	"github.com/ryosukesatoh/news-distill/internal/state"
)

// Stage is a state of the run state machine.
type Stage string

const (
	StageFetching    Stage = "fetching"
	StageDeduping    Stage = "deduping"
	StageAggregating Stage = "aggregating"
	StageNotifying   Stage = "notifying"
	StageCommitting  Stage = "committing"
	StageDone        Stage = "done"
	StageFailed      Stage = "failed"
)

var (
	// ErrRunInProgress is returned when a run is triggered while another is active.
	ErrRunInProgress = errors.New("runner: a run is already in progress")
	// ErrDeliveryFailed ends a run whose digest reached no channel when
	// commits on delivery failure are disabled.
	ErrDeliveryFailed = errors.New("delivery failed on every channel")
)

// Fetcher is the part of fetcher.Fetcher the runner needs.
type Fetcher interface {
	FetchAll(ctx context.Context, since *time.Time) ([]news.Item, []fetcher.SourceResult, error)
}

// Aggregator is the part of aggregator.Aggregator the runner needs.
type Aggregator interface {
	BuildDigest(ctx context.Context, delta []news.Item) (*news.Digest, aggregator.Report, error)
}

type Deps struct {
	Store      state.Store
	Fetcher    Fetcher
	Aggregator Aggregator
	Channels   []notifier.Channel
	Policy     notifier.Policy
	// CommitOnDeliveryFailure commits the run even when every channel failed.
	CommitOnDeliveryFailure bool
}

// Outcome is the record of a single run.
type Outcome struct {
	RunID          string                     `json:"run_id"`
	Mode           news.Mode                  `json:"mode"`
	Stage          Stage                      `json:"stage"`
	FailedStage    Stage                      `json:"failed_stage,omitempty"`
	Err            error                      `json:"-"`
	Error          string                     `json:"error,omitempty"`
	StartedAt      time.Time                  `json:"started_at"`
	FinishedAt     time.Time                  `json:"finished_at"`
	Fetched        int                        `json:"fetched"`
	Delta          int                        `json:"delta"`
	Sources        []fetcher.SourceResult     `json:"sources,omitempty"`
	Providers      []provider.Attempt         `json:"providers,omitempty"`
	Channels       map[string]notifier.Result `json:"channels,omitempty"`
	DigestEntries  int                        `json:"digest_entries"`
	Committed      bool                       `json:"committed"`
	DeliveryFailed bool                       `json:"delivery_failed"`
}

func (o *Outcome) Success() bool { return o.Stage == StageDone }

// Summary is the one-line report logged at the end of a run.
func (o *Outcome) Summary() string {
	if !o.Success() {
		return fmt.Sprintf("run %s (%s) failed at %s: %v", o.RunID, o.Mode, o.FailedStage, o.Err)
	}
	delivered := 0
	for _, res := range o.Channels {
		if res.Delivered {
			delivered++
		}
	}
	return fmt.Sprintf("run %s (%s) done in %s: fetched=%d delta=%d entries=%d channels=%d/%d committed=%t",
		o.RunID, o.Mode, o.FinishedAt.Sub(o.StartedAt).Round(time.Millisecond),
		o.Fetched, o.Delta, o.DigestEntries, delivered, len(o.Channels), o.Committed)
}

// Runner executes daily tasks one at a time.
type Runner struct {
	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex

	lastMu sync.RWMutex
	last   *Outcome
}

func New(deps Deps, logger *slog.Logger) *Runner {
	return &Runner{
		deps:   deps,
		logger: logger.With("component", "runner"),
		now:    time.Now,
	}
}

// Run executes one task, waiting for any active run to finish first.
func (r *Runner) Run(ctx context.Context, mode news.Mode) *Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run(ctx, mode, uuid.NewString())
}

// TryRun executes one task unless another is active.
func (r *Runner) TryRun(ctx context.Context, mode news.Mode) (*Outcome, error) {
	if !r.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer r.mu.Unlock()
	return r.run(ctx, mode, uuid.NewString()), nil
}

// Start launches a task in the background unless another is active, and
// returns its run id.
func (r *Runner) Start(ctx context.Context, mode news.Mode) (string, error) {
	if !r.mu.TryLock() {
		return "", ErrRunInProgress
	}
	runID := uuid.NewString()
	go func() {
		defer r.mu.Unlock()
		r.run(ctx, mode, runID)
	}()
	return runID, nil
}

// Last returns the outcome of the most recent finished run, or nil.
// Wait blocks until no run is in progress or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	idle := make(chan struct{})
	go func() {
		r.mu.Lock()
		r.mu.Unlock()
		close(idle)
	}()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) Last() *Outcome {
	r.lastMu.RLock()
	defer r.lastMu.RUnlock()
	return r.last
}

func (r *Runner) run(ctx context.Context, mode news.Mode, runID string) *Outcome {
	out := &Outcome{
		RunID:     runID,
		Mode:      mode,
		Stage:     StageFetching,
		StartedAt: r.now(),
	}
	logger := r.logger.With("run_id", runID, "mode", mode)
	logger.Info("run started")

	defer func() {
		out.FinishedAt = r.now()
		if out.Err != nil {
			out.Error = out.Err.Error()
			logger.Error(out.Summary())
		} else {
			logger.Info(out.Summary())
		}
		r.lastMu.Lock()
		r.last = out
		r.lastMu.Unlock()
	}()

	st, err := r.deps.Store.Load(ctx)
	if err != nil {
		return r.fail(out, persistenceError("load", err))
	}
	if err := ctx.Err(); err != nil {
		return r.fail(out, err)
	}

	// Fetching
	items, sources, err := r.deps.Fetcher.FetchAll(ctx, st.Since(mode))
	out.Sources = sources
	out.Fetched = len(items)
	if err != nil {
		return r.fail(out, err)
	}
	if !r.advance(ctx, out, StageDeduping) {
		return out
	}

	// Deduping
	delta := state.ComputeDelta(st, items, mode)
	out.Delta = len(delta)
	logger.Info("delta computed", "fetched", len(items), "delta", len(delta), "seen", len(st.SeenIDs))
	if !r.advance(ctx, out, StageAggregating) {
		return out
	}

	// Aggregating
	digest, report, err := r.deps.Aggregator.BuildDigest(ctx, delta)
	out.Providers = report.Attempts
	if err != nil {
		return r.fail(out, err)
	}
	out.DigestEntries = len(digest.Entries)
	logger.Debug("digest built", "entries", len(digest.Entries), "items", digest.ItemCount(), "content", digest.Content())
	if !r.advance(ctx, out, StageNotifying) {
		return out
	}

	// Notifying
	dispatch := notifier.Dispatch(ctx, digest, r.deps.Channels, r.deps.Policy)
	out.Channels = dispatch.Results
	out.DeliveryFailed = !dispatch.Success()
	if !r.advance(ctx, out, StageCommitting) {
		return out
	}

	// Committing
	if out.DeliveryFailed {
		logger.Warn("digest reached no channel", "failed", dispatch.Failed())
		if !r.deps.CommitOnDeliveryFailure {
			return r.fail(out, ErrDeliveryFailed)
		}
	}
	next := st.Advance(delta, out.StartedAt, mode)
	if err := r.deps.Store.Save(ctx, next); err != nil {
		return r.fail(out, persistenceError("save", err))
	}
	out.Committed = true
	out.Stage = StageDone
	return out
}

// advance moves to the next stage unless the run was cancelled.
func (r *Runner) advance(ctx context.Context, out *Outcome, next Stage) bool {
	if err := ctx.Err(); err != nil {
		r.fail(out, err)
		return false
	}
	out.Stage = next
	return true
}

func (r *Runner) fail(out *Outcome, err error) *Outcome {
	out.FailedStage = out.Stage
	out.Stage = StageFailed
	out.Err = err
	return out
}

func persistenceError(op string, err error) error {
	var perr *state.PersistenceError
	if errors.As(err, &perr) {
		return err
	}
	return &state.PersistenceError{Op: op, Err: err}
}
