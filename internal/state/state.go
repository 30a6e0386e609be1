// Package state keeps the cross-run cursor: which items were already
// distilled and when the last successful run finished.
package state

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ryosukesatoh/news-distill/internal/news"
)

// RunState is the only record persisted between runs.
type RunState struct {
	LastSuccessAt time.Time
	SeenIDs       map[string]struct{}
	Mode          news.Mode
}

// Empty returns the state of a first-ever run.
func Empty() RunState {
	return RunState{SeenIDs: make(map[string]struct{})}
}

// Seen reports whether id was committed by a previous run.
func (s RunState) Seen(id string) bool {
	_, ok := s.SeenIDs[id]
	return ok
}

// Since returns the lower bound for fetching, nil when there is none.
func (s RunState) Since(mode news.Mode) *time.Time {
	if mode == news.ModeFull || s.LastSuccessAt.IsZero() {
		return nil
	}
	t := s.LastSuccessAt
	return &t
}

// SortedIDs returns the seen ids in lexical order.
func (s RunState) SortedIDs() []string {
	ids := make([]string, 0, len(s.SeenIDs))
	for id := range s.SeenIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ComputeDelta returns the items a run with the given mode must distill.
// In full mode every item is returned unchanged; in incremental mode only
// items absent from st.SeenIDs, in input order.
func ComputeDelta(st RunState, items []news.Item, mode news.Mode) []news.Item {
	if mode == news.ModeFull {
		return items
	}
	delta := make([]news.Item, 0, len(items))
	for _, it := range items {
		if !st.Seen(it.ID) {
			delta = append(delta, it)
		}
	}
	return delta
}

// Advance returns the state after committing delta at runAt. The receiver is
// left untouched. A full run starts the seen set over from delta.
func (s RunState) Advance(delta []news.Item, runAt time.Time, mode news.Mode) RunState {
	next := RunState{
		LastSuccessAt: runAt,
		Mode:          mode,
		SeenIDs:       make(map[string]struct{}, len(s.SeenIDs)+len(delta)),
	}
	if mode != news.ModeFull {
		for id := range s.SeenIDs {
			next.SeenIDs[id] = struct{}{}
		}
	}
	for _, it := range delta {
		next.SeenIDs[it.ID] = struct{}{}
	}
	return next
}

// Store persists a RunState with atomic replace-on-write semantics.
type Store interface {
	Load(ctx context.Context) (RunState, error)
	Save(ctx context.Context, st RunState) error
	Close() error
}

// PersistenceError reports a failed state read or write.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("state: %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// record is the serialized form shared by the file and redis backends.
type record struct {
	LastSuccessAt time.Time `json:"last_success_at"`
	SeenIDs       []string  `json:"seen_ids"`
	Mode          news.Mode `json:"mode"`
}

func toRecord(st RunState) record {
	return record{
		LastSuccessAt: st.LastSuccessAt,
		SeenIDs:       st.SortedIDs(),
		Mode:          st.Mode,
	}
}

func fromRecord(r record) RunState {
	st := Empty()
	st.LastSuccessAt = r.LastSuccessAt
	st.Mode = r.Mode
	for _, id := range r.SeenIDs {
		st.SeenIDs[id] = struct{}{}
	}
	return st
}
