// Package journal records the history of pipeline stages: which run
// executed which stage, when, with what outcome, and the item counts it
// produced. The pipeline consults it to explain precondition failures and
// `spkemb status` prints it.
//
// Entries are MessagePack values in an ordered key-value Store (BadgerDB
// on disk, or a map in tests) under keys
//
//	stage:<NN>:<started-unix-nanos>:<run-id>
//
// so that listing a stage yields its runs oldest first.
package journal

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Status is the outcome of a stage execution.
type Status string

const (
	StatusRunning     Status = "running"
	StatusDone        Status = "done"
	StatusFailed      Status = "failed"
	StatusInterrupted Status = "interrupted"
	StatusSkipped     Status = "skipped"
)

// Entry is one execution of one stage.
type Entry struct {
	Stage      int            `msgpack:"stage" json:"stage"`
	RunID      string         `msgpack:"run_id" json:"run_id"`
	StartedAt  time.Time      `msgpack:"started_at" json:"started_at"`
	FinishedAt time.Time      `msgpack:"finished_at,omitempty" json:"finished_at,omitzero"`
	Status     Status         `msgpack:"status" json:"status"`
	Counts     map[string]int `msgpack:"counts,omitempty" json:"counts,omitempty"`
	Error      string         `msgpack:"error,omitempty" json:"error,omitempty"`
}

// Elapsed returns the duration of a finished entry, or zero.
func (e *Entry) Elapsed() time.Duration {
	if e.FinishedAt.IsZero() {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}

// Count records an item count, e.g. Count("speakers", 1210).
func (e *Entry) Count(name string, n int) {
	if e.Counts == nil {
		e.Counts = make(map[string]int)
	}
	e.Counts[name] = n
}

func (e *Entry) key() Key {
	return Key{"stage", fmt.Sprintf("%02d", e.Stage), fmt.Sprintf("%020d", e.StartedAt.UnixNano()), e.RunID}
}

// NewRunID returns a fresh run id.
func NewRunID() string {
	return uuid.NewString()
}

// Journal reads and writes stage entries.
type Journal struct {
	store Store
	now   func() time.Time
}

// New returns a Journal over store.
func New(store Store) *Journal {
	return &Journal{store: store, now: time.Now}
}

// Open opens the on-disk journal in dir.
func Open(dir string, opts BadgerOptions) (*Journal, error) {
	opts.Dir = dir
	db, err := OpenBadger(opts)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

// Close closes the underlying store.
func (j *Journal) Close() error {
	return j.store.Close()
}

func (j *Journal) put(ctx context.Context, e *Entry) error {
	data, err := msgpack.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: encode entry: %w", err)
	}
	if err := j.store.Set(ctx, e.key(), data); err != nil {
		return fmt.Errorf("journal: write entry: %w", err)
	}
	return nil
}

// Begin records that run runID started stage.
func (j *Journal) Begin(ctx context.Context, runID string, stage int) (*Entry, error) {
	e := &Entry{Stage: stage, RunID: runID, StartedAt: j.now().UTC(), Status: StatusRunning}
	if err := j.put(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Skip records that run runID skipped stage.
func (j *Journal) Skip(ctx context.Context, runID string, stage int) error {
	now := j.now().UTC()
	return j.put(ctx, &Entry{Stage: stage, RunID: runID, StartedAt: now, FinishedAt: now, Status: StatusSkipped})
}

// Finish closes e with the outcome of err: done when nil, interrupted when
// it is a context cancellation, failed otherwise.
func (j *Journal) Finish(ctx context.Context, e *Entry, err error) error {
	e.FinishedAt = j.now().UTC()
	switch {
	case err == nil:
		e.Status = StatusDone
	case errors.Is(err, context.Canceled):
		e.Status = StatusInterrupted
		e.Error = err.Error()
	default:
		e.Status = StatusFailed
		e.Error = err.Error()
	}
	// The run context may be cancelled already; the entry must still land.
	return j.put(context.WithoutCancel(ctx), e)
}

func (j *Journal) list(ctx context.Context, prefix Key) ([]Entry, error) {
	var out []Entry
	for k, v := range j.store.List(ctx, prefix) {
		var e Entry
		if err := msgpack.Unmarshal(v, &e); err != nil {
			return nil, fmt.Errorf("journal: decode %s: %w", k, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Entries returns every entry ordered by stage, then start time.
func (j *Journal) Entries(ctx context.Context) ([]Entry, error) {
	return j.list(ctx, Key{"stage"})
}

// Stage returns the entries of one stage, oldest first.
func (j *Journal) Stage(ctx context.Context, stage int) ([]Entry, error) {
	return j.list(ctx, Key{"stage", fmt.Sprintf("%02d", stage)})
}

// LastDone returns the most recent successful execution of stage, or
// ErrNotFound.
func (j *Journal) LastDone(ctx context.Context, stage int) (*Entry, error) {
	es, err := j.Stage(ctx, stage)
	if err != nil {
		return nil, err
	}
	for i := len(es) - 1; i >= 0; i-- {
		if es[i].Status == StatusDone {
			return &es[i], nil
		}
	}
	return nil, ErrNotFound
}

// Summary is the latest state of each stage.
type Summary struct {
	Stage    int
	Last     *Entry // most recent entry that was not a skip
	LastDone *Entry
	Runs     int // executions, skips excluded
	Counts   map[string]int
}

// Summarize folds all entries into one Summary per stage seen, ordered by
// stage.
func (j *Journal) Summarize(ctx context.Context) ([]Summary, error) {
	es, err := j.Entries(ctx)
	if err != nil {
		return nil, err
	}
	var out []Summary
	for i := range es {
		e := &es[i]
		if len(out) == 0 || out[len(out)-1].Stage != e.Stage {
			out = append(out, Summary{Stage: e.Stage})
		}
		s := &out[len(out)-1]
		if e.Status == StatusSkipped {
			continue
		}
		s.Runs++
		s.Last = e
		if e.Status == StatusDone {
			s.LastDone = e
			s.Counts = maps.Clone(e.Counts)
		}
	}
	return out, nil
}
