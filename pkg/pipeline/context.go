package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/haivivi/spkemb/pkg/artifact"
	"github.com/haivivi/spkemb/pkg/journal"
	"github.com/haivivi/spkemb/pkg/storage"
)

// Device describes where model computation runs.
type Device struct {
	Name    string `yaml:"name" json:"name"`       // only "cpu" is supported
	Threads int    `yaml:"threads" json:"threads"` // GOMAXPROCS when 0
}

// DefaultDevice returns the CPU device with all cores.
func DefaultDevice() Device {
	return Device{Name: "cpu", Threads: runtime.GOMAXPROCS(0)}
}

// Context carries what every stage shares.
type Context struct {
	Logger  *slog.Logger
	Device  Device
	FS      storage.FileStore
	Store   *artifact.Store
	Journal *journal.Journal // optional
	RunID   string
}

// NewContext returns a Context over fs with a fresh run id.
func NewContext(fs storage.FileStore, jr *journal.Journal, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	id := journal.NewRunID()
	return &Context{
		Logger:  logger.With("run", id[:8]),
		Device:  DefaultDevice(),
		FS:      fs,
		Store:   artifact.New(fs),
		Journal: jr,
		RunID:   id,
	}
}

// timer logs msg and returns a func that logs its completion with the
// elapsed time.
func (c *Context) timer(msg string, args ...any) func() {
	c.Logger.Info(msg, args...)
	began := time.Now()
	return func() {
		c.Logger.Info(msg+" done", append(args, "elapsed", time.Since(began).Round(time.Millisecond))...)
	}
}

// begin journals the start of stage k. It never fails the stage: a broken
// journal only costs history.
func (c *Context) begin(ctx context.Context, k int) *journal.Entry {
	if c.Journal == nil {
		return &journal.Entry{Stage: k, RunID: c.RunID}
	}
	e, err := c.Journal.Begin(ctx, c.RunID, k)
	if err != nil {
		c.Logger.Warn("pipeline: journal begin", "stage", k, "error", err)
		return &journal.Entry{Stage: k, RunID: c.RunID}
	}
	return e
}

func (c *Context) finish(ctx context.Context, e *journal.Entry, err error) {
	if c.Journal == nil {
		return
	}
	if jerr := c.Journal.Finish(ctx, e, err); jerr != nil {
		c.Logger.Warn("pipeline: journal finish", "stage", e.Stage, "error", jerr)
	}
}

func (c *Context) skip(ctx context.Context, k int) {
	if c.Journal == nil {
		return
	}
	if err := c.Journal.Skip(ctx, c.RunID, k); err != nil {
		c.Logger.Warn("pipeline: journal skip", "stage", k, "error", err)
	}
}

// check rejects devices this build cannot use.
func (d Device) check() error {
	if d.Name != "" && d.Name != "cpu" {
		return fmt.Errorf("pipeline: device %q not supported, only cpu", d.Name)
	}
	return nil
}
