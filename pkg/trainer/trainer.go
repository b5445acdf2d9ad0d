// Package trainer runs the training and embedding-extraction loops around
// a Network and manages its checkpoints.
//
// Checkpoints live in a model directory of a storage.FileStore:
//
//	models/<TAG>_Epoch3_Batch20_Loss0.412.ckpt
//	models/<TAG>_latest.json
//
// The latest pointer is written after the checkpoint it names, so it never
// refers to a partial file. It is the only thing a resumed run or an
// extraction consults.
package trainer

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/haivivi/spkemb/pkg/artifact"
	"github.com/haivivi/spkemb/pkg/loader"
	"github.com/haivivi/spkemb/pkg/storage"
)

// ErrNoCheckpoint is returned when no latest pointer exists for a tag.
var ErrNoCheckpoint = errors.New("trainer: no checkpoint")

// Network is an embedding model that can be trained one batch at a time.
//
// Implementations need not be safe for concurrent use; the loops call
// them from a single goroutine.
type Network interface {
	// Tag names the model. It prefixes every checkpoint file.
	Tag() string

	// Step runs one optimization step on a labeled batch with learning
	// rate lr and returns the batch loss.
	Step(ctx context.Context, b *loader.Batch, lr float64) (float64, error)

	// Embed returns one embedding per utterance of b, in order.
	Embed(ctx context.Context, b *loader.Batch) ([][]float32, error)

	// Save writes the model weights to w.
	Save(w io.Writer) error

	// Load replaces the model weights with those read from r.
	Load(r io.Reader) error
}

// TrainLoader is the batch source of Train. *loader.SplitLoader
// implements it.
type TrainLoader interface {
	NumSplits() int
	SplitSize(s int) int
	SetSplit(s int) error
	TotalBatches() int
	Seek(st loader.State) error
	Next(ctx context.Context) (*loader.Batch, error)
}

// EvalLoader is the batch source of Extract. *loader.SequentialLoader
// implements it.
type EvalLoader interface {
	Len() int
	StartAt(row int) error
	TotalBatches() int
	LastIndex() int
	Next(ctx context.Context) (*loader.Batch, error)
}

var (
	_ TrainLoader = (*loader.SplitLoader)(nil)
	_ EvalLoader  = (*loader.SequentialLoader)(nil)
)

// Option configures a Trainer or an Extractor.
type Option func(*config)

type config struct {
	dir    string
	logger *slog.Logger
}

// WithDir sets the model directory (default "models").
func WithDir(dir string) Option {
	return func(c *config) {
		if dir != "" {
			c.dir = dir
		}
	}
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

func newConfig(opts []Option) config {
	c := config{dir: artifact.ModelDir, logger: slog.Default()}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// checkpoints gives the Trainer and Extractor access to the model
// directory.
type checkpoints struct {
	fs  storage.FileStore
	dir string
	net Network
}

func (c checkpoints) path(name string) string {
	return storage.Join(c.dir, name)
}

// restore loads the weights named by the latest pointer into the network.
func (c checkpoints) restore(ctx context.Context) (*Record, error) {
	rec, err := LoadLatest(ctx, c.fs, c.dir, c.net.Tag())
	if err != nil {
		return nil, err
	}
	err = storage.ReadFunc(ctx, c.fs, c.path(rec.File), c.net.Load)
	if err != nil {
		return nil, err
	}
	return rec, nil
}
