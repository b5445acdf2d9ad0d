package trainer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/haivivi/spkemb/pkg/loader"
	"github.com/haivivi/spkemb/pkg/storage"
)

// Schedule controls a training run.
type Schedule struct {
	Epochs int     // epochs per duration split
	LR     float64 // initial learning rate of every split
	Decay  float64 // per-epoch learning-rate factor: lr*Decay^epoch
	Every  int     // checkpoint every Every global steps; 0 saves only at the end
	Keep   int     // checkpoint files retained; 0 means DefaultKeep, <0 keeps all
}

// LRAt returns the learning rate of epoch e.
func (s Schedule) LRAt(e int) float64 {
	return s.LR * math.Pow(s.Decay, float64(e))
}

func (s Schedule) keep() int {
	if s.Keep == 0 {
		return DefaultKeep
	}
	return s.Keep
}

// Trainer trains a Network split by split, epoch by epoch.
type Trainer struct {
	ckpt   checkpoints
	logger *slog.Logger

	from *Record
}

// New returns a Trainer that checkpoints net into fs.
func New(net Network, fs storage.FileStore, opts ...Option) *Trainer {
	c := newConfig(opts)
	return &Trainer{
		ckpt:   checkpoints{fs: fs, dir: c.dir, net: net},
		logger: c.logger,
	}
}

// Resume loads the latest checkpoint into the network. The following
// Train continues with the batch after the one it records. Resume returns
// an error wrapping ErrNoCheckpoint when there is nothing to resume.
func (t *Trainer) Resume(ctx context.Context) (*Record, error) {
	rec, err := t.ckpt.restore(ctx)
	if err != nil {
		return nil, err
	}
	t.from = rec
	t.logger.Info("trainer: resuming", "file", rec.File, "split", rec.Split,
		"epoch", rec.Epoch, "batch", rec.Batch, "step", rec.Step)
	return rec, nil
}

// Train runs sch over every non-empty split of ld. A checkpoint is saved
// whenever the global step count reaches a multiple of sch.Every, and once
// more after the last batch. It returns the Record of the last checkpoint.
//
// A cancelled ctx stops training between batches; the latest pointer
// still names a complete checkpoint.
func (t *Trainer) Train(ctx context.Context, ld TrainLoader, sch Schedule) (*Record, error) {
	if sch.Epochs <= 0 {
		return nil, fmt.Errorf("trainer: epochs must be positive, got %d", sch.Epochs)
	}

	var (
		step  int
		kept  []string
		start loader.State
		last  *Record
		saved *Record
	)
	if t.from != nil {
		step = t.from.Step
		kept = t.from.Kept
		start = loader.State{Split: t.from.Split, Epoch: t.from.Epoch, Batch: t.from.Batch + 1}
		saved = t.from
	}

	for s := start.Split; s < ld.NumSplits(); s++ {
		if ld.SplitSize(s) == 0 {
			t.logger.Info("trainer: split is empty, skipping", "split", s)
			continue
		}
		if err := ld.SetSplit(s); err != nil {
			return saved, err
		}
		batches := ld.TotalBatches()

		e0, b0 := 0, 0
		if s == start.Split {
			e0, b0 = start.Epoch, start.Batch
			if b0 >= batches {
				e0, b0 = e0+1, 0
			}
			if e0 >= sch.Epochs {
				continue
			}
			if err := ld.Seek(loader.State{Split: s, Epoch: e0, Batch: b0}); err != nil {
				return saved, err
			}
		}
		t.logger.Info("trainer: split", "split", s, "utterances", ld.SplitSize(s), "batches", batches)

		for e := e0; e < sch.Epochs; e++ {
			lr := sch.LRAt(e)
			began := time.Now()
			var sum float64
			var n int
			for b := b0; b < batches; b++ {
				if err := ctx.Err(); err != nil {
					return saved, err
				}
				batch, err := ld.Next(ctx)
				if err != nil {
					return saved, err
				}
				loss, err := t.ckpt.net.Step(ctx, batch, lr)
				if err != nil {
					return saved, fmt.Errorf("trainer: split %d epoch %d batch %d: %w", s, e, b, err)
				}
				step++
				sum += loss
				n++
				t.logger.Debug("trainer: step", "step", step, "split", s, "epoch", e, "batch", b, "loss", loss)

				last = &Record{Epoch: e, Batch: b, Split: s, LR: lr, Loss: loss, Step: step, Kept: kept}
				if due(step, sch.Every) {
					if err := t.ckpt.save(ctx, last, sch.keep()); err != nil {
						return saved, err
					}
					kept, saved = last.Kept, last
					t.logger.Info("trainer: checkpoint", "file", last.File, "step", step)
				}
			}
			b0 = 0
			if n > 0 {
				t.logger.Info("trainer: epoch done", "split", s, "epoch", e, "lr", lr,
					"mean_loss", sum/float64(n), "elapsed", time.Since(began))
			}
		}
	}

	if last == nil {
		if saved != nil {
			return saved, nil
		}
		return nil, fmt.Errorf("trainer: no batches to train on")
	}
	if saved == nil || saved.Step != last.Step {
		if err := t.ckpt.save(ctx, last, sch.keep()); err != nil {
			return saved, err
		}
		saved = last
		t.logger.Info("trainer: final checkpoint", "file", last.File, "step", last.Step)
	}
	return saved, nil
}
