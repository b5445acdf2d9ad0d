package trainer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/haivivi/spkemb/pkg/storage"
)

// DefaultKeep is the default number of checkpoint files retained.
const DefaultKeep = 10

// Record describes a checkpoint. The latest pointer holds the Record of
// the most recent one.
type Record struct {
	Epoch int     `json:"e"`
	Batch int     `json:"b"`
	Split int     `json:"s"`
	LR    float64 `json:"lr"`
	Loss  float64 `json:"loss"`
	Step  int     `json:"step"`
	File  string  `json:"file"`

	// Kept lists the retained checkpoint files, oldest first, File last.
	Kept []string `json:"kept,omitempty"`
}

// CheckpointName returns the file name of a checkpoint taken after batch
// b of split s in epoch e, all zero-based. Batch counters restart in
// every split, so the split is part of the name.
func CheckpointName(tag string, e, s, b int, loss float64) string {
	return fmt.Sprintf("%s_Epoch%d_Split%d_Batch%d_Loss%.3f.ckpt", tag, e+1, s, b+1, loss)
}

// LatestName returns the file name of the latest pointer of tag.
func LatestName(tag string) string {
	return tag + "_latest.json"
}

// LoadLatest reads the latest pointer of tag from dir.
func LoadLatest(ctx context.Context, fs storage.FileStore, dir, tag string) (*Record, error) {
	var rec Record
	err := storage.ReadFunc(ctx, fs, storage.Join(dir, LatestName(tag)), func(r io.Reader) error {
		return json.NewDecoder(r).Decode(&rec)
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w for %s in %s", ErrNoCheckpoint, tag, dir)
	}
	if err != nil {
		return nil, fmt.Errorf("trainer: read latest pointer: %w", err)
	}
	if rec.File == "" {
		return nil, fmt.Errorf("trainer: latest pointer of %s names no file", tag)
	}
	return &rec, nil
}

// save writes the network weights under the name derived from rec, then
// points the latest pointer at it and drops checkpoints beyond keep.
func (c checkpoints) save(ctx context.Context, rec *Record, keep int) error {
	tag := c.net.Tag()
	rec.File = CheckpointName(tag, rec.Epoch, rec.Split, rec.Batch, rec.Loss)

	err := storage.WriteFunc(ctx, c.fs, c.path(rec.File), c.net.Save)
	if err != nil {
		return fmt.Errorf("trainer: save checkpoint: %w", err)
	}

	kept := slices.DeleteFunc(slices.Clone(rec.Kept), func(s string) bool { return s == rec.File })
	kept = append(kept, rec.File)
	var evict []string
	if keep > 0 && len(kept) > keep {
		evict = kept[:len(kept)-keep]
		kept = kept[len(kept)-keep:]
	}
	rec.Kept = kept

	err = storage.WriteFunc(ctx, c.fs, c.path(LatestName(tag)), func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	})
	if err != nil {
		return fmt.Errorf("trainer: write latest pointer: %w", err)
	}

	for _, name := range evict {
		if err := c.fs.Delete(ctx, c.path(name)); err != nil {
			return fmt.Errorf("trainer: remove old checkpoint: %w", err)
		}
	}
	return nil
}

// Point is a position at which training writes a checkpoint.
type Point struct {
	Epoch int
	Batch int
	Step  int
	Final bool
}

// Interval lists the checkpoints of a run of epochs epochs of batches
// batches each, saving whenever the global step count is a multiple of
// every, plus the final one. Epoch and Batch are zero-based.
func Interval(epochs, batches, every int) []Point {
	var pts []Point
	step := 0
	for e := 0; e < epochs; e++ {
		for b := 0; b < batches; b++ {
			step++
			last := e == epochs-1 && b == batches-1
			if due(step, every) || last {
				pts = append(pts, Point{Epoch: e, Batch: b, Step: step, Final: last})
			}
		}
	}
	return pts
}

func due(step, every int) bool {
	return every > 0 && step%every == 0
}
