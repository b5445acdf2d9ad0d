package feature

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/haivivi/spkemb/pkg/artifact"
	"github.com/haivivi/spkemb/pkg/storage"
	"github.com/haivivi/spkemb/pkg/utterance"
)

// Extractor computes and stores the VAD-filtered MFCCs of utterances.
type Extractor struct {
	cfg    Config
	mfcc   *MFCC
	audio  afero.Fs
	fs     storage.FileStore
	logger *slog.Logger
}

// NewExtractor returns an Extractor reading audio from audio (the OS
// filesystem when nil) and writing features to fs.
func NewExtractor(cfg Config, audio afero.Fs, fs storage.FileStore, logger *slog.Logger) (*Extractor, error) {
	m, err := NewMFCC(cfg)
	if err != nil {
		return nil, err
	}
	if audio == nil {
		audio = afero.NewOsFs()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Jobs <= 0 {
		cfg.Jobs = 1
	}
	return &Extractor{cfg: cfg, mfcc: m, audio: audio, fs: fs, logger: logger}, nil
}

// Result reports an extraction.
type Result struct {
	// Frames maps utterance ids to their voiced frame count.
	Frames map[string]int

	// Unvoiced lists utterances without any voiced frame. No feature file
	// is written for them.
	Unvoiced []string
}

// Extract processes list with up to Config.Jobs utterances in flight. The
// first failure cancels the rest.
func (x *Extractor) Extract(ctx context.Context, list utterance.List) (*Result, error) {
	res := &Result{Frames: make(map[string]int, len(list))}
	var mu sync.Mutex
	var done atomic.Int64
	began := time.Now()
	step := max(1, len(list)/10)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(x.cfg.Jobs)
	for _, r := range list {
		g.Go(func() error {
			n, err := x.One(ctx, r)
			if err != nil {
				return fmt.Errorf("feature: %s (%s): %w", r.ID, r.Path, err)
			}
			mu.Lock()
			if n == 0 {
				res.Unvoiced = append(res.Unvoiced, r.ID)
			} else {
				res.Frames[r.ID] = n
			}
			mu.Unlock()
			if c := done.Add(1); c%int64(step) == 0 {
				x.logger.Info("feature: progress", "done", c, "total", len(list), "elapsed", time.Since(began))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}

// One extracts a single utterance and returns its voiced frame count.
func (x *Extractor) One(ctx context.Context, r utterance.Record) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f, err := x.audio.Open(r.Path)
	if err != nil {
		return 0, err
	}
	samples, rate, err := Decode(f, r.Channel)
	f.Close()
	if err != nil {
		return 0, err
	}
	if samples, err = Resample(samples, rate, x.cfg.SampleRate); err != nil {
		return 0, err
	}
	m, energy := x.mfcc.Compute(samples)
	if m == nil {
		x.logger.Debug("feature: shorter than one frame", "id", r.ID)
		return 0, nil
	}
	voiced := ApplyVAD(m, ComputeVAD(energy, x.cfg.VAD))
	if voiced == nil {
		x.logger.Debug("feature: no voiced frames", "id", r.ID)
		return 0, nil
	}
	if err := WriteMatrix(ctx, x.fs, artifact.FeaturePath(r.ID), voiced); err != nil {
		return 0, err
	}
	n, _ := voiced.Dims()
	return n, nil
}
