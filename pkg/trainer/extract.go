package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sbinet/npyio"

	"github.com/haivivi/spkemb/pkg/artifact"
	"github.com/haivivi/spkemb/pkg/storage"
)

// Extractor embeds utterances with the latest checkpoint of a Network.
type Extractor struct {
	ckpt   checkpoints
	logger *slog.Logger

	// SkipExisting starts extraction at the first row whose embedding is
	// missing. Rows written with another checkpoint are never kept.
	SkipExisting bool
}

// NewExtractor returns an Extractor reading checkpoints from fs and
// writing embeddings to it.
func NewExtractor(net Network, fs storage.FileStore, opts ...Option) *Extractor {
	c := newConfig(opts)
	return &Extractor{
		ckpt:   checkpoints{fs: fs, dir: c.dir, net: net},
		logger: c.logger,
	}
}

// Extract loads the checkpoint named by the latest pointer, embeds every
// batch of ld and saves each embedding as a .npy vector keyed by set and
// row. It returns ld.LastIndex(), also when it fails part way, so callers
// can keep the rows that were embedded.
//
// The set's marker records the checkpoint file its rows came from. When
// it names another file the existing rows are removed before the marker
// is rewritten, so a present row always matches the marker.
func (x *Extractor) Extract(ctx context.Context, ld EvalLoader, set string) (int, error) {
	rec, err := x.ckpt.restore(ctx)
	if err != nil {
		return ld.LastIndex(), err
	}
	x.logger.Info("trainer: loaded checkpoint", "file", rec.File, "set", set)

	if err := x.claim(ctx, ld.Len(), set, rec.File); err != nil {
		return ld.LastIndex(), err
	}

	if x.SkipExisting {
		first, err := x.firstMissing(ctx, ld.Len(), set)
		if err != nil {
			return ld.LastIndex(), err
		}
		if first > 0 {
			x.logger.Info("trainer: skipping embedded rows", "set", set, "rows", first)
		}
		if err := ld.StartAt(first); err != nil {
			return ld.LastIndex(), err
		}
	}

	total := ld.TotalBatches()
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return ld.LastIndex(), err
		}
		batch, err := ld.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return ld.LastIndex(), err
		}
		embs, err := x.ckpt.net.Embed(ctx, batch)
		if err != nil {
			return ld.LastIndex(), fmt.Errorf("trainer: embed batch %d: %w", i, err)
		}
		if len(embs) != batch.Len() {
			return ld.LastIndex(), fmt.Errorf("trainer: network returned %d embeddings for %d utterances", len(embs), batch.Len())
		}
		for j, row := range batch.Rows {
			if err := x.save(ctx, set, row, embs[j]); err != nil {
				return ld.LastIndex(), err
			}
		}
		x.logger.Debug("trainer: embedded batch", "set", set, "batch", i+1, "of", total)
	}
	return ld.LastIndex(), nil
}

// claim points the marker of set at file, dropping rows [0, n) first
// when they were produced by a different checkpoint.
func (x *Extractor) claim(ctx context.Context, n int, set, file string) error {
	marker := artifact.EmbeddingMarker(set)
	prev, err := readMarker(ctx, x.ckpt.fs, marker)
	if err != nil {
		return err
	}
	if prev == file {
		return nil
	}
	if prev != "" {
		x.logger.Info("trainer: discarding stale embeddings", "set", set, "was", prev, "now", file)
	}
	for row := 0; row < n; row++ {
		if err := x.ckpt.fs.Delete(ctx, artifact.EmbeddingPath(set, row)); err != nil {
			return fmt.Errorf("trainer: remove stale embedding: %w", err)
		}
	}
	err = storage.WriteFunc(ctx, x.ckpt.fs, marker, func(w io.Writer) error {
		_, err := io.WriteString(w, file)
		return err
	})
	if err != nil {
		return fmt.Errorf("trainer: write %s: %w", marker, err)
	}
	return nil
}

func readMarker(ctx context.Context, fs storage.FileStore, p string) (string, error) {
	var b []byte
	err := storage.ReadFunc(ctx, fs, p, func(r io.Reader) error {
		var err error
		b, err = io.ReadAll(r)
		return err
	})
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("trainer: read %s: %w", p, err)
	}
	return strings.TrimSpace(string(b)), nil
}

// EmbeddingCheckpoint returns the checkpoint file the embeddings of set
// were produced with, or "" when none were written.
func EmbeddingCheckpoint(ctx context.Context, fs storage.FileStore, set string) (string, error) {
	return readMarker(ctx, fs, artifact.EmbeddingMarker(set))
}

func (x *Extractor) firstMissing(ctx context.Context, n int, set string) (int, error) {
	for row := 0; row < n; row++ {
		ok, err := x.ckpt.fs.Exists(ctx, artifact.EmbeddingPath(set, row))
		if err != nil {
			return 0, err
		}
		if !ok {
			return row, nil
		}
	}
	return n, nil
}

func (x *Extractor) save(ctx context.Context, set string, row int, emb []float32) error {
	p := artifact.EmbeddingPath(set, row)
	err := storage.WriteFunc(ctx, x.ckpt.fs, p, func(w io.Writer) error {
		return npyio.Write(w, emb)
	})
	if err != nil {
		return fmt.Errorf("trainer: save embedding %s: %w", p, err)
	}
	return nil
}

// ReadEmbedding loads the embedding of row row of set.
func ReadEmbedding(ctx context.Context, fs storage.FileStore, set string, row int) ([]float32, error) {
	var emb []float32
	err := storage.ReadFunc(ctx, fs, artifact.EmbeddingPath(set, row), func(r io.Reader) error {
		return npyio.Read(r, &emb)
	})
	return emb, err
}
