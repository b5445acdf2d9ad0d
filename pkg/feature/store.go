package feature

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sbinet/npyio"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/haivivi/spkemb/pkg/artifact"
	"github.com/haivivi/spkemb/pkg/loader"
	"github.com/haivivi/spkemb/pkg/storage"
	"github.com/haivivi/spkemb/pkg/utterance"
)

// WriteMatrix stores m as a .npy file.
func WriteMatrix(ctx context.Context, fs storage.FileStore, path string, m *mat.Dense) error {
	return storage.WriteFunc(ctx, fs, path, func(w io.Writer) error {
		return npyio.Write(w, m)
	})
}

// ReadMatrix loads a .npy matrix.
func ReadMatrix(ctx context.Context, fs storage.FileStore, path string) (*mat.Dense, error) {
	var m mat.Dense
	err := storage.ReadFunc(ctx, fs, path, func(r io.Reader) error {
		return npyio.Read(r, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ReadFrames returns the number of rows of the feature file of id, reading
// only the .npy header.
func ReadFrames(ctx context.Context, fs storage.FileStore, id string) (int, error) {
	var n int
	err := storage.ReadFunc(ctx, fs, artifact.FeaturePath(id), func(r io.Reader) error {
		npy, err := npyio.NewReader(r)
		if err != nil {
			return err
		}
		if len(npy.Header.Descr.Shape) == 0 {
			return fmt.Errorf("feature: %s: scalar array", id)
		}
		n = npy.Header.Descr.Shape[0]
		return nil
	})
	return n, err
}

// FrameCounts reads the frame count of every record of list that has a
// feature file. Records without one are left out of the result.
func FrameCounts(ctx context.Context, fs storage.FileStore, list utterance.List, jobs int) (map[string]int, error) {
	var mu sync.Mutex
	out := make(map[string]int, len(list))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, jobs))
	for _, r := range list {
		g.Go(func() error {
			n, err := ReadFrames(ctx, fs, r.ID)
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("feature: frames of %s: %w", r.ID, err)
			}
			mu.Lock()
			out[r.ID] = n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Store serves feature matrices written by an Extractor.
type Store struct {
	fs storage.FileStore
}

var _ loader.FeatureSource = (*Store)(nil)

// NewStore returns a Store reading from fs.
func NewStore(fs storage.FileStore) *Store {
	return &Store{fs: fs}
}

// Features implements loader.FeatureSource.
func (s *Store) Features(ctx context.Context, r utterance.Record) (*mat.Dense, error) {
	return ReadMatrix(ctx, s.fs, artifact.FeaturePath(r.ID))
}

// WriteSCP writes "<id> <path> <channel>" for every record of lists, in
// order, to path.
func WriteSCP(ctx context.Context, fs storage.FileStore, path string, lists ...utterance.List) error {
	return storage.WriteFunc(ctx, fs, path, func(w io.Writer) error {
		bw := bufio.NewWriter(w)
		for _, l := range lists {
			for _, r := range l {
				if _, err := fmt.Fprintf(bw, "%s %s %d\n", r.ID, r.Path, r.Channel); err != nil {
					return err
				}
			}
		}
		return bw.Flush()
	})
}
