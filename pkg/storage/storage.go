// Package storage defines the FileStore interface used to persist pipeline
// artifacts: data lists, feature matrices, model checkpoints and
// embeddings. Callers address files by slash-separated paths relative to a
// save root, so a run can live on local disk or in an S3 bucket without the
// stages knowing which.
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// FileStore is a minimal interface for file-oriented storage.
//
// Paths are forward-slash separated and relative to the store root.
// Implementations must be safe for concurrent use.
type FileStore interface {
	// Read opens the named file for reading.
	// The caller must close the returned ReadCloser when done.
	// If the file does not exist, an error wrapping os.ErrNotExist is returned.
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// Write opens the named file for writing. The new content becomes
	// visible atomically when the returned writer is closed; a reader never
	// observes a partially written file.
	Write(ctx context.Context, path string) (io.WriteCloser, error)

	// Delete removes the named file.
	// If the file does not exist, Delete returns nil (idempotent).
	Delete(ctx context.Context, path string) error

	// Exists reports whether the named file exists.
	Exists(ctx context.Context, path string) (bool, error)
}

// Aborter is implemented by writers that can discard their pending content
// instead of committing it on Close.
type Aborter interface {
	Abort() error
}

// WriteFunc opens path on fs, lets fn fill it and commits the file only if
// fn succeeds. On failure the pending content is discarded where the
// backend supports it.
func WriteFunc(ctx context.Context, fs FileStore, path string, fn func(w io.Writer) error) error {
	w, err := fs.Write(ctx, path)
	if err != nil {
		return fmt.Errorf("storage: open %s: %w", path, err)
	}
	if err := fn(w); err != nil {
		if a, ok := w.(Aborter); ok {
			a.Abort()
		} else {
			w.Close()
		}
		return err
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("storage: commit %s: %w", path, err)
	}
	return nil
}

// ReadFunc opens path on fs and passes the reader to fn.
func ReadFunc(ctx context.Context, fs FileStore, path string, fn func(r io.Reader) error) error {
	r, err := fs.Read(ctx, path)
	if err != nil {
		return err
	}
	defer r.Close()
	return fn(r)
}

// Join joins path segments with '/'.
func Join(elem ...string) string {
	parts := make([]string, 0, len(elem))
	for _, e := range elem {
		e = strings.Trim(e, "/")
		if e != "" {
			parts = append(parts, e)
		}
	}
	return strings.Join(parts, "/")
}
