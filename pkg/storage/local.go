package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// Local implements FileStore on top of an afero filesystem, normally the
// operating system's. All paths are resolved relative to the configured
// root directory.
//
// Writes go to a temporary file in the destination directory and are
// renamed into place on Close, so an interrupted run never leaves a
// truncated artifact behind.
type Local struct {
	fs   afero.Fs
	root string
}

// NewLocal creates a Local store rooted at dir on the OS filesystem.
// The directory is created (with parents) if it does not already exist.
func NewLocal(dir string) (*Local, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	return NewLocalFs(afero.NewOsFs(), abs)
}

// NewLocalFs creates a Local store rooted at dir on the given filesystem.
// Tests pass afero.NewMemMapFs().
func NewLocalFs(afs afero.Fs, dir string) (*Local, error) {
	if err := afs.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Local{fs: afs, root: dir}, nil
}

// Root returns the root directory of the store.
func (l *Local) Root() string { return l.root }

// resolve turns a storage path into a filesystem path.
func (l *Local) resolve(path string) string {
	return filepath.Join(l.root, filepath.FromSlash(path))
}

// Read opens the named file for reading.
func (l *Local) Read(_ context.Context, path string) (io.ReadCloser, error) {
	f, err := l.fs.Open(l.resolve(path))
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Write creates a temporary sibling of the named file, creating parent
// directories as needed. Close renames it over the destination.
func (l *Local) Write(_ context.Context, path string) (io.WriteCloser, error) {
	full := l.resolve(path)
	dir := filepath.Dir(full)
	if err := l.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := afero.TempFile(l.fs, dir, "."+filepath.Base(full)+".tmp-*")
	if err != nil {
		return nil, err
	}
	return &atomicWriter{fs: l.fs, f: f, dst: full}, nil
}

// Delete removes the named file. If the file does not exist, Delete
// returns nil (idempotent).
func (l *Local) Delete(_ context.Context, path string) error {
	err := l.fs.Remove(l.resolve(path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Exists reports whether the named file exists.
func (l *Local) Exists(_ context.Context, path string) (bool, error) {
	_, err := l.fs.Stat(l.resolve(path))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// atomicWriter writes into a temp file and publishes it with a rename.
type atomicWriter struct {
	fs  afero.Fs
	f   afero.File
	dst string

	once sync.Once
	err  error
}

func (w *atomicWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

// Close flushes the temp file and renames it over the destination.
func (w *atomicWriter) Close() error {
	w.once.Do(func() {
		tmp := w.f.Name()
		if err := w.f.Sync(); err != nil {
			w.f.Close()
			w.fs.Remove(tmp)
			w.err = err
			return
		}
		if err := w.f.Close(); err != nil {
			w.fs.Remove(tmp)
			w.err = err
			return
		}
		if err := w.fs.Rename(tmp, w.dst); err != nil {
			w.fs.Remove(tmp)
			w.err = err
		}
	})
	return w.err
}

// Abort discards the temp file; the destination is left untouched.
func (w *atomicWriter) Abort() error {
	w.once.Do(func() {
		tmp := w.f.Name()
		w.f.Close()
		w.err = w.fs.Remove(tmp)
	})
	return w.err
}
