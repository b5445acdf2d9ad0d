// Package artifact persists the intermediate values that pipeline stages
// hand to each other: utterance lists and the speaker index maps.
//
// Each artifact is a MessagePack envelope carrying its kind and schema
// version next to the payload. Get checks both before decoding, so a stage
// that loads the wrong file fails with a clear error instead of training on
// a mis-shaped value.
package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/haivivi/spkemb/pkg/speaker"
	"github.com/haivivi/spkemb/pkg/storage"
	"github.com/haivivi/spkemb/pkg/utterance"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when the artifact file does not exist.
	ErrNotFound = errors.New("artifact: not found")

	// ErrKindMismatch is returned when the stored kind differs from the
	// requested one.
	ErrKindMismatch = errors.New("artifact: kind mismatch")

	// ErrVersionMismatch is returned for an unsupported schema version.
	ErrVersionMismatch = errors.New("artifact: unsupported version")
)

// Kind names the schema of an artifact payload.
type Kind string

const (
	KindUtterances   Kind = "utterances"
	KindSpeakerToIdx Kind = "speaker_to_idx"
	KindIdxToSpeaker Kind = "idx_to_speaker"
)

// Version is the current envelope schema version.
const Version = 1

// Info describes a stored artifact.
type Info struct {
	Kind      Kind      `msgpack:"kind" json:"kind"`
	Version   int       `msgpack:"version" json:"version"`
	CreatedAt time.Time `msgpack:"created_at" json:"created_at"`
}

type envelope struct {
	Info   `msgpack:",inline"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// Store reads and writes artifacts on a FileStore.
type Store struct {
	fs  storage.FileStore
	now func() time.Time
}

// New returns a Store on fs.
func New(fs storage.FileStore) *Store {
	return &Store{fs: fs, now: time.Now}
}

// FileStore returns the underlying file store.
func (s *Store) FileStore() storage.FileStore { return s.fs }

// Put encodes v as a kind artifact and writes it to name.
func (s *Store) Put(ctx context.Context, name string, kind Kind, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("artifact: encode %s: %w", name, err)
	}
	env := envelope{
		Info:    Info{Kind: kind, Version: Version, CreatedAt: s.now().UTC()},
		Payload: payload,
	}
	return storage.WriteFunc(ctx, s.fs, name, func(w io.Writer) error {
		return msgpack.NewEncoder(w).Encode(&env)
	})
}

// Get loads the artifact at name into v after checking its kind.
func (s *Store) Get(ctx context.Context, name string, kind Kind, v any) error {
	env, err := s.read(ctx, name)
	if err != nil {
		return err
	}
	if env.Kind != kind {
		return fmt.Errorf("%w: %s holds %q, want %q", ErrKindMismatch, name, env.Kind, kind)
	}
	if err := msgpack.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("artifact: decode %s: %w", name, err)
	}
	return nil
}

// Stat returns the envelope header of the artifact at name.
func (s *Store) Stat(ctx context.Context, name string) (Info, error) {
	env, err := s.read(ctx, name)
	if err != nil {
		return Info{}, err
	}
	return env.Info, nil
}

// Exists reports whether an artifact file exists at name.
func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	return s.fs.Exists(ctx, name)
}

func (s *Store) read(ctx context.Context, name string) (*envelope, error) {
	var data []byte
	err := storage.ReadFunc(ctx, s.fs, name, func(r io.Reader) error {
		var err error
		data, err = io.ReadAll(r)
		return err
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("artifact: read %s: %w", name, err)
	}
	var env envelope
	if err := msgpack.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return nil, fmt.Errorf("artifact: decode %s: %w", name, err)
	}
	if env.Version != Version {
		return nil, fmt.Errorf("%w: %s has version %d, want %d", ErrVersionMismatch, name, env.Version, Version)
	}
	return &env, nil
}

// PutList stores an utterance list.
func (s *Store) PutList(ctx context.Context, name string, l utterance.List) error {
	return s.Put(ctx, name, KindUtterances, l)
}

// GetList loads an utterance list.
func (s *Store) GetList(ctx context.Context, name string) (utterance.List, error) {
	var l utterance.List
	if err := s.Get(ctx, name, KindUtterances, &l); err != nil {
		return nil, err
	}
	return l, nil
}

// PutIndex stores both halves of a speaker index.
func (s *Store) PutIndex(ctx context.Context, toIdxName, toSpeakerName string, idx *speaker.Index) error {
	if err := s.Put(ctx, toIdxName, KindSpeakerToIdx, idx.SpeakerToIdx()); err != nil {
		return err
	}
	return s.Put(ctx, toSpeakerName, KindIdxToSpeaker, idx.IdxToSpeaker())
}

// GetIndex loads both halves of a speaker index and checks that they are
// inverses.
func (s *Store) GetIndex(ctx context.Context, toIdxName, toSpeakerName string) (*speaker.Index, error) {
	var fwd map[string]int
	if err := s.Get(ctx, toIdxName, KindSpeakerToIdx, &fwd); err != nil {
		return nil, err
	}
	var inv map[int]string
	if err := s.Get(ctx, toSpeakerName, KindIdxToSpeaker, &inv); err != nil {
		return nil, err
	}
	return speaker.FromMaps(fwd, inv)
}
