// Package speaker filters training utterances and assigns dense speaker
// indices.
//
// Indices are assigned in sorted speaker-label order so that two runs over
// the same filtered data produce the same mapping.
package speaker

import (
	"errors"
	"fmt"
	"slices"

	"github.com/haivivi/spkemb/pkg/utterance"
)

// Sentinel errors.
var (
	// ErrNoSpeakers is returned when filtering leaves no speaker to train on.
	ErrNoSpeakers = errors.New("speaker: no speakers left after filtering")

	// ErrUnknownSpeaker is returned by Index.Apply for a label that is not
	// in the index.
	ErrUnknownSpeaker = errors.New("speaker: unknown speaker")
)

// Defaults for Options.
const (
	DefaultMinFrames     = 300
	DefaultMinUtterances = 5
)

// Options controls Filter.
type Options struct {
	// MinFrames drops utterances shorter than this many frames.
	MinFrames int

	// MinUtterances drops speakers with fewer surviving utterances.
	MinUtterances int
}

// DefaultOptions returns the standard filtering thresholds.
func DefaultOptions() Options {
	return Options{MinFrames: DefaultMinFrames, MinUtterances: DefaultMinUtterances}
}

// Result is the output of Filter.
type Result struct {
	// List holds the surviving records sorted by frame count, with Label set.
	List utterance.List

	// Index maps the surviving speakers.
	Index *Index

	// SpeakersBefore counts distinct speakers after the duration filter
	// but before the per-speaker filter.
	SpeakersBefore int

	// SpeakersAfter counts distinct surviving speakers.
	SpeakersAfter int
}

// Filter drops short utterances and under-represented speakers, sorts the
// survivors by duration and labels them with dense speaker indices.
// The input list is not modified.
func Filter(list utterance.List, opts Options) (*Result, error) {
	kept := make(utterance.List, 0, len(list))
	for _, r := range list {
		if r.Frames >= opts.MinFrames {
			kept = append(kept, r)
		}
	}
	kept.SortByFrames()

	counts := make(map[string]int)
	for _, r := range kept {
		counts[r.Speaker]++
	}
	before := len(counts)

	out := make(utterance.List, 0, len(kept))
	for _, r := range kept {
		if counts[r.Speaker] >= opts.MinUtterances {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoSpeakers
	}

	idx := NewIndex(out.Speakers())
	if err := idx.Apply(out); err != nil {
		return nil, err
	}
	return &Result{
		List:           out,
		Index:          idx,
		SpeakersBefore: before,
		SpeakersAfter:  idx.Len(),
	}, nil
}

// Index is a bijection between speaker labels and [0, Len()).
type Index struct {
	toIdx     map[string]int
	toSpeaker []string
}

// NewIndex builds an index over labels. Labels are sorted and de-duplicated
// first, so the assignment does not depend on input order.
func NewIndex(labels []string) *Index {
	sorted := slices.Clone(labels)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	idx := &Index{
		toIdx:     make(map[string]int, len(sorted)),
		toSpeaker: sorted,
	}
	for i, s := range sorted {
		idx.toIdx[s] = i
	}
	return idx
}

// FromMaps rebuilds an index from its two persisted halves and checks that
// they are exact inverses covering [0, n).
func FromMaps(toIdx map[string]int, toSpeaker map[int]string) (*Index, error) {
	if len(toIdx) != len(toSpeaker) {
		return nil, fmt.Errorf("speaker: index maps disagree: %d labels, %d indices", len(toIdx), len(toSpeaker))
	}
	idx := &Index{
		toIdx:     make(map[string]int, len(toIdx)),
		toSpeaker: make([]string, len(toSpeaker)),
	}
	for i := range idx.toSpeaker {
		s, ok := toSpeaker[i]
		if !ok {
			return nil, fmt.Errorf("speaker: index %d missing", i)
		}
		if j, ok := toIdx[s]; !ok || j != i {
			return nil, fmt.Errorf("speaker: %q maps to %d, want %d", s, j, i)
		}
		idx.toSpeaker[i] = s
		idx.toIdx[s] = i
	}
	return idx, nil
}

// Len returns the number of speakers.
func (x *Index) Len() int { return len(x.toSpeaker) }

// Lookup returns the dense index of speaker.
func (x *Index) Lookup(speaker string) (int, bool) {
	i, ok := x.toIdx[speaker]
	return i, ok
}

// Speaker returns the label at index i.
func (x *Index) Speaker(i int) (string, bool) {
	if i < 0 || i >= len(x.toSpeaker) {
		return "", false
	}
	return x.toSpeaker[i], true
}

// Apply sets each record's Label from its raw Speaker label.
func (x *Index) Apply(list utterance.List) error {
	for i := range list {
		j, ok := x.toIdx[list[i].Speaker]
		if !ok {
			return fmt.Errorf("%w: %q (utterance %s)", ErrUnknownSpeaker, list[i].Speaker, list[i].ID)
		}
		list[i].Label = j
	}
	return nil
}

// SpeakerToIdx returns a copy of the label-to-index half.
func (x *Index) SpeakerToIdx() map[string]int {
	m := make(map[string]int, len(x.toIdx))
	for k, v := range x.toIdx {
		m[k] = v
	}
	return m
}

// IdxToSpeaker returns a copy of the index-to-label half.
func (x *Index) IdxToSpeaker() map[int]string {
	m := make(map[int]string, len(x.toSpeaker))
	for i, s := range x.toSpeaker {
		m[i] = s
	}
	return m
}

// Validate checks that the two halves are inverses.
func (x *Index) Validate() error {
	_, err := FromMaps(x.toIdx, x.IdxToSpeaker())
	return err
}
