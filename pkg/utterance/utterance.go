// Package utterance defines the record type that flows through every stage
// of the pipeline.
//
// A List is ordered: a record's position in its list is its row index, and
// row indices name the embedding files written during extraction. Stages
// that reorder or filter a list therefore produce a new list rather than
// editing row positions in place.
package utterance

import (
	"cmp"
	"fmt"
	"slices"
)

// NoLabel marks a record whose speaker has not been indexed yet.
const NoLabel = -1

// Record is one utterance.
type Record struct {
	// ID is the utterance id. It names the feature file.
	ID string `msgpack:"id" json:"id"`

	// Path is the audio file the utterance was read from.
	Path string `msgpack:"path" json:"path"`

	// Channel selects a channel of multi-channel audio (0-based).
	Channel int `msgpack:"channel" json:"channel"`

	// Dataset is the name of the source corpus.
	Dataset string `msgpack:"dataset,omitempty" json:"dataset,omitempty"`

	// Speaker is the raw speaker label.
	Speaker string `msgpack:"speaker" json:"speaker"`

	// Label is the dense speaker index, or NoLabel.
	Label int `msgpack:"label" json:"label"`

	// Frames is the number of voiced feature frames; 0 until computed.
	Frames int `msgpack:"frames" json:"frames"`
}

// HasFrames reports whether the frame count has been computed.
func (r Record) HasFrames() bool { return r.Frames > 0 }

func (r Record) String() string {
	return fmt.Sprintf("%s(spk=%s frames=%d)", r.ID, r.Speaker, r.Frames)
}

// List is an ordered set of records.
type List []Record

// Clone returns a copy of l that shares no storage with it.
func (l List) Clone() List {
	return slices.Clone(l)
}

// IDs returns the utterance ids in order.
func (l List) IDs() []string {
	ids := make([]string, len(l))
	for i, r := range l {
		ids[i] = r.ID
	}
	return ids
}

// Speakers returns the distinct raw speaker labels, sorted.
func (l List) Speakers() []string {
	seen := make(map[string]struct{}, len(l))
	var out []string
	for _, r := range l {
		if _, ok := seen[r.Speaker]; ok {
			continue
		}
		seen[r.Speaker] = struct{}{}
		out = append(out, r.Speaker)
	}
	slices.Sort(out)
	return out
}

// MissingFrames returns the records whose frame count is unknown.
func (l List) MissingFrames() List {
	var out List
	for _, r := range l {
		if !r.HasFrames() {
			out = append(out, r)
		}
	}
	return out
}

// SetFrames fills frame counts from frames, keyed by utterance id.
// It returns the number of records updated.
func (l List) SetFrames(frames map[string]int) int {
	n := 0
	for i := range l {
		if f, ok := frames[l[i].ID]; ok {
			l[i].Frames = f
			n++
		}
	}
	return n
}

// SortByFrames stably sorts l ascending by frame count.
func (l List) SortByFrames() {
	slices.SortStableFunc(l, func(a, b Record) int {
		return cmp.Compare(a.Frames, b.Frames)
	})
}

// Head returns the first n records, clamped to the list length.
func (l List) Head(n int) List {
	if n < 0 {
		n = 0
	}
	if n > len(l) {
		n = len(l)
	}
	return l[:n]
}
