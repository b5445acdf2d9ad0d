package loader

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/haivivi/spkemb/pkg/utterance"
)

// DefaultSplits are the duration boundaries, in frames, of the training
// buckets: [300,1000), [1000,3000) and [3000,...).
var DefaultSplits = []int{300, 1000, 3000, 6000}

// DefaultPerSpeaker is the default run length of same-speaker utterances
// in a shuffled epoch.
const DefaultPerSpeaker = 2

// SplitOptions configures a SplitLoader.
type SplitOptions struct {
	BatchSize int

	// Splits are ascending frame-count boundaries. Boundary i and i+1
	// delimit split i; utterances at or above the last boundary join the
	// last split, and utterances below the first are ignored.
	Splits []int

	// PerSpeaker is how many utterances of one speaker are kept adjacent
	// in the epoch order, so batches carry positive pairs for metric
	// learning.
	PerSpeaker int

	// Seed makes shuffling and cropping reproducible.
	Seed uint64
}

// State is a position in the training stream.
type State struct {
	Split int `json:"s"`
	Epoch int `json:"e"`
	// Batch counts the batches already served in Epoch.
	Batch int `json:"b"`
}

// SplitLoader serves training batches from one duration split at a time.
// It is not safe for concurrent use.
type SplitLoader struct {
	src  FeatureSource
	list utterance.List
	opts SplitOptions

	members [][]int // list rows per split

	split int
	epoch int
	pos   int
	perm  []int
}

// NewSplitLoader partitions list into duration splits.
func NewSplitLoader(src FeatureSource, list utterance.List, opts SplitOptions) (*SplitLoader, error) {
	if opts.BatchSize <= 0 {
		return nil, ErrBadBatchSize
	}
	if len(opts.Splits) == 0 {
		opts.Splits = DefaultSplits
	}
	if len(opts.Splits) < 2 {
		return nil, fmt.Errorf("loader: need at least two split boundaries, got %v", opts.Splits)
	}
	if !slices.IsSorted(opts.Splits) {
		return nil, fmt.Errorf("loader: split boundaries must ascend: %v", opts.Splits)
	}
	if opts.PerSpeaker <= 0 {
		opts.PerSpeaker = DefaultPerSpeaker
	}
	l := &SplitLoader{
		src:     src,
		list:    list,
		opts:    opts,
		members: make([][]int, len(opts.Splits)-1),
	}
	for row, r := range list {
		if s := l.splitOf(r.Frames); s >= 0 {
			l.members[s] = append(l.members[s], row)
		}
	}
	l.reset()
	return l, nil
}

func (l *SplitLoader) splitOf(frames int) int {
	b := l.opts.Splits
	if frames < b[0] {
		return -1
	}
	// Index of the first boundary above frames, minus one.
	s := sort.SearchInts(b, frames+1) - 1
	return min(s, len(b)-2)
}

// NumSplits returns the number of duration splits.
func (l *SplitLoader) NumSplits() int { return len(l.members) }

// SplitSize returns the number of utterances in split s.
func (l *SplitLoader) SplitSize(s int) int {
	if s < 0 || s >= len(l.members) {
		return 0
	}
	return len(l.members[s])
}

// SplitLength returns the frame count every utterance of split s is cropped
// to.
func (l *SplitLoader) SplitLength(s int) int { return l.opts.Splits[s] }

// Split returns the current split.
func (l *SplitLoader) Split() int { return l.split }

// SetSplit selects split s and rewinds to the start of its first epoch.
func (l *SplitLoader) SetSplit(s int) error {
	if s < 0 || s >= len(l.members) {
		return fmt.Errorf("%w: %d of %d", ErrSplitRange, s, len(l.members))
	}
	l.split = s
	l.reset()
	return nil
}

func (l *SplitLoader) reset() {
	l.epoch = 0
	l.pos = 0
	l.perm = l.permutation(l.split, 0)
}

// TotalBatches returns the number of batches in one epoch of the current
// split.
func (l *SplitLoader) TotalBatches() int {
	return totalBatches(len(l.members[l.split]), l.opts.BatchSize)
}

// State returns the current position.
func (l *SplitLoader) State() State {
	return State{Split: l.split, Epoch: l.epoch, Batch: l.pos / l.opts.BatchSize}
}

// Seek moves to st. The epoch order is regenerated from the seed, so a
// resumed run serves the same batches an uninterrupted one would have.
func (l *SplitLoader) Seek(st State) error {
	if err := l.SetSplit(st.Split); err != nil {
		return err
	}
	if st.Epoch < 0 || st.Batch < 0 || st.Batch > l.TotalBatches() {
		return fmt.Errorf("loader: invalid state %+v", st)
	}
	l.epoch = st.Epoch
	l.perm = l.permutation(l.split, l.epoch)
	l.pos = min(st.Batch*l.opts.BatchSize, len(l.perm))
	return nil
}

// Next returns the next batch of the current split. After the last batch
// of an epoch, the following call starts a new epoch in a new order.
func (l *SplitLoader) Next(ctx context.Context) (*Batch, error) {
	if len(l.members[l.split]) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrEmptySplit, l.split)
	}
	if l.pos >= len(l.perm) {
		l.epoch++
		l.pos = 0
		l.perm = l.permutation(l.split, l.epoch)
	}
	end := min(l.pos+l.opts.BatchSize, len(l.perm))
	rows := l.perm[l.pos:end]
	batchNo := l.pos / l.opts.BatchSize

	length := l.SplitLength(l.split)
	rng := rand.New(rand.NewPCG(l.opts.Seed^0x9e3779b97f4a7c15, l.streamID(l.split, l.epoch)<<20|uint64(batchNo)))

	b := &Batch{
		Features: make([]*mat.Dense, 0, len(rows)),
		Labels:   make([]int, 0, len(rows)),
		Rows:     slices.Clone(rows),
	}
	for _, row := range rows {
		r := l.list[row]
		m, err := l.src.Features(ctx, r)
		if err != nil {
			return nil, fmt.Errorf("loader: features of %s: %w", r.ID, err)
		}
		b.Features = append(b.Features, cropOrPad(m, length, rng))
		b.Labels = append(b.Labels, r.Label)
	}
	l.pos = end
	return b, nil
}

func (l *SplitLoader) streamID(split, epoch int) uint64 {
	return uint64(split)<<24 | uint64(epoch)
}

// permutation orders the rows of split for one epoch. Each speaker's rows
// are shuffled and cut into runs of PerSpeaker; the runs are shuffled and
// concatenated. Every row appears exactly once.
func (l *SplitLoader) permutation(split, epoch int) []int {
	rows := l.members[split]
	if len(rows) == 0 {
		return nil
	}
	rng := rand.New(rand.NewPCG(l.opts.Seed, l.streamID(split, epoch)))

	bySpeaker := make(map[int][]int)
	for _, row := range rows {
		lab := l.list[row].Label
		bySpeaker[lab] = append(bySpeaker[lab], row)
	}
	labels := make([]int, 0, len(bySpeaker))
	for lab := range bySpeaker {
		labels = append(labels, lab)
	}
	slices.Sort(labels)

	var runs [][]int
	for _, lab := range labels {
		g := bySpeaker[lab]
		rng.Shuffle(len(g), func(i, j int) { g[i], g[j] = g[j], g[i] })
		for i := 0; i < len(g); i += l.opts.PerSpeaker {
			runs = append(runs, g[i:min(i+l.opts.PerSpeaker, len(g))])
		}
	}
	rng.Shuffle(len(runs), func(i, j int) { runs[i], runs[j] = runs[j], runs[i] })

	perm := make([]int, 0, len(rows))
	for _, run := range runs {
		perm = append(perm, run...)
	}
	return perm
}

// cropOrPad returns a length x cols copy of m: a random window when m is
// longer, zero padded at the end when shorter.
func cropOrPad(m *mat.Dense, length int, rng *rand.Rand) *mat.Dense {
	rows, cols := m.Dims()
	if rows == length {
		return mat.DenseCopyOf(m)
	}
	if rows > length {
		off := rng.IntN(rows - length + 1)
		return mat.DenseCopyOf(m.Slice(off, off+length, 0, cols))
	}
	out := mat.NewDense(length, cols, nil)
	out.Slice(0, rows, 0, cols).(*mat.Dense).Copy(m)
	return out
}
