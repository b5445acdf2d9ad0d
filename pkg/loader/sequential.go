package loader

import (
	"context"
	"fmt"
	"io"

	"gonum.org/v1/gonum/mat"

	"github.com/haivivi/spkemb/pkg/utterance"
)

// SequentialLoader serves an ordered list once, in order, at full length.
// It is not safe for concurrent use.
type SequentialLoader struct {
	src       FeatureSource
	list      utterance.List
	batchSize int

	start int
	pos   int
	last  int
}

// NewSequentialLoader returns a loader over list.
func NewSequentialLoader(src FeatureSource, list utterance.List, batchSize int) (*SequentialLoader, error) {
	if batchSize <= 0 {
		return nil, ErrBadBatchSize
	}
	return &SequentialLoader{src: src, list: list, batchSize: batchSize, last: -1}, nil
}

// StartAt skips the first row rows, e.g. rows embedded by an earlier run.
// It must be called before the first Next.
func (l *SequentialLoader) StartAt(row int) error {
	if row < 0 || row > len(l.list) {
		return fmt.Errorf("loader: start row %d out of range [0, %d]", row, len(l.list))
	}
	l.start = row
	l.pos = row
	l.last = row - 1
	return nil
}

// Len returns the length of the whole list.
func (l *SequentialLoader) Len() int { return len(l.list) }

// TotalBatches returns the number of batches from the start row to the end.
func (l *SequentialLoader) TotalBatches() int {
	return totalBatches(len(l.list)-l.start, l.batchSize)
}

// LastIndex returns the highest row served in a complete batch, or -1.
func (l *SequentialLoader) LastIndex() int { return l.last }

// Next returns the next batch, or io.EOF after the last one.
func (l *SequentialLoader) Next(ctx context.Context) (*Batch, error) {
	if l.pos >= len(l.list) {
		return nil, io.EOF
	}
	end := min(l.pos+l.batchSize, len(l.list))
	b := &Batch{
		Features: make([]*mat.Dense, 0, end-l.pos),
		Rows:     make([]int, 0, end-l.pos),
	}
	for row := l.pos; row < end; row++ {
		r := l.list[row]
		m, err := l.src.Features(ctx, r)
		if err != nil {
			return nil, fmt.Errorf("loader: features of %s: %w", r.ID, err)
		}
		b.Features = append(b.Features, m)
		b.Rows = append(b.Rows, row)
	}
	l.pos = end
	l.last = end - 1
	return b, nil
}
