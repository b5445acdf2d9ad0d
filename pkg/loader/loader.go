// Package loader serves batches of feature matrices to the training and
// extraction loops.
//
// SplitLoader buckets training utterances by duration and serves shuffled,
// speaker-grouped batches cropped to a common length per bucket.
// SequentialLoader walks an ordered list once for embedding extraction and
// remembers the last row it served, so an interrupted extraction can be
// resumed from there.
package loader

import (
	"context"
	"errors"

	"gonum.org/v1/gonum/mat"

	"github.com/haivivi/spkemb/pkg/utterance"
)

// Sentinel errors.
var (
	ErrEmptySplit   = errors.New("loader: split has no utterances")
	ErrSplitRange   = errors.New("loader: split out of range")
	ErrBadBatchSize = errors.New("loader: batch size must be positive")
)

// FeatureSource loads the feature matrix of an utterance: one row per frame,
// one column per coefficient.
type FeatureSource interface {
	Features(ctx context.Context, r utterance.Record) (*mat.Dense, error)
}

// Batch is a group of utterances served together.
type Batch struct {
	// Features holds one frames x coefficients matrix per utterance.
	Features []*mat.Dense

	// Labels holds dense speaker indices. Empty for extraction batches.
	Labels []int

	// Rows holds each utterance's position in the source list.
	Rows []int
}

// Len returns the number of utterances in the batch.
func (b *Batch) Len() int { return len(b.Rows) }

// totalBatches returns ceil(n / size).
func totalBatches(n, size int) int {
	return (n + size - 1) / size
}
