// Package xvector is a small reference embedding network: statistics
// pooling over frames followed by a linear projection, trained with
// batch-hard triplet loss.
//
// For an utterance with feature matrix F (frames x coefficients), the
// pooled vector x is the per-coefficient mean and standard deviation of F
// and the embedding is W·x scaled to unit length. Training minimizes, per
// anchor a of a batch,
//
//	max(0, max_p ‖W(a-p)‖² - min_n ‖W(a-n)‖² + margin)
//
// over same-speaker positives p and other-speaker negatives n.
package xvector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"

	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/haivivi/spkemb/pkg/loader"
	"github.com/haivivi/spkemb/pkg/trainer"
)

// Tag prefixes the checkpoints of this network.
const Tag = "xvector"

// DefaultMargin is the triplet loss margin.
const DefaultMargin = 0.2

// ErrShape is returned when features or weights have unexpected dimensions.
var ErrShape = errors.New("xvector: shape mismatch")

// Config sizes a Net.
type Config struct {
	Features int     // coefficients per frame
	Dim      int     // embedding dimension (default 128)
	Margin   float64 // triplet margin (default DefaultMargin)
	Seed     uint64  // weight initialization seed
}

// Net implements trainer.Network.
type Net struct {
	cfg Config
	w   *mat.Dense // Dim x 2*Features
}

var _ trainer.Network = (*Net)(nil)

// New returns a Net with random weights drawn from N(0, 1/in).
func New(cfg Config) (*Net, error) {
	if cfg.Features <= 0 {
		return nil, fmt.Errorf("xvector: features must be positive, got %d", cfg.Features)
	}
	if cfg.Dim <= 0 {
		cfg.Dim = 128
	}
	if cfg.Margin <= 0 {
		cfg.Margin = DefaultMargin
	}
	in := 2 * cfg.Features
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0xdeadbeef))
	scale := 1 / math.Sqrt(float64(in))
	data := make([]float64, cfg.Dim*in)
	for i := range data {
		data[i] = rng.NormFloat64() * scale
	}
	return &Net{cfg: cfg, w: mat.NewDense(cfg.Dim, in, data)}, nil
}

// Tag implements trainer.Network.
func (n *Net) Tag() string { return Tag }

// Dim returns the embedding dimension.
func (n *Net) Dim() int { return n.cfg.Dim }

// Pool returns the per-column mean followed by the per-column standard
// deviation of m.
func Pool(m *mat.Dense) *mat.VecDense {
	rows, cols := m.Dims()
	out := mat.NewVecDense(2*cols, nil)
	col := make([]float64, rows)
	for j := 0; j < cols; j++ {
		mat.Col(col, j, m)
		if rows < 2 {
			out.SetVec(j, col[0])
			continue
		}
		mean, std := stat.MeanStdDev(col, nil)
		out.SetVec(j, mean)
		out.SetVec(cols+j, std)
	}
	return out
}

func (n *Net) pool(b *loader.Batch) ([]*mat.VecDense, error) {
	xs := make([]*mat.VecDense, b.Len())
	for i, f := range b.Features {
		if _, c := f.Dims(); c != n.cfg.Features {
			return nil, fmt.Errorf("%w: utterance has %d coefficients, network expects %d", ErrShape, c, n.cfg.Features)
		}
		xs[i] = Pool(f)
	}
	return xs, nil
}

// Step implements trainer.Network. Anchors without both a positive and a
// negative in the batch do not contribute; a batch without any returns a
// zero loss and leaves the weights unchanged.
func (n *Net) Step(ctx context.Context, b *loader.Batch, lr float64) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(b.Labels) != b.Len() {
		return 0, fmt.Errorf("xvector: batch has %d labels for %d utterances", len(b.Labels), b.Len())
	}
	xs, err := n.pool(b)
	if err != nil {
		return 0, err
	}
	ys := make([]*mat.VecDense, len(xs))
	for i, x := range xs {
		ys[i] = mat.NewVecDense(n.cfg.Dim, nil)
		ys[i].MulVec(n.w, x)
	}

	in := 2 * n.cfg.Features
	s := mat.NewDense(in, in, nil)
	u := mat.NewVecDense(in, nil)
	v := mat.NewVecDense(in, nil)
	diff := mat.NewVecDense(n.cfg.Dim, nil)
	dist := func(i, j int) float64 {
		diff.SubVec(ys[i], ys[j])
		return mat.Dot(diff, diff)
	}

	var loss float64
	var anchors int
	for a := range ys {
		p, n2 := -1, -1
		var dp, dn float64
		for j := range ys {
			if j == a {
				continue
			}
			d := dist(a, j)
			if b.Labels[j] == b.Labels[a] {
				if p < 0 || d > dp {
					p, dp = j, d
				}
			} else if n2 < 0 || d < dn {
				n2, dn = j, d
			}
		}
		if p < 0 || n2 < 0 {
			continue
		}
		anchors++
		l := dp - dn + n.cfg.Margin
		if l <= 0 {
			continue
		}
		loss += l
		u.SubVec(xs[a], xs[p])
		v.SubVec(xs[a], xs[n2])
		s.RankOne(s, 1, u, u)
		s.RankOne(s, -1, v, v)
	}
	if anchors == 0 {
		return 0, nil
	}

	// dL/dW = 2·W·S / anchors
	var g mat.Dense
	g.Mul(n.w, s)
	g.Scale(-2*lr/float64(anchors), &g)
	n.w.Add(n.w, &g)
	return loss / float64(anchors), nil
}

// Embed implements trainer.Network.
func (n *Net) Embed(ctx context.Context, b *loader.Batch) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	xs, err := n.pool(b)
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(xs))
	y := mat.NewVecDense(n.cfg.Dim, nil)
	for i, x := range xs {
		y.MulVec(n.w, x)
		norm := mat.Norm(y, 2)
		if norm == 0 {
			norm = 1
		}
		e := make([]float32, n.cfg.Dim)
		for k := range e {
			e[k] = float32(y.AtVec(k) / norm)
		}
		out[i] = e
	}
	return out, nil
}

// weights is the checkpoint encoding.
type weights struct {
	Tag    string    `msgpack:"tag"`
	Rows   int       `msgpack:"rows"`
	Cols   int       `msgpack:"cols"`
	Margin float64   `msgpack:"margin"`
	Data   []float64 `msgpack:"data"`
}

// Save implements trainer.Network.
func (n *Net) Save(w io.Writer) error {
	r, c := n.w.Dims()
	return msgpack.NewEncoder(w).Encode(&weights{
		Tag:    Tag,
		Rows:   r,
		Cols:   c,
		Margin: n.cfg.Margin,
		Data:   mat.DenseCopyOf(n.w).RawMatrix().Data,
	})
}

// Load implements trainer.Network.
func (n *Net) Load(r io.Reader) error {
	var ws weights
	if err := msgpack.NewDecoder(r).Decode(&ws); err != nil {
		return fmt.Errorf("xvector: decode weights: %w", err)
	}
	if ws.Tag != Tag {
		return fmt.Errorf("xvector: checkpoint is for %q", ws.Tag)
	}
	if ws.Cols != 2*n.cfg.Features || ws.Rows*ws.Cols != len(ws.Data) || ws.Rows <= 0 {
		return fmt.Errorf("%w: checkpoint is %dx%d, network input is %d", ErrShape, ws.Rows, ws.Cols, 2*n.cfg.Features)
	}
	n.cfg.Dim = ws.Rows
	n.cfg.Margin = ws.Margin
	n.w = mat.NewDense(ws.Rows, ws.Cols, ws.Data)
	return nil
}
