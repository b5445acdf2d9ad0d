package feature

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/wav"
	resampling "github.com/tphakala/go-audio-resampling"
)

// ErrNotWAV is returned for audio that is not a RIFF/WAVE PCM file.
var ErrNotWAV = errors.New("feature: not a valid wav file")

// Decode reads one channel of a PCM WAV file. Samples are scaled to the
// 16-bit integer range whatever the source bit depth.
func Decode(r io.ReadSeeker, channel int) ([]float64, int, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, ErrNotWAV
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("feature: read pcm: %w", err)
	}
	nch := buf.Format.NumChannels
	if channel < 0 || channel >= nch {
		return nil, 0, fmt.Errorf("feature: channel %d out of range, file has %d", channel, nch)
	}
	depth := buf.SourceBitDepth
	if depth <= 0 {
		depth = int(dec.BitDepth)
	}
	scale := 1.0
	if depth > 0 {
		scale = 32768 / float64(int64(1)<<(depth-1))
	}
	n := len(buf.Data) / nch
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(buf.Data[i*nch+channel]) * scale
	}
	return out, buf.Format.SampleRate, nil
}

// Resample converts samples from rate from to rate to. Equal rates return
// samples unchanged.
func Resample(samples []float64, from, to int) ([]float64, error) {
	if from == to {
		return samples, nil
	}
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(from),
		OutputRate: float64(to),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("feature: create resampler: %w", err)
	}
	in := make([]float64, len(samples))
	for i, s := range samples {
		in[i] = s / 32768
	}
	out, err := rs.Process(in)
	if err != nil {
		return nil, fmt.Errorf("feature: resample: %w", err)
	}
	for i := range out {
		out[i] *= 32768
	}
	return out, nil
}
