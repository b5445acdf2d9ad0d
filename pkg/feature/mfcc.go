package feature

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/mat"
)

// MFCC computes cepstral features. It precomputes the window, filterbank
// and DCT for one Config and is safe for concurrent use.
type MFCC struct {
	cfg     Config
	fftSize int
	window  []float64
	bank    [][]float64
	dct     *mat.Dense // NumMels x NumCeps
}

// NewMFCC returns an MFCC extractor for cfg.
func NewMFCC(cfg Config) (*MFCC, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fftSize := nextPow2(cfg.frameLen())
	return &MFCC{
		cfg:     cfg,
		fftSize: fftSize,
		window:  hammingWindow(cfg.frameLen()),
		bank:    melFilterBank(cfg.NumMels, fftSize, cfg.SampleRate, cfg.LowFreq, cfg.HighFreq),
		dct:     dctMatrix(cfg.NumMels, cfg.NumCeps, cfg.Lifter),
	}, nil
}

// Compute returns the MFCC matrix (frames x NumCeps) of samples and the log
// energy of every frame. Coefficient 0 is replaced by the log energy.
// Samples use the 16-bit integer range. Audio shorter than one frame
// yields nil.
func (m *MFCC) Compute(samples []float64) (*mat.Dense, []float64) {
	frameLen, shift := m.cfg.frameLen(), m.cfg.frameShift()
	if len(samples) < frameLen {
		return nil, nil
	}
	numFrames := (len(samples)-frameLen)/shift + 1

	halfFFT := m.fftSize/2 + 1
	fft := fourier.NewFFT(m.fftSize)
	buf := make([]float64, m.fftSize)
	coeffs := make([]complex128, halfFFT)
	frame := make([]float64, frameLen)

	logMel := mat.NewDense(numFrames, m.cfg.NumMels, nil)
	energy := make([]float64, numFrames)
	for f := 0; f < numFrames; f++ {
		copy(frame, samples[f*shift:f*shift+frameLen])

		// Remove DC, then log energy on the raw frame.
		var mean float64
		for _, s := range frame {
			mean += s
		}
		mean /= float64(frameLen)
		var e float64
		for i := range frame {
			frame[i] -= mean
			e += frame[i] * frame[i]
		}
		energy[f] = math.Log(math.Max(e, math.SmallestNonzeroFloat64))

		// Pre-emphasis.
		if m.cfg.PreEmphasis > 0 {
			for i := frameLen - 1; i > 0; i-- {
				frame[i] -= m.cfg.PreEmphasis * frame[i-1]
			}
			frame[0] *= 1 - m.cfg.PreEmphasis
		}

		for i := range buf {
			buf[i] = 0
		}
		for i, s := range frame {
			buf[i] = s * m.window[i]
		}
		fft.Coefficients(coeffs, buf)

		row := logMel.RawRowView(f)
		for j, filter := range m.bank {
			var sum float64
			for k, w := range filter {
				if w == 0 {
					continue
				}
				c := coeffs[k]
				sum += w * (real(c)*real(c) + imag(c)*imag(c))
			}
			row[j] = math.Log(math.Max(sum, math.SmallestNonzeroFloat64))
		}
	}

	out := mat.NewDense(numFrames, m.cfg.NumCeps, nil)
	out.Mul(logMel, m.dct)
	for f := 0; f < numFrames; f++ {
		out.Set(f, 0, energy[f])
	}
	return out, energy
}

// dctMatrix returns the orthonormal DCT-II basis restricted to the first
// numCeps outputs, with sinusoidal liftering folded in.
func dctMatrix(numMels, numCeps int, lifter float64) *mat.Dense {
	d := mat.NewDense(numMels, numCeps, nil)
	n := float64(numMels)
	for k := 0; k < numCeps; k++ {
		scale := math.Sqrt(2 / n)
		if k == 0 {
			scale = math.Sqrt(1 / n)
		}
		if lifter > 0 {
			scale *= 1 + lifter/2*math.Sin(math.Pi*float64(k)/lifter)
		}
		for j := 0; j < numMels; j++ {
			d.Set(j, k, scale*math.Cos(math.Pi*float64(k)*(float64(j)+0.5)/n))
		}
	}
	return d
}

// nextPow2 returns the smallest power of 2 >= n.
func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// hammingWindow generates a Hamming window of the given length.
func hammingWindow(n int) []float64 {
	w := make([]float64, n)
	if n == 1 {
		w[0] = 1
		return w
	}
	for i := range w {
		w[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

func hzToMel(hz float64) float64 {
	return 1127 * math.Log(1+hz/700)
}

func melToHz(mel float64) float64 {
	return 700 * (math.Exp(mel/1127) - 1)
}

// melFilterBank returns [numMels][fftSize/2+1] triangular filter weights
// spanning [lowFreq, highFreq].
func melFilterBank(numMels, fftSize, sampleRate int, lowFreq, highFreq float64) [][]float64 {
	halfFFT := fftSize/2 + 1
	lowMel, highMel := hzToMel(lowFreq), hzToMel(highFreq)
	step := (highMel - lowMel) / float64(numMels+1)

	bank := make([][]float64, numMels)
	for m := range bank {
		left := lowMel + float64(m)*step
		center := left + step
		right := center + step
		filter := make([]float64, halfFFT)
		for k := range filter {
			mel := hzToMel(float64(k) * float64(sampleRate) / float64(fftSize))
			switch {
			case mel > left && mel <= center:
				filter[k] = (mel - left) / (center - left)
			case mel > center && mel < right:
				filter[k] = (right - mel) / (right - center)
			}
		}
		bank[m] = filter
	}
	return bank
}
