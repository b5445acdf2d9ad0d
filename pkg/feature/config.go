// Package feature turns utterance audio into the MFCC matrices the loaders
// read: decode, resample, MFCC, energy VAD, and one .npy file per
// utterance holding the voiced frames.
package feature

import "fmt"

// Config configures MFCC extraction and the energy VAD.
type Config struct {
	SampleRate   int     // target sample rate in Hz (default 8000)
	NumCeps      int     // cepstral coefficients per frame (default 20)
	NumMels      int     // mel filterbank channels (default 24)
	LowFreq      float64 // lowest filterbank frequency (default 20)
	HighFreq     float64 // highest filterbank frequency (default 3700)
	FrameLenMs   int     // analysis window (default 25)
	FrameShiftMs int     // hop (default 10)
	PreEmphasis  float64 // default 0.97
	Lifter       float64 // cepstral lifter coefficient, 0 disables (default 22)

	VAD VADConfig

	// Jobs bounds the number of utterances processed concurrently
	// (default 20).
	Jobs int
}

// VADConfig configures the energy voice activity detector.
//
// A frame is voiced when at least Proportion of the frames within Context
// frames either side of it have log energy above
// EnergyThreshold + MeanScale*mean(log energy).
type VADConfig struct {
	EnergyThreshold float64 // default 5.5
	MeanScale       float64 // default 0.5
	Context         int     // default 0
	Proportion      float64 // default 0.6
}

// DefaultConfig returns the configuration for 8 kHz telephone speech.
func DefaultConfig() Config {
	return Config{
		SampleRate:   8000,
		NumCeps:      20,
		NumMels:      24,
		LowFreq:      20,
		HighFreq:     3700,
		FrameLenMs:   25,
		FrameShiftMs: 10,
		PreEmphasis:  0.97,
		Lifter:       22,
		VAD: VADConfig{
			EnergyThreshold: 5.5,
			MeanScale:       0.5,
			Proportion:      0.6,
		},
		Jobs: 20,
	}
}

func (c Config) frameLen() int   { return c.SampleRate * c.FrameLenMs / 1000 }
func (c Config) frameShift() int { return c.SampleRate * c.FrameShiftMs / 1000 }

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return fmt.Errorf("feature: sample rate must be positive, got %d", c.SampleRate)
	case c.NumMels <= 0 || c.NumCeps <= 0 || c.NumCeps > c.NumMels:
		return fmt.Errorf("feature: need 0 < ceps (%d) <= mels (%d)", c.NumCeps, c.NumMels)
	case c.frameLen() <= 0 || c.frameShift() <= 0:
		return fmt.Errorf("feature: frame length %dms and shift %dms too short for %d Hz",
			c.FrameLenMs, c.FrameShiftMs, c.SampleRate)
	case c.LowFreq < 0 || c.HighFreq <= c.LowFreq || c.HighFreq > float64(c.SampleRate)/2:
		return fmt.Errorf("feature: bad filterbank range [%g, %g] for %d Hz", c.LowFreq, c.HighFreq, c.SampleRate)
	case c.VAD.Proportion < 0 || c.VAD.Proportion > 1:
		return fmt.Errorf("feature: vad proportion %g outside [0, 1]", c.VAD.Proportion)
	}
	return nil
}
