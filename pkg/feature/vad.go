package feature

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ComputeVAD marks each frame voiced or not from its log energy.
func ComputeVAD(energy []float64, cfg VADConfig) []bool {
	voiced := make([]bool, len(energy))
	if len(energy) == 0 {
		return voiced
	}
	thresh := cfg.EnergyThreshold + cfg.MeanScale*stat.Mean(energy, nil)
	for t := range energy {
		lo, hi := max(0, t-cfg.Context), min(len(energy)-1, t+cfg.Context)
		var above int
		for i := lo; i <= hi; i++ {
			if energy[i] > thresh {
				above++
			}
		}
		voiced[t] = float64(above) >= cfg.Proportion*float64(hi-lo+1)
	}
	return voiced
}

// ApplyVAD returns the voiced rows of m, or nil when no row is voiced.
func ApplyVAD(m *mat.Dense, voiced []bool) *mat.Dense {
	var keep []int
	for i, v := range voiced {
		if v {
			keep = append(keep, i)
		}
	}
	if len(keep) == 0 {
		return nil
	}
	_, cols := m.Dims()
	out := mat.NewDense(len(keep), cols, nil)
	for i, r := range keep {
		out.SetRow(i, m.RawRowView(r))
	}
	return out
}
