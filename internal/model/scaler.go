package model

import "math"

// scaler standardizes features to zero mean and unit variance. A feature
// with zero variance is centered only, never divided.
type scaler struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// fitScaler computes per-column mean and population standard deviation.
func fitScaler(x [][]float64) *scaler {
	n := len(x)
	dims := len(x[0])

	mean := make([]float64, dims)
	for _, row := range x {
		for j, v := range row {
			mean[j] += v
		}
	}
	for j := range mean {
		mean[j] /= float64(n)
	}

	std := make([]float64, dims)
	for _, row := range x {
		for j, v := range row {
			d := v - mean[j]
			std[j] += d * d
		}
	}
	for j := range std {
		std[j] = math.Sqrt(std[j] / float64(n))
	}

	return &scaler{Mean: mean, Std: std}
}

// transform standardizes a single vector.
func (s *scaler) transform(x []float64) []float64 {
	out := make([]float64, len(x))
	for j, v := range x {
		if s.Std[j] > 0 {
			out[j] = (v - s.Mean[j]) / s.Std[j]
		} else {
			out[j] = v - s.Mean[j]
		}
	}
	return out
}

func (s *scaler) transformAll(x [][]float64) [][]float64 {
	out := make([][]float64, len(x))
	for i, row := range x {
		out[i] = s.transform(row)
	}
	return out
}
