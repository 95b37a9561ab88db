// Copyright (C) 2021 Laurenz Kremeyer
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package stats estimates detector background statistics from pixel-value
// histograms, one bin per possible 16-bit intensity.
package stats

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/optimize"
)

// Returns the pixel value with the highest count, and that count.
func Peak(bins []uint64) (value int, count uint64) {
	for i, c := range bins {
		if c > count {
			value, count = i, c
		}
	}
	return value, count
}

// Total returns the number of counted pixels across all bins.
func Total(bins []uint64) (total uint64) {
	for _, c := range bins {
		total += c
	}
	return total
}

// Estimates the background level and noise of a detector histogram by
// fitting a normal distribution around the histogram peak with
// Nelder-Mead. The dark peak of a diffraction detector is approximately
// Gaussian; its mode gives the background level, its sigma the readout
// noise in counts.
func ModeStdDevFromHistogram(bins []uint64) (mode, stdDev float32, err error) {
	if len(bins) == 0 {
		return -1, -1, errors.New("empty histogram")
	}

	// educated initial guess: the maximum value of the histogram
	peak, peakVal := Peak(bins)

	// restrict the fit to a window around the peak, the Bragg peaks far
	// to the right would otherwise skew the background estimate
	lower, upper := peak-256, peak+257
	if lower < 0 {
		lower = 0
	}
	if upper > len(bins) {
		upper = len(bins)
	}
	window := bins[lower:upper]

	// minimize the distance between the histogram and a normal distribution
	x0 := []float64{float64(peakVal), float64(peak), 5.0}
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			alpha, mu, sigma := float32(x[0]), float32(x[1]), float32(x[2])
			scaler := alpha / (sigma * float32(math.Sqrt(2*math.Pi)))
			sumSqDiff := float32(0)

			for i, y := range window {
				x := float32(i + lower)
				xmusig := (x - mu) / sigma
				yPredict := scaler * float32(math.Exp(float64(-0.5*xmusig*xmusig)))

				diff := float32(y) - yPredict
				sumSqDiff += diff * diff
			}
			variance := sumSqDiff / float32(len(window))
			return math.Sqrt(float64(variance))
		},
	}
	result, err := optimize.Minimize(problem, x0, nil, &optimize.NelderMead{})
	if err != nil {
		return -1, -1, err
	}

	return float32(result.X[1]), float32(math.Abs(result.X[2])), nil
}
