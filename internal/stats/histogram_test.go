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

package stats

import (
	"math"
	"testing"
)

func TestPeakAndTotal(t *testing.T) {
	bins := make([]uint64, 1<<16)
	bins[100] = 7
	bins[4000] = 12
	bins[65535] = 3

	value, count := Peak(bins)
	if value != 4000 || count != 12 {
		t.Errorf("peak=(%d,%d); want (4000,12)", value, count)
	}
	if got := Total(bins); got != 22 {
		t.Errorf("total=%d; want 22", got)
	}
}

func TestModeStdDevFromHistogram(t *testing.T) {
	// synthetic Gaussian dark peak at 120 counts with sigma 9
	bins := make([]uint64, 1<<16)
	mu, sigma, amplitude := 120.0, 9.0, 100000.0
	for i := 0; i < 300; i++ {
		x := (float64(i) - mu) / sigma
		bins[i] = uint64(amplitude / (sigma * math.Sqrt(2*math.Pi)) * math.Exp(-0.5*x*x))
	}

	mode, stdDev, err := ModeStdDevFromHistogram(bins)
	if err != nil {
		t.Fatalf("fit: %s", err.Error())
	}
	if math.Abs(float64(mode)-mu) > 1 {
		t.Errorf("mode=%f; want %f +-1", mode, mu)
	}
	if math.Abs(float64(stdDev)-sigma) > 1 {
		t.Errorf("stdDev=%f; want %f +-1", stdDev, sigma)
	}
}

func TestModeStdDevFromEmptyHistogram(t *testing.T) {
	if _, _, err := ModeStdDevFromHistogram(nil); err == nil {
		t.Error("expected error for empty histogram")
	}
}
