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

package compute

import (
	"fmt"

	"github.com/kremeyer/DectrisTools/internal/det"
)

// The shape and type contract for one named input buffer.
type contract struct {
	name  string
	ndim  int
	dtype det.DType
}

// Checks rank and element type of each buffer against its contract.
// Pure inspection: no views are borrowed and nothing is allocated, so
// this always runs before any buffer acquisition.
func validate(op string, bufs []*det.Buffer, contracts []contract) error {
	for i, c := range contracts {
		b := bufs[i]
		if b.NDim() != c.ndim {
			return &ShapeError{
				Op:       op,
				Buffer:   c.name,
				Expected: fmt.Sprintf("ndim=%d", c.ndim),
				Actual:   fmt.Sprintf("ndim=%d (%s)", b.NDim(), b.DimensionsToString()),
			}
		}
		if b.DType != c.dtype {
			return &TypeError{Op: op, Buffer: c.name, Expected: c.dtype, Actual: b.DType}
		}
	}
	return nil
}

// Checks that the mask covers exactly one frame of the image stack.
// No broadcasting: the spatial dimensions must match exactly.
func validateMaskDims(op string, images, mask *det.Buffer) error {
	if !det.EqualInt32Slice(images.Dims[1:], mask.Dims) {
		return &ShapeError{
			Op:       op,
			Buffer:   "mask",
			Expected: fmt.Sprintf("%dx%d", images.Dims[1], images.Dims[2]),
			Actual:   mask.DimensionsToString(),
		}
	}
	return nil
}

// Checks that there is exactly one normalization value per frame.
func validateNormDims(op string, images, normValues *det.Buffer) error {
	if normValues.Dims[0] != images.Dims[0] {
		return &ShapeError{
			Op:       op,
			Buffer:   "normValues",
			Expected: fmt.Sprintf("%d", images.Dims[0]),
			Actual:   normValues.DimensionsToString(),
		}
	}
	return nil
}
