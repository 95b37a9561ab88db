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
	"github.com/kremeyer/DectrisTools/internal/det"
)

// One histogram bin per possible 16-bit pixel value. Input pixels are
// uint16, so values index the bins without a per-pixel bounds check.
const NumBins = 1 << 16

// MaskedSum computes per-frame sums of an image stack with the mask
// applied as a multiplicative weight: sums[i] += images[i][j][k]*mask[j][k].
// images must be uint16 with dimensions (frames, rows, columns), mask
// uint16 with the same spatial dimensions as one frame. The uint64
// accumulator cannot overflow: 2^16 pixel values times 2^16 mask weights
// times any practical pixel count stay below 2^64.
func MaskedSum(images, mask *det.Buffer, c *Context) (*det.Buffer, error) {
	const op = "masked_sum"
	if err := validate(op, []*det.Buffer{images, mask}, []contract{
		{"images", 3, det.Uint16},
		{"mask", 2, det.Uint16},
	}); err != nil {
		return nil, err
	}
	if err := validateMaskDims(op, images, mask); err != nil {
		return nil, err
	}

	borrows := &borrowSet{op: op}
	defer borrows.releaseAll()
	imgs, err := borrows.uint16("images", images)
	if err != nil {
		return nil, err
	}
	msk, err := borrows.uint16("mask", mask)
	if err != nil {
		return nil, err
	}

	frames, height, width := images.Dims[0], images.Dims[1], images.Dims[2]
	out := det.NewUint64([]int32{frames}, nil)
	sums, err := borrows.uint64("sums", out)
	if err != nil {
		return nil, err
	}

	leave := c.enterKernel()
	defer leave()
	for i := int32(0); i < frames; i++ {
		frame := imgs[i*height*width : (i+1)*height*width]
		sum := uint64(0)
		for j := int32(0); j < height; j++ {
			row := frame[j*width : (j+1)*width]
			mrow := msk[j*width : (j+1)*width]
			for k := int32(0); k < width; k++ {
				sum += uint64(row[k]) * uint64(mrow[k])
			}
		}
		sums[i] = sum
	}
	return out, nil
}

// MaskedHistogram counts pixel values across the whole stack into one bin
// per possible 16-bit value. The mask is strictly boolean here: pixels
// with a nonzero mask entry are counted, all others are skipped.
func MaskedHistogram(images, mask *det.Buffer, c *Context) (*det.Buffer, error) {
	const op = "masked_histogram"
	if err := validate(op, []*det.Buffer{images, mask}, []contract{
		{"images", 3, det.Uint16},
		{"mask", 2, det.Uint16},
	}); err != nil {
		return nil, err
	}
	if err := validateMaskDims(op, images, mask); err != nil {
		return nil, err
	}

	borrows := &borrowSet{op: op}
	defer borrows.releaseAll()
	imgs, err := borrows.uint16("images", images)
	if err != nil {
		return nil, err
	}
	msk, err := borrows.uint16("mask", mask)
	if err != nil {
		return nil, err
	}

	frames, height, width := images.Dims[0], images.Dims[1], images.Dims[2]
	out := det.NewUint64([]int32{NumBins}, nil)
	bins, err := borrows.uint64("histogram", out)
	if err != nil {
		return nil, err
	}

	leave := c.enterKernel()
	defer leave()
	for i := int32(0); i < frames; i++ {
		frame := imgs[i*height*width : (i+1)*height*width]
		for j := int32(0); j < height; j++ {
			row := frame[j*width : (j+1)*width]
			mrow := msk[j*width : (j+1)*width]
			for k := int32(0); k < width; k++ {
				if mrow[k] != 0 {
					bins[row[k]]++
				}
			}
		}
	}
	return out, nil
}

// NormalizedStack divides every frame of the stack by its normalization
// value and returns the result as a float32 stack of the same dimensions.
// A zero divisor yields +Inf or NaN per IEEE 754 division; that is
// accepted behavior, not an error.
func NormalizedStack(images, normValues *det.Buffer, c *Context) (*det.Buffer, error) {
	const op = "normalized_stack"
	if err := validate(op, []*det.Buffer{images, normValues}, []contract{
		{"images", 3, det.Uint16},
		{"normValues", 1, det.Float32},
	}); err != nil {
		return nil, err
	}
	if err := validateNormDims(op, images, normValues); err != nil {
		return nil, err
	}

	borrows := &borrowSet{op: op}
	defer borrows.releaseAll()
	imgs, err := borrows.uint16("images", images)
	if err != nil {
		return nil, err
	}
	norms, err := borrows.float32("normValues", normValues)
	if err != nil {
		return nil, err
	}

	frames, height, width := images.Dims[0], images.Dims[1], images.Dims[2]
	out := det.NewFloat32(images.Dims, nil)
	normed, err := borrows.float32("normalizedImages", out)
	if err != nil {
		return nil, err
	}

	leave := c.enterKernel()
	defer leave()
	for i := int32(0); i < frames; i++ {
		frame := imgs[i*height*width : (i+1)*height*width]
		dest := normed[i*height*width : (i+1)*height*width]
		norm := norms[i]
		for j := int32(0); j < height; j++ {
			row := frame[j*width : (j+1)*width]
			drow := dest[j*width : (j+1)*width]
			for k := int32(0); k < width; k++ {
				drow[k] = float32(row[k]) / norm
			}
		}
	}
	return out, nil
}

// NormalizedSum divides every frame by its normalization value and sums
// the results into a single composite image of one frame's dimensions.
// The composite starts zeroed and equals the elementwise sum over frames
// of NormalizedStack on the same inputs.
func NormalizedSum(images, normValues *det.Buffer, c *Context) (*det.Buffer, error) {
	const op = "normalized_sum"
	if err := validate(op, []*det.Buffer{images, normValues}, []contract{
		{"images", 3, det.Uint16},
		{"normValues", 1, det.Float32},
	}); err != nil {
		return nil, err
	}
	if err := validateNormDims(op, images, normValues); err != nil {
		return nil, err
	}

	borrows := &borrowSet{op: op}
	defer borrows.releaseAll()
	imgs, err := borrows.uint16("images", images)
	if err != nil {
		return nil, err
	}
	norms, err := borrows.float32("normValues", normValues)
	if err != nil {
		return nil, err
	}

	frames, height, width := images.Dims[0], images.Dims[1], images.Dims[2]
	out := det.NewFloat32(images.Dims[1:], nil)
	composite, err := borrows.float32("composite", out)
	if err != nil {
		return nil, err
	}

	leave := c.enterKernel()
	defer leave()
	for i := int32(0); i < frames; i++ {
		frame := imgs[i*height*width : (i+1)*height*width]
		norm := norms[i]
		for j := int32(0); j < height; j++ {
			row := frame[j*width : (j+1)*width]
			crow := composite[j*width : (j+1)*width]
			for k := int32(0); k < width; k++ {
				crow[k] += float32(row[k]) / norm
			}
		}
	}
	return out, nil
}
