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

package det

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Element type of a detector data buffer. The Quadro delivers 16-bit
// unsigned counts; reductions widen to uint64, normalizations to float32.
type DType int

const (
	Uint16 DType = iota
	Float32
	Uint64
)

func (t DType) String() string {
	switch t {
	case Uint16:
		return "uint16"
	case Float32:
		return "float32"
	case Uint64:
		return "uint64"
	}
	return fmt.Sprintf("dtype(%d)", int(t))
}

// A typed, shape-tagged, contiguous multi-dimensional buffer of detector
// data. Storage is a flat row-major slice; for image stacks the dimensions
// are ordered (frames, rows, columns). Exactly one of the typed slices is
// non-nil, matching DType.
type Buffer struct {
	DType  DType
	Dims   []int32 // axis dimensions, slowest-varying first
	Pixels int32   // number of elements, product of Dims

	u16 []uint16
	f32 []float32
	u64 []uint64

	borrows int32 // outstanding views, for lifetime checking
}

func numPixels(dims []int32) int32 {
	n := int32(1)
	for _, d := range dims {
		n *= d
	}
	return n
}

// Creates a uint16 buffer with the given dimensions. Data is not copied,
// allocated if nil. dims is deep copied.
func NewUint16(dims []int32, data []uint16) *Buffer {
	n := numPixels(dims)
	if data == nil {
		data = make([]uint16, n)
	}
	return &Buffer{
		DType:  Uint16,
		Dims:   append([]int32(nil), dims...), // clone slice
		Pixels: n,
		u16:    data,
	}
}

// Creates a float32 buffer with the given dimensions. Data is not copied,
// allocated if nil. dims is deep copied.
func NewFloat32(dims []int32, data []float32) *Buffer {
	n := numPixels(dims)
	if data == nil {
		data = make([]float32, n)
	}
	return &Buffer{
		DType:  Float32,
		Dims:   append([]int32(nil), dims...),
		Pixels: n,
		f32:    data,
	}
}

// Creates a uint64 buffer with the given dimensions. Data is not copied,
// allocated if nil. dims is deep copied.
func NewUint64(dims []int32, data []uint64) *Buffer {
	n := numPixels(dims)
	if data == nil {
		data = make([]uint64, n)
	}
	return &Buffer{
		DType:  Uint64,
		Dims:   append([]int32(nil), dims...),
		Pixels: n,
		u64:    data,
	}
}

// Rank of the buffer, i.e. the number of axes.
func (b *Buffer) NDim() int { return len(b.Dims) }

// Number of outstanding borrowed views.
func (b *Buffer) Borrows() int32 { return atomic.LoadInt32(&b.borrows) }

// Borrows a direct view of the uint16 storage. The returned release
// function must be called exactly once, when index-based access is done.
func (b *Buffer) BorrowUint16() (data []uint16, release func(), err error) {
	if b.DType != Uint16 {
		return nil, nil, fmt.Errorf("cannot borrow %s view of %s buffer", Uint16, b.DType)
	}
	return b.u16, b.acquire(), nil
}

// Borrows a direct view of the float32 storage. The returned release
// function must be called exactly once.
func (b *Buffer) BorrowFloat32() (data []float32, release func(), err error) {
	if b.DType != Float32 {
		return nil, nil, fmt.Errorf("cannot borrow %s view of %s buffer", Float32, b.DType)
	}
	return b.f32, b.acquire(), nil
}

// Borrows a direct view of the uint64 storage. The returned release
// function must be called exactly once.
func (b *Buffer) BorrowUint64() (data []uint64, release func(), err error) {
	if b.DType != Uint64 {
		return nil, nil, fmt.Errorf("cannot borrow %s view of %s buffer", Uint64, b.DType)
	}
	return b.u64, b.acquire(), nil
}

func (b *Buffer) acquire() (release func()) {
	atomic.AddInt32(&b.borrows, 1)
	released := int32(0)
	return func() {
		if atomic.CompareAndSwapInt32(&released, 0, 1) {
			atomic.AddInt32(&b.borrows, -1)
		}
	}
}

// Uint16s returns the raw uint16 storage without borrow tracking,
// for callers that own the buffer outright.
func (b *Buffer) Uint16s() []uint16 { return b.u16 }

// Float32s returns the raw float32 storage without borrow tracking.
func (b *Buffer) Float32s() []float32 { return b.f32 }

// Uint64s returns the raw uint64 storage without borrow tracking.
func (b *Buffer) Uint64s() []uint64 { return b.u64 }

func (b *Buffer) DimensionsToString() string {
	sb := strings.Builder{}
	for i, d := range b.Dims {
		if i > 0 {
			fmt.Fprintf(&sb, "x%d", d)
		} else {
			fmt.Fprintf(&sb, "%d", d)
		}
	}
	return sb.String()
}

// Equal tells whether a and b contain the same elements.
// A nil argument is equivalent to an empty slice.
func EqualInt32Slice(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i, v := range a {
		if v != b[i] {
			return false
		}
	}
	return true
}
