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
	"testing"
)

func TestNewBuffers(t *testing.T) {
	b := NewUint16([]int32{2, 3, 4}, nil)
	if b.Pixels != 24 {
		t.Errorf("pixels=%d; want 24", b.Pixels)
	}
	if b.NDim() != 3 {
		t.Errorf("ndim=%d; want 3", b.NDim())
	}
	if len(b.Uint16s()) != 24 {
		t.Errorf("len(data)=%d; want 24", len(b.Uint16s()))
	}
	if b.DimensionsToString() != "2x3x4" {
		t.Errorf("dims=%s; want 2x3x4", b.DimensionsToString())
	}

	dims := []int32{5}
	f := NewFloat32(dims, nil)
	dims[0] = 7 // must not alias into the buffer
	if f.Dims[0] != 5 {
		t.Errorf("dims not cloned: %d", f.Dims[0])
	}
}

func TestBorrowRelease(t *testing.T) {
	b := NewUint64([]int32{4}, nil)
	data, release, err := b.BorrowUint64()
	if err != nil {
		t.Fatalf("borrow: %s", err.Error())
	}
	if len(data) != 4 {
		t.Errorf("len(view)=%d; want 4", len(data))
	}
	if b.Borrows() != 1 {
		t.Errorf("borrows=%d; want 1", b.Borrows())
	}
	release()
	if b.Borrows() != 0 {
		t.Errorf("borrows=%d; want 0", b.Borrows())
	}
	release() // releasing twice must not underflow
	if b.Borrows() != 0 {
		t.Errorf("borrows after double release=%d; want 0", b.Borrows())
	}
}

func TestBorrowWrongType(t *testing.T) {
	b := NewUint16([]int32{4}, nil)
	if _, _, err := b.BorrowFloat32(); err == nil {
		t.Error("expected error borrowing float32 view of uint16 buffer")
	}
	if b.Borrows() != 0 {
		t.Errorf("borrows after failed borrow=%d; want 0", b.Borrows())
	}
}

func TestEqualInt32Slice(t *testing.T) {
	if !EqualInt32Slice([]int32{1, 2}, []int32{1, 2}) {
		t.Error("equal slices reported unequal")
	}
	if EqualInt32Slice([]int32{1, 2}, []int32{1, 3}) {
		t.Error("unequal slices reported equal")
	}
	if EqualInt32Slice([]int32{1, 2}, []int32{1, 2, 3}) {
		t.Error("different lengths reported equal")
	}
}
