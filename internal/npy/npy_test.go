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

package npy

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/kremeyer/DectrisTools/internal/det"
)

func TestWriteReadStack(t *testing.T) {
	pixels := []uint16{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	b := det.NewUint16([]int32{2, 2, 3}, pixels)

	buf := &bytes.Buffer{}
	if err := Write(buf, b); err != nil {
		t.Fatalf("write: %s", err.Error())
	}
	// payload must start 64-byte aligned for memory-mapped readers
	if (buf.Len()-int(b.Pixels)*2)%64 != 0 {
		t.Errorf("header length %d not 64-byte aligned", buf.Len()-int(b.Pixels)*2)
	}

	back, err := Read(buf)
	if err != nil {
		t.Fatalf("read: %s", err.Error())
	}
	if back.DType != det.Uint16 {
		t.Fatalf("dtype=%s; want uint16", back.DType)
	}
	if !det.EqualInt32Slice(back.Dims, b.Dims) {
		t.Fatalf("dims=%s; want %s", back.DimensionsToString(), b.DimensionsToString())
	}
	for i, v := range pixels {
		if back.Uint16s()[i] != v {
			t.Errorf("pixel %d=%d; want %d", i, back.Uint16s()[i], v)
		}
	}
}

func TestWriteReadVector(t *testing.T) {
	b := det.NewUint64([]int32{3}, []uint64{5, 13, 1 << 40})
	buf := &bytes.Buffer{}
	if err := Write(buf, b); err != nil {
		t.Fatalf("write: %s", err.Error())
	}
	back, err := Read(buf)
	if err != nil {
		t.Fatalf("read: %s", err.Error())
	}
	if back.DType != det.Uint64 || back.Dims[0] != 3 {
		t.Fatalf("got %s %s; want uint64 3", back.DType, back.DimensionsToString())
	}
	if back.Uint64s()[2] != 1<<40 {
		t.Errorf("value=%d; want %d", back.Uint64s()[2], uint64(1)<<40)
	}

	f := det.NewFloat32([]int32{2, 2}, []float32{0.5, 1.5, -3, 65535})
	buf.Reset()
	if err := Write(buf, f); err != nil {
		t.Fatalf("write: %s", err.Error())
	}
	back, err = Read(buf)
	if err != nil {
		t.Fatalf("read: %s", err.Error())
	}
	if back.Float32s()[3] != 65535 {
		t.Errorf("value=%f; want 65535", back.Float32s()[3])
	}
}

// numpy pads headers differently across versions, parse a foreign header
func TestReadForeignHeader(t *testing.T) {
	header := "{'descr': '<u2', 'fortran_order': False, 'shape': (1, 2), }"
	for len(header)%16 != 5 { // arbitrary non-64 padding
		header += " "
	}
	header += "\n"

	buf := &bytes.Buffer{}
	buf.WriteString("\x93NUMPY")
	buf.Write([]byte{1, 0})
	binary.Write(buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	binary.Write(buf, binary.LittleEndian, []uint16{42, 43})

	b, err := Read(buf)
	if err != nil {
		t.Fatalf("read: %s", err.Error())
	}
	if b.Uint16s()[0] != 42 || b.Uint16s()[1] != 43 {
		t.Errorf("data=%v; want [42 43]", b.Uint16s())
	}
}

func TestReadRejectsUnsupported(t *testing.T) {
	buf := bytes.NewBufferString("not an npy file at all, really")
	if _, err := Read(buf); err == nil {
		t.Error("expected error for bad magic")
	}

	header := "{'descr': '<i4', 'fortran_order': False, 'shape': (2,), }\n"
	buf = &bytes.Buffer{}
	buf.WriteString("\x93NUMPY")
	buf.Write([]byte{1, 0})
	binary.Write(buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	if _, err := Read(buf); err == nil {
		t.Error("expected error for unsupported dtype")
	}

	header = "{'descr': '<u2', 'fortran_order': True, 'shape': (2,), }\n"
	buf = &bytes.Buffer{}
	buf.WriteString("\x93NUMPY")
	buf.Write([]byte{1, 0})
	binary.Write(buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	if _, err := Read(buf); err == nil {
		t.Error("expected error for fortran order")
	}
}

func TestReadRejectsOversizedShape(t *testing.T) {
	// element counts past the int32 pixel counter must fail before any
	// allocation is attempted
	headers := []string{
		"{'descr': '<u2', 'fortran_order': False, 'shape': (2000000000, 2000000000), }\n",
		"{'descr': '<u2', 'fortran_order': False, 'shape': (1000000, 1000000, 1000000), }\n",
		"{'descr': '<u2', 'fortran_order': False, 'shape': (-3, 4), }\n",
	}
	for _, header := range headers {
		buf := &bytes.Buffer{}
		buf.WriteString("\x93NUMPY")
		buf.Write([]byte{1, 0})
		binary.Write(buf, binary.LittleEndian, uint16(len(header)))
		buf.WriteString(header)
		if _, err := Read(buf); err == nil {
			t.Errorf("expected error for shape in header %q", header)
		}
	}
}
