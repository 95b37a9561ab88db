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

// Package npy reads and writes NumPy .npy version 1.0 files for the
// element types the reduction engine works with: little-endian uint16
// pixels, float32 normalized data and uint64 accumulators. Masks and
// processing results are exchanged with the acquisition side in this
// format.
package npy

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/kremeyer/DectrisTools/internal/det"
)

var magic = []byte("\x93NUMPY")

const headerAlign = 64

func descrFor(t det.DType) (string, error) {
	switch t {
	case det.Uint16:
		return "<u2", nil
	case det.Float32:
		return "<f4", nil
	case det.Uint64:
		return "<u8", nil
	}
	return "", fmt.Errorf("no npy descr for %s", t)
}

func dtypeFor(descr string) (det.DType, error) {
	switch descr {
	case "<u2", "|u2", "u2":
		return det.Uint16, nil
	case "<f4", "|f4", "f4":
		return det.Float32, nil
	case "<u8", "|u8", "u8":
		return det.Uint64, nil
	}
	return 0, fmt.Errorf("unsupported npy descr %q", descr)
}

// Reads a buffer from a .npy file.
func ReadFile(fileName string) (*det.Buffer, error) {
	file, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return Read(bufio.NewReader(file))
}

// Reads a buffer from .npy data. Only version 1.0 headers with C order
// and a supported little-endian element type are accepted.
func Read(r io.Reader) (*det.Buffer, error) {
	head := make([]byte, 10)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}
	if string(head[:6]) != string(magic) {
		return nil, errors.New("not an npy file, wrong magic")
	}
	if head[6] != 1 {
		return nil, fmt.Errorf("unsupported npy version %d.%d", head[6], head[7])
	}
	headerLen := binary.LittleEndian.Uint16(head[8:10])
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	descr, fortran, dims, err := parseHeader(string(header))
	if err != nil {
		return nil, err
	}
	if fortran {
		return nil, errors.New("fortran order npy data is not supported")
	}
	dtype, err := dtypeFor(descr)
	if err != nil {
		return nil, err
	}

	switch dtype {
	case det.Uint16:
		b := det.NewUint16(dims, nil)
		return b, readPayload(r, b.Uint16s())
	case det.Float32:
		b := det.NewFloat32(dims, nil)
		return b, readPayload(r, b.Float32s())
	default:
		b := det.NewUint64(dims, nil)
		return b, readPayload(r, b.Uint64s())
	}
}

func readPayload(r io.Reader, data interface{}) error {
	return binary.Read(r, binary.LittleEndian, data)
}

// Parses the python dict literal in an npy header, e.g.
// {'descr': '<u2', 'fortran_order': False, 'shape': (100, 512, 512), }
func parseHeader(header string) (descr string, fortran bool, dims []int32, err error) {
	descr, err = headerValue(header, "descr")
	if err != nil {
		return "", false, nil, err
	}
	descr = strings.Trim(descr, "'\"")

	order, err := headerValue(header, "fortran_order")
	if err != nil {
		return "", false, nil, err
	}
	fortran = order == "True"

	shape, err := headerValue(header, "shape")
	if err != nil {
		return "", false, nil, err
	}
	shape = strings.Trim(shape, "()")
	for _, field := range strings.Split(shape, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue // trailing comma of a 1-tuple
		}
		d, err := strconv.ParseInt(field, 10, 32)
		if err != nil {
			return "", false, nil, fmt.Errorf("bad shape entry %q: %s", field, err.Error())
		}
		if d < 0 {
			return "", false, nil, fmt.Errorf("negative shape entry %d", d)
		}
		dims = append(dims, int32(d))
	}
	if len(dims) == 0 {
		return "", false, nil, errors.New("scalar npy data is not supported")
	}
	// the element count must fit the int32 pixel counter before any
	// buffer is allocated for it
	pixels := int64(1)
	for _, d := range dims {
		pixels *= int64(d)
		if pixels > math.MaxInt32 {
			return "", false, nil, fmt.Errorf("npy shape %v exceeds the addressable pixel count", dims)
		}
	}
	return descr, fortran, dims, nil
}

// Extracts the value for one key of the header dict. Values are either
// quoted strings, python booleans, or tuples; none of those contain a
// comma except inside tuple parens, so scanning to the closing paren or
// next comma is sufficient.
func headerValue(header, key string) (string, error) {
	idx := strings.Index(header, "'"+key+"'")
	if idx < 0 {
		return "", fmt.Errorf("npy header lacks key %q", key)
	}
	rest := header[idx+len(key)+2:]
	colon := strings.Index(rest, ":")
	if colon < 0 {
		return "", fmt.Errorf("npy header entry %q lacks value", key)
	}
	rest = strings.TrimSpace(rest[colon+1:])
	if strings.HasPrefix(rest, "(") {
		end := strings.Index(rest, ")")
		if end < 0 {
			return "", fmt.Errorf("npy header entry %q has unclosed tuple", key)
		}
		return rest[:end+1], nil
	}
	end := strings.IndexAny(rest, ",}")
	if end < 0 {
		end = len(rest)
	}
	return strings.TrimSpace(rest[:end]), nil
}

// Writes a buffer to a .npy file.
func WriteFile(fileName string, b *det.Buffer) error {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	defer writer.Flush()
	return Write(writer, b)
}

// Writes a buffer as .npy version 1.0 data.
func Write(w io.Writer, b *det.Buffer) error {
	descr, err := descrFor(b.DType)
	if err != nil {
		return err
	}

	shape := strings.Builder{}
	shape.WriteString("(")
	for i, d := range b.Dims {
		if i > 0 {
			shape.WriteString(", ")
		}
		fmt.Fprintf(&shape, "%d", d)
	}
	if len(b.Dims) == 1 {
		shape.WriteString(",")
	}
	shape.WriteString(")")

	header := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': %s, }", descr, shape.String())
	// pad with spaces so the payload starts 64-byte aligned, closing newline included
	padded := (len(magic) + 4 + len(header) + 1 + headerAlign - 1) / headerAlign * headerAlign
	header = header + strings.Repeat(" ", padded-len(magic)-4-len(header)-1) + "\n"

	if _, err := w.Write(magic); err != nil {
		return err
	}
	if _, err := w.Write([]byte{1, 0}); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(header))); err != nil {
		return err
	}
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}

	switch b.DType {
	case det.Uint16:
		return binary.Write(w, binary.LittleEndian, b.Uint16s())
	case det.Float32:
		return binary.Write(w, binary.LittleEndian, b.Float32s())
	default:
		return binary.Write(w, binary.LittleEndian, b.Uint64s())
	}
}
