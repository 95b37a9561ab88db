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

// TypeError reports an input buffer whose element type does not match the
// operation's contract. Detected before any view is borrowed.
type TypeError struct {
	Op       string
	Buffer   string
	Expected det.DType
	Actual   det.DType
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("%s: expected %s %s buffer, got %s", e.Op, e.Expected, e.Buffer, e.Actual)
}

// ShapeError reports an input buffer whose rank, or whose agreement with
// another buffer's dimensions, does not match the operation's contract.
type ShapeError struct {
	Op       string
	Buffer   string
	Expected string
	Actual   string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: buffer %s has shape %s, expected %s", e.Op, e.Buffer, e.Actual, e.Expected)
}

// AllocationError reports a failure to borrow a view of an input buffer or
// to obtain the output buffer. Any views borrowed before the failure have
// been released when this surfaces.
type AllocationError struct {
	Op     string
	Buffer string
	Cause  error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("%s: acquiring buffer %s: %s", e.Op, e.Buffer, e.Cause.Error())
}

func (e *AllocationError) Unwrap() error { return e.Cause }
