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

// Tracks views borrowed during one operation. ReleaseAll runs in reverse
// acquisition order and is safe to call after a partial acquisition: a
// failure while borrowing buffer K releases buffers 1..K-1 and nothing
// else. Views are never handed out past the end of the call.
type borrowSet struct {
	op       string
	releases []func()
}

func (s *borrowSet) uint16(name string, b *det.Buffer) ([]uint16, error) {
	data, release, err := b.BorrowUint16()
	if err != nil {
		return nil, &AllocationError{Op: s.op, Buffer: name, Cause: err}
	}
	s.releases = append(s.releases, release)
	return data, nil
}

func (s *borrowSet) float32(name string, b *det.Buffer) ([]float32, error) {
	data, release, err := b.BorrowFloat32()
	if err != nil {
		return nil, &AllocationError{Op: s.op, Buffer: name, Cause: err}
	}
	s.releases = append(s.releases, release)
	return data, nil
}

func (s *borrowSet) uint64(name string, b *det.Buffer) ([]uint64, error) {
	data, release, err := b.BorrowUint64()
	if err != nil {
		return nil, &AllocationError{Op: s.op, Buffer: name, Cause: err}
	}
	s.releases = append(s.releases, release)
	return data, nil
}

// Releases all borrowed views, last acquired first.
func (s *borrowSet) releaseAll() {
	for i := len(s.releases) - 1; i >= 0; i-- {
		s.releases[i]()
	}
	s.releases = nil
}
