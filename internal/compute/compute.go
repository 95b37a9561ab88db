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

// Package compute holds the reduction engine for stacks of detector
// images: masked per-frame sums, masked pixel-value histograms, and
// per-frame normalization. All operations are stateless, never mutate
// their inputs, and return freshly allocated output buffers.
package compute

// A Gate brackets the hot loop of a kernel. While entered, the kernel
// touches only the buffers borrowed for the call and no shared host
// state, so an embedding host runtime may release its exclusive lock for
// that window. Enter and Leave are always paired, also on error paths.
type Gate interface {
	Enter()
	Leave()
}

type nopGate struct{}

func (nopGate) Enter() {}
func (nopGate) Leave() {}

// An execution context for reduction operations.
type Context struct {
	Gate Gate
}

func NewContext() *Context {
	return &Context{Gate: nopGate{}}
}

// Enters the kernel gate and returns the paired leave function, for use
// with defer so the gate is left on every exit path.
func (c *Context) enterKernel() (leave func()) {
	gate := Gate(nopGate{})
	if c != nil && c.Gate != nil {
		gate = c.Gate
	}
	gate.Enter()
	return gate.Leave
}
