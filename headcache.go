// {{{ Copyright (c) Paul R. Tagliamonte <paultag@gmail.com> 2020-2021
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE. }}}

package shmsnap

import "math/bits"

// headCache is the writer-private mirror of the ring cursors. None of this
// is observable by other processes; it exists purely so the writer never
// needs to re-read shared state it already knows.
type headCache struct {
	entryMask uint64
	pageMask  uint64

	entryWriteOffset uint64
	pageWriteOffset  uint64

	entryReadOffset uint64
	pageReadOffset  uint64
}

// writeHead binds a headCache to the typed views of a mapped region. It is
// built fresh by File.Configure or File.IntoWriterUnguarded (a writer) or by
// File.Recover (a Discovery view at a possibly different configuration).
type writeHead struct {
	cache headCache

	meta        *headerPage
	descriptors []page
	data        []page
	tail        []page
}

// ceilDiv divides, rounding up.
func ceilDiv(a, b uint64) uint64 {
	if a == 0 {
		return 0
	}
	return (a-1)/b + 1
}

// fittingPowerOfTwo returns the largest power of two less than or equal to
// v, or 0 if v is 0.
func fittingPowerOfTwo(v uint64) uint64 {
	if v == 0 {
		return 0
	}
	return uint64(1) << (bits.Len64(v) - 1)
}

func isPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}
