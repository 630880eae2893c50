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

import (
	"sync/atomic"
	"unsafe"
)

// MagicVersion identifies the on-region layout this package writes and
// reads. Its presence in the header's version word certifies a configured
// region.
const MagicVersion uint64 = 0x96c2a6f4b68519b3

const (
	pageSize           = 4096
	wordsPerPage       = pageSize / 8 // 512 AtomicU64 words
	descriptorsPerPage = wordsPerPage / 2
)

// This package only supports hosts with native 64-bit atomics. A split-word
// descriptor protocol for 32-bit targets is a future layout version, not
// this one (see DESIGN.md).

// headerPage is the first 4096 bytes of the region. Only the first four
// words are used; the remainder is unused padding reserved by the layout.
type headerPage struct {
	version         atomic.Uint64
	entryMask       atomic.Uint64
	pageMask        atomic.Uint64
	pageWriteOffset atomic.Uint64
	_               [pageSize - 4*8]byte
}

// page is the common 4096-byte unit shared by the descriptor ring, the
// data ring, and the user tail, so that all three can be allocated
// contiguously after the header out of one slice of pages.
type page struct {
	words [wordsPerPage]atomic.Uint64
}

// Snapshot identifies a byte range in the data ring that was, at
// publication time, a consistent committed payload.
type Snapshot struct {
	Offset uint64
	Length uint64
}

// mappedRegion resolves the typed views into a raw byte slice backing a
// shared memory region. It performs no I/O; see internal/shmmap for the
// mmap/munmap calls that produce the slice.
type mappedRegion struct {
	mem    []byte
	header *headerPage
	pages  []page
}

// mapRegion reinterprets mem as a headerPage followed by a run of pages.
// A region smaller than one header page yields a region with zero pages
// and a private, unshared header, so that construction never fails
// (spec: "Region too small: new() succeeds but yields a fallback head").
func mapRegion(mem []byte) *mappedRegion {
	if len(mem) < pageSize {
		return &mappedRegion{mem: mem, header: &headerPage{}, pages: nil}
	}

	header := (*headerPage)(unsafe.Pointer(&mem[0]))
	tail := mem[pageSize:]
	numPages := len(tail) / pageSize

	var pages []page
	if numPages > 0 {
		pages = unsafe.Slice((*page)(unsafe.Pointer(&tail[0])), numPages)
	}

	return &mappedRegion{mem: mem, header: header, pages: pages}
}

// wordAt returns a pointer to the atomic word holding the byte at logical
// data-ring offset o, along with the bit shift of that byte's lane within
// the word (lane k occupies bits 8k..8k+8).
func wordAt(pages []page, pageMask, o uint64) (*atomic.Uint64, uint) {
	o &= pageMask
	wordIdx := o / 8
	lane := uint(o%8) * 8

	pageIdx := wordIdx / wordsPerPage
	wordInPage := wordIdx % wordsPerPage

	return &pages[pageIdx].words[wordInPage], lane
}

// writeByteAt performs the packed read-modify-write sequence for a single
// byte lane: read the word relaxed, clear the target byte lane, OR in the
// new value, store relaxed. Only the single writer ever calls this, so no
// compare-and-swap is needed to guard against self-races.
func writeByteAt(pages []page, pageMask, o uint64, b byte) {
	word, lane := wordAt(pages, pageMask, o)
	mask := uint64(0xff) << lane
	old := word.Load()
	next := (old &^ mask) | (uint64(b) << lane)
	word.Store(next)
}

// readByteAt is the read-side counterpart of writeByteAt. It gives a
// best-effort byte view; validity of the bytes depends on the protocol
// (sandwich verification), not on byte-level atomicity.
func readByteAt(pages []page, pageMask, o uint64) byte {
	word, lane := wordAt(pages, pageMask, o)
	return byte(word.Load() >> lane)
}

// descriptorAt returns the offset and length words for entry index idx.
func descriptorAt(pages []page, entryMask, idx uint64) (offset, length *atomic.Uint64) {
	idx &= entryMask
	pageIdx := idx / descriptorsPerPage
	slot := (idx % descriptorsPerPage) * 2
	d := &pages[pageIdx]
	return &d.words[slot], &d.words[slot+1]
}

// flattenWords reinterprets a contiguous run of pages as one flat slice of
// atomic words, used for the Tail() accessor exposed to callers.
func flattenWords(pages []page) []atomic.Uint64 {
	if len(pages) == 0 {
		return nil
	}
	return unsafe.Slice(&pages[0].words[0], len(pages)*wordsPerPage)
}
