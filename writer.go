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
	"sync"
	"sync/atomic"
)

// SnapshotIndex is the descriptor slot a successful commit published to.
// The index alone does not guarantee the snapshot stays valid; a later
// commit may invalidate it once its data range is about to be reused.
type SnapshotIndex struct {
	entry uint64
}

// Entry returns the descriptor index the commit landed on.
func (s SnapshotIndex) Entry() uint64 { return s.entry }

// Writer owns a shared memory region's write cursor exclusively. It is not
// safe for concurrent use by multiple goroutines; the mutex below exists
// only to catch a Reserve/Commit pair being interleaved with a second,
// concurrent Reserve. The engine is not itself re-entrant: at most one
// reservation may be in flight at a time.
type Writer struct {
	mu       sync.Mutex
	head     *writeHead
	inFlight bool
}

// Valid returns every currently valid snapshot, in descriptor-index order.
func (w *Writer) Valid() []Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return collectValid(w.head)
}

// Read copies up to min(len(buf), snapshot.Length) bytes of snapshot's
// data into buf. It performs no validity check.
func (w *Writer) Read(snapshot Snapshot, buf []byte) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return readSnapshot(w.head, snapshot, buf)
}

// Tail returns the user-reserved atomic words beyond the data ring.
func (w *Writer) Tail() []atomic.Uint64 {
	return flattenWords(w.head.tail)
}

// WriteOffset returns the writer's current logical append cursor. Useful
// for diagnostics; not required by the commit protocol itself.
func (w *Writer) WriteOffset() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.head.cache.pageWriteOffset
}

// Commit inserts data into the log as a single atomic operation: a
// Reserve followed immediately by an unconditional Commit. This is the
// common case; see CommitWith or Reserve for the cases that need to run
// code between reservation and publication.
func (w *Writer) Commit(data []byte) (SnapshotIndex, error) {
	res, err := w.Reserve(data)
	if err != nil {
		return SnapshotIndex{}, err
	}
	return res.Commit()
}

// Reserve performs the first three steps of the commit state machine: it
// reserves space for len(data) bytes, invalidates the descriptors of any
// older snapshots whose data range would be clobbered, and streams data
// into the ring. It returns a Reservation that must be finished with
// exactly one of Commit or Abort.
//
// Aborting a Reservation never un-advances the write cursor: the bytes
// streamed here are considered spent even if the reservation is aborted.
func (w *Writer) Reserve(data []byte) (*Reservation, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.inFlight {
		return nil, newError(Capacity, "a reservation is already in flight")
	}

	n := uint64(len(data))
	if n == 0 {
		return nil, newError(Capacity, "zero-length commits are rejected")
	}
	if n > w.head.cache.pageMask {
		return nil, newError(Capacity, "payload exceeds the data ring")
	}

	h := w.head
	end := h.cache.pageWriteOffset + n
	h.invalidateHeadsTo(end)

	start := h.cache.pageWriteOffset
	h.writeRange(start, data)
	h.cache.pageWriteOffset = start + n

	res := &Reservation{
		w:        w,
		index:    h.cache.entryWriteOffset,
		start:    start,
		length:   n,
		capacity: n,
	}

	w.inFlight = true
	return res, nil
}

// invalidateHeadsTo advances the lagging (entry_read_offset, page_read_offset)
// cursor just far enough that the live span [page_read_offset, end) fits
// within one data-ring capacity, clearing the length of every descriptor it
// passes over. The bound is end - dataSize, not end itself: a descriptor
// only risks physical overlap with the upcoming write once the ring has
// wrapped at least once past it, which is exactly when the live span would
// otherwise exceed capacity. If it catches up to entry_write_offset before
// reaching that bound, the writer has overrun its own descriptor ring and
// the cursor is clamped to end.
func (h *writeHead) invalidateHeadsTo(end uint64) {
	dataSize := h.cache.pageMask + 1

	entry := h.cache.entryReadOffset
	data := h.cache.pageReadOffset

	for {
		if data+dataSize >= end {
			break
		}
		if entry == h.cache.entryWriteOffset {
			data = end
			break
		}

		length := h.invalidateAt(entry)
		entry++
		data += length
	}

	h.cache.entryReadOffset = entry
	h.cache.pageReadOffset = data
}

// invalidateAt clears the descriptor at idx (masked into range) and
// returns its previous length. Invalidating an already-invalid descriptor
// is a no-op that returns 0 (property P3).
func (h *writeHead) invalidateAt(idx uint64) uint64 {
	_, lengthWord := descriptorAt(h.descriptors, h.cache.entryMask, idx)
	return lengthWord.Swap(0)
}

// writeRange streams data into the data ring starting at logical offset
// start, without touching any cursor. Used both by Reserve (to stream the
// newly reserved payload) and by Reservation.Replace (to overwrite it
// in place before commit).
func (h *writeHead) writeRange(start uint64, data []byte) {
	for i, b := range data {
		writeByteAt(h.data, h.cache.pageMask, start+uint64(i), b)
	}
}

// insertAt publishes a descriptor: offset is stored with release ordering
// before length, so that a reader observing nonzero length with an acquire
// load is guaranteed to observe the matching offset.
func (h *writeHead) insertAt(idx uint64, snap Snapshot) {
	offsetWord, lengthWord := descriptorAt(h.descriptors, h.cache.entryMask, idx)
	offsetWord.Store(snap.Offset)
	lengthWord.Store(snap.Length)
}

// Reservation is the ephemeral, exclusively-owned state between a Reserve
// call and its matching Commit or Abort. It enforces single use: calling
// Commit or Abort a second time panics, since that would indicate a bug
// in the caller's state machine rather than a recoverable error.
type Reservation struct {
	w        *Writer
	index    uint64
	start    uint64
	length   uint64
	capacity uint64
	done     bool
}

// Tail returns the user-reserved atomic words beyond the data ring. This
// mirrors the PreparedTransaction handle's Tail accessor, made available
// directly on the Reservation for callers using the two-call API instead
// of CommitWith.
func (r *Reservation) Tail() []atomic.Uint64 {
	return flattenWords(r.w.head.tail)
}

// Replace overwrites the reserved data range with a new payload no longer
// than the originally reserved length.
func (r *Reservation) Replace(data []byte) error {
	if r.done {
		panic("shmsnap: Reservation already finished")
	}
	if uint64(len(data)) > r.capacity {
		return newError(Capacity, "replacement payload exceeds the reservation")
	}

	r.w.mu.Lock()
	defer r.w.mu.Unlock()

	r.w.head.writeRange(r.start, data)
	r.length = uint64(len(data))
	return nil
}

// Commit publishes the reservation's descriptor and returns its index.
// Order: store offset with release, then length with release (the nonzero
// length is the commit witness), then store the new write cursor back to
// the header, then advance the writer's entry cursor.
func (r *Reservation) Commit() (SnapshotIndex, error) {
	if r.done {
		panic("shmsnap: Reservation already finished")
	}
	r.done = true

	r.w.mu.Lock()
	defer r.w.mu.Unlock()

	h := r.w.head
	h.insertAt(r.index, Snapshot{Offset: r.start, Length: r.length})
	h.meta.pageWriteOffset.Store(h.cache.pageWriteOffset)
	h.cache.entryWriteOffset++

	r.w.inFlight = false
	return SnapshotIndex{entry: r.index}, nil
}

// Abort discards the reservation. The descriptor slot is left exactly as
// invalidateHeadsTo left it; the write cursor advance made during Reserve
// is retained. Aborts never un-advance cursors.
func (r *Reservation) Abort() {
	if r.done {
		panic("shmsnap: Reservation already finished")
	}
	r.done = true

	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	r.w.inFlight = false
}

// PreparedTransaction is the scoped handle passed to the CommitWith
// callback: a view of a reservation that has streamed its data but not
// yet published its descriptor.
type PreparedTransaction struct {
	res *Reservation
}

// Tail returns the user-reserved atomic words beyond the data ring.
func (p PreparedTransaction) Tail() []atomic.Uint64 { return p.res.Tail() }

// Replace overwrites the reserved data range with a new payload no longer
// than the originally reserved length.
func (p PreparedTransaction) Replace(data []byte) error { return p.res.Replace(data) }

// CommitWith inserts data into the log and invokes intermediate after the
// data has been streamed but before the descriptor is published. If
// intermediate returns ok == false, the commit is aborted: the reserved
// cursor advance is retained, but no descriptor is published, and
// CommitWith returns a CommitAborted error.
//
// Go methods cannot carry their own type parameters, so this is a
// package-level function rather than a method on Writer.
func CommitWith[T any](w *Writer, data []byte, intermediate func(PreparedTransaction) (T, bool)) (SnapshotIndex, T, error) {
	var zero T

	res, err := w.Reserve(data)
	if err != nil {
		return SnapshotIndex{}, zero, err
	}

	val, ok := intermediate(PreparedTransaction{res: res})
	if !ok {
		res.Abort()
		return SnapshotIndex{}, zero, newError(CommitAborted, "prepared transaction callback returned failure")
	}

	idx, err := res.Commit()
	return idx, val, err
}
