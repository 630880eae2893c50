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

// readSnapshot copies up to min(len(buf), snapshot.Length) bytes starting
// at snapshot.Offset out of the data ring. It performs no validity check;
// a reader racing a live writer's invalidation may observe bytes mid
// overwrite, so callers that need immutable reads against a live region
// combine this with the sandwich protocol in backup.go instead.
func readSnapshot(h *writeHead, snapshot Snapshot, buf []byte) int {
	n := len(buf)
	if uint64(n) > snapshot.Length {
		n = int(snapshot.Length)
	}

	for i := 0; i < n; i++ {
		buf[i] = readByteAt(h.data, h.cache.pageMask, snapshot.Offset+uint64(i))
	}

	return n
}

// collectValid iterates every descriptor slot in index order, emitting a
// Snapshot for each with nonzero length. Duplicates cannot occur: each slot
// holds at most one snapshot at a time.
func collectValid(h *writeHead) []Snapshot {
	var out []Snapshot

	for idx := uint64(0); idx <= h.cache.entryMask; idx++ {
		offsetWord, lengthWord := descriptorAt(h.descriptors, h.cache.entryMask, idx)

		length := lengthWord.Load()
		if length == 0 {
			continue
		}

		out = append(out, Snapshot{
			Offset: offsetWord.Load(),
			Length: length,
		})
	}

	return out
}

// retainValid iterates identically to collectValid, clearing (invalidating)
// any descriptor for which keep returns false.
func retainValid(h *writeHead, keep func(Snapshot) bool) {
	for idx := uint64(0); idx <= h.cache.entryMask; idx++ {
		offsetWord, lengthWord := descriptorAt(h.descriptors, h.cache.entryMask, idx)

		length := lengthWord.Load()
		if length == 0 {
			continue
		}

		snap := Snapshot{Offset: offsetWord.Load(), Length: length}
		if !keep(snap) {
			lengthWord.Store(0)
		}
	}
}

// SnapshotSet is a membership predicate over a fixed collection of
// snapshots, built once from a slice collected earlier and then reused as
// the keep function passed to Retain.
type SnapshotSet map[Snapshot]struct{}

// NewSnapshotSet builds a SnapshotSet from a slice of snapshots, such as
// one returned by Writer.Valid or Discovery.Valid.
func NewSnapshotSet(snapshots []Snapshot) SnapshotSet {
	set := make(SnapshotSet, len(snapshots))
	for _, s := range snapshots {
		set[s] = struct{}{}
	}
	return set
}

// Contains reports whether snapshot is a member of the set. It satisfies
// the func(Snapshot) bool predicate shape expected by Retain.
func (s SnapshotSet) Contains(snapshot Snapshot) bool {
	_, ok := s[snapshot]
	return ok
}
