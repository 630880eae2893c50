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

package shmsnap_test

import (
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/shmsnap/shmsnap"
)

// newRegion allocates an in-process byte slice large enough to back the
// requested entries/data configuration, rounded up to whole 4096-byte
// pages, and configures a fresh writer over it.
func newRegion(t *testing.T, entries, data uint64) (*shmsnap.Writer, []byte) {
	t.Helper()

	const pageSize = 4096
	const descriptorsPerPage = 256

	pSequence := (entries + descriptorsPerPage - 1) / descriptorsPerPage
	if pSequence == 0 {
		pSequence = 1
	}
	pData := (data + pageSize - 1) / pageSize
	if pData == 0 {
		pData = 1
	}

	mem := make([]byte, pageSize*(1+pSequence+pData))
	file := shmsnap.NewFile(mem)

	w, err := file.Configure(&shmsnap.ConfigureFile{Entries: entries, Data: data})
	require.NoError(t, err)

	return w, mem
}

func sortedByOffset(snaps []shmsnap.Snapshot) []shmsnap.Snapshot {
	out := append([]shmsnap.Snapshot(nil), snaps...)
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

// S1: fresh configure & single commit.
func TestFreshConfigureSingleCommit(t *testing.T) {
	w, _ := newRegion(t, 0x100, 0x800)

	idx, err := w.Commit([]byte("Hello, world"))
	require.NoError(t, err)
	require.Equal(t, uint64(0), idx.Entry())

	valid := w.Valid()
	require.Len(t, valid, 1)
	require.Equal(t, shmsnap.Snapshot{Offset: 0, Length: 12}, valid[0])

	buf := make([]byte, 12)
	n := w.Read(valid[0], buf)
	require.Equal(t, 12, n)
	require.Equal(t, "Hello, world", string(buf))
}

// S2: recovery after a clean restart, re-mapping the same bytes.
func TestRecoveryAfterRestart(t *testing.T) {
	w, mem := newRegion(t, 0x100, 0x800)

	_, err := w.Commit([]byte("Hello, world"))
	require.NoError(t, err)

	file := shmsnap.NewFile(mem)
	var cfg shmsnap.ConfigureFile
	discovery, err := file.Recover(&cfg)
	require.NoError(t, err)
	require.NotNil(t, discovery)

	require.Equal(t, uint64(0x100), cfg.Entries)
	require.Equal(t, uint64(0x800), cfg.Data)
	require.Equal(t, uint64(12), cfg.InitialOffset)

	valid := discovery.Valid()
	require.Len(t, valid, 1)
	require.Equal(t, shmsnap.Snapshot{Offset: 0, Length: 12}, valid[0])
}

// S3: overflow triggers invalidation of the oldest descriptor once the
// data ring's capacity is exceeded, not before.
func TestOverflowTriggersInvalidation(t *testing.T) {
	w, _ := newRegion(t, 4, 0x20)

	for i := 0; i < 4; i++ {
		_, err := w.Commit([]byte{byte(i), byte(i), byte(i), byte(i), byte(i), byte(i), byte(i), byte(i)})
		require.NoError(t, err)
	}

	before := w.Valid()
	require.Len(t, before, 4, "no eviction should occur while the ring is not yet full")

	_, err := w.Commit([]byte{9, 9, 9, 9, 9, 9, 9, 9})
	require.NoError(t, err)

	after := sortedByOffset(w.Valid())
	require.Len(t, after, 4)

	wantOffsets := []uint64{8, 16, 24, 32}
	var gotOffsets []uint64
	for _, s := range after {
		gotOffsets = append(gotOffsets, s.Offset)
	}
	require.Equal(t, wantOffsets, gotOffsets)

	for i := 0; i < len(after); i++ {
		for j := i + 1; j < len(after); j++ {
			overlap := after[i].Offset+after[i].Length > after[j].Offset &&
				after[j].Offset+after[j].Length > after[i].Offset
			require.False(t, overlap, "descriptors must not overlap: %+v vs %+v", after[i], after[j])
		}
	}
}

// S4: an aborted commit retains the cursor advance but publishes no
// descriptor, leaving enumeration identical to before the attempt.
func TestAbortedCommitPreservesState(t *testing.T) {
	w, _ := newRegion(t, 0x100, 0x800)

	_, err := w.Commit([]byte("Hello, world"))
	require.NoError(t, err)

	before := w.Valid()
	offsetBefore := w.WriteOffset()

	_, _, err = shmsnap.CommitWith(w, []byte("discarded"), func(shmsnap.PreparedTransaction) (struct{}, bool) {
		return struct{}{}, false
	})
	require.Error(t, err)
	require.True(t, shmsnap.IsKind(err, shmsnap.CommitAborted))

	after := w.Valid()
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("enumeration changed after an aborted commit (-before +after):\n%s", diff)
	}

	require.Greater(t, w.WriteOffset(), offsetBefore)
}

// S6: a payload exactly the size of the data ring is rejected outright.
func TestOversizeRejection(t *testing.T) {
	w, _ := newRegion(t, 0x10, 0x100)

	_, err := w.Commit(make([]byte, 0x100))
	require.Error(t, err)
	require.True(t, shmsnap.IsKind(err, shmsnap.Capacity))
	require.Empty(t, w.Valid())
}

// P2: round trip for any payload not yet invalidated by a later commit.
func TestReadRoundTrip(t *testing.T) {
	w, _ := newRegion(t, 0x100, 0x800)

	payloads := [][]byte{
		[]byte("first"),
		[]byte("second snapshot"),
		[]byte("third"),
	}

	var indices []shmsnap.SnapshotIndex
	for _, p := range payloads {
		idx, err := w.Commit(p)
		require.NoError(t, err)
		indices = append(indices, idx)
	}

	valid := w.Valid()
	require.Len(t, valid, len(payloads))

	for i, p := range payloads {
		_ = indices[i]
		buf := make([]byte, len(p))
		n := w.Read(valid[i], buf)
		require.Equal(t, p, buf[:n])
	}
}

// Once the data ring is full, each further commit evicts exactly one older
// descriptor, so the number of valid entries stays at the ring size.
func TestSteadyStateEvictionKeepsRingFull(t *testing.T) {
	w, _ := newRegion(t, 4, 0x20)

	for i := 0; i < 5; i++ {
		_, err := w.Commit([]byte{1, 2, 3, 4, 5, 6, 7, 8})
		require.NoError(t, err)
	}

	valid := w.Valid()
	require.Len(t, valid, 4)

	// A sixth commit must still succeed and keep exactly 4 valid entries:
	// it evicts descriptor 1 (the oldest remaining payload) and publishes
	// into that same slot.
	_, err := w.Commit([]byte{9, 9, 9, 9, 9, 9, 9, 9})
	require.NoError(t, err)
	require.Len(t, w.Valid(), 4)
}

// P4: discover followed by configure with the discovered configuration
// leaves the header bit-identical.
func TestConfigurationIdempotence(t *testing.T) {
	w, mem := newRegion(t, 0x100, 0x800)
	_, err := w.Commit([]byte("Hello, world"))
	require.NoError(t, err)

	before := append([]byte(nil), mem[:4096]...)

	file := shmsnap.NewFile(mem)
	var cfg shmsnap.ConfigureFile
	file.Discover(&cfg)
	require.True(t, cfg.IsInitialized())

	_, err = file.Configure(&cfg)
	require.NoError(t, err)

	require.Equal(t, before, mem[:4096])
}

// P6: after recovery, enumeration yields exactly the descriptors with
// nonzero length observed in the underlying region.
func TestRecoveryEnumerationMatchesRegion(t *testing.T) {
	w, mem := newRegion(t, 4, 0x20)

	for i := 0; i < 6; i++ {
		_, err := w.Commit([]byte{1, 2, 3, 4, 5, 6, 7, 8})
		require.NoError(t, err)
	}
	want := sortedByOffset(w.Valid())

	file := shmsnap.NewFile(mem)
	var cfg shmsnap.ConfigureFile
	discovery, err := file.Recover(&cfg)
	require.NoError(t, err)
	require.NotNil(t, discovery)

	got := sortedByOffset(discovery.Valid())
	require.Equal(t, want, got)
}
