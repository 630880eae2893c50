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

// ConfigureFile describes the region's entry/data ring sizes, and, once
// populated by Discover or File.Recover, the layout version and write
// cursor found on disk.
type ConfigureFile struct {
	// Entries is the number of descriptor slots. Must be a power of two.
	Entries uint64
	// Data is the number of data-ring bytes. Must be a power of two.
	Data uint64
	// InitialOffset seeds page_write_offset when configuring a fresh
	// region, and reports the recovered write cursor when discovered.
	InitialOffset uint64

	layoutVersion uint64
}

// IsInitialized reports whether the region this configuration was read
// from carries the layout magic.
func (c *ConfigureFile) IsInitialized() bool {
	return c.layoutVersion == MagicVersion
}

// File is a mapped region that has not yet been distinguished as a writer
// or a read-only discovery view. Call Recover to inspect it, or Configure
// to claim it as the single writer.
type File struct {
	region *mappedRegion
}

// NewFile wraps an already-mapped region. Callers obtain mem from
// internal/shmmap (mmap of a shared memory fd) or any source that exposes
// a byte-addressable, word-aligned view of the region.
func NewFile(mem []byte) *File {
	return &File{region: mapRegion(mem)}
}

// Discover populates cfg with the configuration recoverable from the
// region's header. The entry count is taken from the header's entry mask;
// the data-ring size is capped at the largest power of two that fits in the
// pages left after that descriptor ring. If the region has never
// been configured, cfg reports IsInitialized() == false and the caller
// must pick new values and call Configure.
func (f *File) Discover(cfg *ConfigureFile) {
	meta := f.region.header

	entryMask := meta.entryMask.Load()
	dataMask := meta.pageMask.Load()
	pageWriteOffset := meta.pageWriteOffset.Load()
	layoutVersion := meta.version.Load()

	sequenceSlots := entryMask + 1
	pSequence := ceilDiv(sequenceSlots, descriptorsPerPage)

	totalPages := uint64(len(f.region.pages))
	var dataPagesAvail uint64
	if totalPages > pSequence {
		dataPagesAvail = totalPages - pSequence
	}

	cfg.Entries = fittingPowerOfTwo(entryMask + 1)
	availableData := fittingPowerOfTwo(dataPagesAvail * pageSize)
	cfg.Data = availableData
	if dataMask+1 < cfg.Data {
		cfg.Data = dataMask + 1
	}
	cfg.InitialOffset = pageWriteOffset
	cfg.layoutVersion = layoutVersion
}

// Configure writes entries, data, and the initial write offset to the
// header, finishing with a release store of the version magic — the
// single commit that certifies the region as configured. It consumes the
// File and returns the Writer that now exclusively owns the region.
func (f *File) Configure(cfg *ConfigureFile) (*Writer, error) {
	if !isPowerOfTwo(cfg.Entries) {
		return nil, newError(LayoutMismatch, "entries must be a power of two")
	}
	if !isPowerOfTwo(cfg.Data) {
		return nil, newError(LayoutMismatch, "data must be a power of two")
	}

	h := &writeHead{meta: f.region.header}
	h.cache.entryMask = cfg.Entries - 1
	h.cache.pageMask = cfg.Data - 1
	h.cache.pageWriteOffset = cfg.InitialOffset

	pSequence := ceilDiv(cfg.Entries, descriptorsPerPage)
	pData := ceilDiv(cfg.Data, pageSize)

	totalPages := uint64(len(f.region.pages))
	if pSequence+pData > totalPages {
		return nil, newError(LayoutMismatch, "region too small for requested configuration")
	}

	h.descriptors = f.region.pages[:pSequence]
	h.data = f.region.pages[pSequence : pSequence+pData]
	h.tail = f.region.pages[pSequence+pData:]

	h.meta.entryMask.Store(h.cache.entryMask)
	h.meta.pageMask.Store(h.cache.pageMask)
	h.meta.pageWriteOffset.Store(h.cache.pageWriteOffset)
	h.meta.version.Store(MagicVersion)

	return &Writer{head: h}, nil
}

// IntoWriterUnguarded converts this File into a Writer without checking
// that the region is configured, or re-deriving descriptor/data ring
// bounds from the header. Only useful when the caller already knows the
// configuration in effect (e.g. it configured the region itself earlier
// in this process).
func (f *File) IntoWriterUnguarded(cfg ConfigureFile) (*Writer, error) {
	if !isPowerOfTwo(cfg.Entries) || !isPowerOfTwo(cfg.Data) {
		return nil, newError(LayoutMismatch, "entries and data must be powers of two")
	}

	h := &writeHead{meta: f.region.header}
	h.cache.entryMask = cfg.Entries - 1
	h.cache.pageMask = cfg.Data - 1
	h.cache.pageWriteOffset = f.region.header.pageWriteOffset.Load()
	h.cache.entryWriteOffset = 0
	h.cache.entryReadOffset = 0
	h.cache.pageReadOffset = 0

	pSequence := ceilDiv(cfg.Entries, descriptorsPerPage)
	pData := ceilDiv(cfg.Data, pageSize)
	totalPages := uint64(len(f.region.pages))
	if pSequence+pData > totalPages {
		return nil, newError(LayoutMismatch, "region too small for requested configuration")
	}

	h.descriptors = f.region.pages[:pSequence]
	h.data = f.region.pages[pSequence : pSequence+pData]
	h.tail = f.region.pages[pSequence+pData:]

	return &Writer{head: h}, nil
}

// Recover attempts to recover the configuration from existing data. It
// always writes the read information into cfg; if the region was never
// configured it returns a nil Discovery, and the caller must configure
// the region before using it.
func (f *File) Recover(cfg *ConfigureFile) (*Discovery, error) {
	f.Discover(cfg)

	if !cfg.IsInitialized() {
		return nil, nil
	}

	pSequence := ceilDiv(cfg.Entries, descriptorsPerPage)
	pData := ceilDiv(cfg.Data, pageSize)
	totalPages := uint64(len(f.region.pages))
	if pSequence+pData > totalPages {
		return nil, newError(LayoutMismatch, "recovered configuration does not fit the mapped region")
	}

	h := &writeHead{meta: f.region.header}
	h.cache.entryMask = cfg.Entries - 1
	h.cache.pageMask = cfg.Data - 1
	h.descriptors = f.region.pages[:pSequence]
	h.data = f.region.pages[pSequence : pSequence+pData]
	h.tail = f.region.pages[pSequence+pData:]

	return &Discovery{head: h, cfg: *cfg}, nil
}

// Discovery is a view of a region at a (possibly alternate) configuration.
// It never mutates a live writer's cache, so a process can read a region
// configured differently than its own active writer. Its only write to the
// region is Retain, which clears descriptor lengths.
type Discovery struct {
	head *writeHead
	cfg  ConfigureFile
}

// Config returns the configuration this discovery was built from.
func (d *Discovery) Config() ConfigureFile { return d.cfg }

// Read copies up to min(len(buf), snapshot.Length) bytes starting at
// snapshot.Offset from the data ring into buf, returning the number of
// bytes copied. It does not verify validity; see the backup sandwich
// protocol for that.
func (d *Discovery) Read(snapshot Snapshot, buf []byte) int {
	return readSnapshot(d.head, snapshot, buf)
}

// Valid returns every descriptor presently observed with nonzero length,
// in descriptor-index order (not logical commit order).
func (d *Discovery) Valid() []Snapshot {
	return collectValid(d.head)
}

// Retain clears (invalidates) every descriptor for which keep returns
// false.
func (d *Discovery) Retain(keep func(Snapshot) bool) {
	retainValid(d.head, keep)
}
