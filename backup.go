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
	"errors"
	"fmt"
	"os"
	"path/filepath"

	natomic "github.com/natefinch/atomic"
	"golang.org/x/sys/unix"
)

// Backup drives the sandwich-verification protocol against a live region,
// producing a durable copy at Path whenever a backup cycle observes at
// least one snapshot immutable for the entire duration of the copy.
type Backup struct {
	// SourceFd is the shared memory region's file descriptor. It is
	// mapped read-only; the backup never writes to the live region.
	SourceFd int
	// Size is the number of bytes to copy out of SourceFd.
	Size int64
	// Path is the backup file's final location. Run renames a temporary
	// file in the same directory over this path on success.
	Path string
	// Config receives the configuration that each Run discovers from the
	// source region's header. Run overwrites it, so a value set beforehand
	// is not used to read the region.
	Config ConfigureFile
}

// Run executes one sandwich-verified backup cycle. It returns (true, nil)
// if a backup was published, (false, nil) if the cycle produced no
// immutable snapshots (the temp file is discarded, not an error), a
// NotConfigured error if the source region carries no layout magic, or a
// non-nil IOFailure error if a syscall step failed.
func (b *Backup) Run() (bool, error) {
	mem, err := shmmapOpenReadOnly(b.SourceFd, b.Size)
	if err != nil {
		return false, wrapError(IOFailure, "map source region", err)
	}
	defer unix.Munmap(mem)

	file := NewFile(mem)
	discoveryBefore, err := file.Recover(&b.Config)
	if err != nil {
		return false, wrapError(IOFailure, "recover source configuration", err)
	}
	if discoveryBefore == nil {
		return false, newError(NotConfigured, "source region is not configured")
	}

	setA := NewSnapshotSet(discoveryBefore.Valid())

	tmp, err := os.CreateTemp(filepath.Dir(b.Path), ".shmsnap-backup-*")
	if err != nil {
		return false, wrapError(IOFailure, "create temp file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := copyRegion(tmp, b.SourceFd, mem, b.Size); err != nil {
		tmp.Close()
		return false, wrapError(IOFailure, "copy region", err)
	}
	if err := tmp.Close(); err != nil {
		return false, wrapError(IOFailure, "close temp file", err)
	}

	copyMem, copyFd, err := mmapFile(tmpPath, b.Size)
	if err != nil {
		return false, wrapError(IOFailure, "map temp file", err)
	}
	defer func() {
		unix.Munmap(copyMem)
		unix.Close(copyFd)
	}()

	copyFile := NewFile(copyMem)
	copyCfg := b.Config
	discoveryAfter, err := copyFile.Recover(&copyCfg)
	if err != nil {
		return false, wrapError(IOFailure, "recover temp-file configuration", err)
	}
	if discoveryAfter == nil {
		return false, newError(NotConfigured, "temp-file region is not configured")
	}

	discoveryAfter.Retain(setA.Contains)
	setB := discoveryAfter.Valid()
	if len(setB) == 0 {
		return false, nil
	}

	verified, err := os.Open(tmpPath)
	if err != nil {
		return false, wrapError(IOFailure, "reopen verified temp file", err)
	}
	defer verified.Close()

	if err := natomic.WriteFile(b.Path, verified); err != nil {
		return false, wrapError(IOFailure, "publish backup", err)
	}

	return true, nil
}

// shmmapOpenReadOnly maps fd read-only for the duration of one backup
// cycle, matching the Rust original's read-only observer mapping in
// shm-restore.rs.
func shmmapOpenReadOnly(fd int, size int64) ([]byte, error) {
	return unix.Mmap(fd, 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
}

// copyRegion streams size bytes from srcFd into dst. It tries
// copy_file_range first (the fast path on a shared filesystem, matching
// the Rust original's writeback_protector), falling back to copying out of
// the already-mapped srcMem when copy_file_range is unsupported (e.g. the
// source is an anonymous memfd without a stable backing inode for some
// kernels, or the destination filesystem rejects the call).
func copyRegion(dst *os.File, srcFd int, srcMem []byte, size int64) error {
	remaining := size
	for remaining > 0 {
		n, err := unix.CopyFileRange(srcFd, nil, int(dst.Fd()), nil, int(remaining), 0)
		if err != nil {
			if errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EXDEV) || errors.Is(err, unix.EINVAL) {
				break
			}
			return fmt.Errorf("copy_file_range: %w", err)
		}
		if n == 0 {
			break
		}
		remaining -= int64(n)
	}

	if remaining == 0 {
		return nil
	}

	// Fallback: copy whatever copy_file_range did not finish directly out
	// of the mapped source.
	offset := size - remaining
	if _, err := dst.WriteAt(srcMem[offset:size], offset); err != nil {
		return fmt.Errorf("fallback copy: %w", err)
	}
	return nil
}

// mmapFile opens path and maps it read-write, returning the mapping and the
// backing file descriptor (the caller owns both and must close/unmap them).
func mmapFile(path string, size int64) ([]byte, int, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, -1, fmt.Errorf("open: %w", err)
	}
	mem, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, -1, fmt.Errorf("mmap: %w", err)
	}
	return mem, fd, nil
}
