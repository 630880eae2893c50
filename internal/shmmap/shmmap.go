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

// Package shmmap wraps the mmap/ftruncate/memfd_create syscalls this module
// needs to back a region with a shared memory file descriptor.
package shmmap

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// CreateAnonymous creates an anonymous, close-on-exec shared memory file via
// memfd_create, sized to size bytes, and returns its file descriptor. The
// descriptor has no path in the filesystem; it is handed to a child process
// by number (see internal/envfd) or duplicated across a fork/exec boundary.
func CreateAnonymous(name string, size int64) (fd int, err error) {
	fd, err = unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("shmmap: memfd_create: %w", err)
	}

	if err := unix.Ftruncate(fd, size); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("shmmap: ftruncate: %w", err)
	}

	return fd, nil
}

// Size reports the current size, in bytes, of the file backing fd.
func Size(fd int) (int64, error) {
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		return 0, fmt.Errorf("shmmap: fstat: %w", err)
	}
	return stat.Size, nil
}

// Map maps the first size bytes of fd's backing file, read-write and shared, into
// this process's address space. The returned slice is valid until Unmap is
// called on it.
func Map(fd int, size int64) ([]byte, error) {
	mem, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shmmap: mmap: %w", err)
	}
	return mem, nil
}

// Unmap releases a slice returned by Map.
func Unmap(mem []byte) error {
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("shmmap: munmap: %w", err)
	}
	return nil
}
