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

// Package shmsnap implements a crash-consistent, lock-free snapshot log
// inside a shared memory region. A single writer appends opaque byte
// snapshots into a fixed-layout ring; any number of read-only observers,
// including a process that has just restarted, may map the same region
// and recover the most recently committed snapshot without taking a lock.
//
// The region is organized as a header page, a descriptor ring, a byte
// addressed data ring, and a user-controlled tail. Writers publish new
// snapshots by reserving space in the data ring, invalidating the
// descriptors of any older snapshots that overlap that space, streaming
// the payload, and finally publishing a descriptor with a release store.
// Observers that need to read immutable bytes out of a live region use
// the sandwich verification protocol in this package's backup helpers:
// two enumerations of valid descriptors bracketing a full copy of the
// region prove that the intersection of both was never touched during
// the copy.
package shmsnap

// vim: foldmethod=marker
