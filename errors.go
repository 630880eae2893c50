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
)

// Kind identifies the taxonomy of errors this package returns. Kinds are not
// distinct error types; every error this package returns is an *Error, and
// callers compare its Kind field (see IsKind) rather than branching on type.
type Kind int

const (
	// Capacity means a payload was empty or exceeded the data ring mask, a
	// replacement payload exceeded its reservation, or a reservation was
	// requested while another one was still in flight.
	Capacity Kind = iota + 1

	// NotConfigured means the operation requires a configured region but
	// the version magic is absent.
	NotConfigured

	// CommitAborted means the user callback passed to CommitWith returned
	// false; no new valid descriptor was published.
	CommitAborted

	// LayoutMismatch means a requested configuration is inconsistent with
	// the region size, or was not built from powers of two.
	LayoutMismatch

	// IOFailure means an OS-level copy or rename failed during a backup.
	IOFailure
)

func (k Kind) String() string {
	switch k {
	case Capacity:
		return "capacity"
	case NotConfigured:
		return "not configured"
	case CommitAborted:
		return "commit aborted"
	case LayoutMismatch:
		return "layout mismatch"
	case IOFailure:
		return "io failure"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by this package. Its Kind field
// is the stable part of its identity; the message is for humans.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("shmsnap: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("shmsnap: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

func wrapError(kind Kind, msg string, err error) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
