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

// Package envfd parses the service-manager file-descriptor-store
// environment convention (LISTEN_FDS/LISTEN_FDNAMES/LISTEN_PID) used to
// pass the shared memory region's file descriptor from supervisor to
// child without naming a path.
package envfd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// FirstFd is the first inherited file descriptor's number; LISTEN_FDS
// counts descriptors starting here.
const FirstFd = 3

// SharedFdName is the name the supervisor advertises the shared memory
// region's descriptor under in LISTEN_FDNAMES.
const SharedFdName = "SHM_SHARED_FD"

// Named maps an fd name from LISTEN_FDNAMES to its resolved fd number.
type Named struct {
	Name string
	Fd   int
}

// Parse reads LISTEN_FDS, LISTEN_FDNAMES, and LISTEN_PID from the process
// environment and returns every inherited descriptor, named in order. If
// LISTEN_PID is set and does not match the current process, no fds are
// reported (they belong to a different, stale handshake).
func Parse() ([]Named, error) {
	if pidStr := os.Getenv("LISTEN_PID"); pidStr != "" {
		pid, err := strconv.Atoi(pidStr)
		if err != nil {
			return nil, fmt.Errorf("envfd: malformed LISTEN_PID %q: %w", pidStr, err)
		}
		if pid != os.Getpid() {
			return nil, nil
		}
	}

	countStr := os.Getenv("LISTEN_FDS")
	if countStr == "" {
		return nil, nil
	}
	count, err := strconv.Atoi(countStr)
	if err != nil {
		return nil, fmt.Errorf("envfd: malformed LISTEN_FDS %q: %w", countStr, err)
	}

	var names []string
	if raw := os.Getenv("LISTEN_FDNAMES"); raw != "" {
		names = strings.Split(raw, ":")
	}

	out := make([]Named, count)
	for i := 0; i < count; i++ {
		name := ""
		if i < len(names) {
			name = names[i]
		}
		out[i] = Named{Name: name, Fd: FirstFd + i}
	}
	return out, nil
}

// SharedFd locates the shared memory region's descriptor among the
// inherited fds by finding the name SharedFdName in LISTEN_FDNAMES.
func SharedFd() (int, error) {
	named, err := Parse()
	if err != nil {
		return -1, err
	}
	for _, n := range named {
		if n.Name == SharedFdName {
			return n.Fd, nil
		}
	}
	return -1, fmt.Errorf("envfd: no fd named %q in LISTEN_FDNAMES", SharedFdName)
}

// Env renders the LISTEN_FDS/LISTEN_FDNAMES/LISTEN_PID triple a supervisor
// sets on a child's environment before exec, with the shared memory fd as
// the sole inherited descriptor.
func Env(pid int) []string {
	return []string{
		"LISTEN_FDS=1",
		"LISTEN_FDNAMES=" + SharedFdName,
		fmt.Sprintf("LISTEN_PID=%d", pid),
	}
}
