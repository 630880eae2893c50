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

package envfd_test

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shmsnap/shmsnap/internal/envfd"
)

func clearListenEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"LISTEN_FDS", "LISTEN_FDNAMES", "LISTEN_PID"} {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestParseNoHandshake(t *testing.T) {
	clearListenEnv(t)

	named, err := envfd.Parse()
	require.NoError(t, err)
	require.Nil(t, named)
}

func TestParseAssignsSequentialFds(t *testing.T) {
	clearListenEnv(t)
	os.Setenv("LISTEN_FDS", "3")
	os.Setenv("LISTEN_FDNAMES", "alpha:beta:gamma")

	named, err := envfd.Parse()
	require.NoError(t, err)
	require.Equal(t, []envfd.Named{
		{Name: "alpha", Fd: 3},
		{Name: "beta", Fd: 4},
		{Name: "gamma", Fd: 5},
	}, named)
}

func TestParseIgnoresStaleHandshake(t *testing.T) {
	clearListenEnv(t)
	os.Setenv("LISTEN_FDS", "1")
	os.Setenv("LISTEN_FDNAMES", envfd.SharedFdName)
	os.Setenv("LISTEN_PID", fmt.Sprintf("%d", os.Getpid()+1))

	named, err := envfd.Parse()
	require.NoError(t, err)
	require.Nil(t, named, "a handshake addressed to a different pid must be ignored")
}

func TestSharedFdLocatesByName(t *testing.T) {
	clearListenEnv(t)
	os.Setenv("LISTEN_FDS", "2")
	os.Setenv("LISTEN_FDNAMES", "other:"+envfd.SharedFdName)

	fd, err := envfd.SharedFd()
	require.NoError(t, err)
	require.Equal(t, envfd.FirstFd+1, fd)
}

func TestSharedFdMissingName(t *testing.T) {
	clearListenEnv(t)
	os.Setenv("LISTEN_FDS", "1")
	os.Setenv("LISTEN_FDNAMES", "unrelated")

	_, err := envfd.SharedFd()
	require.Error(t, err)
}

func TestEnvRoundTrip(t *testing.T) {
	clearListenEnv(t)

	for _, kv := range envfd.Env(os.Getpid()) {
		parts := splitOnce(kv, "=")
		os.Setenv(parts[0], parts[1])
	}

	fd, err := envfd.SharedFd()
	require.NoError(t, err)
	require.Equal(t, envfd.FirstFd, fd)
}

func splitOnce(s, sep string) [2]string {
	for i := 0; i+len(sep) <= len(s); i++ {
		if s[i:i+len(sep)] == sep {
			return [2]string{s[:i], s[i+len(sep):]}
		}
	}
	return [2]string{s, ""}
}
