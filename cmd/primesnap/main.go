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

// Command primesnap is a sample producer: a prime sieve that commits its
// growing table of primes to a shmsnap region as a new snapshot every
// chunk, demonstrating the Writer.Commit path end to end. It is not part
// of the core library; it exists to exercise it.
package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/shmsnap/shmsnap"
	"github.com/shmsnap/shmsnap/internal/envfd"
	"github.com/shmsnap/shmsnap/internal/shmmap"
)

// chunk is how many new primes are found and committed per snapshot.
const chunk = 1000

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "primesnap: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	shmFd, err := envfd.SharedFd()
	if err != nil {
		return fmt.Errorf("no shared memory state found: %w", err)
	}

	size, err := shmmap.Size(shmFd)
	if err != nil {
		return err
	}

	mem, err := shmmap.Map(shmFd, size)
	if err != nil {
		return err
	}
	defer shmmap.Unmap(mem)

	file := shmsnap.NewFile(mem)

	cfg := shmsnap.ConfigureFile{}
	discovery, err := file.Recover(&cfg)
	if err != nil {
		return err
	}

	var writer *shmsnap.Writer
	if discovery == nil {
		cfg.Entries = 256
		cfg.Data = 1 << 20
		writer, err = file.Configure(&cfg)
		if err != nil {
			return err
		}
	} else {
		writer, err = file.IntoWriterUnguarded(discovery.Config())
		if err != nil {
			return err
		}
	}

	primes := loadLatest(writer)
	if len(primes) == 0 {
		primes = []uint64{2, 3}
	}

	for {
		primes = extend(primes, chunk)

		if _, err := writer.Commit(encodePrimes(primes)); err != nil {
			return fmt.Errorf("commit: %w", err)
		}

		fmt.Fprintf(os.Stderr, "generated %d more primes, total %d\n", chunk, len(primes))
		time.Sleep(10 * time.Millisecond)
	}
}

// loadLatest recovers the most recently committed prime table, choosing
// the valid snapshot with the greatest offset as the most recent one.
func loadLatest(w *shmsnap.Writer) []uint64 {
	valid := w.Valid()
	if len(valid) == 0 {
		return nil
	}

	latest := valid[0]
	for _, s := range valid[1:] {
		if s.Offset > latest.Offset {
			latest = s
		}
	}

	buf := make([]byte, latest.Length)
	n := w.Read(latest, buf)
	return decodePrimes(buf[:n])
}

// extend appends up to n newly discovered primes onto primes using trial
// division against the primes already found.
func extend(primes []uint64, n int) []uint64 {
	candidate := primes[len(primes)-1] + 1
	target := len(primes) + n

	for len(primes) < target {
		if isPrime(candidate, primes) {
			primes = append(primes, candidate)
		}
		candidate++
	}
	return primes
}

func isPrime(n uint64, primes []uint64) bool {
	bound := upperIntSqrt(n)
	for _, p := range primes {
		if p > bound {
			break
		}
		if n%p == 0 {
			return false
		}
	}
	return true
}

// upperIntSqrt returns the smallest r such that r*r >= n, by binary search
// over unsigned integers (avoids the overflow an r*r computed past sqrt(n)
// could hit on the multiply).
func upperIntSqrt(n uint64) uint64 {
	l, r := uint64(0), n+1
	for l != r-1 {
		m := l + (r-l)/2
		// m*m < n, compared via n/m so the square is never formed.
		if q := n / m; m < q || (m == q && n%m != 0) {
			l = m
		} else {
			r = m
		}
	}
	return r
}

func encodePrimes(primes []uint64) []byte {
	buf := make([]byte, len(primes)*8)
	for i, p := range primes {
		binary.BigEndian.PutUint64(buf[i*8:], p)
	}
	return buf
}

func decodePrimes(buf []byte) []uint64 {
	out := make([]uint64, len(buf)/8)
	for i := range out {
		out[i] = binary.BigEndian.Uint64(buf[i*8:])
	}
	return out
}
