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

// Command shmsupervisor runs a child process with a shared memory region's
// file descriptor passed in via the environment. It restores the region
// from a backup file before the child starts, and writes the region back
// to that file when the child exits and (optionally, continuously) while
// it runs.
//
//	shmsupervisor [--snapshot restore-v1] BACKUP_FILE CMD [ARG...]
package main

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	flag "github.com/spf13/pflag"

	"github.com/shmsnap/shmsnap"
	"github.com/shmsnap/shmsnap/internal/envfd"
	"github.com/shmsnap/shmsnap/internal/shmmap"
)

// defaultRegionSize is used only when this invocation creates the shared
// memory region itself, rather than inheriting one via LISTEN_FDS — e.g.
// the first supervisor in a restart chain. 16 MiB comfortably holds a
// header page, a few thousand descriptors, and a multi-megabyte data ring.
const defaultRegionSize = 16 << 20

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := flag.NewFlagSet("shmsupervisor", flag.ContinueOnError)
	flags.SetInterspersed(false)
	snapshotMode := flags.String("snapshot", "", "continuous backup strategy (the only value accepted is \"restore-v1\")")

	if err := flags.Parse(args); err != nil {
		return 2
	}
	if *snapshotMode != "" && *snapshotMode != "restore-v1" {
		fmt.Fprintf(os.Stderr, "shmsupervisor: unknown --snapshot value %q\n", *snapshotMode)
		return 2
	}

	positional := flags.Args()
	if len(positional) < 2 {
		fmt.Fprintln(os.Stderr, "usage: shmsupervisor [--snapshot restore-v1] BACKUP_FILE CMD [ARG...]")
		return 2
	}
	backupPath, command, commandArgs := positional[0], positional[1], positional[2:]

	shmFd, size, err := acquireRegion()
	if err != nil {
		fmt.Fprintf(os.Stderr, "shmsupervisor: %v\n", err)
		return 1
	}

	if err := writeBackupIntoRegion(backupPath, shmFd, size); err != nil {
		fmt.Fprintf(os.Stderr, "shmsupervisor: restoring backup into region: %v\n", err)
	}

	dupedFd, err := unix.Dup(shmFd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shmsupervisor: dup shared fd: %v\n", err)
		return 1
	}
	// os/exec clears FD_CLOEXEC on the fds listed in ExtraFiles before the
	// child inherits them, so the duped fd only needs protecting from any
	// other accidental fork in this process up to that point.
	unix.CloseOnExec(dupedFd)

	cmd := exec.Command(command, commandArgs...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{os.NewFile(uintptr(dupedFd), envfd.SharedFdName)}
	// The child's pid is unknown before exec and envfd.Parse only checks
	// LISTEN_PID when it is set, so every LISTEN_PID entry (including one
	// this process inherited) is left out of the child's environment.
	for _, kv := range append(os.Environ(), envfd.Env(os.Getpid())...) {
		if !strings.HasPrefix(kv, "LISTEN_PID=") {
			cmd.Env = append(cmd.Env, kv)
		}
	}

	signal.Ignore(syscall.SIGTERM, syscall.SIGCHLD)

	if *snapshotMode == "" {
		code, err := runOnce(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "shmsupervisor: %v\n", err)
			return 1
		}
		writeBack(backupPath, shmFd, size)
		return code
	}

	return runWithPeriodicBackup(cmd, backupPath, shmFd, size)
}

// acquireRegion resolves the shared memory fd either from an inherited
// LISTEN_FDS handshake (a restart chain re-execing this same binary) or by
// creating a fresh anonymous region (the first supervisor launched).
func acquireRegion() (fd int, size int64, err error) {
	if inheritedFd, err := envfd.SharedFd(); err == nil {
		size, err := shmmap.Size(inheritedFd)
		if err != nil {
			return -1, 0, err
		}
		return inheritedFd, size, nil
	}

	fd, err = shmmap.CreateAnonymous("shmsnap", defaultRegionSize)
	if err != nil {
		return -1, 0, err
	}
	return fd, defaultRegionSize, nil
}

// writeBackupIntoRegion copies an existing backup file's bytes into the
// region before the child starts, so a restarted producer recovers state
// from the last durable snapshot instead of an empty region.
func writeBackupIntoRegion(backupPath string, shmFd int, size int64) error {
	backup, err := os.Open(backupPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer backup.Close()

	mem, err := shmmap.Map(shmFd, size)
	if err != nil {
		return err
	}
	defer shmmap.Unmap(mem)

	n, err := backup.Read(mem)
	if err != nil && n == 0 {
		return fmt.Errorf("read backup: %w", err)
	}
	return nil
}

// writeBack runs one sandwich-verified backup cycle into the backup file on
// exit, regardless of the child's exit code. The file is left untouched
// when the cycle finds no valid snapshot.
func writeBack(backupPath string, shmFd int, size int64) {
	cfg := shmsnap.ConfigureFile{}
	b := &shmsnap.Backup{SourceFd: shmFd, Size: size, Path: backupPath, Config: cfg}
	if _, err := b.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "shmsupervisor: backup on exit: %v\n", err)
	}
}

func runOnce(cmd *exec.Cmd) (int, error) {
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return 1, err
	}
	return 0, nil
}

// runWithPeriodicBackup implements the --snapshot restore-v1 loop: it runs
// a sandwich-verified backup cycle repeatedly while the child runs,
// logging (never failing) on IOFailure so a bad cycle is simply retried on
// the next interval.
func runWithPeriodicBackup(cmd *exec.Cmd, backupPath string, shmFd int, size int64) int {
	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "shmsupervisor: %v\n", err)
		return 1
	}

	cfg := shmsnap.ConfigureFile{}
	b := &shmsnap.Backup{SourceFd: shmFd, Size: size, Path: backupPath, Config: cfg}

	const interval = 250 * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
loop:
	for {
		select {
		case waitErr = <-done:
			break loop
		case <-ticker.C:
			progressed, err := b.Run()
			if err != nil {
				fmt.Fprintf(os.Stderr, "shmsupervisor: backup cycle: %v\n", err)
				continue
			}
			if !progressed {
				fmt.Fprintln(os.Stderr, "shmsupervisor: backup cycle produced no valid snapshots")
			}
		}
	}

	writeBack(backupPath, shmFd, size)

	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			return exitErr.ExitCode()
		}
		fmt.Fprintf(os.Stderr, "shmsupervisor: %v\n", waitErr)
		return 1
	}
	return 0
}
