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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shmsnap/shmsnap"
	"github.com/shmsnap/shmsnap/internal/shmmap"
)

// S5: running the sandwich protocol once against a live writer produces a
// backup file containing at least one snapshot that matches a payload
// committed before the backup ran.
func TestBackupSandwichProtocol(t *testing.T) {
	const regionSize = 64 << 10

	fd, err := shmmap.CreateAnonymous("shmsnap-test", regionSize)
	require.NoError(t, err)
	defer func() { _ = os.NewFile(uintptr(fd), "").Close() }()

	mem, err := shmmap.Map(fd, regionSize)
	require.NoError(t, err)
	defer shmmap.Unmap(mem)

	file := shmsnap.NewFile(mem)
	writer, err := file.Configure(&shmsnap.ConfigureFile{Entries: 0x40, Data: 0x4000})
	require.NoError(t, err)

	_, err = writer.Commit([]byte("first snapshot"))
	require.NoError(t, err)
	_, err = writer.Commit([]byte("second snapshot, the one a restart should see"))
	require.NoError(t, err)

	backupPath := filepath.Join(t.TempDir(), "region.backup")
	b := &shmsnap.Backup{
		SourceFd: fd,
		Size:     regionSize,
		Path:     backupPath,
		Config:   shmsnap.ConfigureFile{},
	}

	published, err := b.Run()
	require.NoError(t, err)
	require.True(t, published, "a quiescent writer should always produce a publishable backup")

	backupBytes, err := os.ReadFile(backupPath)
	require.NoError(t, err)
	require.Len(t, backupBytes, regionSize)

	backupFile := shmsnap.NewFile(backupBytes)
	var cfg shmsnap.ConfigureFile
	discovery, err := backupFile.Recover(&cfg)
	require.NoError(t, err)
	require.NotNil(t, discovery)

	valid := discovery.Valid()
	require.NotEmpty(t, valid)

	found := false
	for _, snap := range valid {
		buf := make([]byte, snap.Length)
		n := discovery.Read(snap, buf)
		if string(buf[:n]) == "second snapshot, the one a restart should see" {
			found = true
		}
	}
	require.True(t, found, "backup should contain at least one snapshot matching a payload committed before it ran")
}

// A region that was never configured yields NotConfigured rather than a
// silently empty backup.
func TestBackupRejectsUnconfiguredRegion(t *testing.T) {
	const regionSize = 16 << 10

	fd, err := shmmap.CreateAnonymous("shmsnap-test-unconfigured", regionSize)
	require.NoError(t, err)
	defer func() { _ = os.NewFile(uintptr(fd), "").Close() }()

	backupPath := filepath.Join(t.TempDir(), "region.backup")
	b := &shmsnap.Backup{SourceFd: fd, Size: regionSize, Path: backupPath}

	_, err = b.Run()
	require.Error(t, err)
	require.True(t, shmsnap.IsKind(err, shmsnap.NotConfigured))

	_, statErr := os.Stat(backupPath)
	require.True(t, os.IsNotExist(statErr), "no backup file should be published for an unconfigured region")
}
