/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package vfs_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasmfaas/host/internal/rights"
	"github.com/wasmfaas/host/internal/vfs"
)

func newTestVFS(t *testing.T) (*vfs.VFS, string) {
	t.Helper()
	dir := t.TempDir()
	v, err := vfs.New(dir)
	require.NoError(t, err)
	t.Cleanup(v.Close)
	return v, dir
}

func TestPathOpenRootReturnsZero(t *testing.T) {
	v, _ := newTestVFS(t)
	idx, errno := v.PathOpen(vfs.RootInode, ".", 0, rights.DirBase, rights.FileBase, 0)
	require.Equal(t, vfs.ErrnoSuccess, errno)
	assert.Equal(t, vfs.RootInode, idx)
}

func TestPathOpenCreateAndWriteRead(t *testing.T) {
	v, _ := newTestVFS(t)
	idx, errno := v.PathOpen(vfs.RootInode, "greeting.txt", vfs.OFlagCreate, rights.FDRead|rights.FDWrite|rights.FDSeek|rights.FDTell, 0, 0)
	require.Equal(t, vfs.ErrnoSuccess, errno)

	n, errno := v.FdWrite(idx, [][]byte{[]byte("hello")})
	require.Equal(t, vfs.ErrnoSuccess, errno)
	assert.Equal(t, uint32(5), n)

	_, errno = v.FdSeek(idx, 0, vfs.WhenceSet)
	require.Equal(t, vfs.ErrnoSuccess, errno)

	buf := make([]byte, 5)
	n, errno = v.FdRead(idx, [][]byte{buf})
	require.Equal(t, vfs.ErrnoSuccess, errno)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestPathEscapeIsRejected(t *testing.T) {
	v, dir := newTestVFS(t)
	// plant a sentinel outside the root to prove it is untouched.
	outside := filepath.Join(filepath.Dir(dir), "sentinel-should-not-move")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o600))
	defer os.Remove(outside)

	_, errno := v.PathOpen(vfs.RootInode, "../"+filepath.Base(outside), 0, rights.FDRead, 0, 0)
	assert.Equal(t, vfs.ErrnoNoent, errno)

	contents, err := os.ReadFile(outside)
	require.NoError(t, err)
	assert.Equal(t, "secret", string(contents))
}

func TestRightsMonotonicity(t *testing.T) {
	v, dir := newTestVFS(t)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	restricted := rights.FDReaddir // intentionally narrow
	idx, errno := v.PathOpen(vfs.RootInode, "sub", 0, restricted, restricted, 0)
	require.Equal(t, vfs.ErrnoSuccess, errno)

	_, errno = v.GetReaddir(idx, 0)
	assert.Equal(t, vfs.ErrnoSuccess, errno)

	// the derived dir should not be able to create directories: it never
	// held PathCreateDirectory.
	errno = v.PathCreateDirectory(idx, "nested")
	assert.Equal(t, vfs.ErrnoAcces, errno)
}

func TestWriteQuotaEnforced(t *testing.T) {
	v, _ := newTestVFS(t)
	idx, errno := v.PathOpen(vfs.RootInode, "big.bin", vfs.OFlagCreate, rights.FDWrite|rights.FDSeek|rights.FDTell|rights.FDAllocate|rights.FDFilestatGet, 0, 0)
	require.Equal(t, vfs.ErrnoSuccess, errno)

	// seed the file right at the limit via allocate, then a 1-byte write
	// must fail.
	errno = v.FdAllocate(idx, 0, vfs.FileWriteLimit)
	require.Equal(t, vfs.ErrnoSuccess, errno)

	_, errno = v.FdSeek(idx, 0, vfs.WhenceEnd)
	require.Equal(t, vfs.ErrnoSuccess, errno)

	_, errno = v.FdWrite(idx, [][]byte{[]byte("x")})
	assert.Equal(t, vfs.ErrnoNospc, errno)

	stat, errno := v.FdFilestatGet(idx)
	require.Equal(t, vfs.ErrnoSuccess, errno)
	assert.EqualValues(t, vfs.FileWriteLimit, stat.Size)
}

func TestPreadPwriteOffsetNeutrality(t *testing.T) {
	v, _ := newTestVFS(t)
	idx, errno := v.PathOpen(vfs.RootInode, "seekme.bin", vfs.OFlagCreate, rights.FDRead|rights.FDWrite|rights.FDSeek|rights.FDTell, 0, 0)
	require.Equal(t, vfs.ErrnoSuccess, errno)

	_, errno = v.FdWrite(idx, [][]byte{[]byte("0123456789")})
	require.Equal(t, vfs.ErrnoSuccess, errno)

	before, errno := v.FdTell(idx)
	require.Equal(t, vfs.ErrnoSuccess, errno)

	buf := make([]byte, 4)
	_, errno = v.FdPread(idx, [][]byte{buf}, 2)
	require.Equal(t, vfs.ErrnoSuccess, errno)

	after, errno := v.FdTell(idx)
	require.Equal(t, vfs.ErrnoSuccess, errno)
	assert.Equal(t, before, after)

	_, errno = v.FdPwrite(idx, [][]byte{[]byte("ZZ")}, 0)
	require.Equal(t, vfs.ErrnoSuccess, errno)

	after2, errno := v.FdTell(idx)
	require.Equal(t, vfs.ErrnoSuccess, errno)
	assert.Equal(t, before, after2)
}

func TestReaddirPrefix(t *testing.T) {
	v, dir := newTestVFS(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), nil, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), nil, 0o600))

	entries, errno := v.GetReaddir(vfs.RootInode, 0)
	require.Equal(t, vfs.ErrnoSuccess, errno)
	require.GreaterOrEqual(t, len(entries), 2)
	assert.Equal(t, ".", entries[0].Name)
	assert.Equal(t, "..", entries[1].Name)
}

func TestPathLinkFileUnsupported(t *testing.T) {
	v, _ := newTestVFS(t)
	errno := v.PathLinkFile(vfs.RootInode, "a", vfs.RootInode, "b")
	assert.Equal(t, vfs.ErrnoNosys, errno)
}

func TestFCloseIsIdempotent(t *testing.T) {
	v, _ := newTestVFS(t)
	idx, errno := v.PathOpen(vfs.RootInode, "f.txt", vfs.OFlagCreate, rights.FDWrite, 0, 0)
	require.Equal(t, vfs.ErrnoSuccess, errno)
	v.FClose(idx)
	v.FClose(idx) // no panic, no error surface
}

func TestPathOpenRejectsSyncFdflags(t *testing.T) {
	v, _ := newTestVFS(t)
	_, errno := v.PathOpen(vfs.RootInode, "s.txt", vfs.OFlagCreate, rights.FDWrite, 0, vfs.FDFlagSync)
	assert.Equal(t, vfs.ErrnoNosys, errno)
}

func TestPathOpenRejectsDirectoryWithCreate(t *testing.T) {
	v, _ := newTestVFS(t)
	_, errno := v.PathOpen(vfs.RootInode, "x", vfs.OFlagDirectory|vfs.OFlagCreate, rights.FDRead, 0, 0)
	assert.Equal(t, vfs.ErrnoInval, errno)
}
