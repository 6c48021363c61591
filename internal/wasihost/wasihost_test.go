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

package wasihost

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wasmfaas/host/internal/rights"
	"github.com/wasmfaas/host/internal/vfs"
)

// newGuestMemory stands in for a guest instance's linear memory, without
// compiling an actual WebAssembly binary: a throwaway host module that
// exports one page of memory gives us a real api.Module backed by real
// api.Memory, which is all these marshaling functions touch.
func newGuestMemory(t *testing.T) (context.Context, api.Module, func()) {
	t.Helper()
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	mod, err := rt.NewHostModuleBuilder("guest").ExportMemory("memory", 1).Instantiate(ctx)
	require.NoError(t, err)
	return ctx, mod, func() { rt.Close(ctx) }
}

func newTestVFS(t *testing.T) *vfs.VFS {
	t.Helper()
	v, err := vfs.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(v.Close)
	return v
}

func TestPathOpenWritesOpenedFD(t *testing.T) {
	ctx, mod, done := newGuestMemory(t)
	defer done()
	v := newTestVFS(t)

	const pathPtr, openedPtr = 0, 64
	path := "file.txt"
	require.True(t, mod.Memory().Write(pathPtr, []byte(path)))

	fn := pathOpen(v)
	errno := fn(ctx, mod, uint32(vfs.RootInode), 0, pathPtr, uint32(len(path)), uint32(vfs.OFlagCreate),
		uint64(rights.FDWrite|rights.FDRead), 0, 0, openedPtr)
	require.EqualValues(t, vfs.ErrnoSuccess, errno)

	got, ok := mod.Memory().ReadUint32Le(openedPtr)
	require.True(t, ok)
	assert.NotEqual(t, uint32(vfs.RootInode), got)
}

func TestFdWriteAndFdReadRoundTrip(t *testing.T) {
	ctx, mod, done := newGuestMemory(t)
	defer done()
	v := newTestVFS(t)

	idx, errno := v.PathOpen(vfs.RootInode, "rw.txt", vfs.OFlagCreate,
		rights.FDRead|rights.FDWrite|rights.FDSeek|rights.FDTell, 0, 0)
	require.EqualValues(t, vfs.ErrnoSuccess, errno)

	const dataPtr, iovsPtr, resultPtr = 0, 64, 128
	payload := []byte("hello wasi")
	require.True(t, mod.Memory().Write(dataPtr, payload))
	require.True(t, mod.Memory().WriteUint32Le(iovsPtr, dataPtr))
	require.True(t, mod.Memory().WriteUint32Le(iovsPtr+4, uint32(len(payload))))

	writeFn := fdWrite(v)
	errno2 := writeFn(ctx, mod, uint32(idx), iovsPtr, 1, resultPtr)
	require.EqualValues(t, vfs.ErrnoSuccess, errno2)
	n, ok := mod.Memory().ReadUint32Le(resultPtr)
	require.True(t, ok)
	assert.EqualValues(t, len(payload), n)

	seekFn := fdSeek(v)
	const newOffsetPtr = 256
	errno3 := seekFn(ctx, mod, uint32(idx), 0, uint32(vfs.WhenceSet), newOffsetPtr)
	require.EqualValues(t, vfs.ErrnoSuccess, errno3)

	const readBufPtr = 512
	require.True(t, mod.Memory().WriteUint32Le(iovsPtr, readBufPtr))
	require.True(t, mod.Memory().WriteUint32Le(iovsPtr+4, uint32(len(payload))))

	readFn := fdRead(v)
	errno4 := readFn(ctx, mod, uint32(idx), iovsPtr, 1, resultPtr)
	require.EqualValues(t, vfs.ErrnoSuccess, errno4)

	got, ok := mod.Memory().Read(readBufPtr, uint32(len(payload)))
	require.True(t, ok)
	assert.Equal(t, payload, got)
}

func TestPathOpenEscapeMapsToNoent(t *testing.T) {
	ctx, mod, done := newGuestMemory(t)
	defer done()
	v := newTestVFS(t)

	const pathPtr, openedPtr = 0, 64
	path := "../outside"
	require.True(t, mod.Memory().Write(pathPtr, []byte(path)))

	fn := pathOpen(v)
	errno := fn(ctx, mod, uint32(vfs.RootInode), 0, pathPtr, uint32(len(path)), 0,
		uint64(rights.FDRead), 0, 0, openedPtr)
	assert.EqualValues(t, vfs.ErrnoNoent, errno)
}

func TestFdReaddirWritesDirents(t *testing.T) {
	ctx, mod, done := newGuestMemory(t)
	defer done()
	v := newTestVFS(t)

	const bufPtr, bufLen, usedPtr = 0, 4096, 4096
	fn := fdReaddir(v)
	errno := fn(ctx, mod, uint32(vfs.RootInode), bufPtr, bufLen, 0, usedPtr)
	require.EqualValues(t, vfs.ErrnoSuccess, errno)

	used, ok := mod.Memory().ReadUint32Le(usedPtr)
	require.True(t, ok)
	assert.Greater(t, used, uint32(0))

	nameLen, ok := mod.Memory().ReadUint32Le(bufPtr + 16)
	require.True(t, ok)
	assert.EqualValues(t, 1, nameLen) // "."
}
