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

// Package wasihost wires a *vfs.VFS into a wazero host module named
// "wasi_snapshot_preview1", translating the WASI-style wire convention
// (iovec vectors, little-endian result pointers, fixed-width rights) into
// calls against the pure-Go filesystem in internal/vfs.
package wasihost

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wasmfaas/host/internal/rights"
	"github.com/wasmfaas/host/internal/vfs"
)

// ModuleName is the import module name a guest must declare these
// functions under.
const ModuleName = "wasi_snapshot_preview1"

// Instantiate builds and instantiates the WASI host module against v for
// the lifetime of one guest instantiation.
func Instantiate(ctx context.Context, rt wazero.Runtime, v *vfs.VFS) (api.Module, error) {
	b := rt.NewHostModuleBuilder(ModuleName)

	b.NewFunctionBuilder().WithFunc(pathOpen(v)).Export("path_open")
	b.NewFunctionBuilder().WithFunc(pathCreateDirectory(v)).Export("path_create_directory")
	b.NewFunctionBuilder().WithFunc(pathRemoveDirectory(v)).Export("path_remove_directory")
	b.NewFunctionBuilder().WithFunc(pathUnlinkFile(v)).Export("path_unlink_file")
	b.NewFunctionBuilder().WithFunc(pathRename(v)).Export("path_rename")
	b.NewFunctionBuilder().WithFunc(pathLinkFile(v)).Export("path_link_file")
	b.NewFunctionBuilder().WithFunc(pathFilestatGet(v)).Export("path_filestat_get")

	b.NewFunctionBuilder().WithFunc(fdClose(v)).Export("fd_close")
	b.NewFunctionBuilder().WithFunc(fdRead(v)).Export("fd_read")
	b.NewFunctionBuilder().WithFunc(fdPread(v)).Export("fd_pread")
	b.NewFunctionBuilder().WithFunc(fdWrite(v)).Export("fd_write")
	b.NewFunctionBuilder().WithFunc(fdPwrite(v)).Export("fd_pwrite")
	b.NewFunctionBuilder().WithFunc(fdAllocate(v)).Export("fd_allocate")
	b.NewFunctionBuilder().WithFunc(fdSeek(v)).Export("fd_seek")
	b.NewFunctionBuilder().WithFunc(fdTell(v)).Export("fd_tell")
	b.NewFunctionBuilder().WithFunc(fdDatasync(v)).Export("fd_datasync")
	b.NewFunctionBuilder().WithFunc(fdSync(v)).Export("fd_sync")
	b.NewFunctionBuilder().WithFunc(fdFilestatGet(v)).Export("fd_filestat_get")
	b.NewFunctionBuilder().WithFunc(fdFilestatSetTimes(v)).Export("fd_filestat_set_times")
	b.NewFunctionBuilder().WithFunc(fdFdstatSetFlags(v)).Export("fd_fdstat_set_flags")
	b.NewFunctionBuilder().WithFunc(fdReaddir(v)).Export("fd_readdir")

	return b.Instantiate(ctx)
}

// --- path operations ---

func pathOpen(v *vfs.VFS) func(context.Context, api.Module, uint32, uint32, uint32, uint32, uint32, uint64, uint64, uint32, uint32) uint32 {
	return func(ctx context.Context, m api.Module, parent, _dirflags, pathPtr, pathLen, oflags uint32, rightsBase, rightsInheriting uint64, fdflags, openedFDPtr uint32) uint32 {
		path, ok := readGuestString(m, pathPtr, pathLen)
		if !ok {
			panic("wasihost: memory out of bounds in path_open")
		}
		idx, errno := v.PathOpen(int(parent), path, vfs.OFlags(oflags), rights.Rights(rightsBase), rights.Rights(rightsInheriting), vfs.FDFlags(fdflags))
		if errno == vfs.ErrnoSuccess {
			if !m.Memory().WriteUint32Le(openedFDPtr, uint32(idx)) {
				panic("wasihost: memory out of bounds writing opened fd")
			}
		}
		return uint32(errno)
	}
}

func pathCreateDirectory(v *vfs.VFS) func(context.Context, api.Module, uint32, uint32, uint32) uint32 {
	return func(ctx context.Context, m api.Module, dirIdx, pathPtr, pathLen uint32) uint32 {
		path, ok := readGuestString(m, pathPtr, pathLen)
		if !ok {
			panic("wasihost: memory out of bounds in path_create_directory")
		}
		return uint32(v.PathCreateDirectory(int(dirIdx), path))
	}
}

func pathRemoveDirectory(v *vfs.VFS) func(context.Context, api.Module, uint32, uint32, uint32) uint32 {
	return func(ctx context.Context, m api.Module, dirIdx, pathPtr, pathLen uint32) uint32 {
		path, ok := readGuestString(m, pathPtr, pathLen)
		if !ok {
			panic("wasihost: memory out of bounds in path_remove_directory")
		}
		return uint32(v.PathRemoveDirectory(int(dirIdx), path))
	}
}

func pathUnlinkFile(v *vfs.VFS) func(context.Context, api.Module, uint32, uint32, uint32) uint32 {
	return func(ctx context.Context, m api.Module, dirIdx, pathPtr, pathLen uint32) uint32 {
		path, ok := readGuestString(m, pathPtr, pathLen)
		if !ok {
			panic("wasihost: memory out of bounds in path_unlink_file")
		}
		return uint32(v.PathUnlinkFile(int(dirIdx), path))
	}
}

func pathRename(v *vfs.VFS) func(context.Context, api.Module, uint32, uint32, uint32, uint32, uint32, uint32) uint32 {
	return func(ctx context.Context, m api.Module, dirIdx, oldPtr, oldLen, newDirIdx, newPtr, newLen uint32) uint32 {
		oldRel, ok1 := readGuestString(m, oldPtr, oldLen)
		newRel, ok2 := readGuestString(m, newPtr, newLen)
		if !ok1 || !ok2 {
			panic("wasihost: memory out of bounds in path_rename")
		}
		_ = newDirIdx // renames are scoped to a single directory handle per spec's §4.B
		return uint32(v.PathRename(int(dirIdx), oldRel, newRel))
	}
}

func pathLinkFile(v *vfs.VFS) func(context.Context, api.Module, uint32, uint32, uint32, uint32, uint32, uint32) uint32 {
	return func(ctx context.Context, m api.Module, oldDirIdx, oldPtr, oldLen, newDirIdx, newPtr, newLen uint32) uint32 {
		oldRel, ok1 := readGuestString(m, oldPtr, oldLen)
		newRel, ok2 := readGuestString(m, newPtr, newLen)
		if !ok1 || !ok2 {
			panic("wasihost: memory out of bounds in path_link_file")
		}
		return uint32(v.PathLinkFile(int(oldDirIdx), oldRel, int(newDirIdx), newRel))
	}
}

func pathFilestatGet(v *vfs.VFS) func(context.Context, api.Module, uint32, uint32, uint32, uint32, uint32) uint32 {
	return func(ctx context.Context, m api.Module, dirIdx, lookupFlags, pathPtr, pathLen, bufPtr uint32) uint32 {
		path, ok := readGuestString(m, pathPtr, pathLen)
		if !ok {
			panic("wasihost: memory out of bounds in path_filestat_get")
		}
		followSymlinks := lookupFlags&1 != 0
		stat, errno := v.PathFilestatGet(int(dirIdx), path, followSymlinks)
		if errno == vfs.ErrnoSuccess {
			writeFilestat(m, bufPtr, stat)
		}
		return uint32(errno)
	}
}

// --- fd operations ---

func fdClose(v *vfs.VFS) func(context.Context, api.Module, uint32) uint32 {
	return func(ctx context.Context, m api.Module, idx uint32) uint32 {
		v.FClose(int(idx))
		return uint32(vfs.ErrnoSuccess)
	}
}

func fdRead(v *vfs.VFS) func(context.Context, api.Module, uint32, uint32, uint32, uint32) uint32 {
	return func(ctx context.Context, m api.Module, idx, iovsPtr, iovsLen, nreadPtr uint32) uint32 {
		bufs, ok := readIovecTargets(m, iovsPtr, iovsLen)
		if !ok {
			panic("wasihost: memory out of bounds in fd_read")
		}
		n, errno := v.FdRead(int(idx), bufs)
		if errno == vfs.ErrnoSuccess {
			writeBackIovecs(m, iovsPtr, iovsLen, bufs)
			mustWriteUint32(m, nreadPtr, n)
		}
		return uint32(errno)
	}
}

func fdPread(v *vfs.VFS) func(context.Context, api.Module, uint32, uint32, uint32, uint64, uint32) uint32 {
	return func(ctx context.Context, m api.Module, idx, iovsPtr, iovsLen uint32, offset uint64, nreadPtr uint32) uint32 {
		bufs, ok := readIovecTargets(m, iovsPtr, iovsLen)
		if !ok {
			panic("wasihost: memory out of bounds in fd_pread")
		}
		n, errno := v.FdPread(int(idx), bufs, int64(offset))
		if errno == vfs.ErrnoSuccess {
			writeBackIovecs(m, iovsPtr, iovsLen, bufs)
			mustWriteUint32(m, nreadPtr, n)
		}
		return uint32(errno)
	}
}

func fdWrite(v *vfs.VFS) func(context.Context, api.Module, uint32, uint32, uint32, uint32) uint32 {
	return func(ctx context.Context, m api.Module, idx, iovsPtr, iovsLen, nwrittenPtr uint32) uint32 {
		bufs, ok := readIovecSources(m, iovsPtr, iovsLen)
		if !ok {
			panic("wasihost: memory out of bounds in fd_write")
		}
		n, errno := v.FdWrite(int(idx), bufs)
		if errno == vfs.ErrnoSuccess {
			mustWriteUint32(m, nwrittenPtr, n)
		}
		return uint32(errno)
	}
}

func fdPwrite(v *vfs.VFS) func(context.Context, api.Module, uint32, uint32, uint32, uint64, uint32) uint32 {
	return func(ctx context.Context, m api.Module, idx, iovsPtr, iovsLen uint32, offset uint64, nwrittenPtr uint32) uint32 {
		bufs, ok := readIovecSources(m, iovsPtr, iovsLen)
		if !ok {
			panic("wasihost: memory out of bounds in fd_pwrite")
		}
		n, errno := v.FdPwrite(int(idx), bufs, int64(offset))
		if errno == vfs.ErrnoSuccess {
			mustWriteUint32(m, nwrittenPtr, n)
		}
		return uint32(errno)
	}
}

func fdAllocate(v *vfs.VFS) func(context.Context, api.Module, uint32, uint64, uint64) uint32 {
	return func(ctx context.Context, m api.Module, idx uint32, offset, length uint64) uint32 {
		return uint32(v.FdAllocate(int(idx), int64(offset), int64(length)))
	}
}

func fdSeek(v *vfs.VFS) func(context.Context, api.Module, uint32, uint64, uint32, uint32) uint32 {
	return func(ctx context.Context, m api.Module, idx uint32, offset uint64, whence, newOffsetPtr uint32) uint32 {
		pos, errno := v.FdSeek(int(idx), int64(offset), vfs.Whence(whence))
		if errno == vfs.ErrnoSuccess {
			if !m.Memory().WriteUint64Le(newOffsetPtr, uint64(pos)) {
				panic("wasihost: memory out of bounds in fd_seek")
			}
		}
		return uint32(errno)
	}
}

func fdTell(v *vfs.VFS) func(context.Context, api.Module, uint32, uint32) uint32 {
	return func(ctx context.Context, m api.Module, idx, posPtr uint32) uint32 {
		pos, errno := v.FdTell(int(idx))
		if errno == vfs.ErrnoSuccess {
			if !m.Memory().WriteUint64Le(posPtr, uint64(pos)) {
				panic("wasihost: memory out of bounds in fd_tell")
			}
		}
		return uint32(errno)
	}
}

func fdDatasync(v *vfs.VFS) func(context.Context, api.Module, uint32) uint32 {
	return func(ctx context.Context, m api.Module, idx uint32) uint32 {
		return uint32(v.FdDatasync(int(idx)))
	}
}

func fdSync(v *vfs.VFS) func(context.Context, api.Module, uint32) uint32 {
	return func(ctx context.Context, m api.Module, idx uint32) uint32 {
		return uint32(v.FdSync(int(idx)))
	}
}

func fdFilestatGet(v *vfs.VFS) func(context.Context, api.Module, uint32, uint32) uint32 {
	return func(ctx context.Context, m api.Module, idx, bufPtr uint32) uint32 {
		stat, errno := v.FdFilestatGet(int(idx))
		if errno == vfs.ErrnoSuccess {
			writeFilestat(m, bufPtr, stat)
		}
		return uint32(errno)
	}
}

func fdFilestatSetTimes(v *vfs.VFS) func(context.Context, api.Module, uint32, uint64, uint64, uint32) uint32 {
	return func(ctx context.Context, m api.Module, idx uint32, atim, mtim uint64, fstflags uint32) uint32 {
		return uint32(v.FdFilestatSetTimes(int(idx), int64(atim), int64(mtim), vfs.FilestatSetTimesFlags(fstflags)))
	}
}

func fdFdstatSetFlags(v *vfs.VFS) func(context.Context, api.Module, uint32, uint32) uint32 {
	return func(ctx context.Context, m api.Module, idx, flags uint32) uint32 {
		return uint32(v.FdFdstatSetFlags(int(idx), vfs.FDFlags(flags)))
	}
}

func fdReaddir(v *vfs.VFS) func(context.Context, api.Module, uint32, uint32, uint32, uint64, uint32) uint32 {
	return func(ctx context.Context, m api.Module, idx, bufPtr, bufLen uint32, cookie uint64, bufUsedPtr uint32) uint32 {
		entries, errno := v.GetReaddir(int(idx), cookie)
		if errno != vfs.ErrnoSuccess {
			return uint32(errno)
		}
		used := writeDirents(m, bufPtr, bufLen, cookie, entries)
		mustWriteUint32(m, bufUsedPtr, used)
		return uint32(vfs.ErrnoSuccess)
	}
}

// --- memory marshaling helpers ---

func readGuestString(m api.Module, ptr, l uint32) (string, bool) {
	if l == 0 {
		return "", true
	}
	b, ok := m.Memory().Read(ptr, l)
	if !ok {
		return "", false
	}
	return string(b), true
}

// readIovecTargets parses a WASI iovec array (ptr,len pairs, 8 bytes each)
// and returns freshly allocated host buffers sized to receive each target.
func readIovecTargets(m api.Module, iovsPtr, iovsLen uint32) ([][]byte, bool) {
	bufs := make([][]byte, 0, iovsLen)
	for i := uint32(0); i < iovsLen; i++ {
		base := iovsPtr + i*8
		_, length, ok := readIovec(m, base)
		if !ok {
			return nil, false
		}
		bufs = append(bufs, make([]byte, length))
	}
	return bufs, true
}

// readIovecSources parses a WASI iovec array and returns the guest bytes
// referenced by each entry, copied out for safe use after the call.
func readIovecSources(m api.Module, iovsPtr, iovsLen uint32) ([][]byte, bool) {
	bufs := make([][]byte, 0, iovsLen)
	for i := uint32(0); i < iovsLen; i++ {
		base := iovsPtr + i*8
		ptr, length, ok := readIovec(m, base)
		if !ok {
			return nil, false
		}
		if length == 0 {
			bufs = append(bufs, nil)
			continue
		}
		b, ok := m.Memory().Read(ptr, length)
		if !ok {
			return nil, false
		}
		out := make([]byte, len(b))
		copy(out, b)
		bufs = append(bufs, out)
	}
	return bufs, true
}

func readIovec(m api.Module, base uint32) (ptr, length uint32, ok bool) {
	ptr, ok1 := m.Memory().ReadUint32Le(base)
	length, ok2 := m.Memory().ReadUint32Le(base + 4)
	return ptr, length, ok1 && ok2
}

// writeBackIovecs copies host-read data back into the guest buffers named
// by the iovec array, used after fd_read/fd_pread.
func writeBackIovecs(m api.Module, iovsPtr, iovsLen uint32, bufs [][]byte) {
	for i := uint32(0); i < iovsLen; i++ {
		base := iovsPtr + i*8
		ptr, _, ok := readIovec(m, base)
		if !ok || len(bufs[i]) == 0 {
			continue
		}
		if !m.Memory().Write(ptr, bufs[i]) {
			panic("wasihost: memory out of bounds writing back iovec")
		}
	}
}

func mustWriteUint32(m api.Module, ptr, v uint32) {
	if !m.Memory().WriteUint32Le(ptr, v) {
		panic("wasihost: memory out of bounds writing result")
	}
}

// filestat wire layout: filetype(u8, padded to u64) | nlink(u64) | size(u64)
// | atim(u64 ns) | mtim(u64 ns) | ctim(u64 ns) — 48 bytes total.
func writeFilestat(m api.Module, ptr uint32, stat vfs.Filestat) {
	mem := m.Memory()
	mustWriteUint32(m, ptr, uint32(stat.Filetype))
	mem.WriteUint64Le(ptr+8, stat.Nlink)
	mem.WriteUint64Le(ptr+16, stat.Size)
	mem.WriteUint64Le(ptr+24, nsOf(stat.Atim))
	mem.WriteUint64Le(ptr+32, nsOf(stat.Mtim))
	mem.WriteUint64Le(ptr+40, nsOf(stat.Ctim))
}

func nsOf(t *time.Time) uint64 {
	if t == nil {
		return 0
	}
	return uint64(t.UnixNano())
}

// writeDirents serializes entries into the WASI dirent wire format: each
// record is a fixed 24-byte header (next-cookie u64, ino u64, namelen u32,
// filetype u8 + padding) followed by the raw (non-UTF-8-checked at this
// layer; vfs.GetReaddir already rejected those) name bytes. entries are the
// ones GetReaddir returned for cookie, so entry i sits at position cookie+i
// and its next-cookie is cookie+i+1. Truncates to bufLen and returns the
// number of bytes actually written.
func writeDirents(m api.Module, bufPtr, bufLen uint32, cookie uint64, entries []vfs.DirEntry) uint32 {
	mem := m.Memory()
	var written uint32
	for i, e := range entries {
		nameBytes := []byte(e.Name)
		if !utf8.Valid(nameBytes) {
			continue
		}
		recLen := uint32(24 + len(nameBytes))
		if written+recLen > bufLen {
			break
		}
		base := bufPtr + written
		mem.WriteUint64Le(base, cookie+uint64(i)+1)
		mem.WriteUint64Le(base+8, e.Ino)
		mem.WriteUint32Le(base+16, uint32(len(nameBytes)))
		mem.WriteUint32Le(base+20, uint32(e.Filetype))
		if len(nameBytes) > 0 {
			mem.Write(base+24, nameBytes)
		}
		written += recLen
	}
	return written
}
