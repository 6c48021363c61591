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

package vfs

import (
	"io"
	"os"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/wasmfaas/host/internal/rights"
)

// PathOpen resolves relPath against parent and opens it, narrowing rights
// per the invariants in spec §3/§4.B. Opening the root path itself returns
// RootInode.
func (v *VFS) PathOpen(parent int, relPath string, oflags OFlags, rightsBase, rightsInheriting rights.Rights, fdflags FDFlags) (int, Errno) {
	dir, errno := v.getDir(parent)
	if errno != ErrnoSuccess {
		return 0, errno
	}

	if fdflags.has(syncFlags) {
		return 0, ErrnoNosys
	}
	if oflags.has(OFlagDirectory) && oflags.has(OFlagCreate|OFlagExclusive|OFlagTruncate) {
		return 0, ErrnoInval
	}

	real, errno := v.resolve(dir, relPath)
	if errno != ErrnoSuccess {
		return 0, errno
	}
	if real == v.root {
		return RootInode, ErrnoSuccess
	}

	info, statErr := os.Stat(real)
	switch {
	case statErr == nil && info.IsDir():
		n := &inode{dir: &dirInode{
			realPath:   real,
			dirRights:  dir.dirRights.Intersect(rightsBase),
			fileRights: dir.fileRights.Intersect(rightsInheriting),
		}}
		return v.alloc(n), ErrnoSuccess

	case statErr == nil:
		if oflags.has(OFlagDirectory) {
			return 0, ErrnoNotdir
		}
		return v.openFile(real, oflags, rightsBase, fdflags)

	default:
		if oflags.has(OFlagCreate) {
			return v.openFile(real, oflags, rightsBase, fdflags)
		}
		return 0, ErrnoNoent
	}
}

func (v *VFS) openFile(real string, oflags OFlags, rightsBase rights.Rights, fdflags FDFlags) (int, Errno) {
	flag := 0
	switch {
	case oflags.has(OFlagCreate) && oflags.has(OFlagExclusive):
		flag |= os.O_CREATE | os.O_EXCL
	case oflags.has(OFlagCreate):
		flag |= os.O_CREATE
	}
	if oflags.has(OFlagTruncate) {
		flag |= os.O_TRUNC
	}
	if fdflags.has(FDFlagAppend) {
		flag |= os.O_APPEND
	}

	hasRead := rightsBase.Has(rights.FDRead)
	hasWrite := rightsBase.Has(rights.FDWrite)
	switch {
	case hasWrite && hasRead:
		flag |= os.O_RDWR
	case hasWrite:
		flag |= os.O_WRONLY
	default:
		flag |= os.O_RDONLY
	}

	f, err := os.OpenFile(real, flag, 0o644)
	if err != nil {
		return 0, errnoFromOSErr(err)
	}
	n := &inode{file: &fileInode{handle: f, fdflags: fdflags, rights: rightsBase}}
	return v.alloc(n), ErrnoSuccess
}

// PathRename resolves both names through dirIdx and delegates to the host.
// It is checked the same way path_remove_directory/path_unlink_file are,
// against PathRemoveDirectory, per the spec's deliberate simplification.
func (v *VFS) PathRename(dirIdx int, oldRel, newRel string) Errno {
	dir, errno := v.getDir(dirIdx)
	if errno != ErrnoSuccess {
		return errno
	}
	if err := dir.dirRights.Can(rights.PathRemoveDirectory); err != nil {
		return asErrno(err)
	}
	oldReal, errno := v.resolve(dir, oldRel)
	if errno != ErrnoSuccess {
		return errno
	}
	newReal, errno := v.resolve(dir, newRel)
	if errno != ErrnoSuccess {
		return errno
	}
	if err := os.Rename(oldReal, newReal); err != nil {
		return errnoFromOSErr(err)
	}
	return ErrnoSuccess
}

// PathCreateDirectory creates a directory relative to dirIdx.
func (v *VFS) PathCreateDirectory(dirIdx int, relPath string) Errno {
	dir, errno := v.getDir(dirIdx)
	if errno != ErrnoSuccess {
		return errno
	}
	if err := dir.dirRights.Can(rights.PathCreateDirectory); err != nil {
		return asErrno(err)
	}
	real, errno := v.resolve(dir, relPath)
	if errno != ErrnoSuccess {
		return errno
	}
	if err := os.Mkdir(real, 0o755); err != nil {
		return errnoFromOSErr(err)
	}
	return ErrnoSuccess
}

// PathRemoveDirectory removes a directory relative to dirIdx.
func (v *VFS) PathRemoveDirectory(dirIdx int, relPath string) Errno {
	dir, errno := v.getDir(dirIdx)
	if errno != ErrnoSuccess {
		return errno
	}
	if err := dir.dirRights.Can(rights.PathRemoveDirectory); err != nil {
		return asErrno(err)
	}
	real, errno := v.resolve(dir, relPath)
	if errno != ErrnoSuccess {
		return errno
	}
	if err := os.Remove(real); err != nil {
		return errnoFromOSErr(err)
	}
	return ErrnoSuccess
}

// PathUnlinkFile unlinks a file relative to dirIdx. Per the spec's
// documented open question, this checks PathRemoveDirectory rather than a
// dedicated unlink right, matching the source it is grounded on verbatim.
func (v *VFS) PathUnlinkFile(dirIdx int, relPath string) Errno {
	dir, errno := v.getDir(dirIdx)
	if errno != ErrnoSuccess {
		return errno
	}
	if err := dir.dirRights.Can(rights.PathRemoveDirectory); err != nil {
		return asErrno(err)
	}
	real, errno := v.resolve(dir, relPath)
	if errno != ErrnoSuccess {
		return errno
	}
	info, err := os.Lstat(real)
	if err != nil {
		return errnoFromOSErr(err)
	}
	if info.IsDir() {
		return ErrnoIsdir
	}
	if err := os.Remove(real); err != nil {
		return errnoFromOSErr(err)
	}
	return ErrnoSuccess
}

// PathLinkFile is unconditionally unsupported.
func (v *VFS) PathLinkFile(int, string, int, string) Errno {
	return ErrnoNosys
}

// Filestat is the subset of file metadata path_filestat_get/fd_filestat_get
// expose to the guest.
type Filestat struct {
	Filetype Filetype
	Ino      uint64
	Nlink    uint64
	Size     uint64
	Atim     *time.Time
	Mtim     *time.Time
	Ctim     *time.Time
}

func filestatFromInfo(info os.FileInfo) Filestat {
	ft := FiletypeRegularFile
	if info.IsDir() {
		ft = FiletypeDirectory
	} else if info.Mode()&os.ModeSymlink != 0 {
		ft = FiletypeSymbolicLink
	}
	mtim := info.ModTime()
	return Filestat{
		Filetype: ft,
		Nlink:    1,
		Size:     uint64(info.Size()),
		Atim:     &mtim,
		Mtim:     &mtim,
		Ctim:     &mtim,
	}
}

// PathFilestatGet returns metadata for relPath resolved against dirIdx.
// followSymlinks=false uses the symlink-aware (Lstat) metadata call.
func (v *VFS) PathFilestatGet(dirIdx int, relPath string, followSymlinks bool) (Filestat, Errno) {
	dir, errno := v.getDir(dirIdx)
	if errno != ErrnoSuccess {
		return Filestat{}, errno
	}
	if err := dir.dirRights.Can(rights.PathFilestatGet); err != nil {
		return Filestat{}, asErrno(err)
	}
	real, errno := v.resolve(dir, relPath)
	if errno != ErrnoSuccess {
		return Filestat{}, errno
	}
	var info os.FileInfo
	var err error
	if followSymlinks {
		info, err = os.Stat(real)
	} else {
		info, err = os.Lstat(real)
	}
	if err != nil {
		return Filestat{}, errnoFromOSErr(err)
	}
	return filestatFromInfo(info), ErrnoSuccess
}

// FdFilestatGet returns metadata for an already-open file or directory.
func (v *VFS) FdFilestatGet(idx int) (Filestat, Errno) {
	n, errno := v.get(idx)
	if errno != ErrnoSuccess {
		return Filestat{}, errno
	}
	if n.isDir() {
		if err := n.dir.dirRights.Can(rights.FDFilestatGet); err != nil {
			return Filestat{}, asErrno(err)
		}
		info, err := os.Stat(n.dir.realPath)
		if err != nil {
			return Filestat{}, errnoFromOSErr(err)
		}
		return filestatFromInfo(info), ErrnoSuccess
	}
	if err := n.file.rights.Can(rights.FDFilestatGet); err != nil {
		return Filestat{}, asErrno(err)
	}
	info, err := n.file.handle.Stat()
	if err != nil {
		return Filestat{}, errnoFromOSErr(err)
	}
	return filestatFromInfo(info), ErrnoSuccess
}

func (v *VFS) checkWriteQuota(f *fileInode, incoming int) Errno {
	info, err := f.handle.Stat()
	if err != nil {
		return errnoFromOSErr(err)
	}
	if info.Size()+int64(incoming) >= FileWriteLimit {
		return ErrnoNospc
	}
	return ErrnoSuccess
}

// checkWriteQuotaAt checks the quota for a write landing at an explicit
// offset, as WriteAt extends the file to offset+incoming regardless of its
// prior size.
func (v *VFS) checkWriteQuotaAt(offset int64, incoming int) Errno {
	if offset+int64(incoming) >= FileWriteLimit {
		return ErrnoNospc
	}
	return ErrnoSuccess
}

// FdRead reads into bufs sequentially, vectored, from the file's current
// offset.
func (v *VFS) FdRead(idx int, bufs [][]byte) (uint32, Errno) {
	f, errno := v.getFile(idx)
	if errno != ErrnoSuccess {
		return 0, errno
	}
	if err := f.rights.Can(rights.FDRead); err != nil {
		return 0, asErrno(err)
	}
	var total uint32
	for _, b := range bufs {
		n, err := f.handle.Read(b)
		total += uint32(n)
		if err != nil {
			if err == io.EOF {
				break
			}
			return total, errnoFromOSErr(err)
		}
		if n < len(b) {
			break
		}
	}
	return total, ErrnoSuccess
}

// FdPread reads at offset without disturbing the file's current position.
func (v *VFS) FdPread(idx int, bufs [][]byte, offset int64) (uint32, Errno) {
	f, errno := v.getFile(idx)
	if errno != ErrnoSuccess {
		return 0, errno
	}
	if err := f.rights.Can(rights.FDRead); err != nil {
		return 0, asErrno(err)
	}
	saved, err := f.handle.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, errnoFromOSErr(err)
	}
	defer f.handle.Seek(saved, io.SeekStart)

	var total uint32
	for _, b := range bufs {
		n, err := f.handle.ReadAt(b, offset)
		total += uint32(n)
		offset += int64(n)
		if err != nil {
			if err == io.EOF {
				break
			}
			return total, errnoFromOSErr(err)
		}
		if n < len(b) {
			break
		}
	}
	return total, ErrnoSuccess
}

// FdWrite writes bufs sequentially at the file's current offset, enforcing
// FileWriteLimit before each underlying write.
func (v *VFS) FdWrite(idx int, bufs [][]byte) (uint32, Errno) {
	f, errno := v.getFile(idx)
	if errno != ErrnoSuccess {
		return 0, errno
	}
	if err := f.rights.Can(rights.FDWrite); err != nil {
		return 0, asErrno(err)
	}
	var total uint32
	for _, b := range bufs {
		if errno := v.checkWriteQuota(f, len(b)); errno != ErrnoSuccess {
			return total, errno
		}
		n, err := f.handle.Write(b)
		total += uint32(n)
		if err != nil {
			return total, errnoFromOSErr(err)
		}
	}
	return total, ErrnoSuccess
}

// FdPwrite writes at offset without disturbing the file's current position,
// enforcing FileWriteLimit before each underlying write.
func (v *VFS) FdPwrite(idx int, bufs [][]byte, offset int64) (uint32, Errno) {
	f, errno := v.getFile(idx)
	if errno != ErrnoSuccess {
		return 0, errno
	}
	if err := f.rights.Can(rights.FDWrite); err != nil {
		return 0, asErrno(err)
	}
	saved, err := f.handle.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, errnoFromOSErr(err)
	}
	defer f.handle.Seek(saved, io.SeekStart)

	var total uint32
	for _, b := range bufs {
		if errno := v.checkWriteQuotaAt(offset, len(b)); errno != ErrnoSuccess {
			return total, errno
		}
		n, err := f.handle.WriteAt(b, offset)
		total += uint32(n)
		offset += int64(n)
		if err != nil {
			return total, errnoFromOSErr(err)
		}
	}
	return total, ErrnoSuccess
}

// FdAllocate extends the file to offset+length if necessary, restoring the
// stream position afterward.
func (v *VFS) FdAllocate(idx int, offset, length int64) Errno {
	f, errno := v.getFile(idx)
	if errno != ErrnoSuccess {
		return errno
	}
	if err := f.rights.Can(rights.FDAllocate); err != nil {
		return asErrno(err)
	}
	info, err := f.handle.Stat()
	if err != nil {
		return errnoFromOSErr(err)
	}
	want := offset + length
	if want <= info.Size() {
		return ErrnoSuccess
	}
	if want > FileWriteLimit {
		return ErrnoNospc
	}
	saved, err := f.handle.Seek(0, io.SeekCurrent)
	if err != nil {
		return errnoFromOSErr(err)
	}
	defer f.handle.Seek(saved, io.SeekStart)
	if err := f.handle.Truncate(want); err != nil {
		return errnoFromOSErr(err)
	}
	return ErrnoSuccess
}

// FdSeek repositions the file's offset. A zero-offset seek-from-current
// only requires FDTell; every other combination requires both FDSeek and
// FDTell.
func (v *VFS) FdSeek(idx int, offset int64, whence Whence) (int64, Errno) {
	f, errno := v.getFile(idx)
	if errno != ErrnoSuccess {
		return 0, errno
	}
	if offset == 0 && whence == WhenceCur {
		if err := f.rights.Can(rights.FDTell); err != nil {
			return 0, asErrno(err)
		}
	} else {
		if err := f.rights.Can(rights.FDSeek | rights.FDTell); err != nil {
			return 0, asErrno(err)
		}
	}
	var w int
	switch whence {
	case WhenceSet:
		w = io.SeekStart
	case WhenceCur:
		w = io.SeekCurrent
	case WhenceEnd:
		w = io.SeekEnd
	default:
		return 0, ErrnoInval
	}
	n, err := f.handle.Seek(offset, w)
	if err != nil {
		return 0, errnoFromOSErr(err)
	}
	return n, ErrnoSuccess
}

// FdTell returns the file's current offset.
func (v *VFS) FdTell(idx int) (int64, Errno) {
	f, errno := v.getFile(idx)
	if errno != ErrnoSuccess {
		return 0, errno
	}
	if err := f.rights.Can(rights.FDTell); err != nil {
		return 0, asErrno(err)
	}
	n, err := f.handle.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, errnoFromOSErr(err)
	}
	return n, ErrnoSuccess
}

// FdDatasync delegates to the host.
func (v *VFS) FdDatasync(idx int) Errno {
	f, errno := v.getFile(idx)
	if errno != ErrnoSuccess {
		return errno
	}
	if err := f.rights.Can(rights.FDDatasync); err != nil {
		return asErrno(err)
	}
	if err := f.handle.Sync(); err != nil {
		return errnoFromOSErr(err)
	}
	return ErrnoSuccess
}

// FdSync delegates to the host.
func (v *VFS) FdSync(idx int) Errno {
	f, errno := v.getFile(idx)
	if errno != ErrnoSuccess {
		return errno
	}
	if err := f.rights.Can(rights.FDSync); err != nil {
		return asErrno(err)
	}
	if err := f.handle.Sync(); err != nil {
		return errnoFromOSErr(err)
	}
	return ErrnoSuccess
}

// FdFilestatSetTimes decodes fstflags and translates to a host utimes-like
// call. Contradictory flag combinations (both absolute and NOW for the
// same field) are invalid.
func (v *VFS) FdFilestatSetTimes(idx int, atim, mtim int64, fstflags FilestatSetTimesFlags) Errno {
	f, errno := v.getFile(idx)
	if errno != ErrnoSuccess {
		return errno
	}
	if err := f.rights.Can(rights.FDFilestatSetTimes); err != nil {
		return asErrno(err)
	}
	if fstflags.has(FstAtim) && fstflags.has(FstAtimNow) {
		return ErrnoInval
	}
	if fstflags.has(FstMtim) && fstflags.has(FstMtimNow) {
		return ErrnoInval
	}
	now := time.Now()
	var at, mt time.Time
	haveAt, haveMt := false, false
	switch {
	case fstflags.has(FstAtimNow):
		at, haveAt = now, true
	case fstflags.has(FstAtim):
		at, haveAt = time.Unix(0, atim), true
	}
	switch {
	case fstflags.has(FstMtimNow):
		mt, haveMt = now, true
	case fstflags.has(FstMtim):
		mt, haveMt = time.Unix(0, mtim), true
	}
	if !haveAt && !haveMt {
		return ErrnoSuccess
	}
	return setFileTimes(f.handle.Name(), haveAt, at, haveMt, mt)
}

// FdFdstatSetFlags adjusts fdflags post-open. NONBLOCK combined with any
// sync flag is invalid; APPEND cannot be toggled after open.
func (v *VFS) FdFdstatSetFlags(idx int, flags FDFlags) Errno {
	f, errno := v.getFile(idx)
	if errno != ErrnoSuccess {
		return errno
	}
	if err := f.rights.Can(rights.FDFdstatSetFlags); err != nil {
		return asErrno(err)
	}
	if flags.has(FDFlagNonblock) && flags.has(syncFlags) {
		return ErrnoInval
	}
	if flags.has(FDFlagAppend) != f.fdflags.has(FDFlagAppend) {
		return ErrnoNosys
	}
	f.fdflags = flags
	return ErrnoSuccess
}

// DirEntry is one entry yielded by GetReaddir.
type DirEntry struct {
	Name     string
	Ino      uint64
	Filetype Filetype
}

// GetReaddir produces entries in the fixed order ".", "..", then host
// directory entries, skipping the first (cookie-2) of them when cookie>=2.
// Mutating the directory between calls with different cookies may
// duplicate or skip entries; this matches the upstream behavior and is a
// documented open question, not a bug to fix here.
func (v *VFS) GetReaddir(idx int, cookie uint64) ([]DirEntry, Errno) {
	dir, errno := v.getDir(idx)
	if errno != ErrnoSuccess {
		return nil, errno
	}
	if err := dir.dirRights.Can(rights.FDReaddir); err != nil {
		return nil, asErrno(err)
	}

	osEntries, err := os.ReadDir(dir.realPath)
	if err != nil {
		return nil, errnoFromOSErr(err)
	}
	sort.Slice(osEntries, func(i, j int) bool { return osEntries[i].Name() < osEntries[j].Name() })

	var out []DirEntry
	if cookie == 0 {
		out = append(out, DirEntry{Name: ".", Ino: uint64(idx), Filetype: FiletypeDirectory})
	}
	if cookie <= 1 {
		out = append(out, DirEntry{Name: "..", Ino: uint64(idx), Filetype: FiletypeDirectory})
	}
	skip := 0
	if cookie > 2 {
		skip = int(cookie - 2)
	}
	if skip > len(osEntries) {
		skip = len(osEntries)
	}
	for _, e := range osEntries[skip:] {
		name := e.Name()
		if !utf8.ValidString(name) {
			return out, ErrnoIlseq
		}
		ft := FiletypeRegularFile
		switch {
		case e.IsDir():
			ft = FiletypeDirectory
		case e.Type()&os.ModeSymlink != 0:
			ft = FiletypeSymbolicLink
		}
		out = append(out, DirEntry{Name: name, Filetype: ft})
	}
	return out, ErrnoSuccess
}
