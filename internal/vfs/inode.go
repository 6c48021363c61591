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

// Package vfs implements the capability-scoped virtual filesystem a guest
// sees through its single preopened root: a dense inode table mapping
// opaque integer handles onto either a directory or a file, each carrying
// its own rights set, backed by one bounded host directory.
package vfs

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/wasmfaas/host/internal/rights"
)

// FileWriteLimit is the soft per-file write quota enforced before every
// fd_write/fd_pwrite/fd_allocate.
const FileWriteLimit int64 = 300 * 1024 * 1024

// RootInode is the index of the preopened root directory, established once
// per VFS instance.
const RootInode = 0

type dirInode struct {
	realPath   string
	dirRights  rights.Rights
	fileRights rights.Rights
}

type fileInode struct {
	handle  *os.File
	fdflags FDFlags
	rights  rights.Rights
}

// inode is the tagged union of the two node kinds the sandbox ever holds.
// Exactly one of dir/file is non-nil.
type inode struct {
	dir  *dirInode
	file *fileInode
}

func (n *inode) isDir() bool { return n.dir != nil }

// VFS is a capability FS rooted at one preopened host directory. It owns a
// dense, index-keyed inode table with free-list reuse; the guest only ever
// sees opaque integer indices into this table. A VFS is created fresh per
// invocation and torn down (Close) when the invocation completes.
type VFS struct {
	root  string
	table []*inode
	free  []int
}

// New canonicalizes hostDir and establishes it as the preopen root at
// RootInode, with the maximal in-process rights a directory can carry.
func New(hostDir string) (*VFS, error) {
	abs, err := filepath.Abs(hostDir)
	if err != nil {
		return nil, err
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(real)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, &os.PathError{Op: "open", Path: real, Err: os.ErrInvalid}
	}
	v := &VFS{root: real}
	v.table = append(v.table, &inode{dir: &dirInode{
		realPath:   real,
		dirRights:  rights.DirBase,
		fileRights: rights.FileBase,
	}})
	return v, nil
}

// Close releases every still-open file handle and empties the table. It is
// called exactly once, at invocation teardown.
func (v *VFS) Close() {
	for _, n := range v.table {
		if n != nil && n.file != nil {
			_ = n.file.handle.Close()
		}
	}
	v.table = nil
	v.free = nil
}

func (v *VFS) get(idx int) (*inode, Errno) {
	if idx < 0 || idx >= len(v.table) || v.table[idx] == nil {
		return nil, ErrnoBadf
	}
	return v.table[idx], ErrnoSuccess
}

func (v *VFS) getDir(idx int) (*dirInode, Errno) {
	n, errno := v.get(idx)
	if errno != ErrnoSuccess {
		return nil, errno
	}
	if !n.isDir() {
		return nil, ErrnoNotdir
	}
	return n.dir, ErrnoSuccess
}

func (v *VFS) getFile(idx int) (*fileInode, Errno) {
	n, errno := v.get(idx)
	if errno != ErrnoSuccess {
		return nil, errno
	}
	if n.isDir() {
		return nil, ErrnoIsdir
	}
	return n.file, ErrnoSuccess
}

// alloc inserts n into the table, reusing a freed slot when available, and
// returns its index.
func (v *VFS) alloc(n *inode) int {
	if len(v.free) > 0 {
		idx := v.free[len(v.free)-1]
		v.free = v.free[:len(v.free)-1]
		v.table[idx] = n
		return idx
	}
	v.table = append(v.table, n)
	return len(v.table) - 1
}

// FClose silently removes an inode. Closing an already-closed or unknown
// inode is a no-op, per spec.
func (v *VFS) FClose(idx int) {
	if idx == RootInode {
		return
	}
	if idx < 0 || idx >= len(v.table) || v.table[idx] == nil {
		return
	}
	if f := v.table[idx].file; f != nil {
		_ = f.handle.Close()
	}
	v.table[idx] = nil
	v.free = append(v.free, idx)
}

// resolve absolutizes relPath against dir.realPath and verifies the result
// cannot escape the sandbox root. It never touches the host filesystem.
func (v *VFS) resolve(dir *dirInode, relPath string) (string, Errno) {
	candidate := filepath.Join(dir.realPath, relPath)
	if candidate != v.root && !strings.HasPrefix(candidate, v.root+string(os.PathSeparator)) {
		return "", ErrnoNoent
	}
	return candidate, ErrnoSuccess
}
