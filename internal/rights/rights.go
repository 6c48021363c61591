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

// Package rights implements the capability bitmask gating every directory
// and file operation the sandbox filesystem exposes to a guest.
package rights

import "fmt"

// Rights is a bitmask of capabilities held by a directory or file handle.
type Rights uint64

// The fixed, stable enumeration of capability bits. Values are only ever
// persisted within a single invocation's memory; they are never encoded on
// the wire or to disk.
const (
	FDRead Rights = 1 << iota
	FDWrite
	FDSeek
	FDTell
	FDAllocate
	FDDatasync
	FDSync
	FDFdstatSetFlags
	FDFilestatGet
	FDFilestatSetSize
	FDFilestatSetTimes
	FDReaddir

	PathCreateDirectory
	PathRemoveDirectory
	PathFilestatGet
)

// None grants no capabilities.
const None Rights = 0

// DirBase is what a freshly opened directory handle carries for directory
// level operations.
const DirBase = FDFilestatGet | FDFilestatSetTimes | FDReaddir |
	PathCreateDirectory | PathRemoveDirectory | PathFilestatGet

// FileBase is the ceiling inherited by regular files opened through a
// directory handle with no further narrowing.
const FileBase = FDRead | FDWrite | FDSeek | FDTell | FDAllocate |
	FDDatasync | FDSync | FDFdstatSetFlags | FDFilestatGet |
	FDFilestatSetSize | FDFilestatSetTimes

// ErrAccessDenied is returned by Can when the required rights are not a
// subset of the rights held.
type ErrAccessDenied struct {
	Required Rights
	Held     Rights
}

func (e *ErrAccessDenied) Error() string {
	return fmt.Sprintf("rights: access denied: required %#x, held %#x", uint64(e.Required), uint64(e.Held))
}

// Can reports whether self satisfies required, i.e. required is a subset of
// self. It returns an *ErrAccessDenied otherwise.
func (self Rights) Can(required Rights) error {
	if required&^self != 0 {
		return &ErrAccessDenied{Required: required, Held: self}
	}
	return nil
}

// Has is a boolean-returning variant of Can, convenient for branching
// without allocating an error.
func (self Rights) Has(required Rights) bool {
	return required&^self == 0
}

// Intersect returns the bitwise AND of self and other, used when narrowing
// rights inherited across a path_open call.
func (self Rights) Intersect(other Rights) Rights {
	return self & other
}

// String renders the set of held rights for diagnostics.
func (self Rights) String() string {
	if self == None {
		return "none"
	}
	names := []struct {
		bit  Rights
		name string
	}{
		{FDRead, "fd_read"},
		{FDWrite, "fd_write"},
		{FDSeek, "fd_seek"},
		{FDTell, "fd_tell"},
		{FDAllocate, "fd_allocate"},
		{FDDatasync, "fd_datasync"},
		{FDSync, "fd_sync"},
		{FDFdstatSetFlags, "fd_fdstat_set_flags"},
		{FDFilestatGet, "fd_filestat_get"},
		{FDFilestatSetSize, "fd_filestat_set_size"},
		{FDFilestatSetTimes, "fd_filestat_set_times"},
		{FDReaddir, "fd_readdir"},
		{PathCreateDirectory, "path_create_directory"},
		{PathRemoveDirectory, "path_remove_directory"},
		{PathFilestatGet, "path_filestat_get"},
	}
	out := ""
	for _, n := range names {
		if self.Has(n.bit) {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	if out == "" {
		return "none"
	}
	return out
}
