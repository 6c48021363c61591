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

// OFlags are the WASI open flags passed to path_open.
type OFlags uint16

const (
	OFlagCreate    OFlags = 1 << 0
	OFlagDirectory OFlags = 1 << 1
	OFlagExclusive OFlags = 1 << 2
	OFlagTruncate  OFlags = 1 << 3
)

func (f OFlags) has(bit OFlags) bool { return f&bit != 0 }

// FDFlags are the WASI file descriptor flags passed to path_open and
// fd_fdstat_set_flags.
type FDFlags uint16

const (
	FDFlagAppend   FDFlags = 1 << 0
	FDFlagDSync    FDFlags = 1 << 1
	FDFlagNonblock FDFlags = 1 << 2
	FDFlagRSync    FDFlags = 1 << 3
	FDFlagSync     FDFlags = 1 << 4
)

func (f FDFlags) has(bit FDFlags) bool { return f&bit != 0 }

// syncFlags is the set of flags path_open rejects outright, since this
// sandbox never write-synchronizes through the guest's control.
const syncFlags = FDFlagDSync | FDFlagSync | FDFlagRSync

// Whence selects the origin fd_seek computes its new offset from.
type Whence uint8

const (
	WhenceSet Whence = 0
	WhenceCur Whence = 1
	WhenceEnd Whence = 2
)

// FilestatSetTimesFlags decode the four bits of fd_filestat_set_times'
// fst_flags parameter.
type FilestatSetTimesFlags uint16

const (
	FstAtim    FilestatSetTimesFlags = 1 << 0
	FstAtimNow FilestatSetTimesFlags = 1 << 1
	FstMtim    FilestatSetTimesFlags = 1 << 2
	FstMtimNow FilestatSetTimesFlags = 1 << 3
)

func (f FilestatSetTimesFlags) has(bit FilestatSetTimesFlags) bool { return f&bit != 0 }

// Filetype mirrors the WASI filetype enumeration, restricted to the kinds
// this sandbox can produce.
type Filetype uint8

const (
	FiletypeUnknown      Filetype = 0
	FiletypeDirectory    Filetype = 3
	FiletypeRegularFile  Filetype = 4
	FiletypeSymbolicLink Filetype = 7
)
