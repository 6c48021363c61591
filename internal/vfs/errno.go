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
	"errors"
	"io/fs"
)

// Errno mirrors the WASI preview1 errno numbering. Only the subset this
// sandbox ever returns is named; the rest exist so numeric values line up
// with the spec guests expect.
type Errno uint32

const (
	ErrnoSuccess Errno = 0
	ErrnoAcces   Errno = 2
	ErrnoBadf    Errno = 8
	ErrnoExist   Errno = 20
	ErrnoFault   Errno = 21
	ErrnoIlseq   Errno = 25
	ErrnoInval   Errno = 28
	ErrnoIo      Errno = 29
	ErrnoIsdir   Errno = 31
	ErrnoNoent   Errno = 44
	ErrnoNospc   Errno = 51
	ErrnoNosys   Errno = 52
	ErrnoNotdir  Errno = 54
	ErrnoNotsup  Errno = 58
)

func (e Errno) Error() string {
	switch e {
	case ErrnoSuccess:
		return "success"
	case ErrnoAcces:
		return "access denied"
	case ErrnoBadf:
		return "bad file descriptor"
	case ErrnoExist:
		return "already exists"
	case ErrnoFault:
		return "memory out of bounds"
	case ErrnoIlseq:
		return "illegal byte sequence"
	case ErrnoInval:
		return "invalid argument"
	case ErrnoIo:
		return "i/o error"
	case ErrnoIsdir:
		return "is a directory"
	case ErrnoNoent:
		return "no such file or directory"
	case ErrnoNospc:
		return "no space left"
	case ErrnoNosys:
		return "not supported"
	case ErrnoNotdir:
		return "not a directory"
	case ErrnoNotsup:
		return "not supported"
	default:
		return "unknown errno"
	}
}

// errnoFromOSErr maps a host I/O error onto its WASI errno 1:1.
func errnoFromOSErr(err error) Errno {
	if err == nil {
		return ErrnoSuccess
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrnoNoent
	case errors.Is(err, fs.ErrExist):
		return ErrnoExist
	case errors.Is(err, fs.ErrPermission):
		return ErrnoAcces
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return errnoFromSyscall(pathErr.Err)
	}
	return ErrnoIo
}

// asErrno coerces an arbitrary error, including a *rights.ErrAccessDenied
// or an Errno already, into an Errno.
func asErrno(err error) Errno {
	if err == nil {
		return ErrnoSuccess
	}
	var errno Errno
	if errors.As(err, &errno) {
		return errno
	}
	return errnoFromOSErr(err)
}
