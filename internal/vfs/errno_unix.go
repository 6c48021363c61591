//go:build unix

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
	"syscall"

	"golang.org/x/sys/unix"
)

// errnoFromSyscall maps a raw unix errno, as surfaced through fs.PathError,
// onto the WASI errno it corresponds to.
func errnoFromSyscall(err error) Errno {
	errno, ok := err.(syscall.Errno)
	if !ok {
		return ErrnoIo
	}
	switch errno {
	case unix.EACCES, unix.EPERM:
		return ErrnoAcces
	case unix.ENOENT:
		return ErrnoNoent
	case unix.EEXIST:
		return ErrnoExist
	case unix.ENOTDIR:
		return ErrnoNotdir
	case unix.EISDIR:
		return ErrnoIsdir
	case unix.ENOSPC, unix.EDQUOT:
		return ErrnoNospc
	case unix.EINVAL:
		return ErrnoInval
	case unix.ENOSYS, unix.EOPNOTSUPP:
		return ErrnoNosys
	case unix.EBADF:
		return ErrnoBadf
	default:
		return ErrnoIo
	}
}
