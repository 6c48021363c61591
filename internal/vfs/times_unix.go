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
	"time"

	"golang.org/x/sys/unix"
)

// setFileTimes applies atime/mtime to path via utimensat, using UTIME_OMIT
// for whichever of the two was not requested.
func setFileTimes(path string, haveAtim bool, atim time.Time, haveMtim bool, mtim time.Time) Errno {
	ts := [2]unix.Timespec{
		{Nsec: unix.UTIME_OMIT},
		{Nsec: unix.UTIME_OMIT},
	}
	if haveAtim {
		ts[0] = unix.NsecToTimespec(atim.UnixNano())
	}
	if haveMtim {
		ts[1] = unix.NsecToTimespec(mtim.UnixNano())
	}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, ts[:], 0); err != nil {
		return errnoFromSyscall(err)
	}
	return ErrnoSuccess
}
