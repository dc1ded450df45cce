// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package passthroughfs

import (
	"fmt"
	"runtime"

	"github.com/jacobsa/passthrough-fuse/fuseops"
	"golang.org/x/sys/unix"
)

// Run f with the effective uid and gid of the process that made the request,
// so that anything f creates is owned by that process.
//
// The credentials are changed with raw setresuid(2) and setresgid(2) calls,
// which affect only the calling thread, so the goroutine stays locked to its
// thread while they are in force. If the original credentials cannot be
// restored the thread is unusable and we panic.
func (fs *passthroughFS) withCreds(opCtx fuseops.OpContext, f func() error) error {
	if !fs.cfg.SwitchCredentials {
		return f()
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	euid := unix.Geteuid()
	egid := unix.Getegid()

	if err := setres(unix.SYS_SETRESGID, int(opCtx.Gid)); err != nil {
		return err
	}

	if err := setres(unix.SYS_SETRESUID, int(opCtx.Uid)); err != nil {
		restore(unix.SYS_SETRESGID, egid)
		return err
	}

	err := f()

	restore(unix.SYS_SETRESUID, euid)
	restore(unix.SYS_SETRESGID, egid)

	return err
}

// Set the calling thread's effective id, leaving the real and saved ids
// alone. trap is SYS_SETRESUID or SYS_SETRESGID.
func setres(trap uintptr, id int) error {
	_, _, errno := unix.RawSyscall(trap, ^uintptr(0), uintptr(id), ^uintptr(0))
	if errno != 0 {
		return errno
	}

	return nil
}

func restore(trap uintptr, id int) {
	if err := setres(trap, id); err != nil {
		panic(fmt.Sprintf("restoring effective id %d: %v", id, err))
	}
}
