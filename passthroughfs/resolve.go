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
	"os"
	"strings"

	"github.com/ansel1/merry"
	"github.com/jacobsa/passthrough-fuse"
	"golang.org/x/sys/unix"
)

// How many times parentAndName starts over after losing a race with a
// rename or unlink.
const parentRetries = 2

// Find the directory containing in and the name of in within it, by asking
// the host where in's descriptor points. The caller must unref the returned
// parent.
//
// Used only for symlinks, which the host has no descriptor-relative
// primitive for. The result is checked, but nothing stops the entry being
// renamed again between the check and its use.
func (fs *passthroughFS) parentAndName(in *inode) (parent *inode, name string, err error) {
	for attempt := 0; attempt <= parentRetries; attempt++ {
		var target string
		if target, err = os.Readlink(in.procPath()); err != nil {
			break
		}

		i := strings.LastIndexByte(target, '/')
		if i < 0 {
			err = merry.Errorf("unexpected path %q for %v", target, in.key)
			break
		}

		dir := target[:i]
		if dir == "" {
			dir = "/"
		}

		name = target[i+1:]

		var st unix.Stat_t
		if err = unix.Stat(dir, &st); err != nil {
			continue
		}

		if parent = fs.reg.find(keyForStat(&st)); parent == nil {
			err = merry.Errorf("parent %q of %v is not registered", dir, in.key)
			continue
		}

		err = unix.Fstatat(parent.fd, name, &st, unix.AT_SYMLINK_NOFOLLOW)
		if err == nil && keyForStat(&st) == in.key {
			return
		}

		if err == nil {
			err = merry.Errorf("%q no longer names %v", target, in.key)
		}

		fs.reg.unref(parent, 1)
		parent = nil
	}

	fs.errorLogger.Printf("parentAndName(%v): %v", in.key, err)
	err = fuse.WithErrno(merry.Prepend(err, "resolving parent"), fuse.EIO)

	return
}

// Set the times of in, which may be a symlink.
func (fs *passthroughFS) utimensatEmpty(in *inode, ts []unix.Timespec) (err error) {
	if !in.isSymlink {
		err = unix.UtimesNanoAt(unix.AT_FDCWD, in.procPath(), ts, 0)
		return
	}

	err = unix.UtimesNanoAt(in.fd, "", ts, unix.AT_EMPTY_PATH)
	if err != unix.EINVAL {
		return
	}

	// No race free way to do this on this host.
	if fs.cfg.NoRace {
		err = fuse.EPERM
		return
	}

	parent, name, err := fs.parentAndName(in)
	if err != nil {
		return
	}

	defer fs.reg.unref(parent, 1)
	err = unix.UtimesNanoAt(parent.fd, name, ts, unix.AT_SYMLINK_NOFOLLOW)

	return
}

// Hard link in into the directory dirFd under name, without following in if
// it is a symlink.
func (fs *passthroughFS) linkatEmptyNoFollow(in *inode, dirFd int, name string) (err error) {
	if !in.isSymlink {
		err = unix.Linkat(unix.AT_FDCWD, in.procPath(), dirFd, name, unix.AT_SYMLINK_FOLLOW)
		return
	}

	err = unix.Linkat(in.fd, "", dirFd, name, unix.AT_EMPTY_PATH)
	if err != unix.ENOENT && err != unix.EINVAL {
		return
	}

	// No race free way to hard link a symlink without CAP_DAC_READ_SEARCH.
	if fs.cfg.NoRace {
		err = fuse.EPERM
		return
	}

	parent, oldName, err := fs.parentAndName(in)
	if err != nil {
		return
	}

	defer fs.reg.unref(parent, 1)
	err = unix.Linkat(parent.fd, oldName, dirFd, name, 0)

	return
}
