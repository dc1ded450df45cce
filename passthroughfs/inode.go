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
	"time"

	"github.com/google/btree"
	"github.com/jacobsa/passthrough-fuse/fuseops"
	"golang.org/x/sys/unix"
)

// The identity of a file on the host.
type inodeKey struct {
	dev uint64
	ino uint64
}

func keyForStat(st *unix.Stat_t) inodeKey {
	return inodeKey{dev: uint64(st.Dev), ino: st.Ino}
}

func (k inodeKey) less(o inodeKey) bool {
	if k.dev != o.dev {
		return k.dev < o.dev
	}

	return k.ino < o.ino
}

func (k inodeKey) String() string {
	return fmt.Sprintf("%d:%d", k.dev, k.ino)
}

// One record per host file the peer holds references to.
type inode struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	id  fuseops.InodeID
	key inodeKey

	// An O_PATH descriptor for the file. Closed when the record is destroyed.
	fd int

	isSymlink bool

	/////////////////////////
	// Mutable state
	/////////////////////////

	// The peer's lookup count.
	//
	// INVARIANT: lookupCount > 0 unless destroyed or the root
	//
	// GUARDED_BY(registry.mu)
	lookupCount uint64

	// GUARDED_BY(registry.mu)
	destroyed bool
}

var _ btree.Item = &inode{}

// Records are ordered in the identity index by key.
func (in *inode) Less(than btree.Item) bool {
	return in.key.less(than.(*inode).key)
}

// A path through which the host kernel reopens the descriptor.
func (in *inode) procPath() string {
	return procPath(in.fd)
}

func procPath(fd int) string {
	return fmt.Sprintf("/proc/self/fd/%d", fd)
}

// Stat the file without following it if it is a symlink.
func statFd(fd int) (st unix.Stat_t, err error) {
	err = unix.Fstatat(fd, "", &st, unix.AT_EMPTY_PATH|unix.AT_SYMLINK_NOFOLLOW)
	return
}

// Convert a host stat result into the attributes handed to the peer.
func convertStat(st *unix.Stat_t) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Ino:     st.Ino,
		Size:    uint64(st.Size),
		Blocks:  uint64(st.Blocks),
		Nlink:   uint32(st.Nlink),
		Mode:    fuseops.ConvertFileMode(st.Mode),
		Rdev:    uint32(st.Rdev),
		Blksize: uint32(st.Blksize),
		Atime:   time.Unix(st.Atim.Unix()),
		Mtime:   time.Unix(st.Mtim.Unix()),
		Ctime:   time.Unix(st.Ctim.Unix()),
		Uid:     st.Uid,
		Gid:     st.Gid,
	}
}

func isSymlinkMode(mode uint32) bool {
	return mode&unix.S_IFMT == unix.S_IFLNK
}
