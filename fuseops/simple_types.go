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

package fuseops

import (
	"fmt"
	"os"
	"time"
)

// A 64-bit number used to uniquely identify a file or directory in the file
// system. File systems may mint inode IDs with any value except for
// RootInodeID.
//
// This corresponds to struct inode::i_no in the VFS layer.
// (Cf. http://goo.gl/tvYyQt)
type InodeID uint64

// A distinguished inode ID that identifies the root of the file system, e.g.
// in an OpenDirOp or LookUpInodeOp. Unlike all other inode IDs, which are
// minted by the file system, the peer makes use of this ID without the file
// system ever having referenced it, and it is never forgotten.
const RootInodeID = 1

func init() {
	// Make sure the constant above is correct. We do this at runtime rather than
	// defining the constant in terms of fusekernel.RootID for two reasons:
	//
	//  1. Users can more clearly see that the root ID is low and can therefore
	//     be used as e.g. an array index, with space reserved up to the root.
	//
	//  2. The constant can be untyped and can therefore more easily be used as
	//     an array index.
	//
	if RootInodeID != rootID {
		panic(
			fmt.Sprintf(
				"Oops, RootInodeID is wrong: %v vs. %v",
				RootInodeID,
				rootID))
	}
}

// Attributes for a file or directory inode. Corresponds to struct inode (cf.
// http://goo.gl/tvYyQt).
type InodeAttributes struct {
	// The inode number stat(2) reports. Zero means the inode ID.
	Ino uint64

	Size   uint64
	Blocks uint64

	// The number of incoming hard links to this inode.
	Nlink uint32

	// The mode of the inode, including its type bits. See ConvertFileMode.
	Mode os.FileMode

	// The device number, for device special files.
	Rdev uint32

	// The preferred block size for I/O.
	Blksize uint32

	// Time information. See `man 2 stat` for full details.
	Atime time.Time // Time of last access
	Mtime time.Time // Time of last modification
	Ctime time.Time // Time of last modification to inode

	// Ownership information
	Uid uint32
	Gid uint32
}

func (a *InodeAttributes) DebugString() string {
	return fmt.Sprintf(
		"%d %d %v %d %d",
		a.Size,
		a.Nlink,
		a.Mode,
		a.Uid,
		a.Gid)
}

// A generation number for an inode. Irrelevant for file systems that won't
// be exported over NFS. For those that will and that reuse inode IDs when
// they become free, the generation number must change when an ID is reused.
type GenerationNumber uint64

// An opaque 64-bit number used to identify a particular open handle to a
// file or directory.
//
// This corresponds to fuse_file_info::fh.
type HandleID uint64

// An offset into an open directory handle. This is opaque to FUSE, and can be
// used for whatever purpose the file system desires. See notes on
// ReadDirOp.Offset for details.
type DirOffset uint64

// Information about a child inode within its parent directory. Shared by
// LookUpInodeOp, MkDirOp, CreateFileOp, etc. Consumed by the peer in order
// to set up a dcache entry.
type ChildInodeEntry struct {
	// The ID of the child inode. The file system must ensure that the returned
	// inode ID remains valid until a later ForgetInodeOp.
	Child InodeID

	// A generation number for this incarnation of the inode with the given ID.
	Generation GenerationNumber

	// Current attributes for the child inode, and the time at which the peer
	// should stop trusting them. The zero time means "don't cache".
	Attributes           InodeAttributes
	AttributesExpiration time.Time

	// The time until which the peer may maintain an entry for this child in
	// its dentry cache.
	EntryExpiration time.Time
}

// The type of a lock requested by FlockOp.
type FileLockType uint32

const (
	F_RDLOCK FileLockType = iota
	F_WRLOCK
	F_UNLOCK
)

func (t FileLockType) String() string {
	switch t {
	case F_RDLOCK:
		return "F_RDLOCK"
	case F_WRLOCK:
		return "F_WRLOCK"
	case F_UNLOCK:
		return "F_UNLOCK"
	}

	return fmt.Sprintf("FileLockType(%d)", uint32(t))
}
