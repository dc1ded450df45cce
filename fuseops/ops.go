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

// Package fuseops contains ops that may be returned by
// fuse.Connection.ReadOp. See documentation in that package for more.
package fuseops

import (
	"os"
	"time"
)

////////////////////////////////////////////////////////////////////////
// Session
////////////////////////////////////////////////////////////////////////

// Sent once when the peer negotiates the protocol, and again if it
// re-initializes the session. The connection fills in the peer's protocol,
// the capabilities it offers, and a default set of wanted capabilities; the
// file system may add to or remove from Want.
//
// Returning an error, or wanting a capability the peer does not offer, fails
// the negotiation and ends the session.
type InitOp struct {
	OpContext OpContext

	// The protocol version the peer proposed.
	Kernel Protocol

	// What the peer offers.
	Capable Capabilities

	// What will be enabled. Must remain a subset of Capable.
	Want Capabilities

	// Set when the peer sent INIT to a session that was already active. The
	// file system has been asked to destroy its previous state first.
	Reinit bool
}

// Sent when the peer is finished with the file system, either explicitly or
// because the transport went away while the session was active. The file
// system should release everything it holds on behalf of the peer.
type DestroyOp struct {
	OpContext OpContext
}

////////////////////////////////////////////////////////////////////////
// Inodes
////////////////////////////////////////////////////////////////////////

// Look up a child by name within a parent directory. The peer sends this
// when resolving user paths to dentry structs, which are then cached.
//
// A successful lookup adds one to the lookup count of the returned inode.
type LookUpInodeOp struct {
	OpContext OpContext

	// The ID of the directory inode to which the child belongs.
	Parent InodeID

	// The name of the child of interest, relative to the parent.
	Name string

	// The resulting entry. Must be filled out by the file system.
	Entry ChildInodeEntry
}

// Refresh the attributes for an inode whose ID was previously returned in a
// LookUpInodeOp. The peer sends this when its cache of inode attributes is
// stale, as controlled by ChildInodeEntry.AttributesExpiration.
type GetInodeAttributesOp struct {
	OpContext OpContext

	// The inode of interest.
	Inode InodeID

	// The open handle through which the peer is asking, if any.
	Handle *HandleID

	// Set by the file system: attributes for the inode, and the time at which
	// they should expire.
	Attributes           InodeAttributes
	AttributesExpiration time.Time
}

// Change attributes for an inode.
//
// The peer sends this for obvious cases like chmod(2), and for less obvious
// cases like ftruncate(2).
type SetInodeAttributesOp struct {
	OpContext OpContext

	// The inode of interest.
	Inode InodeID

	// If set, the open handle through which the change is made.
	Handle *HandleID

	// The attributes to modify, or nil for attributes that don't need a change.
	Size  *uint64
	Mode  *os.FileMode
	Uid   *uint32
	Gid   *uint32
	Atime *time.Time
	Mtime *time.Time

	// Set the access or modification time to the current time. These take
	// precedence over Atime and Mtime.
	AtimeNow bool
	MtimeNow bool

	// Set by the file system: the new attributes for the inode, and the time at
	// which they should expire.
	Attributes           InodeAttributes
	AttributesExpiration time.Time
}

// Decrement the reference count for an inode ID previously issued by the
// file system.
//
// The comments for the ops that implicitly increment the reference count
// contain a note of this (but see also the note about the root inode below).
// For example, LookUpInodeOp and MkDirOp. The authoritative source is the
// libfuse documentation, which states that any op that returns
// fuse_reply_entry or fuse_reply_create implicitly increments (cf.
// http://goo.gl/o5C7Dx).
//
// If the reference count hits zero, the file system can forget about that ID
// entirely, and even re-use it in future responses. The peer guarantees that
// it will not otherwise use it again.
//
// The reference count corresponds to fuse_inode::nlookup
// (http://goo.gl/ut48S4). Some examples of where the peer manipulates it:
//
//  *  (http://goo.gl/vPD9Oh) Any caller to fuse_iget increases the count.
//  *  (http://goo.gl/B6tTTC) fuse_lookup_name calls fuse_iget.
//  *  (http://goo.gl/IlcxWv) fuse_create_open calls fuse_iget.
//  *  (http://goo.gl/VQMQul) fuse_dentry_revalidate increments after
//     revalidating.
//
// The root inode is never forgotten, no matter what this op says.
//
// No reply is sent for this op.
type ForgetInodeOp struct {
	OpContext OpContext

	// The inode whose reference count should be decremented.
	Inode InodeID

	// The amount to decrement the reference count.
	N uint64
}

// One entry of a BatchForgetOp.
type BatchForgetEntry struct {
	Inode InodeID
	N     uint64
}

// Equivalent to a ForgetInodeOp for each entry, sent by peers that support
// batching them. No reply is sent for this op.
type BatchForgetOp struct {
	OpContext OpContext

	Entries []BatchForgetEntry
}

////////////////////////////////////////////////////////////////////////
// Inode creation
////////////////////////////////////////////////////////////////////////

// Create a directory inode as a child of an existing directory inode. The
// peer sends this in response to a mkdir(2) call.
//
// A successful op adds one to the lookup count of the new inode.
type MkDirOp struct {
	OpContext OpContext

	// The ID of parent directory inode within which to create the child.
	Parent InodeID

	// The name of the child to create, and the mode with which to create it.
	Name string
	Mode os.FileMode

	// The umask of the calling process, if the peer did not apply it itself.
	Umask uint32

	// Set by the file system: information about the inode that was created.
	Entry ChildInodeEntry
}

// Create a file inode as a child of an existing directory inode. The peer
// sends this in response to a mknod(2) call. It may also be sent in special
// cases such as an NFS export (cf. https://goo.gl/HiLfnK).
//
// A successful op adds one to the lookup count of the new inode.
type MkNodeOp struct {
	OpContext OpContext

	// The ID of parent directory inode within which to create the child.
	Parent InodeID

	// The name of the child to create, and the mode with which to create it.
	Name string
	Mode os.FileMode

	// The device number, for device special files.
	Rdev uint32

	// The umask of the calling process, if the peer did not apply it itself.
	Umask uint32

	// Set by the file system: information about the inode that was created.
	Entry ChildInodeEntry
}

// Create a file inode and open it.
//
// The peer sends this when the user asks to open a file with the O_CREAT
// flag and the peer has observed that the file doesn't exist. File systems
// should still return EEXIST if it does, since they may be raced.
//
// A successful op adds one to the lookup count of the new inode.
type CreateFileOp struct {
	OpContext OpContext

	// The ID of parent directory inode within which to create the child file.
	Parent InodeID

	// The name of the child to create, and the mode with which to create it.
	Name string
	Mode os.FileMode

	// Open flags, as for open(2).
	Flags uint32

	// The umask of the calling process, if the peer did not apply it itself.
	Umask uint32

	// Set by the file system: information about the inode that was created.
	Entry ChildInodeEntry

	// Set by the file system: an opaque ID that will be echoed in follow-up
	// calls for this file using the same struct file in the peer. The file
	// system must ensure this ID remains valid until a later call to
	// ReleaseFileHandle.
	Handle HandleID

	// Set by the file system: caching behavior for the new handle. See
	// OpenFileOp.
	UseDirectIO   bool
	KeepPageCache bool
}

// Create a symlink inode. A successful op adds one to the lookup count of
// the new inode.
type CreateSymlinkOp struct {
	OpContext OpContext

	// The ID of parent directory inode within which to create the child
	// symlink.
	Parent InodeID

	// The name of the symlink to create.
	Name string

	// The target of the symlink.
	Target string

	// Set by the file system: information about the symlink inode that was
	// created.
	Entry ChildInodeEntry
}

// Create a hard link to an inode. A successful op adds one to the lookup
// count of the target inode.
type CreateLinkOp struct {
	OpContext OpContext

	// The ID of parent directory inode within which to create the child.
	Parent InodeID

	// The name of the new inode.
	Name string

	// The ID of the target inode.
	Target InodeID

	// Set by the file system: information about the inode that was linked to.
	Entry ChildInodeEntry
}

////////////////////////////////////////////////////////////////////////
// Unlinking
////////////////////////////////////////////////////////////////////////

// Rename a file or directory, given the IDs of the original parent directory
// and the new one (which may be the same).
//
// In Linux, this is called by vfs_rename (https://goo.gl/eERItT), which is
// called by sys_renameat2 (https://goo.gl/fCC9qC).
//
// The peer takes care of ensuring that the source and destination are not
// identical (in which case it does nothing), that the rename is not across
// file system boundaries, and that the destination doesn't already exist
// with the wrong type. Some subtleties that the file system must care about:
//
//  *  If the new name is an existing directory, the file system must ensure
//     it is empty before replacing it, returning ENOTEMPTY otherwise.
//
//  *  The rename must be atomic from the point of view of an observer of the
//     new name. That is, if the new name already exists, there must be no
//     point at which it doesn't exist.
//
//  *  It is okay for the new name to be modified before the old name is
//     removed; these need not be atomic.
//
//  *  Any open handles to the inodes involved must remain valid.
type RenameOp struct {
	OpContext OpContext

	// The old parent directory, and the name of the entry within it to be
	// relocated.
	OldParent InodeID
	OldName   string

	// The new parent directory, and the name of the entry to be created or
	// overwritten within it.
	NewParent InodeID
	NewName   string

	// Flags as for renameat2(2), zero for a plain rename.
	Flags uint32
}

// Unlink a directory from its parent. Because directories cannot have a link
// count above one, this means the directory inode should be deleted as well
// once the peer sends ForgetInodeOp.
//
// The file system is responsible for checking that the directory is empty.
//
// Sample implementation in ext2: ext2_rmdir (http://goo.gl/B9QmFf)
type RmDirOp struct {
	OpContext OpContext

	// The ID of parent directory inode, and the name of the directory being
	// removed within it.
	Parent InodeID
	Name   string
}

// Unlink a file or symlink from its parent. If this brings the inode's link
// count to zero, the inode should be deleted once the peer sends
// ForgetInodeOp. It may still be referenced before then if a user still has
// the file open.
//
// Sample implementation in ext2: ext2_unlink (http://goo.gl/hY6r6C)
type UnlinkOp struct {
	OpContext OpContext

	// The ID of parent directory inode, and the name of the entry being removed
	// within it.
	Parent InodeID
	Name   string
}

////////////////////////////////////////////////////////////////////////
// Directory handles
////////////////////////////////////////////////////////////////////////

// Open a directory inode.
//
// On Linux the peer sends this when setting up a struct file for a
// particular inode with type directory, usually in response to an open(2)
// call from a user-space process.
type OpenDirOp struct {
	OpContext OpContext

	// The ID of the inode to be opened.
	Inode InodeID

	// Mode and options flags.
	Flags uint32

	// Set by the file system: an opaque ID that will be echoed in follow-up
	// calls for this directory using the same struct file in the peer.
	//
	// The handle may be supplied in future ops like ReadDirOp that contain a
	// directory handle. The file system must ensure this ID remains valid until
	// a later call to ReleaseDirHandle.
	Handle HandleID

	// Set by the file system: whether the peer may keep previously cached
	// directory contents.
	KeepCache bool
}

// Read entries from a directory previously opened with OpenDir.
type ReadDirOp struct {
	OpContext OpContext

	// The directory inode that we are reading, and the handle previously
	// returned by OpenDir when opening that inode.
	Inode  InodeID
	Handle HandleID

	// The offset within the directory at which to read.
	//
	// This field is not a count of bytes. Its legal values are zero and the
	// offsets the file system attached to entries in earlier replies: the peer
	// passes back the offset of the last entry it consumed. (Cf.
	// http://goo.gl/rTQVSL and http://goo.gl/vU5ukv.)
	//
	// Since seekdir(2) and rewinddir(2) cannot be intercepted, an offset may
	// move backwards; file systems must cope.
	Offset DirOffset

	// Whether the peer asked for entries with attributes (READDIRPLUS). Each
	// entry then carries a ChildInodeEntry and, for names other than "." and
	// "..", counts as a lookup of the child.
	Plus bool

	// The destination buffer, whose length gives the maximum number of bytes
	// to return. Use fuseutil.WriteDirent or fuseutil.WriteDirentPlus to fill
	// it.
	//
	// An entry that does not fit must not be written; it is returned by the
	// next call with the same offset. A zero BytesRead indicates the end of
	// the directory.
	Dst []byte

	// Set by the file system: the number of bytes written into Dst.
	BytesRead int
}

// Release a previously-minted directory handle. The peer sends this when
// there are no more references to an open directory: all file descriptors are
// closed and all memory mappings are unmapped.
//
// The peer guarantees that the handle ID will not be used in further ops
// sent to the file system (unless it is reissued by the file system).
type ReleaseDirHandleOp struct {
	OpContext OpContext

	// The handle ID to be released.
	Handle HandleID
}

// Synchronize the contents of an open directory to storage.
type SyncDirOp struct {
	OpContext OpContext

	Inode  InodeID
	Handle HandleID

	// Sync only the data, as fdatasync(2) does.
	DataOnly bool
}

////////////////////////////////////////////////////////////////////////
// File handles
////////////////////////////////////////////////////////////////////////

// Open a file inode.
//
// On Linux the peer sends this when setting up a struct file for a
// particular inode with type file, usually in response to an open(2) call
// from a user-space process.
type OpenFileOp struct {
	OpContext OpContext

	// The ID of the inode to be opened.
	Inode InodeID

	// Open flags, as for open(2).
	Flags uint32

	// Set by the file system: an opaque ID that will be echoed in follow-up
	// calls for this file using the same struct file in the peer.
	//
	// The handle may be supplied in future ops like ReadFileOp that contain a
	// file handle. The file system must ensure this ID remains valid until a
	// later call to ReleaseFileHandle.
	Handle HandleID

	// Set by the file system: bypass the peer's page cache for this handle.
	UseDirectIO bool

	// Set by the file system: keep the peer's page cache for the inode rather
	// than invalidating it on open. Appropriate when the contents can only
	// change through the peer.
	KeepPageCache bool
}

// Read data from a file previously opened with CreateFile or OpenFile.
//
// Note that this op is not sent for every call to read(2) by the end user;
// some reads may be served by the page cache.
type ReadFileOp struct {
	OpContext OpContext

	// The file inode that we are reading, and the handle previously returned by
	// CreateFile or OpenFile when opening that inode.
	Inode  InodeID
	Handle HandleID

	// The offset within the file at which to read.
	Offset int64

	// The destination buffer, whose length gives the size of the read.
	//
	// The peer requires that exactly that many bytes be returned, except in
	// the case of EOF or error (http://goo.gl/ZgfBkF).
	Dst []byte

	// Set by the file system: the number of bytes read. A short read
	// indicates EOF, and no error should be returned in that case.
	BytesRead int
}

// Write data to a file previously opened with CreateFile or OpenFile.
//
// With a write-back cache the peer collects writes in its page cache and
// sends them later; they always arrive before the FlushFileOp for the file
// descriptor they were written through.
type WriteFileOp struct {
	OpContext OpContext

	// The file inode that we are modifying, and the handle previously returned
	// by CreateFile or OpenFile when opening that inode.
	Inode  InodeID
	Handle HandleID

	// The offset at which to write the data below. Writing beyond the current
	// size extends the file, filling any gap with zeroes, as for pwrite(2).
	Offset int64

	// The data to write. It aliases the incoming message and must not be
	// retained after the op completes.
	Data []byte

	// Set by the file system: the number of bytes written.
	BytesWritten int
}

// Synchronize the current contents of an open file to storage.
//
// Sent for fsync(2) and fdatasync(2), and for msync(2) with MS_SYNC.
type SyncFileOp struct {
	OpContext OpContext

	// The file being sync'd, and the handle through which it was, if any.
	Inode  InodeID
	Handle *HandleID

	// Sync only the data, as fdatasync(2) does.
	DataOnly bool
}

// Flush the current state of an open file to storage upon closing a file
// descriptor.
//
// Sent for each close(2) of a file descriptor, and for dup2(2) replacing one.
// FlushFileOps are not one to one with OpenFileOps; they must not be used for
// reference counting, and the handle must remain valid after the flush.
type FlushFileOp struct {
	OpContext OpContext

	// The file and handle being flushed.
	Inode  InodeID
	Handle HandleID

	// The lock owner of the closing process.
	LockOwner uint64
}

// Release a previously-minted file handle. The peer calls this when there
// are no more references to an open file: all file descriptors are closed
// and all memory mappings are unmapped.
//
// The peer guarantees that the handle ID will not be used in further calls
// to the file system (unless it is reissued by the file system).
type ReleaseFileHandleOp struct {
	OpContext OpContext

	// The handle ID to be released.
	Handle HandleID

	// The flags the handle was opened with.
	Flags uint32
}

// Read the target of a symlink inode.
type ReadSymlinkOp struct {
	OpContext OpContext

	// The symlink inode that we are reading.
	Inode InodeID

	// Set by the file system: the target of the symlink.
	Target string
}

// Allocate or deallocate space within a file, as for fallocate(2).
type FallocateOp struct {
	OpContext OpContext

	Inode  InodeID
	Handle HandleID

	Offset uint64
	Length uint64

	// The fallocate(2) mode. Zero means plain allocation.
	Mode uint32
}

// Apply or remove a BSD-style lock on an open file, as for flock(2). The peer
// sends this as SETLK or SETLKW with the flock flag.
type FlockOp struct {
	OpContext OpContext

	Inode  InodeID
	Handle HandleID
	Owner  uint64

	Type FileLockType

	// Whether to block until the lock can be taken.
	Wait bool
}

// Copy a range of data from one open file to another, as for
// copy_file_range(2).
type CopyFileRangeOp struct {
	OpContext OpContext

	InodeIn   InodeID
	HandleIn  HandleID
	OffsetIn  int64
	InodeOut  InodeID
	HandleOut HandleID
	OffsetOut int64
	Length    uint64
	Flags     uint64

	// Set by the file system: the number of bytes copied.
	BytesCopied uint64
}

////////////////////////////////////////////////////////////////////////
// File system
////////////////////////////////////////////////////////////////////////

// Return statistics about the file system's capacity and available resources.
//
// Called by statfs(2) and friends:
//
//  *  (https://goo.gl/Xi1lDr) sys_statfs called user_statfs, which calls
//     vfs_statfs, which calls statfs_by_dentry.
//
//  *  (https://goo.gl/VAIOwU) statfs_by_dentry calls the superblock
//     operation statfs, which in our case is fuse_statfs (cf.
//     https://goo.gl/L7BTM3).
type StatFSOp struct {
	OpContext OpContext

	// The size of the file system's blocks, in bytes.
	BlockSize uint32

	// The total number of blocks in the file system, the number of unused
	// blocks, and the count of the latter that are available for use by
	// non-root users.
	Blocks          uint64
	BlocksFree      uint64
	BlocksAvailable uint64

	// The fragment size, which statfs(2) reports as the optimal transfer
	// size.
	IoSize uint32

	// The total number of inodes in the file system, and how many remain free.
	Inodes     uint64
	InodesFree uint64

	// The maximum length of a file name.
	NameLen uint32
}

// Set the value of an extended attribute, as for setxattr(2).
type SetXattrOp struct {
	OpContext OpContext

	Inode InodeID
	Name  string
	Value []byte

	// XATTR_CREATE or XATTR_REPLACE, or zero.
	Flags uint32
}

// Read the value of an extended attribute, as for getxattr(2).
type GetXattrOp struct {
	OpContext OpContext

	Inode InodeID
	Name  string

	// The destination buffer. If it is empty, the file system only reports
	// the size of the value in BytesRead. If it is too small, the file system
	// returns ERANGE.
	Dst []byte

	// Set by the file system: the size of the value.
	BytesRead int
}

// List the names of an inode's extended attributes, as for listxattr(2): a
// sequence of NUL-terminated names.
type ListXattrOp struct {
	OpContext OpContext

	Inode InodeID

	// As for GetXattrOp.
	Dst       []byte
	BytesRead int
}

// Remove an extended attribute, as for removexattr(2).
type RemoveXattrOp struct {
	OpContext OpContext

	Inode InodeID
	Name  string
}

// Map a range of an open file into the shared memory window the transport
// offers to the peer.
type SetupMappingOp struct {
	OpContext OpContext

	Inode InodeID

	// The open handle to map through, or nil to map through the inode.
	Handle *HandleID

	FileOffset uint64
	Length     uint64
	MapOffset  uint64

	Read  bool
	Write bool
}

// Remove a range previously established with SetupMappingOp.
type RemoveMappingOp struct {
	OpContext OpContext

	Inode     InodeID
	MapOffset uint64
	Length    uint64
}
