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

// Package fusekernel contains the structures and constants of the FUSE
// low-level wire protocol, as exchanged between a FUSE server and its peer
// (the kernel, or a hypervisor speaking the same protocol over a socket).
//
// All structures are packed without implicit alignment and encoded in
// little-endian order; see codec.go.
package fusekernel

import "fmt"

// The version of the protocol spoken by this package.
const (
	ProtoVersionMinMajor = 7
	ProtoVersionMinMinor = 0
	ProtoVersionMaxMajor = 7
	ProtoVersionMaxMinor = 31
)

// The node ID of the root inode.
const RootID = 1

// The minimum size of the buffer the peer must offer for a single request.
const MinReadBuffer = 8192

// A protocol version.
type Protocol struct {
	Major uint32
	Minor uint32
}

func (p Protocol) String() string {
	return fmt.Sprintf("%d.%d", p.Major, p.Minor)
}

// LT returns whether a is less than b.
func (a Protocol) LT(b Protocol) bool {
	return a.Major < b.Major ||
		(a.Major == b.Major && a.Minor < b.Minor)
}

// GE returns whether a is greater than or equal to b.
func (a Protocol) GE(b Protocol) bool {
	return !a.LT(b)
}

////////////////////////////////////////////////////////////////////////
// Opcodes
////////////////////////////////////////////////////////////////////////

type Opcode uint32

const (
	OpLookup        Opcode = 1
	OpForget        Opcode = 2
	OpGetattr       Opcode = 3
	OpSetattr       Opcode = 4
	OpReadlink      Opcode = 5
	OpSymlink       Opcode = 6
	OpMknod         Opcode = 8
	OpMkdir         Opcode = 9
	OpUnlink        Opcode = 10
	OpRmdir         Opcode = 11
	OpRename        Opcode = 12
	OpLink          Opcode = 13
	OpOpen          Opcode = 14
	OpRead          Opcode = 15
	OpWrite         Opcode = 16
	OpStatfs        Opcode = 17
	OpRelease       Opcode = 18
	OpFsync         Opcode = 20
	OpSetxattr      Opcode = 21
	OpGetxattr      Opcode = 22
	OpListxattr     Opcode = 23
	OpRemovexattr   Opcode = 24
	OpFlush         Opcode = 25
	OpInit          Opcode = 26
	OpOpendir       Opcode = 27
	OpReaddir       Opcode = 28
	OpReleasedir    Opcode = 29
	OpFsyncdir      Opcode = 30
	OpGetlk         Opcode = 31
	OpSetlk         Opcode = 32
	OpSetlkw        Opcode = 33
	OpAccess        Opcode = 34
	OpCreate        Opcode = 35
	OpInterrupt     Opcode = 36
	OpBmap          Opcode = 37
	OpDestroy       Opcode = 38
	OpIoctl         Opcode = 39
	OpPoll          Opcode = 40
	OpNotifyReply   Opcode = 41
	OpBatchForget   Opcode = 42
	OpFallocate     Opcode = 43
	OpReaddirplus   Opcode = 44
	OpRename2       Opcode = 45
	OpLseek         Opcode = 46
	OpCopyFileRange Opcode = 47
	OpSetupMapping  Opcode = 48
	OpRemoveMapping Opcode = 49
)

var opcodeNames = map[Opcode]string{
	OpLookup:        "LOOKUP",
	OpForget:        "FORGET",
	OpGetattr:       "GETATTR",
	OpSetattr:       "SETATTR",
	OpReadlink:      "READLINK",
	OpSymlink:       "SYMLINK",
	OpMknod:         "MKNOD",
	OpMkdir:         "MKDIR",
	OpUnlink:        "UNLINK",
	OpRmdir:         "RMDIR",
	OpRename:        "RENAME",
	OpLink:          "LINK",
	OpOpen:          "OPEN",
	OpRead:          "READ",
	OpWrite:         "WRITE",
	OpStatfs:        "STATFS",
	OpRelease:       "RELEASE",
	OpFsync:         "FSYNC",
	OpSetxattr:      "SETXATTR",
	OpGetxattr:      "GETXATTR",
	OpListxattr:     "LISTXATTR",
	OpRemovexattr:   "REMOVEXATTR",
	OpFlush:         "FLUSH",
	OpInit:          "INIT",
	OpOpendir:       "OPENDIR",
	OpReaddir:       "READDIR",
	OpReleasedir:    "RELEASEDIR",
	OpFsyncdir:      "FSYNCDIR",
	OpGetlk:         "GETLK",
	OpSetlk:         "SETLK",
	OpSetlkw:        "SETLKW",
	OpAccess:        "ACCESS",
	OpCreate:        "CREATE",
	OpInterrupt:     "INTERRUPT",
	OpBmap:          "BMAP",
	OpDestroy:       "DESTROY",
	OpIoctl:         "IOCTL",
	OpPoll:          "POLL",
	OpNotifyReply:   "NOTIFY_REPLY",
	OpBatchForget:   "BATCH_FORGET",
	OpFallocate:     "FALLOCATE",
	OpReaddirplus:   "READDIRPLUS",
	OpRename2:       "RENAME2",
	OpLseek:         "LSEEK",
	OpCopyFileRange: "COPY_FILE_RANGE",
	OpSetupMapping:  "SETUPMAPPING",
	OpRemoveMapping: "REMOVEMAPPING",
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}

	return fmt.Sprintf("OPCODE_%d", uint32(op))
}

// Known reports whether op is part of the protocol at all.
func (op Opcode) Known() bool {
	_, ok := opcodeNames[op]
	return ok
}

////////////////////////////////////////////////////////////////////////
// Flags
////////////////////////////////////////////////////////////////////////

// Capability flags exchanged during INIT.
type InitFlags uint32

const (
	InitAsyncRead         InitFlags = 1 << 0
	InitPosixLocks        InitFlags = 1 << 1
	InitFileOps           InitFlags = 1 << 2
	InitAtomicTrunc       InitFlags = 1 << 3
	InitExportSupport     InitFlags = 1 << 4
	InitBigWrites         InitFlags = 1 << 5
	InitDontMask          InitFlags = 1 << 6
	InitSpliceWrite       InitFlags = 1 << 7
	InitSpliceMove        InitFlags = 1 << 8
	InitSpliceRead        InitFlags = 1 << 9
	InitFlockLocks        InitFlags = 1 << 10
	InitHasIoctlDir       InitFlags = 1 << 11
	InitAutoInvalData     InitFlags = 1 << 12
	InitDoReaddirplus     InitFlags = 1 << 13
	InitReaddirplusAuto   InitFlags = 1 << 14
	InitAsyncDIO          InitFlags = 1 << 15
	InitWritebackCache    InitFlags = 1 << 16
	InitNoOpenSupport     InitFlags = 1 << 17
	InitParallelDirops    InitFlags = 1 << 18
	InitHandleKillpriv    InitFlags = 1 << 19
	InitPosixACL          InitFlags = 1 << 20
	InitAbortError        InitFlags = 1 << 21
	InitMaxPages          InitFlags = 1 << 22
	InitCacheSymlinks     InitFlags = 1 << 23
	InitNoOpendirSupport  InitFlags = 1 << 24
	InitExplicitInvalData InitFlags = 1 << 25
	InitMapAlignment      InitFlags = 1 << 26
)

var initFlagNames = []struct {
	flag InitFlags
	name string
}{
	{InitAsyncRead, "InitAsyncRead"},
	{InitPosixLocks, "InitPosixLocks"},
	{InitFileOps, "InitFileOps"},
	{InitAtomicTrunc, "InitAtomicTrunc"},
	{InitExportSupport, "InitExportSupport"},
	{InitBigWrites, "InitBigWrites"},
	{InitDontMask, "InitDontMask"},
	{InitSpliceWrite, "InitSpliceWrite"},
	{InitSpliceMove, "InitSpliceMove"},
	{InitSpliceRead, "InitSpliceRead"},
	{InitFlockLocks, "InitFlockLocks"},
	{InitHasIoctlDir, "InitHasIoctlDir"},
	{InitAutoInvalData, "InitAutoInvalData"},
	{InitDoReaddirplus, "InitDoReaddirplus"},
	{InitReaddirplusAuto, "InitReaddirplusAuto"},
	{InitAsyncDIO, "InitAsyncDIO"},
	{InitWritebackCache, "InitWritebackCache"},
	{InitNoOpenSupport, "InitNoOpenSupport"},
	{InitParallelDirops, "InitParallelDirops"},
	{InitHandleKillpriv, "InitHandleKillpriv"},
	{InitPosixACL, "InitPosixACL"},
	{InitAbortError, "InitAbortError"},
	{InitMaxPages, "InitMaxPages"},
	{InitCacheSymlinks, "InitCacheSymlinks"},
	{InitNoOpendirSupport, "InitNoOpendirSupport"},
	{InitExplicitInvalData, "InitExplicitInvalData"},
	{InitMapAlignment, "InitMapAlignment"},
}

func (fl InitFlags) String() string {
	var s string
	rest := fl
	for _, n := range initFlagNames {
		if fl&n.flag == 0 {
			continue
		}

		if s != "" {
			s += "+"
		}
		s += n.name
		rest &^= n.flag
	}

	if rest != 0 {
		if s != "" {
			s += "+"
		}
		s += fmt.Sprintf("%#x", uint32(rest))
	}

	if s == "" {
		return "0"
	}

	return s
}

// Flags returned in OpenOut.
type OpenResponseFlags uint32

const (
	OpenDirectIO    OpenResponseFlags = 1 << 0
	OpenKeepCache   OpenResponseFlags = 1 << 1
	OpenNonseekable OpenResponseFlags = 1 << 2
	OpenCacheDir    OpenResponseFlags = 1 << 3
)

// Bits of SetattrIn.Valid.
type SetattrValid uint32

const (
	SetattrMode      SetattrValid = 1 << 0
	SetattrUid       SetattrValid = 1 << 1
	SetattrGid       SetattrValid = 1 << 2
	SetattrSize      SetattrValid = 1 << 3
	SetattrAtime     SetattrValid = 1 << 4
	SetattrMtime     SetattrValid = 1 << 5
	SetattrHandle    SetattrValid = 1 << 6
	SetattrAtimeNow  SetattrValid = 1 << 7
	SetattrMtimeNow  SetattrValid = 1 << 8
	SetattrLockOwner SetattrValid = 1 << 9
	SetattrCtime     SetattrValid = 1 << 10
)

// Miscellaneous per-request flags.
const (
	GetattrFh = 1 << 0

	ReleaseFlush       = 1 << 0
	ReleaseFlockUnlock = 1 << 1

	FsyncFdatasync = 1 << 0

	LkFlock = 1 << 0

	WriteCache     = 1 << 0
	WriteLockOwner = 1 << 1

	SetupMappingFlagWrite = 1 << 0
	SetupMappingFlagRead  = 1 << 1

	Rename2NoReplace = 1 << 0
	Rename2Exchange  = 1 << 1
	Rename2Whiteout  = 1 << 2
)

// Lock types carried in FileLock.Type, matching fcntl(2).
const (
	LockRead   = 0
	LockWrite  = 1
	LockUnlock = 2
)

// Sentinel handle meaning "no handle supplied".
const NoHandle = ^uint64(0)

////////////////////////////////////////////////////////////////////////
// Wire structures
////////////////////////////////////////////////////////////////////////

type InHeader struct {
	Len     uint32
	Opcode  uint32
	Unique  uint64
	NodeID  uint64
	Uid     uint32
	Gid     uint32
	Pid     uint32
	Padding uint32
}

type OutHeader struct {
	Len    uint32
	Error  int32
	Unique uint64
}

type Attr struct {
	Ino       uint64
	Size      uint64
	Blocks    uint64
	Atime     uint64
	Mtime     uint64
	Ctime     uint64
	AtimeNsec uint32
	MtimeNsec uint32
	CtimeNsec uint32
	Mode      uint32
	Nlink     uint32
	Uid       uint32
	Gid       uint32
	Rdev      uint32
	Blksize   uint32
	Padding   uint32
}

type EntryOut struct {
	NodeID         uint64
	Generation     uint64
	EntryValid     uint64
	AttrValid      uint64
	EntryValidNsec uint32
	AttrValidNsec  uint32
	Attr           Attr
}

type AttrOut struct {
	AttrValid     uint64
	AttrValidNsec uint32
	Dummy         uint32
	Attr          Attr
}

type GetattrIn struct {
	GetattrFlags uint32
	Dummy        uint32
	Fh           uint64
}

type ForgetIn struct {
	Nlookup uint64
}

type ForgetOne struct {
	NodeID  uint64
	Nlookup uint64
}

type BatchForgetIn struct {
	Count uint32
	Dummy uint32
}

type MknodIn struct {
	Mode    uint32
	Rdev    uint32
	Umask   uint32
	Padding uint32
}

type MkdirIn struct {
	Mode  uint32
	Umask uint32
}

type RenameIn struct {
	Newdir uint64
}

type Rename2In struct {
	Newdir  uint64
	Flags   uint32
	Padding uint32
}

type LinkIn struct {
	Oldnodeid uint64
}

type SetattrIn struct {
	Valid     uint32
	Padding   uint32
	Fh        uint64
	Size      uint64
	LockOwner uint64
	Atime     uint64
	Mtime     uint64
	Ctime     uint64
	AtimeNsec uint32
	MtimeNsec uint32
	CtimeNsec uint32
	Mode      uint32
	Unused4   uint32
	Uid       uint32
	Gid       uint32
	Unused5   uint32
}

type OpenIn struct {
	Flags  uint32
	Unused uint32
}

type CreateIn struct {
	Flags   uint32
	Mode    uint32
	Umask   uint32
	Padding uint32
}

type OpenOut struct {
	Fh        uint64
	OpenFlags uint32
	Padding   uint32
}

type ReleaseIn struct {
	Fh           uint64
	Flags        uint32
	ReleaseFlags uint32
	LockOwner    uint64
}

type FlushIn struct {
	Fh        uint64
	Unused    uint32
	Padding   uint32
	LockOwner uint64
}

type ReadIn struct {
	Fh        uint64
	Offset    uint64
	Size      uint32
	ReadFlags uint32
	LockOwner uint64
	Flags     uint32
	Padding   uint32
}

type WriteIn struct {
	Fh         uint64
	Offset     uint64
	Size       uint32
	WriteFlags uint32
	LockOwner  uint64
	Flags      uint32
	Padding    uint32
}

type WriteOut struct {
	Size    uint32
	Padding uint32
}

type StatfsOut struct {
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Bsize   uint32
	Namelen uint32
	Frsize  uint32
	Padding uint32
	Spare   [6]uint32
}

type FsyncIn struct {
	Fh         uint64
	FsyncFlags uint32
	Padding    uint32
}

type SetxattrIn struct {
	Size  uint32
	Flags uint32
}

type GetxattrIn struct {
	Size    uint32
	Padding uint32
}

type GetxattrOut struct {
	Size    uint32
	Padding uint32
}

type FileLock struct {
	Start uint64
	End   uint64
	Type  uint32
	Pid   uint32
}

type LkIn struct {
	Fh      uint64
	Owner   uint64
	Lk      FileLock
	LkFlags uint32
	Padding uint32
}

type InitIn struct {
	Major        uint32
	Minor        uint32
	MaxReadahead uint32
	Flags        uint32
}

type InitOut struct {
	Major               uint32
	Minor               uint32
	MaxReadahead        uint32
	Flags               uint32
	MaxBackground       uint16
	CongestionThreshold uint16
	MaxWrite            uint32
	TimeGran            uint32
	MaxPages            uint16
	MapAlignment        uint16
	Unused              [8]uint32
}

type InterruptIn struct {
	Unique uint64
}

type FallocateIn struct {
	Fh      uint64
	Offset  uint64
	Length  uint64
	Mode    uint32
	Padding uint32
}

type CopyFileRangeIn struct {
	FhIn      uint64
	OffIn     uint64
	NodeIDOut uint64
	FhOut     uint64
	OffOut    uint64
	Len       uint64
	Flags     uint64
}

type SetupMappingIn struct {
	Fh      uint64
	Foffset uint64
	Len     uint64
	Flags   uint64
	Moffset uint64
}

type RemoveMappingIn struct {
	Fh      uint64
	Moffset uint64
	Len     uint64
}

type Dirent struct {
	Ino     uint64
	Off     uint64
	Namelen uint32
	Type    uint32
}

type DirentPlus struct {
	Entry  EntryOut
	Dirent Dirent
}
