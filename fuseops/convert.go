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
	"time"

	"github.com/jacobsa/passthrough-fuse/internal/fusekernel"
)

const rootID = fusekernel.RootID

// The functions in this file are implementation details of the fuse package,
// and must not be called by anyone else.

// ConvertAttributes fills in the wire form of attr for the given inode.
func ConvertAttributes(
	inodeID InodeID,
	attr *InodeAttributes,
	out *fusekernel.Attr) {
	out.Ino = uint64(inodeID)
	if attr.Ino != 0 {
		out.Ino = attr.Ino
	}

	out.Size = attr.Size
	out.Blocks = attr.Blocks
	out.Atime, out.AtimeNsec = convertTime(attr.Atime)
	out.Mtime, out.MtimeNsec = convertTime(attr.Mtime)
	out.Ctime, out.CtimeNsec = convertTime(attr.Ctime)
	out.Mode = UnixMode(attr.Mode)
	out.Nlink = attr.Nlink
	out.Uid = attr.Uid
	out.Gid = attr.Gid
	out.Rdev = attr.Rdev
	out.Blksize = attr.Blksize

	if out.Blksize == 0 {
		out.Blksize = 4096
	}
}

// ConvertExpirationTime converts an absolute cache expiration time to the
// relative seconds and nanoseconds the wire carries. Times in the past,
// including the zero time, mean "don't cache".
func ConvertExpirationTime(t time.Time, now time.Time) (secs uint64, nsecs uint32) {
	d := t.Sub(now)
	if t.IsZero() || d <= 0 {
		return
	}

	secs = uint64(d / time.Second)
	nsecs = uint32((d % time.Second) / time.Nanosecond)
	return
}

// ConvertChildInodeEntry fills in the wire form of an entry reply.
func ConvertChildInodeEntry(
	in *ChildInodeEntry,
	now time.Time,
	out *fusekernel.EntryOut) {
	out.NodeID = uint64(in.Child)
	out.Generation = uint64(in.Generation)
	out.EntryValid, out.EntryValidNsec = ConvertExpirationTime(in.EntryExpiration, now)
	out.AttrValid, out.AttrValidNsec = ConvertExpirationTime(in.AttributesExpiration, now)

	ConvertAttributes(in.Child, &in.Attributes, &out.Attr)
}

func convertTime(t time.Time) (secs uint64, nsec uint32) {
	if t.IsZero() {
		return
	}

	totalNano := t.UnixNano()
	secs = uint64(totalNano / 1e9)
	nsec = uint32(totalNano % 1e9)
	return
}
