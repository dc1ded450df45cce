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

package fuse

import (
	"fmt"
	"time"

	"github.com/jacobsa/passthrough-fuse/fuseops"
	"github.com/jacobsa/passthrough-fuse/internal/fusekernel"
)

////////////////////////////////////////////////////////////////////////
// Outgoing messages
////////////////////////////////////////////////////////////////////////

// Fill in the body of the reply to a successful op. The header has already
// been set up. Ops whose reply has no body leave m alone.
func (c *Connection) kernelResponse(m *OutMessage, r *request) (err error) {
	p := r.protocol
	now := c.clock.Now()

	switch o := r.op.(type) {
	case *fuseops.LookUpInodeOp:
		err = appendEntry(m, p, &o.Entry, now)

	case *fuseops.GetInodeAttributesOp:
		err = appendAttr(m, p, o.Inode, &o.Attributes, o.AttributesExpiration, now)

	case *fuseops.SetInodeAttributesOp:
		err = appendAttr(m, p, o.Inode, &o.Attributes, o.AttributesExpiration, now)

	case *fuseops.MkDirOp:
		err = appendEntry(m, p, &o.Entry, now)

	case *fuseops.MkNodeOp:
		err = appendEntry(m, p, &o.Entry, now)

	case *fuseops.CreateSymlinkOp:
		err = appendEntry(m, p, &o.Entry, now)

	case *fuseops.CreateLinkOp:
		err = appendEntry(m, p, &o.Entry, now)

	case *fuseops.CreateFileOp:
		if err = appendEntry(m, p, &o.Entry, now); err != nil {
			return
		}

		out := fusekernel.OpenOut{
			Fh:        uint64(o.Handle),
			OpenFlags: uint32(openFlags(o.UseDirectIO, o.KeepPageCache)),
		}

		err = m.AppendStruct(&out, fusekernel.SizeOf(&out))

	case *fuseops.OpenDirOp:
		var flags fusekernel.OpenResponseFlags
		if o.KeepCache {
			flags |= fusekernel.OpenKeepCache | fusekernel.OpenCacheDir
		}

		out := fusekernel.OpenOut{
			Fh:        uint64(o.Handle),
			OpenFlags: uint32(flags),
		}

		err = m.AppendStruct(&out, fusekernel.SizeOf(&out))

	case *fuseops.OpenFileOp:
		out := fusekernel.OpenOut{
			Fh:        uint64(o.Handle),
			OpenFlags: uint32(openFlags(o.UseDirectIO, o.KeepPageCache)),
		}

		err = m.AppendStruct(&out, fusekernel.SizeOf(&out))

	// Bulk data goes out as its own segment, straight from the buffer the
	// file system filled.
	case *fuseops.ReadDirOp:
		if err = checkBytesRead(o.BytesRead, len(o.Dst)); err != nil {
			return
		}

		m.AppendSegment(o.Dst[:o.BytesRead])

	case *fuseops.ReadFileOp:
		if err = checkBytesRead(o.BytesRead, len(o.Dst)); err != nil {
			return
		}

		m.AppendSegment(o.Dst[:o.BytesRead])

	case *fuseops.WriteFileOp:
		out := fusekernel.WriteOut{
			Size: uint32(o.BytesWritten),
		}

		err = m.AppendStruct(&out, fusekernel.SizeOf(&out))

	case *fuseops.ReadSymlinkOp:
		m.AppendString(o.Target)

	case *fuseops.StatFSOp:
		out := fusekernel.StatfsOut{
			Blocks:  o.Blocks,
			Bfree:   o.BlocksFree,
			Bavail:  o.BlocksAvailable,
			Files:   o.Inodes,
			Ffree:   o.InodesFree,
			Bsize:   o.IoSize,
			Namelen: o.NameLen,
			Frsize:  o.BlockSize,
		}

		err = m.AppendStruct(&out, fusekernel.StatfsOutSizeFor(p))

	case *fuseops.GetXattrOp:
		err = appendXattrReply(m, o.Dst, o.BytesRead)

	case *fuseops.ListXattrOp:
		err = appendXattrReply(m, o.Dst, o.BytesRead)

	case *fuseops.CopyFileRangeOp:
		out := fusekernel.WriteOut{
			Size: uint32(o.BytesCopied),
		}

		err = m.AppendStruct(&out, fusekernel.SizeOf(&out))

	case *fuseops.DestroyOp,
		*fuseops.RenameOp,
		*fuseops.RmDirOp,
		*fuseops.UnlinkOp,
		*fuseops.ReleaseDirHandleOp,
		*fuseops.SyncDirOp,
		*fuseops.SyncFileOp,
		*fuseops.FlushFileOp,
		*fuseops.ReleaseFileHandleOp,
		*fuseops.SetXattrOp,
		*fuseops.RemoveXattrOp,
		*fuseops.FallocateOp,
		*fuseops.FlockOp,
		*fuseops.SetupMappingOp,
		*fuseops.RemoveMappingOp:
		// Empty reply.

	default:
		err = fmt.Errorf("unexpected op: %#v", r.op)
	}

	return
}

func appendEntry(
	m *OutMessage,
	p fusekernel.Protocol,
	e *fuseops.ChildInodeEntry,
	now time.Time) error {
	var out fusekernel.EntryOut
	fuseops.ConvertChildInodeEntry(e, now, &out)
	return m.AppendStruct(&out, fusekernel.EntryOutSizeFor(p))
}

func appendAttr(
	m *OutMessage,
	p fusekernel.Protocol,
	inode fuseops.InodeID,
	attr *fuseops.InodeAttributes,
	expiration time.Time,
	now time.Time) error {
	var out fusekernel.AttrOut
	out.AttrValid, out.AttrValidNsec = fuseops.ConvertExpirationTime(expiration, now)
	fuseops.ConvertAttributes(inode, attr, &out.Attr)
	return m.AppendStruct(&out, fusekernel.AttrOutSizeFor(p))
}

// A size query (empty destination) is answered with the size alone.
func appendXattrReply(m *OutMessage, dst []byte, n int) (err error) {
	if len(dst) == 0 {
		out := fusekernel.GetxattrOut{
			Size: uint32(n),
		}

		err = m.AppendStruct(&out, fusekernel.SizeOf(&out))
		return
	}

	if err = checkBytesRead(n, len(dst)); err != nil {
		return
	}

	m.AppendSegment(dst[:n])
	return
}

func checkBytesRead(n, limit int) error {
	if n < 0 || n > limit {
		return fmt.Errorf("BytesRead %d out of range [0, %d]", n, limit)
	}

	return nil
}

func openFlags(directIO, keepCache bool) (flags fusekernel.OpenResponseFlags) {
	if directIO {
		flags |= fusekernel.OpenDirectIO
	}

	if keepCache {
		flags |= fusekernel.OpenKeepCache
	}

	return
}
