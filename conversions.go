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
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jacobsa/passthrough-fuse/fuseops"
	"github.com/jacobsa/passthrough-fuse/internal/buffer"
	"github.com/jacobsa/passthrough-fuse/internal/fusekernel"
)

// Returned by convertInMessage for opcodes that no op type represents.
var errNotImplemented = errors.New("not implemented")

var errNoName = errors.New("missing NUL-terminated name")

////////////////////////////////////////////////////////////////////////
// Incoming messages
////////////////////////////////////////////////////////////////////////

// Convert a request into the op handed to the file system. Byte slices in
// the op alias the request's messages: inputs point into the in message,
// and buffers for bulk output point into the out message's payload.
func convertInMessage(r *request) (o interface{}, err error) {
	m := r.inMsg
	h := m.Header()
	p := r.protocol
	opCtx := r.opContext()
	inode := fuseops.InodeID(h.NodeID)

	// Struct sizes that do not depend on the protocol.
	sizeOf := func(v interface{}) int { return fusekernel.SizeOf(v) }

	switch fusekernel.Opcode(h.Opcode) {
	case fusekernel.OpLookup:
		name, ok := m.ConsumeString()
		if !ok {
			err = errNoName
			return
		}

		o = &fuseops.LookUpInodeOp{
			OpContext: opCtx,
			Parent:    inode,
			Name:      name,
		}

	case fusekernel.OpGetattr:
		op := &fuseops.GetInodeAttributesOp{
			OpContext: opCtx,
			Inode:     inode,
		}

		// Older peers send no body.
		if p.GE(fusekernel.Protocol{Major: 7, Minor: 9}) {
			var in fusekernel.GetattrIn
			if err = m.ConsumeStruct(&in, sizeOf(&in)); err != nil {
				return
			}

			if in.GetattrFlags&fusekernel.GetattrFh != 0 {
				fh := fuseops.HandleID(in.Fh)
				op.Handle = &fh
			}
		}

		o = op

	case fusekernel.OpSetattr:
		var in fusekernel.SetattrIn
		if err = m.ConsumeStruct(&in, sizeOf(&in)); err != nil {
			return
		}

		o = convertSetattr(opCtx, inode, &in)

	case fusekernel.OpForget:
		var in fusekernel.ForgetIn
		if err = m.ConsumeStruct(&in, sizeOf(&in)); err != nil {
			return
		}

		o = &fuseops.ForgetInodeOp{
			OpContext: opCtx,
			Inode:     inode,
			N:         in.Nlookup,
		}

	case fusekernel.OpBatchForget:
		var in fusekernel.BatchForgetIn
		if err = m.ConsumeStruct(&in, sizeOf(&in)); err != nil {
			return
		}

		// Process as many entries as actually arrived.
		oneSize := sizeOf(&fusekernel.ForgetOne{})
		count := int(in.Count)
		if avail := m.Len() / oneSize; avail < count {
			count = avail
		}

		op := &fuseops.BatchForgetOp{
			OpContext: opCtx,
			Entries:   make([]fuseops.BatchForgetEntry, 0, count),
		}

		for i := 0; i < count; i++ {
			var one fusekernel.ForgetOne
			if err = m.ConsumeStruct(&one, oneSize); err != nil {
				return
			}

			op.Entries = append(op.Entries, fuseops.BatchForgetEntry{
				Inode: fuseops.InodeID(one.NodeID),
				N:     one.Nlookup,
			})
		}

		o = op

	case fusekernel.OpReadlink:
		o = &fuseops.ReadSymlinkOp{
			OpContext: opCtx,
			Inode:     inode,
		}

	case fusekernel.OpSymlink:
		name, ok := m.ConsumeString()
		if !ok {
			err = errNoName
			return
		}

		target, ok := m.ConsumeString()
		if !ok {
			err = errors.New("missing NUL-terminated symlink target")
			return
		}

		o = &fuseops.CreateSymlinkOp{
			OpContext: opCtx,
			Parent:    inode,
			Name:      name,
			Target:    target,
		}

	case fusekernel.OpMknod:
		var in fusekernel.MknodIn
		if err = m.ConsumeStruct(&in, fusekernel.MknodInSizeFor(p)); err != nil {
			return
		}

		name, ok := m.ConsumeString()
		if !ok {
			err = errNoName
			return
		}

		o = &fuseops.MkNodeOp{
			OpContext: opCtx,
			Parent:    inode,
			Name:      name,
			Mode:      fuseops.ConvertFileMode(in.Mode),
			Rdev:      in.Rdev,
			Umask:     in.Umask,
		}

	case fusekernel.OpMkdir:
		var in fusekernel.MkdirIn
		if err = m.ConsumeStruct(&in, sizeOf(&in)); err != nil {
			return
		}

		name, ok := m.ConsumeString()
		if !ok {
			err = errNoName
			return
		}

		o = &fuseops.MkDirOp{
			OpContext: opCtx,
			Parent:    inode,
			Name:      name,

			// The peer does not always set the directory bit.
			Mode:  fuseops.ConvertFileMode(in.Mode) | os.ModeDir,
			Umask: in.Umask,
		}

	case fusekernel.OpUnlink:
		name, ok := m.ConsumeString()
		if !ok {
			err = errNoName
			return
		}

		o = &fuseops.UnlinkOp{
			OpContext: opCtx,
			Parent:    inode,
			Name:      name,
		}

	case fusekernel.OpRmdir:
		name, ok := m.ConsumeString()
		if !ok {
			err = errNoName
			return
		}

		o = &fuseops.RmDirOp{
			OpContext: opCtx,
			Parent:    inode,
			Name:      name,
		}

	case fusekernel.OpRename:
		var in fusekernel.RenameIn
		if err = m.ConsumeStruct(&in, sizeOf(&in)); err != nil {
			return
		}

		o, err = convertRename(opCtx, inode, fuseops.InodeID(in.Newdir), 0, m)

	case fusekernel.OpRename2:
		var in fusekernel.Rename2In
		if err = m.ConsumeStruct(&in, sizeOf(&in)); err != nil {
			return
		}

		o, err = convertRename(opCtx, inode, fuseops.InodeID(in.Newdir), in.Flags, m)

	case fusekernel.OpLink:
		var in fusekernel.LinkIn
		if err = m.ConsumeStruct(&in, sizeOf(&in)); err != nil {
			return
		}

		name, ok := m.ConsumeString()
		if !ok {
			err = errNoName
			return
		}

		o = &fuseops.CreateLinkOp{
			OpContext: opCtx,
			Parent:    inode,
			Name:      name,
			Target:    fuseops.InodeID(in.Oldnodeid),
		}

	case fusekernel.OpOpen:
		var in fusekernel.OpenIn
		if err = m.ConsumeStruct(&in, sizeOf(&in)); err != nil {
			return
		}

		o = &fuseops.OpenFileOp{
			OpContext: opCtx,
			Inode:     inode,
			Flags:     in.Flags,
		}

	case fusekernel.OpRead:
		var in fusekernel.ReadIn
		if err = m.ConsumeStruct(&in, fusekernel.ReadInSizeFor(p)); err != nil {
			return
		}

		o = &fuseops.ReadFileOp{
			OpContext: opCtx,
			Inode:     inode,
			Handle:    fuseops.HandleID(in.Fh),
			Offset:    int64(in.Offset),
			Dst:       r.outMsg.Payload(clampReadSize(in.Size)),
		}

	case fusekernel.OpWrite:
		var in fusekernel.WriteIn
		if err = m.ConsumeStruct(&in, fusekernel.WriteInSizeFor(p)); err != nil {
			return
		}

		data := m.Consume(int(in.Size))
		if data == nil {
			err = fmt.Errorf("write of %d bytes: %w", in.Size, buffer.ErrShortMessage)
			return
		}

		o = &fuseops.WriteFileOp{
			OpContext: opCtx,
			Inode:     inode,
			Handle:    fuseops.HandleID(in.Fh),
			Offset:    int64(in.Offset),
			Data:      data,
		}

	case fusekernel.OpStatfs:
		o = &fuseops.StatFSOp{
			OpContext: opCtx,
		}

	case fusekernel.OpRelease:
		var in fusekernel.ReleaseIn
		if err = m.ConsumeStruct(&in, fusekernel.ReleaseInSizeFor(p)); err != nil {
			return
		}

		o = &fuseops.ReleaseFileHandleOp{
			OpContext: opCtx,
			Handle:    fuseops.HandleID(in.Fh),
			Flags:     in.Flags,
		}

	case fusekernel.OpFsync:
		var in fusekernel.FsyncIn
		if err = m.ConsumeStruct(&in, sizeOf(&in)); err != nil {
			return
		}

		op := &fuseops.SyncFileOp{
			OpContext: opCtx,
			Inode:     inode,
			DataOnly:  in.FsyncFlags&fusekernel.FsyncFdatasync != 0,
		}

		if in.Fh != fusekernel.NoHandle {
			fh := fuseops.HandleID(in.Fh)
			op.Handle = &fh
		}

		o = op

	case fusekernel.OpSetxattr:
		var in fusekernel.SetxattrIn
		if err = m.ConsumeStruct(&in, sizeOf(&in)); err != nil {
			return
		}

		name, ok := m.ConsumeString()
		if !ok {
			err = errNoName
			return
		}

		value := m.Consume(int(in.Size))
		if value == nil && in.Size != 0 {
			err = fmt.Errorf("xattr value of %d bytes: %w", in.Size, buffer.ErrShortMessage)
			return
		}

		o = &fuseops.SetXattrOp{
			OpContext: opCtx,
			Inode:     inode,
			Name:      name,
			Value:     value,
			Flags:     in.Flags,
		}

	case fusekernel.OpGetxattr:
		var in fusekernel.GetxattrIn
		if err = m.ConsumeStruct(&in, sizeOf(&in)); err != nil {
			return
		}

		name, ok := m.ConsumeString()
		if !ok {
			err = errNoName
			return
		}

		op := &fuseops.GetXattrOp{
			OpContext: opCtx,
			Inode:     inode,
			Name:      name,
		}

		if in.Size != 0 {
			op.Dst = r.outMsg.Payload(clampReadSize(in.Size))
		}

		o = op

	case fusekernel.OpListxattr:
		var in fusekernel.GetxattrIn
		if err = m.ConsumeStruct(&in, sizeOf(&in)); err != nil {
			return
		}

		op := &fuseops.ListXattrOp{
			OpContext: opCtx,
			Inode:     inode,
		}

		if in.Size != 0 {
			op.Dst = r.outMsg.Payload(clampReadSize(in.Size))
		}

		o = op

	case fusekernel.OpRemovexattr:
		name, ok := m.ConsumeString()
		if !ok {
			err = errNoName
			return
		}

		o = &fuseops.RemoveXattrOp{
			OpContext: opCtx,
			Inode:     inode,
			Name:      name,
		}

	case fusekernel.OpFlush:
		var in fusekernel.FlushIn
		if err = m.ConsumeStruct(&in, sizeOf(&in)); err != nil {
			return
		}

		o = &fuseops.FlushFileOp{
			OpContext: opCtx,
			Inode:     inode,
			Handle:    fuseops.HandleID(in.Fh),
			LockOwner: in.LockOwner,
		}

	case fusekernel.OpOpendir:
		var in fusekernel.OpenIn
		if err = m.ConsumeStruct(&in, sizeOf(&in)); err != nil {
			return
		}

		o = &fuseops.OpenDirOp{
			OpContext: opCtx,
			Inode:     inode,
			Flags:     in.Flags,
		}

	case fusekernel.OpReaddir, fusekernel.OpReaddirplus:
		var in fusekernel.ReadIn
		if err = m.ConsumeStruct(&in, fusekernel.ReadInSizeFor(p)); err != nil {
			return
		}

		o = &fuseops.ReadDirOp{
			OpContext: opCtx,
			Inode:     inode,
			Handle:    fuseops.HandleID(in.Fh),
			Offset:    fuseops.DirOffset(in.Offset),
			Plus:      fusekernel.Opcode(h.Opcode) == fusekernel.OpReaddirplus,
			Dst:       r.outMsg.Payload(clampReadSize(in.Size)),
		}

	case fusekernel.OpReleasedir:
		var in fusekernel.ReleaseIn
		if err = m.ConsumeStruct(&in, fusekernel.ReleaseInSizeFor(p)); err != nil {
			return
		}

		o = &fuseops.ReleaseDirHandleOp{
			OpContext: opCtx,
			Handle:    fuseops.HandleID(in.Fh),
		}

	case fusekernel.OpFsyncdir:
		var in fusekernel.FsyncIn
		if err = m.ConsumeStruct(&in, sizeOf(&in)); err != nil {
			return
		}

		o = &fuseops.SyncDirOp{
			OpContext: opCtx,
			Inode:     inode,
			Handle:    fuseops.HandleID(in.Fh),
			DataOnly:  in.FsyncFlags&fusekernel.FsyncFdatasync != 0,
		}

	case fusekernel.OpSetlk, fusekernel.OpSetlkw:
		var in fusekernel.LkIn
		if err = m.ConsumeStruct(&in, sizeOf(&in)); err != nil {
			return
		}

		// Only whole-file flock locks are supported; POSIX record locks are
		// left to the peer.
		if in.LkFlags&fusekernel.LkFlock == 0 {
			err = errNotImplemented
			return
		}

		var t fuseops.FileLockType
		if t, err = MapFlockType(in.Lk.Type); err != nil {
			return
		}

		o = &fuseops.FlockOp{
			OpContext: opCtx,
			Inode:     inode,
			Handle:    fuseops.HandleID(in.Fh),
			Owner:     in.Owner,
			Type:      t,
			Wait:      fusekernel.Opcode(h.Opcode) == fusekernel.OpSetlkw,
		}

	case fusekernel.OpCreate:
		var in fusekernel.CreateIn
		if err = m.ConsumeStruct(&in, fusekernel.CreateInSizeFor(p)); err != nil {
			return
		}

		name, ok := m.ConsumeString()
		if !ok {
			err = errNoName
			return
		}

		o = &fuseops.CreateFileOp{
			OpContext: opCtx,
			Parent:    inode,
			Name:      name,
			Mode:      fuseops.ConvertFileMode(in.Mode),
			Flags:     in.Flags,
			Umask:     in.Umask,
		}

	case fusekernel.OpDestroy:
		o = &fuseops.DestroyOp{
			OpContext: opCtx,
		}

	case fusekernel.OpFallocate:
		var in fusekernel.FallocateIn
		if err = m.ConsumeStruct(&in, sizeOf(&in)); err != nil {
			return
		}

		o = &fuseops.FallocateOp{
			OpContext: opCtx,
			Inode:     inode,
			Handle:    fuseops.HandleID(in.Fh),
			Offset:    in.Offset,
			Length:    in.Length,
			Mode:      in.Mode,
		}

	case fusekernel.OpCopyFileRange:
		var in fusekernel.CopyFileRangeIn
		if err = m.ConsumeStruct(&in, sizeOf(&in)); err != nil {
			return
		}

		o = &fuseops.CopyFileRangeOp{
			OpContext: opCtx,
			InodeIn:   inode,
			HandleIn:  fuseops.HandleID(in.FhIn),
			OffsetIn:  int64(in.OffIn),
			InodeOut:  fuseops.InodeID(in.NodeIDOut),
			HandleOut: fuseops.HandleID(in.FhOut),
			OffsetOut: int64(in.OffOut),
			Length:    in.Len,
			Flags:     in.Flags,
		}

	case fusekernel.OpSetupMapping:
		var in fusekernel.SetupMappingIn
		if err = m.ConsumeStruct(&in, sizeOf(&in)); err != nil {
			return
		}

		op := &fuseops.SetupMappingOp{
			OpContext:  opCtx,
			Inode:      inode,
			FileOffset: in.Foffset,
			Length:     in.Len,
			MapOffset:  in.Moffset,
			Read:       in.Flags&fusekernel.SetupMappingFlagRead != 0,
			Write:      in.Flags&fusekernel.SetupMappingFlagWrite != 0,
		}

		if in.Fh != fusekernel.NoHandle {
			fh := fuseops.HandleID(in.Fh)
			op.Handle = &fh
		}

		o = op

	case fusekernel.OpRemoveMapping:
		var in fusekernel.RemoveMappingIn
		if err = m.ConsumeStruct(&in, sizeOf(&in)); err != nil {
			return
		}

		o = &fuseops.RemoveMappingOp{
			OpContext: opCtx,
			Inode:     inode,
			MapOffset: in.Moffset,
			Length:    in.Len,
		}

	// GETLK, ACCESS, BMAP, IOCTL, POLL, NOTIFY_REPLY, LSEEK and anything
	// else with no op type.
	default:
		err = errNotImplemented
	}

	return
}

func convertSetattr(
	opCtx fuseops.OpContext,
	inode fuseops.InodeID,
	in *fusekernel.SetattrIn) *fuseops.SetInodeAttributesOp {
	op := &fuseops.SetInodeAttributesOp{
		OpContext: opCtx,
		Inode:     inode,
	}

	valid := fusekernel.SetattrValid(in.Valid)

	if valid&fusekernel.SetattrHandle != 0 {
		fh := fuseops.HandleID(in.Fh)
		op.Handle = &fh
	}

	if valid&fusekernel.SetattrSize != 0 {
		size := in.Size
		op.Size = &size
	}

	if valid&fusekernel.SetattrMode != 0 {
		mode := fuseops.ConvertFileMode(in.Mode)
		op.Mode = &mode
	}

	if valid&fusekernel.SetattrUid != 0 {
		uid := in.Uid
		op.Uid = &uid
	}

	if valid&fusekernel.SetattrGid != 0 {
		gid := in.Gid
		op.Gid = &gid
	}

	if valid&fusekernel.SetattrAtime != 0 {
		atime := time.Unix(int64(in.Atime), int64(in.AtimeNsec))
		op.Atime = &atime
	}

	if valid&fusekernel.SetattrMtime != 0 {
		mtime := time.Unix(int64(in.Mtime), int64(in.MtimeNsec))
		op.Mtime = &mtime
	}

	op.AtimeNow = valid&fusekernel.SetattrAtimeNow != 0
	op.MtimeNow = valid&fusekernel.SetattrMtimeNow != 0

	return op
}

func convertRename(
	opCtx fuseops.OpContext,
	oldParent fuseops.InodeID,
	newParent fuseops.InodeID,
	flags uint32,
	m *InMessage) (o interface{}, err error) {
	oldName, ok := m.ConsumeString()
	if !ok {
		err = errNoName
		return
	}

	newName, ok := m.ConsumeString()
	if !ok {
		err = errNoName
		return
	}

	o = &fuseops.RenameOp{
		OpContext: opCtx,
		OldParent: oldParent,
		OldName:   oldName,
		NewParent: newParent,
		NewName:   newName,
		Flags:     flags,
	}

	return
}

// Bound the size of peer-requested output buffers.
func clampReadSize(size uint32) int {
	if size > buffer.MaxWriteSize {
		return buffer.MaxWriteSize
	}

	return int(size)
}
