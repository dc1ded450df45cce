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

	"github.com/jacobsa/passthrough-fuse"
	"github.com/jacobsa/passthrough-fuse/fuseops"
	"golang.org/x/net/context"
	"golang.org/x/sys/unix"
)

////////////////////////////////////////////////////////////////////////
// Creation
////////////////////////////////////////////////////////////////////////

// Run create against the parent's descriptor with the caller's credentials,
// then look up the new entry.
func (fs *passthroughFS) makeEntry(
	opCtx fuseops.OpContext,
	parentID fuseops.InodeID,
	name string,
	e *fuseops.ChildInodeEntry,
	create func(dirFd int) error) (err error) {
	parent, err := fs.reg.inode(parentID)
	if err != nil {
		return
	}

	err = fs.withCreds(opCtx, func() error {
		return create(parent.fd)
	})

	if err != nil {
		return
	}

	_, err = fs.lookUp(parentID, name, e)
	return
}

func (fs *passthroughFS) MkDir(
	ctx context.Context,
	op *fuseops.MkDirOp) error {
	mode := fuseops.UnixMode(op.Mode) &^ unix.S_IFMT
	return fs.makeEntry(op.OpContext, op.Parent, op.Name, &op.Entry, func(dirFd int) error {
		return unix.Mkdirat(dirFd, op.Name, mode)
	})
}

func (fs *passthroughFS) MkNode(
	ctx context.Context,
	op *fuseops.MkNodeOp) error {
	mode := fuseops.UnixMode(op.Mode)
	return fs.makeEntry(op.OpContext, op.Parent, op.Name, &op.Entry, func(dirFd int) error {
		return unix.Mknodat(dirFd, op.Name, mode, int(op.Rdev))
	})
}

func (fs *passthroughFS) CreateSymlink(
	ctx context.Context,
	op *fuseops.CreateSymlinkOp) error {
	return fs.makeEntry(op.OpContext, op.Parent, op.Name, &op.Entry, func(dirFd int) error {
		return unix.Symlinkat(op.Target, dirFd, op.Name)
	})
}

func (fs *passthroughFS) CreateFile(
	ctx context.Context,
	op *fuseops.CreateFileOp) (err error) {
	parent, err := fs.reg.inode(op.Parent)
	if err != nil {
		return
	}

	flags := int(op.Flags)
	flags = promoteWriteOnly(flags)
	flags = (flags | unix.O_CREAT | unix.O_CLOEXEC) &^ unix.O_NOFOLLOW
	mode := fuseops.UnixMode(op.Mode) &^ unix.S_IFMT

	var fd int
	err = fs.withCreds(op.OpContext, func() (err error) {
		fd, err = unix.Openat(parent.fd, op.Name, flags, mode)
		return
	})

	if err != nil {
		return
	}

	f := os.NewFile(uintptr(fd), op.Name)
	if op.Handle, err = fs.reg.addFile(f); err != nil {
		f.Close()
		return
	}

	if _, err = fs.lookUp(op.Parent, op.Name, &op.Entry); err != nil {
		if f, rerr := fs.reg.removeFile(op.Handle); rerr == nil {
			f.Close()
		}

		return
	}

	op.UseDirectIO, op.KeepPageCache = fs.cacheFlags()
	return
}

func (fs *passthroughFS) CreateLink(
	ctx context.Context,
	op *fuseops.CreateLinkOp) (err error) {
	target, err := fs.reg.inode(op.Target)
	if err != nil {
		return
	}

	parent, err := fs.reg.inode(op.Parent)
	if err != nil {
		return
	}

	if err = fs.linkatEmptyNoFollow(target, parent.fd, op.Name); err != nil {
		return
	}

	st, err := statFd(target.fd)
	if err != nil {
		return
	}

	fs.reg.ref(target)
	fs.fillEntry(target, &st, &op.Entry)

	return
}

////////////////////////////////////////////////////////////////////////
// Removal
////////////////////////////////////////////////////////////////////////

func (fs *passthroughFS) Rename(
	ctx context.Context,
	op *fuseops.RenameOp) (err error) {
	oldParent, err := fs.reg.inode(op.OldParent)
	if err != nil {
		return
	}

	newParent, err := fs.reg.inode(op.NewParent)
	if err != nil {
		return
	}

	oldInode, err := fs.lookUpName(oldParent, op.OldName)
	if err != nil {
		return
	}

	defer fs.reg.unref(oldInode, 1)

	// The destination need not exist.
	if newInode, err := fs.lookUpName(newParent, op.NewName); err == nil {
		defer fs.reg.unref(newInode, 1)
	}

	if op.Flags != 0 {
		err = unix.Renameat2(oldParent.fd, op.OldName, newParent.fd, op.NewName, uint(op.Flags))
		if err == unix.ENOSYS {
			err = fuse.EINVAL
		}

		return
	}

	err = unix.Renameat(oldParent.fd, op.OldName, newParent.fd, op.NewName)
	return
}

// Remove name from parent with unlinkat(2) flags, keeping a reference to the
// record for the entry until the host is done with it.
func (fs *passthroughFS) remove(
	parentID fuseops.InodeID,
	name string,
	flags int) (err error) {
	parent, err := fs.reg.inode(parentID)
	if err != nil {
		return
	}

	in, err := fs.lookUpName(parent, name)
	if err != nil {
		return
	}

	defer fs.reg.unref(in, 1)
	err = unix.Unlinkat(parent.fd, name, flags)

	return
}

func (fs *passthroughFS) RmDir(
	ctx context.Context,
	op *fuseops.RmDirOp) error {
	return fs.remove(op.Parent, op.Name, unix.AT_REMOVEDIR)
}

func (fs *passthroughFS) Unlink(
	ctx context.Context,
	op *fuseops.UnlinkOp) error {
	return fs.remove(op.Parent, op.Name, 0)
}
