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
	"github.com/jacobsa/passthrough-fuse"
	"github.com/jacobsa/passthrough-fuse/fuseops"
	"golang.org/x/net/context"
	"golang.org/x/sys/unix"
)

// Find the record whose extended attributes are to be accessed. Symlinks are
// refused, since the host offers no race free way to reach their attributes.
func (fs *passthroughFS) xattrInode(id fuseops.InodeID) (in *inode, err error) {
	if in, err = fs.reg.inode(id); err != nil {
		return
	}

	if !fs.cfg.Xattr {
		err = fuse.ENOSYS
		return
	}

	if in.isSymlink {
		err = fuse.EPERM
		return
	}

	return
}

func (fs *passthroughFS) GetXattr(
	ctx context.Context,
	op *fuseops.GetXattrOp) (err error) {
	in, err := fs.xattrInode(op.Inode)
	if err != nil {
		return
	}

	op.BytesRead, err = unix.Getxattr(in.procPath(), op.Name, op.Dst)
	return
}

func (fs *passthroughFS) ListXattr(
	ctx context.Context,
	op *fuseops.ListXattrOp) (err error) {
	in, err := fs.xattrInode(op.Inode)
	if err != nil {
		return
	}

	op.BytesRead, err = unix.Listxattr(in.procPath(), op.Dst)
	return
}

func (fs *passthroughFS) SetXattr(
	ctx context.Context,
	op *fuseops.SetXattrOp) (err error) {
	in, err := fs.xattrInode(op.Inode)
	if err != nil {
		return
	}

	err = unix.Setxattr(in.procPath(), op.Name, op.Value, int(op.Flags))
	return
}

func (fs *passthroughFS) RemoveXattr(
	ctx context.Context,
	op *fuseops.RemoveXattrOp) (err error) {
	in, err := fs.xattrInode(op.Inode)
	if err != nil {
		return
	}

	err = unix.Removexattr(in.procPath(), op.Name)
	return
}
