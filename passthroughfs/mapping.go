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

func (fs *passthroughFS) SetupMapping(
	ctx context.Context,
	op *fuseops.SetupMappingOp) (err error) {
	if fs.mapper == nil {
		err = fuse.ENOSYS
		return
	}

	var f *os.File
	if op.Handle != nil {
		if f, err = fs.reg.file(*op.Handle); err != nil {
			return
		}
	} else {
		var in *inode
		if in, err = fs.reg.inode(op.Inode); err != nil {
			return
		}

		// Shared writable mappings need a read-write descriptor.
		flags := unix.O_RDONLY
		if op.Write {
			flags = unix.O_RDWR
		}

		if f, err = fs.reopen(in, flags); err != nil {
			return
		}

		defer f.Close()
	}

	err = fs.mapper.SetupMapping(
		int(f.Fd()),
		op.FileOffset,
		op.Length,
		op.MapOffset,
		op.Read,
		op.Write)

	if err != nil {
		fs.errorLogger.Printf(
			"SetupMapping(inode %d, map offset %#x): %v",
			op.Inode,
			op.MapOffset,
			err)

		err = fuse.EINVAL
		return
	}

	return
}

func (fs *passthroughFS) RemoveMapping(
	ctx context.Context,
	op *fuseops.RemoveMappingOp) (err error) {
	if fs.mapper == nil {
		err = fuse.ENOSYS
		return
	}

	if err = fs.mapper.RemoveMapping(op.MapOffset, op.Length); err != nil {
		fs.errorLogger.Printf(
			"RemoveMapping(offset %#x, length %#x): %v",
			op.MapOffset,
			op.Length,
			err)

		err = fuse.EINVAL
		return
	}

	return
}
