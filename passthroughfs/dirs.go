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
	"github.com/jacobsa/passthrough-fuse/fuseops"
	"github.com/jacobsa/passthrough-fuse/fuseutil"
	"golang.org/x/net/context"
	"golang.org/x/sys/unix"
)

func (fs *passthroughFS) OpenDir(
	ctx context.Context,
	op *fuseops.OpenDirOp) (err error) {
	in, err := fs.reg.inode(op.Inode)
	if err != nil {
		return
	}

	fd, err := unix.Openat(in.fd, ".", unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return
	}

	d := newDirStream(fd)
	if op.Handle, err = fs.reg.addDir(d); err != nil {
		d.close()
		return
	}

	op.KeepCache = fs.cfg.Cache == CacheAlways
	return
}

// Fill op.Dst with entries starting at op.Offset. In plus mode every entry
// but "." and ".." is looked up, and so counts as a reference the peer now
// holds; an entry that is looked up but then does not fit is forgotten again.
//
// An error is reported only if no entry was written, since the peer would
// otherwise lose track of the references it was given.
func (fs *passthroughFS) ReadDir(
	ctx context.Context,
	op *fuseops.ReadDirOp) (err error) {
	d, err := fs.reg.dir(op.Handle)
	if err != nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	defer func() {
		if op.BytesRead > 0 {
			err = nil
		}
	}()

	if err = d.seek(uint64(op.Offset)); err != nil {
		return
	}

	for {
		var e *hostDirent
		if e, err = d.peek(); err != nil || e == nil {
			return
		}

		dirent := fuseutil.Dirent{
			Offset: fuseops.DirOffset(e.next),
			Inode:  e.ino,
			Name:   e.name,
			Type:   fuseutil.DirentType(e.typ),
		}

		var n int
		if op.Plus {
			n, err = fs.writeDirentPlus(op, e, dirent)
			if err != nil {
				return
			}
		} else {
			n = fuseutil.WriteDirent(op.Dst[op.BytesRead:], dirent)
		}

		if n == 0 {
			return
		}

		op.BytesRead += n
		d.advance()
	}
}

// Write e with its attributes, looking it up unless it is "." or "..".
// Returns zero if it does not fit.
func (fs *passthroughFS) writeDirentPlus(
	op *fuseops.ReadDirOp,
	e *hostDirent,
	dirent fuseutil.Dirent) (n int, err error) {
	dst := op.Dst[op.BytesRead:]
	if fuseutil.DirentPlusSize(dirent) > len(dst) {
		return
	}

	var entry fuseops.ChildInodeEntry
	var in *inode
	if isDotOrDotDot(e.name) {
		entry.Attributes = fuseops.InodeAttributes{
			Ino:  e.ino,
			Mode: fuseops.ConvertFileMode(uint32(e.typ) << 12),
		}
	} else {
		if in, err = fs.lookUp(op.Inode, e.name, &entry); err != nil {
			return
		}
	}

	n = fuseutil.WriteDirentPlus(dst, &entry, fs.clock.Now(), dirent)
	if n == 0 {
		fs.reg.unref(in, 1)
	}

	return
}

func (fs *passthroughFS) ReleaseDirHandle(
	ctx context.Context,
	op *fuseops.ReleaseDirHandleOp) (err error) {
	d, err := fs.reg.removeDir(op.Handle)
	if err != nil {
		return
	}

	d.close()
	return
}

func (fs *passthroughFS) SyncDir(
	ctx context.Context,
	op *fuseops.SyncDirOp) (err error) {
	d, err := fs.reg.dir(op.Handle)
	if err != nil {
		return
	}

	err = syncFd(d.fd, op.DataOnly)
	return
}
