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
	"time"

	"github.com/detailyang/go-fallocate"
	"github.com/jacobsa/passthrough-fuse"
	"github.com/jacobsa/passthrough-fuse/fuseops"
	"golang.org/x/net/context"
	"golang.org/x/sys/unix"
)

// Bounds on retrying a read that would block.
const (
	eagainRetries = 50
	eagainDelay   = 10 * time.Millisecond
)

// Write-only opens become read-write, so that the peer may read through the
// handle when it fills its write-back cache or a shared writable mapping.
func promoteWriteOnly(flags int) int {
	if flags&unix.O_ACCMODE == unix.O_WRONLY {
		flags = flags&^unix.O_ACCMODE | unix.O_RDWR
	}

	return flags
}

func (fs *passthroughFS) cacheFlags() (directIO, keepCache bool) {
	switch fs.cfg.Cache {
	case CacheNone:
		directIO = true
	case CacheAlways:
		keepCache = true
	}

	return
}

// Open in for I/O through its proc path, which reopens the host file rather
// than the O_PATH descriptor.
func (fs *passthroughFS) reopen(in *inode, flags int) (*os.File, error) {
	return os.OpenFile(in.procPath(), flags&^unix.O_NOFOLLOW, 0)
}

// Read into dst at off until it is full or the file ends.
func preadFull(fd int, dst []byte, off int64) (n int, err error) {
	retries := 0
	for n < len(dst) {
		var m int
		m, err = unix.Pread(fd, dst[n:], off+int64(n))

		switch {
		case err == unix.EINTR:
			continue

		case err == unix.EAGAIN && retries < eagainRetries:
			retries++
			time.Sleep(eagainDelay)
			continue

		case err != nil:
			return

		case m == 0:
			return
		}

		n += m
	}

	return
}

// Write all of data at off.
func pwriteFull(fd int, data []byte, off int64) (n int, err error) {
	for n < len(data) {
		var m int
		m, err = unix.Pwrite(fd, data[n:], off+int64(n))
		if err == unix.EINTR {
			continue
		}

		if err != nil {
			return
		}

		n += m
	}

	return
}

func syncFd(fd int, dataOnly bool) error {
	if dataOnly {
		return unix.Fdatasync(fd)
	}

	return unix.Fsync(fd)
}

////////////////////////////////////////////////////////////////////////
// Open and close
////////////////////////////////////////////////////////////////////////

func (fs *passthroughFS) OpenFile(
	ctx context.Context,
	op *fuseops.OpenFileOp) (err error) {
	in, err := fs.reg.inode(op.Inode)
	if err != nil {
		return
	}

	flags := promoteWriteOnly(int(op.Flags))

	// With write-back caching the peer computes appends itself.
	if fs.cfg.Writeback {
		flags &^= unix.O_APPEND
	}

	f, err := fs.reopen(in, flags)
	if err != nil {
		return
	}

	if op.Handle, err = fs.reg.addFile(f); err != nil {
		f.Close()
		return
	}

	op.UseDirectIO, op.KeepPageCache = fs.cacheFlags()
	return
}

func (fs *passthroughFS) FlushFile(
	ctx context.Context,
	op *fuseops.FlushFileOp) (err error) {
	f, err := fs.reg.file(op.Handle)
	if err != nil {
		return
	}

	// Closing a duplicate surfaces deferred write errors while the handle
	// stays open.
	dup, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return
	}

	err = unix.Close(dup)
	return
}

func (fs *passthroughFS) ReleaseFileHandle(
	ctx context.Context,
	op *fuseops.ReleaseFileHandleOp) (err error) {
	f, err := fs.reg.removeFile(op.Handle)
	if err != nil {
		return
	}

	f.Close()
	return
}

////////////////////////////////////////////////////////////////////////
// I/O
////////////////////////////////////////////////////////////////////////

func (fs *passthroughFS) ReadFile(
	ctx context.Context,
	op *fuseops.ReadFileOp) (err error) {
	f, err := fs.reg.file(op.Handle)
	if err != nil {
		return
	}

	op.BytesRead, err = preadFull(int(f.Fd()), op.Dst, op.Offset)
	return
}

func (fs *passthroughFS) WriteFile(
	ctx context.Context,
	op *fuseops.WriteFileOp) (err error) {
	f, err := fs.reg.file(op.Handle)
	if err != nil {
		return
	}

	op.BytesWritten, err = pwriteFull(int(f.Fd()), op.Data, op.Offset)
	return
}

func (fs *passthroughFS) SyncFile(
	ctx context.Context,
	op *fuseops.SyncFileOp) (err error) {
	if op.Handle != nil {
		var f *os.File
		if f, err = fs.reg.file(*op.Handle); err != nil {
			return
		}

		err = syncFd(int(f.Fd()), op.DataOnly)
		return
	}

	in, err := fs.reg.inode(op.Inode)
	if err != nil {
		return
	}

	f, err := fs.reopen(in, unix.O_RDWR)
	if err != nil {
		return
	}

	defer f.Close()
	err = syncFd(int(f.Fd()), op.DataOnly)

	return
}

func (fs *passthroughFS) Fallocate(
	ctx context.Context,
	op *fuseops.FallocateOp) (err error) {
	if op.Mode != 0 {
		err = fuse.EOPNOTSUPP
		return
	}

	f, err := fs.reg.file(op.Handle)
	if err != nil {
		return
	}

	err = fallocate.Fallocate(f, int64(op.Offset), int64(op.Length))
	return
}

func (fs *passthroughFS) Flock(
	ctx context.Context,
	op *fuseops.FlockOp) (err error) {
	if !fs.cfg.Flock {
		err = fuse.ENOSYS
		return
	}

	f, err := fs.reg.file(op.Handle)
	if err != nil {
		return
	}

	var how int
	switch op.Type {
	case fuseops.F_RDLOCK:
		how = unix.LOCK_SH
	case fuseops.F_WRLOCK:
		how = unix.LOCK_EX
	default:
		how = unix.LOCK_UN
	}

	if !op.Wait {
		how |= unix.LOCK_NB
	}

	err = unix.Flock(int(f.Fd()), how)
	return
}

func (fs *passthroughFS) CopyFileRange(
	ctx context.Context,
	op *fuseops.CopyFileRangeOp) (err error) {
	in, err := fs.reg.file(op.HandleIn)
	if err != nil {
		return
	}

	out, err := fs.reg.file(op.HandleOut)
	if err != nil {
		return
	}

	offIn, offOut := op.OffsetIn, op.OffsetOut
	n, err := unix.CopyFileRange(
		int(in.Fd()),
		&offIn,
		int(out.Fd()),
		&offOut,
		int(op.Length),
		int(op.Flags))

	if err != nil {
		return
	}

	op.BytesCopied = uint64(n)
	return
}
