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

// Package passthroughfs implements a file system that mirrors a directory on
// the host, performing every operation the peer asks for on the
// corresponding host file.
//
// Host files are named only through descriptors: every inode record holds an
// O_PATH descriptor, and every operation works relative to one. The peer
// sees only the small integers under which records, open files and open
// directories are registered.
package passthroughfs

import (
	"fmt"
	"io/ioutil"
	"log"
	"time"

	"github.com/ansel1/merry"
	"github.com/jacobsa/passthrough-fuse"
	"github.com/jacobsa/passthrough-fuse/fuseops"
	"github.com/jacobsa/passthrough-fuse/fuseutil"
	"github.com/jacobsa/timeutil"
	"golang.org/x/net/context"
	"golang.org/x/sys/unix"
)

type passthroughFS struct {
	fuseutil.NotImplementedFileSystem

	/////////////////////////
	// Dependencies
	/////////////////////////

	clock       timeutil.Clock
	errorLogger *log.Logger
	mapper      fuse.Mapper

	/////////////////////////
	// Constant data
	/////////////////////////

	cfg     Config
	timeout time.Duration

	/////////////////////////
	// Mutable state
	/////////////////////////

	reg *registry
}

var _ fuseutil.FileSystem = &passthroughFS{}

// NewPassthroughFS opens cfg.Source and returns a file system that mirrors
// it.
func NewPassthroughFS(cfg Config) (fs fuseutil.FileSystem, err error) {
	p, err := newPassthroughFS(cfg)
	if err != nil {
		return
	}

	fs = p
	return
}

// NewServer is like NewPassthroughFS, but returns a server ready to be handed
// to fuse.Serve.
func NewServer(cfg Config) (server fuse.Server, err error) {
	fs, err := newPassthroughFS(cfg)
	if err != nil {
		return
	}

	server = fuseutil.NewFileSystemServer(fs, fs.errorLogger)
	return
}

func newPassthroughFS(cfg Config) (fs *passthroughFS, err error) {
	if err = cfg.validate(); err != nil {
		return
	}

	if cfg.Source == "" {
		cfg.Source = "/"
	}

	var st unix.Stat_t
	if err = unix.Lstat(cfg.Source, &st); err != nil {
		err = fmt.Errorf("failed to stat source (%q): %v", cfg.Source, err)
		return
	}

	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		err = fmt.Errorf("source (%q) is not a directory", cfg.Source)
		return
	}

	rootFd, err := unix.Open(cfg.Source, unix.O_PATH|unix.O_CLOEXEC, 0)
	if err != nil {
		err = fmt.Errorf("open(%q, O_PATH): %v", cfg.Source, err)
		return
	}

	if st, err = statFd(rootFd); err != nil {
		unix.Close(rootFd)
		err = fmt.Errorf("fstatat(%q): %v", cfg.Source, err)
		return
	}

	reg, err := newRegistry(rootFd, keyForStat(&st), cfg.MaxHandles)
	if err != nil {
		unix.Close(rootFd)
		return
	}

	fs = &passthroughFS{
		clock:       cfg.Clock,
		errorLogger: cfg.ErrorLogger,
		mapper:      cfg.Mapper,
		cfg:         cfg,
		timeout:     cfg.timeout(),
		reg:         reg,
	}

	if fs.clock == nil {
		fs.clock = timeutil.RealClock()
	}

	if fs.errorLogger == nil {
		fs.errorLogger = log.New(ioutil.Discard, "", 0)
	}

	return
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// Fill in an entry for a record the caller holds a new reference to.
func (fs *passthroughFS) fillEntry(
	in *inode,
	st *unix.Stat_t,
	e *fuseops.ChildInodeEntry) {
	expiration := fs.clock.Now().Add(fs.timeout)

	e.Child = in.id
	e.Attributes = convertStat(st)
	e.AttributesExpiration = expiration
	e.EntryExpiration = expiration
}

// Resolve name within parent, taking a reference to the resulting record.
func (fs *passthroughFS) lookUp(
	parentID fuseops.InodeID,
	name string,
	e *fuseops.ChildInodeEntry) (in *inode, err error) {
	parent, err := fs.reg.inode(parentID)
	if err != nil {
		return
	}

	fd, err := unix.Openat(
		parent.fd,
		name,
		unix.O_PATH|unix.O_NOFOLLOW|unix.O_CLOEXEC,
		0)

	if err != nil {
		return
	}

	st, err := statFd(fd)
	if err != nil {
		unix.Close(fd)
		return
	}

	in, created, err := fs.reg.findOrCreate(keyForStat(&st), fd, isSymlinkMode(st.Mode))
	if err != nil {
		unix.Close(fd)
		return
	}

	if !created {
		unix.Close(fd)
	}

	fs.fillEntry(in, &st, e)
	return
}

// Take a reference to the record for the existing entry name within parent.
// Returns EIO if the peer holds no reference to it.
func (fs *passthroughFS) lookUpName(
	parent *inode,
	name string) (in *inode, err error) {
	var st unix.Stat_t
	err = unix.Fstatat(parent.fd, name, &st, unix.AT_EMPTY_PATH|unix.AT_SYMLINK_NOFOLLOW)
	if err != nil {
		err = fuse.WithErrno(merry.Prepend(err, "fstatat"), fuse.EIO)
		return
	}

	if in = fs.reg.find(keyForStat(&st)); in == nil {
		err = fuse.WithErrno(merry.Errorf("%q has not been looked up", name), fuse.EIO)
		return
	}

	return
}

////////////////////////////////////////////////////////////////////////
// Session
////////////////////////////////////////////////////////////////////////

func (fs *passthroughFS) Init(
	ctx context.Context,
	op *fuseops.InitOp) error {
	capable := op.Capable

	if capable.Has(fuseops.CapExportSupport) {
		op.Want |= fuseops.CapExportSupport
	}

	if fs.cfg.Writeback && capable.Has(fuseops.CapWritebackCache) {
		op.Want |= fuseops.CapWritebackCache
	}

	if fs.cfg.Flock && capable.Has(fuseops.CapFlockLocks) {
		op.Want |= fuseops.CapFlockLocks
	}

	plus := fuseops.CapReaddirplus | fuseops.CapReaddirplusAuto
	if fs.cfg.readdirplus() {
		op.Want |= plus & capable
	} else {
		op.Want &^= plus
	}

	return nil
}

// Forget everything the peer holds.
func (fs *passthroughFS) Destroy(
	ctx context.Context,
	op *fuseops.DestroyOp) error {
	if fs.mapper != nil {
		if err := fs.mapper.RemoveAllMappings(); err != nil {
			fs.errorLogger.Printf("Destroy: RemoveAllMappings: %v", err)
		}
	}

	fs.reg.reset()
	return nil
}

func (fs *passthroughFS) StatFS(
	ctx context.Context,
	op *fuseops.StatFSOp) (err error) {
	var st unix.Statfs_t
	if err = unix.Fstatfs(fs.reg.root.fd, &st); err != nil {
		return
	}

	op.BlockSize = uint32(st.Frsize)
	op.Blocks = st.Blocks
	op.BlocksFree = st.Bfree
	op.BlocksAvailable = st.Bavail
	op.IoSize = uint32(st.Bsize)
	op.Inodes = st.Files
	op.InodesFree = st.Ffree
	op.NameLen = uint32(st.Namelen)

	return
}

////////////////////////////////////////////////////////////////////////
// Inodes
////////////////////////////////////////////////////////////////////////

func (fs *passthroughFS) LookUpInode(
	ctx context.Context,
	op *fuseops.LookUpInodeOp) (err error) {
	_, err = fs.lookUp(op.Parent, op.Name, &op.Entry)
	return
}

func (fs *passthroughFS) GetInodeAttributes(
	ctx context.Context,
	op *fuseops.GetInodeAttributesOp) (err error) {
	in, err := fs.reg.inode(op.Inode)
	if err != nil {
		return
	}

	st, err := statFd(in.fd)
	if err != nil {
		return
	}

	op.Attributes = convertStat(&st)
	op.AttributesExpiration = fs.clock.Now().Add(fs.timeout)

	return
}

func (fs *passthroughFS) SetInodeAttributes(
	ctx context.Context,
	op *fuseops.SetInodeAttributesOp) (err error) {
	in, err := fs.reg.inode(op.Inode)
	if err != nil {
		return
	}

	// With a handle, change the file through its open descriptor.
	fd := -1
	if op.Handle != nil {
		f, err := fs.reg.file(*op.Handle)
		if err != nil {
			return err
		}

		fd = int(f.Fd())
	}

	if op.Mode != nil {
		mode := fuseops.UnixMode(*op.Mode) &^ unix.S_IFMT
		if fd >= 0 {
			err = unix.Fchmod(fd, mode)
		} else {
			err = unix.Chmod(in.procPath(), mode)
		}

		if err != nil {
			return
		}
	}

	if op.Uid != nil || op.Gid != nil {
		uid, gid := -1, -1
		if op.Uid != nil {
			uid = int(*op.Uid)
		}

		if op.Gid != nil {
			gid = int(*op.Gid)
		}

		err = unix.Fchownat(
			in.fd,
			"",
			uid,
			gid,
			unix.AT_EMPTY_PATH|unix.AT_SYMLINK_NOFOLLOW)

		if err != nil {
			return
		}
	}

	if op.Size != nil {
		if fd >= 0 {
			err = unix.Ftruncate(fd, int64(*op.Size))
		} else {
			err = unix.Truncate(in.procPath(), int64(*op.Size))
		}

		if err != nil {
			return
		}
	}

	if op.Atime != nil || op.Mtime != nil || op.AtimeNow || op.MtimeNow {
		ts := []unix.Timespec{
			timespecFor(op.Atime, op.AtimeNow),
			timespecFor(op.Mtime, op.MtimeNow),
		}

		if fd >= 0 {
			err = unix.UtimesNanoAt(unix.AT_FDCWD, procPath(fd), ts, 0)
		} else {
			err = fs.utimensatEmpty(in, ts)
		}

		if err != nil {
			return
		}
	}

	st, err := statFd(in.fd)
	if err != nil {
		return
	}

	op.Attributes = convertStat(&st)
	op.AttributesExpiration = fs.clock.Now().Add(fs.timeout)

	return
}

func timespecFor(t *time.Time, now bool) unix.Timespec {
	switch {
	case now:
		return unix.Timespec{Nsec: unix.UTIME_NOW}
	case t != nil:
		return unix.NsecToTimespec(t.UnixNano())
	}

	return unix.Timespec{Nsec: unix.UTIME_OMIT}
}

func (fs *passthroughFS) ForgetInode(
	ctx context.Context,
	op *fuseops.ForgetInodeOp) error {
	fs.reg.forget(op.Inode, op.N)
	return nil
}

func (fs *passthroughFS) BatchForget(
	ctx context.Context,
	op *fuseops.BatchForgetOp) error {
	for _, e := range op.Entries {
		fs.reg.forget(e.Inode, e.N)
	}

	return nil
}

func (fs *passthroughFS) ReadSymlink(
	ctx context.Context,
	op *fuseops.ReadSymlinkOp) (err error) {
	in, err := fs.reg.inode(op.Inode)
	if err != nil {
		return
	}

	buf := make([]byte, unix.PathMax+1)
	n, err := unix.Readlinkat(in.fd, "", buf)
	if err != nil {
		return
	}

	if n == len(buf) {
		err = unix.ENAMETOOLONG
		return
	}

	op.Target = string(buf[:n])
	return
}
