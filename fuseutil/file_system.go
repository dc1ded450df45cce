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

package fuseutil

import (
	"io"
	"log"

	"github.com/jacobsa/passthrough-fuse"
	"github.com/jacobsa/passthrough-fuse/fuseops"
	"golang.org/x/net/context"
	"golang.org/x/sync/errgroup"
)

// An interface with a method for each op type in the fuseops package. This can
// be used in conjunction with NewFileSystemServer to avoid writing a "dispatch
// loop" that switches on op types, instead receiving typed method calls
// directly.
//
// Each method should fill in appropriate response fields for the supplied op
// and return an error status, but not reply to the op itself. The context is
// cancelled if the peer interrupts the op.
//
// See NotImplementedFileSystem for a convenient way to embed default
// implementations for methods you don't care about.
type FileSystem interface {
	Init(context.Context, *fuseops.InitOp) error
	Destroy(context.Context, *fuseops.DestroyOp) error
	StatFS(context.Context, *fuseops.StatFSOp) error
	LookUpInode(context.Context, *fuseops.LookUpInodeOp) error
	GetInodeAttributes(context.Context, *fuseops.GetInodeAttributesOp) error
	SetInodeAttributes(context.Context, *fuseops.SetInodeAttributesOp) error
	ForgetInode(context.Context, *fuseops.ForgetInodeOp) error
	BatchForget(context.Context, *fuseops.BatchForgetOp) error
	MkDir(context.Context, *fuseops.MkDirOp) error
	MkNode(context.Context, *fuseops.MkNodeOp) error
	CreateFile(context.Context, *fuseops.CreateFileOp) error
	CreateSymlink(context.Context, *fuseops.CreateSymlinkOp) error
	CreateLink(context.Context, *fuseops.CreateLinkOp) error
	Rename(context.Context, *fuseops.RenameOp) error
	RmDir(context.Context, *fuseops.RmDirOp) error
	Unlink(context.Context, *fuseops.UnlinkOp) error
	OpenDir(context.Context, *fuseops.OpenDirOp) error
	ReadDir(context.Context, *fuseops.ReadDirOp) error
	ReleaseDirHandle(context.Context, *fuseops.ReleaseDirHandleOp) error
	SyncDir(context.Context, *fuseops.SyncDirOp) error
	OpenFile(context.Context, *fuseops.OpenFileOp) error
	ReadFile(context.Context, *fuseops.ReadFileOp) error
	WriteFile(context.Context, *fuseops.WriteFileOp) error
	SyncFile(context.Context, *fuseops.SyncFileOp) error
	FlushFile(context.Context, *fuseops.FlushFileOp) error
	ReleaseFileHandle(context.Context, *fuseops.ReleaseFileHandleOp) error
	ReadSymlink(context.Context, *fuseops.ReadSymlinkOp) error
	SetXattr(context.Context, *fuseops.SetXattrOp) error
	GetXattr(context.Context, *fuseops.GetXattrOp) error
	ListXattr(context.Context, *fuseops.ListXattrOp) error
	RemoveXattr(context.Context, *fuseops.RemoveXattrOp) error
	Fallocate(context.Context, *fuseops.FallocateOp) error
	Flock(context.Context, *fuseops.FlockOp) error
	CopyFileRange(context.Context, *fuseops.CopyFileRangeOp) error
	SetupMapping(context.Context, *fuseops.SetupMappingOp) error
	RemoveMapping(context.Context, *fuseops.RemoveMappingOp) error
}

// Create a fuse.Server that serves ops by calling the associated FileSystem
// method and then replying with the resulting error. Ops are served by
// Connection.Workers() goroutines, each reading an op and handling it to
// completion before reading the next.
//
// If errorLogger is non-nil, errors that end a worker are written to it.
func NewFileSystemServer(fs FileSystem, errorLogger *log.Logger) fuse.Server {
	return &fileSystemServer{
		fs:          fs,
		errorLogger: errorLogger,
	}
}

type fileSystemServer struct {
	fs          FileSystem
	errorLogger *log.Logger
}

func (s *fileSystemServer) ServeOps(c *fuse.Connection) {
	var group errgroup.Group
	for i := 0; i < c.Workers(); i++ {
		group.Go(func() error {
			return s.serveLoop(c)
		})
	}

	if err := group.Wait(); err != nil && s.errorLogger != nil {
		s.errorLogger.Printf("ServeOps: %v", err)
	}
}

// Read and handle ops until the connection runs dry.
func (s *fileSystemServer) serveLoop(c *fuse.Connection) error {
	for {
		ctx, op, err := c.ReadOp()
		if err == io.EOF {
			return nil
		}

		if err != nil {
			return err
		}

		c.Reply(ctx, s.handleOp(ctx, op))
	}
}

func (s *fileSystemServer) handleOp(ctx context.Context, op interface{}) error {
	switch typed := op.(type) {
	case *fuseops.InitOp:
		// A renegotiating peer has forgotten everything; so must we.
		if typed.Reinit {
			destroy := &fuseops.DestroyOp{OpContext: typed.OpContext}
			if err := s.fs.Destroy(ctx, destroy); err != nil {
				return err
			}
		}

		return s.fs.Init(ctx, typed)

	case *fuseops.DestroyOp:
		return s.fs.Destroy(ctx, typed)

	case *fuseops.StatFSOp:
		return s.fs.StatFS(ctx, typed)

	case *fuseops.LookUpInodeOp:
		return s.fs.LookUpInode(ctx, typed)

	case *fuseops.GetInodeAttributesOp:
		return s.fs.GetInodeAttributes(ctx, typed)

	case *fuseops.SetInodeAttributesOp:
		return s.fs.SetInodeAttributes(ctx, typed)

	case *fuseops.ForgetInodeOp:
		return s.fs.ForgetInode(ctx, typed)

	case *fuseops.BatchForgetOp:
		return s.fs.BatchForget(ctx, typed)

	case *fuseops.MkDirOp:
		return s.fs.MkDir(ctx, typed)

	case *fuseops.MkNodeOp:
		return s.fs.MkNode(ctx, typed)

	case *fuseops.CreateFileOp:
		return s.fs.CreateFile(ctx, typed)

	case *fuseops.CreateSymlinkOp:
		return s.fs.CreateSymlink(ctx, typed)

	case *fuseops.CreateLinkOp:
		return s.fs.CreateLink(ctx, typed)

	case *fuseops.RenameOp:
		return s.fs.Rename(ctx, typed)

	case *fuseops.RmDirOp:
		return s.fs.RmDir(ctx, typed)

	case *fuseops.UnlinkOp:
		return s.fs.Unlink(ctx, typed)

	case *fuseops.OpenDirOp:
		return s.fs.OpenDir(ctx, typed)

	case *fuseops.ReadDirOp:
		return s.fs.ReadDir(ctx, typed)

	case *fuseops.ReleaseDirHandleOp:
		return s.fs.ReleaseDirHandle(ctx, typed)

	case *fuseops.SyncDirOp:
		return s.fs.SyncDir(ctx, typed)

	case *fuseops.OpenFileOp:
		return s.fs.OpenFile(ctx, typed)

	case *fuseops.ReadFileOp:
		return s.fs.ReadFile(ctx, typed)

	case *fuseops.WriteFileOp:
		return s.fs.WriteFile(ctx, typed)

	case *fuseops.SyncFileOp:
		return s.fs.SyncFile(ctx, typed)

	case *fuseops.FlushFileOp:
		return s.fs.FlushFile(ctx, typed)

	case *fuseops.ReleaseFileHandleOp:
		return s.fs.ReleaseFileHandle(ctx, typed)

	case *fuseops.ReadSymlinkOp:
		return s.fs.ReadSymlink(ctx, typed)

	case *fuseops.SetXattrOp:
		return s.fs.SetXattr(ctx, typed)

	case *fuseops.GetXattrOp:
		return s.fs.GetXattr(ctx, typed)

	case *fuseops.ListXattrOp:
		return s.fs.ListXattr(ctx, typed)

	case *fuseops.RemoveXattrOp:
		return s.fs.RemoveXattr(ctx, typed)

	case *fuseops.FallocateOp:
		return s.fs.Fallocate(ctx, typed)

	case *fuseops.FlockOp:
		return s.fs.Flock(ctx, typed)

	case *fuseops.CopyFileRangeOp:
		return s.fs.CopyFileRange(ctx, typed)

	case *fuseops.SetupMappingOp:
		return s.fs.SetupMapping(ctx, typed)

	case *fuseops.RemoveMappingOp:
		return s.fs.RemoveMapping(ctx, typed)
	}

	return fuse.ENOSYS
}
