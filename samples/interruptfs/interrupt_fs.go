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

package interruptfs

import (
	"fmt"
	"os"
	"sync"
	"syscall"

	"github.com/jacobsa/passthrough-fuse"
	"github.com/jacobsa/passthrough-fuse/fuseops"
	"github.com/jacobsa/passthrough-fuse/fuseutil"
	"golang.org/x/net/context"
)

var rootAttrs = fuseops.InodeAttributes{
	Nlink: 1,
	Mode:  os.ModeDir | 0777,
}

const fooID = fuseops.RootInodeID + 1

var fooAttrs = fuseops.InodeAttributes{
	Nlink: 1,
	Mode:  0777,
	Size:  1234,
}

// A file system containing exactly one file, named "foo". Reads to the file
// always hang until interrupted. Exposes a method for synchronizing with the
// arrival of a read.
//
// Must be created with New.
type InterruptFS struct {
	fuseutil.NotImplementedFileSystem

	mu sync.Mutex

	// GUARDED_BY(mu)
	readInFlight        bool
	readInFlightChanged sync.Cond

	// The number of reads that ended because they were interrupted.
	//
	// GUARDED_BY(mu)
	interrupted int
}

func New() (fs *InterruptFS) {
	fs = &InterruptFS{}
	fs.readInFlightChanged.L = &fs.mu

	return
}

////////////////////////////////////////////////////////////////////////
// Public interface
////////////////////////////////////////////////////////////////////////

// Block until the first read is received.
//
// LOCKS_EXCLUDED(fs.mu)
func (fs *InterruptFS) WaitForReadInFlight() {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for !fs.readInFlight {
		fs.readInFlightChanged.Wait()
	}
}

// LOCKS_EXCLUDED(fs.mu)
func (fs *InterruptFS) InterruptedReads() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return fs.interrupted
}

////////////////////////////////////////////////////////////////////////
// FileSystem methods
////////////////////////////////////////////////////////////////////////

func (fs *InterruptFS) Init(
	ctx context.Context,
	op *fuseops.InitOp) error {
	return nil
}

func (fs *InterruptFS) LookUpInode(
	ctx context.Context,
	op *fuseops.LookUpInodeOp) error {
	// We support only one parent.
	if op.Parent != fuseops.RootInodeID {
		return fmt.Errorf("Unexpected parent: %v", op.Parent)
	}

	// We support only one name.
	if op.Name != "foo" {
		return fuse.ENOENT
	}

	// Fill in the response.
	op.Entry.Child = fooID
	op.Entry.Attributes = fooAttrs

	return nil
}

func (fs *InterruptFS) GetInodeAttributes(
	ctx context.Context,
	op *fuseops.GetInodeAttributesOp) error {
	switch op.Inode {
	case fuseops.RootInodeID:
		op.Attributes = rootAttrs

	case fooID:
		op.Attributes = fooAttrs

	default:
		return fmt.Errorf("Unexpected inode ID: %v", op.Inode)
	}

	return nil
}

func (fs *InterruptFS) OpenFile(
	ctx context.Context,
	op *fuseops.OpenFileOp) error {
	return nil
}

func (fs *InterruptFS) ReadFile(
	ctx context.Context,
	op *fuseops.ReadFileOp) error {
	fs.mu.Lock()
	fs.readInFlight = true
	fs.readInFlightChanged.Broadcast()
	fs.mu.Unlock()

	// Wait for cancellation.
	<-ctx.Done()

	fs.mu.Lock()
	fs.interrupted++
	fs.mu.Unlock()

	return syscall.EINTR
}
