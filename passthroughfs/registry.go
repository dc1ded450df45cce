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
	"fmt"
	"os"

	"github.com/ansel1/merry"
	"github.com/google/btree"
	"github.com/jacobsa/passthrough-fuse"
	"github.com/jacobsa/passthrough-fuse/fuseops"
	"github.com/jacobsa/passthrough-fuse/internal/handletable"
	"github.com/jacobsa/syncutil"
	"golang.org/x/sys/unix"
)

// The registry owns every object the peer can name: inode records, open
// files, and open directory streams. The peer only ever sees their indices
// in the handle tables.
type registry struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	// Pre-reserved at fuseops.RootInodeID. Never destroyed.
	root *inode

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu syncutil.InvariantMutex

	// Inode records by identity.
	//
	// INVARIANT: Every item is an *inode that is also in inodes.
	// INVARIANT: byKey.Len() == inodes.Len() - 1 (for the reserved index 0)
	//
	// GUARDED_BY(mu)
	byKey *btree.BTree

	// Inode records by ID. Index 0 is reserved and holds nil.
	//
	// INVARIANT: For each index i with non-nil v, v.id == i
	// INVARIANT: For each non-nil v, !v.destroyed
	//
	// GUARDED_BY(mu)
	inodes *handletable.Table[*inode]

	// GUARDED_BY(mu)
	files *handletable.Table[*os.File]

	// GUARDED_BY(mu)
	dirs *handletable.Table[*dirStream]
}

func newRegistry(rootFd int, rootKey inodeKey, limit int) (r *registry, err error) {
	// Leave room for the reserved indices.
	inodeLimit := limit
	if limit > 0 {
		inodeLimit = limit + fuseops.RootInodeID + 1
	}

	r = &registry{
		byKey:  btree.New(2),
		inodes: handletable.New[*inode](inodeLimit),
		files:  handletable.New[*os.File](limit),
		dirs:   handletable.New[*dirStream](limit),
	}

	r.root = &inode{
		id:          fuseops.RootInodeID,
		key:         rootKey,
		fd:          rootFd,
		lookupCount: 1,
	}

	if err = r.inodes.Reserve(0, nil); err != nil {
		err = fmt.Errorf("Reserve(0): %v", err)
		return
	}

	if err = r.inodes.Reserve(fuseops.RootInodeID, r.root); err != nil {
		err = fmt.Errorf("Reserve(root): %v", err)
		return
	}

	r.byKey.ReplaceOrInsert(r.root)
	r.mu = syncutil.NewInvariantMutex(r.checkInvariants)

	return
}

// LOCKS_REQUIRED(r.mu)
func (r *registry) checkInvariants() {
	// INVARIANT: byKey.Len() == inodes.Len() - 1
	if r.byKey.Len() != r.inodes.Len()-1 {
		panic(fmt.Sprintf(
			"%d identities but %d inode handles",
			r.byKey.Len(),
			r.inodes.Len()))
	}

	// INVARIANT: For each index i with non-nil v, v.id == i
	// INVARIANT: For each non-nil v, !v.destroyed
	r.inodes.ForEach(func(i uint64, in *inode) {
		if in == nil {
			return
		}

		if uint64(in.id) != i {
			panic(fmt.Sprintf("inode %d stored at index %d", in.id, i))
		}

		if in.destroyed {
			panic(fmt.Sprintf("destroyed inode %d still registered", in.id))
		}
	})

	// INVARIANT: Every item is an *inode that is also in inodes.
	r.byKey.Ascend(func(item btree.Item) bool {
		in := item.(*inode)
		if v, ok := r.inodes.Get(uint64(in.id)); !ok || v != in {
			panic(fmt.Sprintf("identity %v not registered as %d", in.key, in.id))
		}

		return true
	})
}

func badHandle(kind string, h uint64) error {
	return fuse.WithErrno(merry.Errorf("unknown %s handle %d", kind, h), fuse.EBADF)
}

func tableFull(kind string, err error) error {
	return fuse.WithErrno(merry.Prependf(err, "allocating %s handle", kind), fuse.ENOMEM)
}

////////////////////////////////////////////////////////////////////////
// Inodes
////////////////////////////////////////////////////////////////////////

// Look up the record for an ID the peer supplied.
//
// LOCKS_EXCLUDED(r.mu)
func (r *registry) inode(id fuseops.InodeID) (in *inode, err error) {
	r.mu.Lock()
	in, ok := r.inodes.Get(uint64(id))
	r.mu.Unlock()

	if !ok || in == nil {
		err = badHandle("inode", uint64(id))
		return
	}

	return
}

// Take a reference to the record for key if one exists.
//
// LOCKS_EXCLUDED(r.mu)
func (r *registry) find(key inodeKey) (in *inode) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item := r.byKey.Get(&inode{key: key})
	if item == nil {
		return
	}

	in = item.(*inode)
	in.lookupCount++
	return
}

// Take a reference to the record for key, creating one around fd if none
// exists. The registry takes ownership of fd only if created is true;
// otherwise the caller must close it.
//
// LOCKS_EXCLUDED(r.mu)
func (r *registry) findOrCreate(
	key inodeKey,
	fd int,
	isSymlink bool) (in *inode, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if item := r.byKey.Get(&inode{key: key}); item != nil {
		in = item.(*inode)
		in.lookupCount++
		return
	}

	in = &inode{
		key:         key,
		fd:          fd,
		isSymlink:   isSymlink,
		lookupCount: 1,
	}

	id, err := r.inodes.Allocate(in)
	if err != nil {
		in = nil
		err = tableFull("inode", err)
		return
	}

	in.id = fuseops.InodeID(id)
	r.byKey.ReplaceOrInsert(in)
	created = true

	return
}

// Add a reference to a record the caller already holds one to.
//
// LOCKS_EXCLUDED(r.mu)
func (r *registry) ref(in *inode) {
	r.mu.Lock()
	in.lookupCount++
	r.mu.Unlock()
}

// Drop n references to in, destroying it if that was the last. The root is
// never destroyed.
//
// LOCKS_EXCLUDED(r.mu)
func (r *registry) unref(in *inode, n uint64) {
	if in == nil {
		return
	}

	r.mu.Lock()
	if in.destroyed {
		r.mu.Unlock()
		return
	}

	if n > in.lookupCount {
		n = in.lookupCount
	}

	in.lookupCount -= n
	if in.lookupCount > 0 || in == r.root {
		r.mu.Unlock()
		return
	}

	r.byKey.Delete(in)
	r.inodes.Remove(uint64(in.id))
	in.destroyed = true
	r.mu.Unlock()

	unix.Close(in.fd)
}

// Drop n references to the record for id. Unknown IDs are ignored, since
// forgets have no reply through which to complain.
//
// LOCKS_EXCLUDED(r.mu)
func (r *registry) forget(id fuseops.InodeID, n uint64) {
	in, err := r.inode(id)
	if err != nil {
		return
	}

	r.unref(in, n)
}

// The lookup count of the record for id, or zero if there is none.
//
// LOCKS_EXCLUDED(r.mu)
func (r *registry) lookupCount(id fuseops.InodeID) (n uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if in, ok := r.inodes.Get(uint64(id)); ok && in != nil {
		n = in.lookupCount
	}

	return
}

// The number of live records, including the root.
//
// LOCKS_EXCLUDED(r.mu)
func (r *registry) inodeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.byKey.Len()
}

////////////////////////////////////////////////////////////////////////
// Open files and directories
////////////////////////////////////////////////////////////////////////

// LOCKS_EXCLUDED(r.mu)
func (r *registry) addFile(f *os.File) (h fuseops.HandleID, err error) {
	r.mu.Lock()
	index, err := r.files.Allocate(f)
	r.mu.Unlock()

	if err != nil {
		err = tableFull("file", err)
		return
	}

	h = fuseops.HandleID(index)
	return
}

// LOCKS_EXCLUDED(r.mu)
func (r *registry) file(h fuseops.HandleID) (f *os.File, err error) {
	r.mu.Lock()
	f, ok := r.files.Get(uint64(h))
	r.mu.Unlock()

	if !ok {
		err = badHandle("file", uint64(h))
		return
	}

	return
}

// Remove the file from the table, returning it for the caller to close.
//
// LOCKS_EXCLUDED(r.mu)
func (r *registry) removeFile(h fuseops.HandleID) (f *os.File, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.files.Get(uint64(h))
	if !ok {
		err = badHandle("file", uint64(h))
		return
	}

	r.files.Remove(uint64(h))
	return
}

// LOCKS_EXCLUDED(r.mu)
func (r *registry) addDir(d *dirStream) (h fuseops.HandleID, err error) {
	r.mu.Lock()
	index, err := r.dirs.Allocate(d)
	r.mu.Unlock()

	if err != nil {
		err = tableFull("directory", err)
		return
	}

	h = fuseops.HandleID(index)
	return
}

// LOCKS_EXCLUDED(r.mu)
func (r *registry) dir(h fuseops.HandleID) (d *dirStream, err error) {
	r.mu.Lock()
	d, ok := r.dirs.Get(uint64(h))
	r.mu.Unlock()

	if !ok {
		err = badHandle("directory", uint64(h))
		return
	}

	return
}

// LOCKS_EXCLUDED(r.mu)
func (r *registry) removeDir(h fuseops.HandleID) (d *dirStream, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.dirs.Get(uint64(h))
	if !ok {
		err = badHandle("directory", uint64(h))
		return
	}

	r.dirs.Remove(uint64(h))
	return
}

////////////////////////////////////////////////////////////////////////
// Teardown
////////////////////////////////////////////////////////////////////////

// Destroy every record but the root, and close every open file and
// directory. The root's lookup count returns to one.
//
// LOCKS_EXCLUDED(r.mu)
func (r *registry) reset() {
	var fds []int
	var files []*os.File
	var dirs []*dirStream

	r.mu.Lock()

	var doomed []*inode
	r.byKey.Ascend(func(item btree.Item) bool {
		if in := item.(*inode); in != r.root {
			doomed = append(doomed, in)
		}

		return true
	})

	for _, in := range doomed {
		r.byKey.Delete(in)
		r.inodes.Remove(uint64(in.id))
		in.destroyed = true
		fds = append(fds, in.fd)
	}

	r.root.lookupCount = 1

	var fileHandles, dirHandles []uint64
	r.files.ForEach(func(h uint64, f *os.File) {
		fileHandles = append(fileHandles, h)
		files = append(files, f)
	})

	r.dirs.ForEach(func(h uint64, d *dirStream) {
		dirHandles = append(dirHandles, h)
		dirs = append(dirs, d)
	})

	for _, h := range fileHandles {
		r.files.Remove(h)
	}

	for _, h := range dirHandles {
		r.dirs.Remove(h)
	}

	r.mu.Unlock()

	for _, fd := range fds {
		unix.Close(fd)
	}

	for _, f := range files {
		f.Close()
	}

	for _, d := range dirs {
		d.close()
	}
}
