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

package passthroughfs_test

import (
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"path"
	"syscall"
	"testing"
	"time"

	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
	fuse "github.com/jacobsa/passthrough-fuse"
	"github.com/jacobsa/passthrough-fuse/fuseops"
	"github.com/jacobsa/passthrough-fuse/fuseutil"
	"github.com/jacobsa/passthrough-fuse/passthroughfs"
	"golang.org/x/net/context"
	"golang.org/x/sys/unix"
)

func TestOps(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

// Calls file system methods directly, without a connection in between.
type OpsTest struct {
	ctx context.Context
	dir string
	fs  fuseutil.FileSystem
}

var _ SetUpInterface = &OpsTest{}
var _ TearDownInterface = &OpsTest{}

func init() { RegisterTestSuite(&OpsTest{}) }

func (t *OpsTest) SetUp(ti *TestInfo) {
	t.ctx = context.Background()

	var err error
	t.dir, err = ioutil.TempDir("", "passthroughfs_ops_test")
	AssertEq(nil, err)

	t.create(passthroughfs.Config{})
}

func (t *OpsTest) TearDown() {
	ExpectEq(nil, os.RemoveAll(t.dir))
}

func (t *OpsTest) create(cfg passthroughfs.Config) {
	cfg.Source = t.dir

	var err error
	t.fs, err = passthroughfs.NewPassthroughFS(cfg)
	AssertEq(nil, err)
}

// Write a file on the host and look it up.
func (t *OpsTest) file(name string, contents string) fuseops.InodeID {
	err := ioutil.WriteFile(path.Join(t.dir, name), []byte(contents), 0600)
	AssertEq(nil, err)

	return t.lookUp(name)
}

func (t *OpsTest) lookUp(name string) fuseops.InodeID {
	op := &fuseops.LookUpInodeOp{
		Parent: fuseops.RootInodeID,
		Name:   name,
	}

	AssertEq(nil, t.fs.LookUpInode(t.ctx, op))
	return op.Entry.Child
}

func (t *OpsTest) open(id fuseops.InodeID, flags uint32) fuseops.HandleID {
	op := &fuseops.OpenFileOp{
		Inode: id,
		Flags: flags,
	}

	AssertEq(nil, t.fs.OpenFile(t.ctx, op))
	return op.Handle
}

// The error number the server would send for err.
func errno(err error) syscall.Errno {
	e, _ := fuse.ErrnoFor(err)
	return e
}

func (t *OpsTest) hostSize(name string) int64 {
	fi, err := os.Stat(path.Join(t.dir, name))
	AssertEq(nil, err)

	return fi.Size()
}

////////////////////////////////////////////////////////////////////////
// Config
////////////////////////////////////////////////////////////////////////

func (t *OpsTest) SourceMustBeADirectory() {
	err := ioutil.WriteFile(path.Join(t.dir, "f"), nil, 0600)
	AssertEq(nil, err)

	_, err = passthroughfs.NewPassthroughFS(passthroughfs.Config{
		Source: path.Join(t.dir, "f"),
	})

	ExpectThat(err, Error(HasSubstr("not a directory")))
}

func (t *OpsTest) SourceMustExist() {
	_, err := passthroughfs.NewPassthroughFS(passthroughfs.Config{
		Source: path.Join(t.dir, "missing"),
	})

	ExpectThat(err, Error(HasSubstr("missing")))
}

func (t *OpsTest) NegativeTimeout() {
	d := -time.Second
	_, err := passthroughfs.NewPassthroughFS(passthroughfs.Config{
		Source:  t.dir,
		Timeout: &d,
	})

	ExpectThat(err, Error(HasSubstr("timeout")))
}

func (t *OpsTest) ParseCachePolicy() {
	for _, p := range []passthroughfs.CachePolicy{
		passthroughfs.CacheNone,
		passthroughfs.CacheAuto,
		passthroughfs.CacheAlways,
	} {
		parsed, err := passthroughfs.ParseCachePolicy(p.String())
		AssertEq(nil, err)
		ExpectEq(p, parsed)
	}

	_, err := passthroughfs.ParseCachePolicy("sometimes")
	ExpectThat(err, Error(HasSubstr("sometimes")))
}

func (t *OpsTest) ExplicitTimeout() {
	d := 17 * time.Second
	t.create(passthroughfs.Config{
		Cache:   passthroughfs.CacheNone,
		Timeout: &d,
	})

	t.file("f", "")

	op := &fuseops.LookUpInodeOp{
		Parent: fuseops.RootInodeID,
		Name:   "f",
	}

	before := time.Now()
	AssertEq(nil, t.fs.LookUpInode(t.ctx, op))

	ExpectFalse(op.Entry.EntryExpiration.Before(before.Add(d)))
	ExpectFalse(op.Entry.AttributesExpiration.Before(before.Add(d)))
}

////////////////////////////////////////////////////////////////////////
// Init
////////////////////////////////////////////////////////////////////////

func (t *OpsTest) InitDefaults() {
	t.create(passthroughfs.Config{Cache: passthroughfs.CacheAuto})

	op := &fuseops.InitOp{Capable: fuseops.KnownCapabilities}
	AssertEq(nil, t.fs.Init(t.ctx, op))

	ExpectTrue(op.Want.Has(fuseops.CapExportSupport))
	ExpectTrue(op.Want.Has(fuseops.CapReaddirplus | fuseops.CapReaddirplusAuto))
	ExpectFalse(op.Want.Has(fuseops.CapWritebackCache))
	ExpectFalse(op.Want.Has(fuseops.CapFlockLocks))
}

func (t *OpsTest) InitWithWritebackAndFlock() {
	t.create(passthroughfs.Config{
		Writeback: true,
		Flock:     true,
	})

	op := &fuseops.InitOp{Capable: fuseops.KnownCapabilities}
	AssertEq(nil, t.fs.Init(t.ctx, op))

	ExpectTrue(op.Want.Has(fuseops.CapWritebackCache))
	ExpectTrue(op.Want.Has(fuseops.CapFlockLocks))
}

func (t *OpsTest) InitOnlyWantsWhatIsOffered() {
	t.create(passthroughfs.Config{
		Writeback:   true,
		Readdirplus: passthroughfs.ReaddirplusOn,
	})

	op := &fuseops.InitOp{Capable: fuseops.CapAsyncRead}
	AssertEq(nil, t.fs.Init(t.ctx, op))

	ExpectEq(0, op.Want&^op.Capable)
}

func (t *OpsTest) InitReaddirplusFollowsCachePolicy() {
	// Off by default with no caching.
	t.create(passthroughfs.Config{Cache: passthroughfs.CacheNone})

	op := &fuseops.InitOp{
		Capable: fuseops.KnownCapabilities,
		Want:    fuseops.CapReaddirplus,
	}

	AssertEq(nil, t.fs.Init(t.ctx, op))
	ExpectFalse(op.Want.Has(fuseops.CapReaddirplus))

	// Unless asked for.
	t.create(passthroughfs.Config{
		Cache:       passthroughfs.CacheNone,
		Readdirplus: passthroughfs.ReaddirplusOn,
	})

	op = &fuseops.InitOp{Capable: fuseops.KnownCapabilities}
	AssertEq(nil, t.fs.Init(t.ctx, op))
	ExpectTrue(op.Want.Has(fuseops.CapReaddirplus))

	// And never when refused.
	t.create(passthroughfs.Config{
		Cache:       passthroughfs.CacheAlways,
		Readdirplus: passthroughfs.ReaddirplusOff,
	})

	op = &fuseops.InitOp{Capable: fuseops.KnownCapabilities}
	AssertEq(nil, t.fs.Init(t.ctx, op))
	ExpectFalse(op.Want.Has(fuseops.CapReaddirplus))
}

////////////////////////////////////////////////////////////////////////
// Attributes
////////////////////////////////////////////////////////////////////////

func (t *OpsTest) TruncateWithoutHandle() {
	id := t.file("f", "taco")

	size := uint64(2)
	op := &fuseops.SetInodeAttributesOp{
		Inode: id,
		Size:  &size,
	}

	AssertEq(nil, t.fs.SetInodeAttributes(t.ctx, op))
	ExpectEq(2, op.Attributes.Size)
	ExpectEq(2, t.hostSize("f"))
}

func (t *OpsTest) TruncateThroughHandle() {
	id := t.file("f", "taco")
	h := t.open(id, unix.O_RDWR)

	size := uint64(17)
	op := &fuseops.SetInodeAttributesOp{
		Inode:  id,
		Handle: &h,
		Size:   &size,
	}

	AssertEq(nil, t.fs.SetInodeAttributes(t.ctx, op))
	ExpectEq(17, t.hostSize("f"))
}

func (t *OpsTest) ChangeModeAndMtime() {
	id := t.file("f", "")

	mode := os.FileMode(0751)
	mtime := time.Date(2012, 8, 15, 22, 56, 0, 0, time.Local)
	op := &fuseops.SetInodeAttributesOp{
		Inode: id,
		Mode:  &mode,
		Mtime: &mtime,
	}

	AssertEq(nil, t.fs.SetInodeAttributes(t.ctx, op))
	ExpectEq(0751, op.Attributes.Mode.Perm())
	ExpectTrue(op.Attributes.Mtime.Equal(mtime), "%v", op.Attributes.Mtime)

	fi, err := os.Stat(path.Join(t.dir, "f"))
	AssertEq(nil, err)
	ExpectEq(os.FileMode(0751), fi.Mode().Perm())
	ExpectTrue(fi.ModTime().Equal(mtime), "%v", fi.ModTime())
}

func (t *OpsTest) SetMtimeOfSymlink() {
	err := os.Symlink("target", path.Join(t.dir, "l"))
	AssertEq(nil, err)

	id := t.lookUp("l")

	mtime := time.Date(2012, 8, 15, 22, 56, 0, 0, time.Local)
	op := &fuseops.SetInodeAttributesOp{
		Inode: id,
		Mtime: &mtime,
	}

	AssertEq(nil, t.fs.SetInodeAttributes(t.ctx, op))

	var st unix.Stat_t
	AssertEq(nil, unix.Lstat(path.Join(t.dir, "l"), &st))
	ExpectEq(mtime.Unix(), st.Mtim.Sec)
}

func (t *OpsTest) UnknownInode() {
	op := &fuseops.GetInodeAttributesOp{Inode: 17}
	ExpectEq(fuse.EBADF, errno(t.fs.GetInodeAttributes(t.ctx, op)))
}

////////////////////////////////////////////////////////////////////////
// Names
////////////////////////////////////////////////////////////////////////

func (t *OpsTest) MkNodeFIFO() {
	op := &fuseops.MkNodeOp{
		Parent: fuseops.RootInodeID,
		Name:   "p",
		Mode:   os.ModeNamedPipe | 0600,
	}

	AssertEq(nil, t.fs.MkNode(t.ctx, op))
	ExpectEq(os.ModeNamedPipe, op.Entry.Attributes.Mode&os.ModeType)

	fi, err := os.Lstat(path.Join(t.dir, "p"))
	AssertEq(nil, err)
	ExpectEq(os.ModeNamedPipe, fi.Mode()&os.ModeType)
}

func (t *OpsTest) RenameNoReplace() {
	t.file("a", "taco")
	t.file("b", "burrito")

	op := &fuseops.RenameOp{
		OldParent: fuseops.RootInodeID,
		OldName:   "a",
		NewParent: fuseops.RootInodeID,
		NewName:   "b",
		Flags:     unix.RENAME_NOREPLACE,
	}

	ExpectEq(fuse.EEXIST, t.fs.Rename(t.ctx, op))

	contents, err := ioutil.ReadFile(path.Join(t.dir, "b"))
	AssertEq(nil, err)
	ExpectEq("burrito", string(contents))
}

func (t *OpsTest) RenameOverwrites() {
	a := t.file("a", "taco")
	t.file("b", "burrito")

	op := &fuseops.RenameOp{
		OldParent: fuseops.RootInodeID,
		OldName:   "a",
		NewParent: fuseops.RootInodeID,
		NewName:   "b",
	}

	AssertEq(nil, t.fs.Rename(t.ctx, op))

	contents, err := ioutil.ReadFile(path.Join(t.dir, "b"))
	AssertEq(nil, err)
	ExpectEq("taco", string(contents))

	// Renaming takes no references.
	ExpectEq(1, passthroughfs.LookupCount(t.fs, a))
}

func (t *OpsTest) CreateLinkTakesReference() {
	id := t.file("a", "")

	op := &fuseops.CreateLinkOp{
		Parent: fuseops.RootInodeID,
		Name:   "b",
		Target: id,
	}

	AssertEq(nil, t.fs.CreateLink(t.ctx, op))
	ExpectEq(id, op.Entry.Child)
	ExpectEq(2, op.Entry.Attributes.Nlink)
	ExpectEq(2, passthroughfs.LookupCount(t.fs, id))
}

func (t *OpsTest) CreatedObjectsBelongToProcess() {
	op := &fuseops.MkDirOp{
		OpContext: fuseops.OpContext{Uid: 1000, Gid: 1000},
		Parent:    fuseops.RootInodeID,
		Name:      "d",
		Mode:      0700,
	}

	AssertEq(nil, t.fs.MkDir(t.ctx, op))
	ExpectEq(os.Geteuid(), op.Entry.Attributes.Uid)
	ExpectEq(os.Getegid(), op.Entry.Attributes.Gid)
}

func (t *OpsTest) SwitchCredentials() {
	if os.Geteuid() != 0 {
		log.Println("Skipping; must be run as root.")
		return
	}

	// The requester must be able to create entries in the export.
	AssertEq(nil, os.Chmod(t.dir, 0777))
	t.create(passthroughfs.Config{SwitchCredentials: true})

	opCtx := fuseops.OpContext{Uid: 1000, Gid: 1001}
	var entries []*fuseops.ChildInodeEntry

	mkDir := &fuseops.MkDirOp{
		OpContext: opCtx,
		Parent:    fuseops.RootInodeID,
		Name:      "dir",
		Mode:      0700,
	}

	AssertEq(nil, t.fs.MkDir(t.ctx, mkDir))
	entries = append(entries, &mkDir.Entry)

	create := &fuseops.CreateFileOp{
		OpContext: opCtx,
		Parent:    fuseops.RootInodeID,
		Name:      "file",
		Mode:      0600,
		Flags:     unix.O_RDWR,
	}

	AssertEq(nil, t.fs.CreateFile(t.ctx, create))
	entries = append(entries, &create.Entry)

	mkNode := &fuseops.MkNodeOp{
		OpContext: opCtx,
		Parent:    fuseops.RootInodeID,
		Name:      "fifo",
		Mode:      os.ModeNamedPipe | 0600,
	}

	AssertEq(nil, t.fs.MkNode(t.ctx, mkNode))
	entries = append(entries, &mkNode.Entry)

	symlink := &fuseops.CreateSymlinkOp{
		OpContext: opCtx,
		Parent:    fuseops.RootInodeID,
		Name:      "link",
		Target:    "file",
	}

	AssertEq(nil, t.fs.CreateSymlink(t.ctx, symlink))
	entries = append(entries, &symlink.Entry)

	for _, e := range entries {
		ExpectEq(1000, e.Attributes.Uid)
		ExpectEq(1001, e.Attributes.Gid)
	}

	for _, name := range []string{"dir", "file", "fifo", "link"} {
		var st unix.Stat_t
		AssertEq(nil, unix.Lstat(path.Join(t.dir, name), &st))
		ExpectEq(1000, st.Uid, "%s", name)
		ExpectEq(1001, st.Gid, "%s", name)
	}

	release := &fuseops.ReleaseFileHandleOp{Handle: create.Handle}
	ExpectEq(nil, t.fs.ReleaseFileHandle(t.ctx, release))

	// The process keeps its own credentials.
	ExpectEq(0, os.Geteuid())
	ExpectEq(0, os.Getegid())
}

func (t *OpsTest) SwitchCredentialsConcurrently() {
	if os.Geteuid() != 0 {
		log.Println("Skipping; must be run as root.")
		return
	}

	AssertEq(nil, os.Chmod(t.dir, 0777))
	t.create(passthroughfs.Config{SwitchCredentials: true})

	const n = 32
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			uid := uint32(1000 + i%4)
			op := &fuseops.MkDirOp{
				OpContext: fuseops.OpContext{Uid: uid, Gid: uid},
				Parent:    fuseops.RootInodeID,
				Name:      fmt.Sprintf("%d", i),
				Mode:      0700,
			}

			errs <- t.fs.MkDir(t.ctx, op)
		}(i)
	}

	for i := 0; i < n; i++ {
		AssertEq(nil, <-errs)
	}

	for i := 0; i < n; i++ {
		var st unix.Stat_t
		AssertEq(nil, unix.Lstat(path.Join(t.dir, fmt.Sprintf("%d", i)), &st))
		ExpectEq(1000+i%4, st.Uid, "%d", i)
		ExpectEq(1000+i%4, st.Gid, "%d", i)
	}

	ExpectEq(0, os.Geteuid())
	ExpectEq(0, os.Getegid())
}

func (t *OpsTest) ReadSymlink() {
	err := os.Symlink("some/target", path.Join(t.dir, "l"))
	AssertEq(nil, err)

	op := &fuseops.ReadSymlinkOp{Inode: t.lookUp("l")}
	AssertEq(nil, t.fs.ReadSymlink(t.ctx, op))
	ExpectEq("some/target", op.Target)
}

func (t *OpsTest) ForgetUnknownInode() {
	op := &fuseops.ForgetInodeOp{Inode: 17, N: 1}
	ExpectEq(nil, t.fs.ForgetInode(t.ctx, op))
	ExpectEq(1, passthroughfs.InodeCount(t.fs))
}

func (t *OpsTest) BatchForget() {
	a := t.file("a", "")
	b := t.file("b", "")
	t.lookUp("b")

	op := &fuseops.BatchForgetOp{
		Entries: []fuseops.BatchForgetEntry{
			{Inode: a, N: 1},
			{Inode: b, N: 1},
		},
	}

	AssertEq(nil, t.fs.BatchForget(t.ctx, op))
	ExpectEq(0, passthroughfs.LookupCount(t.fs, a))
	ExpectEq(1, passthroughfs.LookupCount(t.fs, b))
	ExpectEq(2, passthroughfs.InodeCount(t.fs))
}

////////////////////////////////////////////////////////////////////////
// Files
////////////////////////////////////////////////////////////////////////

func (t *OpsTest) WritebackDropsAppend() {
	t.create(passthroughfs.Config{Writeback: true})

	id := t.file("f", "taco")
	h := t.open(id, unix.O_WRONLY|unix.O_APPEND)

	// The write lands where it is told to, not at the end.
	op := &fuseops.WriteFileOp{
		Inode:  id,
		Handle: h,
		Offset: 0,
		Data:   []byte("b"),
	}

	AssertEq(nil, t.fs.WriteFile(t.ctx, op))

	contents, err := ioutil.ReadFile(path.Join(t.dir, "f"))
	AssertEq(nil, err)
	ExpectEq("baco", string(contents))
}

func (t *OpsTest) FlushAndSync() {
	id := t.file("f", "taco")
	h := t.open(id, unix.O_RDWR)

	ExpectEq(nil, t.fs.FlushFile(t.ctx, &fuseops.FlushFileOp{Inode: id, Handle: h}))
	ExpectEq(nil, t.fs.SyncFile(t.ctx, &fuseops.SyncFileOp{Inode: id, Handle: &h}))
	ExpectEq(nil, t.fs.SyncFile(t.ctx, &fuseops.SyncFileOp{Inode: id, DataOnly: true}))
}

func (t *OpsTest) FallocateGrowsFile() {
	id := t.file("f", "")
	h := t.open(id, unix.O_RDWR)

	op := &fuseops.FallocateOp{
		Inode:  id,
		Handle: h,
		Offset: 0,
		Length: 8192,
	}

	AssertEq(nil, t.fs.Fallocate(t.ctx, op))
	ExpectEq(8192, t.hostSize("f"))
}

func (t *OpsTest) FallocateModes() {
	id := t.file("f", "")
	h := t.open(id, unix.O_RDWR)

	op := &fuseops.FallocateOp{
		Inode:  id,
		Handle: h,
		Length: 4096,
		Mode:   unix.FALLOC_FL_PUNCH_HOLE | unix.FALLOC_FL_KEEP_SIZE,
	}

	ExpectEq(fuse.EOPNOTSUPP, t.fs.Fallocate(t.ctx, op))
}

func (t *OpsTest) FlockDisabled() {
	id := t.file("f", "")
	h := t.open(id, unix.O_RDONLY)

	op := &fuseops.FlockOp{
		Inode:  id,
		Handle: h,
		Type:   fuseops.F_WRLOCK,
	}

	ExpectEq(fuse.ENOSYS, t.fs.Flock(t.ctx, op))
}

func (t *OpsTest) FlockConflict() {
	t.create(passthroughfs.Config{Flock: true})

	id := t.file("f", "")
	h0 := t.open(id, unix.O_RDONLY)
	h1 := t.open(id, unix.O_RDONLY)

	lock := func(h fuseops.HandleID, typ fuseops.FileLockType) error {
		return t.fs.Flock(t.ctx, &fuseops.FlockOp{
			Inode:  id,
			Handle: h,
			Type:   typ,
		})
	}

	AssertEq(nil, lock(h0, fuseops.F_WRLOCK))
	ExpectEq(unix.EWOULDBLOCK, lock(h1, fuseops.F_RDLOCK))

	AssertEq(nil, lock(h0, fuseops.F_UNLOCK))
	ExpectEq(nil, lock(h1, fuseops.F_RDLOCK))
}

func (t *OpsTest) CopyFileRange() {
	src := t.file("src", "0123456789")
	dst := t.file("dst", "")

	hIn := t.open(src, unix.O_RDONLY)
	hOut := t.open(dst, unix.O_WRONLY)

	op := &fuseops.CopyFileRangeOp{
		InodeIn:   src,
		HandleIn:  hIn,
		OffsetIn:  2,
		InodeOut:  dst,
		HandleOut: hOut,
		OffsetOut: 0,
		Length:    5,
	}

	AssertEq(nil, t.fs.CopyFileRange(t.ctx, op))
	ExpectEq(5, op.BytesCopied)

	contents, err := ioutil.ReadFile(path.Join(t.dir, "dst"))
	AssertEq(nil, err)
	ExpectEq("23456", string(contents))
}

////////////////////////////////////////////////////////////////////////
// Extended attributes
////////////////////////////////////////////////////////////////////////

func (t *OpsTest) XattrDisabled() {
	id := t.file("f", "")

	op := &fuseops.GetXattrOp{
		Inode: id,
		Name:  "user.foo",
		Dst:   make([]byte, 16),
	}

	ExpectEq(fuse.ENOSYS, t.fs.GetXattr(t.ctx, op))
	ExpectEq(fuse.ENOSYS, t.fs.ListXattr(t.ctx, &fuseops.ListXattrOp{Inode: id}))
}

func (t *OpsTest) XattrOnSymlink() {
	t.create(passthroughfs.Config{Xattr: true})

	err := os.Symlink("target", path.Join(t.dir, "l"))
	AssertEq(nil, err)

	op := &fuseops.SetXattrOp{
		Inode: t.lookUp("l"),
		Name:  "user.foo",
		Value: []byte("taco"),
	}

	ExpectEq(fuse.EPERM, t.fs.SetXattr(t.ctx, op))
}

func (t *OpsTest) XattrUnknownInode() {
	t.create(passthroughfs.Config{Xattr: true})

	op := &fuseops.RemoveXattrOp{
		Inode: 17,
		Name:  "user.foo",
	}

	ExpectEq(fuse.EBADF, errno(t.fs.RemoveXattr(t.ctx, op)))
}

////////////////////////////////////////////////////////////////////////
// Mappings
////////////////////////////////////////////////////////////////////////

func (t *OpsTest) MappingWithoutMapper() {
	id := t.file("f", "")

	op := &fuseops.SetupMappingOp{
		Inode:  id,
		Length: 4096,
		Read:   true,
	}

	ExpectEq(fuse.ENOSYS, t.fs.SetupMapping(t.ctx, op))
	ExpectEq(fuse.ENOSYS, t.fs.RemoveMapping(t.ctx, &fuseops.RemoveMappingOp{Length: 4096}))
}

func (t *OpsTest) MappingIntoWindow() {
	page := unix.Getpagesize()

	m, err := fuse.NewWindowMapper(4 * page)
	AssertEq(nil, err)
	defer m.Close()

	t.create(passthroughfs.Config{Mapper: m})

	contents := make([]byte, page)
	copy(contents, "taco")
	id := t.file("f", string(contents))

	// Through an inode, with no handle.
	op := &fuseops.SetupMappingOp{
		Inode:     id,
		Length:    uint64(page),
		MapOffset: uint64(page),
		Read:      true,
	}

	AssertEq(nil, t.fs.SetupMapping(t.ctx, op))
	ExpectEq("taco", string(m.Window()[page:page+4]))

	// Through a handle, writably.
	h := t.open(id, unix.O_RDWR)
	op = &fuseops.SetupMappingOp{
		Inode:     id,
		Handle:    &h,
		Length:    uint64(page),
		MapOffset: 2 * uint64(page),
		Read:      true,
		Write:     true,
	}

	AssertEq(nil, t.fs.SetupMapping(t.ctx, op))
	copy(m.Window()[2*page:], "b")
	ExpectEq("baco", string(m.Window()[page:page+4]))

	rm := &fuseops.RemoveMappingOp{
		MapOffset: uint64(page),
		Length:    2 * uint64(page),
	}

	ExpectEq(nil, t.fs.RemoveMapping(t.ctx, rm))
}

func (t *OpsTest) MappingOutsideWindow() {
	page := unix.Getpagesize()

	m, err := fuse.NewWindowMapper(page)
	AssertEq(nil, err)
	defer m.Close()

	t.create(passthroughfs.Config{Mapper: m})
	id := t.file("f", "taco")

	op := &fuseops.SetupMappingOp{
		Inode:     id,
		Length:    uint64(page),
		MapOffset: uint64(page),
		Read:      true,
	}

	ExpectEq(fuse.EINVAL, t.fs.SetupMapping(t.ctx, op))
}

////////////////////////////////////////////////////////////////////////
// Session
////////////////////////////////////////////////////////////////////////

func (t *OpsTest) DestroyClosesHandles() {
	id := t.file("f", "")
	h := t.open(id, unix.O_RDONLY)

	dirOp := &fuseops.OpenDirOp{Inode: fuseops.RootInodeID}
	AssertEq(nil, t.fs.OpenDir(t.ctx, dirOp))

	AssertEq(nil, t.fs.Destroy(t.ctx, &fuseops.DestroyOp{}))
	ExpectEq(1, passthroughfs.InodeCount(t.fs))

	readOp := &fuseops.ReadFileOp{
		Inode:  id,
		Handle: h,
		Dst:    make([]byte, 1),
	}

	ExpectEq(fuse.EBADF, errno(t.fs.ReadFile(t.ctx, readOp)))

	dirRead := &fuseops.ReadDirOp{
		Inode:  fuseops.RootInodeID,
		Handle: dirOp.Handle,
		Dst:    make([]byte, 1024),
	}

	ExpectEq(fuse.EBADF, errno(t.fs.ReadDir(t.ctx, dirRead)))

	// The root is still usable.
	attrOp := &fuseops.GetInodeAttributesOp{Inode: fuseops.RootInodeID}
	ExpectEq(nil, t.fs.GetInodeAttributes(t.ctx, attrOp))
}

func (t *OpsTest) StatFS() {
	op := &fuseops.StatFSOp{}
	AssertEq(nil, t.fs.StatFS(t.ctx, op))

	var st unix.Statfs_t
	AssertEq(nil, unix.Statfs(t.dir, &st))

	ExpectEq(st.Blocks, op.Blocks)
	ExpectEq(uint32(st.Frsize), op.BlockSize)
	ExpectEq(uint32(st.Bsize), op.IoSize)
}
