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

package fuseops_test

import (
	"os"
	"testing"
	"time"

	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
	"github.com/jacobsa/passthrough-fuse/fuseops"
	"github.com/jacobsa/passthrough-fuse/internal/fusekernel"
)

func TestFuseops(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type FuseopsTest struct {
}

func init() { RegisterTestSuite(&FuseopsTest{}) }

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func (t *FuseopsTest) FileModeRoundTrips() {
	modes := []uint32{
		0100644,
		040755,
		0120777,
		0020620,
		0060660,
		0010600,
		0140755,
		0104755,
		0102755,
		041777,
	}

	for _, m := range modes {
		ExpectEq(m, fuseops.UnixMode(fuseops.ConvertFileMode(m)), "mode %o", m)
	}
}

func (t *FuseopsTest) ConvertFileModeTypes() {
	ExpectTrue(fuseops.ConvertFileMode(040755).IsDir())
	ExpectTrue(fuseops.ConvertFileMode(0100644).IsRegular())
	ExpectEq(os.ModeSymlink|0777, fuseops.ConvertFileMode(0120777))
	ExpectEq(os.FileMode(0644), fuseops.ConvertFileMode(0100644))
}

func (t *FuseopsTest) ExpirationTimes() {
	now := time.Date(2015, 4, 5, 2, 15, 0, 0, time.Local)

	secs, nsecs := fuseops.ConvertExpirationTime(time.Time{}, now)
	ExpectEq(0, secs)
	ExpectEq(0, nsecs)

	secs, nsecs = fuseops.ConvertExpirationTime(now.Add(-time.Second), now)
	ExpectEq(0, secs)
	ExpectEq(0, nsecs)

	secs, nsecs = fuseops.ConvertExpirationTime(now.Add(1500*time.Millisecond), now)
	ExpectEq(1, secs)
	ExpectEq(500000000, nsecs)
}

func (t *FuseopsTest) ConvertAttributesUsesHostInodeNumber() {
	attr := fuseops.InodeAttributes{
		Size:  17,
		Mode:  0644,
		Nlink: 1,
		Mtime: time.Unix(100, 7),
	}

	var out fusekernel.Attr
	fuseops.ConvertAttributes(3, &attr, &out)
	ExpectEq(3, out.Ino)
	ExpectEq(0100644, out.Mode)
	ExpectEq(100, out.Mtime)
	ExpectEq(7, out.MtimeNsec)
	ExpectEq(0, out.Atime)
	ExpectEq(4096, out.Blksize)

	attr.Ino = 12345
	fuseops.ConvertAttributes(3, &attr, &out)
	ExpectEq(12345, out.Ino)
}

func (t *FuseopsTest) CapabilitiesMatchWireFlags() {
	ExpectEq(uint32(fusekernel.InitAsyncRead), uint32(fuseops.CapAsyncRead))
	ExpectEq(uint32(fusekernel.InitFlockLocks), uint32(fuseops.CapFlockLocks))
	ExpectEq(uint32(fusekernel.InitDoReaddirplus), uint32(fuseops.CapReaddirplus))
	ExpectEq(uint32(fusekernel.InitWritebackCache), uint32(fuseops.CapWritebackCache))
	ExpectEq(uint32(fusekernel.InitPosixACL), uint32(fuseops.CapPosixACL))

	c := fuseops.CapAsyncRead | fuseops.CapFlockLocks
	ExpectTrue(c.Has(fuseops.CapFlockLocks))
	ExpectFalse(c.Has(fuseops.CapFlockLocks | fuseops.CapReaddirplus))
}

func (t *FuseopsTest) Describe() {
	h := fuseops.HandleID(4)
	ExpectEq(
		`LookUpInode (Parent=1 Name="foo")`,
		fuseops.Describe(&fuseops.LookUpInodeOp{Parent: 1, Name: "foo"}))

	ExpectEq(
		`WriteFile (Inode=2 Handle=3 Offset=0 Data=<5 bytes> BytesWritten=0)`,
		fuseops.Describe(&fuseops.WriteFileOp{Inode: 2, Handle: 3, Data: []byte("hello")}))

	ExpectThat(
		fuseops.Describe(&fuseops.SyncFileOp{Inode: 2, Handle: &h}),
		HasSubstr("Handle=4"))

	ExpectThat(
		fuseops.Describe(&fuseops.BatchForgetOp{Entries: make([]fuseops.BatchForgetEntry, 2)}),
		HasSubstr("Entries=<2 items>"))
}
