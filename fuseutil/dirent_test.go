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
	"os"
	"testing"
	"time"

	. "github.com/jacobsa/ogletest"
	"github.com/jacobsa/passthrough-fuse/fuseops"
	"github.com/jacobsa/passthrough-fuse/internal/fusekernel"
)

func TestDirent(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type DirentTest struct {
}

func init() { RegisterTestSuite(&DirentTest{}) }

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func (t *DirentTest) SizesAreAligned() {
	ExpectEq(32, DirentSize(Dirent{Name: "a"}))
	ExpectEq(32, DirentSize(Dirent{Name: "abcdefgh"}))
	ExpectEq(40, DirentSize(Dirent{Name: "abcdefghi"}))
	ExpectEq(fusekernel.EntryOutSize+32, DirentPlusSize(Dirent{Name: "a"}))
}

func (t *DirentTest) WriteDirent() {
	buf := make([]byte, 64)
	for i := range buf {
		buf[i] = 0xff
	}

	d := Dirent{
		Offset: 7,
		Inode:  17,
		Name:   "taco",
		Type:   DT_File,
	}

	n := WriteDirent(buf, d)
	AssertEq(32, n)

	var de fusekernel.Dirent
	consumed, err := fusekernel.Decode(buf[:n], &de)
	AssertEq(nil, err)

	ExpectEq(17, de.Ino)
	ExpectEq(7, de.Off)
	ExpectEq(4, de.Namelen)
	ExpectEq(uint32(DT_File), de.Type)
	ExpectEq("taco", string(buf[consumed:consumed+4]))

	// Padding is zeroed; the byte after the entry is untouched.
	for i := consumed + 4; i < n; i++ {
		ExpectEq(0, buf[i], "index %d", i)
	}

	ExpectEq(0xff, buf[n])
}

func (t *DirentTest) WriteDirentDoesNotFit() {
	buf := make([]byte, 31)
	ExpectEq(0, WriteDirent(buf, Dirent{Name: "a"}))
	ExpectEq(0, WriteDirentPlus(buf, &fuseops.ChildInodeEntry{}, time.Now(), Dirent{Name: "a"}))
}

func (t *DirentTest) WriteDirentPlus() {
	now := time.Now()
	e := fuseops.ChildInodeEntry{
		Child:                5,
		EntryExpiration:      now.Add(2 * time.Second),
		AttributesExpiration: now.Add(time.Second),
		Attributes: fuseops.InodeAttributes{
			Ino:  1234,
			Mode: os.ModeDir | 0755,
		},
	}

	d := Dirent{
		Offset: 1,
		Inode:  1234,
		Name:   "dir",
		Type:   DirentTypeFromMode(e.Attributes.Mode),
	}

	buf := make([]byte, 1024)
	n := WriteDirentPlus(buf, &e, now, d)
	AssertEq(DirentPlusSize(d), n)

	var plus fusekernel.DirentPlus
	consumed, err := fusekernel.Decode(buf[:n], &plus)
	AssertEq(nil, err)

	ExpectEq(5, plus.Entry.NodeID)
	ExpectEq(2, plus.Entry.EntryValid)
	ExpectEq(1, plus.Entry.AttrValid)
	ExpectEq(1234, plus.Entry.Attr.Ino)
	ExpectEq(1234, plus.Dirent.Ino)
	ExpectEq(uint32(DT_Directory), plus.Dirent.Type)
	ExpectEq("dir", string(buf[consumed:consumed+3]))
}

func (t *DirentTest) TypeFromMode() {
	ExpectEq(DT_File, DirentTypeFromMode(0644))
	ExpectEq(DT_Directory, DirentTypeFromMode(os.ModeDir|0755))
	ExpectEq(DT_Link, DirentTypeFromMode(os.ModeSymlink|0777))
	ExpectEq(DT_FIFO, DirentTypeFromMode(os.ModeNamedPipe))
	ExpectEq(DT_Socket, DirentTypeFromMode(os.ModeSocket))
}
