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

package fusekernel_test

import (
	"testing"

	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
	"github.com/jacobsa/passthrough-fuse/internal/fusekernel"
	"github.com/kylelemons/godebug/pretty"
)

func TestCodec(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type CodecTest struct {
}

func init() { RegisterTestSuite(&CodecTest{}) }

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func (t *CodecTest) StructSizes() {
	ExpectEq(40, fusekernel.InHeaderSize)
	ExpectEq(16, fusekernel.OutHeaderSize)
	ExpectEq(88, fusekernel.AttrSize)
	ExpectEq(128, fusekernel.EntryOutSize)
	ExpectEq(104, fusekernel.AttrOutSize)
	ExpectEq(64, fusekernel.InitOutSize)
	ExpectEq(80, fusekernel.StatfsOutSize)
	ExpectEq(24, fusekernel.DirentSize)
	ExpectEq(40, fusekernel.WriteInSize)
	ExpectEq(16, fusekernel.SizeOf(fusekernel.OpenOut{}))
	ExpectEq(88, fusekernel.SizeOf(fusekernel.SetattrIn{}))
	ExpectEq(48, fusekernel.SizeOf(fusekernel.LkIn{}))
	ExpectEq(56, fusekernel.SizeOf(fusekernel.CopyFileRangeIn{}))
	ExpectEq(40, fusekernel.SizeOf(fusekernel.SetupMappingIn{}))
}

func (t *CodecTest) HeaderIsLittleEndian() {
	b, err := fusekernel.Encode(&fusekernel.OutHeader{
		Len:    16,
		Error:  -2,
		Unique: 0x0102,
	})

	AssertEq(nil, err)
	ExpectThat(b, ElementsAre(
		16, 0, 0, 0,
		0xfe, 0xff, 0xff, 0xff,
		0x02, 0x01, 0, 0, 0, 0, 0, 0))
}

func (t *CodecTest) DecodeRoundsTripHeader() {
	in := fusekernel.InHeader{
		Len:    64,
		Opcode: uint32(fusekernel.OpLookup),
		Unique: 17,
		NodeID: 1,
		Uid:    1000,
		Gid:    100,
		Pid:    4242,
	}

	b, err := fusekernel.Encode(&in)
	AssertEq(nil, err)

	var out fusekernel.InHeader
	n, err := fusekernel.Decode(append(b, 'x', 'y'), &out)
	AssertEq(nil, err)
	ExpectEq(40, n)
	ExpectEq("", pretty.Compare(in, out))
}

func (t *CodecTest) DecodeShortBuffer() {
	var out fusekernel.InHeader
	_, err := fusekernel.Decode(make([]byte, 39), &out)
	ExpectThat(err, Error(HasSubstr("need 40")))
}

func (t *CodecTest) CompatSizes() {
	old := fusekernel.Protocol{Major: 7, Minor: 8}
	cur := fusekernel.Protocol{Major: 7, Minor: 31}

	ExpectEq(120, fusekernel.EntryOutSizeFor(old))
	ExpectEq(128, fusekernel.EntryOutSizeFor(cur))
	ExpectEq(96, fusekernel.AttrOutSizeFor(old))
	ExpectEq(24, fusekernel.WriteInSizeFor(old))
	ExpectEq(8, fusekernel.MknodInSizeFor(old))
	ExpectEq(16, fusekernel.MknodInSizeFor(cur))
	ExpectEq(8, fusekernel.InitOutSizeFor(fusekernel.Protocol{Major: 7, Minor: 4}))
	ExpectEq(24, fusekernel.InitOutSizeFor(fusekernel.Protocol{Major: 7, Minor: 22}))
	ExpectEq(64, fusekernel.InitOutSizeFor(cur))
	ExpectEq(48, fusekernel.StatfsOutSizeFor(fusekernel.Protocol{Major: 7, Minor: 3}))
}

func (t *CodecTest) ProtocolOrdering() {
	a := fusekernel.Protocol{Major: 7, Minor: 9}
	b := fusekernel.Protocol{Major: 7, Minor: 12}

	ExpectTrue(a.LT(b))
	ExpectFalse(b.LT(a))
	ExpectTrue(b.GE(a))
	ExpectTrue(a.GE(a))
	ExpectEq("7.9", a.String())
}

func (t *CodecTest) FlagStrings() {
	ExpectEq("0", fusekernel.InitFlags(0).String())
	ExpectEq(
		"InitAsyncRead+InitBigWrites",
		(fusekernel.InitAsyncRead | fusekernel.InitBigWrites).String())
	ExpectEq("InitFlockLocks+0x80000000", (fusekernel.InitFlockLocks | 1<<31).String())
	ExpectEq("LOOKUP", fusekernel.OpLookup.String())
	ExpectEq("OPCODE_7", fusekernel.Opcode(7).String())
	ExpectFalse(fusekernel.Opcode(7).Known())
}

func (t *CodecTest) DirentHelpers() {
	ExpectEq(0, fusekernel.DirentAlign(0))
	ExpectEq(32, fusekernel.DirentAlign(25))
	ExpectEq(32, fusekernel.DirentAlign(32))
	ExpectEq(4, fusekernel.DirentTypeFromMode(040755))
	ExpectEq(8, fusekernel.DirentTypeFromMode(0100644))
	ExpectEq(10, fusekernel.DirentTypeFromMode(0120777))
}
