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

package buffer

import (
	"testing"

	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
	"github.com/jacobsa/passthrough-fuse/internal/fusekernel"
)

func TestOutMessage(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type OutMessageTest struct {
	om OutMessage
}

var _ SetUpInterface = &OutMessageTest{}

func init() { RegisterTestSuite(&OutMessageTest{}) }

func (t *OutMessageTest) SetUp(ti *TestInfo) {
	t.om.Reset()
}

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func (t *OutMessageTest) ResetLeavesZeroedHeader() {
	t.om.SetUnique(17)
	t.om.SetError(-2)
	t.om.AppendString("taco")
	t.om.AppendSegment([]byte("burrito"))

	t.om.Reset()

	ExpectEq(fusekernel.OutHeaderSize, t.om.Len())
	h := t.om.Header()
	ExpectEq(16, h.Len)
	ExpectEq(0, h.Error)
	ExpectEq(0, h.Unique)
	ExpectThat(t.om.Bytes(), ElementsAre(
		16, 0, 0, 0,
		0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0))
}

func (t *OutMessageTest) HeaderLengthCoversSegments() {
	t.om.SetUnique(0x0203)
	t.om.AppendString("ab")
	t.om.AppendSegment([]byte("cde"))
	t.om.AppendSegment(nil)
	t.om.AppendSegment([]byte("f"))

	segs := t.om.Segments()
	AssertEq(3, len(segs))
	ExpectEq("cde", string(segs[1]))
	ExpectEq("f", string(segs[2]))

	b := t.om.Bytes()
	AssertEq(22, len(b))
	ExpectEq(22, b[0])
	ExpectEq(0x03, b[8])
	ExpectEq(0x02, b[9])
	ExpectEq("abcdef", string(b[16:]))
}

func (t *OutMessageTest) AppendStructTruncatesToWireSize() {
	out := fusekernel.AttrOut{AttrValid: 7}
	out.Attr.Ino = 42
	out.Attr.Blksize = 4096

	err := t.om.AppendStruct(&out, fusekernel.CompatAttrOutSize)
	AssertEq(nil, err)
	ExpectEq(16+96, t.om.Len())

	err = t.om.AppendStruct(&out, fusekernel.AttrOutSize+1)
	ExpectThat(err, Error(HasSubstr("wire size")))
}

func (t *OutMessageTest) AppendAfterSegmentPanics() {
	t.om.AppendSegment([]byte("x"))

	defer func() {
		r := recover()
		ExpectThat(r, HasSubstr("AppendSegment"))
	}()

	t.om.Append([]byte("y"))
}

func (t *OutMessageTest) PayloadIsReused() {
	p := t.om.Payload(10)
	AssertEq(10, len(p))
	p[0] = 'a'

	q := t.om.Payload(5)
	AssertEq(5, len(q))
	ExpectEq('a', q[0])
}

func BenchmarkOutMessageReset(b *testing.B) {
	var om OutMessage
	for i := 0; i < b.N; i++ {
		om.Reset()
		om.AppendString("some body")
	}
}
