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
	"errors"
	"testing"

	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
	"github.com/jacobsa/passthrough-fuse/internal/fusekernel"
)

func TestInMessage(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// Fill the message storage with a header for op followed by body.
func fill(m *InMessage, op fusekernel.Opcode, body []byte) int {
	n := fusekernel.InHeaderSize + len(body)
	h, err := fusekernel.Encode(&fusekernel.InHeader{
		Len:    uint32(n),
		Opcode: uint32(op),
		Unique: 99,
		NodeID: 1,
	})

	if err != nil {
		panic(err)
	}

	copy(m.Storage(), h)
	copy(m.Storage()[len(h):], body)
	return n
}

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type InMessageTest struct {
	m *InMessage
}

var _ SetUpInterface = &InMessageTest{}

func init() { RegisterTestSuite(&InMessageTest{}) }

func (t *InMessageTest) SetUp(ti *TestInfo) {
	t.m = NewInMessage()
}

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func (t *InMessageTest) TooShortForHeader() {
	err := t.m.Init(12)
	ExpectThat(err, Error(HasSubstr("only 12 bytes")))
}

func (t *InMessageTest) LengthMismatch() {
	n := fill(t.m, fusekernel.OpLookup, []byte("foo\x00"))
	err := t.m.Init(n + 1)
	ExpectThat(err, Error(HasSubstr("header says")))
}

func (t *InMessageTest) HeaderAndString() {
	n := fill(t.m, fusekernel.OpLookup, []byte("foo\x00bar\x00"))
	AssertEq(nil, t.m.Init(n))

	ExpectEq(uint32(fusekernel.OpLookup), t.m.Header().Opcode)
	ExpectEq(99, t.m.Header().Unique)
	ExpectEq(8, t.m.Len())

	s, ok := t.m.ConsumeString()
	AssertTrue(ok)
	ExpectEq("foo", s)

	s, ok = t.m.ConsumeString()
	AssertTrue(ok)
	ExpectEq("bar", s)

	_, ok = t.m.ConsumeString()
	ExpectFalse(ok)
}

func (t *InMessageTest) MissingTerminator() {
	n := fill(t.m, fusekernel.OpLookup, []byte("foo"))
	AssertEq(nil, t.m.Init(n))

	_, ok := t.m.ConsumeString()
	ExpectFalse(ok)
}

func (t *InMessageTest) ConsumeBeyondEnd() {
	n := fill(t.m, fusekernel.OpWrite, []byte("abc"))
	AssertEq(nil, t.m.Init(n))

	ExpectTrue(t.m.Consume(4) == nil)
	ExpectEq("abc", string(t.m.Consume(3)))
	ExpectEq(0, t.m.Len())
}

func (t *InMessageTest) CompatStructIsZeroPadded() {
	body, err := fusekernel.Encode(&fusekernel.WriteIn{
		Fh:         3,
		Offset:     10,
		Size:       4,
		WriteFlags: 1,
		LockOwner:  77,
	})
	AssertEq(nil, err)

	// An old peer sends only the first 24 bytes, followed by the data.
	n := fill(t.m, fusekernel.OpWrite, append(body[:24], "data"...))
	AssertEq(nil, t.m.Init(n))

	var in fusekernel.WriteIn
	AssertEq(nil, t.m.ConsumeStruct(&in, fusekernel.CompatWriteInSize))
	ExpectEq(3, in.Fh)
	ExpectEq(10, in.Offset)
	ExpectEq(4, in.Size)
	ExpectEq(0, in.LockOwner)
	ExpectEq("data", string(t.m.Consume(4)))
}

func (t *InMessageTest) ShortStruct() {
	n := fill(t.m, fusekernel.OpOpen, []byte{1, 2, 3})
	AssertEq(nil, t.m.Init(n))

	var in fusekernel.OpenIn
	err := t.m.ConsumeStruct(&in, fusekernel.SizeOf(in))
	ExpectTrue(errors.Is(err, ErrShortMessage))
}
