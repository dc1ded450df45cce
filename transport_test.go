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

package fuse_test

import (
	"encoding/binary"
	"io"
	"io/ioutil"
	"net"
	"os"
	"path"
	"testing"

	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
	fuse "github.com/jacobsa/passthrough-fuse"
	"golang.org/x/sys/unix"
)

func TestTransport(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Stream transport
////////////////////////////////////////////////////////////////////////

type StreamTransportTest struct {
	transport fuse.Transport
	peer      net.Conn
}

var _ SetUpInterface = &StreamTransportTest{}
var _ TearDownInterface = &StreamTransportTest{}

func init() { RegisterTestSuite(&StreamTransportTest{}) }

func (t *StreamTransportTest) SetUp(ti *TestInfo) {
	var server net.Conn
	server, t.peer = net.Pipe()
	t.transport = fuse.NewStreamTransport(server)
}

func (t *StreamTransportTest) TearDown() {
	t.transport.Close()
	t.peer.Close()
}

// Write a message whose leading length field covers the whole message.
func (t *StreamTransportTest) sendFromPeer(body string) {
	msg := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(msg, uint32(len(msg)))
	copy(msg[4:], body)

	go t.peer.Write(msg)
}

func (t *StreamTransportTest) ReadsWholeMessages() {
	t.sendFromPeer("taco")

	buf := make([]byte, 64)
	n, ch, err := t.transport.ReadMessage(buf)
	AssertEq(nil, err)
	ExpectEq(8, n)
	ExpectEq(0, ch)
	ExpectEq("taco", string(buf[4:n]))

	t.sendFromPeer("burrito")

	n, _, err = t.transport.ReadMessage(buf)
	AssertEq(nil, err)
	ExpectEq("burrito", string(buf[4:n]))
}

func (t *StreamTransportTest) MessageTooLarge() {
	t.sendFromPeer("enchilada")

	buf := make([]byte, 8)
	_, _, err := t.transport.ReadMessage(buf)
	ExpectThat(err, Error(HasSubstr("exceeds buffer")))
}

func (t *StreamTransportTest) PeerHangsUp() {
	t.peer.Close()

	buf := make([]byte, 64)
	_, _, err := t.transport.ReadMessage(buf)
	ExpectEq(io.EOF, err)
}

func (t *StreamTransportTest) WritesSegmentsTogether() {
	done := make(chan error, 1)
	go func() {
		done <- t.transport.WriteMessage(0, [][]byte{
			[]byte("ta"),
			[]byte("co"),
			nil,
			[]byte("s"),
		})
	}()

	buf := make([]byte, 5)
	_, err := io.ReadFull(t.peer, buf)
	AssertEq(nil, err)
	ExpectEq("tacos", string(buf))
	ExpectEq(nil, <-done)
}

func (t *StreamTransportTest) UnknownChannel() {
	err := t.transport.WriteMessage(3, [][]byte{[]byte("taco")})
	ExpectThat(err, Error(HasSubstr("unknown channel")))
}

////////////////////////////////////////////////////////////////////////
// Mapping window
////////////////////////////////////////////////////////////////////////

type WindowMapperTest struct {
	page   int
	mapper *fuse.WindowMapper
	file   *os.File
}

var _ SetUpInterface = &WindowMapperTest{}
var _ TearDownInterface = &WindowMapperTest{}

func init() { RegisterTestSuite(&WindowMapperTest{}) }

func (t *WindowMapperTest) SetUp(ti *TestInfo) {
	var err error
	t.page = unix.Getpagesize()

	t.mapper, err = fuse.NewWindowMapper(4 * t.page)
	AssertEq(nil, err)

	dir, err := ioutil.TempDir("", "window_mapper_test")
	AssertEq(nil, err)

	t.file, err = os.Create(path.Join(dir, "foo"))
	AssertEq(nil, err)
	os.RemoveAll(dir)

	contents := make([]byte, 2*t.page)
	for i := range contents {
		contents[i] = byte(i / t.page)
	}

	_, err = t.file.Write(contents)
	AssertEq(nil, err)
}

func (t *WindowMapperTest) TearDown() {
	t.file.Close()
	t.mapper.Close()
}

func (t *WindowMapperTest) RejectsBadWindowSize() {
	_, err := fuse.NewWindowMapper(t.page + 1)
	ExpectThat(err, Error(HasSubstr("page size")))
}

func (t *WindowMapperTest) MapsFileContents() {
	fd := int(t.file.Fd())
	page := uint64(t.page)

	err := t.mapper.SetupMapping(fd, page, page, 2*page, true, false)
	AssertEq(nil, err)

	w := t.mapper.Window()
	ExpectEq(1, w[2*t.page])
	ExpectEq(1, w[3*t.page-1])

	AssertEq(nil, t.mapper.RemoveMapping(2*page, page))
}

func (t *WindowMapperTest) RejectsBadRanges() {
	fd := int(t.file.Fd())
	page := uint64(t.page)

	err := t.mapper.SetupMapping(fd, 0, page, 1, true, false)
	ExpectThat(err, Error(HasSubstr("page aligned")))

	err = t.mapper.SetupMapping(fd, 0, 2*page, 3*page, true, false)
	ExpectThat(err, Error(HasSubstr("exceeds window")))

	err = t.mapper.RemoveMapping(0, 0)
	ExpectThat(err, Error(HasSubstr("empty")))
}

func (t *WindowMapperTest) RemoveAll() {
	fd := int(t.file.Fd())
	page := uint64(t.page)

	AssertEq(nil, t.mapper.SetupMapping(fd, 0, 2*page, 0, true, true))
	ExpectEq(nil, t.mapper.RemoveAllMappings())
}
