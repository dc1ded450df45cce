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
	"fmt"

	"github.com/jacobsa/passthrough-fuse/internal/fusekernel"
)

// OutMessage provides a mechanism for constructing a fuse reply from
// multiple segments. The first segment is always a fusekernel.OutHeader
// followed by any fixed-size body; bulk data may follow as additional
// segments that are handed to the transport without being copied.
//
// Must be initialized with Reset.
type OutMessage struct {
	header fusekernel.OutHeader

	// Header bytes followed by the fixed body.
	head []byte

	// Segments appended with AppendSegment, in order.
	extra [][]byte

	// Scratch space handed out by Payload, reused across messages.
	payload []byte
}

// Reset the message so that it is ready to be used again. Afterward, the
// contents are solely a zeroed header.
func (m *OutMessage) Reset() {
	m.header = fusekernel.OutHeader{}
	if m.head == nil {
		m.head = make([]byte, fusekernel.OutHeaderSize, 256)
	}

	m.head = m.head[:fusekernel.OutHeaderSize]
	for i := range m.head {
		m.head[i] = 0
	}

	m.extra = m.extra[:0]
}

// SetUnique sets the request ID the reply answers.
func (m *OutMessage) SetUnique(u uint64) {
	m.header.Unique = u
}

// SetError sets the (negative) error field of the header.
func (m *OutMessage) SetError(errno int32) {
	m.header.Error = errno
}

// Header returns a copy of the header as it will be sent, with the length
// filled in.
func (m *OutMessage) Header() fusekernel.OutHeader {
	h := m.header
	h.Len = uint32(m.Len())
	return h
}

// Append copies p onto the end of the fixed body. It must not be called
// after AppendSegment.
func (m *OutMessage) Append(p []byte) {
	if len(m.extra) != 0 {
		panic("Append after AppendSegment")
	}

	m.head = append(m.head, p...)
}

// AppendString is equivalent to Append([]byte(s)).
func (m *OutMessage) AppendString(s string) {
	if len(m.extra) != 0 {
		panic("AppendString after AppendSegment")
	}

	m.head = append(m.head, s...)
}

// AppendStruct encodes the wire structure v and appends its first wireSize
// bytes to the fixed body. wireSize is smaller than the structure only for
// peers speaking an older protocol minor.
func (m *OutMessage) AppendStruct(v interface{}, wireSize int) (err error) {
	b, err := fusekernel.Encode(v)
	if err != nil {
		return
	}

	if wireSize > len(b) {
		err = fmt.Errorf("%T: wire size %d exceeds %d", v, wireSize, len(b))
		return
	}

	m.Append(b[:wireSize])
	return
}

// AppendSegment adds p as a separate segment without copying it. The caller
// must keep p unmodified until the message has been sent.
func (m *OutMessage) AppendSegment(p []byte) {
	if len(p) == 0 {
		return
	}

	m.extra = append(m.extra, p)
}

// Payload returns n bytes of scratch space owned by the message, suitable
// for reading bulk data into before passing it to AppendSegment. The
// contents are unspecified.
func (m *OutMessage) Payload(n int) []byte {
	if cap(m.payload) < n {
		m.payload = make([]byte, n)
	}

	return m.payload[:n]
}

// Return the current size of the message, including the header.
func (m *OutMessage) Len() (n int) {
	n = len(m.head)
	for _, s := range m.extra {
		n += len(s)
	}

	return
}

// Segments returns the message ready for the transport: the encoded header
// and fixed body, then each additional segment.
func (m *OutMessage) Segments() (segs [][]byte) {
	h, err := fusekernel.Encode(m.Header())
	if err != nil {
		panic(err)
	}

	copy(m.head, h)
	segs = make([][]byte, 0, 1+len(m.extra))
	segs = append(segs, m.head)
	segs = append(segs, m.extra...)
	return
}

// Bytes returns a contiguous copy of the whole message.
func (m *OutMessage) Bytes() (b []byte) {
	b = make([]byte, 0, m.Len())
	for _, s := range m.Segments() {
		b = append(b, s...)
	}

	return
}
