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
	"bytes"
	"errors"
	"fmt"

	"github.com/jacobsa/passthrough-fuse/internal/fusekernel"
)

// The maximum write size a peer may send us, and therefore the largest
// payload an incoming message can carry.
const MaxWriteSize = 1 << 20

// The size of the storage in an InMessage: a request header plus room for
// the largest write and its fixed-size body.
const inMessageSize = MaxWriteSize + 4096

// ErrShortMessage is returned when a message body is smaller than the
// structure the opcode requires.
var ErrShortMessage = errors.New("message body too short")

// An incoming message from the peer, including the leading
// fusekernel.InHeader struct. Provides storage for messages and convenient
// access to their contents.
type InMessage struct {
	header    fusekernel.InHeader
	remaining []byte
	storage   []byte
}

// NewInMessage returns a message with storage for the largest request the
// peer may send.
func NewInMessage() *InMessage {
	return &InMessage{
		storage: make([]byte, inMessageSize),
	}
}

// Storage returns the buffer that the transport should fill with a single
// message before Init is called.
func (m *InMessage) Storage() []byte {
	return m.storage
}

// Initialize with the first n bytes of the storage, which must hold exactly
// one message. The first call to Consume will consume the bytes directly
// after the fusekernel.InHeader struct.
func (m *InMessage) Init(n int) (err error) {
	if n < fusekernel.InHeaderSize {
		err = fmt.Errorf("unexpectedly read only %d bytes", n)
		return
	}

	if _, err = fusekernel.Decode(m.storage[:n], &m.header); err != nil {
		return
	}

	if int(m.header.Len) != n {
		err = fmt.Errorf(
			"header says %d bytes, but read %d bytes",
			m.header.Len,
			n)
		return
	}

	m.remaining = m.storage[fusekernel.InHeaderSize:n]
	return
}

// Return a reference to the header read in the most recent call to Init.
func (m *InMessage) Header() *fusekernel.InHeader {
	return &m.header
}

// Return the number of bytes left to consume.
func (m *InMessage) Len() int {
	return len(m.remaining)
}

// Consume the next n bytes from the message, returning nil if there are
// fewer than n bytes available. The result aliases the message storage.
func (m *InMessage) Consume(n int) (b []byte) {
	if n < 0 || n > len(m.remaining) {
		return
	}

	b = m.remaining[:n]
	m.remaining = m.remaining[n:]
	return
}

// ConsumeStruct decodes the next wireSize bytes into the wire structure
// pointed to by v. When wireSize is smaller than the structure, as for
// peers speaking an older protocol minor, the missing tail is zero.
func (m *InMessage) ConsumeStruct(v interface{}, wireSize int) (err error) {
	b := m.Consume(wireSize)
	if b == nil {
		err = fmt.Errorf("%T: %w", v, ErrShortMessage)
		return
	}

	if full := fusekernel.SizeOf(v); wireSize < full {
		padded := make([]byte, full)
		copy(padded, b)
		b = padded
	}

	_, err = fusekernel.Decode(b, v)
	return
}

// ConsumeString consumes a NUL-terminated string. It returns false if no
// terminator is present.
func (m *InMessage) ConsumeString() (s string, ok bool) {
	i := bytes.IndexByte(m.remaining, 0)
	if i < 0 {
		return
	}

	s = string(m.remaining[:i])
	m.remaining = m.remaining[i+1:]
	ok = true
	return
}
