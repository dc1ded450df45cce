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

package fuse

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// A Channel identifies the queue a request arrived on. Replies are sent back
// on the channel of the request they answer.
type Channel uint32

// A Transport delivers whole request messages from the peer and carries
// replies back. Framing, flow control and connection setup belong to the
// transport; the Connection only sees complete messages.
type Transport interface {
	// Read exactly one message into dst, returning its length and the channel
	// it arrived on. Return io.EOF once the peer has gone away for good.
	//
	// May be called concurrently with WriteMessage, but Connection never
	// calls it concurrently with itself.
	ReadMessage(dst []byte) (n int, ch Channel, err error)

	// Send one message, the concatenation of segs, on the given channel. Safe
	// for concurrent use.
	WriteMessage(ch Channel, segs [][]byte) error

	Close() error
}

////////////////////////////////////////////////////////////////////////
// Stream transport
////////////////////////////////////////////////////////////////////////

// NewStreamTransport returns a transport that exchanges messages over a
// byte stream such as a unix socket, relying on the length field leading
// every message for framing. All traffic uses channel zero.
func NewStreamTransport(rwc io.ReadWriteCloser) Transport {
	return &streamTransport{
		rwc: rwc,
	}
}

type streamTransport struct {
	rwc io.ReadWriteCloser

	// Serializes writes so that messages are not interleaved.
	writeMu sync.Mutex
}

func (t *streamTransport) ReadMessage(dst []byte) (n int, ch Channel, err error) {
	const lenSize = 4
	if len(dst) < lenSize {
		err = fmt.Errorf("buffer of %d bytes is too small", len(dst))
		return
	}

	if _, err = io.ReadFull(t.rwc, dst[:lenSize]); err != nil {
		err = t.translateReadError(err)
		return
	}

	size := int(binary.LittleEndian.Uint32(dst[:lenSize]))
	switch {
	case size < lenSize:
		err = fmt.Errorf("message claims a length of %d bytes", size)
		return

	case size > len(dst):
		err = fmt.Errorf(
			"message of %d bytes exceeds buffer of %d bytes",
			size,
			len(dst))
		return
	}

	if _, err = io.ReadFull(t.rwc, dst[lenSize:size]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}

		err = fmt.Errorf("reading message body: %w", err)
		return
	}

	n = size
	return
}

// A closed pipe or socket means the peer is gone, which we report as EOF.
func (t *streamTransport) translateReadError(err error) error {
	switch {
	case err == io.EOF:
		return io.EOF

	case errors.Is(err, io.ErrClosedPipe), errors.Is(err, net.ErrClosed):
		return io.EOF

	case errors.Is(err, syscall.ECONNRESET):
		return io.EOF
	}

	return err
}

func (t *streamTransport) WriteMessage(ch Channel, segs [][]byte) (err error) {
	if ch != 0 {
		err = fmt.Errorf("unknown channel %d", ch)
		return
	}

	bufs := net.Buffers(segs)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	_, err = bufs.WriteTo(t.rwc)
	return
}

func (t *streamTransport) Close() error {
	return t.rwc.Close()
}

////////////////////////////////////////////////////////////////////////
// Device transport
////////////////////////////////////////////////////////////////////////

// NewDeviceTransport returns a transport over an already-opened fuse device
// file descriptor, such as one passed down by a privileged mount helper.
// The device returns exactly one message per read.
func NewDeviceTransport(dev *os.File) Transport {
	return &deviceTransport{
		dev: dev,
		fd:  int(dev.Fd()),
	}
}

type deviceTransport struct {
	dev *os.File
	fd  int
}

func (t *deviceTransport) ReadMessage(dst []byte) (n int, ch Channel, err error) {
	for {
		n, err = unix.Read(t.fd, dst)
		switch err {
		case nil:
			if n == 0 {
				err = io.EOF
			}
			return

		// Retry on interruption, and when the request we were about to read
		// was interrupted before we got to it.
		case unix.EINTR, unix.ENOENT, unix.EAGAIN:
			continue

		// The file system has been unmounted.
		case unix.ENODEV:
			err = io.EOF
			return

		default:
			err = &os.PathError{Op: "read", Path: t.dev.Name(), Err: err}
			return
		}
	}
}

func (t *deviceTransport) WriteMessage(ch Channel, segs [][]byte) (err error) {
	if ch != 0 {
		err = fmt.Errorf("unknown channel %d", ch)
		return
	}

	var want int
	for _, s := range segs {
		want += len(s)
	}

	n, err := unix.Writev(t.fd, segs)
	if err != nil {
		err = &os.PathError{Op: "writev", Path: t.dev.Name(), Err: err}
		return
	}

	if n != want {
		err = fmt.Errorf("writev wrote %d of %d bytes", n, want)
		return
	}

	return
}

func (t *deviceTransport) Close() error {
	return t.dev.Close()
}
