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

package passthroughfs

import (
	"bytes"
	"io"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const dirBufSize = 32 << 10

// The offset of the name within a linux_dirent64.
var direntNameOffset = int(unsafe.Offsetof(unix.Dirent{}.Name))

// An entry read from the host.
type hostDirent struct {
	ino  uint64
	typ  uint8
	name string

	// The cookie for the entry after this one.
	next uint64

	// The size of the raw entry.
	reclen uint16
}

// An open directory together with a cursor into it. The cursor remembers an
// entry that was read from the host but not yet handed to the peer, so that
// a listing that stops because the reply buffer is full resumes at exactly
// that entry.
type dirStream struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	fd int

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu sync.Mutex

	// Entries read with getdents64 and not yet parsed.
	//
	// GUARDED_BY(mu)
	buf        []byte
	start, end int

	// The cookie of the entry the cursor is at.
	//
	// GUARDED_BY(mu)
	offset uint64

	// The entry at the cursor, if already read.
	//
	// GUARDED_BY(mu)
	cur *hostDirent
}

func newDirStream(fd int) *dirStream {
	return &dirStream{
		fd:  fd,
		buf: make([]byte, dirBufSize),
	}
}

// Move the cursor to the given cookie, unless it is already there.
//
// LOCKS_REQUIRED(d.mu)
func (d *dirStream) seek(offset uint64) (err error) {
	if offset == d.offset {
		return
	}

	if _, err = unix.Seek(d.fd, int64(offset), io.SeekStart); err != nil {
		return
	}

	d.start, d.end = 0, 0
	d.cur = nil
	d.offset = offset

	return
}

// Return the entry at the cursor without moving past it, or nil at the end
// of the directory.
//
// LOCKS_REQUIRED(d.mu)
func (d *dirStream) peek() (e *hostDirent, err error) {
	if d.cur != nil {
		e = d.cur
		return
	}

	if d.start >= d.end {
		var n int
		if n, err = unix.Getdents(d.fd, d.buf); err != nil {
			return
		}

		d.start, d.end = 0, n
		if n == 0 {
			return
		}
	}

	d.cur = parseDirent(d.buf[d.start:d.end])
	d.start += int(d.cur.reclen)
	e = d.cur

	return
}

// Move the cursor past the entry returned by peek.
//
// LOCKS_REQUIRED(d.mu)
func (d *dirStream) advance() {
	d.offset = d.cur.next
	d.cur = nil
}

// LOCKS_EXCLUDED(d.mu)
func (d *dirStream) close() error {
	return unix.Close(d.fd)
}

// Parse the linux_dirent64 at the start of b.
func parseDirent(b []byte) *hostDirent {
	raw := (*unix.Dirent)(unsafe.Pointer(&b[0]))
	reclen := int(raw.Reclen)

	name := b[direntNameOffset:reclen]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}

	return &hostDirent{
		ino:    raw.Ino,
		typ:    raw.Type,
		name:   string(name),
		next:   uint64(raw.Off),
		reclen: uint16(reclen),
	}
}

func isDotOrDotDot(name string) bool {
	return name == "." || name == ".."
}
