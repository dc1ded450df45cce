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

package fusetesting

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	fuse "github.com/jacobsa/passthrough-fuse"
	"github.com/jacobsa/passthrough-fuse/internal/fusekernel"
)

// The default time Client.Wait gives a reply to arrive.
const DefaultReplyTimeout = 10 * time.Second

// A reply read from the server.
type Reply struct {
	Unique uint64
	Errno  syscall.Errno
	Body   []byte
}

// Decode the reply body into the wire struct pointed to by v. A body
// shorter than v, as sent to peers speaking older protocol versions, leaves
// the remaining fields zero.
func (r Reply) Decode(v interface{}) (err error) {
	if r.Errno != 0 {
		err = r.Errno
		return
	}

	b := r.Body
	if size := fusekernel.SizeOf(v); len(b) < size {
		b = make([]byte, size)
		copy(b, r.Body)
	}

	_, err = fusekernel.Decode(b, v)
	return
}

// Client plays the part of the peer (normally the kernel or a hypervisor)
// in tests: it sends requests over an in-memory pipe and collects the
// replies, which may arrive in any order.
type Client struct {
	// Credentials put into every request header. May be changed between
	// calls.
	Uid uint32
	Gid uint32
	Pid uint32

	ReplyTimeout time.Duration

	conn net.Conn

	// Serializes writes so that requests are not interleaved.
	writeMu sync.Mutex

	// Closed when the reading goroutine exits.
	readDone chan struct{}

	mu sync.Mutex

	// GUARDED_BY(mu)
	nextUnique uint64

	// Requests awaiting a reply, by unique ID.
	//
	// GUARDED_BY(mu)
	waiting map[uint64]chan Reply

	// Replies nobody was waiting for.
	//
	// GUARDED_BY(mu)
	unexpected []Reply

	// The error that stopped the reading goroutine.
	//
	// GUARDED_BY(mu)
	readErr error
}

// Pipe returns a transport for the server end of an in-memory connection,
// and a client for the other end.
func Pipe() (fuse.Transport, *Client) {
	server, client := net.Pipe()
	return fuse.NewStreamTransport(server), NewClient(client)
}

// NewClient returns a client that speaks over conn, taking ownership of it.
func NewClient(conn net.Conn) *Client {
	c := &Client{
		ReplyTimeout: DefaultReplyTimeout,
		conn:         conn,
		readDone:     make(chan struct{}),
		nextUnique:   1,
		waiting:      make(map[uint64]chan Reply),
	}

	go c.readReplies()
	return c
}

// Close the connection, which the server sees as the peer going away.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Wait for the server to close its end of the connection.
func (c *Client) WaitForClose(timeout time.Duration) error {
	select {
	case <-c.readDone:
		return nil
	case <-time.After(timeout):
		return errors.New("timed out waiting for the server to hang up")
	}
}

// Replies that arrived for unique IDs nobody was waiting for.
func (c *Client) Unexpected() []Reply {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]Reply(nil), c.unexpected...)
}

// Reserve a unique ID, for callers that need to know it before sending.
func (c *Client) NextUnique() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	u := c.nextUnique
	c.nextUnique++
	return u
}

func (c *Client) readReplies() {
	defer close(c.readDone)

	var hdrBuf [16]byte
	for {
		var err error
		if _, err = io.ReadFull(c.conn, hdrBuf[:]); err != nil {
			c.setReadErr(err)
			return
		}

		var h fusekernel.OutHeader
		if _, err = fusekernel.Decode(hdrBuf[:], &h); err != nil {
			c.setReadErr(err)
			return
		}

		if int(h.Len) < len(hdrBuf) {
			c.setReadErr(fmt.Errorf("reply claims a length of %d bytes", h.Len))
			return
		}

		body := make([]byte, int(h.Len)-len(hdrBuf))
		if _, err = io.ReadFull(c.conn, body); err != nil {
			c.setReadErr(err)
			return
		}

		c.deliver(Reply{
			Unique: h.Unique,
			Errno:  syscall.Errno(-h.Error),
			Body:   body,
		})
	}
}

func (c *Client) setReadErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == io.EOF || errors.Is(err, io.ErrClosedPipe) {
		err = io.EOF
	}

	c.readErr = err
}

func (c *Client) deliver(r Reply) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.waiting[r.Unique]
	if !ok {
		c.unexpected = append(c.unexpected, r)
		return
	}

	delete(c.waiting, r.Unique)
	ch <- r
}

// Send a request with the given unique ID, returning a channel on which its
// reply will be delivered. Each element of body is sent in turn: a []byte
// as is, a string followed by a NUL byte, and anything else encoded as a
// wire struct.
func (c *Client) SendWithUnique(
	unique uint64,
	opcode fusekernel.Opcode,
	nodeID uint64,
	body ...interface{}) (<-chan Reply, error) {
	msg := make([]byte, fusekernel.InHeaderSize)
	for _, part := range body {
		switch p := part.(type) {
		case []byte:
			msg = append(msg, p...)

		case string:
			msg = append(msg, p...)
			msg = append(msg, 0)

		default:
			b, err := fusekernel.Encode(p)
			if err != nil {
				return nil, err
			}

			msg = append(msg, b...)
		}
	}

	h := fusekernel.InHeader{
		Len:    uint32(len(msg)),
		Opcode: uint32(opcode),
		Unique: unique,
		NodeID: nodeID,
		Uid:    c.Uid,
		Gid:    c.Gid,
		Pid:    c.Pid,
	}

	hb, err := fusekernel.Encode(&h)
	if err != nil {
		return nil, err
	}

	copy(msg, hb)

	ch := make(chan Reply, 1)
	c.mu.Lock()
	if _, ok := c.waiting[unique]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("already waiting for 0x%08x", unique)
	}

	c.waiting[unique] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	_, err = c.conn.Write(msg)
	c.writeMu.Unlock()

	if err != nil {
		c.mu.Lock()
		delete(c.waiting, unique)
		c.mu.Unlock()
		return nil, fmt.Errorf("Write: %v", err)
	}

	return ch, nil
}

// Like SendWithUnique, with a fresh unique ID.
func (c *Client) Send(
	opcode fusekernel.Opcode,
	nodeID uint64,
	body ...interface{}) (<-chan Reply, error) {
	return c.SendWithUnique(c.NextUnique(), opcode, nodeID, body...)
}

// Wait for a reply on ch, giving up after c.ReplyTimeout or if the
// connection goes away first.
func (c *Client) Wait(ch <-chan Reply) (r Reply, err error) {
	timer := time.NewTimer(c.ReplyTimeout)
	defer timer.Stop()

	select {
	case r = <-ch:
		return

	case <-c.readDone:
		// The reply may have arrived just before the connection went away.
		select {
		case r = <-ch:
			return
		default:
		}

		c.mu.Lock()
		err = fmt.Errorf("connection closed: %v", c.readErr)
		c.mu.Unlock()
		return

	case <-timer.C:
		err = errors.New("timed out waiting for a reply")
		return
	}
}

// Return an error if a reply arrives on ch within d.
func (c *Client) ExpectNoReply(ch <-chan Reply, d time.Duration) error {
	select {
	case r := <-ch:
		return fmt.Errorf("unexpected reply: 0x%08x %v", r.Unique, r.Errno)
	case <-time.After(d):
		return nil
	}
}

// Send a request and wait for its reply.
func (c *Client) Call(
	opcode fusekernel.Opcode,
	nodeID uint64,
	body ...interface{}) (r Reply, err error) {
	ch, err := c.Send(opcode, nodeID, body...)
	if err != nil {
		return
	}

	r, err = c.Wait(ch)
	return
}

// Send a request that gets no reply, such as FORGET.
func (c *Client) Post(
	opcode fusekernel.Opcode,
	nodeID uint64,
	body ...interface{}) (err error) {
	unique := c.NextUnique()
	if _, err = c.SendWithUnique(unique, opcode, nodeID, body...); err != nil {
		return
	}

	c.mu.Lock()
	delete(c.waiting, unique)
	c.mu.Unlock()

	return
}

// Negotiate the session, proposing protocol 7.minor with the given flags.
// A failed negotiation is returned as the reply's errno.
func (c *Client) Init(
	minor uint32,
	flags fusekernel.InitFlags) (out fusekernel.InitOut, err error) {
	in := fusekernel.InitIn{
		Major:        fusekernel.ProtoVersionMaxMajor,
		Minor:        minor,
		MaxReadahead: 128 << 10,
		Flags:        uint32(flags),
	}

	r, err := c.Call(fusekernel.OpInit, 0, &in)
	if err != nil {
		return
	}

	err = r.Decode(&out)
	return
}

////////////////////////////////////////////////////////////////////////
// Conveniences
////////////////////////////////////////////////////////////////////////

// Errno returns the error number of a reply, or the transport error.
func Errno(r Reply, err error) error {
	if err != nil {
		return err
	}

	if r.Errno != 0 {
		return r.Errno
	}

	return nil
}

// Look up name under parent.
func (c *Client) LookUp(parent uint64, name string) (out fusekernel.EntryOut, err error) {
	r, err := c.Call(fusekernel.OpLookup, parent, name)
	if err != nil {
		return
	}

	err = r.Decode(&out)
	return
}

// Fetch the attributes of an inode.
func (c *Client) GetAttr(node uint64) (out fusekernel.AttrOut, err error) {
	r, err := c.Call(fusekernel.OpGetattr, node, &fusekernel.GetattrIn{})
	if err != nil {
		return
	}

	err = r.Decode(&out)
	return
}

// Drop n lookups of node.
func (c *Client) Forget(node uint64, n uint64) error {
	return c.Post(fusekernel.OpForget, node, &fusekernel.ForgetIn{Nlookup: n})
}

// Create and open a regular file.
func (c *Client) Create(
	parent uint64,
	name string,
	flags uint32,
	mode uint32) (entry fusekernel.EntryOut, open fusekernel.OpenOut, err error) {
	in := fusekernel.CreateIn{
		Flags: flags,
		Mode:  mode,
	}

	r, err := c.Call(fusekernel.OpCreate, parent, &in, name)
	if err != nil {
		return
	}

	if err = r.Decode(&entry); err != nil {
		return
	}

	r.Body = r.Body[fusekernel.EntryOutSize:]
	err = r.Decode(&open)
	return
}

// Open a file or, if dir is set, a directory.
func (c *Client) Open(node uint64, flags uint32, dir bool) (out fusekernel.OpenOut, err error) {
	opcode := fusekernel.OpOpen
	if dir {
		opcode = fusekernel.OpOpendir
	}

	r, err := c.Call(opcode, node, &fusekernel.OpenIn{Flags: flags})
	if err != nil {
		return
	}

	err = r.Decode(&out)
	return
}

// Release a file handle or, if dir is set, a directory handle.
func (c *Client) Release(node uint64, fh uint64, dir bool) error {
	opcode := fusekernel.OpRelease
	if dir {
		opcode = fusekernel.OpReleasedir
	}

	return Errno(c.Call(opcode, node, &fusekernel.ReleaseIn{Fh: fh}))
}

// Read up to size bytes at offset.
func (c *Client) Read(node, fh, offset uint64, size uint32) (data []byte, err error) {
	in := fusekernel.ReadIn{
		Fh:     fh,
		Offset: offset,
		Size:   size,
	}

	r, err := c.Call(fusekernel.OpRead, node, &in)
	if err = Errno(r, err); err != nil {
		return
	}

	data = r.Body
	return
}

// Write data at offset, returning the count the server reports.
func (c *Client) Write(node, fh, offset uint64, data []byte) (n uint32, err error) {
	in := fusekernel.WriteIn{
		Fh:     fh,
		Offset: offset,
		Size:   uint32(len(data)),
	}

	r, err := c.Call(fusekernel.OpWrite, node, &in, data)
	if err != nil {
		return
	}

	var out fusekernel.WriteOut
	if err = r.Decode(&out); err != nil {
		return
	}

	n = out.Size
	return
}

// Read directory entries from an open directory handle, with attributes if
// plus is set. The returned bytes are in the wire format; see ParseDirents.
func (c *Client) ReadDir(
	node, fh, offset uint64,
	size uint32,
	plus bool) (data []byte, err error) {
	opcode := fusekernel.OpReaddir
	if plus {
		opcode = fusekernel.OpReaddirplus
	}

	in := fusekernel.ReadIn{
		Fh:     fh,
		Offset: offset,
		Size:   size,
	}

	r, err := c.Call(opcode, node, &in)
	if err = Errno(r, err); err != nil {
		return
	}

	data = r.Body
	return
}

// Make a directory.
func (c *Client) MkDir(parent uint64, name string, mode uint32) (out fusekernel.EntryOut, err error) {
	r, err := c.Call(fusekernel.OpMkdir, parent, &fusekernel.MkdirIn{Mode: mode}, name)
	if err != nil {
		return
	}

	err = r.Decode(&out)
	return
}

// Destroy the session.
func (c *Client) Destroy() error {
	return Errno(c.Call(fusekernel.OpDestroy, 0))
}

// Interrupt the request with the given unique ID, returning the channel on
// which a reply to the interrupt itself (EAGAIN) would arrive.
func (c *Client) Interrupt(target uint64) (<-chan Reply, error) {
	return c.Send(fusekernel.OpInterrupt, 0, &fusekernel.InterruptIn{Unique: target})
}

