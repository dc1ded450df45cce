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
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"sync"
	"syscall"

	"github.com/NVIDIA/sortedmap"
	"github.com/ansel1/merry"
	"github.com/jacobsa/passthrough-fuse/fuseops"
	"github.com/jacobsa/passthrough-fuse/internal/fusekernel"
	"github.com/jacobsa/reqtrace"
	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"golang.org/x/net/context"
)

// A connection to a peer speaking the fuse protocol, over some Transport.
// The connection negotiates the session, answers the requests that need no
// file system, and hands everything else out as ops via ReadOp.
type Connection struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	config      MountConfig
	debugLogger *log.Logger
	errorLogger *log.Logger
	transport   Transport
	provider    MessageProvider
	clock       timeutil.Clock
	parentCtx   context.Context

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Serializes reads from the transport.
	readMu sync.Mutex

	// Set once the transport has reported EOF.
	//
	// GUARDED_BY(readMu)
	eof bool

	// Requests read and not yet finished.
	opsInFlight sync.WaitGroup

	closeOnce sync.Once
	closeErr  error

	mu syncutil.InvariantMutex

	// GUARDED_BY(mu)
	state sessionState

	// Parameters of the INIT being handled by the file system.
	//
	// GUARDED_BY(mu)
	pendingInit negotiation

	// Parameters of the active session.
	//
	// GUARDED_BY(mu)
	negotiated negotiation

	// The error that ended the session, if any.
	//
	// GUARDED_BY(mu)
	fatal error

	// Requests read and not yet replied to, keyed by unique ID. Values are
	// *request.
	//
	// INVARIANT: For each k, v: v.(*request).unique == k
	//
	// GUARDED_BY(mu)
	active sortedmap.LLRBTree

	// Interrupts naming requests we have not yet read, keyed by the ID of the
	// request they name. Values are pendingInterrupt.
	//
	// INVARIANT: No key is also a key of active.
	//
	// GUARDED_BY(mu)
	pending sortedmap.LLRBTree
}

// NewConnection creates a connection that serves the peer at the other end
// of t. Responsibility for closing t passes to the connection.
func NewConnection(t Transport, config *MountConfig) (c *Connection, err error) {
	if err = config.validate(); err != nil {
		return
	}

	c = &Connection{
		config:      *config,
		debugLogger: config.DebugLogger,
		errorLogger: config.ErrorLogger,
		transport:   t,
		provider:    config.MessageProvider,
		clock:       config.Clock,
		parentCtx:   config.OpContext,
		active:      newRequestSet(),
		pending:     newRequestSet(),
	}

	if c.errorLogger == nil {
		c.errorLogger = log.New(ioutil.Discard, "", 0)
	}

	if c.provider == nil {
		c.provider = &DefaultMessageProvider{}
	}

	if c.clock == nil {
		c.clock = timeutil.RealClock()
	}

	if c.parentCtx == nil {
		c.parentCtx = context.Background()
	}

	c.mu = syncutil.NewInvariantMutex(c.checkInvariants)
	registerMetrics()

	return
}

// LOCKS_REQUIRED(c.mu)
func (c *Connection) checkInvariants() {
	// INVARIANT: For each k, v: v.(*request).unique == k
	n, err := c.active.Len()
	mustSucceed(err)

	for i := 0; i < n; i++ {
		k, v, _, err := c.active.GetByIndex(i)
		mustSucceed(err)

		if r := v.(*request); r.unique != k.(uint64) {
			panic(fmt.Sprintf("request 0x%08x stored under 0x%08x", r.unique, k))
		}
	}

	// INVARIANT: No key is also a key of active.
	c.checkRequestSets()
}

// Workers returns the number of goroutines that should call ReadOp
// concurrently.
func (c *Connection) Workers() int {
	return c.config.workers()
}

// Clock returns the clock used to compute expiration times.
func (c *Connection) Clock() timeutil.Clock {
	return c.clock
}

////////////////////////////////////////////////////////////////////////
// Reading
////////////////////////////////////////////////////////////////////////

// Read one message from the transport. Returns a nil message and nil error
// if a message was read but could not be used.
//
// LOCKS_EXCLUDED(c.readMu)
func (c *Connection) readMessage() (m *InMessage, ch Channel, err error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.eof {
		err = io.EOF
		return
	}

	m = c.provider.GetInMessage()

	n, ch, err := c.transport.ReadMessage(m.Storage())
	if err != nil {
		c.provider.PutInMessage(m)
		m = nil

		if err == io.EOF {
			c.eof = true
		}

		return
	}

	if initErr := m.Init(n); initErr != nil {
		c.errorLogger.Printf("Discarding malformed message: %v", initErr)
		if n >= fusekernel.InHeaderSize {
			c.replyError(m.Header().Unique, ch, EIO)
		}

		c.provider.PutInMessage(m)
		m = nil
		return
	}

	return
}

// ReadOp reads the next op from the peer, blocking until one is available.
// The op is a pointer to one of the structs in package fuseops. The caller
// must eventually pass the returned context to Reply, exactly once.
//
// Requests the connection can answer by itself are handled internally and
// never returned. These include unsupported opcodes, interrupts, access
// denials, and requests outside an active session.
//
// When the peer goes away, ReadOp returns a DestroyOp (if the session was
// active) and then io.EOF. If the session fails, ReadOp returns the error
// that ended it. Safe to call concurrently.
func (c *Connection) ReadOp() (ctx context.Context, op interface{}, err error) {
	for {
		if err = c.fatalError(); err != nil {
			return
		}

		var m *InMessage
		var ch Channel
		m, ch, err = c.readMessage()

		if err == io.EOF {
			if c.destroyIfActive() {
				r := c.newSyntheticDestroy()
				ctx, op, err = r.ctx, r.op, nil
				return
			}

			// The peer probably hung up because of the failure.
			if fatal := c.fatalError(); fatal != nil {
				err = fatal
			}

			return
		}

		if err != nil {
			err = fmt.Errorf("readMessage: %v", err)
			return
		}

		if m == nil {
			continue
		}

		var r *request
		if r, err = c.dispatch(m, ch); err != nil {
			return
		}

		if r == nil {
			continue
		}

		ctx, op = r.ctx, r.op
		return
	}
}

// Opcodes that a caller other than the owner may use when DenyOthers is set.
func allowedForOthers(opcode fusekernel.Opcode) bool {
	switch opcode {
	case fusekernel.OpInit,
		fusekernel.OpRead,
		fusekernel.OpWrite,
		fusekernel.OpFsync,
		fusekernel.OpRelease,
		fusekernel.OpReaddir,
		fusekernel.OpFsyncdir,
		fusekernel.OpReleasedir,
		fusekernel.OpNotifyReply,
		fusekernel.OpReaddirplus:
		return true
	}

	return false
}

// Decide what to do with a freshly read message. Returns the request if it
// should be handed to the file system, nil if it has been dealt with, or an
// error if the session cannot continue.
func (c *Connection) dispatch(m *InMessage, ch Channel) (r *request, err error) {
	h := m.Header()
	opcode := fusekernel.Opcode(h.Opcode)

	c.mu.Lock()
	state := c.state
	protocol := c.negotiated.protocol
	c.mu.Unlock()

	var errno syscall.Errno
	switch {
	case opcode == fusekernel.OpInit:
		if state == stateActive && !c.config.AllowReinit {
			errno = EIO
		}

	case state != stateActive:
		errno = EIO

	case c.config.DenyOthers &&
		h.Uid != c.config.OwnerUid &&
		h.Uid != 0 &&
		!allowedForOthers(opcode):
		errno = EACCES

	case !opcode.Known():
		errno = ENOSYS
	}

	if errno != 0 {
		c.debugLog(h.Unique, 1, "<- %v from uid %d in state %v: %v", opcode, h.Uid, state, errno)
		c.replyError(h.Unique, ch, errno)
		c.provider.PutInMessage(m)
		return
	}

	if opcode == fusekernel.OpInterrupt {
		c.handleInterrupt(m, ch)
		c.provider.PutInMessage(m)
		return
	}

	r = c.newRequest(m, ch, protocol)
	if !c.registerRequest(r) {
		c.errorLogger.Printf("Duplicate request ID 0x%08x (%v)", r.unique, opcode)
		c.finishInternal(r, EIO)
		r = nil
		return
	}

	r.registered = true

	// Negotiation is ours; the file system only sees a usable INIT.
	if opcode == fusekernel.OpInit {
		var op *fuseops.InitOp
		if op, err = c.beginInit(r); op == nil {
			r = nil
			return
		}

		op.OpContext = r.opContext()
		r.op = op
	} else {
		var convErr error
		r.op, convErr = convertInMessage(r)

		if convErr != nil {
			errno = ENOSYS
			if !errors.Is(convErr, errNotImplemented) {
				c.errorLogger.Printf("Converting %v 0x%08x: %v", opcode, r.unique, convErr)
				errno = EIO
			}

			c.debugLog(r.unique, 1, "<- %v: %v", opcode, errno)
			c.finishInternal(r, errno)
			r = nil
			return
		}
	}

	desc := fuseops.Describe(r.op)
	r.ctx, r.report = reqtrace.StartSpan(r.ctx, desc)
	c.debugLog(r.unique, 1, "<- %s", desc)

	return
}

func (c *Connection) newRequest(
	m *InMessage,
	ch Channel,
	protocol fusekernel.Protocol) (r *request) {
	h := m.Header()
	r = &request{
		c:        c,
		unique:   h.Unique,
		opcode:   fusekernel.Opcode(h.Opcode),
		channel:  ch,
		protocol: protocol,
		start:    c.clock.Now(),
		inMsg:    m,
		outMsg:   c.provider.GetOutMessage(),
		refs:     1,
	}

	ctx, cancel := context.WithCancel(c.parentCtx)
	r.ctx = context.WithValue(ctx, requestKey, r)
	r.cancel = cancel

	c.opsInFlight.Add(1)
	return
}

// Make up the Destroy op delivered when the peer goes away from an active
// session.
func (c *Connection) newSyntheticDestroy() (r *request) {
	r = &request{
		c:         c,
		opcode:    fusekernel.OpDestroy,
		start:     c.clock.Now(),
		op:        &fuseops.DestroyOp{},
		synthetic: true,
		refs:      1,
	}

	ctx, cancel := context.WithCancel(c.parentCtx)
	r.ctx = context.WithValue(ctx, requestKey, r)
	r.cancel = cancel

	c.debugLog(0, 1, "<- Destroy (transport closed)")
	c.opsInFlight.Add(1)
	return
}

func (r *request) opContext() fuseops.OpContext {
	h := r.inMsg.Header()
	return fuseops.OpContext{
		FuseID: h.Unique,
		Pid:    h.Pid,
		Uid:    h.Uid,
		Gid:    h.Gid,
	}
}

////////////////////////////////////////////////////////////////////////
// Replying
////////////////////////////////////////////////////////////////////////

// Reply replies to the op that ctx was returned with by ReadOp. If opErr is
// nil, the reply carries the op's output fields. Otherwise it carries the
// error number found by ErrnoFor; errors without one are logged and sent as
// EIO.
func (c *Connection) Reply(ctx context.Context, opErr error) {
	r := requestFromContext(ctx)
	if r == nil || r.c != c {
		panic("Reply called with a context not returned by ReadOp")
	}

	if r.report != nil {
		r.report(opErr)
	}

	var errno syscall.Errno
	if opErr != nil {
		errno = c.errnoFor(r, opErr)
	}

	switch typed := r.op.(type) {
	case *fuseops.InitOp:
		var initErr error
		if errno == 0 {
			c.finishWith(r, func(m *OutMessage) error {
				initErr = c.completeInit(typed, m)
				return initErr
			})
		} else {
			c.finishInternal(r, errno)
		}

		if initErr != nil {
			c.setFatal(initErr)
		}

		return

	case *fuseops.DestroyOp:
		if !r.synthetic {
			c.markDestroyed()
		}
	}

	if errno != 0 {
		c.finishInternal(r, errno)
		return
	}

	c.finishWith(r, func(m *OutMessage) error {
		return c.kernelResponse(m, r)
	})
}

// Choose the error number to send for a failed op.
func (c *Connection) errnoFor(r *request, err error) syscall.Errno {
	errno, ok := ErrnoFor(err)
	if ok && errno != 0 {
		return errno
	}

	c.errorLogger.Printf(
		"Op 0x%08x %v: %s",
		r.unique,
		r.opcode,
		merry.Details(err))

	return EIO
}

// The value of the reply header's error field for errno. Only values in
// (-1000, 0] are valid on the wire.
func wireError(errno syscall.Errno) int32 {
	if errno >= 1000 {
		errno = ERANGE
	}

	return -int32(errno)
}

// Finish r with an error reply, or no body if errno is zero.
func (c *Connection) finishInternal(r *request, errno syscall.Errno) {
	c.finish(r, errno, nil)
}

// Finish r successfully, with a body built by fill.
func (c *Connection) finishWith(r *request, fill func(*OutMessage) error) {
	c.finish(r, 0, fill)
}

// Send the reply for r, unless its opcode gets none, and drop the reply
// path's reference. After this returns interrupts naming r have no effect.
func (c *Connection) finish(
	r *request,
	errno syscall.Errno,
	fill func(*OutMessage) error) {
	r.markReplied()
	if r.registered {
		c.unregisterRequest(r)
	}

	noReply := r.synthetic ||
		r.opcode == fusekernel.OpForget ||
		r.opcode == fusekernel.OpBatchForget

	if !noReply {
		m := r.outMsg
		m.Reset()
		m.SetUnique(r.unique)

		if errno == 0 && fill != nil {
			if err := fill(m); err != nil {
				errno = c.errnoFor(r, err)
				m.Reset()
				m.SetUnique(r.unique)
			}
		}

		if errno != 0 {
			m.SetError(wireError(errno))
		}

		c.debugLogReply(r, errno)
		c.send(r.channel, m)
	}

	observeOp(r.opcode, errno, c.clock.Now().Sub(r.start))

	r.cancel()
	c.opsInFlight.Done()
	r.decRef()
}

// Reply to a message that never became a request.
func (c *Connection) replyError(unique uint64, ch Channel, errno syscall.Errno) {
	m := c.provider.GetOutMessage()
	defer c.provider.PutOutMessage(m)

	m.SetUnique(unique)
	m.SetError(wireError(errno))
	c.send(ch, m)
}

func (c *Connection) send(ch Channel, m *OutMessage) {
	if err := c.transport.WriteMessage(ch, m.Segments()); err != nil {
		c.errorLogger.Printf("WriteMessage: %v", err)
	}
}

////////////////////////////////////////////////////////////////////////
// Shutdown
////////////////////////////////////////////////////////////////////////

// Record err as the reason the session ended and close the transport, which
// unblocks any concurrent ReadOp calls.
func (c *Connection) setFatal(err error) {
	c.mu.Lock()
	if c.fatal == nil {
		c.fatal = err
	}
	c.mu.Unlock()

	c.errorLogger.Printf("Session failed: %v", err)
	c.closeTransport()
}

func (c *Connection) fatalError() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.fatal
}

func (c *Connection) closeTransport() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.transport.Close()
	})

	return c.closeErr
}

// Close the transport and wait for in-flight ops to be replied to. Returns
// the error that ended the session, if any.
func (c *Connection) close() (err error) {
	closeErr := c.closeTransport()
	c.opsInFlight.Wait()

	if err = c.fatalError(); err != nil {
		return
	}

	if closeErr != nil {
		err = fmt.Errorf("Close: %v", closeErr)
		return
	}

	return
}
