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
	"sync"
	"sync/atomic"
	"time"

	"github.com/jacobsa/passthrough-fuse/internal/fusekernel"
	"github.com/jacobsa/reqtrace"
	"golang.org/x/net/context"
)

// State for a single request read from the peer, from the moment it is read
// until the last reference to it is dropped.
type request struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	c        *Connection
	unique   uint64
	opcode   fusekernel.Opcode
	channel  Channel
	protocol fusekernel.Protocol
	start    time.Time

	// The message the request was read from. Byte slices in op may alias it,
	// so it is returned to the provider only when refs reaches zero.
	inMsg *InMessage

	// Scratch space for bulk reply data, allocated along with the op.
	outMsg *OutMessage

	// The op handed to the file system, or nil for requests answered by the
	// connection itself.
	op interface{}

	// Set for the Destroy op made up when the transport goes away. It gets no
	// reply.
	synthetic bool

	// Whether the request made it into the connection's active set. Set once
	// by the reading goroutine before the op is handed out.
	registered bool

	ctx    context.Context
	cancel context.CancelFunc
	report reqtrace.ReportFunc

	/////////////////////////
	// Mutable state
	/////////////////////////

	// References held by the reply path and by any interrupt delivery in
	// progress. Accessed atomically.
	refs int32

	// Lock order: acquire before c.mu.
	mu sync.Mutex

	// GUARDED_BY(mu)
	replied     bool
	interrupted bool
	onInterrupt func()
}

type requestKeyType struct{}

var requestKey requestKeyType

func requestFromContext(ctx context.Context) *request {
	r, _ := ctx.Value(requestKey).(*request)
	return r
}

func (r *request) incRef() {
	atomic.AddInt32(&r.refs, 1)
}

// Drop a reference, recycling the request's messages when it was the last.
func (r *request) decRef() {
	switch n := atomic.AddInt32(&r.refs, -1); {
	case n > 0:
		return

	case n < 0:
		panic("request reference count went negative")
	}

	if r.inMsg != nil {
		r.c.provider.PutInMessage(r.inMsg)
		r.inMsg = nil
	}

	if r.outMsg != nil {
		r.c.provider.PutOutMessage(r.outMsg)
		r.outMsg = nil
	}
}

// Mark the request interrupted, cancel its context and run any registered
// callback. Does nothing if the request has already replied or was already
// interrupted.
//
// The callback runs with r.mu held, so that a reply cannot complete while
// it is running.
func (r *request) interrupt() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.replied || r.interrupted {
		return
	}

	r.interrupted = true
	if r.cancel != nil {
		r.cancel()
	}

	if f := r.onInterrupt; f != nil {
		r.onInterrupt = nil
		f()
	}
}

// Called on the reply path before the request leaves the active set. After
// this returns no interrupt callback will run.
func (r *request) markReplied() {
	r.mu.Lock()
	r.replied = true
	r.onInterrupt = nil
	r.mu.Unlock()
}

// OnInterrupt registers f to be called if the peer interrupts the request
// that ctx belongs to, replacing any earlier registration. If the request has
// already been interrupted, f is called immediately. A nil f removes the
// registration.
//
// f must not block for long and must not call back into the Connection. It
// is never called once the request has been replied to.
func OnInterrupt(ctx context.Context, f func()) {
	r := requestFromContext(ctx)
	if r == nil {
		return
	}

	r.mu.Lock()
	if r.replied {
		r.mu.Unlock()
		return
	}

	if r.interrupted {
		r.mu.Unlock()
		if f != nil {
			f()
		}

		return
	}

	r.onInterrupt = f
	r.mu.Unlock()
}

// Interrupted reports whether the peer has interrupted the request that ctx
// belongs to. File systems may poll this between steps of a long operation.
func Interrupted(ctx context.Context) bool {
	r := requestFromContext(ctx)
	if r == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.interrupted
}
