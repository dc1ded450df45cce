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
	"fmt"

	"github.com/NVIDIA/sortedmap"
	"github.com/jacobsa/passthrough-fuse/internal/fusekernel"
)

// The active request set and the pending interrupt set are both ordered
// maps keyed by request unique ID (uint64). The peer hands out IDs in
// increasing order, so the first entry is the oldest.
func newRequestSet() sortedmap.LLRBTree {
	return sortedmap.NewLLRBTree(sortedmap.CompareUint64, requestSetDumper{})
}

// An interrupt that arrived before the request it names. Keyed in
// Connection.pending by the target's unique ID.
type pendingInterrupt struct {
	// The ID and channel of the INTERRUPT message itself, needed to tell the
	// peer to resend it.
	unique  uint64
	channel Channel
}

type requestSetDumper struct{}

func (requestSetDumper) DumpKey(key sortedmap.Key) (s string, err error) {
	u, ok := key.(uint64)
	if !ok {
		err = fmt.Errorf("unexpected key type %T", key)
		return
	}

	s = fmt.Sprintf("0x%08x", u)
	return
}

func (requestSetDumper) DumpValue(value sortedmap.Value) (s string, err error) {
	switch v := value.(type) {
	case *request:
		s = v.opcode.String()
	case pendingInterrupt:
		s = fmt.Sprintf("INTERRUPT 0x%08x", v.unique)
	default:
		err = fmt.Errorf("unexpected value type %T", value)
	}

	return
}

// Errors from the request sets indicate a broken invariant, since keys are
// always uint64.
func mustSucceed(err error) {
	if err != nil {
		panic(fmt.Sprintf("request set: %v", err))
	}
}

// Add r to the active set and reconcile it with the pending interrupts. If
// an interrupt for r already arrived, r is interrupted. Otherwise the oldest
// pending interrupt, if any, is answered with EAGAIN so that the peer can
// resend it; it will never match a request we have yet to see.
//
// Returns false, leaving r unregistered, if another active request already
// has the same ID.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Connection) registerRequest(r *request) bool {
	var matched bool
	var stale *pendingInterrupt

	c.mu.Lock()

	ok, err := c.active.Put(r.unique, r)
	mustSucceed(err)
	if !ok {
		c.mu.Unlock()
		return false
	}

	_, matched, err = c.pending.GetByKey(r.unique)
	mustSucceed(err)

	if matched {
		_, err = c.pending.DeleteByKey(r.unique)
		mustSucceed(err)
	} else {
		n, err := c.pending.Len()
		mustSucceed(err)

		if n > 0 {
			_, v, _, err := c.pending.GetByIndex(0)
			mustSucceed(err)

			_, err = c.pending.DeleteByIndex(0)
			mustSucceed(err)

			p := v.(pendingInterrupt)
			stale = &p
		}
	}

	c.mu.Unlock()

	if matched {
		c.debugLog(r.unique, 1, "Interrupt arrived before the request")
		r.interrupt()
	}

	if stale != nil {
		c.replyError(stale.unique, stale.channel, EAGAIN)
	}

	return true
}

// Remove r from the active set. After this returns, interrupts naming r
// have no effect.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Connection) unregisterRequest(r *request) {
	c.mu.Lock()
	_, err := c.active.DeleteByKey(r.unique)
	mustSucceed(err)
	c.mu.Unlock()
}

// Handle an INTERRUPT message. If the target is active it is interrupted
// now; otherwise the interrupt waits in the pending set for the target to
// arrive. A second interrupt for the same pending target is dropped.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Connection) handleInterrupt(m *InMessage, ch Channel) {
	unique := m.Header().Unique

	var in fusekernel.InterruptIn
	if err := m.ConsumeStruct(&in, fusekernel.SizeOf(&in)); err != nil {
		c.errorLogger.Printf("Malformed INTERRUPT 0x%08x: %v", unique, err)
		return
	}

	c.debugLog(unique, 1, "<- Interrupt (target 0x%08x)", in.Unique)

	c.mu.Lock()

	v, ok, err := c.active.GetByKey(in.Unique)
	mustSucceed(err)

	if ok {
		target := v.(*request)

		// Hold a reference so that the target cannot be recycled while we
		// deliver outside of c.mu.
		target.incRef()
		c.mu.Unlock()

		target.interrupt()
		target.decRef()
		return
	}

	_, ok, err = c.pending.GetByKey(in.Unique)
	mustSucceed(err)

	if !ok {
		_, err = c.pending.Put(in.Unique, pendingInterrupt{unique: unique, channel: ch})
		mustSucceed(err)
	}

	c.mu.Unlock()
}

// INVARIANT: no ID is both active and pending
//
// EXCLUSIVE_LOCKS_REQUIRED(c.mu)
func (c *Connection) checkRequestSets() {
	n, err := c.pending.Len()
	mustSucceed(err)

	for i := 0; i < n; i++ {
		k, _, _, err := c.pending.GetByIndex(i)
		mustSucceed(err)

		if _, ok, err := c.active.GetByKey(k); err != nil || ok {
			panic(fmt.Sprintf("ID 0x%08x is both active and pending", k))
		}
	}
}
