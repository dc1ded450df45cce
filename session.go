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

	"github.com/jacobsa/passthrough-fuse/fuseops"
	"github.com/jacobsa/passthrough-fuse/internal/buffer"
	"github.com/jacobsa/passthrough-fuse/internal/fusekernel"
)

// The lifecycle of a session. Only INIT is accepted outside stateActive.
type sessionState int

const (
	stateUninitialized sessionState = iota
	stateActive
	stateDestroyed
)

func (s sessionState) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateActive:
		return "active"
	case stateDestroyed:
		return "destroyed"
	}

	return fmt.Sprintf("sessionState(%d)", int(s))
}

// Capabilities we turn on whenever the peer offers them, regardless of the
// file system.
const defaultWant = fuseops.CapAsyncRead |
	fuseops.CapParallelDirops |
	fuseops.CapAutoInvalData |
	fuseops.CapHandleKillpriv |
	fuseops.CapAsyncDIO |
	fuseops.CapIoctlDir |
	fuseops.CapAtomicTrunc

// Negotiated parameters, fixed once the session becomes active.
type negotiation struct {
	protocol fusekernel.Protocol

	// The flags the peer proposed.
	proposed fusekernel.InitFlags

	maxReadahead uint32
	capable      fuseops.Capabilities
	want         fuseops.Capabilities
}

// The capabilities the peer offers in an INIT for protocol p.
func capableFor(p fusekernel.Protocol, flags fusekernel.InitFlags) (c fuseops.Capabilities) {
	if p.GE(fusekernel.Protocol{Major: 7, Minor: 6}) {
		c = fuseops.Capabilities(flags) & fuseops.KnownCapabilities
	}

	// The reply must never claim more than the peer offered, and directory
	// ioctls need 7.18.
	if !p.GE(fusekernel.Protocol{Major: 7, Minor: 18}) {
		c &^= fuseops.CapIoctlDir
	}

	return
}

// Handle the version checks of an INIT request. For a usable version, the
// returned op carries the capabilities on offer with the default ones
// already wanted, and the session leaves the active state until the file
// system has replied. Otherwise the peer has been answered, op is nil, and
// err is non-nil if the session cannot continue.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Connection) beginInit(r *request) (op *fuseops.InitOp, err error) {
	var in fusekernel.InitIn
	if err = r.inMsg.ConsumeStruct(&in, fusekernel.SizeOf(&in)); err != nil {
		c.finishInternal(r, EIO)
		err = nil
		return
	}

	p := fusekernel.Protocol{Major: in.Major, Minor: in.Minor}
	c.debugLog(r.unique, 1, "<- Init (protocol %v, flags %v, max readahead %d)", p, fusekernel.InitFlags(in.Flags), in.MaxReadahead)

	switch {
	case in.Major < fusekernel.ProtoVersionMinMajor:
		c.finishInternal(r, EPROTO)
		err = fmt.Errorf("unsupported protocol version: %v", p)
		c.setFatal(err)
		return

	// Wait for a second INIT at a version we speak.
	case in.Major > fusekernel.ProtoVersionMaxMajor:
		out := fusekernel.InitOut{
			Major: fusekernel.ProtoVersionMaxMajor,
			Minor: fusekernel.ProtoVersionMaxMinor,
		}

		c.finishWith(r, func(m *buffer.OutMessage) error {
			return m.AppendStruct(&out, fusekernel.InitOutSize)
		})

		return
	}

	n := negotiation{
		protocol: p,
		proposed: fusekernel.InitFlags(in.Flags),
		capable:  capableFor(p, fusekernel.InitFlags(in.Flags)),
	}

	if p.GE(fusekernel.Protocol{Major: 7, Minor: 6}) {
		n.maxReadahead = in.MaxReadahead
		if c.config.MaxReadahead != 0 && c.config.MaxReadahead < n.maxReadahead {
			n.maxReadahead = c.config.MaxReadahead
		}
	}

	n.want = defaultWant & n.capable

	c.mu.Lock()
	reinit := c.state == stateActive
	c.state = stateUninitialized
	c.pendingInit = n
	c.mu.Unlock()

	op = &fuseops.InitOp{
		Kernel:  fuseops.Protocol{Major: p.Major, Minor: p.Minor},
		Capable: n.capable,
		Want:    n.want,
		Reinit:  reinit,
	}

	return
}

// Build the INIT reply once the file system has seen op, activating the
// session. If the file system wants something the peer cannot do, an error
// carrying EPROTO is returned and the session must fail.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Connection) completeInit(
	op *fuseops.InitOp,
	m *buffer.OutMessage) (err error) {
	c.mu.Lock()
	n := c.pendingInit
	c.mu.Unlock()

	if extra := op.Want &^ n.capable; extra != 0 {
		err = WithErrno(
			fmt.Errorf(
				"file system requested capabilities %#x that the peer does not support",
				uint32(extra)),
			EPROTO)

		return
	}

	n.want = op.Want

	// Big writes are superseded by max_write, but older peers want to see the
	// flag before they will send more than a page.
	flags := fusekernel.InitFlags(n.want)
	flags |= n.proposed & fusekernel.InitBigWrites

	// Leave room for the request header and the fixed body of a write.
	bufSize := uint32(buffer.MaxWriteSize + 4096)
	if bufSize < fusekernel.MinReadBuffer {
		bufSize = fusekernel.MinReadBuffer
	}

	maxWrite := c.config.maxWrite()
	if limit := bufSize - 4096; limit < maxWrite {
		maxWrite = limit
	}

	out := fusekernel.InitOut{
		Major:        fusekernel.ProtoVersionMaxMajor,
		Minor:        fusekernel.ProtoVersionMaxMinor,
		MaxReadahead: n.maxReadahead,
		Flags:        uint32(flags),
		MaxWrite:     maxWrite,
	}

	if n.protocol.GE(fusekernel.Protocol{Major: 7, Minor: 13}) {
		maxBackground := c.config.MaxBackground
		if maxBackground >= 1<<16 {
			maxBackground = 1<<16 - 1
		}

		congestion := c.config.CongestionThreshold
		if congestion > maxBackground {
			congestion = maxBackground
		}

		if congestion == 0 {
			congestion = maxBackground * 3 / 4
		}

		out.MaxBackground = uint16(maxBackground)
		out.CongestionThreshold = uint16(congestion)
	}

	if n.protocol.GE(fusekernel.Protocol{Major: 7, Minor: 23}) {
		out.TimeGran = 1
	}

	if err = m.AppendStruct(&out, fusekernel.InitOutSizeFor(n.protocol)); err != nil {
		return
	}

	c.mu.Lock()
	c.negotiated = n
	c.state = stateActive
	c.mu.Unlock()

	c.debugLog(
		0,
		1,
		"Session active: protocol %v, flags %v, max write %d",
		n.protocol,
		flags,
		maxWrite)

	return
}

// Record a DESTROY. Afterward only INIT is accepted.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Connection) markDestroyed() {
	c.mu.Lock()
	c.state = stateDestroyed
	c.mu.Unlock()
}

// Move from active to destroyed, reporting whether the session was active.
// Used when the transport goes away without a DESTROY.
//
// LOCKS_EXCLUDED(c.mu)
func (c *Connection) destroyIfActive() (wasActive bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wasActive = c.state == stateActive
	if wasActive {
		c.state = stateDestroyed
	}

	return
}

// Protocol returns the protocol version negotiated with the peer, or the zero
// value if the session is not active.
func (c *Connection) Protocol() fuseops.Protocol {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateActive {
		return fuseops.Protocol{}
	}

	p := c.negotiated.protocol
	return fuseops.Protocol{Major: p.Major, Minor: p.Minor}
}

// Capabilities returns the capabilities enabled for the session.
func (c *Connection) Capabilities() fuseops.Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateActive {
		return 0
	}

	return c.negotiated.want
}
