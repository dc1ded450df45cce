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
	"log"

	"github.com/jacobsa/passthrough-fuse/internal/buffer"
	"github.com/jacobsa/timeutil"
	"golang.org/x/net/context"
)

// A type that knows how to serve ops read from a connection.
type Server interface {
	// Read and serve ops from the supplied connection until EOF. Do not return
	// until all operations have been responded to. Must not be called more than
	// once.
	ServeOps(*Connection)
}

// Optional configuration accepted by Serve.
type MountConfig struct {
	// The context from which every op's context inherits. If nil,
	// context.Background() is used.
	OpContext context.Context

	// If non-nil, an error logger that will be used for errors that cannot be
	// returned to the peer as an error number, such as failures writing
	// replies and file system errors without an errno.
	ErrorLogger *log.Logger

	// A logger to use for logging debug information. If nil, no debug logging
	// is performed.
	DebugLogger *log.Logger

	// Refuse requests from users other than OwnerUid and root, except for the
	// opcodes that act on already-open files.
	DenyOthers bool
	OwnerUid   uint32

	// The largest write the peer may send, in bytes. Zero means the largest
	// the message buffers allow.
	MaxWrite uint32

	// An upper bound on the readahead the peer may use. Zero means whatever
	// the peer proposes.
	MaxReadahead uint32

	// Limits on outstanding background requests announced to peers speaking
	// protocol 7.13 or later. A zero congestion threshold means three
	// quarters of MaxBackground.
	MaxBackground       uint32
	CongestionThreshold uint32

	// Accept an INIT on an active session, destroying the file system state
	// first. Virtual machine transports need this when the guest reboots.
	AllowReinit bool

	// The number of goroutines that serve requests concurrently. Zero means a
	// default.
	Workers int

	// The clock used to turn expiration times into the relative timeouts sent
	// to the peer. If nil, the real clock is used.
	Clock timeutil.Clock

	// Where message buffers come from. If nil, a DefaultMessageProvider is
	// used.
	MessageProvider MessageProvider
}

const defaultWorkers = 8

func (c *MountConfig) validate() error {
	if c.MaxWrite > buffer.MaxWriteSize {
		return fmt.Errorf(
			"MaxWrite %d exceeds the limit of %d",
			c.MaxWrite,
			buffer.MaxWriteSize)
	}

	if c.Workers < 0 {
		return fmt.Errorf("negative Workers: %d", c.Workers)
	}

	return nil
}

func (c *MountConfig) maxWrite() uint32 {
	if c.MaxWrite == 0 {
		return buffer.MaxWriteSize
	}

	return c.MaxWrite
}

func (c *MountConfig) workers() int {
	if c.Workers == 0 {
		return defaultWorkers
	}

	return c.Workers
}

// A struct representing the status of a served session, with a method that
// waits for it to end.
type MountedFileSystem struct {
	conn *Connection

	// The result to return from Join. Not valid until the channel is closed.
	joinStatus          error
	joinStatusAvailable chan struct{}
}

// Block until the session has ended. Do not return successfully until all
// ops read from the connection have been responded to (i.e. the file system
// server has finished processing all in-flight ops).
//
// The return value will be non-nil if anything unexpected happened while
// serving, such as a failed negotiation. May be called multiple times.
func (mfs *MountedFileSystem) Join(ctx context.Context) error {
	select {
	case <-mfs.joinStatusAvailable:
		return mfs.joinStatus
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close the transport, which ends the session once in-flight ops finish.
func (mfs *MountedFileSystem) Close() error {
	return mfs.conn.closeTransport()
}

// Serve the peer at the other end of t using the supplied Server, in the
// background. The session begins when the peer sends INIT and ends when
// the transport reaches EOF or the session fails.
func Serve(
	t Transport,
	server Server,
	config *MountConfig) (mfs *MountedFileSystem, err error) {
	if config == nil {
		config = &MountConfig{}
	}

	connection, err := NewConnection(t, config)
	if err != nil {
		t.Close()
		err = fmt.Errorf("NewConnection: %v", err)
		return
	}

	mfs = &MountedFileSystem{
		conn:                connection,
		joinStatusAvailable: make(chan struct{}),
	}

	// Serve the connection in the background. When done, set the join status.
	go func() {
		server.ServeOps(connection)
		mfs.joinStatus = connection.close()
		close(mfs.joinStatusAvailable)
	}()

	return
}
