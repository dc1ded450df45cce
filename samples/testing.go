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

package samples

import (
	"fmt"
	"time"

	"github.com/jacobsa/ogletest"
	"github.com/jacobsa/passthrough-fuse"
	"github.com/jacobsa/passthrough-fuse/fusetesting"
	"github.com/jacobsa/passthrough-fuse/internal/fusekernel"
	"github.com/jacobsa/timeutil"
	"golang.org/x/net/context"
)

// A struct that implements common behavior needed by tests in the samples/
// directory. Use it as an embedded field in your test fixture, calling its
// SetUp method from your SetUp method after setting the Server field.
type SampleTest struct {
	// The server to be tested. Must be set before SetUp is called.
	Server fuse.Server

	// The config passed to fuse.Serve. May be modified before SetUp.
	MountConfig fuse.MountConfig

	// A clock with a fixed initial time. The test's set up method may use this
	// to wire the file system with a clock, if desired.
	Clock timeutil.SimulatedClock

	// A context object that can be used for long-running operations.
	Ctx context.Context

	// The peer end of the session, initialized at the newest protocol version
	// by SetUp.
	Client *fusetesting.Client

	mfs *fuse.MountedFileSystem
}

// Serve t.Server and initialize the other exported fields of the struct.
// Panics on error.
//
// REQUIRES: t.Server has been set.
func (t *SampleTest) SetUp(ti *ogletest.TestInfo) {
	err := t.initialize(t.Server, &t.MountConfig)
	if err != nil {
		panic(err)
	}
}

// Like SetUp, but doesn't panic.
func (t *SampleTest) initialize(
	server fuse.Server,
	config *fuse.MountConfig) (err error) {
	t.Ctx = context.Background()
	t.Clock.SetTime(time.Date(2012, 8, 15, 22, 56, 0, 0, time.Local))

	if config.Clock == nil {
		config.Clock = &t.Clock
	}

	var transport fuse.Transport
	transport, t.Client = fusetesting.Pipe()

	t.mfs, err = fuse.Serve(transport, server, config)
	if err != nil {
		err = fmt.Errorf("Serve: %v", err)
		return
	}

	_, err = t.Client.Init(fusekernel.ProtoVersionMaxMinor, 0)
	if err != nil {
		err = fmt.Errorf("Init: %v", err)
		return
	}

	return
}

// End the session and wait for the server to finish. Panics on error.
func (t *SampleTest) TearDown() {
	err := t.destroy()
	if err != nil {
		panic(err)
	}
}

// Like TearDown, but doesn't panic.
func (t *SampleTest) destroy() (err error) {
	if t.mfs == nil {
		return
	}

	t.Client.Close()

	ctx, cancel := context.WithTimeout(t.Ctx, 10*time.Second)
	defer cancel()

	if err = t.mfs.Join(ctx); err != nil {
		err = fmt.Errorf("Join: %v", err)
		return
	}

	return
}
