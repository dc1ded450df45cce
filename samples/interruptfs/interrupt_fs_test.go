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

package interruptfs_test

import (
	"syscall"
	"testing"
	"time"

	. "github.com/jacobsa/ogletest"
	"github.com/jacobsa/passthrough-fuse/fuseops"
	"github.com/jacobsa/passthrough-fuse/fuseutil"
	"github.com/jacobsa/passthrough-fuse/internal/fusekernel"
	"github.com/jacobsa/passthrough-fuse/samples"
	"github.com/jacobsa/passthrough-fuse/samples/interruptfs"
)

func TestInterruptFS(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type InterruptFSTest struct {
	samples.SampleTest
	fs *interruptfs.InterruptFS
}

func init() { RegisterTestSuite(&InterruptFSTest{}) }

var _ SetUpInterface = &InterruptFSTest{}
var _ TearDownInterface = &InterruptFSTest{}

func (t *InterruptFSTest) SetUp(ti *TestInfo) {
	// Create the file system.
	t.fs = interruptfs.New()
	t.Server = fuseutil.NewFileSystemServer(t.fs, nil)

	// Serve it.
	t.SampleTest.SetUp(ti)
}

////////////////////////////////////////////////////////////////////////
// Test functions
////////////////////////////////////////////////////////////////////////

func (t *InterruptFSTest) StatFoo() {
	e, err := t.Client.LookUp(fuseops.RootInodeID, "foo")
	AssertEq(nil, err)

	ExpectEq(fuseops.RootInodeID+1, e.NodeID)
	ExpectEq(syscall.S_IFREG|0777, e.Attr.Mode)
	ExpectEq(1234, e.Attr.Size)
}

func (t *InterruptFSTest) InterruptedDuringRead() {
	e, err := t.Client.LookUp(fuseops.RootInodeID, "foo")
	AssertEq(nil, err)

	o, err := t.Client.Open(e.NodeID, syscall.O_RDONLY, false)
	AssertEq(nil, err)

	// Start a read, which will hang.
	unique := t.Client.NextUnique()
	in := fusekernel.ReadIn{
		Fh:   o.Fh,
		Size: 4096,
	}

	ch, err := t.Client.SendWithUnique(unique, fusekernel.OpRead, e.NodeID, &in)
	AssertEq(nil, err)

	// Wait for the read to make it to the file system.
	t.fs.WaitForReadInFlight()
	AssertEq(nil, t.Client.ExpectNoReply(ch, 50*time.Millisecond))

	// Interrupt it. The read should return, with an appropriate error.
	_, err = t.Client.Interrupt(unique)
	AssertEq(nil, err)

	r, err := t.Client.Wait(ch)
	AssertEq(nil, err)
	ExpectEq(syscall.EINTR, r.Errno)
	ExpectEq(1, t.fs.InterruptedReads())
}

func (t *InterruptFSTest) InterruptArrivesBeforeRead() {
	e, err := t.Client.LookUp(fuseops.RootInodeID, "foo")
	AssertEq(nil, err)

	o, err := t.Client.Open(e.NodeID, syscall.O_RDONLY, false)
	AssertEq(nil, err)

	// Interrupt a read that hasn't been sent yet.
	unique := t.Client.NextUnique()
	_, err = t.Client.Interrupt(unique)
	AssertEq(nil, err)

	in := fusekernel.ReadIn{
		Fh:   o.Fh,
		Size: 4096,
	}

	ch, err := t.Client.SendWithUnique(unique, fusekernel.OpRead, e.NodeID, &in)
	AssertEq(nil, err)

	// The read never blocks.
	r, err := t.Client.Wait(ch)
	AssertEq(nil, err)
	ExpectEq(syscall.EINTR, r.Errno)
	ExpectEq(1, t.fs.InterruptedReads())
}
