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

package fuseops

import (
	"fmt"
	"reflect"
	"strings"
)

// OpContext contains extra context that may be needed by some file systems.
// It is filled in from the header of the request that produced the op.
type OpContext struct {
	// FuseID is the unique id the peer assigned to the request.
	FuseID uint64

	// Pid, Uid and Gid identify the process on whose behalf the request was
	// made.
	Pid uint32
	Uid uint32
	Gid uint32
}

// A protocol version, as proposed by the peer in InitOp.
type Protocol struct {
	Major uint32
	Minor uint32
}

func (p Protocol) String() string {
	return fmt.Sprintf("%d.%d", p.Major, p.Minor)
}

// Capabilities negotiated in InitOp. The values are the bits used on the
// wire.
type Capabilities uint32

const (
	CapAsyncRead       Capabilities = 1 << 0
	CapPosixLocks      Capabilities = 1 << 1
	CapAtomicTrunc     Capabilities = 1 << 3
	CapExportSupport   Capabilities = 1 << 4
	CapBigWrites       Capabilities = 1 << 5
	CapDontMask        Capabilities = 1 << 6
	CapFlockLocks      Capabilities = 1 << 10
	CapIoctlDir        Capabilities = 1 << 11
	CapAutoInvalData   Capabilities = 1 << 12
	CapReaddirplus     Capabilities = 1 << 13
	CapReaddirplusAuto Capabilities = 1 << 14
	CapAsyncDIO        Capabilities = 1 << 15
	CapWritebackCache  Capabilities = 1 << 16
	CapNoOpenSupport   Capabilities = 1 << 17
	CapParallelDirops  Capabilities = 1 << 18
	CapHandleKillpriv  Capabilities = 1 << 19
	CapPosixACL        Capabilities = 1 << 20
)

// All capabilities the peer may offer that this package knows about.
const KnownCapabilities = CapAsyncRead |
	CapPosixLocks |
	CapAtomicTrunc |
	CapExportSupport |
	CapBigWrites |
	CapDontMask |
	CapFlockLocks |
	CapIoctlDir |
	CapAutoInvalData |
	CapReaddirplus |
	CapReaddirplusAuto |
	CapAsyncDIO |
	CapWritebackCache |
	CapNoOpenSupport |
	CapParallelDirops |
	CapHandleKillpriv |
	CapPosixACL

// Has reports whether every bit of want is present in c.
func (c Capabilities) Has(want Capabilities) bool {
	return c&want == want
}

// Describe returns a short human-readable description of op for debug
// logging, e.g. `LookUpInode (Parent=1 Name="foo")`.
func Describe(op interface{}) string {
	v := reflect.ValueOf(op)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}

	name := strings.TrimSuffix(v.Type().Name(), "Op")
	if v.Kind() != reflect.Struct {
		return name
	}

	var args []string
	for i := 0; i < v.NumField(); i++ {
		f := v.Type().Field(i)
		switch f.Name {
		case "OpContext", "Entry", "Attributes", "AttributesExpiration":
			continue
		}

		fv := v.Field(i)
		switch fv.Kind() {
		case reflect.Slice:
			unit := "items"
			if fv.Type().Elem().Kind() == reflect.Uint8 {
				unit = "bytes"
			}
			args = append(args, fmt.Sprintf("%s=<%d %s>", f.Name, fv.Len(), unit))

		case reflect.String:
			args = append(args, fmt.Sprintf("%s=%q", f.Name, fv.String()))

		case reflect.Ptr:
			if fv.IsNil() {
				continue
			}
			args = append(args, fmt.Sprintf("%s=%v", f.Name, fv.Elem().Interface()))

		default:
			if fv.CanInterface() {
				args = append(args, fmt.Sprintf("%s=%v", f.Name, fv.Interface()))
			}
		}
	}

	return fmt.Sprintf("%s (%s)", name, strings.Join(args, " "))
}
