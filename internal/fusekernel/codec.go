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

package fusekernel

import (
	"fmt"

	"github.com/NVIDIA/cstruct"
)

// The byte order used for every multi-byte field on the wire.
var ByteOrder = cstruct.LittleEndian

// Encode packs the supplied wire structure.
func Encode(v interface{}) (b []byte, err error) {
	b, err = cstruct.Pack(v, ByteOrder)
	if err != nil {
		err = fmt.Errorf("cstruct.Pack(%T): %v", v, err)
		return
	}

	return
}

// Decode unpacks a wire structure from the front of b into the struct
// pointed to by v, returning the number of bytes consumed.
func Decode(b []byte, v interface{}) (n int, err error) {
	consumed, err := cstruct.Unpack(b, v, ByteOrder)
	if err != nil {
		err = fmt.Errorf("cstruct.Unpack(%T): %v", v, err)
		return
	}

	n = int(consumed)
	return
}

// SizeOf returns the packed size of the supplied wire structure.
func SizeOf(v interface{}) int {
	n, _, err := cstruct.Examine(v)
	if err != nil {
		panic(fmt.Sprintf("cstruct.Examine(%T): %v", v, err))
	}

	return int(n)
}

// Packed sizes of the structures with fixed layouts.
var (
	InHeaderSize  = SizeOf(InHeader{})
	OutHeaderSize = SizeOf(OutHeader{})
	AttrSize      = SizeOf(Attr{})
	EntryOutSize  = SizeOf(EntryOut{})
	AttrOutSize   = SizeOf(AttrOut{})
	InitOutSize   = SizeOf(InitOut{})
	StatfsOutSize = SizeOf(StatfsOut{})
	DirentSize    = SizeOf(Dirent{})
	WriteInSize   = SizeOf(WriteIn{})
	ReadInSize    = SizeOf(ReadIn{})
	MknodInSize   = SizeOf(MknodIn{})
	CreateInSize  = SizeOf(CreateIn{})
	ReleaseInSize = SizeOf(ReleaseIn{})
)

// Sizes of structures as spoken by peers with older minor versions.
const (
	CompatEntryOutSize  = 120
	CompatAttrOutSize   = 96
	CompatStatfsSize    = 48
	CompatInitOutSize   = 8
	Compat22InitOutSize = 24
	CompatWriteInSize   = 24
	CompatReadInSize    = 24
	CompatMknodInSize   = 8
	CompatCreateInSize  = 8
	CompatReleaseInSize = 16
)

// EntryOutSizeFor returns the size of an entry reply for the given protocol.
func EntryOutSizeFor(p Protocol) int {
	if p.LT(Protocol{7, 9}) {
		return CompatEntryOutSize
	}

	return EntryOutSize
}

// AttrOutSizeFor returns the size of an attr reply for the given protocol.
func AttrOutSizeFor(p Protocol) int {
	if p.LT(Protocol{7, 9}) {
		return CompatAttrOutSize
	}

	return AttrOutSize
}

// StatfsOutSizeFor returns the size of a statfs reply for the given
// protocol.
func StatfsOutSizeFor(p Protocol) int {
	if p.LT(Protocol{7, 4}) {
		return CompatStatfsSize
	}

	return StatfsOutSize
}

// InitOutSizeFor returns the size of an init reply for a peer whose init
// request carried protocol p.
func InitOutSizeFor(p Protocol) int {
	switch {
	case p.LT(Protocol{7, 5}):
		return CompatInitOutSize
	case p.LT(Protocol{7, 23}):
		return Compat22InitOutSize
	default:
		return InitOutSize
	}
}

// WriteInSizeFor returns the size of a write request body for protocol p.
func WriteInSizeFor(p Protocol) int {
	if p.LT(Protocol{7, 9}) {
		return CompatWriteInSize
	}

	return WriteInSize
}

// ReadInSizeFor returns the size of a read request body for protocol p.
func ReadInSizeFor(p Protocol) int {
	if p.LT(Protocol{7, 9}) {
		return CompatReadInSize
	}

	return ReadInSize
}

// MknodInSizeFor returns the size of a mknod request body for protocol p.
func MknodInSizeFor(p Protocol) int {
	if p.LT(Protocol{7, 12}) {
		return CompatMknodInSize
	}

	return MknodInSize
}

// CreateInSizeFor returns the size of a create request body for protocol p.
func CreateInSizeFor(p Protocol) int {
	if p.LT(Protocol{7, 12}) {
		return CompatCreateInSize
	}

	return CreateInSize
}

// ReleaseInSizeFor returns the size of a release request body for protocol
// p.
func ReleaseInSizeFor(p Protocol) int {
	if p.LT(Protocol{7, 8}) {
		return CompatReleaseInSize
	}

	return ReleaseInSize
}

// DirentAlign rounds x up to the alignment required between directory
// entries.
func DirentAlign(x int) int {
	return (x + 7) &^ 7
}

// DirentTypeFromMode extracts the dirent type field from a file mode.
func DirentTypeFromMode(mode uint32) uint32 {
	return (mode & 0170000) >> 12
}
