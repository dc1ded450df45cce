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

package fuseutil

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/jacobsa/passthrough-fuse/fuseops"
	"github.com/jacobsa/passthrough-fuse/internal/fusekernel"
)

type DirentType uint32

const (
	DT_Unknown   DirentType = 0
	DT_Socket    DirentType = syscall.DT_SOCK
	DT_Link      DirentType = syscall.DT_LNK
	DT_File      DirentType = syscall.DT_REG
	DT_Block     DirentType = syscall.DT_BLK
	DT_Directory DirentType = syscall.DT_DIR
	DT_Char      DirentType = syscall.DT_CHR
	DT_FIFO      DirentType = syscall.DT_FIFO
)

// DirentTypeFromMode returns the entry type matching the type bits of mode.
func DirentTypeFromMode(mode os.FileMode) DirentType {
	return DirentType(fusekernel.DirentTypeFromMode(fuseops.UnixMode(mode)))
}

// A struct representing an entry within a directory file, describing a child.
// See notes on fuseops.ReadDirOp and on WriteDirent for details.
type Dirent struct {
	// The (opaque) offset within the directory file of the entry following this
	// one. See notes on fuseops.ReadDirOp.Offset for details.
	Offset fuseops.DirOffset

	// The inode number of the child, and its name within the parent.
	Inode uint64
	Name  string

	// The type of the child. The zero value (DT_Unknown) is legal, but means
	// that the peer will need to call GetAttr when the type is needed.
	Type DirentType
}

// The space WriteDirent needs for d.
func DirentSize(d Dirent) int {
	return fusekernel.DirentAlign(fusekernel.DirentSize + len(d.Name))
}

// The space WriteDirentPlus needs for d.
func DirentPlusSize(d Dirent) int {
	return fusekernel.DirentAlign(
		fusekernel.EntryOutSize + fusekernel.DirentSize + len(d.Name))
}

// Write the supplied directory entry into the given buffer in the format
// expected in fuseops.ReadDirOp.Dst, returning the number of bytes written.
// Returns zero if the entry would not fit.
func WriteDirent(buf []byte, d Dirent) (n int) {
	n = DirentSize(d)
	if n > len(buf) {
		n = 0
		return
	}

	writeDirent(buf[:n], d)
	return
}

// Like WriteDirent, but in the readdir-with-attributes format: the entry
// describing the child precedes the directory entry. A zero e.Child is
// legal and means the peer did not get a reference to the child.
func WriteDirentPlus(
	buf []byte,
	e *fuseops.ChildInodeEntry,
	now time.Time,
	d Dirent) (n int) {
	n = DirentPlusSize(d)
	if n > len(buf) {
		n = 0
		return
	}

	var out fusekernel.EntryOut
	fuseops.ConvertChildInodeEntry(e, now, &out)

	b := mustEncode(&out)
	copy(buf, b)
	writeDirent(buf[len(b):n], d)

	return
}

// buf must be exactly the aligned size of the entry.
func writeDirent(buf []byte, d Dirent) {
	de := fusekernel.Dirent{
		Ino:     d.Inode,
		Off:     uint64(d.Offset),
		Namelen: uint32(len(d.Name)),
		Type:    uint32(d.Type),
	}

	b := mustEncode(&de)
	copy(buf, b)
	copy(buf[len(b):], d.Name)

	// Zero the padding, which may hold stale bytes from a reused buffer.
	for i := len(b) + len(d.Name); i < len(buf); i++ {
		buf[i] = 0
	}
}

func mustEncode(v interface{}) []byte {
	b, err := fusekernel.Encode(v)
	if err != nil {
		panic(fmt.Sprintf("Encode: %v", err))
	}

	return b
}
