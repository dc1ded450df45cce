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
	"os"
)

// The file type bits of a unix mode, as in <sys/stat.h>.
const (
	modeTypeMask = 0170000
	modeSocket   = 0140000
	modeSymlink  = 0120000
	modeRegular  = 0100000
	modeBlock    = 0060000
	modeDir      = 0040000
	modeChar     = 0020000
	modeFIFO     = 0010000

	modeSetuid = 04000
	modeSetgid = 02000
	modeSticky = 01000
)

// ConvertFileMode converts a unix mode, as found in struct stat, to an
// os.FileMode.
func ConvertFileMode(unixMode uint32) (mode os.FileMode) {
	mode = os.FileMode(unixMode & 0777)
	switch unixMode & modeTypeMask {
	case modeDir:
		mode |= os.ModeDir
	case modeChar:
		mode |= os.ModeDevice | os.ModeCharDevice
	case modeBlock:
		mode |= os.ModeDevice
	case modeFIFO:
		mode |= os.ModeNamedPipe
	case modeSymlink:
		mode |= os.ModeSymlink
	case modeSocket:
		mode |= os.ModeSocket
	case modeRegular:
	default:
		// Unknown type bits; present it as irregular.
		mode |= os.ModeIrregular
	}

	if unixMode&modeSetuid != 0 {
		mode |= os.ModeSetuid
	}
	if unixMode&modeSetgid != 0 {
		mode |= os.ModeSetgid
	}
	if unixMode&modeSticky != 0 {
		mode |= os.ModeSticky
	}

	return
}

// UnixMode is the inverse of ConvertFileMode.
func UnixMode(mode os.FileMode) (unixMode uint32) {
	unixMode = uint32(mode.Perm())
	switch {
	case mode&os.ModeDir != 0:
		unixMode |= modeDir
	case mode&os.ModeCharDevice != 0:
		unixMode |= modeChar
	case mode&os.ModeDevice != 0:
		unixMode |= modeBlock
	case mode&os.ModeNamedPipe != 0:
		unixMode |= modeFIFO
	case mode&os.ModeSymlink != 0:
		unixMode |= modeSymlink
	case mode&os.ModeSocket != 0:
		unixMode |= modeSocket
	case mode&os.ModeIrregular != 0:
	default:
		unixMode |= modeRegular
	}

	if mode&os.ModeSetuid != 0 {
		unixMode |= modeSetuid
	}
	if mode&os.ModeSetgid != 0 {
		unixMode |= modeSetgid
	}
	if mode&os.ModeSticky != 0 {
		unixMode |= modeSticky
	}

	return
}
