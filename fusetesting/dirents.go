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

package fusetesting

import (
	"fmt"
	"sort"

	"github.com/jacobsa/passthrough-fuse/internal/fusekernel"
)

// A directory entry parsed from a READDIR or READDIRPLUS reply. Entry is
// the zero value for the former.
type ParsedDirent struct {
	Entry  fusekernel.EntryOut
	Dirent fusekernel.Dirent
	Name   string
}

type sortedDirents []ParsedDirent

func (f sortedDirents) Len() int           { return len(f) }
func (f sortedDirents) Less(i, j int) bool { return f[i].Name < f[j].Name }
func (f sortedDirents) Swap(i, j int)      { f[i], f[j] = f[j], f[i] }

// Parse the body of a READDIR reply, or of a READDIRPLUS reply if plus is
// set.
func ParseDirents(b []byte, plus bool) (entries []ParsedDirent, err error) {
	for len(b) > 0 {
		var d ParsedDirent
		var n int

		if plus {
			var dp fusekernel.DirentPlus
			if n, err = fusekernel.Decode(b, &dp); err != nil {
				return
			}

			d.Entry = dp.Entry
			d.Dirent = dp.Dirent
		} else {
			if n, err = fusekernel.Decode(b, &d.Dirent); err != nil {
				return
			}
		}

		end := n + int(d.Dirent.Namelen)
		if end > len(b) {
			err = fmt.Errorf("name of %d bytes overruns the buffer", d.Dirent.Namelen)
			return
		}

		d.Name = string(b[n:end])
		entries = append(entries, d)

		if aligned := fusekernel.DirentAlign(end); aligned < len(b) {
			b = b[aligned:]
		} else {
			b = nil
		}
	}

	return
}

// Read a whole directory through c, size bytes at a time, following the
// offsets in the entries. Returns the entries in the order read.
func ReadWholeDir(
	c *Client,
	node, fh uint64,
	size uint32,
	plus bool) (entries []ParsedDirent, err error) {
	var offset uint64
	for {
		var data []byte
		if data, err = c.ReadDir(node, fh, offset, size, plus); err != nil {
			return
		}

		var batch []ParsedDirent
		if batch, err = ParseDirents(data, plus); err != nil {
			return
		}

		if len(batch) == 0 {
			return
		}

		entries = append(entries, batch...)
		offset = batch[len(batch)-1].Dirent.Off
	}
}

// Return the names of the entries, sorted.
func SortedNames(entries []ParsedDirent) (names []string) {
	sorted := append(sortedDirents(nil), entries...)
	sort.Sort(sorted)

	for _, d := range sorted {
		names = append(names, d.Name)
	}

	return
}
