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
	"reflect"
	"time"

	"github.com/jacobsa/oglematchers"
	"github.com/jacobsa/passthrough-fuse/internal/fusekernel"
	"golang.org/x/sys/unix"
)

// Match wire attributes (fusekernel.Attr or a pointer to one) that specify
// an mtime equal to the given time.
func MtimeIs(expected time.Time) oglematchers.Matcher {
	return oglematchers.NewMatcher(
		func(c interface{}) error { return mtimeIs(c, expected) },
		fmt.Sprintf("mtime is %v", expected))
}

func mtimeIs(c interface{}, expected time.Time) error {
	attr, ok := extractAttr(c)
	if !ok {
		return fmt.Errorf("which is of type %v", reflect.TypeOf(c))
	}

	mtime := time.Unix(int64(attr.Mtime), int64(attr.MtimeNsec))
	if !mtime.Equal(expected) {
		d := mtime.Sub(expected)
		return fmt.Errorf("which has mtime %v, off by %v", mtime, d)
	}

	return nil
}

// Match wire attributes describing the same file as the given host stat
// result: same inode number, type, mode and size.
func SameFileAs(st *unix.Stat_t) oglematchers.Matcher {
	return oglematchers.NewMatcher(
		func(c interface{}) error { return sameFileAs(c, st) },
		fmt.Sprintf("describes inode %d", st.Ino))
}

func sameFileAs(c interface{}, st *unix.Stat_t) error {
	attr, ok := extractAttr(c)
	if !ok {
		return fmt.Errorf("which is of type %v", reflect.TypeOf(c))
	}

	switch {
	case attr.Ino != st.Ino:
		return fmt.Errorf("which has inode number %d", attr.Ino)

	case attr.Mode != st.Mode:
		return fmt.Errorf("which has mode %o", attr.Mode)

	case attr.Size != uint64(st.Size):
		return fmt.Errorf("which has size %d", attr.Size)
	}

	return nil
}

func extractAttr(c interface{}) (attr fusekernel.Attr, ok bool) {
	switch v := c.(type) {
	case fusekernel.Attr:
		attr, ok = v, true
	case *fusekernel.Attr:
		if v != nil {
			attr, ok = *v, true
		}
	}

	return
}
