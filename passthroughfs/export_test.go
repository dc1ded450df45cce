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

package passthroughfs

import (
	"github.com/jacobsa/passthrough-fuse/fuseops"
	"github.com/jacobsa/passthrough-fuse/fuseutil"
)

// The peer's lookup count for id, or zero if there is no record for it.
func LookupCount(fs fuseutil.FileSystem, id fuseops.InodeID) uint64 {
	return fs.(*passthroughFS).reg.lookupCount(id)
}

// The number of live inode records, including the root.
func InodeCount(fs fuseutil.FileSystem) int {
	return fs.(*passthroughFS).reg.inodeCount()
}
