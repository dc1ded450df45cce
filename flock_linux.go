package fuse

import (
	"fmt"

	"github.com/jacobsa/passthrough-fuse/fuseops"
	"github.com/jacobsa/passthrough-fuse/internal/fusekernel"
)

// MapFlockType converts the lock type carried by a SETLK request into the
// type handed to the file system.
func MapFlockType(t uint32) (fuseops.FileLockType, error) {
	switch t {
	case fusekernel.LockRead:
		return fuseops.F_RDLOCK, nil
	case fusekernel.LockWrite:
		return fuseops.F_WRLOCK, nil
	case fusekernel.LockUnlock:
		return fuseops.F_UNLOCK, nil
	}

	return 0, fmt.Errorf("MapFlockType: unknown type %d", t)
}

// UnmapFlockType is the inverse of MapFlockType.
func UnmapFlockType(t fuseops.FileLockType) uint32 {
	var ret uint32
	switch t {
	case fuseops.F_RDLOCK:
		ret = fusekernel.LockRead
	case fuseops.F_WRLOCK:
		ret = fusekernel.LockWrite
	case fuseops.F_UNLOCK:
		ret = fusekernel.LockUnlock
	}
	return ret
}
