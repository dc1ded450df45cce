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

package fuse

import (
	"errors"
	"syscall"

	"github.com/ansel1/merry"
)

const (
	// Errors corresponding to kernel error numbers. These may be treated
	// specially when returned by a file system method.
	EACCES     = syscall.EACCES
	EAGAIN     = syscall.EAGAIN
	EBADF      = syscall.EBADF
	EEXIST     = syscall.EEXIST
	EINVAL     = syscall.EINVAL
	EIO        = syscall.EIO
	ENOATTR    = syscall.ENODATA
	ENOENT     = syscall.ENOENT
	ENOMEM     = syscall.ENOMEM
	ENOSYS     = syscall.ENOSYS
	ENOTDIR    = syscall.ENOTDIR
	ENOTEMPTY  = syscall.ENOTEMPTY
	EOPNOTSUPP = syscall.EOPNOTSUPP
	EPERM      = syscall.EPERM
	EPROTO     = syscall.EPROTO
	ERANGE     = syscall.ERANGE
)

// The merry value key under which WithErrno records an error number.
const errnoKey = "errno"

// WithErrno annotates err so that, when returned from a file system method,
// the peer sees errno rather than EIO. The original message and the call
// site are kept for logging. Returns nil if err is nil.
func WithErrno(err error, errno syscall.Errno) error {
	if err == nil {
		return nil
	}

	return merry.WrapSkipping(err, 1).WithValue(errnoKey, errno)
}

// ErrnoFor returns the error number that should be sent to the peer for the
// supplied error, and whether one was found. Bare syscall.Errno values,
// errors wrapping one, and errors annotated with WithErrno are recognized.
func ErrnoFor(err error) (errno syscall.Errno, ok bool) {
	if err == nil {
		return
	}

	if v, isErrno := merry.Value(err, errnoKey).(syscall.Errno); isErrno {
		errno, ok = v, true
		return
	}

	if v, isErrno := merry.Unwrap(err).(syscall.Errno); isErrno {
		errno, ok = v, true
		return
	}

	ok = errors.As(err, &errno)
	return
}
