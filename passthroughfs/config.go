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
	"fmt"
	"log"
	"time"

	"github.com/jacobsa/passthrough-fuse"
	"github.com/jacobsa/timeutil"
)

// CachePolicy controls how long the peer may cache entries and attributes,
// and how it treats the page cache of opened files.
type CachePolicy int

const (
	// Nothing is cached; files are opened for direct I/O.
	CacheNone CachePolicy = iota

	// Entries and attributes are cached briefly.
	CacheAuto

	// Everything is cached for a long time, and opened files keep the peer's
	// page cache. Appropriate only when nothing else modifies the source.
	CacheAlways
)

func (p CachePolicy) String() string {
	switch p {
	case CacheNone:
		return "none"
	case CacheAuto:
		return "auto"
	case CacheAlways:
		return "always"
	}

	return fmt.Sprintf("CachePolicy(%d)", int(p))
}

// ParseCachePolicy parses the names returned by CachePolicy.String.
func ParseCachePolicy(s string) (p CachePolicy, err error) {
	switch s {
	case "none":
		p = CacheNone
	case "auto":
		p = CacheAuto
	case "always":
		p = CacheAlways
	default:
		err = fmt.Errorf("unknown cache policy %q", s)
	}

	return
}

// The entry and attribute timeout the peer is given by default.
func (p CachePolicy) defaultTimeout() time.Duration {
	switch p {
	case CacheAuto:
		return time.Second
	case CacheAlways:
		return 24 * time.Hour
	}

	return 0
}

// A tri-state switch for directory listings with attributes.
type ReaddirplusMode int

const (
	// Enabled unless the cache policy is CacheNone.
	ReaddirplusDefault ReaddirplusMode = iota

	// Enabled whenever the peer supports it.
	ReaddirplusOn

	// Never enabled.
	ReaddirplusOff
)

type Config struct {
	// The directory to export. Defaults to "/".
	Source string

	Cache CachePolicy

	// If non-nil, the entry and attribute timeout handed to the peer,
	// overriding the default for the cache policy. Must not be negative.
	Timeout *time.Duration

	// Whether to serve extended attributes. When false, the xattr ops return
	// ENOSYS so that the peer stops asking.
	Xattr bool

	// Whether to offer flock(2) locks and the peer's write-back cache.
	Flock     bool
	Writeback bool

	Readdirplus ReaddirplusMode

	// Refuse operations on symlinks that have no race-free host primitive,
	// rather than falling back to resolving the symlink's parent directory.
	NoRace bool

	// Create files, directories and symlinks with the credentials of the
	// requesting process. This requires the server to run with CAP_SETUID and
	// CAP_SETGID.
	SwitchCredentials bool

	// The most inodes, file handles and directory handles each that may be
	// live at once. Zero means no limit.
	MaxHandles int

	// Carries out mapping requests. If nil, they return ENOSYS.
	Mapper fuse.Mapper

	// Receives errors that are turned into EIO or otherwise hidden from the
	// peer. May be nil.
	ErrorLogger *log.Logger

	// Defaults to the real clock.
	Clock timeutil.Clock
}

func (c *Config) validate() (err error) {
	if c.Timeout != nil && *c.Timeout < 0 {
		err = fmt.Errorf("timeout is negative (%v)", *c.Timeout)
		return
	}

	if c.MaxHandles < 0 {
		err = fmt.Errorf("MaxHandles is negative (%d)", c.MaxHandles)
		return
	}

	return
}

func (c *Config) timeout() time.Duration {
	if c.Timeout != nil {
		return *c.Timeout
	}

	return c.Cache.defaultTimeout()
}

func (c *Config) readdirplus() bool {
	switch c.Readdirplus {
	case ReaddirplusOn:
		return true
	case ReaddirplusOff:
		return false
	}

	return c.Cache != CacheNone
}
