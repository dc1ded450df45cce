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
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// A Mapper carries out SETUPMAPPING and REMOVEMAPPING requests on behalf of
// a file system, mapping ranges of open files into a memory window shared
// with the peer. Offsets into the window and lengths are opaque to the file
// system.
type Mapper interface {
	// Map length bytes of the file open at fd, starting at fileOffset, to
	// mapOffset within the window.
	SetupMapping(fd int, fileOffset, length, mapOffset uint64, read, write bool) error

	// Replace length bytes of the window at mapOffset with an inaccessible
	// anonymous mapping.
	RemoveMapping(mapOffset, length uint64) error

	// Remove every mapping in the window.
	RemoveAllMappings() error
}

// WindowMapper is a Mapper over a window of address space reserved in this
// process. A transport that shares the window with the peer (for example as
// a device memory region) exposes it through Window.
type WindowMapper struct {
	// Serializes changes to the window's mappings.
	mu sync.Mutex

	window []byte
}

// NewWindowMapper reserves size bytes of inaccessible address space, which
// must be a multiple of the page size.
func NewWindowMapper(size int) (m *WindowMapper, err error) {
	if size <= 0 || size%unix.Getpagesize() != 0 {
		err = fmt.Errorf("window size %d is not a positive multiple of the page size", size)
		return
	}

	window, err := unix.Mmap(
		-1,
		0,
		size,
		unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)

	if err != nil {
		err = fmt.Errorf("Mmap: %v", err)
		return
	}

	m = &WindowMapper{
		window: window,
	}

	return
}

// Window returns the reserved region. Bytes outside any mapping fault when
// touched.
func (m *WindowMapper) Window() []byte {
	return m.window
}

func (m *WindowMapper) checkRange(mapOffset, length uint64) error {
	page := uint64(unix.Getpagesize())
	size := uint64(len(m.window))

	switch {
	case length == 0:
		return fmt.Errorf("empty range")

	case mapOffset%page != 0 || length%page != 0:
		return fmt.Errorf("range [%d, +%d) is not page aligned", mapOffset, length)

	case mapOffset > size || length > size-mapOffset:
		return fmt.Errorf("range [%d, +%d) exceeds window of %d bytes", mapOffset, length, size)
	}

	return nil
}

// Map fd or an anonymous region over part of the window. The window stays
// reserved throughout, so nothing else can claim the address range.
func (m *WindowMapper) mapFixed(
	mapOffset uint64,
	length uint64,
	prot int,
	flags int,
	fd int,
	fileOffset uint64) error {
	addr := uintptr(unsafe.Pointer(&m.window[0])) + uintptr(mapOffset)
	_, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		addr,
		uintptr(length),
		uintptr(prot),
		uintptr(flags|unix.MAP_FIXED),
		uintptr(fd),
		uintptr(fileOffset))

	if errno != 0 {
		return errno
	}

	return nil
}

func (m *WindowMapper) SetupMapping(
	fd int,
	fileOffset uint64,
	length uint64,
	mapOffset uint64,
	read bool,
	write bool) (err error) {
	if err = m.checkRange(mapOffset, length); err != nil {
		return
	}

	prot := unix.PROT_NONE
	if read {
		prot |= unix.PROT_READ
	}
	if write {
		prot |= unix.PROT_WRITE
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	err = m.mapFixed(mapOffset, length, prot, unix.MAP_SHARED, fd, fileOffset)
	if err != nil {
		err = fmt.Errorf("mmap: %w", err)
		return
	}

	return
}

func (m *WindowMapper) RemoveMapping(mapOffset, length uint64) (err error) {
	if err = m.checkRange(mapOffset, length); err != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	err = m.mapFixed(
		mapOffset,
		length,
		unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE,
		-1,
		0)

	if err != nil {
		err = fmt.Errorf("mmap: %w", err)
		return
	}

	return
}

func (m *WindowMapper) RemoveAllMappings() error {
	return m.RemoveMapping(0, uint64(len(m.window)))
}

// Close releases the window. The mapper must not be used afterward.
func (m *WindowMapper) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return unix.Munmap(m.window)
}
