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

// Package fuse enables writing user-space file systems that speak the fuse
// protocol directly to a peer, such as the kernel through an already-opened
// /dev/fuse descriptor or a hypervisor through a socket.
//
// The primary elements of interest are:
//
//  *  The fuseops package, which defines the operations a file system serves.
//
//  *  fuseutil.FileSystem, an interface with a method per op, together with
//     fuseutil.NewFileSystemServer, which turns it into a Server.
//
//  *  Serve, a function that runs a Server over a Transport until the peer
//     goes away.
//
//  *  OnInterrupt and Interrupted, which let an op react to the peer
//     cancelling it.
//
// The passthroughfs package contains a file system that mirrors a directory
// of the host.
package fuse
