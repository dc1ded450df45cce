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
	"sync"

	"github.com/jacobsa/passthrough-fuse/internal/buffer"
)

// An incoming request message, including its header.
type InMessage = buffer.InMessage

// An outgoing reply message under construction.
type OutMessage = buffer.OutMessage

// MessageProvider supplies the message buffers a Connection reads requests
// into and builds replies in. Implementations must be safe for concurrent
// use. Messages handed back with Put* are no longer referenced by the
// connection.
type MessageProvider interface {
	GetInMessage() *InMessage

	GetOutMessage() *OutMessage

	PutInMessage(*InMessage)

	PutOutMessage(*OutMessage)
}

// DefaultMessageProvider recycles messages through a free list, retaining at
// most a fixed number of each kind.
type DefaultMessageProvider struct {
	mu sync.Mutex

	inMessages  []*InMessage  // GUARDED_BY(mu)
	outMessages []*OutMessage // GUARDED_BY(mu)
}

// Retaining more than this many idle messages of each kind is wasteful: an
// in message holds over a megabyte of storage.
const maxFreeMessages = 64

func (m *DefaultMessageProvider) GetInMessage() (x *InMessage) {
	m.mu.Lock()
	if l := len(m.inMessages); l > 0 {
		x = m.inMessages[l-1]
		m.inMessages = m.inMessages[:l-1]
	}
	m.mu.Unlock()

	if x == nil {
		x = buffer.NewInMessage()
	}

	return
}

func (m *DefaultMessageProvider) GetOutMessage() (x *OutMessage) {
	m.mu.Lock()
	if l := len(m.outMessages); l > 0 {
		x = m.outMessages[l-1]
		m.outMessages = m.outMessages[:l-1]
	}
	m.mu.Unlock()

	if x == nil {
		x = new(OutMessage)
	}
	x.Reset()

	return
}

func (m *DefaultMessageProvider) PutInMessage(x *InMessage) {
	m.mu.Lock()
	if len(m.inMessages) < maxFreeMessages {
		m.inMessages = append(m.inMessages, x)
	}
	m.mu.Unlock()
}

func (m *DefaultMessageProvider) PutOutMessage(x *OutMessage) {
	m.mu.Lock()
	if len(m.outMessages) < maxFreeMessages {
		m.outMessages = append(m.outMessages, x)
	}
	m.mu.Unlock()
}
