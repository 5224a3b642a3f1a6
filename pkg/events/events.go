// Copyright 2025 The fleetcore Authors
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

// Package events is the typed publish/subscribe port of the dispatcher.
// Events are plain data records; handlers run synchronously on the
// publisher's goroutine, in subscription order per kind.
package events

import (
	"sync"

	"github.com/google/uuid"

	"github.com/gmbnd/fleetcore/pkg/model"
)

// Kind identifies one of the dispatcher's event types.
type Kind string

const (
	KindReceivedMsg  Kind = "RECEIVED_MSG"
	KindUnhandledMsg Kind = "UNHANDLED_MSG"
	KindOnline       Kind = "ONLINE"
	KindRegistered   Kind = "REGISTERED"
	KindPropUpdate   Kind = "PROP_UPDATE"
	KindLogReceived  Kind = "LOG_RECEIVED"
)

// Event is implemented by every dispatcher event record.
type Event interface {
	EventKind() Kind
}

// ReceivedMsg is emitted for every inbound message before any routing
// decision.
type ReceivedMsg struct {
	ComponentID string
	Topic       string
	Payload     []byte
}

// EventKind implements Event.
func (ReceivedMsg) EventKind() Kind { return KindReceivedMsg }

// UnhandledMsg is emitted for topics the dispatcher recognizes as reserved
// or does not recognize at all.
type UnhandledMsg struct {
	ComponentID string
	Topic       string
	Payload     []byte
}

// EventKind implements Event.
func (UnhandledMsg) EventKind() Kind { return KindUnhandledMsg }

// Online reflects a component's connection edge: true on a non-empty
// identity, false on the will message.
type Online struct {
	ComponentID string
	Online      bool
}

// EventKind implements Event.
func (Online) EventKind() Kind { return KindOnline }

// Registered reflects a source's registration flag edge.
type Registered struct {
	ComponentID string
	Source      model.Source
	Registered  bool
}

// EventKind implements Event.
func (Registered) EventKind() Kind { return KindRegistered }

// PropUpdate carries one decoded property value publication. Value and
// Formatted are snapshots; handlers never receive references into the cache.
type PropUpdate struct {
	ComponentID string
	Source      model.Source
	Path        string
	Format      string
	Value       any
	Formatted   any
	Raw         []byte
}

// EventKind implements Event.
func (PropUpdate) EventKind() Kind { return KindPropUpdate }

// LogReceived carries one component log record.
type LogReceived struct {
	ComponentID string
	Source      model.Source
	Log         model.LogRecord
}

// EventKind implements Event.
func (LogReceived) EventKind() Kind { return KindLogReceived }

// Handler consumes one event.
type Handler func(Event)

type subscription struct {
	id      string
	handler Handler
}

// Bus fans events out to subscribers by kind. Safe for concurrent use;
// handlers for one Publish call run synchronously in subscription order.
type Bus struct {
	mu   sync.RWMutex
	subs map[Kind][]subscription
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Kind][]subscription)}
}

// Subscribe registers a handler for one event kind and returns the
// subscription id used to unsubscribe.
func (b *Bus) Subscribe(kind Kind, h Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.NewString()
	b.subs[kind] = append(b.subs[kind], subscription{id: id, handler: h})
	return id
}

// SubscribeAll registers a handler for every event kind and returns one id
// per kind.
func (b *Bus) SubscribeAll(h Handler) []string {
	kinds := []Kind{KindReceivedMsg, KindUnhandledMsg, KindOnline, KindRegistered, KindPropUpdate, KindLogReceived}
	ids := make([]string, 0, len(kinds))
	for _, k := range kinds {
		ids = append(ids, b.Subscribe(k, h))
	}
	return ids
}

// Unsubscribe removes a subscription by id. Unknown ids are ignored.
func (b *Bus) Unsubscribe(kind Kind, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[kind]
	for i, s := range subs {
		if s.id == id {
			b.subs[kind] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish delivers the event to every subscriber of its kind.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs[e.EventKind()]))
	copy(subs, b.subs[e.EventKind()])
	b.mu.RUnlock()
	for _, s := range subs {
		s.handler(e)
	}
}
