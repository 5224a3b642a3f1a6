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

// Package ingest is the top-level entry of the pipeline. It resolves each
// component's API version, buffers messages that arrive before the version
// is known, and delegates to the version-specific dispatcher. After an
// identity message resolves the version, the buffered messages are drained
// in arrival order under a wall-clock budget.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/gmbnd/fleetcore/pkg/cache"
	"github.com/gmbnd/fleetcore/pkg/dispatch"
	"github.com/gmbnd/fleetcore/pkg/events"
	"github.com/gmbnd/fleetcore/pkg/metrics"
	"github.com/gmbnd/fleetcore/pkg/model"
	"github.com/gmbnd/fleetcore/pkg/packet"
)

// identityTopic is the only topic that may resolve an unknown API version.
const identityTopic = "system/info"

// DefaultDrainBudget bounds the wall-clock time spent replaying buffered
// messages after identity arrives.
const DefaultDrainBudget = 3 * time.Second

// Handler is the inbound message entry point.
type Handler struct {
	cache       cache.Cache
	dispatcher  *dispatch.Dispatcher
	bus         *events.Bus
	log         *slog.Logger
	drainBudget time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger injects the handler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithDrainBudget overrides the pending-drain budget. Tests use a short one.
func WithDrainBudget(budget time.Duration) Option {
	return func(h *Handler) { h.drainBudget = budget }
}

// New creates a Handler over the shared cache, dispatcher, and event bus.
func New(c cache.Cache, d *dispatch.Dispatcher, bus *events.Bus, opts ...Option) *Handler {
	h := &Handler{
		cache:       c,
		dispatcher:  d,
		bus:         bus,
		log:         slog.Default(),
		drainBudget: DefaultDrainBudget,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// OnMessage handles one inbound message. It never returns an error: every
// failure is logged and the message abandoned, so a bad component cannot
// take the listener down.
func (h *Handler) OnMessage(ctx context.Context, cid, topic string, payload []byte) {
	h.bus.Publish(events.ReceivedMsg{ComponentID: cid, Topic: topic, Payload: payload})

	version, known, err := h.cache.GetAPIVersion(ctx, cid)
	if err != nil {
		h.log.Error("dropping message, cache lookup failed", "component", cid, "topic", topic, "error", err)
		return
	}
	if known && version.Valid() {
		h.route(ctx, version, cid, topic, payload)
		return
	}

	if topic != identityTopic {
		if known {
			// The component announced an unsupported version: drop instead
			// of buffering until a valid identity arrives.
			h.log.Warn("dropping message, unsupported api version", "component", cid, "topic", topic, "version", int(version))
			return
		}
		metrics.PendingBufferedTotal.Inc()
		if err := h.cache.CachePendingMessage(ctx, cid, topic, payload); err != nil {
			h.log.Error("dropping message, pending buffer failed", "component", cid, "topic", topic, "error", err)
		}
		return
	}

	// The will message carries no version but must still wipe the
	// component's state.
	if len(payload) == 0 {
		h.dispatcher.HandleMessage(ctx, cid, topic, payload)
		return
	}

	version, err = packet.ParseAPIVersion(payload)
	if err != nil {
		h.log.Error("dropping identity, version unreadable", "component", cid, "error", err)
		return
	}
	if !version.Valid() {
		// Record the unsupported version so subsequent messages are dropped
		// rather than buffered, and discard anything already queued. A later
		// valid identity (or the will message) resets the component.
		h.log.Warn("dropping identity, unsupported api version", "component", cid, "version", int(version))
		if err := h.cache.CacheAPIVersion(ctx, cid, version); err != nil {
			h.log.Error("recording unsupported api version failed", "component", cid, "error", err)
		}
		h.discardPending(ctx, cid)
		return
	}
	if err := h.cache.CacheAPIVersion(ctx, cid, version); err != nil {
		h.log.Error("dropping identity, cache write failed", "component", cid, "error", err)
		return
	}
	h.route(ctx, version, cid, topic, payload)
	h.drainPending(ctx, cid, version)
}

// route delegates to the dispatcher for the component's protocol version.
func (h *Handler) route(ctx context.Context, version model.APIVersion, cid, topic string, payload []byte) {
	switch version {
	case model.APIVersionV2:
		h.dispatcher.HandleMessage(ctx, cid, topic, payload)
	default:
		h.log.Warn("dropping message, unsupported api version", "component", cid, "version", int(version))
	}
}

// discardPending pops and drops every buffered message for the component.
func (h *Handler) discardPending(ctx context.Context, cid string) {
	dropped := 0
	for {
		msg, err := h.cache.GetNextPendingMessage(ctx, cid)
		if err != nil || msg == nil {
			break
		}
		dropped++
	}
	if dropped > 0 {
		metrics.PendingDroppedTotal.Add(float64(dropped))
		h.log.Warn("discarding buffered messages", "component", cid, "dropped", dropped)
	}
}

// drainPending replays the component's buffered messages in arrival order.
// When the budget expires, the remainder is logged and dropped.
func (h *Handler) drainPending(ctx context.Context, cid string, version model.APIVersion) {
	deadline := time.Now().Add(h.drainBudget)
	for {
		msg, err := h.cache.GetNextPendingMessage(ctx, cid)
		if err != nil {
			h.log.Error("pending drain aborted", "component", cid, "error", err)
			return
		}
		if msg == nil {
			return
		}
		if time.Now().After(deadline) {
			dropped := 1
			for {
				next, err := h.cache.GetNextPendingMessage(ctx, cid)
				if err != nil || next == nil {
					break
				}
				dropped++
			}
			metrics.PendingDroppedTotal.Add(float64(dropped))
			h.log.Warn("pending drain budget expired, dropping remainder", "component", cid, "dropped", dropped)
			return
		}
		h.route(ctx, version, cid, msg.Topic, msg.Payload)
	}
}
