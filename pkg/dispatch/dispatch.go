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

// Package dispatch routes a component's V2 messages by topic, drives the
// per-source registration state machine to completion, and emits typed
// events on the bus. It also carries the inverse flow: publishing a value to
// a settable property.
//
// Topic grammar, after the leading componentId segment has been stripped:
//
//	system/info            identity / will (empty payload)
//	app/info               application identity
//	<source>/register/prop one property registration record
//	<source>/log           log record
//	<source>/prop/pub/:/<path...>  full-value publication
//
// Everything else (partial publications, prop/get, prop/set echoes,
// connections) is reserved and reported as an unhandled message.
package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gmbnd/fleetcore/pkg/cache"
	"github.com/gmbnd/fleetcore/pkg/codec"
	"github.com/gmbnd/fleetcore/pkg/errors"
	"github.com/gmbnd/fleetcore/pkg/events"
	"github.com/gmbnd/fleetcore/pkg/lock"
	"github.com/gmbnd/fleetcore/pkg/metrics"
	"github.com/gmbnd/fleetcore/pkg/model"
	"github.com/gmbnd/fleetcore/pkg/packet"
)

// DefaultCompletionDelay is how long the dispatcher waits after the last
// registration-affecting event before checking a source's completion.
const DefaultCompletionDelay = 3 * time.Second

// lockWaitBudget bounds how long an internal callback waits for a source
// lock.
const lockWaitBudget = 3 * time.Second

// PublishFunc sends a payload to the outbound transport.
type PublishFunc func(topic string, payload []byte) error

type timerKey struct {
	cid    string
	source model.Source
}

// Dispatcher is the V2 message router. It borrows the injected cache; every
// write touching a source's sub-record happens inside that source's lock.
type Dispatcher struct {
	cache           cache.Cache
	bus             *events.Bus
	codec           *codec.Codec
	log             *slog.Logger
	completionDelay time.Duration

	tmu    sync.Mutex
	timers map[timerKey]*time.Timer
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger injects the dispatcher's logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithCompletionDelay overrides the registration completion-check delay.
// Tests use a short delay.
func WithCompletionDelay(delay time.Duration) Option {
	return func(d *Dispatcher) { d.completionDelay = delay }
}

// WithCodec injects a codec with non-default policy.
func WithCodec(c *codec.Codec) Option {
	return func(d *Dispatcher) { d.codec = c }
}

// New creates a Dispatcher over the given cache and event bus.
func New(c cache.Cache, bus *events.Bus, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		cache:           c,
		bus:             bus,
		codec:           &codec.Codec{},
		log:             slog.Default(),
		completionDelay: DefaultCompletionDelay,
		timers:          make(map[timerKey]*time.Timer),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Stop cancels every scheduled completion check.
func (d *Dispatcher) Stop() {
	d.tmu.Lock()
	defer d.tmu.Unlock()
	for k, t := range d.timers {
		t.Stop()
		delete(d.timers, k)
	}
}

type action int

const (
	actionUnhandled action = iota
	actionSystemInfo
	actionAppInfo
	actionRegisterProp
	actionLog
	actionPropPub
)

func (a action) String() string {
	switch a {
	case actionSystemInfo:
		return "system_info"
	case actionAppInfo:
		return "app_info"
	case actionRegisterProp:
		return "register_prop"
	case actionLog:
		return "log"
	case actionPropPub:
		return "prop_pub"
	}
	return "unhandled"
}

type route struct {
	action action
	source model.Source
	path   string
}

// parseTopic maps a componentId-stripped topic onto a dispatcher action.
func parseTopic(topic string) route {
	seg := strings.Split(topic, "/")
	src := model.Source(seg[0])
	if !src.Valid() {
		return route{action: actionUnhandled}
	}
	switch {
	case len(seg) == 2 && seg[1] == "info":
		if src == model.SourceSystem {
			return route{action: actionSystemInfo, source: src}
		}
		return route{action: actionAppInfo, source: src}
	case len(seg) == 3 && seg[1] == "register" && seg[2] == "prop":
		return route{action: actionRegisterProp, source: src}
	case len(seg) == 2 && seg[1] == "log":
		return route{action: actionLog, source: src}
	case len(seg) >= 4 && seg[1] == "prop" && seg[2] == "pub" && seg[3] == ":":
		// The index expression ":" selects the full value. Anything else is
		// the reserved partial publication.
		return route{action: actionPropPub, source: src, path: strings.Join(seg[4:], "/")}
	}
	return route{action: actionUnhandled}
}

// HandleMessage routes one inbound message. Errors are resolved internally
// per the taxonomy policy: they are logged, counted, and surfaced as events
// where meaningful, but never crash the listener.
func (d *Dispatcher) HandleMessage(ctx context.Context, cid, topic string, payload []byte) {
	rt := parseTopic(topic)
	metrics.MessagesTotal.WithLabelValues(rt.action.String()).Inc()
	switch rt.action {
	case actionSystemInfo:
		d.handleSystemInfo(ctx, cid, payload)
	case actionAppInfo:
		d.handleAppInfo(ctx, cid, payload)
	case actionRegisterProp:
		d.handleRegisterProp(ctx, cid, rt.source, payload)
	case actionLog:
		d.handleLog(ctx, cid, rt.source, payload)
	case actionPropPub:
		d.handlePropPub(ctx, cid, rt.source, rt.path, payload)
	default:
		d.bus.Publish(events.UnhandledMsg{ComponentID: cid, Topic: topic, Payload: payload})
	}
}

func (d *Dispatcher) abandon(err error, cid, what string) {
	kind := errors.KindOf(err)
	if kind == "" {
		kind = errors.KindCacheError
	}
	metrics.PayloadErrorsTotal.WithLabelValues(string(kind)).Inc()
	d.log.Error("abandoning message", "component", cid, "stage", what, "error", err)
}

// handleSystemInfo processes the identity topic. The empty payload is the
// will message and wipes the component entirely.
func (d *Dispatcher) handleSystemInfo(ctx context.Context, cid string, payload []byte) {
	if len(payload) == 0 {
		d.bus.Publish(events.Online{ComponentID: cid, Online: false})
		d.cancelTimer(cid, model.SourceSystem)
		d.cancelTimer(cid, model.SourceApp)
		err := lock.WithLocks(ctx, cid, func() error {
			return d.cache.ClearAll(ctx, cid)
		}, d.cache.Lock(model.SourceSystem), d.cache.Lock(model.SourceApp))
		if err != nil {
			d.abandon(err, cid, "will")
		}
		return
	}

	d.bus.Publish(events.Online{ComponentID: cid, Online: true})
	info, err := packet.ParseSystemInfo(payload)
	if err != nil {
		d.abandon(err, cid, "system_info")
		// A malformed identity invalidates whatever was cached before. The
		// wipe touches both sources' sub-records, so it takes the same
		// combined lock pair as the will path.
		if errors.IsKind(err, errors.KindPayloadSchemaInvalid) {
			cerr := lock.WithLocks(ctx, cid, func() error {
				return d.cache.ClearAll(ctx, cid)
			}, d.cache.Lock(model.SourceSystem), d.cache.Lock(model.SourceApp))
			if cerr != nil {
				d.abandon(cerr, cid, "system_info_clear")
			}
		}
		return
	}

	err = d.withSourceLock(ctx, cid, model.SourceSystem, func() error {
		if err := d.cache.CacheAPIVersion(ctx, cid, model.APIVersion(info.APIVersion)); err != nil {
			return err
		}
		if err := d.cache.CacheSystemInfo(ctx, cid, info); err != nil {
			return err
		}
		if info.NumProps == 0 {
			return d.completeRegistration(ctx, cid, model.SourceSystem)
		}
		d.scheduleCompletionCheck(cid, model.SourceSystem)
		return nil
	})
	if err != nil {
		d.abandon(err, cid, "system_info")
	}
}

// handleAppInfo processes the application identity. A re-announcement while
// registered wipes the app's values first and emits the negative edge.
func (d *Dispatcher) handleAppInfo(ctx context.Context, cid string, payload []byte) {
	err := d.withSourceLock(ctx, cid, model.SourceApp, func() error {
		registered, err := d.cache.IsRegistered(ctx, cid, model.SourceApp)
		if err != nil {
			return err
		}
		if registered {
			if err := d.cache.ClearCachedValues(ctx, cid, model.SourceApp); err != nil {
				return err
			}
			d.bus.Publish(events.Registered{ComponentID: cid, Source: model.SourceApp, Registered: false})
		}
		info, err := packet.ParseApplicationInfo(payload)
		if err != nil {
			return err
		}
		if err := d.cache.CacheAppInfo(ctx, cid, info); err != nil {
			return err
		}
		if info.NumProps == 0 {
			return d.completeRegistration(ctx, cid, model.SourceApp)
		}
		d.scheduleCompletionCheck(cid, model.SourceApp)
		return nil
	})
	if err != nil {
		d.abandon(err, cid, "app_info")
	}
}

// handleRegisterProp processes one property registration record. A record
// conflicting with an accepted one on exactly one of (path, index) is
// skipped without failing the connection.
func (d *Dispatcher) handleRegisterProp(ctx context.Context, cid string, source model.Source, payload []byte) {
	err := d.withSourceLock(ctx, cid, source, func() error {
		registered, err := d.cache.IsRegistered(ctx, cid, source)
		if err != nil {
			return err
		}
		if registered {
			// Stray registration after completion: restart the source's
			// registration from scratch.
			if err := d.cache.ClearCachedValues(ctx, cid, source); err != nil {
				return err
			}
			d.bus.Publish(events.Registered{ComponentID: cid, Source: source, Registered: false})
		}

		reg, err := packet.ParsePropertyRegistration(payload)
		if err != nil {
			return err
		}

		existing, err := d.cache.GetAllProperties(ctx, cid, source)
		if err != nil {
			return err
		}
		duplicate := false
		for _, e := range existing {
			samePath := e.Path == reg.Path
			sameIndex := e.Index == reg.Index
			if samePath != sameIndex {
				d.log.Warn("conflicting property registration skipped",
					"component", cid, "source", source, "path", reg.Path, "index", reg.Index)
				metrics.PayloadErrorsTotal.WithLabelValues(string(errors.KindPropertyConflict)).Inc()
				return nil
			}
			if samePath && sameIndex {
				duplicate = true
			}
		}

		if err := d.cache.CacheProperty(ctx, cid, source, reg.Path, reg); err != nil {
			return err
		}
		count := len(existing)
		if !duplicate {
			count++
		}
		if numProps, known := d.numProps(ctx, cid, source); known && count == numProps {
			d.cancelTimer(cid, source)
			return d.completeRegistration(ctx, cid, source)
		}
		d.scheduleCompletionCheck(cid, source)
		return nil
	})
	if err != nil {
		d.abandon(err, cid, "register_prop")
	}
}

func (d *Dispatcher) handleLog(ctx context.Context, cid string, source model.Source, payload []byte) {
	rec, err := packet.ParseLog(payload)
	if err != nil {
		d.abandon(err, cid, "log")
		return
	}
	d.bus.Publish(events.LogReceived{ComponentID: cid, Source: source, Log: *rec})
}

// handlePropPub decodes a full-value publication and emits the update.
func (d *Dispatcher) handlePropPub(ctx context.Context, cid string, source model.Source, path string, payload []byte) {
	reg, err := d.cache.GetProperty(ctx, cid, source, path)
	if err != nil {
		d.abandon(err, cid, "prop_pub")
		return
	}
	if reg == nil {
		d.abandon(errors.Newf(errors.KindPropertyInvalid, "no registration for %s/%s", source, path), cid, "prop_pub")
		return
	}
	value, err := d.codec.Unpack(payload, reg)
	if err != nil {
		d.abandon(err, cid, "prop_pub")
		return
	}
	formatted, err := d.codec.FormatJSON(value, reg)
	if err != nil {
		d.abandon(err, cid, "prop_pub")
		return
	}
	metrics.PropertyUpdatesTotal.Inc()
	raw := make([]byte, len(payload))
	copy(raw, payload)
	d.bus.Publish(events.PropUpdate{
		ComponentID: cid,
		Source:      source,
		Path:        path,
		Format:      reg.Format,
		Value:       value,
		Formatted:   formatted,
		Raw:         raw,
	})
}

// SetProperty packs values for a settable property and hands the encoded
// bytes to publish. Lookup misses raise PROPERTY_INVALID, non-settable
// properties PROPERTY_ACCESS, encoding problems their codec kind.
func (d *Dispatcher) SetProperty(ctx context.Context, cid string, source model.Source, path string, values any, publish PublishFunc) error {
	if _, known, err := d.cache.GetAPIVersion(ctx, cid); err != nil {
		return err
	} else if !known {
		return errors.Newf(errors.KindPropertyInvalid, "component %s has no known api version", cid)
	}
	reg, err := d.cache.GetProperty(ctx, cid, source, path)
	if err != nil {
		return err
	}
	if reg == nil {
		return errors.Newf(errors.KindPropertyInvalid, "no registration for %s/%s", source, path)
	}
	if !reg.Settable {
		return errors.Newf(errors.KindPropertyAccess, "property %s/%s is not settable", source, path)
	}
	value, err := d.codec.UnpackJSON(values, reg)
	if err != nil {
		return err
	}
	payload, err := d.codec.Pack(reg.Format, value)
	if err != nil {
		return err
	}
	topic := cid + "/" + string(source) + "/prop/set/" + path
	return publish(topic, payload)
}

// completeRegistration flips the flag and emits the positive edge. The
// source lock must be held.
func (d *Dispatcher) completeRegistration(ctx context.Context, cid string, source model.Source) error {
	if err := d.cache.SetRegistered(ctx, cid, source, true); err != nil {
		return err
	}
	metrics.RegistrationsCompletedTotal.WithLabelValues(string(source)).Inc()
	d.bus.Publish(events.Registered{ComponentID: cid, Source: source, Registered: true})
	return nil
}

// numProps reads the declared property count for a source.
func (d *Dispatcher) numProps(ctx context.Context, cid string, source model.Source) (int, bool) {
	if source == model.SourceSystem {
		info, err := d.cache.GetSystemInfo(ctx, cid)
		if err != nil || info == nil {
			return 0, false
		}
		return info.NumProps, true
	}
	info, err := d.cache.GetAppInfo(ctx, cid)
	if err != nil || info == nil {
		return 0, false
	}
	return info.NumProps, true
}

// scheduleCompletionCheck arms the fixed-delay completion check for a
// source, replacing any previously armed timer.
func (d *Dispatcher) scheduleCompletionCheck(cid string, source model.Source) {
	key := timerKey{cid: cid, source: source}
	d.tmu.Lock()
	defer d.tmu.Unlock()
	if t, ok := d.timers[key]; ok {
		t.Stop()
	}
	d.timers[key] = time.AfterFunc(d.completionDelay, func() {
		d.tmu.Lock()
		delete(d.timers, key)
		d.tmu.Unlock()
		d.completionCheck(cid, source)
	})
}

func (d *Dispatcher) cancelTimer(cid string, source model.Source) {
	key := timerKey{cid: cid, source: source}
	d.tmu.Lock()
	defer d.tmu.Unlock()
	if t, ok := d.timers[key]; ok {
		t.Stop()
		delete(d.timers, key)
	}
}

// completionCheck is the timer callback: it compares the declared property
// count against the cached set and emits the resulting edge. The negative
// edge is only ever emitted from this path.
func (d *Dispatcher) completionCheck(cid string, source model.Source) {
	ctx, cancel := context.WithTimeout(context.Background(), lockWaitBudget)
	defer cancel()
	err := d.withSourceLock(ctx, cid, source, func() error {
		registered, err := d.cache.IsRegistered(ctx, cid, source)
		if err != nil {
			return err
		}
		if registered {
			return nil
		}
		props, err := d.cache.GetAllProperties(ctx, cid, source)
		if err != nil {
			return err
		}
		if numProps, known := d.numProps(ctx, cid, source); known && len(props) == numProps {
			return d.completeRegistration(ctx, cid, source)
		}
		d.bus.Publish(events.Registered{ComponentID: cid, Source: source, Registered: false})
		return nil
	})
	if err != nil {
		d.abandon(err, cid, "completion_check")
	}
}

// withSourceLock runs fn holding the source's advisory lock for cid.
func (d *Dispatcher) withSourceLock(ctx context.Context, cid string, source model.Source, fn func() error) error {
	lk := d.cache.Lock(source)
	if err := lk.Lock(ctx, cid, 0); err != nil {
		return err
	}
	defer lk.Unlock(cid)
	return fn()
}
