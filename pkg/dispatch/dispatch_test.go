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

package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmbnd/fleetcore/pkg/cache"
	"github.com/gmbnd/fleetcore/pkg/codec"
	"github.com/gmbnd/fleetcore/pkg/errors"
	"github.com/gmbnd/fleetcore/pkg/events"
	"github.com/gmbnd/fleetcore/pkg/model"
)

const testCID = "component-1"

// recorder collects bus events. Timer callbacks publish from their own
// goroutine, so access is synchronized.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) record(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofKind(kind events.Kind) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.EventKind() == kind {
			out = append(out, e)
		}
	}
	return out
}

func newTestDispatcher(t *testing.T, opts ...Option) (*Dispatcher, *cache.MemoryCache, *recorder) {
	t.Helper()
	store := cache.NewMemoryCache()
	bus := events.NewBus()
	rec := &recorder{}
	bus.SubscribeAll(rec.record)
	opts = append([]Option{WithCompletionDelay(30 * time.Millisecond)}, opts...)
	d := New(store, bus, opts...)
	t.Cleanup(d.Stop)
	return d, store, rec
}

func sysInfoPayload(numProps int) []byte {
	return []byte(fmt.Sprintf(`{"api_ver":2,"type":"generic","capabilities":[],"mac":"aa:bb:cc:dd:ee:ff","ip":"10.0.0.1","num_props":%d}`, numProps))
}

func appInfoPayload(numProps int) []byte {
	return []byte(fmt.Sprintf(`{"file_name":"main.py","ver":"1.0.0","num_props":%d}`, numProps))
}

func regPayload(path string, index int, settable bool) []byte {
	return []byte(fmt.Sprintf(`{"path":%q,"index":%d,"type":"gmbnd_primitive","format":"B","length":1,"settable":%t}`, path, index, settable))
}

func TestRegistrationCompletesOnCountMatch(t *testing.T) {
	d, store, rec := newTestDispatcher(t)
	ctx := context.Background()

	d.HandleMessage(ctx, testCID, "system/info", sysInfoPayload(2))
	d.HandleMessage(ctx, testCID, "system/register/prop", regPayload("a/one", 0, false))
	d.HandleMessage(ctx, testCID, "system/register/prop", regPayload("b/two", 1, false))

	registered, err := store.IsRegistered(ctx, testCID, model.SourceSystem)
	require.NoError(t, err)
	assert.True(t, registered)

	edges := rec.ofKind(events.KindRegistered)
	require.Len(t, edges, 1)
	edge := edges[0].(events.Registered)
	assert.True(t, edge.Registered)
	assert.Equal(t, model.SourceSystem, edge.Source)

	online := rec.ofKind(events.KindOnline)
	require.Len(t, online, 1)
	assert.True(t, online[0].(events.Online).Online)
}

func TestRegistrationZeroPropsCompletesImmediately(t *testing.T) {
	d, store, _ := newTestDispatcher(t)
	ctx := context.Background()

	d.HandleMessage(ctx, testCID, "system/info", sysInfoPayload(0))
	registered, err := store.IsRegistered(ctx, testCID, model.SourceSystem)
	require.NoError(t, err)
	assert.True(t, registered)
}

func TestRegistrationTimeoutEmitsNegativeEdge(t *testing.T) {
	d, store, rec := newTestDispatcher(t)
	ctx := context.Background()

	// Only one of two declared properties ever arrives.
	d.HandleMessage(ctx, testCID, "system/info", sysInfoPayload(2))
	d.HandleMessage(ctx, testCID, "system/register/prop", regPayload("a/one", 0, false))

	require.Eventually(t, func() bool {
		return len(rec.ofKind(events.KindRegistered)) == 1
	}, time.Second, 5*time.Millisecond)

	edge := rec.ofKind(events.KindRegistered)[0].(events.Registered)
	assert.False(t, edge.Registered)
	registered, err := store.IsRegistered(ctx, testCID, model.SourceSystem)
	require.NoError(t, err)
	assert.False(t, registered)
}

func TestRegistrationTimerCompletesLateArrivals(t *testing.T) {
	d, store, rec := newTestDispatcher(t)
	ctx := context.Background()

	// Identity declares two but the count check races the timer: the last
	// registration arrives before the delay expires and completes inline.
	d.HandleMessage(ctx, testCID, "system/info", sysInfoPayload(2))
	d.HandleMessage(ctx, testCID, "system/register/prop", regPayload("a/one", 0, false))
	time.Sleep(5 * time.Millisecond)
	d.HandleMessage(ctx, testCID, "system/register/prop", regPayload("b/two", 1, false))

	registered, err := store.IsRegistered(ctx, testCID, model.SourceSystem)
	require.NoError(t, err)
	assert.True(t, registered)

	// The armed timer was cancelled; no negative edge follows.
	time.Sleep(60 * time.Millisecond)
	edges := rec.ofKind(events.KindRegistered)
	require.Len(t, edges, 1)
	assert.True(t, edges[0].(events.Registered).Registered)
}

func TestConflictingRegistrationSkipped(t *testing.T) {
	d, store, _ := newTestDispatcher(t)
	ctx := context.Background()

	d.HandleMessage(ctx, testCID, "system/info", sysInfoPayload(2))
	d.HandleMessage(ctx, testCID, "system/register/prop", regPayload("a/one", 0, false))
	// Same path, different index: conflict on exactly one coordinate.
	d.HandleMessage(ctx, testCID, "system/register/prop", regPayload("a/one", 1, false))
	// Different path, same index: the mirror conflict.
	d.HandleMessage(ctx, testCID, "system/register/prop", regPayload("c/three", 0, false))

	props, err := store.GetAllProperties(ctx, testCID, model.SourceSystem)
	require.NoError(t, err)
	assert.Len(t, props, 1)
	registered, err := store.IsRegistered(ctx, testCID, model.SourceSystem)
	require.NoError(t, err)
	assert.False(t, registered)
}

func TestDuplicateRegistrationOverwrites(t *testing.T) {
	d, store, _ := newTestDispatcher(t)
	ctx := context.Background()

	d.HandleMessage(ctx, testCID, "system/info", sysInfoPayload(2))
	d.HandleMessage(ctx, testCID, "system/register/prop", regPayload("a/one", 0, false))
	// Exact duplicate replaces the record without advancing the count.
	d.HandleMessage(ctx, testCID, "system/register/prop", regPayload("a/one", 0, true))

	props, err := store.GetAllProperties(ctx, testCID, model.SourceSystem)
	require.NoError(t, err)
	require.Len(t, props, 1)
	assert.True(t, props[0].Settable)
	registered, err := store.IsRegistered(ctx, testCID, model.SourceSystem)
	require.NoError(t, err)
	assert.False(t, registered)
}

func TestStrayRegistrationRestartsSource(t *testing.T) {
	d, store, rec := newTestDispatcher(t)
	ctx := context.Background()

	d.HandleMessage(ctx, testCID, "system/info", sysInfoPayload(1))
	d.HandleMessage(ctx, testCID, "system/register/prop", regPayload("a/one", 0, false))
	registered, err := store.IsRegistered(ctx, testCID, model.SourceSystem)
	require.NoError(t, err)
	require.True(t, registered)

	// A registration after completion wipes the values and re-registers.
	d.HandleMessage(ctx, testCID, "system/register/prop", regPayload("a/one", 0, false))

	edges := rec.ofKind(events.KindRegistered)
	require.Len(t, edges, 3)
	assert.True(t, edges[0].(events.Registered).Registered)
	assert.False(t, edges[1].(events.Registered).Registered)
	assert.True(t, edges[2].(events.Registered).Registered)
}

func TestWillMessageWipesComponent(t *testing.T) {
	d, store, rec := newTestDispatcher(t)
	ctx := context.Background()

	d.HandleMessage(ctx, testCID, "system/info", sysInfoPayload(0))
	d.HandleMessage(ctx, testCID, "system/info", nil)

	online := rec.ofKind(events.KindOnline)
	require.Len(t, online, 2)
	assert.True(t, online[0].(events.Online).Online)
	assert.False(t, online[1].(events.Online).Online)

	_, known, err := store.GetAPIVersion(ctx, testCID)
	require.NoError(t, err)
	assert.False(t, known)
	info, err := store.GetSystemInfo(ctx, testCID)
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestMalformedIdentityClearsState(t *testing.T) {
	d, store, _ := newTestDispatcher(t)
	ctx := context.Background()

	d.HandleMessage(ctx, testCID, "system/info", sysInfoPayload(0))
	d.HandleMessage(ctx, testCID, "system/info", []byte(`{"api_ver":2,"type":"generic","capabilities":[],"mac":"bad","ip":"10.0.0.1","num_props":0}`))

	info, err := store.GetSystemInfo(ctx, testCID)
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestMalformedIdentityClearWaitsForSourceLocks(t *testing.T) {
	d, store, _ := newTestDispatcher(t)
	ctx := context.Background()

	d.HandleMessage(ctx, testCID, "system/info", sysInfoPayload(2))
	d.HandleMessage(ctx, testCID, "system/register/prop", regPayload("a/one", 0, false))

	// Hold the app lock: the wipe touches both sources, so it must block
	// until every source lock is free.
	appLock := store.Lock(model.SourceApp)
	require.NoError(t, appLock.Lock(ctx, testCID, 0))

	done := make(chan struct{})
	go func() {
		d.HandleMessage(ctx, testCID, "system/info", []byte(`{"api_ver":2,"type":"generic","capabilities":[],"mac":"bad","ip":"10.0.0.1","num_props":0}`))
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("wipe completed while the app lock was held")
	default:
	}
	info, err := store.GetSystemInfo(ctx, testCID)
	require.NoError(t, err)
	assert.NotNil(t, info)

	appLock.Unlock(testCID)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("wipe never completed after the lock was released")
	}
	info, err = store.GetSystemInfo(ctx, testCID)
	require.NoError(t, err)
	assert.Nil(t, info)
	props, err := store.GetAllProperties(ctx, testCID, model.SourceSystem)
	require.NoError(t, err)
	assert.Empty(t, props)
}

func TestAppReannouncementResetsValues(t *testing.T) {
	d, store, rec := newTestDispatcher(t)
	ctx := context.Background()

	d.HandleMessage(ctx, testCID, "app/info", appInfoPayload(1))
	d.HandleMessage(ctx, testCID, "app/register/prop", regPayload("counter", 0, false))
	registered, err := store.IsRegistered(ctx, testCID, model.SourceApp)
	require.NoError(t, err)
	require.True(t, registered)

	d.HandleMessage(ctx, testCID, "app/info", appInfoPayload(1))

	edges := rec.ofKind(events.KindRegistered)
	require.Len(t, edges, 2)
	assert.False(t, edges[1].(events.Registered).Registered)
	props, err := store.GetAllProperties(ctx, testCID, model.SourceApp)
	require.NoError(t, err)
	assert.Empty(t, props)
}

func TestPropPublication(t *testing.T) {
	d, _, rec := newTestDispatcher(t)
	ctx := context.Background()

	d.HandleMessage(ctx, testCID, "system/info", sysInfoPayload(1))
	d.HandleMessage(ctx, testCID, "system/register/prop", regPayload("sensor/temp", 0, false))
	d.HandleMessage(ctx, testCID, "system/prop/pub/:/sensor/temp", []byte{42})

	updates := rec.ofKind(events.KindPropUpdate)
	require.Len(t, updates, 1)
	up := updates[0].(events.PropUpdate)
	assert.Equal(t, "sensor/temp", up.Path)
	assert.Equal(t, model.SourceSystem, up.Source)
	assert.Equal(t, codec.Value{codec.Record{uint64(42)}}, up.Value)
	assert.Equal(t, []any{uint64(42)}, up.Formatted)
	assert.Equal(t, []byte{42}, up.Raw)
}

func TestPropPublicationUnknownPath(t *testing.T) {
	d, _, rec := newTestDispatcher(t)
	ctx := context.Background()

	d.HandleMessage(ctx, testCID, "system/prop/pub/:/no/such", []byte{1})
	assert.Empty(t, rec.ofKind(events.KindPropUpdate))
}

func TestReservedTopicsUnhandled(t *testing.T) {
	d, _, rec := newTestDispatcher(t)
	ctx := context.Background()

	// Partial publication, connections, and unknown sources are reserved.
	d.HandleMessage(ctx, testCID, "system/prop/pub/0/leds/ring", []byte{1})
	d.HandleMessage(ctx, testCID, "system/connections", []byte(`{}`))
	d.HandleMessage(ctx, testCID, "other/info", []byte(`{}`))

	unhandled := rec.ofKind(events.KindUnhandledMsg)
	require.Len(t, unhandled, 3)
	assert.Equal(t, "system/prop/pub/0/leds/ring", unhandled[0].(events.UnhandledMsg).Topic)
}

func TestLogDispatch(t *testing.T) {
	d, _, rec := newTestDispatcher(t)
	ctx := context.Background()

	d.HandleMessage(ctx, testCID, "app/log", []byte(`{"severity":"error","text":"sensor stuck"}`))

	logs := rec.ofKind(events.KindLogReceived)
	require.Len(t, logs, 1)
	lr := logs[0].(events.LogReceived)
	assert.Equal(t, model.SourceApp, lr.Source)
	assert.Equal(t, model.LogError, lr.Log.Severity)
	assert.Equal(t, "sensor stuck", lr.Log.Text)

	// A bad severity produces no event.
	d.HandleMessage(ctx, testCID, "app/log", []byte(`{"severity":"fatal","text":"x"}`))
	assert.Len(t, rec.ofKind(events.KindLogReceived), 1)
}

func TestSetProperty(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	d.HandleMessage(ctx, testCID, "system/info", sysInfoPayload(2))
	d.HandleMessage(ctx, testCID, "system/register/prop", regPayload("leds/brightness", 0, true))
	d.HandleMessage(ctx, testCID, "system/register/prop", regPayload("sensor/temp", 1, false))

	var gotTopic string
	var gotPayload []byte
	publish := func(topic string, payload []byte) error {
		gotTopic = topic
		gotPayload = payload
		return nil
	}

	err := d.SetProperty(ctx, testCID, model.SourceSystem, "leds/brightness", []any{float64(200)}, publish)
	require.NoError(t, err)
	assert.Equal(t, testCID+"/system/prop/set/leds/brightness", gotTopic)
	assert.Equal(t, []byte{200}, gotPayload)
}

func TestSetPropertyRejections(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	ctx := context.Background()
	publish := func(string, []byte) error { t.Fatal("publish must not be called"); return nil }

	// Unknown component.
	err := d.SetProperty(ctx, "ghost", model.SourceSystem, "x", []any{float64(1)}, publish)
	assert.Equal(t, errors.KindPropertyInvalid, errors.KindOf(err))

	d.HandleMessage(ctx, testCID, "system/info", sysInfoPayload(2))
	d.HandleMessage(ctx, testCID, "system/register/prop", regPayload("readonly", 0, false))

	// Unregistered path.
	err = d.SetProperty(ctx, testCID, model.SourceSystem, "no/such", []any{float64(1)}, publish)
	assert.Equal(t, errors.KindPropertyInvalid, errors.KindOf(err))

	// Registered but not settable.
	err = d.SetProperty(ctx, testCID, model.SourceSystem, "readonly", []any{float64(1)}, publish)
	assert.Equal(t, errors.KindPropertyAccess, errors.KindOf(err))
}

func TestSourcesAreIndependent(t *testing.T) {
	d, store, _ := newTestDispatcher(t)
	ctx := context.Background()

	d.HandleMessage(ctx, testCID, "system/info", sysInfoPayload(0))
	d.HandleMessage(ctx, testCID, "app/info", appInfoPayload(1))

	sysReg, err := store.IsRegistered(ctx, testCID, model.SourceSystem)
	require.NoError(t, err)
	assert.True(t, sysReg)
	appReg, err := store.IsRegistered(ctx, testCID, model.SourceApp)
	require.NoError(t, err)
	assert.False(t, appReg)
}

func TestParseTopic(t *testing.T) {
	cases := []struct {
		topic  string
		action action
		path   string
	}{
		{"system/info", actionSystemInfo, ""},
		{"app/info", actionAppInfo, ""},
		{"system/register/prop", actionRegisterProp, ""},
		{"app/register/prop", actionRegisterProp, ""},
		{"system/log", actionLog, ""},
		{"system/prop/pub/:/leds/ring", actionPropPub, "leds/ring"},
		{"app/prop/pub/:/x", actionPropPub, "x"},
		{"system/prop/pub/3/leds/ring", actionUnhandled, ""},
		{"system/prop/get/:/x", actionUnhandled, ""},
		{"system/connections", actionUnhandled, ""},
		{"bogus/info", actionUnhandled, ""},
	}
	for _, tc := range cases {
		rt := parseTopic(tc.topic)
		assert.Equal(t, tc.action, rt.action, tc.topic)
		assert.Equal(t, tc.path, rt.path, tc.topic)
	}
}
