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

package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmbnd/fleetcore/pkg/cache"
	"github.com/gmbnd/fleetcore/pkg/dispatch"
	"github.com/gmbnd/fleetcore/pkg/events"
	"github.com/gmbnd/fleetcore/pkg/model"
)

const testCID = "component-1"

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

func newTestHandler(t *testing.T, opts ...Option) (*Handler, *cache.MemoryCache, *recorder) {
	t.Helper()
	store := cache.NewMemoryCache()
	bus := events.NewBus()
	rec := &recorder{}
	bus.SubscribeAll(rec.record)
	d := dispatch.New(store, bus, dispatch.WithCompletionDelay(30*time.Millisecond))
	t.Cleanup(d.Stop)
	return New(store, d, bus, opts...), store, rec
}

func sysInfoPayload(numProps int) []byte {
	return []byte(fmt.Sprintf(`{"api_ver":2,"type":"generic","capabilities":[],"mac":"aa:bb:cc:dd:ee:ff","ip":"10.0.0.1","num_props":%d}`, numProps))
}

func TestEarlyMessagesBufferedAndDrained(t *testing.T) {
	h, store, rec := newTestHandler(t)
	ctx := context.Background()

	// Messages before the identity are buffered, not dispatched.
	h.OnMessage(ctx, testCID, "app/info", []byte(`{"file_name":"main.py","num_props":1}`))
	h.OnMessage(ctx, testCID, "app/register/prop", []byte(`{"path":"counter","index":0,"type":"gmbnd_primitive","format":"B","length":1}`))

	info, err := store.GetAppInfo(ctx, testCID)
	require.NoError(t, err)
	assert.Nil(t, info)

	// The identity resolves the version, then the buffer drains in order.
	h.OnMessage(ctx, testCID, "system/info", sysInfoPayload(0))

	info, err = store.GetAppInfo(ctx, testCID)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "main.py", info.FileName)

	appReg, err := store.IsRegistered(ctx, testCID, model.SourceApp)
	require.NoError(t, err)
	assert.True(t, appReg)

	// Every inbound message produced a receipt, buffered ones included.
	assert.Len(t, rec.ofKind(events.KindReceivedMsg), 3)

	// The buffer is consumed.
	msg, err := store.GetNextPendingMessage(ctx, testCID)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestDrainPreservesArrivalOrder(t *testing.T) {
	h, store, _ := newTestHandler(t)
	ctx := context.Background()

	// Registration before identity: if order were lost, the registration
	// would be rejected for its unknown declared count.
	h.OnMessage(ctx, testCID, "app/info", []byte(`{"num_props":2}`))
	h.OnMessage(ctx, testCID, "app/register/prop", []byte(`{"path":"a","index":0,"type":"gmbnd_primitive","format":"B","length":1}`))
	h.OnMessage(ctx, testCID, "app/register/prop", []byte(`{"path":"b","index":1,"type":"gmbnd_primitive","format":"B","length":1}`))

	h.OnMessage(ctx, testCID, "system/info", sysInfoPayload(0))

	props, err := store.GetAllProperties(ctx, testCID, model.SourceApp)
	require.NoError(t, err)
	require.Len(t, props, 2)
	assert.Equal(t, "a", props[0].Path)
	assert.Equal(t, "b", props[1].Path)
	appReg, err := store.IsRegistered(ctx, testCID, model.SourceApp)
	require.NoError(t, err)
	assert.True(t, appReg)
}

func TestDrainBudgetDropsRemainder(t *testing.T) {
	h, store, _ := newTestHandler(t, WithDrainBudget(-time.Millisecond))
	ctx := context.Background()

	h.OnMessage(ctx, testCID, "app/info", []byte(`{"num_props":1}`))
	h.OnMessage(ctx, testCID, "system/info", sysInfoPayload(0))

	// The expired budget drops the buffered message instead of replaying it.
	info, err := store.GetAppInfo(ctx, testCID)
	require.NoError(t, err)
	assert.Nil(t, info)
	msg, err := store.GetNextPendingMessage(ctx, testCID)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestKnownVersionRoutesDirectly(t *testing.T) {
	h, store, _ := newTestHandler(t)
	ctx := context.Background()

	h.OnMessage(ctx, testCID, "system/info", sysInfoPayload(0))
	h.OnMessage(ctx, testCID, "app/info", []byte(`{"num_props":0}`))

	info, err := store.GetAppInfo(ctx, testCID)
	require.NoError(t, err)
	assert.NotNil(t, info)
	msg, err := store.GetNextPendingMessage(ctx, testCID)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func v9Identity() []byte {
	return []byte(`{"api_ver":9,"type":"generic","capabilities":[],"mac":"aa:bb:cc:dd:ee:ff","ip":"10.0.0.1","num_props":0}`)
}

func TestUnsupportedVersionRecordedNotRouted(t *testing.T) {
	h, store, _ := newTestHandler(t)
	ctx := context.Background()

	h.OnMessage(ctx, testCID, "system/info", v9Identity())

	// The version is recorded so later messages can be dropped, but the
	// identity itself is never dispatched.
	v, known, err := store.GetAPIVersion(ctx, testCID)
	require.NoError(t, err)
	assert.True(t, known)
	assert.False(t, v.Valid())
	info, err := store.GetSystemInfo(ctx, testCID)
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestUnsupportedVersionDropsSubsequentMessages(t *testing.T) {
	h, store, _ := newTestHandler(t)
	ctx := context.Background()

	// One message is buffered ahead of identity; the unsupported identity
	// discards it.
	h.OnMessage(ctx, testCID, "app/info", []byte(`{"num_props":1}`))
	h.OnMessage(ctx, testCID, "system/info", v9Identity())
	msg, err := store.GetNextPendingMessage(ctx, testCID)
	require.NoError(t, err)
	assert.Nil(t, msg)

	// Later messages are dropped outright, neither buffered nor routed.
	h.OnMessage(ctx, testCID, "app/info", []byte(`{"num_props":1}`))
	msg, err = store.GetNextPendingMessage(ctx, testCID)
	require.NoError(t, err)
	assert.Nil(t, msg)
	info, err := store.GetAppInfo(ctx, testCID)
	require.NoError(t, err)
	assert.Nil(t, info)

	// A valid identity recovers the component.
	h.OnMessage(ctx, testCID, "system/info", sysInfoPayload(0))
	h.OnMessage(ctx, testCID, "app/info", []byte(`{"num_props":0}`))
	info, err = store.GetAppInfo(ctx, testCID)
	require.NoError(t, err)
	assert.NotNil(t, info)
}

func TestUnreadableIdentityDropped(t *testing.T) {
	h, store, _ := newTestHandler(t)
	ctx := context.Background()

	h.OnMessage(ctx, testCID, "system/info", []byte(`not json`))

	_, known, err := store.GetAPIVersion(ctx, testCID)
	require.NoError(t, err)
	assert.False(t, known)
}

func TestWillBeforeVersionKnownStillWipes(t *testing.T) {
	h, store, rec := newTestHandler(t)
	ctx := context.Background()

	h.OnMessage(ctx, testCID, "app/info", []byte(`{"num_props":1}`))
	h.OnMessage(ctx, testCID, "system/info", nil)

	online := rec.ofKind(events.KindOnline)
	require.Len(t, online, 1)
	assert.False(t, online[0].(events.Online).Online)

	// The wipe also empties the pending buffer.
	msg, err := store.GetNextPendingMessage(ctx, testCID)
	require.NoError(t, err)
	assert.Nil(t, msg)
}
