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

package cache

import (
	"context"
	"sync"

	"github.com/gmbnd/fleetcore/pkg/lock"
	"github.com/gmbnd/fleetcore/pkg/model"
)

// sourceState is one source's sub-record of a component's state.
type sourceState struct {
	info       any // *model.SystemInfo or *model.ApplicationInfo
	propOrder  []string
	props      map[string]*model.PropertyRegistration
	registered bool
}

func newSourceState() *sourceState {
	return &sourceState{props: make(map[string]*model.PropertyRegistration)}
}

// componentState is the full per-component record, created lazily on first
// write and destroyed by ClearAll.
type componentState struct {
	apiVersion    model.APIVersion
	apiVersionSet bool
	sources       map[model.Source]*sourceState
	pending       []model.PendingMessage
}

func newComponentState() *componentState {
	return &componentState{sources: map[model.Source]*sourceState{
		model.SourceSystem: newSourceState(),
		model.SourceApp:    newSourceState(),
	}}
}

// MemoryCache is the in-process Cache implementation. A RWMutex guards the
// component map; the per-source advisory locks serialize dispatcher
// operations above it.
type MemoryCache struct {
	mu         sync.RWMutex
	components map[string]*componentState
	locks      map[model.Source]lock.Locker
}

// NewMemoryCache creates an empty MemoryCache with in-process source locks.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		components: make(map[string]*componentState),
		locks: map[model.Source]lock.Locker{
			model.SourceSystem: lock.New(),
			model.SourceApp:    lock.New(),
		},
	}
}

// Lock implements Cache.
func (c *MemoryCache) Lock(source model.Source) lock.Locker {
	return c.locks[source]
}

func (c *MemoryCache) component(cid string) *componentState {
	st, ok := c.components[cid]
	if !ok {
		st = newComponentState()
		c.components[cid] = st
	}
	return st
}

// CacheAPIVersion implements Cache.
func (c *MemoryCache) CacheAPIVersion(_ context.Context, cid string, v model.APIVersion) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.component(cid)
	st.apiVersion = v
	st.apiVersionSet = true
	return nil
}

// GetAPIVersion implements Cache.
func (c *MemoryCache) GetAPIVersion(_ context.Context, cid string) (model.APIVersion, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.components[cid]
	if !ok || !st.apiVersionSet {
		return 0, false, nil
	}
	return st.apiVersion, true, nil
}

// ClearAPIVersion implements Cache.
func (c *MemoryCache) ClearAPIVersion(_ context.Context, cid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.components[cid]; ok {
		st.apiVersion = 0
		st.apiVersionSet = false
	}
	return nil
}

// CacheSystemInfo implements Cache.
func (c *MemoryCache) CacheSystemInfo(_ context.Context, cid string, info *model.SystemInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.component(cid).sources[model.SourceSystem].info = info
	return nil
}

// GetSystemInfo implements Cache.
func (c *MemoryCache) GetSystemInfo(_ context.Context, cid string) (*model.SystemInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.components[cid]
	if !ok {
		return nil, nil
	}
	info, _ := st.sources[model.SourceSystem].info.(*model.SystemInfo)
	return info, nil
}

// ClearSystemInfo implements Cache.
func (c *MemoryCache) ClearSystemInfo(_ context.Context, cid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.components[cid]; ok {
		st.sources[model.SourceSystem].info = nil
	}
	return nil
}

// CacheAppInfo implements Cache.
func (c *MemoryCache) CacheAppInfo(_ context.Context, cid string, info *model.ApplicationInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.component(cid).sources[model.SourceApp].info = info
	return nil
}

// GetAppInfo implements Cache.
func (c *MemoryCache) GetAppInfo(_ context.Context, cid string) (*model.ApplicationInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.components[cid]
	if !ok {
		return nil, nil
	}
	info, _ := st.sources[model.SourceApp].info.(*model.ApplicationInfo)
	return info, nil
}

// CacheProperty implements Cache. Re-caching an existing path overwrites the
// registration without disturbing the declaration order.
func (c *MemoryCache) CacheProperty(_ context.Context, cid string, source model.Source, path string, reg *model.PropertyRegistration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	src := c.component(cid).sources[source]
	if _, exists := src.props[path]; !exists {
		src.propOrder = append(src.propOrder, path)
	}
	src.props[path] = reg
	return nil
}

// GetProperty implements Cache.
func (c *MemoryCache) GetProperty(_ context.Context, cid string, source model.Source, path string) (*model.PropertyRegistration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.components[cid]
	if !ok {
		return nil, nil
	}
	return st.sources[source].props[path], nil
}

// GetAllProperties implements Cache.
func (c *MemoryCache) GetAllProperties(_ context.Context, cid string, source model.Source) ([]*model.PropertyRegistration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.components[cid]
	if !ok {
		return nil, nil
	}
	src := st.sources[source]
	out := make([]*model.PropertyRegistration, 0, len(src.propOrder))
	for _, p := range src.propOrder {
		out = append(out, src.props[p])
	}
	return out, nil
}

// ClearProperties implements Cache.
func (c *MemoryCache) ClearProperties(_ context.Context, cid string, source model.Source) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.components[cid]; ok {
		src := st.sources[source]
		src.props = make(map[string]*model.PropertyRegistration)
		src.propOrder = nil
	}
	return nil
}

// SetRegistered implements Cache.
func (c *MemoryCache) SetRegistered(_ context.Context, cid string, source model.Source, flag bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.component(cid).sources[source].registered = flag
	return nil
}

// IsRegistered implements Cache.
func (c *MemoryCache) IsRegistered(_ context.Context, cid string, source model.Source) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.components[cid]
	if !ok {
		return false, nil
	}
	return st.sources[source].registered, nil
}

// ClearInfoAndRegistered implements Cache.
func (c *MemoryCache) ClearInfoAndRegistered(_ context.Context, cid string, source model.Source) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.components[cid]; ok {
		src := st.sources[source]
		src.info = nil
		src.registered = false
	}
	return nil
}

// ClearCachedValues implements Cache.
func (c *MemoryCache) ClearCachedValues(_ context.Context, cid string, source model.Source) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.components[cid]; ok {
		src := st.sources[source]
		src.props = make(map[string]*model.PropertyRegistration)
		src.propOrder = nil
		src.registered = false
	}
	return nil
}

// ClearAll implements Cache.
func (c *MemoryCache) ClearAll(_ context.Context, cid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.components, cid)
	return nil
}

// CachePendingMessage implements Cache.
func (c *MemoryCache) CachePendingMessage(_ context.Context, cid, topic string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(payload))
	copy(buf, payload)
	st := c.component(cid)
	st.pending = append(st.pending, model.PendingMessage{Topic: topic, Payload: buf})
	return nil
}

// GetNextPendingMessage implements Cache.
func (c *MemoryCache) GetNextPendingMessage(_ context.Context, cid string) (*model.PendingMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.components[cid]
	if !ok || len(st.pending) == 0 {
		return nil, nil
	}
	msg := st.pending[0]
	st.pending = st.pending[1:]
	return &msg, nil
}
