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

// Package cache stores per-component registration state: the learned API
// version, system and application identity, property registrations in
// declaration order, the per-source registration flag, and the FIFO buffer of
// messages that arrived before the component's version was known.
//
// The contract is pluggable; MemoryCache is the in-process default and
// PostgresCache the durable backend. Every write touching a source's
// sub-record must be performed holding that source's lock, which the cache
// exposes per source.
package cache

import (
	"context"

	"github.com/gmbnd/fleetcore/pkg/lock"
	"github.com/gmbnd/fleetcore/pkg/model"
)

// Cache is the registration cache contract. Operations return a CACHE_ERROR
// classified error when the backend fails; lookups for absent entries return
// zero values with a nil error.
type Cache interface {
	CacheAPIVersion(ctx context.Context, cid string, v model.APIVersion) error
	// GetAPIVersion returns the cached version and whether one is known.
	GetAPIVersion(ctx context.Context, cid string) (model.APIVersion, bool, error)
	ClearAPIVersion(ctx context.Context, cid string) error

	CacheSystemInfo(ctx context.Context, cid string, info *model.SystemInfo) error
	GetSystemInfo(ctx context.Context, cid string) (*model.SystemInfo, error)
	ClearSystemInfo(ctx context.Context, cid string) error

	CacheAppInfo(ctx context.Context, cid string, info *model.ApplicationInfo) error
	GetAppInfo(ctx context.Context, cid string) (*model.ApplicationInfo, error)

	CacheProperty(ctx context.Context, cid string, source model.Source, path string, reg *model.PropertyRegistration) error
	GetProperty(ctx context.Context, cid string, source model.Source, path string) (*model.PropertyRegistration, error)
	// GetAllProperties returns the source's registrations in declaration
	// order.
	GetAllProperties(ctx context.Context, cid string, source model.Source) ([]*model.PropertyRegistration, error)
	ClearProperties(ctx context.Context, cid string, source model.Source) error

	SetRegistered(ctx context.Context, cid string, source model.Source, flag bool) error
	IsRegistered(ctx context.Context, cid string, source model.Source) (bool, error)

	// ClearInfoAndRegistered drops the source's identity record and flag.
	ClearInfoAndRegistered(ctx context.Context, cid string, source model.Source) error
	// ClearCachedValues drops the source's property registrations and flag.
	ClearCachedValues(ctx context.Context, cid string, source model.Source) error
	// ClearAll wipes every trace of the component.
	ClearAll(ctx context.Context, cid string) error

	CachePendingMessage(ctx context.Context, cid, topic string, payload []byte) error
	// GetNextPendingMessage pops the oldest buffered message, or nil when
	// the queue is empty.
	GetNextPendingMessage(ctx context.Context, cid string) (*model.PendingMessage, error)

	// Lock returns the advisory lock guarding the source's sub-records.
	Lock(source model.Source) lock.Locker
}
