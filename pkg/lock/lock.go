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

// Package lock provides advisory exclusive locks keyed by component id. At
// most one acquirer holds a key at a time; waiters poll at a fixed interval.
// An acquisition may carry an auto-release timeout, after which the key
// becomes available to other waiters regardless of the holder.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/gmbnd/fleetcore/pkg/errors"
)

// DefaultPollInterval is how often a blocked acquirer re-checks the key.
const DefaultPollInterval = 100 * time.Millisecond

// Locker is the contract a lock coordinator exposes. Implementations backed
// by a distributed lock allow multiple dispatchers to share one cache.
type Locker interface {
	// Lock blocks until the key is free or ctx is done. A positive timeout
	// arms an auto-release that frees the key even if the holder never
	// unlocks.
	Lock(ctx context.Context, key string, timeout time.Duration) error
	// Unlock frees the key and cancels any pending auto-release.
	Unlock(key string)
}

type holder struct {
	release *time.Timer
}

// KeyedLock is the in-process Locker implementation.
type KeyedLock struct {
	mu   sync.Mutex
	held map[string]*holder
	poll time.Duration
}

// New creates a KeyedLock with the default poll interval.
func New() *KeyedLock {
	return &KeyedLock{held: make(map[string]*holder), poll: DefaultPollInterval}
}

// NewWithPoll creates a KeyedLock with a custom poll interval. Tests use a
// short interval to keep contention scenarios fast.
func NewWithPoll(poll time.Duration) *KeyedLock {
	return &KeyedLock{held: make(map[string]*holder), poll: poll}
}

// Lock implements Locker.
func (l *KeyedLock) Lock(ctx context.Context, key string, timeout time.Duration) error {
	for {
		l.mu.Lock()
		if _, taken := l.held[key]; !taken {
			h := &holder{}
			if timeout > 0 {
				h.release = time.AfterFunc(timeout, func() { l.Unlock(key) })
			}
			l.held[key] = h
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return errors.Wrap(errors.KindLockFailed, "lock.Lock", ctx.Err())
		case <-time.After(l.poll):
		}
	}
}

// Unlock implements Locker. Unlocking a free key is a no-op.
func (l *KeyedLock) Unlock(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.held[key]
	if !ok {
		return
	}
	if h.release != nil {
		h.release.Stop()
	}
	delete(l.held, key)
}

// WithLocks acquires every lock for the given key, runs action, and releases
// all of them on any exit. A partial acquisition releases what was acquired
// and returns a LOCK_FAILED error without running the action.
func WithLocks(ctx context.Context, key string, action func() error, locks ...Locker) error {
	acquired := make([]Locker, 0, len(locks))
	release := func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].Unlock(key)
		}
	}
	for _, lk := range locks {
		if err := lk.Lock(ctx, key, 0); err != nil {
			release()
			return errors.Wrap(errors.KindLockFailed, "lock.WithLocks", err)
		}
		acquired = append(acquired, lk)
	}
	defer release()
	return action()
}
