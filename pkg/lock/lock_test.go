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

package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmbnd/fleetcore/pkg/errors"
)

const testKey = "component-1"

func TestLockUnlock(t *testing.T) {
	l := NewWithPoll(time.Millisecond)
	ctx := context.Background()

	require.NoError(t, l.Lock(ctx, testKey, 0))
	l.Unlock(testKey)
	require.NoError(t, l.Lock(ctx, testKey, 0))
	l.Unlock(testKey)
}

func TestLockIsExclusive(t *testing.T) {
	l := NewWithPoll(time.Millisecond)
	ctx := context.Background()
	require.NoError(t, l.Lock(ctx, testKey, 0))

	acquired := make(chan struct{})
	go func() {
		if err := l.Lock(ctx, testKey, 0); err == nil {
			close(acquired)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second acquirer got the lock while held")
	case <-time.After(20 * time.Millisecond):
	}

	l.Unlock(testKey)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquirer never got the lock after release")
	}
	l.Unlock(testKey)
}

func TestLockKeysAreIndependent(t *testing.T) {
	l := NewWithPoll(time.Millisecond)
	ctx := context.Background()
	require.NoError(t, l.Lock(ctx, "a", 0))
	require.NoError(t, l.Lock(ctx, "b", 0))
	l.Unlock("a")
	l.Unlock("b")
}

func TestLockContextCancelled(t *testing.T) {
	l := NewWithPoll(time.Millisecond)
	require.NoError(t, l.Lock(context.Background(), testKey, 0))
	defer l.Unlock(testKey)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := l.Lock(ctx, testKey, 0)
	require.Error(t, err)
	assert.Equal(t, errors.KindLockFailed, errors.KindOf(err))
}

func TestLockAutoRelease(t *testing.T) {
	l := NewWithPoll(time.Millisecond)
	ctx := context.Background()
	require.NoError(t, l.Lock(ctx, testKey, 20*time.Millisecond))

	// The holder never unlocks; the timeout frees the key for the waiter.
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, l.Lock(waitCtx, testKey, 0))
	l.Unlock(testKey)
}

func TestUnlockCancelsAutoRelease(t *testing.T) {
	l := NewWithPoll(time.Millisecond)
	ctx := context.Background()
	require.NoError(t, l.Lock(ctx, testKey, 10*time.Millisecond))
	l.Unlock(testKey)

	// Reacquire and hold past the earlier timeout; the stale timer must not
	// free the new hold.
	require.NoError(t, l.Lock(ctx, testKey, 0))
	time.Sleep(20 * time.Millisecond)

	acquired := make(chan struct{})
	go func() {
		if err := l.Lock(ctx, testKey, 0); err == nil {
			close(acquired)
		}
	}()
	select {
	case <-acquired:
		t.Fatal("stale auto-release freed a reacquired lock")
	case <-time.After(20 * time.Millisecond):
	}
	l.Unlock(testKey)
	<-acquired
	l.Unlock(testKey)
}

func TestUnlockFreeKeyIsNoop(t *testing.T) {
	l := New()
	l.Unlock("never-held")
}

func TestWithLocksAcquiresAll(t *testing.T) {
	a := NewWithPoll(time.Millisecond)
	b := NewWithPoll(time.Millisecond)
	ran := false
	err := WithLocks(context.Background(), testKey, func() error {
		ran = true
		return nil
	}, a, b)
	require.NoError(t, err)
	assert.True(t, ran)

	// Both locks are free again afterwards.
	require.NoError(t, a.Lock(context.Background(), testKey, 0))
	require.NoError(t, b.Lock(context.Background(), testKey, 0))
	a.Unlock(testKey)
	b.Unlock(testKey)
}

func TestWithLocksPartialFailureReleases(t *testing.T) {
	a := NewWithPoll(time.Millisecond)
	b := NewWithPoll(time.Millisecond)
	require.NoError(t, b.Lock(context.Background(), testKey, 0))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := WithLocks(ctx, testKey, func() error {
		t.Fatal("action ran despite partial acquisition")
		return nil
	}, a, b)
	require.Error(t, err)
	assert.Equal(t, errors.KindLockFailed, errors.KindOf(err))

	// The first lock was released on the way out.
	require.NoError(t, a.Lock(context.Background(), testKey, 0))
	a.Unlock(testKey)
	b.Unlock(testKey)
}

func TestLockContention(t *testing.T) {
	l := NewWithPoll(time.Millisecond)
	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, l.Lock(context.Background(), testKey, 0))
			counter++
			l.Unlock(testKey)
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, counter)
}
