// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package limiter_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/callengine/limiter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactory_CachesPerHostAndPath(t *testing.T) {
	t.Parallel()

	factory := limiter.NewFactory(limiter.Config{Min: 1, Max: 4})
	a1 := factory.For("host-a", "/svc")
	a2 := factory.For("host-a", "/svc")
	b := factory.For("host-b", "/svc")

	assert.Same(t, a1, a2)
	assert.NotSame(t, a1, b)
}

func TestLimiter_RampsUpOnSuccessStreak(t *testing.T) {
	t.Parallel()

	lim := limiter.NewFactory(limiter.Config{Min: 1, Max: 4, RampAfterSuccesses: 2}).For("h", "/")
	assert.Equal(t, 1, lim.Limit())

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		permit, err := lim.Acquire(ctx)
		require.NoError(t, err)
		permit.Release(limiter.OnSuccess)
	}
	assert.Equal(t, 2, lim.Limit())
}

func TestLimiter_ShrinksMultiplicativelyOnDropped(t *testing.T) {
	t.Parallel()

	lim := limiter.NewFactory(limiter.Config{Min: 1, Max: 16}).For("h", "/")
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		permit, err := lim.Acquire(ctx)
		require.NoError(t, err)
		permit.Release(limiter.OnSuccess)
	}
	require.Equal(t, 5, lim.Limit())

	permit, err := lim.Acquire(ctx)
	require.NoError(t, err)
	permit.Release(limiter.OnDropped)
	assert.Equal(t, 2, lim.Limit()) // floor(5/2)
}

func TestLimiter_IgnoreDoesNotMoveCap(t *testing.T) {
	t.Parallel()

	lim := limiter.NewFactory(limiter.Config{Min: 2, Max: 8}).For("h", "/")
	ctx := context.Background()
	permit, err := lim.Acquire(ctx)
	require.NoError(t, err)
	before := lim.Limit()
	permit.Release(limiter.OnIgnore)
	assert.Equal(t, before, lim.Limit())
}

func TestLimiter_AcquireIsFIFOAndBlocksAtCapacity(t *testing.T) {
	t.Parallel()

	lim := limiter.NewFactory(limiter.Config{Min: 1, Max: 1}).For("h", "/")
	ctx := context.Background()
	first, err := lim.Acquire(ctx)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		second, err := lim.Acquire(ctx)
		require.NoError(t, err)
		close(acquired)
		second.Release(limiter.OnSuccess)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should not complete while first permit is held")
	case <-time.After(20 * time.Millisecond):
	}

	first.Release(limiter.OnSuccess)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire should complete once first permit is released")
	}
}

func TestLimiter_CancelledAcquireReturnsCreditIfGrantedConcurrently(t *testing.T) {
	t.Parallel()

	lim := limiter.NewFactory(limiter.Config{Min: 1, Max: 1}).For("h", "/")
	ctx := context.Background()
	first, err := lim.Acquire(ctx)
	require.NoError(t, err)

	waitCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	var acquireErr error
	var granted limiter.Permit
	go func() {
		defer wg.Done()
		granted, acquireErr = lim.Acquire(waitCtx)
	}()

	// Release and cancel race; either the waiter gets the permit (and
	// must give it back) or it observes cancellation before grant.
	first.Release(limiter.OnSuccess)
	cancel()
	wg.Wait()
	if acquireErr == nil {
		granted.Release(limiter.OnIgnore)
	}

	// Regardless of outcome, a follow-up acquire must succeed promptly:
	// no credit was leaked either way (invariant I1).
	acquireCtx, cancelAcquire := context.WithTimeout(context.Background(), time.Second)
	defer cancelAcquire()
	permit, err := lim.Acquire(acquireCtx)
	require.NoError(t, err)
	permit.Release(limiter.OnSuccess)
	_ = acquireErr
}
