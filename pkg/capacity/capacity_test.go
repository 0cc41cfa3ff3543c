//go:build unit

/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package capacity_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandremahdhaoui/vmlauncher/pkg/capacity"
)

func TestLimiter_Unlimited(t *testing.T) {
	for _, limit := range []int{0, -1} {
		l := capacity.New(limit)
		assert.Zero(t, l.Limit())

		for i := range 100 {
			require.NoError(t, l.Acquire(t.Context(), fmt.Sprintf("vm-%d", i)))
		}

		assert.Zero(t, l.InUse())
		assert.False(t, l.Release("vm-0"))
	}
}

func TestLimiter_AcquireRelease(t *testing.T) {
	l := capacity.New(2)
	assert.Equal(t, 2, l.Limit())

	require.NoError(t, l.Acquire(t.Context(), "a"))
	require.NoError(t, l.Acquire(t.Context(), "b"))
	assert.Equal(t, 2, l.InUse())
	assert.True(t, l.Holds("a"))

	// A machine holds at most one slot.
	require.NoError(t, l.Acquire(t.Context(), "a"))
	assert.Equal(t, 2, l.InUse())

	assert.True(t, l.Release("a"))
	assert.False(t, l.Release("a"))
	assert.False(t, l.Release("never-acquired"))
	assert.Equal(t, 1, l.InUse())

	require.NoError(t, l.Acquire(t.Context(), "c"))
	assert.Equal(t, 2, l.InUse())
}

func TestLimiter_AcquireCancelled(t *testing.T) {
	l := capacity.New(1)
	require.NoError(t, l.Acquire(t.Context(), "a"))

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx, "b")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, l.Holds("b"))
	assert.Equal(t, 1, l.InUse())
}

func TestLimiter_BlocksUntilRelease(t *testing.T) {
	l := capacity.New(1)
	require.NoError(t, l.Acquire(t.Context(), "a"))

	acquired := make(chan struct{})
	go func() {
		assert.NoError(t, l.Acquire(context.Background(), "b"))
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("acquired a slot beyond the limit")
	case <-time.After(50 * time.Millisecond):
	}

	l.Release("a")

	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not admitted after release")
	}

	assert.True(t, l.Holds("b"))
}

func TestLimiter_NeverExceedsLimit(t *testing.T) {
	const (
		limit    = 3
		machines = 20
	)

	l := capacity.New(limit)

	var (
		wg      sync.WaitGroup
		running atomic.Int32
		peak    atomic.Int32
	)

	for i := range machines {
		wg.Add(1)
		go func() {
			defer wg.Done()

			id := fmt.Sprintf("vm-%d", i)
			if !assert.NoError(t, l.Acquire(context.Background(), id)) {
				return
			}

			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}

			time.Sleep(time.Millisecond)
			running.Add(-1)
			assert.True(t, l.Release(id))
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(limit))
	assert.Zero(t, l.InUse())
}
