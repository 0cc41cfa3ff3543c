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

package driver_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandremahdhaoui/vmlauncher/internal/util/fakes/hypervisorfake"
	"github.com/alexandremahdhaoui/vmlauncher/pkg/driver"
	"github.com/alexandremahdhaoui/vmlauncher/pkg/hypervisor"
)

const fakeURL = "fake://host-a"

func newCache(fake *hypervisorfake.Fake, opts ...driver.Option) *driver.Cache {
	return driver.NewCache(
		driver.DefaultRegistry(),
		map[string]hypervisor.Protocol{"fake": fake},
		logr.Discard(),
		opts...,
	)
}

func endpoint() driver.Endpoint {
	return driver.Endpoint{Protocol: "fake", URL: fakeURL, Username: "admin", Password: "secret"}
}

func TestEndpoint_Key(t *testing.T) {
	assert.Equal(t, "fake{url='fake://host-a', username='admin'}", endpoint().Key())
	assert.NotContains(t, endpoint().Key(), "secret")
}

func TestCache_Get(t *testing.T) {
	fake := hypervisorfake.New()
	cache := newCache(fake)

	drv, err := cache.Get(t.Context(), endpoint())
	require.NoError(t, err)
	assert.Equal(t, hypervisorfake.DefaultVersion, drv.Version())

	// Version probe plus the driver connection.
	assert.Equal(t, 2, fake.Connects(fakeURL))

	again, err := cache.Get(t.Context(), endpoint())
	require.NoError(t, err)
	assert.Same(t, drv, again)
	assert.Equal(t, 2, fake.Connects(fakeURL))
	assert.Equal(t, 1, cache.Len())
}

func TestCache_Get_Reconnect(t *testing.T) {
	fake := hypervisorfake.New()

	reconnects := 0
	cache := newCache(fake, driver.WithReconnectHook(func(driver.Endpoint) { reconnects++ }))

	drv, err := cache.Get(t.Context(), endpoint())
	require.NoError(t, err)

	fake.Drop(fakeURL)

	fresh, err := cache.Get(t.Context(), endpoint())
	require.NoError(t, err)
	assert.NotSame(t, drv, fresh)
	assert.NoError(t, fresh.Ping(t.Context()))
	assert.Equal(t, 1, reconnects)

	// Exactly one more version probe and one more driver connection.
	assert.Equal(t, 4, fake.Connects(fakeURL))
	assert.Equal(t, 1, cache.Len())
}

func TestCache_Get_Unsupported(t *testing.T) {
	fake := hypervisorfake.New().SetVersion(fakeURL, "2.2.4")
	cache := newCache(fake)

	_, err := cache.Get(t.Context(), endpoint())
	assert.ErrorIs(t, err, driver.ErrDriverUnsupported)
	assert.Zero(t, cache.Len())

	// The adapter connection is never opened for an unsupported version.
	assert.Equal(t, 1, fake.Connects(fakeURL))
}

func TestCache_Get_UnknownProtocol(t *testing.T) {
	cache := newCache(hypervisorfake.New())

	ep := endpoint()
	ep.Protocol = "soap"

	_, err := cache.Get(t.Context(), ep)
	assert.ErrorIs(t, err, driver.ErrUnknownProtocol)
}

func TestCache_Get_ConnectFailure(t *testing.T) {
	fake := hypervisorfake.New()
	fake.ConnectErr = errors.New("connection refused")

	_, err := newCache(fake).Get(t.Context(), endpoint())
	assert.ErrorIs(t, err, hypervisor.ErrConnect)
}

func TestCache_Get_Concurrent(t *testing.T) {
	fake := hypervisorfake.New()
	cache := newCache(fake)

	const n = 16

	drivers := make([]driver.Driver, n)

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()

			drv, err := cache.Get(t.Context(), endpoint())
			assert.NoError(t, err)
			drivers[i] = drv
		}()
	}
	wg.Wait()

	for _, drv := range drivers {
		assert.Same(t, drivers[0], drv)
	}
	assert.Equal(t, 1, cache.Len())
}

func TestCache_Invalidate(t *testing.T) {
	fake := hypervisorfake.New()
	cache := newCache(fake)

	drv, err := cache.Get(t.Context(), endpoint())
	require.NoError(t, err)

	cache.Invalidate(endpoint(), drv)
	assert.Zero(t, cache.Len())
	assert.ErrorIs(t, drv.Ping(t.Context()), hypervisor.ErrConnectionLost)
}

func TestCache_Invalidate_StaleDriver(t *testing.T) {
	fake := hypervisorfake.New()
	cache := newCache(fake)

	stale, err := cache.Get(t.Context(), endpoint())
	require.NoError(t, err)
	cache.Invalidate(endpoint(), stale)

	current, err := cache.Get(t.Context(), endpoint())
	require.NoError(t, err)

	// Invalidating an already replaced driver keeps the current one.
	cache.Invalidate(endpoint(), stale)
	assert.Equal(t, 1, cache.Len())
	assert.NoError(t, current.Ping(t.Context()))
}

func TestCache_DisconnectAll(t *testing.T) {
	fake := hypervisorfake.New()
	cache := newCache(fake)

	a, err := cache.Get(t.Context(), endpoint())
	require.NoError(t, err)

	other := endpoint()
	other.URL = "fake://host-b"
	b, err := cache.Get(t.Context(), other)
	require.NoError(t, err)

	cache.DisconnectAll()

	assert.Zero(t, cache.Len())
	assert.Error(t, a.Ping(t.Context()))
	assert.Error(t, b.Ping(t.Context()))
}
