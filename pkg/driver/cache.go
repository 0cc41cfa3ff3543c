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

package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/alexandremahdhaoui/vmlauncher/pkg/hypervisor"
)

var (
	errProbeVersion = errors.New("failed to probe hypervisor version")
	errConnect      = errors.New("failed to connect to hypervisor")
)

// Endpoint identifies a hypervisor management endpoint.
type Endpoint struct {
	// Protocol names the hypervisor.Protocol used to reach the endpoint, e.g. "libvirt".
	Protocol string `json:"protocol"`
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"-"`
}

// Key is the identity of the endpoint in the cache. It never contains the password.
func (e Endpoint) Key() string {
	return fmt.Sprintf("%s{url='%s', username='%s'}", e.Protocol, e.URL, e.Username)
}

// Option configures a Cache.
type Option func(*Cache)

// WithReconnectHook registers fn to be called each time a cached driver is found dead.
func WithReconnectHook(fn func(ep Endpoint)) Option {
	return func(c *Cache) {
		c.onReconnect = fn
	}
}

// Cache holds at most one live Driver per endpoint.
//
// The lock is never held while connecting or probing an endpoint. When two callers race to
// create a driver for the same endpoint, the loser disconnects its driver and returns the
// winner's.
type Cache struct {
	registry  *Registry
	protocols map[string]hypervisor.Protocol
	log       logr.Logger

	onReconnect func(ep Endpoint)

	mu      sync.Mutex
	drivers map[string]Driver
}

// NewCache returns an empty cache. protocols maps Endpoint.Protocol to its implementation.
func NewCache(
	registry *Registry,
	protocols map[string]hypervisor.Protocol,
	log logr.Logger,
	opts ...Option,
) *Cache {
	c := &Cache{
		registry:  registry,
		protocols: protocols,
		log:       log.WithName("driver-cache"),
		drivers:   make(map[string]Driver),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Get returns the live driver for ep, reconnecting when the cached one does not answer.
func (c *Cache) Get(ctx context.Context, ep Endpoint) (Driver, error) {
	key := ep.Key()

	c.mu.Lock()
	drv, ok := c.drivers[key]
	c.mu.Unlock()

	if ok {
		err := drv.Ping(ctx)
		if err == nil {
			return drv, nil
		}

		c.log.Info("lost connection, reconnecting", "endpoint", key, "error", err.Error())
		c.Invalidate(ep, drv)

		if c.onReconnect != nil {
			c.onReconnect(ep)
		}
	}

	drv, err := c.create(ctx, ep)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if existing, ok := c.drivers[key]; ok {
		c.mu.Unlock()
		c.disconnect(key, drv)

		return existing, nil
	}
	c.drivers[key] = drv
	c.mu.Unlock()

	c.log.V(1).Info("created driver", "endpoint", key, "version", drv.Version())

	return drv, nil
}

// Invalidate drops drv from the cache if it is still the driver cached for ep, then
// disconnects it.
func (c *Cache) Invalidate(ep Endpoint, drv Driver) {
	key := ep.Key()

	c.mu.Lock()
	if cached, ok := c.drivers[key]; ok && cached == drv {
		delete(c.drivers, key)
	}
	c.mu.Unlock()

	c.disconnect(key, drv)
}

// DisconnectAll disconnects every cached driver and empties the cache.
func (c *Cache) DisconnectAll() {
	c.mu.Lock()
	drivers := c.drivers
	c.drivers = make(map[string]Driver)
	c.mu.Unlock()

	for key, drv := range drivers {
		c.disconnect(key, drv)
	}
}

// Len returns the number of cached drivers.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.drivers)
}

// create probes the endpoint version with a throwaway connection, then opens the connection
// the selected adapter will own.
func (c *Cache) create(ctx context.Context, ep Endpoint) (Driver, error) {
	proto, ok := c.protocols[ep.Protocol]
	if !ok {
		return nil, errors.Join(fmt.Errorf("protocol=%q", ep.Protocol), ErrUnknownProtocol)
	}

	probe, err := proto.Connect(ctx, ep.URL, ep.Username, ep.Password)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("endpoint=%s", ep.Key()), errConnect)
	}

	version, err := probe.Version(ctx)
	if disconnectErr := probe.Disconnect(); disconnectErr != nil {
		c.log.V(1).Info("failed to disconnect version probe", "endpoint", ep.Key(), "error", disconnectErr.Error())
	}
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("endpoint=%s", ep.Key()), errProbeVersion)
	}

	factory, err := c.registry.Lookup(version)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("endpoint=%s", ep.Key()))
	}

	conn, err := proto.Connect(ctx, ep.URL, ep.Username, ep.Password)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("endpoint=%s", ep.Key()), errConnect)
	}

	return factory(conn, version), nil
}

func (c *Cache) disconnect(key string, drv Driver) {
	if err := drv.Disconnect(); err != nil {
		c.log.V(1).Info("failed to disconnect driver", "endpoint", key, "error", err.Error())
	}
}
