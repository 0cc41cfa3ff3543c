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

// Package fleet is the registry of hypervisor hosts and the machine-level interface exposed
// to the build orchestration host.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/alexandremahdhaoui/vmlauncher/pkg/capacity"
	"github.com/alexandremahdhaoui/vmlauncher/pkg/driver"
	"github.com/alexandremahdhaoui/vmlauncher/pkg/hypervisor"
	"github.com/alexandremahdhaoui/vmlauncher/pkg/lifecycle"
)

var (
	ErrUnknownHost   = errors.New("fleet: unknown host")
	ErrDuplicateHost = errors.New("fleet: duplicate host")

	errListMachines = errors.New("failed to list machines")
	errStopMachine  = errors.New("failed to stop machine")
)

// Host is the configuration of one hypervisor host.
type Host struct {
	Name     string
	Endpoint driver.Endpoint
	// Limit is the maximum number of concurrently running machines. Values lower than 1 mean
	// unlimited.
	Limit int
}

// DriverCache is implemented by *driver.Cache.
type DriverCache interface {
	lifecycle.DriverSource
	DisconnectAll()
}

// Controller is implemented by *lifecycle.Controller.
type Controller interface {
	StartVM(ctx context.Context, t lifecycle.Target, sessionType hypervisor.SessionType) (int64, error)
	StopVM(ctx context.Context, t lifecycle.Target, mode hypervisor.StopMode) (int64, error)
}

// Resolution locates a machine on a host.
type Resolution struct {
	Host    string             `json:"host"`
	Machine driver.MachineInfo `json:"machine"`
}

type host struct {
	Host

	limiter *capacity.Limiter

	mu       sync.Mutex
	loaded   bool
	machines []driver.MachineInfo
}

// Fleet owns the hosts and their capacity limiters.
type Fleet struct {
	drivers    DriverCache
	controller Controller
	log        logr.Logger

	names []string
	hosts map[string]*host
}

func New(drivers DriverCache, controller Controller, hosts []Host, log logr.Logger) (*Fleet, error) {
	f := &Fleet{
		drivers:    drivers,
		controller: controller,
		log:        log.WithName("fleet"),
		hosts:      make(map[string]*host, len(hosts)),
		names:      make([]string, 0, len(hosts)),
	}

	for _, h := range hosts {
		if _, ok := f.hosts[h.Name]; ok {
			return nil, errors.Join(fmt.Errorf("host=%s", h.Name), ErrDuplicateHost)
		}

		f.hosts[h.Name] = &host{Host: h, limiter: capacity.New(h.Limit)}
		f.names = append(f.names, h.Name)
	}

	slices.Sort(f.names)

	return f, nil
}

// Hosts returns the sorted host names.
func (f *Fleet) Hosts() []string {
	return slices.Clone(f.names)
}

// SlotsInUse returns the number of capacity slots held on each host.
func (f *Fleet) SlotsInUse() map[string]int {
	out := make(map[string]int, len(f.hosts))
	for name, h := range f.hosts {
		out[name] = h.limiter.InUse()
	}

	return out
}

// StartMachine starts the machine named machineName on hostName. machineName is a machine
// name or a "<machine>/<snapshot path>" display name.
func (f *Fleet) StartMachine(
	ctx context.Context,
	hostName, machineName string,
	sessionType hypervisor.SessionType,
) (int64, error) {
	t, err := f.target(ctx, hostName, machineName)
	if err != nil {
		return -1, err
	}

	return f.controller.StartVM(ctx, t, sessionType)
}

// StopMachine stops the machine named machineName on hostName.
func (f *Fleet) StopMachine(
	ctx context.Context,
	hostName, machineName string,
	mode hypervisor.StopMode,
) (int64, error) {
	t, err := f.target(ctx, hostName, machineName)
	if err != nil {
		return -1, err
	}

	return f.controller.StopVM(ctx, t, mode)
}

// ListMachines refreshes and returns the machine entries of hostName.
func (f *Fleet) ListMachines(ctx context.Context, hostName string) ([]driver.MachineInfo, error) {
	h, err := f.host(hostName)
	if err != nil {
		return nil, err
	}

	if err := f.refresh(ctx, h); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	return slices.Clone(h.machines), nil
}

// ListAll refreshes every host concurrently and returns their machine entries by host name.
func (f *Fleet) ListAll(ctx context.Context) (map[string][]driver.MachineInfo, error) {
	var (
		mu  sync.Mutex
		out = make(map[string][]driver.MachineInfo, len(f.names))
	)

	g, ctx := errgroup.WithContext(ctx)
	for _, name := range f.names {
		g.Go(func() error {
			machines, err := f.ListMachines(ctx, name)
			if err != nil {
				return err
			}

			mu.Lock()
			out[name] = machines
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}

// TestConnection enumerates the machines of hostName to validate its endpoint and
// credentials. It returns the number of machine entries found.
func (f *Fleet) TestConnection(ctx context.Context, hostName string) (int, error) {
	machines, err := f.ListMachines(ctx, hostName)
	if err != nil {
		return 0, err
	}

	return len(machines), nil
}

// ResolveByHardwareAddress finds the machine whose first network adapter has the given MAC
// address. Addresses are compared regardless of case and separators. Hosts that cannot be
// reached are skipped.
func (f *Fleet) ResolveByHardwareAddress(ctx context.Context, address string) (Resolution, error) {
	want := NormalizeHardwareAddress(address)
	if want == "" {
		return Resolution{}, errors.Join(fmt.Errorf("macAddress=%q", address), hypervisor.ErrNotFound)
	}

	var (
		mu    sync.Mutex
		found []Resolution
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range f.names {
		g.Go(func() error {
			res, ok, err := f.resolveOnHost(gctx, f.hosts[name], want)
			if err != nil {
				f.log.Info("skipping host while resolving hardware address", "host", name, "error", err.Error())
				return nil
			}

			if ok {
				mu.Lock()
				found = append(found, res)
				mu.Unlock()
			}

			return nil
		})
	}
	_ = g.Wait()

	if len(found) == 0 {
		return Resolution{}, errors.Join(fmt.Errorf("macAddress=%s", address), hypervisor.ErrNotFound)
	}

	slices.SortFunc(found, func(a, b Resolution) int {
		return strings.Compare(a.Host+"/"+a.Machine.DisplayName, b.Host+"/"+b.Machine.DisplayName)
	})

	return found[0], nil
}

func (f *Fleet) resolveOnHost(ctx context.Context, h *host, want string) (Resolution, bool, error) {
	if err := f.ensureLoaded(ctx, h); err != nil {
		return Resolution{}, false, err
	}

	h.mu.Lock()
	machines := slices.Clone(h.machines)
	h.mu.Unlock()

	drv, err := f.drivers.Get(ctx, h.Endpoint)
	if err != nil {
		return Resolution{}, false, err
	}

	for _, info := range machines {
		if info.HasSnapshot() {
			continue
		}

		m, err := drv.FindMachine(ctx, info)
		if err != nil {
			f.log.V(1).Info("failed to find machine", "host", h.Name, "machine", info.DisplayName, "error", err.Error())
			continue
		}

		mac, err := drv.HardwareAddress(ctx, m, 0)
		if err != nil {
			continue
		}

		if NormalizeHardwareAddress(mac) == want {
			return Resolution{Host: h.Name, Machine: info}, true, nil
		}
	}

	return Resolution{}, false, nil
}

// WithMachine starts the machine headless, runs fn, then pauses the machine. The machine is
// paused even when fn fails.
func (f *Fleet) WithMachine(ctx context.Context, hostName, machineName string, fn func(ctx context.Context) error) error {
	if _, err := f.StartMachine(ctx, hostName, machineName, hypervisor.SessionHeadless); err != nil {
		return err
	}

	err := fn(ctx)

	if _, stopErr := f.StopMachine(context.WithoutCancel(ctx), hostName, machineName, hypervisor.StopPause); stopErr != nil {
		err = errors.Join(err, stopErr, errStopMachine)
	}

	return err
}

// ShutdownAll disconnects every cached driver.
func (f *Fleet) ShutdownAll() {
	f.log.Info("disconnecting from every host")
	f.drivers.DisconnectAll()
}

func (f *Fleet) host(name string) (*host, error) {
	h, ok := f.hosts[name]
	if !ok {
		return nil, errors.Join(fmt.Errorf("host=%s", name), ErrUnknownHost)
	}

	return h, nil
}

// target resolves machineName on the host. A miss refreshes the machine list once before
// reporting hypervisor.ErrNotFound.
func (f *Fleet) target(ctx context.Context, hostName, machineName string) (lifecycle.Target, error) {
	h, err := f.host(hostName)
	if err != nil {
		return lifecycle.Target{}, err
	}

	if err := f.ensureLoaded(ctx, h); err != nil {
		return lifecycle.Target{}, err
	}

	info, ok := h.find(machineName)
	if !ok {
		f.log.V(1).Info("machine not found, refreshing host", "host", hostName, "machine", machineName)

		if err := f.refresh(ctx, h); err != nil {
			return lifecycle.Target{}, err
		}

		if info, ok = h.find(machineName); !ok {
			return lifecycle.Target{}, errors.Join(
				fmt.Errorf("host=%s machine=%s", hostName, machineName),
				hypervisor.ErrNotFound,
			)
		}
	}

	return lifecycle.Target{
		Endpoint: h.Endpoint,
		Machine:  info,
		Limiter:  h.limiter,
	}, nil
}

func (f *Fleet) ensureLoaded(ctx context.Context, h *host) error {
	h.mu.Lock()
	loaded := h.loaded
	h.mu.Unlock()

	if loaded {
		return nil
	}

	return f.refresh(ctx, h)
}

func (f *Fleet) refresh(ctx context.Context, h *host) error {
	machines, err := f.list(ctx, h)
	if errors.Is(err, hypervisor.ErrConnectionLost) {
		machines, err = f.list(ctx, h)
	}
	if err != nil {
		return errors.Join(err, fmt.Errorf("host=%s", h.Name), errListMachines)
	}

	h.mu.Lock()
	h.machines = machines
	h.loaded = true
	h.mu.Unlock()

	return nil
}

// list enumerates the host machines, invalidating the driver if the connection is lost.
func (f *Fleet) list(ctx context.Context, h *host) ([]driver.MachineInfo, error) {
	drv, err := f.drivers.Get(ctx, h.Endpoint)
	if err != nil {
		return nil, err
	}

	machines, err := drv.ListMachines(ctx)
	if errors.Is(err, hypervisor.ErrConnectionLost) {
		f.drivers.Invalidate(h.Endpoint, drv)
	}

	return machines, err
}

func (h *host) find(name string) (driver.MachineInfo, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, m := range h.machines {
		if m.DisplayName == name {
			return m, true
		}
	}

	return driver.MachineInfo{}, false
}

// NormalizeHardwareAddress strips separators from a MAC address and upper-cases it.
func NormalizeHardwareAddress(address string) string {
	return strings.ToUpper(strings.NewReplacer(":", "", "-", "", ".", "", " ", "").Replace(address))
}
