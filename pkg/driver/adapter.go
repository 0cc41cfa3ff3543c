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
	"time"

	"github.com/alexandremahdhaoui/vmlauncher/pkg/hypervisor"
)

// NewSessionDriver returns the adapter for protocol generations with snapshot support. Machines
// are looked up by identifier.
func NewSessionDriver(conn hypervisor.Conn, version string) Driver {
	return &sessionDriver{conn: conn, version: version}
}

type sessionDriver struct {
	mu      sync.Mutex
	conn    hypervisor.Conn
	version string
}

func (d *sessionDriver) Version() string {
	return d.version
}

func (d *sessionDriver) Ping(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.conn.Version(ctx)

	return err
}

func (d *sessionDriver) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.conn.Disconnect()
}

func (d *sessionDriver) ListMachines(ctx context.Context) ([]MachineInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	records, err := d.conn.ListMachines(ctx)
	if err != nil {
		return nil, err
	}

	return Flatten(records), nil
}

func (d *sessionDriver) FindMachine(ctx context.Context, ref MachineInfo) (hypervisor.Machine, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	idOrName := ref.ID
	if idOrName == "" {
		idOrName = ref.Name
	}

	return d.conn.FindMachine(ctx, idOrName)
}

func (d *sessionDriver) State(ctx context.Context, m hypervisor.Machine) (hypervisor.MachineState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return m.State(ctx)
}

func (d *sessionDriver) HardwareAddress(ctx context.Context, m hypervisor.Machine, slot int) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return m.HardwareAddress(ctx, slot)
}

func (d *sessionDriver) LockSession(ctx context.Context, m hypervisor.Machine) (hypervisor.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return m.LockSession(ctx, hypervisor.LockShared)
}

func (d *sessionDriver) Unlock(ctx context.Context, s hypervisor.Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return s.Unlock(ctx)
}

func (d *sessionDriver) LaunchProcess(
	ctx context.Context,
	s hypervisor.Session,
	sessionType hypervisor.SessionType,
) (hypervisor.Progress, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return s.LaunchProcess(ctx, sessionType, nil)
}

func (d *sessionDriver) PowerDown(ctx context.Context, s hypervisor.Session) (hypervisor.Progress, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return s.PowerDown(ctx)
}

func (d *sessionDriver) SaveState(ctx context.Context, s hypervisor.Session) (hypervisor.Progress, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return s.SaveState(ctx)
}

func (d *sessionDriver) Resume(ctx context.Context, s hypervisor.Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	return s.Resume(ctx)
}

func (d *sessionDriver) RestoreSnapshot(
	ctx context.Context,
	s hypervisor.Session,
	snapshotID string,
) (hypervisor.Progress, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return s.RestoreSnapshot(ctx, snapshotID)
}

func (d *sessionDriver) WaitForCompletion(
	ctx context.Context,
	p hypervisor.Progress,
	timeout time.Duration,
) (int64, error) {
	return p.WaitForCompletion(ctx, timeout)
}

// NewLegacyDriver returns the adapter for the oldest protocol generation. Machines are looked
// up by name and snapshots are not available.
func NewLegacyDriver(conn hypervisor.Conn, version string) Driver {
	return &legacyDriver{sessionDriver: sessionDriver{conn: conn, version: version}}
}

type legacyDriver struct {
	sessionDriver
}

func (d *legacyDriver) ListMachines(ctx context.Context) ([]MachineInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	records, err := d.conn.ListMachines(ctx)
	if err != nil {
		return nil, err
	}

	for i := range records {
		records[i].Snapshots = nil
	}

	return Flatten(records), nil
}

func (d *legacyDriver) FindMachine(ctx context.Context, ref MachineInfo) (hypervisor.Machine, error) {
	if ref.HasSnapshot() {
		return nil, errors.Join(fmt.Errorf("version=%s snapshot=%s", d.version, ref.SnapshotPath),
			hypervisor.ErrNotSupported)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.conn.FindMachine(ctx, ref.Name)
}

func (d *legacyDriver) RestoreSnapshot(context.Context, hypervisor.Session, string) (hypervisor.Progress, error) {
	return nil, errors.Join(fmt.Errorf("version=%s", d.version), hypervisor.ErrNotSupported)
}
