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

// Package driver adapts hypervisor protocol generations to one uniform Driver interface
// and caches one live Driver per host endpoint.
package driver

import (
	"context"
	"errors"
	"time"

	"github.com/alexandremahdhaoui/vmlauncher/pkg/hypervisor"
)

var (
	// ErrDriverUnsupported is returned when no adapter matches the version reported by an endpoint.
	ErrDriverUnsupported = errors.New("driver: unsupported hypervisor version")
	// ErrUnknownProtocol is returned when an endpoint names a protocol that was not registered.
	ErrUnknownProtocol = errors.New("driver: unknown protocol")
)

// MachineInfo describes one startable entry of a host: either a machine or a snapshot of a
// machine. Snapshot entries carry the snapshot identifier and a DisplayName of the form
// "<machine>/<root snapshot>/.../<snapshot>".
type MachineInfo struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	DisplayName  string `json:"displayName"`
	SnapshotID   string `json:"snapshotID,omitempty"`
	SnapshotPath string `json:"snapshotPath,omitempty"`
}

// HasSnapshot reports whether the entry refers to a snapshot.
func (m MachineInfo) HasSnapshot() bool {
	return m.SnapshotID != ""
}

// Driver is the version-uniform set of primitives the lifecycle controller relies on.
//
// Implementations serialize calls issuing requests to the endpoint. WaitForCompletion is not
// serialized so that long-running operations on different machines of one host progress
// concurrently.
type Driver interface {
	// Version returns the version string the driver was created for.
	Version() string
	// Ping issues a no-op query to verify the connection is alive.
	Ping(ctx context.Context) error
	Disconnect() error

	// ListMachines returns the flattened machine and snapshot entries of the host.
	ListMachines(ctx context.Context) ([]MachineInfo, error)
	FindMachine(ctx context.Context, ref MachineInfo) (hypervisor.Machine, error)
	State(ctx context.Context, m hypervisor.Machine) (hypervisor.MachineState, error)
	HardwareAddress(ctx context.Context, m hypervisor.Machine, slot int) (string, error)

	LockSession(ctx context.Context, m hypervisor.Machine) (hypervisor.Session, error)
	Unlock(ctx context.Context, s hypervisor.Session) error
	LaunchProcess(
		ctx context.Context,
		s hypervisor.Session,
		sessionType hypervisor.SessionType,
	) (hypervisor.Progress, error)
	PowerDown(ctx context.Context, s hypervisor.Session) (hypervisor.Progress, error)
	SaveState(ctx context.Context, s hypervisor.Session) (hypervisor.Progress, error)
	Resume(ctx context.Context, s hypervisor.Session) error
	RestoreSnapshot(ctx context.Context, s hypervisor.Session, snapshotID string) (hypervisor.Progress, error)

	WaitForCompletion(ctx context.Context, p hypervisor.Progress, timeout time.Duration) (int64, error)
}
