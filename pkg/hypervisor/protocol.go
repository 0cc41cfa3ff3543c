// Copyright 2024 Alexandre Mahdhaoui
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

package hypervisor

import (
	"context"
	"time"
)

// NoTimeout makes WaitForCompletion block until the operation completes.
const NoTimeout time.Duration = -1

// Protocol opens connections to hypervisor endpoints speaking one remote management protocol.
type Protocol interface {
	// Connect opens an authenticated connection to the endpoint at url.
	Connect(ctx context.Context, url, username, password string) (Conn, error)
}

// Conn is an open connection to one hypervisor endpoint.
type Conn interface {
	// Version returns the version string reported by the endpoint.
	Version(ctx context.Context) (string, error)
	// Disconnect closes the connection. It is safe to call more than once.
	Disconnect() error
	// ListMachines enumerates every machine registered on the endpoint.
	ListMachines(ctx context.Context) ([]MachineRecord, error)
	// FindMachine returns the machine identified by idOrName or ErrNotFound.
	FindMachine(ctx context.Context, idOrName string) (Machine, error)
}

// MachineRecord describes one machine as returned by enumeration.
type MachineRecord struct {
	ID   string
	Name string
	// Snapshots holds the roots of the machine's snapshot tree, if any.
	Snapshots []*SnapshotNode
}

// SnapshotNode is one node of a machine's snapshot tree.
type SnapshotNode struct {
	ID       string
	Name     string
	Children []*SnapshotNode
}

// Machine is a handle to one machine on an endpoint.
type Machine interface {
	ID() string
	Name() string
	State(ctx context.Context) (MachineState, error)
	// LockSession opens a session on the machine. It blocks while the machine's session
	// is in a transient (spawning/unlocking) state.
	LockSession(ctx context.Context, lock LockType) (Session, error)
	// HardwareAddress returns the hardware (MAC) address of the network adapter in slot.
	HardwareAddress(ctx context.Context, slot int) (string, error)
}

// Session is an exclusive, short-lived lock on a machine.
type Session interface {
	Unlock(ctx context.Context) error
	LaunchProcess(ctx context.Context, sessionType SessionType, env []string) (Progress, error)
	PowerDown(ctx context.Context) (Progress, error)
	SaveState(ctx context.Context) (Progress, error)
	Resume(ctx context.Context) error
	RestoreSnapshot(ctx context.Context, snapshotID string) (Progress, error)
}

// Progress tracks a long-running hypervisor operation.
type Progress interface {
	// WaitForCompletion waits up to timeout (NoTimeout blocks) and returns the result code.
	WaitForCompletion(ctx context.Context, timeout time.Duration) (int64, error)
	// ErrorText returns the accumulated error chain, one message per line.
	ErrorText() string
}
