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

import "fmt"

// MachineState is the hypervisor-reported state of a machine.
type MachineState int

const (
	StateNull                   MachineState = 0
	StatePoweredOff             MachineState = 1
	StateSaved                  MachineState = 2
	StateTeleported             MachineState = 3
	StateAborted                MachineState = 4
	StateRunning                MachineState = 5
	StatePaused                 MachineState = 6
	StateStuck                  MachineState = 7
	StateTeleporting            MachineState = 8
	StateLiveSnapshotting       MachineState = 9
	StateStarting               MachineState = 10
	StateStopping               MachineState = 11
	StateSaving                 MachineState = 12
	StateRestoring              MachineState = 13
	StateTeleportingPausedVM    MachineState = 14
	StateTeleportingIn          MachineState = 15
	StateFaultTolerantSyncing   MachineState = 16
	StateDeletingSnapshotOnline MachineState = 17
	StateDeletingSnapshotPaused MachineState = 18
	StateOnlineSnapshotting     MachineState = 19
	StateRestoringSnapshot      MachineState = 20
	StateDeletingSnapshot       MachineState = 21
	StateSettingUp              MachineState = 22
	StateSnapshotting           MachineState = 23

	StateFirstTransient = StateTeleporting
	StateLastTransient  = StateSnapshotting
)

var stateNames = map[MachineState]string{
	StateNull:                   "Null",
	StatePoweredOff:             "PoweredOff",
	StateSaved:                  "Saved",
	StateTeleported:             "Teleported",
	StateAborted:                "Aborted",
	StateRunning:                "Running",
	StatePaused:                 "Paused",
	StateStuck:                  "Stuck",
	StateTeleporting:            "Teleporting",
	StateLiveSnapshotting:       "LiveSnapshotting",
	StateStarting:               "Starting",
	StateStopping:               "Stopping",
	StateSaving:                 "Saving",
	StateRestoring:              "Restoring",
	StateTeleportingPausedVM:    "TeleportingPausedVM",
	StateTeleportingIn:          "TeleportingIn",
	StateFaultTolerantSyncing:   "FaultTolerantSyncing",
	StateDeletingSnapshotOnline: "DeletingSnapshotOnline",
	StateDeletingSnapshotPaused: "DeletingSnapshotPaused",
	StateOnlineSnapshotting:     "OnlineSnapshotting",
	StateRestoringSnapshot:      "RestoringSnapshot",
	StateDeletingSnapshot:       "DeletingSnapshot",
	StateSettingUp:              "SettingUp",
	StateSnapshotting:           "Snapshotting",
}

func (s MachineState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("MachineState(%d)", int(s))
}

// IsTransient reports whether the state is an in-progress state that resolves on its own.
func (s MachineState) IsTransient() bool {
	return s >= StateFirstTransient && s <= StateLastTransient
}

// IsStopped reports whether the machine is in a stable, stopped state.
func (s MachineState) IsStopped() bool {
	switch s {
	case StatePoweredOff, StateSaved, StateAborted, StateTeleported:
		return true
	default:
		return false
	}
}

// SessionType selects how the machine process is launched (front-end / display mode).
type SessionType string

const (
	SessionHeadless SessionType = "headless"
	SessionGUI      SessionType = "gui"
	SessionSDL      SessionType = "sdl"
	SessionSeparate SessionType = "separate"
	SessionVRDP     SessionType = "vrdp"
)

// Valid reports whether t is one of the known session types.
func (t SessionType) Valid() bool {
	switch t {
	case SessionHeadless, SessionGUI, SessionSDL, SessionSeparate, SessionVRDP:
		return true
	default:
		return false
	}
}

// StopMode selects how a running machine is stopped.
type StopMode string

const (
	// StopPowerDown issues a hard power-down.
	StopPowerDown StopMode = "powerdown"
	// StopPause saves the machine state to disk, preserving resumability.
	StopPause StopMode = "pause"
)

// Valid reports whether m is one of the known stop modes.
func (m StopMode) Valid() bool {
	return m == StopPowerDown || m == StopPause
}

// LockType is the kind of lock a session holds on a machine.
type LockType int

const (
	LockNull   LockType = 0
	LockShared LockType = 1
	LockWrite  LockType = 2
	LockVM     LockType = 3
)

func (l LockType) String() string {
	switch l {
	case LockShared:
		return "Shared"
	case LockWrite:
		return "Write"
	case LockVM:
		return "VM"
	default:
		return "Null"
	}
}
