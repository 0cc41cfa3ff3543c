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

package virt

import (
	"errors"

	"libvirt.org/go/libvirt"

	"github.com/alexandremahdhaoui/vmlauncher/pkg/hypervisor"
)

// MapState translates a libvirt domain state and reason into a hypervisor.MachineState.
// managedSave reports whether a shut off domain has a managed save image.
func MapState(state libvirt.DomainState, reason int, managedSave bool) hypervisor.MachineState {
	switch state {
	case libvirt.DOMAIN_RUNNING, libvirt.DOMAIN_BLOCKED:
		return hypervisor.StateRunning
	case libvirt.DOMAIN_PAUSED:
		switch libvirt.DomainPausedReason(reason) {
		case libvirt.DOMAIN_PAUSED_STARTING_UP:
			return hypervisor.StateStarting
		case libvirt.DOMAIN_PAUSED_SAVE:
			return hypervisor.StateSaving
		case libvirt.DOMAIN_PAUSED_SNAPSHOT:
			return hypervisor.StateSnapshotting
		case libvirt.DOMAIN_PAUSED_MIGRATION:
			return hypervisor.StateTeleporting
		case libvirt.DOMAIN_PAUSED_IOERROR, libvirt.DOMAIN_PAUSED_CRASHED:
			return hypervisor.StateStuck
		default:
			return hypervisor.StatePaused
		}
	case libvirt.DOMAIN_SHUTDOWN:
		return hypervisor.StateStopping
	case libvirt.DOMAIN_SHUTOFF:
		if managedSave {
			return hypervisor.StateSaved
		}

		switch libvirt.DomainShutoffReason(reason) {
		case libvirt.DOMAIN_SHUTOFF_CRASHED, libvirt.DOMAIN_SHUTOFF_FAILED:
			return hypervisor.StateAborted
		case libvirt.DOMAIN_SHUTOFF_SAVED:
			return hypervisor.StateSaved
		default:
			return hypervisor.StatePoweredOff
		}
	case libvirt.DOMAIN_CRASHED:
		return hypervisor.StateAborted
	case libvirt.DOMAIN_PMSUSPENDED:
		return hypervisor.StatePaused
	default:
		return hypervisor.StateNull
	}
}

// classify joins err with the hypervisor sentinel matching its libvirt error code.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var lerr libvirt.Error
	if !errors.As(err, &lerr) {
		return err
	}

	switch lerr.Code {
	case libvirt.ERR_NO_DOMAIN, libvirt.ERR_NO_DOMAIN_SNAPSHOT:
		return errors.Join(err, hypervisor.ErrNotFound)
	case libvirt.ERR_NO_CONNECT, libvirt.ERR_INVALID_CONN, libvirt.ERR_RPC, libvirt.ERR_SYSTEM_ERROR:
		return errors.Join(err, hypervisor.ErrConnectionLost)
	case libvirt.ERR_AUTH_FAILED, libvirt.ERR_AUTH_CANCELLED:
		return errors.Join(err, hypervisor.ErrConnect)
	default:
		return err
	}
}
