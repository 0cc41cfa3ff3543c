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

package virt

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"libvirt.org/go/libvirt"

	"github.com/alexandremahdhaoui/vmlauncher/pkg/hypervisor"
)

func TestMapState(t *testing.T) {
	for _, tc := range []struct {
		name        string
		state       libvirt.DomainState
		reason      int
		managedSave bool
		expected    hypervisor.MachineState
	}{
		{"running", libvirt.DOMAIN_RUNNING, int(libvirt.DOMAIN_RUNNING_BOOTED), false, hypervisor.StateRunning},
		{"blocked", libvirt.DOMAIN_BLOCKED, 0, false, hypervisor.StateRunning},
		{"paused by user", libvirt.DOMAIN_PAUSED, int(libvirt.DOMAIN_PAUSED_USER), false, hypervisor.StatePaused},
		{"paused starting up", libvirt.DOMAIN_PAUSED, int(libvirt.DOMAIN_PAUSED_STARTING_UP), false, hypervisor.StateStarting},
		{"paused saving", libvirt.DOMAIN_PAUSED, int(libvirt.DOMAIN_PAUSED_SAVE), false, hypervisor.StateSaving},
		{"paused snapshot", libvirt.DOMAIN_PAUSED, int(libvirt.DOMAIN_PAUSED_SNAPSHOT), false, hypervisor.StateSnapshotting},
		{"paused migration", libvirt.DOMAIN_PAUSED, int(libvirt.DOMAIN_PAUSED_MIGRATION), false, hypervisor.StateTeleporting},
		{"paused io error", libvirt.DOMAIN_PAUSED, int(libvirt.DOMAIN_PAUSED_IOERROR), false, hypervisor.StateStuck},
		{"shutting down", libvirt.DOMAIN_SHUTDOWN, 0, false, hypervisor.StateStopping},
		{"shut off", libvirt.DOMAIN_SHUTOFF, int(libvirt.DOMAIN_SHUTOFF_SHUTDOWN), false, hypervisor.StatePoweredOff},
		{"shut off with managed save", libvirt.DOMAIN_SHUTOFF, int(libvirt.DOMAIN_SHUTOFF_SHUTDOWN), true, hypervisor.StateSaved},
		{"shut off after crash", libvirt.DOMAIN_SHUTOFF, int(libvirt.DOMAIN_SHUTOFF_CRASHED), false, hypervisor.StateAborted},
		{"shut off after failure", libvirt.DOMAIN_SHUTOFF, int(libvirt.DOMAIN_SHUTOFF_FAILED), false, hypervisor.StateAborted},
		{"crashed", libvirt.DOMAIN_CRASHED, 0, false, hypervisor.StateAborted},
		{"pm suspended", libvirt.DOMAIN_PMSUSPENDED, 0, false, hypervisor.StatePaused},
		{"no state", libvirt.DOMAIN_NOSTATE, 0, false, hypervisor.StateNull},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, MapState(tc.state, tc.reason, tc.managedSave))
		})
	}
}

func TestMapState_TransientStatesAreTransient(t *testing.T) {
	for _, reason := range []libvirt.DomainPausedReason{
		libvirt.DOMAIN_PAUSED_STARTING_UP,
		libvirt.DOMAIN_PAUSED_SAVE,
		libvirt.DOMAIN_PAUSED_SNAPSHOT,
		libvirt.DOMAIN_PAUSED_MIGRATION,
	} {
		assert.True(t, MapState(libvirt.DOMAIN_PAUSED, int(reason), false).IsTransient())
	}

	assert.False(t, MapState(libvirt.DOMAIN_PAUSED, int(libvirt.DOMAIN_PAUSED_USER), false).IsTransient())
	assert.True(t, MapState(libvirt.DOMAIN_SHUTOFF, 0, true).IsStopped())
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "libvirt-10.0.0", FormatVersion(10000000))
	assert.Equal(t, "libvirt-9.5.12", FormatVersion(9005012))
	assert.Equal(t, "libvirt-0.9.8", FormatVersion(9008))
}

func TestClassify(t *testing.T) {
	t.Run("no domain", func(t *testing.T) {
		err := classify(libvirt.Error{Code: libvirt.ERR_NO_DOMAIN, Message: "no domain"})
		assert.ErrorIs(t, err, hypervisor.ErrNotFound)
	})

	t.Run("rpc failure", func(t *testing.T) {
		err := classify(libvirt.Error{Code: libvirt.ERR_RPC, Message: "eof"})
		assert.ErrorIs(t, err, hypervisor.ErrConnectionLost)
	})

	t.Run("invalid connection", func(t *testing.T) {
		err := classify(libvirt.Error{Code: libvirt.ERR_INVALID_CONN})
		assert.ErrorIs(t, err, hypervisor.ErrConnectionLost)
	})

	t.Run("other libvirt error", func(t *testing.T) {
		err := classify(libvirt.Error{Code: libvirt.ERR_OPERATION_INVALID})
		assert.NotErrorIs(t, err, hypervisor.ErrNotFound)
		assert.NotErrorIs(t, err, hypervisor.ErrConnectionLost)
	})

	t.Run("non libvirt error", func(t *testing.T) {
		orig := errors.New("boom")
		assert.Equal(t, orig, classify(orig))
	})

	t.Run("nil", func(t *testing.T) {
		assert.NoError(t, classify(nil))
	})
}
