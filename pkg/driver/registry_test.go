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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandremahdhaoui/vmlauncher/internal/util/fakes/hypervisorfake"
	"github.com/alexandremahdhaoui/vmlauncher/pkg/driver"
	"github.com/alexandremahdhaoui/vmlauncher/pkg/hypervisor"
)

func TestDefaultRegistry_Lookup(t *testing.T) {
	conn := fakeConn(t)
	registry := driver.DefaultRegistry()

	for _, tc := range []struct {
		version string
		legacy  bool
	}{
		{version: "3.2.28", legacy: true},
		{version: "4.0.24", legacy: false},
		{version: "4.3.40", legacy: false},
		{version: "5.2.44", legacy: false},
		{version: "6.1.50", legacy: false},
		{version: "7.0.14", legacy: false},
		{version: "libvirt-0.9.8", legacy: true},
		{version: "libvirt-10.0.0", legacy: false},
	} {
		t.Run(tc.version, func(t *testing.T) {
			factory, err := registry.Lookup(tc.version)
			require.NoError(t, err)

			drv := factory(conn, tc.version)
			assert.Equal(t, tc.version, drv.Version())

			// Only the legacy generation refuses snapshot entries.
			_, err = drv.FindMachine(t.Context(), driver.MachineInfo{Name: "vm", SnapshotID: "s1"})
			if tc.legacy {
				assert.ErrorIs(t, err, hypervisor.ErrNotSupported)
			} else {
				assert.NotErrorIs(t, err, hypervisor.ErrNotSupported)
			}
		})
	}
}

func TestRegistry_Lookup_Unsupported(t *testing.T) {
	for _, version := range []string{"", "2.2.4", "8.0.0", "xen-4.17"} {
		_, err := driver.DefaultRegistry().Lookup(version)
		assert.ErrorIs(t, err, driver.ErrDriverUnsupported, version)
	}
}

func TestRegistry_FirstMatchWins(t *testing.T) {
	var picked string

	registry := driver.NewRegistry().
		Register("libvirt-1.", func(conn hypervisor.Conn, version string) driver.Driver {
			picked = "specific"
			return driver.NewSessionDriver(conn, version)
		}).
		Register("libvirt-", func(conn hypervisor.Conn, version string) driver.Driver {
			picked = "generic"
			return driver.NewSessionDriver(conn, version)
		})

	factory, err := registry.Lookup("libvirt-1.2.3")
	require.NoError(t, err)
	factory(nil, "libvirt-1.2.3")
	assert.Equal(t, "specific", picked)

	factory, err = registry.Lookup("libvirt-11.0.0")
	require.NoError(t, err)
	factory(nil, "libvirt-11.0.0")
	assert.Equal(t, "generic", picked)
}

func fakeConn(t *testing.T) hypervisor.Conn {
	t.Helper()

	fake := hypervisorfake.New().AddMachine("fake:///", &hypervisorfake.Machine{ID: "id-vm", Name: "vm"})

	conn, err := fake.Connect(t.Context(), "fake:///", "", "")
	require.NoError(t, err)

	return conn
}
