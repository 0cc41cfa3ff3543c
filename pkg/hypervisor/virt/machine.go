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
	"context"
	"errors"
	"fmt"

	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"

	"github.com/alexandremahdhaoui/vmlauncher/pkg/hypervisor"
)

var (
	errGetDomainState = errors.New("failed to get domain state")
	errGetDomainXML   = errors.New("failed to get domain XML")
	errParseDomainXML = errors.New("failed to parse domain XML")
)

// Machine is a libvirt domain. It holds no libvirt handle; every call looks the domain
// up by UUID so that a Machine stays valid across domain redefinition.
type Machine struct {
	conn *Conn
	id   string
	name string
}

var _ hypervisor.Machine = (*Machine)(nil)

func (m *Machine) ID() string   { return m.id }
func (m *Machine) Name() string { return m.name }

// State returns the domain state translated into a hypervisor.MachineState.
func (m *Machine) State(_ context.Context) (hypervisor.MachineState, error) {
	dom, err := m.conn.lookup(m.id)
	if err != nil {
		return hypervisor.StateNull, err
	}
	defer func() { _ = dom.Free() }()

	state, reason, err := dom.GetState()
	if err != nil {
		return hypervisor.StateNull, errors.Join(classify(err), fmt.Errorf("vmName=%s", m.name), errGetDomainState)
	}

	managedSave := false
	if state == libvirt.DOMAIN_SHUTOFF {
		managedSave, err = dom.HasManagedSaveImage(0)
		if err != nil {
			return hypervisor.StateNull, errors.Join(classify(err), fmt.Errorf("vmName=%s", m.name), errGetDomainState)
		}
	}

	return MapState(state, reason, managedSave), nil
}

// LockSession marks the domain as held by this connection.
func (m *Machine) LockSession(_ context.Context, lock hypervisor.LockType) (hypervisor.Session, error) {
	if err := m.conn.lockSession(m.id); err != nil {
		return nil, errors.Join(fmt.Errorf("vmName=%s lock=%s", m.name, lock), err)
	}

	return &Session{machine: m}, nil
}

// HardwareAddress returns the MAC address of the network interface at index slot.
func (m *Machine) HardwareAddress(_ context.Context, slot int) (string, error) {
	dom, err := m.conn.lookup(m.id)
	if err != nil {
		return "", err
	}
	defer func() { _ = dom.Free() }()

	xml, err := dom.GetXMLDesc(0)
	if err != nil {
		return "", errors.Join(classify(err), fmt.Errorf("vmName=%s", m.name), errGetDomainXML)
	}

	domain := new(libvirtxml.Domain)
	if err := domain.Unmarshal(xml); err != nil {
		return "", errors.Join(err, fmt.Errorf("vmName=%s", m.name), errParseDomainXML)
	}

	if domain.Devices == nil || slot < 0 || slot >= len(domain.Devices.Interfaces) {
		return "", errors.Join(fmt.Errorf("vmName=%s slot=%d", m.name, slot), hypervisor.ErrNotFound)
	}

	iface := domain.Devices.Interfaces[slot]
	if iface.MAC == nil || iface.MAC.Address == "" {
		return "", errors.Join(fmt.Errorf("vmName=%s slot=%d", m.name, slot), hypervisor.ErrNotFound)
	}

	return iface.MAC.Address, nil
}
