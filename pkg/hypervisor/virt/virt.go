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

// Package virt implements hypervisor.Protocol on top of libvirt.
//
// Machines are libvirt domains identified by their UUID. Snapshots are identified by
// their name, which libvirt guarantees to be unique per domain. libvirt has no notion of
// a machine session, so sessions are tracked by the connection itself.
package virt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/sets"
	"libvirt.org/go/libvirt"

	"github.com/alexandremahdhaoui/vmlauncher/pkg/hypervisor"
)

// VersionPrefix prefixes the version string reported by libvirt connections.
const VersionPrefix = "libvirt-"

var (
	errLookupDomain   = errors.New("failed to lookup domain")
	errListDomains    = errors.New("failed to list domains")
	errGetDomainName  = errors.New("failed to get domain name")
	errGetDomainUUID  = errors.New("failed to get domain uuid")
	errListSnapshots  = errors.New("failed to list domain snapshots")
	errGetLibVersion  = errors.New("failed to get libvirt version")
	errConnNotOpen    = errors.New("libvirt connection is not open")
	errSessionNotHeld = errors.New("session is not held")
)

// Protocol connects to libvirt URIs such as qemu:///system or qemu+ssh://host/system.
type Protocol struct{}

// New returns a libvirt protocol.
func New() *Protocol {
	return &Protocol{}
}

var _ hypervisor.Protocol = (*Protocol)(nil)

// Connect opens a libvirt connection. When username or password is set, they are
// answered to the authentication callback of the remote driver.
func (p *Protocol) Connect(ctx context.Context, url, username, password string) (hypervisor.Conn, error) {
	var (
		conn *libvirt.Connect
		err  error
	)

	if username == "" && password == "" {
		conn, err = libvirt.NewConnect(url)
	} else {
		auth := &libvirt.ConnectAuth{
			CredType: []libvirt.ConnectCredentialType{
				libvirt.CRED_AUTHNAME,
				libvirt.CRED_PASSPHRASE,
			},
			Callback: func(creds []*libvirt.ConnectCredential) {
				for _, cred := range creds {
					switch cred.Type {
					case libvirt.CRED_AUTHNAME:
						cred.Result = username
						cred.ResultLen = len(username)
					case libvirt.CRED_PASSPHRASE:
						cred.Result = password
						cred.ResultLen = len(password)
					}
				}
			},
		}
		conn, err = libvirt.NewConnectWithAuth(url, auth, 0)
	}
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("url=%s", url), hypervisor.ErrConnect)
	}

	slog.DebugContext(ctx, "opened libvirt connection", "url", url, "username", username)

	return &Conn{
		conn:     conn,
		url:      url,
		sessions: sets.New[string](),
	}, nil
}

// Conn is an open libvirt connection.
type Conn struct {
	conn *libvirt.Connect
	url  string

	mu       sync.Mutex
	sessions sets.Set[string]
}

var _ hypervisor.Conn = (*Conn)(nil)

// Version returns "libvirt-<major>.<minor>.<release>" for the daemon behind the connection.
func (c *Conn) Version(_ context.Context) (string, error) {
	if c.conn == nil {
		return "", errConnNotOpen
	}

	v, err := c.conn.GetLibVersion()
	if err != nil {
		return "", errors.Join(classify(err), errGetLibVersion)
	}

	return FormatVersion(v), nil
}

// FormatVersion renders a libvirt numeric version (major*1000000 + minor*1000 + release).
func FormatVersion(v uint32) string {
	return fmt.Sprintf("%s%d.%d.%d", VersionPrefix, v/1000000, (v/1000)%1000, v%1000)
}

// Disconnect closes the libvirt connection.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	_, err := c.conn.Close()
	c.conn = nil

	return err
}

// ListMachines enumerates every defined domain along with its snapshot tree.
func (c *Conn) ListMachines(ctx context.Context) ([]hypervisor.MachineRecord, error) {
	if c.conn == nil {
		return nil, errConnNotOpen
	}

	domains, err := c.conn.ListAllDomains(0)
	if err != nil {
		return nil, errors.Join(classify(err), errListDomains)
	}
	defer func() {
		for i := range domains {
			_ = domains[i].Free()
		}
	}()

	out := make([]hypervisor.MachineRecord, 0, len(domains))
	for i := range domains {
		dom := &domains[i]

		id, err := dom.GetUUIDString()
		if err != nil {
			return nil, errors.Join(classify(err), errGetDomainUUID)
		}

		name, err := dom.GetName()
		if err != nil {
			return nil, errors.Join(classify(err), fmt.Errorf("domainUUID=%s", id), errGetDomainName)
		}

		snapshots, err := snapshotTree(dom)
		if err != nil {
			slog.DebugContext(ctx, "failed to list snapshots", "vmName", name, "error", err.Error())
			snapshots = nil
		}

		out = append(out, hypervisor.MachineRecord{
			ID:        id,
			Name:      name,
			Snapshots: snapshots,
		})
	}

	return out, nil
}

// FindMachine looks a domain up by UUID, falling back to its name.
func (c *Conn) FindMachine(_ context.Context, idOrName string) (hypervisor.Machine, error) {
	dom, err := c.lookup(idOrName)
	if err != nil {
		return nil, err
	}
	defer func() { _ = dom.Free() }()

	id, err := dom.GetUUIDString()
	if err != nil {
		return nil, errors.Join(classify(err), errGetDomainUUID)
	}

	name, err := dom.GetName()
	if err != nil {
		return nil, errors.Join(classify(err), errGetDomainName)
	}

	return &Machine{conn: c, id: id, name: name}, nil
}

// lookup returns a domain handle that the caller must free.
func (c *Conn) lookup(idOrName string) (*libvirt.Domain, error) {
	if c.conn == nil {
		return nil, errConnNotOpen
	}

	var (
		dom *libvirt.Domain
		err error
	)

	if _, parseErr := uuid.Parse(idOrName); parseErr == nil {
		dom, err = c.conn.LookupDomainByUUIDString(idOrName)
	} else {
		dom, err = c.conn.LookupDomainByName(idOrName)
	}
	if err != nil {
		return nil, errors.Join(classify(err), fmt.Errorf("vmName=%s", idOrName), errLookupDomain)
	}

	return dom, nil
}

func (c *Conn) lockSession(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessions.Has(id) {
		return errors.Join(fmt.Errorf("domainUUID=%s", id), hypervisor.ErrSessionLocked)
	}

	c.sessions.Insert(id)

	return nil
}

func (c *Conn) unlockSession(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.sessions.Has(id) {
		return errors.Join(fmt.Errorf("domainUUID=%s", id), errSessionNotHeld)
	}

	c.sessions.Delete(id)

	return nil
}

// snapshotTree returns the snapshot roots of dom with their descendants.
func snapshotTree(dom *libvirt.Domain) ([]*hypervisor.SnapshotNode, error) {
	roots, err := dom.ListAllSnapshots(libvirt.DOMAIN_SNAPSHOT_LIST_ROOTS)
	if err != nil {
		return nil, errors.Join(classify(err), errListSnapshots)
	}

	return snapshotNodes(roots)
}

func snapshotNodes(snapshots []libvirt.DomainSnapshot) ([]*hypervisor.SnapshotNode, error) {
	defer func() {
		for i := range snapshots {
			_ = snapshots[i].Free()
		}
	}()

	out := make([]*hypervisor.SnapshotNode, 0, len(snapshots))
	for i := range snapshots {
		name, err := snapshots[i].GetName()
		if err != nil {
			return nil, errors.Join(classify(err), errListSnapshots)
		}

		children, err := snapshots[i].ListAllChildren(0)
		if err != nil {
			return nil, errors.Join(classify(err), errListSnapshots)
		}

		nodes, err := snapshotNodes(children)
		if err != nil {
			return nil, err
		}

		out = append(out, &hypervisor.SnapshotNode{
			ID:       name,
			Name:     name,
			Children: nodes,
		})
	}

	return out, nil
}
