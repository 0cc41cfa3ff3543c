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
	"log/slog"
	"time"

	"libvirt.org/go/libvirt"

	"github.com/alexandremahdhaoui/vmlauncher/pkg/hypervisor"
)

// Session is a lock held on a domain through this connection.
//
// libvirt calls are synchronous: every returned Progress is already complete.
type Session struct {
	machine *Machine
}

var _ hypervisor.Session = (*Session)(nil)

// Unlock releases the session.
func (s *Session) Unlock(_ context.Context) error {
	return s.machine.conn.unlockSession(s.machine.id)
}

// LaunchProcess boots the domain. libvirt domains have no front-end process, so the
// session type and environment are only logged.
func (s *Session) LaunchProcess(
	ctx context.Context,
	sessionType hypervisor.SessionType,
	env []string,
) (hypervisor.Progress, error) {
	slog.DebugContext(ctx, "starting domain",
		"vmName", s.machine.name,
		"sessionType", string(sessionType),
		"env", env,
	)

	return s.do(func(dom *libvirt.Domain) error { return dom.Create() })
}

// PowerDown forcefully stops the domain.
func (s *Session) PowerDown(_ context.Context) (hypervisor.Progress, error) {
	return s.do(func(dom *libvirt.Domain) error { return dom.Destroy() })
}

// SaveState writes a managed save image and stops the domain.
func (s *Session) SaveState(_ context.Context) (hypervisor.Progress, error) {
	return s.do(func(dom *libvirt.Domain) error { return dom.ManagedSave(0) })
}

// Resume unpauses the domain.
func (s *Session) Resume(_ context.Context) error {
	p, err := s.do(func(dom *libvirt.Domain) error { return dom.Resume() })
	if err != nil {
		return err
	}

	if code, _ := p.WaitForCompletion(context.Background(), hypervisor.NoTimeout); code != 0 {
		return fmt.Errorf("failed to resume domain: vmName=%s: %s", s.machine.name, p.ErrorText())
	}

	return nil
}

// RestoreSnapshot reverts the domain to the snapshot named snapshotID.
func (s *Session) RestoreSnapshot(_ context.Context, snapshotID string) (hypervisor.Progress, error) {
	return s.do(func(dom *libvirt.Domain) error {
		snap, err := dom.SnapshotLookupByName(snapshotID, 0)
		if err != nil {
			return err
		}
		defer func() { _ = snap.Free() }()

		return snap.RevertToSnapshot(0)
	})
}

// do runs fn against a fresh domain handle. Failures reported by libvirt become the result
// code of the returned Progress, unless they mean the domain or the connection is gone.
func (s *Session) do(fn func(dom *libvirt.Domain) error) (hypervisor.Progress, error) {
	dom, err := s.machine.conn.lookup(s.machine.id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = dom.Free() }()

	err = fn(dom)
	if err == nil {
		return &progress{}, nil
	}

	classified := classify(err)
	if errors.Is(classified, hypervisor.ErrConnectionLost) || errors.Is(classified, hypervisor.ErrNotFound) {
		return nil, errors.Join(classified, fmt.Errorf("vmName=%s", s.machine.name))
	}

	p := &progress{code: 1, text: err.Error()}

	var lerr libvirt.Error
	if errors.As(err, &lerr) {
		p.code = int64(lerr.Code)
		p.text = lerr.Message
	}

	return p, nil
}

type progress struct {
	code int64
	text string
}

func (p *progress) WaitForCompletion(_ context.Context, _ time.Duration) (int64, error) {
	return p.code, nil
}

func (p *progress) ErrorText() string {
	return p.text
}
