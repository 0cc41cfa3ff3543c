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

// Package hypervisorfake is an in-memory hypervisor.Protocol used by tests.
package hypervisorfake

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/alexandremahdhaoui/vmlauncher/pkg/hypervisor"
)

const DefaultVersion = "libvirt-10.0.0"

// Result is a scripted outcome of a long-running operation.
type Result struct {
	Code int64
	Text string
}

// Machine describes a fake machine. Exported fields may be set before the machine is
// handed to Fake.AddMachine.
type Machine struct {
	ID        string
	Name      string
	MACs      []string
	Snapshots []*hypervisor.SnapshotNode

	// States is consumed by successive State calls. The last element sticks. Mutating
	// operations replace the queue with the resulting state.
	States []hypervisor.MachineState

	// Results overrides the outcome of an operation keyed by its name: "LaunchProcess",
	// "PowerDown", "SaveState" or "RestoreSnapshot".
	Results map[string]Result

	// Hold, when non-nil, blocks WaitForCompletion until it is closed.
	Hold chan struct{}

	calls          []string
	locked         bool
	activeSessions int
	maxSessions    int
}

type endpoint struct {
	version    string
	generation int
	machines   []*Machine
}

// Fake implements hypervisor.Protocol.
type Fake struct {
	mu sync.Mutex

	endpoints map[string]*endpoint
	connects  map[string]int

	// ConnectErr is returned by every Connect call when set.
	ConnectErr error
}

var _ hypervisor.Protocol = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		endpoints: make(map[string]*endpoint),
		connects:  make(map[string]int),
	}
}

// SetVersion sets the version reported by connections to url.
func (f *Fake) SetVersion(url, version string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.endpoint(url).version = version

	return f
}

// AddMachine registers m on the endpoint at url.
func (f *Fake) AddMachine(url string, m *Machine) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(m.States) == 0 {
		m.States = []hypervisor.MachineState{hypervisor.StatePoweredOff}
	}

	ep := f.endpoint(url)
	ep.machines = append(ep.machines, m)

	return f
}

// Drop breaks every connection currently open against url.
func (f *Fake) Drop(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.endpoint(url).generation++
}

// Connects returns how many connections were opened against url.
func (f *Fake) Connects(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.connects[url]
}

// Calls returns the operations invoked on the machine with the given id, in order.
func (f *Fake) Calls(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if m := f.machineByID(id); m != nil {
		return slices.Clone(m.calls)
	}

	return nil
}

// MaxConcurrentSessions returns the highest number of sessions simultaneously held on
// the machine with the given id.
func (f *Fake) MaxConcurrentSessions(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	if m := f.machineByID(id); m != nil {
		return m.maxSessions
	}

	return 0
}

// SetState replaces the state queue of the machine with the given id.
func (f *Fake) SetState(id string, states ...hypervisor.MachineState) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if m := f.machineByID(id); m != nil {
		m.States = states
	}
}

// Connect implements hypervisor.Protocol.
func (f *Fake) Connect(_ context.Context, url, _, _ string) (hypervisor.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.connects[url]++
	if f.ConnectErr != nil {
		return nil, errors.Join(f.ConnectErr, hypervisor.ErrConnect)
	}

	ep := f.endpoint(url)

	return &conn{fake: f, ep: ep, generation: ep.generation}, nil
}

func (f *Fake) endpoint(url string) *endpoint {
	ep, ok := f.endpoints[url]
	if !ok {
		ep = &endpoint{version: DefaultVersion}
		f.endpoints[url] = ep
	}

	return ep
}

func (f *Fake) machineByID(id string) *Machine {
	for _, ep := range f.endpoints {
		for _, m := range ep.machines {
			if m.ID == id {
				return m
			}
		}
	}

	return nil
}

type conn struct {
	fake       *Fake
	ep         *endpoint
	generation int
	closed     bool
}

// check must be called with fake.mu held.
func (c *conn) check() error {
	if c.closed || c.generation != c.ep.generation {
		return hypervisor.ErrConnectionLost
	}

	return nil
}

func (c *conn) Version(_ context.Context) (string, error) {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()

	if err := c.check(); err != nil {
		return "", err
	}

	return c.ep.version, nil
}

func (c *conn) Disconnect() error {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()

	c.closed = true

	return nil
}

func (c *conn) ListMachines(_ context.Context) ([]hypervisor.MachineRecord, error) {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()

	if err := c.check(); err != nil {
		return nil, err
	}

	out := make([]hypervisor.MachineRecord, 0, len(c.ep.machines))
	for _, m := range c.ep.machines {
		out = append(out, hypervisor.MachineRecord{ID: m.ID, Name: m.Name, Snapshots: m.Snapshots})
	}

	return out, nil
}

func (c *conn) FindMachine(_ context.Context, idOrName string) (hypervisor.Machine, error) {
	c.fake.mu.Lock()
	defer c.fake.mu.Unlock()

	if err := c.check(); err != nil {
		return nil, err
	}

	for _, m := range c.ep.machines {
		if m.ID == idOrName || m.Name == idOrName {
			return &machine{conn: c, m: m}, nil
		}
	}

	return nil, errors.Join(fmt.Errorf("vmName=%s", idOrName), hypervisor.ErrNotFound)
}

type machine struct {
	conn *conn
	m    *Machine
}

func (m *machine) ID() string   { return m.m.ID }
func (m *machine) Name() string { return m.m.Name }

func (m *machine) State(_ context.Context) (hypervisor.MachineState, error) {
	m.conn.fake.mu.Lock()
	defer m.conn.fake.mu.Unlock()

	if err := m.conn.check(); err != nil {
		return hypervisor.StateNull, err
	}

	m.m.calls = append(m.m.calls, "State")

	state := m.m.States[0]
	if len(m.m.States) > 1 {
		m.m.States = m.m.States[1:]
	}

	return state, nil
}

func (m *machine) LockSession(_ context.Context, lock hypervisor.LockType) (hypervisor.Session, error) {
	m.conn.fake.mu.Lock()
	defer m.conn.fake.mu.Unlock()

	if err := m.conn.check(); err != nil {
		return nil, err
	}

	m.m.calls = append(m.m.calls, "LockSession:"+lock.String())

	if m.m.locked {
		return nil, hypervisor.ErrSessionLocked
	}

	m.m.locked = true
	m.m.activeSessions++
	m.m.maxSessions = max(m.m.maxSessions, m.m.activeSessions)

	return &session{machine: m}, nil
}

func (m *machine) HardwareAddress(_ context.Context, slot int) (string, error) {
	m.conn.fake.mu.Lock()
	defer m.conn.fake.mu.Unlock()

	if err := m.conn.check(); err != nil {
		return "", err
	}

	if slot < 0 || slot >= len(m.m.MACs) {
		return "", hypervisor.ErrNotFound
	}

	return m.m.MACs[slot], nil
}

type session struct {
	machine  *machine
	unlocked bool
}

func (s *session) Unlock(_ context.Context) error {
	s.machine.conn.fake.mu.Lock()
	defer s.machine.conn.fake.mu.Unlock()

	if s.unlocked {
		return errors.New("session already unlocked")
	}

	s.unlocked = true
	s.machine.m.locked = false
	s.machine.m.activeSessions--
	s.machine.m.calls = append(s.machine.m.calls, "Unlock")

	return nil
}

func (s *session) LaunchProcess(
	_ context.Context,
	sessionType hypervisor.SessionType,
	_ []string,
) (hypervisor.Progress, error) {
	return s.op("LaunchProcess", "LaunchProcess:"+string(sessionType), hypervisor.StateRunning)
}

func (s *session) PowerDown(_ context.Context) (hypervisor.Progress, error) {
	return s.op("PowerDown", "PowerDown", hypervisor.StatePoweredOff)
}

func (s *session) SaveState(_ context.Context) (hypervisor.Progress, error) {
	return s.op("SaveState", "SaveState", hypervisor.StateSaved)
}

func (s *session) Resume(_ context.Context) error {
	_, err := s.op("Resume", "Resume", hypervisor.StateRunning)

	return err
}

func (s *session) RestoreSnapshot(_ context.Context, snapshotID string) (hypervisor.Progress, error) {
	return s.op("RestoreSnapshot", "RestoreSnapshot:"+snapshotID, hypervisor.StateNull)
}

// op records the call and applies next on success. StateNull leaves the state unchanged.
func (s *session) op(name, call string, next hypervisor.MachineState) (hypervisor.Progress, error) {
	s.machine.conn.fake.mu.Lock()
	defer s.machine.conn.fake.mu.Unlock()

	if err := s.machine.conn.check(); err != nil {
		return nil, err
	}

	m := s.machine.m
	m.calls = append(m.calls, call)

	result := m.Results[name]
	if result.Code == 0 && next != hypervisor.StateNull {
		m.States = []hypervisor.MachineState{next}
	}

	return &progress{result: result, hold: m.Hold}, nil
}

type progress struct {
	result Result
	hold   chan struct{}
}

func (p *progress) WaitForCompletion(ctx context.Context, timeout time.Duration) (int64, error) {
	if p.hold == nil {
		return p.result.Code, nil
	}

	var deadline <-chan time.Time
	if timeout >= 0 {
		deadline = time.After(timeout)
	}

	select {
	case <-p.hold:
		return p.result.Code, nil
	case <-deadline:
		return 0, errors.New("timed out waiting for completion")
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *progress) ErrorText() string {
	return p.result.Text
}
