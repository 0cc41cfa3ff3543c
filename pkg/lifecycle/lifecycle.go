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

// Package lifecycle drives machines between hypervisor states.
//
// StartVM and StopVM wait out transient states, then act on the stable state the machine
// settled in. A Controller never runs two operations against the same machine at once, and
// every session it opens is released before the operation returns.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/im7mortal/kmutex"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/alexandremahdhaoui/vmlauncher/pkg/capacity"
	"github.com/alexandremahdhaoui/vmlauncher/pkg/driver"
	"github.com/alexandremahdhaoui/vmlauncher/pkg/hypervisor"
)

const (
	DefaultPollInterval = time.Second

	OpStart = "start"
	OpStop  = "stop"
)

// DriverSource hands out the live driver of an endpoint. It is implemented by *driver.Cache.
type DriverSource interface {
	Get(ctx context.Context, ep driver.Endpoint) (driver.Driver, error)
	Invalidate(ep driver.Endpoint, drv driver.Driver)
}

// Target is a machine entry of a host along with the host's capacity limiter.
type Target struct {
	Endpoint driver.Endpoint
	Machine  driver.MachineInfo
	// Limiter may be nil when the host has no limit.
	Limiter *capacity.Limiter
}

func (t Target) key() string {
	id := t.Machine.ID
	if id == "" {
		id = t.Machine.Name
	}

	return t.Endpoint.Key() + "/" + id
}

func (t Target) acquire(ctx context.Context, machineID string) error {
	if t.Limiter == nil {
		return nil
	}

	if err := t.Limiter.Acquire(ctx, machineID); err != nil {
		if ctx.Err() != nil {
			return errors.Join(ErrCancelled, err)
		}

		return err
	}

	return nil
}

func (t Target) release(machineID string) bool {
	if t.Limiter == nil {
		return false
	}

	return t.Limiter.Release(machineID)
}

// Option configures a Controller.
type Option func(*Controller)

// WithPollInterval sets the interval between two state queries while a machine is in a
// transient state.
func WithPollInterval(interval time.Duration) Option {
	return func(c *Controller) {
		c.pollInterval = interval
	}
}

// WithOperationHook registers fn to be called after each StartVM or StopVM.
func WithOperationHook(fn func(op string, err error)) Option {
	return func(c *Controller) {
		c.onOperation = fn
	}
}

// Controller implements StartVM and StopVM.
type Controller struct {
	drivers      DriverSource
	locks        *kmutex.Kmutex
	log          logr.Logger
	pollInterval time.Duration
	onOperation  func(op string, err error)
}

func New(drivers DriverSource, log logr.Logger, opts ...Option) *Controller {
	c := &Controller{
		drivers:      drivers,
		locks:        kmutex.New(),
		log:          log.WithName("lifecycle"),
		pollInterval: DefaultPollInterval,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// StartVM brings the target machine to Running and returns the hypervisor result code, or -1
// when the operation failed before the hypervisor reported one.
func (c *Controller) StartVM(ctx context.Context, t Target, sessionType hypervisor.SessionType) (int64, error) {
	key := t.key()

	c.locks.Lock(key)
	defer c.locks.Unlock(key)

	code, err := c.withDriver(ctx, t, func(drv driver.Driver) (int64, error) {
		return c.start(ctx, drv, t, sessionType)
	})

	c.observe(OpStart, err)

	return code, err
}

// StopVM brings the target machine to a stopped state according to mode and returns the
// hypervisor result code, or -1 when the operation failed before the hypervisor reported one.
// The slot held by the machine is released once it is stopped.
func (c *Controller) StopVM(ctx context.Context, t Target, mode hypervisor.StopMode) (int64, error) {
	key := t.key()

	c.locks.Lock(key)
	defer c.locks.Unlock(key)

	code, err := c.withDriver(ctx, t, func(drv driver.Driver) (int64, error) {
		return c.stop(ctx, drv, t, mode)
	})

	c.observe(OpStop, err)

	return code, err
}

// withDriver runs fn with the endpoint driver. When the connection turns out to be lost, the
// driver is invalidated and fn runs once more against a fresh one.
func (c *Controller) withDriver(ctx context.Context, t Target, fn func(drv driver.Driver) (int64, error)) (int64, error) {
	drv, err := c.drivers.Get(ctx, t.Endpoint)
	if err != nil {
		return -1, errors.Join(err, fmt.Errorf("machine=%s", t.Machine.DisplayName), errGetDriver)
	}

	code, err := fn(drv)
	if !errors.Is(err, hypervisor.ErrConnectionLost) {
		return code, err
	}

	c.log.Info("lost connection, retrying", "machine", t.Machine.DisplayName, "endpoint", t.Endpoint.Key())
	c.drivers.Invalidate(t.Endpoint, drv)

	drv, getErr := c.drivers.Get(ctx, t.Endpoint)
	if getErr != nil {
		return -1, errors.Join(err, getErr, errGetDriver)
	}

	return fn(drv)
}

func (c *Controller) start(
	ctx context.Context,
	drv driver.Driver,
	t Target,
	sessionType hypervisor.SessionType,
) (int64, error) {
	log := c.log.WithValues("machine", t.Machine.DisplayName, "sessionType", string(sessionType))

	m, err := drv.FindMachine(ctx, t.Machine)
	if err != nil {
		return -1, errors.Join(err, fmt.Errorf("machine=%s", t.Machine.DisplayName), errFindMachine)
	}

	state, err := c.waitStable(ctx, drv, m)
	if err != nil {
		return -1, err
	}

	log.V(1).Info("starting machine", "state", state.String())

	switch state { //nolint:exhaustive
	case hypervisor.StateRunning:
		if t.Machine.HasSnapshot() {
			return -1, errors.Join(fmt.Errorf("machine=%s", t.Machine.DisplayName), ErrAlreadyRunning)
		}

		log.Info("machine is already running")

		return 0, nil

	case hypervisor.StateStuck:
		if err := t.acquire(ctx, m.ID()); err != nil {
			return -1, err
		}

		log.Info("powering down stuck machine")

		code, err := c.run(ctx, drv, m, state, drv.PowerDown)
		if err != nil {
			t.release(m.ID())
			return code, err
		}

		if state, err = c.waitStable(ctx, drv, m); err != nil {
			t.release(m.ID())
			return -1, err
		}

		log.V(1).Info("stuck machine powered down", "state", state.String())

	case hypervisor.StatePaused:
		if err := t.acquire(ctx, m.ID()); err != nil {
			return -1, err
		}

		if err := c.withSession(ctx, drv, m, func(s hypervisor.Session) error {
			return drv.Resume(ctx, s)
		}); err != nil {
			t.release(m.ID())
			return -1, err
		}

		log.Info("resumed paused machine")

		return 0, nil
	}

	if err := t.acquire(ctx, m.ID()); err != nil {
		return -1, err
	}

	code, err := c.launch(ctx, drv, t, m, state, sessionType)
	if err != nil {
		t.release(m.ID())
		return code, err
	}

	log.Info("machine started")

	return code, nil
}

func (c *Controller) launch(
	ctx context.Context,
	drv driver.Driver,
	t Target,
	m hypervisor.Machine,
	state hypervisor.MachineState,
	sessionType hypervisor.SessionType,
) (int64, error) {
	if t.Machine.HasSnapshot() {
		code, err := c.run(ctx, drv, m, state, func(ctx context.Context, s hypervisor.Session) (hypervisor.Progress, error) {
			return drv.RestoreSnapshot(ctx, s, t.Machine.SnapshotID)
		})
		if err != nil {
			return code, err
		}

		c.log.V(1).Info("restored snapshot", "machine", t.Machine.DisplayName, "snapshot", t.Machine.SnapshotPath)
	}

	return c.run(ctx, drv, m, state, func(ctx context.Context, s hypervisor.Session) (hypervisor.Progress, error) {
		return drv.LaunchProcess(ctx, s, sessionType)
	})
}

func (c *Controller) stop(ctx context.Context, drv driver.Driver, t Target, mode hypervisor.StopMode) (int64, error) {
	log := c.log.WithValues("machine", t.Machine.DisplayName, "stopMode", string(mode))

	m, err := drv.FindMachine(ctx, t.Machine)
	if err != nil {
		return -1, errors.Join(err, fmt.Errorf("machine=%s", t.Machine.DisplayName), errFindMachine)
	}

	state, err := c.waitStable(ctx, drv, m)
	if err != nil {
		return -1, err
	}

	if state.IsStopped() {
		if t.release(m.ID()) {
			log.V(1).Info("released slot of stopped machine", "state", state.String())
		}

		log.Info("machine is already stopped", "state", state.String())

		return 0, nil
	}

	var code int64

	switch {
	case state == hypervisor.StateStuck || mode == hypervisor.StopPowerDown:
		code, err = c.run(ctx, drv, m, state, drv.PowerDown)

	case t.Machine.HasSnapshot():
		code, err = c.run(ctx, drv, m, state, drv.PowerDown)
		if err != nil {
			return code, err
		}

		// The machine is off from here on, even if the restore below fails.
		t.release(m.ID())

		code, err = c.run(ctx, drv, m, state, func(ctx context.Context, s hypervisor.Session) (hypervisor.Progress, error) {
			return drv.RestoreSnapshot(ctx, s, t.Machine.SnapshotID)
		})

	default:
		code, err = c.run(ctx, drv, m, state, drv.SaveState)
	}

	if err != nil {
		return code, err
	}

	t.release(m.ID())
	log.Info("machine stopped")

	return code, nil
}

// waitStable queries the machine state until it is not transient.
func (c *Controller) waitStable(
	ctx context.Context,
	drv driver.Driver,
	m hypervisor.Machine,
) (hypervisor.MachineState, error) {
	var state hypervisor.MachineState

	err := wait.PollUntilContextCancel(ctx, c.pollInterval, true, func(ctx context.Context) (bool, error) {
		s, err := drv.State(ctx, m)
		if err != nil {
			return false, errors.Join(err, fmt.Errorf("machine=%s", m.Name()), errGetState)
		}

		state = s
		if s.IsTransient() {
			c.log.Info("waiting for machine to leave transient state", "machine", m.Name(), "state", s.String())
			return false, nil
		}

		return true, nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return state, errors.Join(ErrCancelled, ctxErr, fmt.Errorf("machine=%s state=%s", m.Name(), state))
		}

		return state, err
	}

	return state, nil
}

type operation func(ctx context.Context, s hypervisor.Session) (hypervisor.Progress, error)

// run executes op in its own session and waits for it to complete.
func (c *Controller) run(
	ctx context.Context,
	drv driver.Driver,
	m hypervisor.Machine,
	state hypervisor.MachineState,
	op operation,
) (int64, error) {
	code := int64(-1)

	err := c.withSession(ctx, drv, m, func(s hypervisor.Session) error {
		p, err := op(ctx, s)
		if err != nil {
			return err
		}

		code, err = drv.WaitForCompletion(ctx, p, hypervisor.NoTimeout)
		if err != nil {
			code = -1
			return err
		}

		if code != 0 {
			return &OperationError{Machine: m.Name(), State: state, Code: code, Text: p.ErrorText()}
		}

		return nil
	})

	return code, err
}

// withSession locks a session on m, runs fn and always unlocks the session.
func (c *Controller) withSession(
	ctx context.Context,
	drv driver.Driver,
	m hypervisor.Machine,
	fn func(s hypervisor.Session) error,
) error {
	s, err := drv.LockSession(ctx, m)
	if err != nil {
		return errors.Join(err, fmt.Errorf("machine=%s", m.Name()), errLockSession)
	}

	defer func() {
		if err := drv.Unlock(context.WithoutCancel(ctx), s); err != nil {
			c.log.Info("failed to unlock session", "machine", m.Name(), "error", err.Error())
		}
	}()

	return fn(s)
}

func (c *Controller) observe(op string, err error) {
	if c.onOperation != nil {
		c.onOperation(op, err)
	}
}
