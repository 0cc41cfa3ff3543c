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

package launcher_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/alexandremahdhaoui/vmlauncher/pkg/hypervisor"
	"github.com/alexandremahdhaoui/vmlauncher/pkg/launcher"
	"github.com/alexandremahdhaoui/vmlauncher/pkg/lifecycle"
)

type machinesMock struct {
	mock.Mock
}

func (m *machinesMock) StartMachine(
	ctx context.Context,
	host, machine string,
	sessionType hypervisor.SessionType,
) (int64, error) {
	args := m.Called(ctx, host, machine, sessionType)
	return args.Get(0).(int64), args.Error(1)
}

func (m *machinesMock) StopMachine(
	ctx context.Context,
	host, machine string,
	mode hypervisor.StopMode,
) (int64, error) {
	args := m.Called(ctx, host, machine, mode)
	return args.Get(0).(int64), args.Error(1)
}

// delegateFake comes online at the given attempt; 0 means never.
type delegateFake struct {
	mu          sync.Mutex
	onlineAt    int
	launches    int
	teardowns   int
	teardownErr error
	calls       []string
}

func (d *delegateFake) Launch(context.Context, launcher.Agent) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.launches++
	d.calls = append(d.calls, "launch")

	if d.onlineAt != 0 && d.launches >= d.onlineAt {
		return nil
	}

	return errors.New("connection refused")
}

func (d *delegateFake) Teardown(context.Context, launcher.Agent) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.teardowns++
	d.calls = append(d.calls, "teardown")

	return d.teardownErr
}

func (d *delegateFake) Launches() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.launches
}

var agent = launcher.Agent{
	Name:        "agent-1",
	Host:        "host-a",
	Machine:     "builder/base",
	SessionType: hypervisor.SessionHeadless,
	StopMode:    hypervisor.StopPause,
}

// launchAsync runs Launch and steps the fake clock each time the launcher waits on it.
func launchAsync(t *testing.T, l *launcher.Launcher, fc *testingclock.FakeClock, steps int) error {
	t.Helper()

	done := make(chan error, 1)
	go func() { done <- l.Launch(context.Background(), agent) }()

	for range steps {
		require.Eventually(t, fc.HasWaiters, 5*time.Second, time.Millisecond)
		fc.Step(launcher.DefaultBackoff)
	}

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("launch did not return")
		return nil
	}
}

func TestLaunch_OnlineAfterRetries(t *testing.T) {
	machines := new(machinesMock)
	machines.On("StartMachine", mock.Anything, "host-a", "builder/base", hypervisor.SessionHeadless).
		Return(int64(0), nil).Once()

	delegate := &delegateFake{onlineAt: 3}
	start := time.Now()
	fc := testingclock.NewFakeClock(start)
	l := launcher.New(machines, delegate, logr.Discard(), launcher.WithClock(fc))

	err := launchAsync(t, l, fc, 3)
	require.NoError(t, err)

	assert.Equal(t, 3, delegate.Launches())
	assert.Equal(t, 3*launcher.DefaultBackoff, fc.Since(start))
	machines.AssertExpectations(t)
}

func TestLaunch_Timeout(t *testing.T) {
	machines := new(machinesMock)
	machines.On("StartMachine", mock.Anything, "host-a", "builder/base", hypervisor.SessionHeadless).
		Return(int64(0), nil).Once()
	machines.On("StopMachine", mock.Anything, "host-a", "builder/base", hypervisor.StopPause).
		Return(int64(0), nil).Once()

	var attempts []int
	delegate := &delegateFake{}
	start := time.Now()
	fc := testingclock.NewFakeClock(start)
	l := launcher.New(machines, delegate, logr.Discard(),
		launcher.WithClock(fc),
		launcher.WithAttemptHook(func(_ launcher.Agent, attempt int, err error) {
			assert.Error(t, err)
			attempts = append(attempts, attempt)
		}),
	)

	err := launchAsync(t, l, fc, launcher.DefaultAttempts)
	assert.ErrorIs(t, err, launcher.ErrTimeout)

	assert.Equal(t, launcher.DefaultAttempts, delegate.Launches())
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, attempts)
	assert.Equal(t, launcher.DefaultAttempts*launcher.DefaultBackoff, fc.Since(start))
	machines.AssertExpectations(t)
}

func TestLaunch_StartFails(t *testing.T) {
	machines := new(machinesMock)
	machines.On("StartMachine", mock.Anything, "host-a", "builder/base", hypervisor.SessionHeadless).
		Return(int64(-1), hypervisor.ErrNotFound).Once()

	delegate := &delegateFake{onlineAt: 1}
	l := launcher.New(machines, delegate, logr.Discard(), launcher.WithClock(testingclock.NewFakeClock(time.Now())))

	err := l.Launch(t.Context(), agent)
	assert.ErrorIs(t, err, hypervisor.ErrNotFound)
	assert.Zero(t, delegate.Launches())
	machines.AssertExpectations(t)
}

func TestLaunch_Cancelled(t *testing.T) {
	machines := new(machinesMock)
	machines.On("StartMachine", mock.Anything, "host-a", "builder/base", hypervisor.SessionHeadless).
		Return(int64(0), nil).Once()

	delegate := &delegateFake{}
	fc := testingclock.NewFakeClock(time.Now())
	l := launcher.New(machines, delegate, logr.Discard(), launcher.WithClock(fc))

	ctx, cancel := context.WithCancel(t.Context())

	done := make(chan error, 1)
	go func() { done <- l.Launch(ctx, agent) }()

	require.Eventually(t, fc.HasWaiters, 5*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, lifecycle.ErrCancelled)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("launch did not return after cancellation")
	}

	assert.Zero(t, delegate.Launches())
	machines.AssertExpectations(t)
}

func TestAfterDisconnect(t *testing.T) {
	t.Run("teardown then stop", func(t *testing.T) {
		machines := new(machinesMock)
		delegate := &delegateFake{}

		machines.On("StopMachine", mock.Anything, "host-a", "builder/base", hypervisor.StopPause).
			Run(func(mock.Arguments) {
				assert.Equal(t, 1, delegate.teardowns)
			}).
			Return(int64(0), nil).Once()

		l := launcher.New(machines, delegate, logr.Discard())
		require.NoError(t, l.AfterDisconnect(t.Context(), agent))
		machines.AssertExpectations(t)
	})

	t.Run("teardown failure still stops", func(t *testing.T) {
		machines := new(machinesMock)
		machines.On("StopMachine", mock.Anything, "host-a", "builder/base", hypervisor.StopPause).
			Return(int64(0), nil).Once()

		teardownErr := errors.New("ssh: handshake failed")
		delegate := &delegateFake{teardownErr: teardownErr}

		l := launcher.New(machines, delegate, logr.Discard())
		err := l.AfterDisconnect(t.Context(), agent)
		assert.ErrorIs(t, err, teardownErr)
		machines.AssertExpectations(t)
	})

	t.Run("stop failure", func(t *testing.T) {
		machines := new(machinesMock)
		machines.On("StopMachine", mock.Anything, "host-a", "builder/base", hypervisor.StopPause).
			Return(int64(4), &lifecycle.OperationError{Machine: "builder", Code: 4, Text: "busy"}).Once()

		l := launcher.New(machines, &delegateFake{}, logr.Discard())
		err := l.AfterDisconnect(t.Context(), agent)
		assert.ErrorIs(t, err, lifecycle.ErrOperationFailed)
		machines.AssertExpectations(t)
	})
}

type beforeDisconnectDelegate struct {
	delegateFake
	called bool
}

func (d *beforeDisconnectDelegate) BeforeDisconnect(context.Context, launcher.Agent) error {
	d.called = true
	return nil
}

func TestBeforeDisconnect(t *testing.T) {
	d := &beforeDisconnectDelegate{}
	l := launcher.New(new(machinesMock), d, logr.Discard())

	require.NoError(t, l.BeforeDisconnect(t.Context(), agent))
	assert.True(t, d.called)

	// Delegates without the hook are a no-op.
	l = launcher.New(new(machinesMock), &delegateFake{}, logr.Discard())
	require.NoError(t, l.BeforeDisconnect(t.Context(), agent))
}
