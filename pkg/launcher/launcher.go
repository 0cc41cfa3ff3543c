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

// Package launcher starts the machine of an agent, then hands off to a Delegate that brings
// the agent online.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/alexandremahdhaoui/vmlauncher/pkg/hypervisor"
	"github.com/alexandremahdhaoui/vmlauncher/pkg/lifecycle"
)

const (
	DefaultBackoff  = 10 * time.Second
	DefaultAttempts = 10
)

var (
	// ErrTimeout is returned when the delegate did not bring the agent online within the
	// configured number of attempts.
	ErrTimeout = errors.New("launcher: agent did not come online")

	errStartMachine = errors.New("failed to start machine")
	errStopMachine  = errors.New("failed to stop machine")
	errTeardown     = errors.New("failed to tear down agent")
)

// Agent is a build agent backed by a machine.
type Agent struct {
	Name        string                 `json:"name"`
	Host        string                 `json:"host"`
	Machine     string                 `json:"machine"`
	SessionType hypervisor.SessionType `json:"sessionType"`
	StopMode    hypervisor.StopMode    `json:"stopMode"`
}

// Machines starts and stops machines by host and machine name.
type Machines interface {
	StartMachine(ctx context.Context, host, machine string, sessionType hypervisor.SessionType) (int64, error)
	StopMachine(ctx context.Context, host, machine string, mode hypervisor.StopMode) (int64, error)
}

// Delegate brings an agent online once its machine runs.
type Delegate interface {
	// Launch returns nil once the agent is online.
	Launch(ctx context.Context, agent Agent) error
	Teardown(ctx context.Context, agent Agent) error
}

// BeforeDisconnecter is implemented by delegates that need to act before the agent is
// disconnected.
type BeforeDisconnecter interface {
	BeforeDisconnect(ctx context.Context, agent Agent) error
}

// Option configures a Launcher.
type Option func(*Launcher)

func WithClock(c clock.Clock) Option {
	return func(l *Launcher) {
		l.clock = c
	}
}

// WithBackoff sets the delay preceding each delegate attempt.
func WithBackoff(backoff time.Duration) Option {
	return func(l *Launcher) {
		l.backoff = backoff
	}
}

func WithAttempts(attempts int) Option {
	return func(l *Launcher) {
		l.attempts = attempts
	}
}

// WithAttemptHook registers fn to be called after each delegate attempt.
func WithAttemptHook(fn func(agent Agent, attempt int, err error)) Option {
	return func(l *Launcher) {
		l.onAttempt = fn
	}
}

type Launcher struct {
	machines Machines
	delegate Delegate
	log      logr.Logger

	clock     clock.Clock
	backoff   time.Duration
	attempts  int
	onAttempt func(agent Agent, attempt int, err error)
}

func New(machines Machines, delegate Delegate, log logr.Logger, opts ...Option) *Launcher {
	l := &Launcher{
		machines: machines,
		delegate: delegate,
		log:      log.WithName("launcher"),
		clock:    clock.RealClock{},
		backoff:  DefaultBackoff,
		attempts: DefaultAttempts,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Launch starts the machine of agent, then retries the delegate until the agent is online.
// When every attempt failed, the machine is stopped and ErrTimeout is returned.
func (l *Launcher) Launch(ctx context.Context, agent Agent) error {
	log := l.log.WithValues("agent", agent.Name, "host", agent.Host, "machine", agent.Machine)

	log.Info("starting machine", "sessionType", string(agent.SessionType))

	if code, err := l.machines.StartMachine(ctx, agent.Host, agent.Machine, agent.SessionType); err != nil {
		return errors.Join(err, fmt.Errorf("agent=%s resultCode=%d", agent.Name, code), errStartMachine)
	}

	var lastErr error
	for attempt := 1; attempt <= l.attempts; attempt++ {
		select {
		case <-ctx.Done():
			return errors.Join(lifecycle.ErrCancelled, ctx.Err(), fmt.Errorf("agent=%s attempt=%d", agent.Name, attempt))
		case <-l.clock.After(l.backoff):
		}

		log.Info("launching agent", "attempt", attempt, "attempts", l.attempts)

		lastErr = l.delegate.Launch(ctx, agent)
		if l.onAttempt != nil {
			l.onAttempt(agent, attempt, lastErr)
		}

		if lastErr == nil {
			log.Info("agent is online", "attempt", attempt)
			return nil
		}

		log.V(1).Info("agent is not online yet", "attempt", attempt, "error", lastErr.Error())
	}

	err := errors.Join(lastErr, fmt.Errorf("agent=%s attempts=%d", agent.Name, l.attempts), ErrTimeout)
	log.Error(err, "agent did not come online, stopping machine")

	if _, stopErr := l.machines.StopMachine(
		context.WithoutCancel(ctx),
		agent.Host,
		agent.Machine,
		agent.StopMode,
	); stopErr != nil {
		err = errors.Join(err, stopErr, errStopMachine)
	}

	return err
}

// BeforeDisconnect forwards to the delegate when it implements BeforeDisconnecter.
func (l *Launcher) BeforeDisconnect(ctx context.Context, agent Agent) error {
	if d, ok := l.delegate.(BeforeDisconnecter); ok {
		return d.BeforeDisconnect(ctx, agent)
	}

	return nil
}

// AfterDisconnect tears the agent down through the delegate, then stops its machine. The
// machine is stopped even when the teardown failed.
func (l *Launcher) AfterDisconnect(ctx context.Context, agent Agent) error {
	log := l.log.WithValues("agent", agent.Name, "host", agent.Host, "machine", agent.Machine)

	var errs []error

	if err := l.delegate.Teardown(ctx, agent); err != nil {
		log.Error(err, "failed to tear down agent")
		errs = append(errs, errors.Join(err, errTeardown))
	}

	log.Info("stopping machine", "stopMode", string(agent.StopMode))

	if code, err := l.machines.StopMachine(ctx, agent.Host, agent.Machine, agent.StopMode); err != nil {
		log.Error(err, "failed to stop machine", "resultCode", code)
		errs = append(errs, errors.Join(err, fmt.Errorf("agent=%s resultCode=%d", agent.Name, code), errStopMachine))
	}

	return errors.Join(errs...)
}
