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

// Package gracefulshutdown coordinates process termination: a signal or an explicit Shutdown
// cancels a shared context, waits for registered goroutines, runs cleanup hooks and exits.
package gracefulshutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// DefaultHookTimeout bounds the time given to each cleanup hook.
const DefaultHookTimeout = 2 * time.Minute

// Hook is a cleanup function run once every tracked goroutine has returned.
type Hook func(ctx context.Context)

// GracefulShutdown owns the process lifetime context.
type GracefulShutdown struct {
	ctx    context.Context
	cancel context.CancelFunc
	name   string

	once      sync.Once
	readyOnce sync.Once
	wg        *sync.WaitGroup

	// ready is closed by Ready once every WaitGroup.Add call has been made.
	ready chan struct{}
	// done is closed once Shutdown has returned from exit.
	done chan struct{}

	hooksMu     sync.Mutex
	hooks       []Hook
	hookTimeout time.Duration

	exit func(int)
}

// New returns a GracefulShutdown cancelled by SIGTERM or SIGINT that exits the process.
func New(name string) *GracefulShutdown {
	return NewWithExit(name, os.Exit)
}

// NewWithExit is New with an injectable exit function.
func NewWithExit(name string, exit func(int)) *GracefulShutdown {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)

	gs := &GracefulShutdown{
		ctx:         ctx,
		cancel:      cancel,
		name:        name,
		wg:          &sync.WaitGroup{},
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
		hookTimeout: DefaultHookTimeout,
		exit:        exit,
	}

	go func() {
		select {
		case <-gs.ready:
			<-ctx.Done()
		case <-ctx.Done():
			slog.Warn("context cancelled before Ready was called", "name", name)
		}

		gs.Shutdown(0)
	}()

	return gs
}

// OnShutdown registers fn to run during Shutdown. Hooks run in reverse registration order.
func (s *GracefulShutdown) OnShutdown(fn Hook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()

	s.hooks = append(s.hooks, fn)
}

// SetHookTimeout overrides DefaultHookTimeout.
func (s *GracefulShutdown) SetHookTimeout(d time.Duration) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()

	s.hookTimeout = d
}

// Shutdown cancels the context, waits for tracked goroutines, runs the hooks and exits with
// exitCode. Only the first call has any effect.
func (s *GracefulShutdown) Shutdown(exitCode int) {
	s.once.Do(func() {
		slog.Info("gracefully shutting down", "name", s.name, "exitCode", exitCode)

		s.cancel()
		s.wg.Wait()

		s.hooksMu.Lock()
		hooks := make([]Hook, len(s.hooks))
		copy(hooks, s.hooks)
		timeout := s.hookTimeout
		s.hooksMu.Unlock()

		for i := len(hooks) - 1; i >= 0; i-- {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			hooks[i](ctx)
			cancel()
		}

		s.exit(exitCode)
		close(s.done)
	})
}

// Wait blocks until Shutdown completes. With os.Exit as exit function it never returns.
func (s *GracefulShutdown) Wait() {
	<-s.done
}

// Context returns the process lifetime context.
func (s *GracefulShutdown) Context() context.Context {
	return s.ctx
}

// CancelFunc returns the function cancelling Context.
func (s *GracefulShutdown) CancelFunc() context.CancelFunc {
	return s.cancel
}

// WaitGroup tracks goroutines Shutdown must wait for.
func (s *GracefulShutdown) WaitGroup() *sync.WaitGroup {
	return s.wg
}

// Ready must be called once every goroutine has been added to the WaitGroup.
func (s *GracefulShutdown) Ready() {
	s.readyOnce.Do(func() {
		close(s.ready)
	})
}
