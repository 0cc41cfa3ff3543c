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

// Package capacity bounds the number of machines concurrently running on one host.
package capacity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
	"k8s.io/apimachinery/pkg/util/sets"
)

var errAcquire = errors.New("failed to acquire capacity slot")

// Limiter is a counting semaphore whose slots are owned by machines. A machine holds at most
// one slot. Waiters are served in FIFO order.
type Limiter struct {
	limit int
	sem   *semaphore.Weighted

	mu      sync.Mutex
	holders sets.Set[string]
}

// New returns a limiter allowing limit concurrent slots. A limit lower than 1 means unlimited.
func New(limit int) *Limiter {
	l := &Limiter{
		limit:   limit,
		holders: sets.New[string](),
	}

	if limit >= 1 {
		l.sem = semaphore.NewWeighted(int64(limit))
	}

	return l
}

// Limit returns the configured limit, or 0 when unlimited.
func (l *Limiter) Limit() int {
	if l.sem == nil {
		return 0
	}

	return l.limit
}

// Acquire blocks until a slot is available for machineID or ctx is done. It returns
// immediately when the limiter is unlimited or when machineID already holds a slot.
func (l *Limiter) Acquire(ctx context.Context, machineID string) error {
	if l.sem == nil {
		return nil
	}

	if l.Holds(machineID) {
		return nil
	}

	if err := l.sem.Acquire(ctx, 1); err != nil {
		return errors.Join(err, fmt.Errorf("machine=%s", machineID), errAcquire)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Another caller acquired for the same machine while this one was waiting.
	if l.holders.Has(machineID) {
		l.sem.Release(1)
		return nil
	}

	l.holders.Insert(machineID)

	return nil
}

// Release returns the slot held by machineID. It reports whether a slot was released.
func (l *Limiter) Release(machineID string) bool {
	if l.sem == nil {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.holders.Has(machineID) {
		return false
	}

	l.holders.Delete(machineID)
	l.sem.Release(1)

	return true
}

// Holds reports whether machineID holds a slot.
func (l *Limiter) Holds(machineID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.holders.Has(machineID)
}

// InUse returns the number of outstanding slots.
func (l *Limiter) InUse() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.holders.Len()
}
