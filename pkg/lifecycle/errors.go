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

package lifecycle

import (
	"errors"
	"fmt"

	"github.com/alexandremahdhaoui/vmlauncher/pkg/hypervisor"
)

var (
	// ErrOperationFailed is matched by every *OperationError.
	ErrOperationFailed = errors.New("lifecycle: operation failed")
	// ErrCancelled is returned when the context is done while waiting on a machine.
	ErrCancelled = errors.New("lifecycle: cancelled")
	// ErrAlreadyRunning is returned when starting a snapshot of a machine that is running.
	ErrAlreadyRunning = errors.New("lifecycle: machine is already running, cannot restore snapshot")

	errLockSession = errors.New("failed to lock machine session")
	errFindMachine = errors.New("failed to find machine")
	errGetState    = errors.New("failed to get machine state")
	errGetDriver   = errors.New("failed to get driver")
)

// OperationError is a failure reported by the hypervisor through a non-zero result code.
type OperationError struct {
	Machine string
	State   hypervisor.MachineState
	Code    int64
	Text    string
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("machine %q in state %s: result code %d: %s", e.Machine, e.State, e.Code, e.Text)
}

func (e *OperationError) Is(target error) bool {
	return target == ErrOperationFailed
}
