// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hypervisor

import "errors"

var (
	// ErrNotFound is returned when a machine or snapshot does not exist.
	ErrNotFound = errors.New("hypervisor: not found")
	// ErrConnectionLost is returned when the endpoint connection is gone.
	ErrConnectionLost = errors.New("hypervisor: connection lost")
	// ErrConnect is returned when a connection cannot be established.
	ErrConnect = errors.New("hypervisor: cannot connect")
	// ErrNotSupported is returned when the protocol generation lacks an operation.
	ErrNotSupported = errors.New("hypervisor: operation not supported")
	// ErrSessionLocked is returned when a machine already has an open session.
	ErrSessionLocked = errors.New("hypervisor: machine session already locked")
)
