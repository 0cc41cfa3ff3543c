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

// Package hypervisor defines the primitive, version-uniform operations exposed by a
// hypervisor management endpoint.
//
// A Protocol opens a Conn against an endpoint URL. A Conn enumerates and finds
// machines. Mutating operations go through a Session, which is an exclusive lock held
// against one Machine for the duration of one lifecycle operation:
//
//	conn, err := proto.Connect(ctx, url, username, password)
//	if err != nil {
//	    // handle error
//	}
//	defer conn.Disconnect()
//
//	m, err := conn.FindMachine(ctx, id)
//	if errors.Is(err, hypervisor.ErrNotFound) {
//	    // machine does not exist
//	}
//
//	s, err := m.LockSession(ctx, hypervisor.LockShared)
//	if err != nil {
//	    // handle error
//	}
//	defer s.Unlock(ctx)
//
//	p, err := s.PowerDown(ctx)
//	code, err := p.WaitForCompletion(ctx, hypervisor.NoTimeout)
//
// Long-running operations return a Progress. A zero result code means success; any
// other code is a hypervisor-reported failure whose text is available via
// Progress.ErrorText.
//
// # Machine states
//
// MachineState follows the numbering of the VirtualBox MachineState enumeration so that
// result and state contracts of the remote API are preserved across backends. Backends
// that do not natively report these states (see package virt) map their own states onto
// this enumeration.
package hypervisor
