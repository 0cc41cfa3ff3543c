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

package driver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/alexandremahdhaoui/vmlauncher/pkg/hypervisor"
)

// Factory instantiates a Driver over an open connection.
type Factory func(conn hypervisor.Conn, version string) Driver

type registryEntry struct {
	prefix  string
	factory Factory
}

// Registry selects a Factory by version prefix. Prefixes are matched in registration order and
// the first match wins, so more specific prefixes must be registered first.
type Registry struct {
	entries []registryEntry
}

func NewRegistry() *Registry {
	return &Registry{}
}

// DefaultRegistry knows the legacy generation ("3." and libvirt 0.x) and the session generation
// ("4." to "7." and every other libvirt release).
func DefaultRegistry() *Registry {
	return NewRegistry().
		Register("3.", NewLegacyDriver).
		Register("libvirt-0.", NewLegacyDriver).
		Register("4.", NewSessionDriver).
		Register("5.", NewSessionDriver).
		Register("6.", NewSessionDriver).
		Register("7.", NewSessionDriver).
		Register("libvirt-", NewSessionDriver)
}

func (r *Registry) Register(prefix string, factory Factory) *Registry {
	r.entries = append(r.entries, registryEntry{prefix: prefix, factory: factory})

	return r
}

// Lookup returns the factory registered for version.
func (r *Registry) Lookup(version string) (Factory, error) {
	for _, e := range r.entries {
		if strings.HasPrefix(version, e.prefix) {
			return e.factory, nil
		}
	}

	return nil, errors.Join(fmt.Errorf("version=%q", version), ErrDriverUnsupported)
}
