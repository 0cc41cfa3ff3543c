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

package delegate

import (
	"context"
	"errors"
	"fmt"

	"github.com/alexandremahdhaoui/vmlauncher/pkg/launcher"
)

var ErrNoDelegate = errors.New("delegate: no delegate configured for agent")

// Router dispatches to the delegate registered for the agent's name.
type Router map[string]launcher.Delegate

var (
	_ launcher.Delegate           = Router(nil)
	_ launcher.BeforeDisconnecter = Router(nil)
)

func (r Router) get(agent launcher.Agent) (launcher.Delegate, error) {
	d, ok := r[agent.Name]
	if !ok {
		return nil, errors.Join(fmt.Errorf("agent=%s", agent.Name), ErrNoDelegate)
	}

	return d, nil
}

func (r Router) Launch(ctx context.Context, agent launcher.Agent) error {
	d, err := r.get(agent)
	if err != nil {
		return err
	}

	return d.Launch(ctx, agent)
}

func (r Router) Teardown(ctx context.Context, agent launcher.Agent) error {
	d, err := r.get(agent)
	if err != nil {
		return err
	}

	return d.Teardown(ctx, agent)
}

func (r Router) BeforeDisconnect(ctx context.Context, agent launcher.Agent) error {
	d, err := r.get(agent)
	if err != nil {
		return err
	}

	if bd, ok := d.(launcher.BeforeDisconnecter); ok {
		return bd.BeforeDisconnect(ctx, agent)
	}

	return nil
}
