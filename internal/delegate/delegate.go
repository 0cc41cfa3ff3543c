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

// Package delegate implements the mechanisms bringing an agent online once its machine runs.
package delegate

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/go-logr/logr"

	"github.com/alexandremahdhaoui/vmlauncher/internal/util/ssh"
	"github.com/alexandremahdhaoui/vmlauncher/pkg/execcontext"
	"github.com/alexandremahdhaoui/vmlauncher/pkg/launcher"
)

const (
	TypeSSH     = "ssh"
	TypeCommand = "command"
)

var (
	ErrUnknownType = errors.New("delegate: unknown type")

	errLaunch   = errors.New("failed to launch agent")
	errTeardown = errors.New("failed to tear down agent")
)

// Config configures a delegate. Commands may reference the agent through the
// VMLAUNCHER_AGENT, VMLAUNCHER_HOST and VMLAUNCHER_MACHINE environment variables.
type Config struct {
	Type string `json:"type"`

	LaunchCommand   []string          `json:"launchCommand"`
	TeardownCommand []string          `json:"teardownCommand,omitempty"`
	Envs            map[string]string `json:"envs,omitempty"`
	PrependCmd      []string          `json:"prependCmd,omitempty"`

	// SSH only.
	Address        string `json:"address,omitempty"`
	Port           string `json:"port,omitempty"`
	User           string `json:"user,omitempty"`
	PrivateKeyPath string `json:"privateKeyPath,omitempty"`
	Password       string `json:"password,omitempty"`
	// HostKey pins the machine's host key, in authorized_keys format.
	HostKey string `json:"hostKey,omitempty"`
}

// New returns the delegate described by cfg.
func New(cfg Config, log logr.Logger) (launcher.Delegate, error) {
	ec := execcontext.New(cfg.Envs, cfg.PrependCmd)

	switch cfg.Type {
	case TypeSSH:
		port := cfg.Port
		if port == "" {
			port = "22"
		}

		client := &ssh.Client{
			Host:     cfg.Address,
			Port:     port,
			User:     cfg.User,
			Password: cfg.Password,
		}

		if cfg.PrivateKeyPath != "" {
			c, err := ssh.NewClient(cfg.Address, cfg.User, cfg.PrivateKeyPath, port)
			if err != nil {
				return nil, err
			}

			c.Password = cfg.Password
			client = c
		}

		if cfg.HostKey != "" {
			key, err := ssh.ParseHostKey(cfg.HostKey)
			if err != nil {
				return nil, err
			}

			client.KnownHostKey = key
		}

		return NewSSH(client, ec, cfg.LaunchCommand, cfg.TeardownCommand, log), nil

	case TypeCommand:
		return NewCommand(ec, cfg.LaunchCommand, cfg.TeardownCommand, log), nil

	default:
		return nil, errors.Join(fmt.Errorf("type=%q", cfg.Type), ErrUnknownType)
	}
}

// agentEnvs describes agent to the commands run by delegates.
func agentEnvs(agent launcher.Agent) map[string]string {
	return map[string]string{
		"VMLAUNCHER_AGENT":   agent.Name,
		"VMLAUNCHER_HOST":    agent.Host,
		"VMLAUNCHER_MACHINE": agent.Machine,
	}
}

// SSH runs the launch and teardown commands on the agent machine over SSH. The agent is
// online once the launch command exits successfully.
type SSH struct {
	runner   ssh.Runner
	ec       execcontext.Context
	launch   []string
	teardown []string
	log      logr.Logger
}

func NewSSH(runner ssh.Runner, ec execcontext.Context, launch, teardown []string, log logr.Logger) *SSH {
	return &SSH{
		runner:   runner,
		ec:       ec,
		launch:   launch,
		teardown: teardown,
		log:      log.WithName("ssh-delegate"),
	}
}

func (d *SSH) Launch(ctx context.Context, agent launcher.Agent) error {
	stdout, stderr, err := d.runner.Run(ctx, execcontext.With(d.ec, agentEnvs(agent)), d.launch...)
	if err != nil {
		return errors.Join(err, fmt.Errorf("agent=%s stderr=%q", agent.Name, strings.TrimSpace(stderr)), errLaunch)
	}

	d.log.V(1).Info("agent launched", "agent", agent.Name, "stdout", strings.TrimSpace(stdout))

	return nil
}

func (d *SSH) Teardown(ctx context.Context, agent launcher.Agent) error {
	if len(d.teardown) == 0 {
		return nil
	}

	if _, stderr, err := d.runner.Run(ctx, execcontext.With(d.ec, agentEnvs(agent)), d.teardown...); err != nil {
		return errors.Join(err, fmt.Errorf("agent=%s stderr=%q", agent.Name, strings.TrimSpace(stderr)), errTeardown)
	}

	return nil
}

// Command runs the launch and teardown commands locally. The agent is online once the launch
// command exits successfully.
type Command struct {
	ec       execcontext.Context
	launch   []string
	teardown []string
	log      logr.Logger
}

func NewCommand(ec execcontext.Context, launch, teardown []string, log logr.Logger) *Command {
	return &Command{
		ec:       ec,
		launch:   launch,
		teardown: teardown,
		log:      log.WithName("command-delegate"),
	}
}

func (d *Command) Launch(ctx context.Context, agent launcher.Agent) error {
	out, err := d.run(ctx, agent, d.launch)
	if err != nil {
		return errors.Join(err, fmt.Errorf("agent=%s output=%q", agent.Name, out), errLaunch)
	}

	d.log.V(1).Info("agent launched", "agent", agent.Name, "output", out)

	return nil
}

func (d *Command) Teardown(ctx context.Context, agent launcher.Agent) error {
	if len(d.teardown) == 0 {
		return nil
	}

	if out, err := d.run(ctx, agent, d.teardown); err != nil {
		return errors.Join(err, fmt.Errorf("agent=%s output=%q", agent.Name, out), errTeardown)
	}

	return nil
}

func (d *Command) run(ctx context.Context, agent launcher.Agent, args []string) (string, error) {
	if len(args) == 0 {
		return "", errors.New("empty command")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = cmd.Environ()
	execcontext.ApplyToCmd(execcontext.With(d.ec, agentEnvs(agent)), cmd)

	out, err := cmd.CombinedOutput()

	return strings.TrimSpace(string(out)), err
}
