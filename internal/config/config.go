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

// Package config loads the YAML configuration shared by vmlauncher and vmlauncherctl.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"github.com/alexandremahdhaoui/vmlauncher/internal/delegate"
	"github.com/alexandremahdhaoui/vmlauncher/internal/fleet"
	"github.com/alexandremahdhaoui/vmlauncher/internal/util/tlsutil"
	"github.com/alexandremahdhaoui/vmlauncher/pkg/driver"
	"github.com/alexandremahdhaoui/vmlauncher/pkg/hypervisor"
	"github.com/alexandremahdhaoui/vmlauncher/pkg/launcher"
	"github.com/alexandremahdhaoui/vmlauncher/pkg/lifecycle"
)

const (
	// PathEnvKey names the environment variable holding the config file path.
	PathEnvKey = "VMLAUNCHER_CONFIG_PATH"

	EnvAPIAddr     = "VMLAUNCHER_API_ADDR"
	EnvMetricsAddr = "VMLAUNCHER_METRICS_ADDR"
	EnvProbesAddr  = "VMLAUNCHER_PROBES_ADDR"
	EnvDevMode     = "VMLAUNCHER_DEV_MODE"

	// DefaultProtocol is used by hosts that do not name a protocol.
	DefaultProtocol = "libvirt"
)

var (
	ErrMissingPath = errors.New("config path must be set")
	ErrInvalid     = errors.New("invalid configuration")
)

// Config is the vmlauncher configuration. Listen addresses may be overridden through
// environment variables.
type Config struct {
	APIServer struct {
		// Addr is the listen address of the HTTP API.
		Addr string `json:"addr"`
		// Username and Password enable basic authentication when both are set.
		Username string `json:"username,omitempty"`
		Password string `json:"password,omitempty"`
		// TLS optionally serves the API over TLS, verifying client certificates if configured.
		TLS tlsutil.Config `json:"tls"`
	} `json:"apiServer"`

	MetricsServer struct {
		Addr string `json:"addr"`
		Path string `json:"path"`
	} `json:"metricsServer"`

	ProbesServer struct {
		Addr          string `json:"addr"`
		LivenessPath  string `json:"livenessPath"`
		ReadinessPath string `json:"readinessPath"`
	} `json:"probesServer"`

	DevelopmentMode bool `json:"developmentMode"`
	Verbosity       int  `json:"verbosity"`

	// PollInterval is the delay between state queries while a machine is transitioning.
	PollInterval metav1.Duration `json:"pollInterval"`

	Launch struct {
		// Backoff is the delay between two delegate attempts.
		Backoff metav1.Duration `json:"backoff"`
		// Attempts is the number of delegate attempts before giving up.
		Attempts int `json:"attempts"`
	} `json:"launch"`

	Hosts  []Host  `json:"hosts"`
	Agents []Agent `json:"agents"`
}

// Host is one hypervisor host.
type Host struct {
	Name     string `json:"name"`
	Protocol string `json:"protocol,omitempty"`
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	// PasswordFile is read when Password is empty.
	PasswordFile string `json:"passwordFile,omitempty"`
	// ActiveMachineLimit caps the machines started through vmlauncher at once. 0 is unlimited.
	ActiveMachineLimit int `json:"activeMachineLimit,omitempty"`
}

// Agent is one build agent and the machine backing it.
type Agent struct {
	Name string `json:"name"`
	Host string `json:"host"`
	// Machine is the machine name, optionally followed by a snapshot path: "vm/base/clean".
	Machine     string                 `json:"machine"`
	SessionType hypervisor.SessionType `json:"sessionType,omitempty"`
	StopMode    hypervisor.StopMode    `json:"stopMode,omitempty"`
	Delegate    delegate.Config        `json:"delegate"`
}

// New returns a Config holding the defaults.
func New() *Config {
	c := &Config{}
	c.APIServer.Addr = ":8080"
	c.MetricsServer.Addr = ":9090"
	c.MetricsServer.Path = "/metrics"
	c.ProbesServer.Addr = ":8081"
	c.ProbesServer.LivenessPath = "/healthz"
	c.ProbesServer.ReadinessPath = "/readyz"
	c.PollInterval = metav1.Duration{Duration: lifecycle.DefaultPollInterval}
	c.Launch.Backoff = metav1.Duration{Duration: launcher.DefaultBackoff}
	c.Launch.Attempts = launcher.DefaultAttempts

	return c
}

// Load reads the file at path, or at $VMLAUNCHER_CONFIG_PATH when path is empty, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(PathEnvKey)
	}

	if path == "" {
		return nil, errors.Join(fmt.Errorf("set --config or %s", PathEnvKey), ErrMissingPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes data over the defaults, applies environment overrides and validates the result.
func Parse(data []byte) (*Config, error) {
	c := New()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	c.applyEnvironmentOverrides()
	c.applyDefaults()

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Config) applyEnvironmentOverrides() {
	if v := os.Getenv(EnvAPIAddr); v != "" {
		c.APIServer.Addr = v
	}

	if v := os.Getenv(EnvMetricsAddr); v != "" {
		c.MetricsServer.Addr = v
	}

	if v := os.Getenv(EnvProbesAddr); v != "" {
		c.ProbesServer.Addr = v
	}

	if v := os.Getenv(EnvDevMode); v != "" {
		c.DevelopmentMode = parseBool(v)
	}
}

func (c *Config) applyDefaults() {
	for i := range c.Hosts {
		if c.Hosts[i].Protocol == "" {
			c.Hosts[i].Protocol = DefaultProtocol
		}
	}

	for i := range c.Agents {
		if c.Agents[i].SessionType == "" {
			c.Agents[i].SessionType = hypervisor.SessionHeadless
		}

		if c.Agents[i].StopMode == "" {
			c.Agents[i].StopMode = hypervisor.StopPause
		}
	}
}

// Validate reports every problem found in c.
func (c *Config) Validate() error {
	var errs []error

	if c.APIServer.Addr == "" {
		errs = append(errs, errors.New("apiServer.addr cannot be empty"))
	}

	if (c.APIServer.Username == "") != (c.APIServer.Password == "") {
		errs = append(errs, errors.New("apiServer.username and apiServer.password must be set together"))
	}

	if err := c.APIServer.TLS.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("apiServer.tls: %w", err))
	}

	if c.PollInterval.Duration <= 0 {
		errs = append(errs, errors.New("pollInterval must be positive"))
	}

	if c.Launch.Backoff.Duration < 0 {
		errs = append(errs, errors.New("launch.backoff cannot be negative"))
	}

	if c.Launch.Attempts < 1 {
		errs = append(errs, errors.New("launch.attempts must be at least 1"))
	}

	hosts := make(map[string]struct{}, len(c.Hosts))
	for i, h := range c.Hosts {
		switch {
		case h.Name == "":
			errs = append(errs, fmt.Errorf("hosts[%d].name cannot be empty", i))
		case h.URL == "":
			errs = append(errs, fmt.Errorf("hosts[%d].url cannot be empty", i))
		case h.Password != "" && h.PasswordFile != "":
			errs = append(errs, fmt.Errorf("hosts[%d]: password and passwordFile are mutually exclusive", i))
		case h.ActiveMachineLimit < 0:
			errs = append(errs, fmt.Errorf("hosts[%d].activeMachineLimit cannot be negative", i))
		}

		if _, ok := hosts[h.Name]; ok {
			errs = append(errs, fmt.Errorf("hosts[%d]: duplicate host %q", i, h.Name))
		}
		hosts[h.Name] = struct{}{}
	}

	agents := make(map[string]struct{}, len(c.Agents))
	for i, a := range c.Agents {
		if a.Name == "" {
			errs = append(errs, fmt.Errorf("agents[%d].name cannot be empty", i))
		}

		if _, ok := agents[a.Name]; ok {
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate agent %q", i, a.Name))
		}
		agents[a.Name] = struct{}{}

		if _, ok := hosts[a.Host]; !ok {
			errs = append(errs, fmt.Errorf("agents[%d]: unknown host %q", i, a.Host))
		}

		if a.Machine == "" {
			errs = append(errs, fmt.Errorf("agents[%d].machine cannot be empty", i))
		}

		if !a.SessionType.Valid() {
			errs = append(errs, fmt.Errorf("agents[%d]: invalid sessionType %q", i, a.SessionType))
		}

		if !a.StopMode.Valid() {
			errs = append(errs, fmt.Errorf("agents[%d]: invalid stopMode %q", i, a.StopMode))
		}

		if a.Delegate.Type != delegate.TypeSSH && a.Delegate.Type != delegate.TypeCommand {
			errs = append(errs, fmt.Errorf("agents[%d]: invalid delegate type %q", i, a.Delegate.Type))
		}

		if len(a.Delegate.LaunchCommand) == 0 {
			errs = append(errs, fmt.Errorf("agents[%d].delegate.launchCommand cannot be empty", i))
		}
	}

	if len(errs) > 0 {
		return errors.Join(append(errs, ErrInvalid)...)
	}

	return nil
}

// FleetHosts resolves the host passwords and returns the hosts in fleet form.
func (c *Config) FleetHosts() ([]fleet.Host, error) {
	out := make([]fleet.Host, 0, len(c.Hosts))

	for _, h := range c.Hosts {
		password := h.Password
		if h.PasswordFile != "" {
			b, err := os.ReadFile(h.PasswordFile)
			if err != nil {
				return nil, fmt.Errorf("reading password file of host %s: %w", h.Name, err)
			}

			password = strings.TrimRight(string(b), "\r\n")
		}

		out = append(out, fleet.Host{
			Name: h.Name,
			Endpoint: driver.Endpoint{
				Protocol: h.Protocol,
				URL:      h.URL,
				Username: h.Username,
				Password: password,
			},
			Limit: h.ActiveMachineLimit,
		})
	}

	return out, nil
}

// LauncherAgents returns the agents keyed by name.
func (c *Config) LauncherAgents() map[string]launcher.Agent {
	out := make(map[string]launcher.Agent, len(c.Agents))
	for _, a := range c.Agents {
		out[a.Name] = launcher.Agent{
			Name:        a.Name,
			Host:        a.Host,
			Machine:     a.Machine,
			SessionType: a.SessionType,
			StopMode:    a.StopMode,
		}
	}

	return out
}

func parseBool(v string) bool {
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}

	return strings.EqualFold(v, "yes")
}
