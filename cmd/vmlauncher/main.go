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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/alexandremahdhaoui/vmlauncher/internal/config"
	"github.com/alexandremahdhaoui/vmlauncher/internal/delegate"
	"github.com/alexandremahdhaoui/vmlauncher/internal/driver/server"
	"github.com/alexandremahdhaoui/vmlauncher/internal/fleet"
	"github.com/alexandremahdhaoui/vmlauncher/internal/metrics"
	"github.com/alexandremahdhaoui/vmlauncher/internal/util/gracefulshutdown"
	"github.com/alexandremahdhaoui/vmlauncher/internal/util/httputil"
	"github.com/alexandremahdhaoui/vmlauncher/internal/util/logging"
	"github.com/alexandremahdhaoui/vmlauncher/internal/util/tlsutil"
	"github.com/alexandremahdhaoui/vmlauncher/pkg/driver"
	"github.com/alexandremahdhaoui/vmlauncher/pkg/hypervisor"
	"github.com/alexandremahdhaoui/vmlauncher/pkg/hypervisor/virt"
	"github.com/alexandremahdhaoui/vmlauncher/pkg/launcher"
	"github.com/alexandremahdhaoui/vmlauncher/pkg/lifecycle"
)

const Name = "vmlauncher"

var (
	Version        = "dev" //nolint:gochecknoglobals // set by ldflags
	CommitSHA      = "n/a" //nolint:gochecknoglobals // set by ldflags
	BuildTimestamp = "n/a" //nolint:gochecknoglobals // set by ldflags
)

// ------------------------------------------------- Main ----------------------------------------------------------- //

func main() {
	_, _ = fmt.Fprintf(os.Stdout, "Starting %s version %s (%s) %s\n", Name, Version, CommitSHA, BuildTimestamp)

	gs := gracefulshutdown.New(Name)

	// --------------------------------------------- Config --------------------------------------------------------- //

	cfg, err := config.Load("")
	if err != nil {
		slog.Error("loading configuration", "error", err.Error())
		gs.Shutdown(1)
		return
	}

	log := logging.Setup(logging.Options{Development: cfg.DevelopmentMode, Verbosity: cfg.Verbosity})

	// --------------------------------------------- Wiring --------------------------------------------------------- //

	app, err := newApp(cfg, log, prometheus.DefaultRegisterer)
	if err != nil {
		log.Error(err, "initializing")
		gs.Shutdown(1)
		return
	}

	// Hypervisor connections are released once every server has returned. Machines keep their state.
	gs.OnShutdown(app.close)

	// --------------------------------------------- Servers -------------------------------------------------------- //

	api := app.handler
	if cfg.APIServer.Username != "" {
		api = httputil.BasicAuth(api, httputil.StaticCredentials(cfg.APIServer.Username, cfg.APIServer.Password))
	}

	tlsConfig, err := tlsutil.Build(cfg.APIServer.TLS)
	if err != nil {
		log.Error(err, "building API server TLS configuration")
		gs.Shutdown(1)
		return
	}

	httputil.Serve(map[string]*http.Server{
		"api": { //nolint:exhaustruct
			Addr:              cfg.APIServer.Addr,
			Handler:           api,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 5 * time.Second,
		},
		"metrics": setupMetricsServer(cfg),
		"probes":  setupProbesServer(cfg, app.ready),
	}, gs)

	gs.Wait()
}

// protocols returns the hypervisor protocols selectable by hosts.
func protocols() map[string]hypervisor.Protocol {
	return map[string]hypervisor.Protocol{
		config.DefaultProtocol: virt.New(),
	}
}

type app struct {
	fleet   *fleet.Fleet
	handler http.Handler
	log     logr.Logger
}

func newApp(cfg *config.Config, log logr.Logger, reg prometheus.Registerer) (*app, error) {
	m := metrics.New(reg)
	registerBuildInfo(reg)

	cache := driver.NewCache(
		driver.DefaultRegistry(),
		protocols(),
		log,
		driver.WithReconnectHook(m.ObserveReconnect),
	)

	controller := lifecycle.New(
		cache,
		log,
		lifecycle.WithPollInterval(cfg.PollInterval.Duration),
		lifecycle.WithOperationHook(m.ObserveOperation),
	)

	hosts, err := cfg.FleetHosts()
	if err != nil {
		return nil, err
	}

	f, err := fleet.New(cache, controller, hosts, log)
	if err != nil {
		return nil, err
	}

	m.WatchSlots(f.SlotsInUse)

	router := make(delegate.Router, len(cfg.Agents))
	for _, a := range cfg.Agents {
		d, err := delegate.New(a.Delegate, log.WithValues("agent", a.Name))
		if err != nil {
			return nil, fmt.Errorf("configuring delegate of agent %s: %w", a.Name, err)
		}

		router[a.Name] = d
	}

	l := launcher.New(
		f,
		router,
		log,
		launcher.WithBackoff(cfg.Launch.Backoff.Duration),
		launcher.WithAttempts(cfg.Launch.Attempts),
		launcher.WithAttemptHook(m.ObserveAttempt),
	)

	return &app{
		fleet:   f,
		handler: server.New(f, l, cfg.LauncherAgents(), log),
		log:     log,
	}, nil
}

// ready succeeds when no host is configured or at least one host answers.
func (a *app) ready(r *http.Request) error {
	var errs []error

	for _, host := range a.fleet.Hosts() {
		if _, err := a.fleet.TestConnection(r.Context(), host); err != nil {
			errs = append(errs, err)
			continue
		}

		return nil
	}

	return errors.Join(errs...)
}

func (a *app) close(_ context.Context) {
	a.fleet.ShutdownAll()
	a.log.Info("gracefully stopped", "binary", Name)
}
