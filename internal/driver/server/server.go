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

// Package server exposes the fleet and the agent launcher to the build orchestration host
// over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"

	"github.com/alexandremahdhaoui/vmlauncher/internal/fleet"
	"github.com/alexandremahdhaoui/vmlauncher/pkg/driver"
	"github.com/alexandremahdhaoui/vmlauncher/pkg/hypervisor"
	"github.com/alexandremahdhaoui/vmlauncher/pkg/launcher"
	"github.com/alexandremahdhaoui/vmlauncher/pkg/lifecycle"
)

var (
	ErrUnknownAgent       = errors.New("unknown agent")
	ErrInvalidSessionType = errors.New("invalid session type")
	ErrInvalidStopMode    = errors.New("invalid stop mode")
	ErrMissingMACAddress  = errors.New("missing macAddress query parameter")
)

// Fleet is implemented by *fleet.Fleet.
type Fleet interface {
	Hosts() []string
	StartMachine(ctx context.Context, host, machine string, sessionType hypervisor.SessionType) (int64, error)
	StopMachine(ctx context.Context, host, machine string, mode hypervisor.StopMode) (int64, error)
	ListMachines(ctx context.Context, host string) ([]driver.MachineInfo, error)
	ResolveByHardwareAddress(ctx context.Context, address string) (fleet.Resolution, error)
}

// Launcher is implemented by *launcher.Launcher.
type Launcher interface {
	Launch(ctx context.Context, agent launcher.Agent) error
	BeforeDisconnect(ctx context.Context, agent launcher.Agent) error
	AfterDisconnect(ctx context.Context, agent launcher.Agent) error
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ResultResponse carries the hypervisor result code of a lifecycle operation.
type ResultResponse struct {
	ResultCode int64 `json:"resultCode"`
}

// ResolveResponse describes the agent and machine owning a hardware address.
type ResolveResponse struct {
	Agent   string             `json:"agent,omitempty"`
	Host    string             `json:"host"`
	Machine driver.MachineInfo `json:"machine"`
}

type server struct {
	fleet    Fleet
	launcher Launcher
	agents   map[string]launcher.Agent
	log      logr.Logger
}

// New returns the API handler.
func New(f Fleet, l Launcher, agents map[string]launcher.Agent, log logr.Logger) http.Handler {
	s := &server{
		fleet:    f,
		launcher: l,
		agents:   agents,
		log:      log.WithName("api"),
	}

	router := mux.NewRouter()
	router.Use(ClientIPMiddleware, RequestIDMiddleware, LoggingMiddleware(s.log))

	router.HandleFunc("/hosts", s.listHosts).Methods(http.MethodGet)
	router.HandleFunc("/hosts/{host}/machines", s.listMachines).Methods(http.MethodGet)
	router.HandleFunc("/hosts/{host}/machines/{machine:.+}/start", s.startMachine).Methods(http.MethodPost)
	router.HandleFunc("/hosts/{host}/machines/{machine:.+}/stop", s.stopMachine).Methods(http.MethodPost)

	router.HandleFunc("/agents/resolve", s.resolve).Methods(http.MethodGet)
	router.HandleFunc("/agents/{agent}/launch", s.launchAgent).Methods(http.MethodPost)
	router.HandleFunc("/agents/{agent}/disconnect", s.disconnectAgent).Methods(http.MethodPost)

	return router
}

func (s *server) listHosts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.fleet.Hosts())
}

func (s *server) listMachines(w http.ResponseWriter, r *http.Request) {
	machines, err := s.fleet.ListMachines(r.Context(), mux.Vars(r)["host"])
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusOK, machines)
}

func (s *server) startMachine(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	sessionType := hypervisor.SessionType(r.URL.Query().Get("sessionType"))
	if sessionType == "" {
		sessionType = hypervisor.SessionHeadless
	}

	if !sessionType.Valid() {
		writeError(r.Context(), w, errors.Join(fmt.Errorf("sessionType=%q", sessionType), ErrInvalidSessionType))
		return
	}

	code, err := s.fleet.StartMachine(r.Context(), vars["host"], vars["machine"], sessionType)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusOK, ResultResponse{ResultCode: code})
}

func (s *server) stopMachine(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	mode := hypervisor.StopMode(r.URL.Query().Get("stopMode"))
	if mode == "" {
		mode = hypervisor.StopPause
	}

	if !mode.Valid() {
		writeError(r.Context(), w, errors.Join(fmt.Errorf("stopMode=%q", mode), ErrInvalidStopMode))
		return
	}

	code, err := s.fleet.StopMachine(r.Context(), vars["host"], vars["machine"], mode)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	writeJSON(w, http.StatusOK, ResultResponse{ResultCode: code})
}

func (s *server) resolve(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("macAddress")
	if address == "" {
		writeError(r.Context(), w, ErrMissingMACAddress)
		return
	}

	res, err := s.fleet.ResolveByHardwareAddress(r.Context(), address)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	out := ResolveResponse{Host: res.Host, Machine: res.Machine}
	for name, agent := range s.agents {
		if agent.Host == res.Host && agent.Machine == res.Machine.DisplayName {
			out.Agent = name
			break
		}
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *server) launchAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.agent(mux.Vars(r)["agent"])
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	if err := s.launcher.Launch(r.Context(), agent); err != nil {
		writeError(r.Context(), w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *server) disconnectAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.agent(mux.Vars(r)["agent"])
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	if err := s.launcher.BeforeDisconnect(r.Context(), agent); err != nil {
		logr.FromContextOrDiscard(r.Context()).Error(err, "before disconnect hook failed", "agent", agent.Name)
	}

	if err := s.launcher.AfterDisconnect(r.Context(), agent); err != nil {
		writeError(r.Context(), w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *server) agent(name string) (launcher.Agent, error) {
	agent, ok := s.agents[name]
	if !ok {
		return launcher.Agent{}, errors.Join(fmt.Errorf("agent=%s", name), ErrUnknownAgent)
	}

	return agent, nil
}

// statusFor maps an error to the HTTP status describing it.
func statusFor(err error) int {
	switch {
	case errors.Is(err, hypervisor.ErrNotFound),
		errors.Is(err, fleet.ErrUnknownHost),
		errors.Is(err, ErrUnknownAgent):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidSessionType),
		errors.Is(err, ErrInvalidStopMode),
		errors.Is(err, ErrMissingMACAddress):
		return http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrAlreadyRunning),
		errors.Is(err, lifecycle.ErrOperationFailed):
		return http.StatusConflict
	case errors.Is(err, driver.ErrDriverUnsupported),
		errors.Is(err, hypervisor.ErrNotSupported):
		return http.StatusNotImplemented
	case errors.Is(err, launcher.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, lifecycle.ErrCancelled):
		return http.StatusServiceUnavailable
	case errors.Is(err, hypervisor.ErrConnect),
		errors.Is(err, hypervisor.ErrConnectionLost):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logr.FromContextOrDiscard(ctx).Error(err, "request failed", "status", status)
	}

	writeJSON(w, status, ErrorResponse{Code: status, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
