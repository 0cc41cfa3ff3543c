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

// Package metrics exposes the Prometheus collectors of the launcher daemon.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/alexandremahdhaoui/vmlauncher/pkg/driver"
	"github.com/alexandremahdhaoui/vmlauncher/pkg/launcher"
)

const namespace = "vmlauncher"

const (
	resultSuccess = "success"
	resultError   = "error"
)

type Metrics struct {
	operations     *prometheus.CounterVec
	launchAttempts *prometheus.CounterVec
	reconnects     *prometheus.CounterVec
	slots          *slotsCollector
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Machine lifecycle operations by operation and result.",
		}, []string{"op", "result"}),
		launchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launch_attempts_total",
			Help:      "Delegate launch attempts by result.",
		}, []string{"result"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "driver_reconnects_total",
			Help:      "Cached hypervisor connections found dead, by endpoint.",
		}, []string{"endpoint"}),
		slots: &slotsCollector{
			desc: prometheus.NewDesc(
				prometheus.BuildFQName(namespace, "", "slots_in_use"),
				"Capacity slots held by running machines, by host.",
				[]string{"host"},
				nil,
			),
		},
	}

	reg.MustRegister(m.operations, m.launchAttempts, m.reconnects, m.slots)

	return m
}

// ObserveOperation counts a StartVM or StopVM.
func (m *Metrics) ObserveOperation(op string, err error) {
	m.operations.WithLabelValues(op, result(err)).Inc()
}

// ObserveAttempt counts a delegate launch attempt.
func (m *Metrics) ObserveAttempt(_ launcher.Agent, _ int, err error) {
	m.launchAttempts.WithLabelValues(result(err)).Inc()
}

// ObserveReconnect counts a dead cached connection.
func (m *Metrics) ObserveReconnect(ep driver.Endpoint) {
	m.reconnects.WithLabelValues(ep.Key()).Inc()
}

// WatchSlots reports the slots returned by fn on each scrape.
func (m *Metrics) WatchSlots(fn func() map[string]int) {
	m.slots.set(fn)
}

func result(err error) string {
	if err != nil {
		return resultError
	}

	return resultSuccess
}
