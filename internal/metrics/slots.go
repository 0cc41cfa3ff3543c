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

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type slotsCollector struct {
	desc *prometheus.Desc

	mu sync.Mutex
	fn func() map[string]int
}

var _ prometheus.Collector = (*slotsCollector)(nil)

func (c *slotsCollector) set(fn func() map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fn = fn
}

func (c *slotsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *slotsCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	fn := c.fn
	c.mu.Unlock()

	if fn == nil {
		return
	}

	for host, n := range fn() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), host)
	}
}
