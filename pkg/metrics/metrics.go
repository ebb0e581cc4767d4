// Copyright The Far Memory Runtime Authors. All Rights Reserved.
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

package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	logger "github.com/intel/farmem-runtime/pkg/log"
)

var log = logger.Get("metrics")

type (
	// State represents the configuration of a collector.
	State int

	// Collector is a registered prometheus.Collector.
	Collector struct {
		collector prometheus.Collector
		name      string
		State
	}

	// CollectorOption is an option for a Collector.
	CollectorOption func(*Collector)
)

const (
	// Enabled marks a collector as enabled.
	Enabled State = (1 << iota)

	// Namespace is the common metric name prefix of the runtime's collectors.
	Namespace = "farmem"
)

// WithDisabled is an option to register a collector initially disabled.
func WithDisabled() CollectorOption {
	return func(c *Collector) {
		c.State &^= Enabled
	}
}

// IsEnabled returns true if the collector is enabled.
func (s State) IsEnabled() bool {
	return s&Enabled != 0
}

// NewCollector creates a new collector with the given name and collector.
func NewCollector(name string, collector prometheus.Collector, options ...CollectorOption) *Collector {
	c := &Collector{
		name:      name,
		collector: collector,
		State:     Enabled,
	}

	for _, o := range options {
		o(c)
	}

	return c
}

// Name returns the name of the collector.
func (c *Collector) Name() string {
	return c.name
}

// Describe implements the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.collector.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if !c.IsEnabled() {
		return
	}
	c.collector.Collect(ch)
}

// Enable enables or disables the collector.
func (c *Collector) Enable(state bool) {
	if state {
		c.State |= Enabled
	} else {
		c.State &^= Enabled
	}
}

// registry tracks registered collectors.
type registry struct {
	sync.Mutex
	collectors map[string]*Collector
	gatherer   *prometheus.Registry
}

var reg = &registry{
	collectors: make(map[string]*Collector),
	gatherer:   prometheus.NewRegistry(),
}

// Register registers a collector under the given name.
func Register(name string, collector prometheus.Collector, options ...CollectorOption) error {
	reg.Lock()
	defer reg.Unlock()

	if _, ok := reg.collectors[name]; ok {
		return metricsError("collector %q already registered", name)
	}

	c := NewCollector(name, collector, options...)
	if err := reg.gatherer.Register(c); err != nil {
		return metricsError("failed to register collector %q: %v", name, err)
	}

	reg.collectors[name] = c
	log.Debug("registered collector %q (%v)", name, c.State)

	return nil
}

// MustRegister registers a collector and panics on failure.
func MustRegister(name string, collector prometheus.Collector, options ...CollectorOption) {
	if err := Register(name, collector, options...); err != nil {
		log.Panic("%v", err)
	}
}

// Gatherer returns the prometheus gatherer for all registered collectors.
func Gatherer() prometheus.Gatherer {
	return reg.gatherer
}

// Enable enables or disables the named collector.
func Enable(name string, state bool) error {
	reg.Lock()
	defer reg.Unlock()

	c, ok := reg.collectors[name]
	if !ok {
		return metricsError("unknown collector %q", name)
	}
	c.Enable(state)

	return nil
}
