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

package farmem

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/intel/farmem-runtime/pkg/metrics"
)

// statsCounters are the runtime's hot-path counters. They are sampled by the
// prometheus collector and exposed directly for tests.
type statsCounters struct {
	allocations      atomic.Uint64
	allocRetries     atomic.Uint64
	swapIns          atomic.Uint64
	swapOuts         atomic.Uint64
	migrations       atomic.Uint64
	frees            atomic.Uint64
	gcRounds         atomic.Uint64
	regionsReclaimed atomic.Uint64
	scopeWaits       atomic.Uint64
}

// Stats is a point-in-time snapshot of the runtime counters.
type Stats struct {
	Allocations      uint64
	AllocRetries     uint64
	SwapIns          uint64
	SwapOuts         uint64
	Migrations       uint64
	Frees            uint64
	GCRounds         uint64
	RegionsReclaimed uint64
	ScopeWaits       uint64
	FreeMemRatio     float64
}

// Stats returns a snapshot of the runtime counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Allocations:      m.stats.allocations.Load(),
		AllocRetries:     m.stats.allocRetries.Load(),
		SwapIns:          m.stats.swapIns.Load(),
		SwapOuts:         m.stats.swapOuts.Load(),
		Migrations:       m.stats.migrations.Load(),
		Frees:            m.stats.frees.Load(),
		GCRounds:         m.stats.gcRounds.Load(),
		RegionsReclaimed: m.stats.regionsReclaimed.Load(),
		ScopeWaits:       m.stats.scopeWaits.Load(),
		FreeMemRatio:     m.FreeMemRatio(),
	}
}

// statsCollector exposes the runtime counters as prometheus metrics.
type statsCollector struct {
	m *Manager

	allocations      *prometheus.Desc
	swapIns          *prometheus.Desc
	swapOuts         *prometheus.Desc
	migrations       *prometheus.Desc
	frees            *prometheus.Desc
	gcRounds         *prometheus.Desc
	regionsReclaimed *prometheus.Desc
	scopeWaits       *prometheus.Desc
	freeMemRatio     *prometheus.Desc
}

func registerStatsCollector(m *Manager) error {
	ns := metrics.Namespace
	c := &statsCollector{
		m: m,
		allocations: prometheus.NewDesc(ns+"_allocations_total",
			"Number of far pointers allocated.", nil, nil),
		swapIns: prometheus.NewDesc(ns+"_swap_ins_total",
			"Number of objects swapped in from the device.", nil, nil),
		swapOuts: prometheus.NewDesc(ns+"_swap_outs_total",
			"Number of objects written back to the device.", nil, nil),
		migrations: prometheus.NewDesc(ns+"_migrations_total",
			"Number of objects migrated by mutators.", nil, nil),
		frees: prometheus.NewDesc(ns+"_frees_total",
			"Number of far pointers freed.", nil, nil),
		gcRounds: prometheus.NewDesc(ns+"_gc_rounds_total",
			"Number of completed GC rounds.", nil, nil),
		regionsReclaimed: prometheus.NewDesc(ns+"_gc_regions_reclaimed_total",
			"Number of cache regions recycled by the GC.", nil, nil),
		scopeWaits: prometheus.NewDesc(ns+"_scope_waits_total",
			"Number of scope entries throttled on an almost-empty cache.", nil, nil),
		freeMemRatio: prometheus.NewDesc(ns+"_free_mem_ratio",
			"Current cache pool free ratio.", nil, nil),
	}
	return metrics.Register("farmem", c)
}

// Describe implements prometheus.Collector.
func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.allocations
	ch <- c.swapIns
	ch <- c.swapOuts
	ch <- c.migrations
	ch <- c.frees
	ch <- c.gcRounds
	ch <- c.regionsReclaimed
	ch <- c.scopeWaits
	ch <- c.freeMemRatio
}

// Collect implements prometheus.Collector.
func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.m.Stats()
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	counter(c.allocations, s.Allocations)
	counter(c.swapIns, s.SwapIns)
	counter(c.swapOuts, s.SwapOuts)
	counter(c.migrations, s.Migrations)
	counter(c.frees, s.Frees)
	counter(c.gcRounds, s.GCRounds)
	counter(c.regionsReclaimed, s.RegionsReclaimed)
	counter(c.scopeWaits, s.ScopeWaits)
	ch <- prometheus.MustNewConstMetric(c.freeMemRatio, prometheus.GaugeValue, s.FreeMemRatio)
}
