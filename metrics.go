// Copyright 2015 Matthew Holt and The Caddy Authors
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

package fwdproxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "fwdproxy"

// Metrics is the collection of Prometheus collectors this proxy
// exposes on its metrics HTTP surface (§2 "Metrics registry" in
// SPEC_FULL.md). Call NewMetrics once per process and thread the
// result into the dispatcher/forwarder/tunnel/cache components.
type Metrics struct {
	ForwardRequests  *prometheus.CounterVec
	TunnelBytes      *prometheus.CounterVec
	TunnelsActive    prometheus.Gauge
	DispatcherActive prometheus.Gauge
	DispatcherQueue  prometheus.Gauge
	CacheBytes       prometheus.Gauge
	CacheEntries     prometheus.Gauge
	CacheEvictions   prometheus.Counter
}

// NewMetrics registers and returns this process's metric collectors.
// It must be called at most once per *prometheus.Registerer; pass a
// fresh prometheus.NewRegistry() in tests to avoid the "already
// registered" panic that a second call against the default registry
// would otherwise trigger.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ForwardRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "forward",
			Name:      "requests_total",
			Help:      "Count of forwarded HTTP GET requests by outcome.",
		}, []string{"outcome"}),

		TunnelBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "tunnel",
			Name:      "bytes_total",
			Help:      "Bytes relayed through CONNECT tunnels by direction.",
		}, []string{"direction"}),

		TunnelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "tunnel",
			Name:      "active",
			Help:      "Number of CONNECT tunnels currently relaying.",
		}),

		DispatcherActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "dispatcher",
			Name:      "active_workers",
			Help:      "Number of connections currently owned by a worker.",
		}),

		DispatcherQueue: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "dispatcher",
			Name:      "queue_depth",
			Help:      "Number of accepted connections waiting for a free worker slot.",
		}),

		CacheBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "current_bytes",
			Help:      "Sum of the sizes of all entries currently cached.",
		}),

		CacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Number of entries currently cached.",
		}),

		CacheEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Count of entries evicted to stay within the byte budget.",
		}),
	}
}
