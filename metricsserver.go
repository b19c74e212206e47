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
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/deekshamypersonal/fwdproxy/internal/cache"
)

// MetricsServer exposes /metrics and /healthz on a listener separate
// from the proxy's own forwarding port, the ambient observability
// surface SPEC_FULL.md adds around the proxy core.
type MetricsServer struct {
	http   *http.Server
	cache  *cache.Cache
	log    *zap.Logger
}

// NewMetricsServer builds the admin-facing mux. reg is the Prometheus
// registry NewMetrics was constructed against.
func NewMetricsServer(addr string, reg *prometheus.Registry, c *cache.Cache, log *zap.Logger) *MetricsServer {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	r.Get("/cache/stats", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(c.Stats())
	})

	return &MetricsServer{
		http:  &http.Server{Addr: addr, Handler: r},
		cache: c,
		log:   log,
	}
}

// Serve starts accepting on addr; it blocks until Shutdown closes the
// listener, mirroring the dispatcher's Run/Shutdown contract.
func (m *MetricsServer) Serve() error {
	ln, err := net.Listen("tcp", m.http.Addr)
	if err != nil {
		return err
	}
	m.log.Info("metrics server listening", zap.String("addr", ln.Addr().String()))
	err = m.http.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the metrics HTTP server.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	if dl, ok := ctx.Deadline(); !ok || time.Until(dl) <= 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	return m.http.Shutdown(ctx)
}
