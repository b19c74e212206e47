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

// Package fwdproxy wires the cache, blocklist, forward, tunnel, and
// dispatcher packages into a runnable proxy process, along with the
// ambient logging, metrics, config, and operator-console concerns
// (SPEC_FULL.md §2).
package fwdproxy

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/deekshamypersonal/fwdproxy/internal/blocklist"
	"github.com/deekshamypersonal/fwdproxy/internal/cache"
	"github.com/deekshamypersonal/fwdproxy/internal/config"
	"github.com/deekshamypersonal/fwdproxy/internal/dispatcher"
	"github.com/deekshamypersonal/fwdproxy/internal/forward"
	"github.com/deekshamypersonal/fwdproxy/internal/tunnel"
)

// App is one running proxy instance: a listener, its dispatcher, the
// shared cache and blocklist, and the ambient metrics/console
// surfaces layered around them.
type App struct {
	Config config.Config

	Cache *cache.Cache
	Block *blocklist.Set

	Metrics       *Metrics
	registry      *prometheus.Registry
	metricsServer *MetricsServer

	dispatcher *dispatcher.Dispatcher
	listener   net.Listener

	stopOnce sync.Once
	log      *zap.Logger
}

// New assembles an App from cfg, opening neither the proxy listener
// nor the metrics listener yet; call Start to do that.
func New(cfg config.Config, log *zap.Logger) (*App, error) {
	maxCacheBytes, err := config.ParseCacheBytes(cfg.MaxCacheBytes)
	if err != nil {
		return nil, err
	}
	maxEntryBytes, err := config.ParseCacheBytes(cfg.MaxEntryBytes)
	if err != nil {
		return nil, err
	}

	c := cache.New(cache.Options{MaxTotalBytes: maxCacheBytes, MaxEntryBytes: maxEntryBytes})
	b := blocklist.New()
	if cfg.BlocklistPath != "" {
		added, err := blocklist.LoadFile(b, cfg.BlocklistPath)
		if err != nil {
			return nil, fmt.Errorf("loading blocklist %q: %w", cfg.BlocklistPath, err)
		}
		log.Info("loaded blocklist", zap.String("path", cfg.BlocklistPath), zap.Int("entries", added))
	}

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	return &App{
		Config:   cfg,
		Cache:    c,
		Block:    b,
		Metrics:  metrics,
		registry: reg,
		log:      log,
	}, nil
}

// Start opens the proxy listener, begins the dispatcher's accept loop
// in the background, and starts the metrics server in the background.
// It returns once the proxy listener is bound; the metrics listener is
// opened by that background goroutine, and a failure to bind it is
// logged rather than returned.
func (a *App) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.Config.Port))
	if err != nil {
		return fmt.Errorf("listening on port %d: %w", a.Config.Port, err)
	}
	ln = wrapWithIOTimeout(ln, parseDurationOrDefault(a.Config.IOTimeout, 0))
	a.listener = ln

	fwd := forward.NewHandler(a.Cache, a.Block, a.log.Named("forward"))
	fwd.OnOutcome = func(outcome string) { a.Metrics.ForwardRequests.WithLabelValues(outcome).Inc() }

	tun := tunnel.NewHandler(a.Block, a.log.Named("tunnel"))
	tun.OnBytes = func(direction string, n int64) { a.Metrics.TunnelBytes.WithLabelValues(direction).Add(float64(n)) }
	tun.OnActive = func(delta int) { a.Metrics.TunnelsActive.Add(float64(delta)) }

	a.dispatcher = dispatcher.New(ln, dispatcher.Options{
		MaxWorkers:    a.Config.Workers,
		QueueDepth:    a.Config.QueueDepth,
		ShutdownGrace: parseDurationOrDefault(a.Config.ShutdownGrace, dispatcher.DefaultShutdownGrace),
		Forward:       fwd,
		Tunnel:        tun,
		Log:           a.log.Named("dispatcher"),
		OnWorkerCount: func(delta int) { a.Metrics.DispatcherActive.Add(float64(delta)) },
		OnQueueDepth:  func(depth int) { a.Metrics.DispatcherQueue.Set(float64(depth)) },
	})
	go a.dispatcher.Run()

	a.metricsServer = NewMetricsServer(a.Config.MetricsAddr, a.registry, a.Cache, a.log.Named("metrics"))
	go func() {
		if err := a.metricsServer.Serve(); err != nil {
			a.log.Error("metrics server stopped", zap.Error(err))
		}
	}()

	go a.pollCacheStats()

	a.log.Info("proxy listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// pollCacheStats keeps the cache gauges fresh and the evictions counter
// advancing; the cache itself has no change-notification hook, so this
// samples it periodically.
func (a *App) pollCacheStats() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	var lastEvictions uint64
	for range ticker.C {
		if a.dispatcher != nil && a.dispatcher.State() == dispatcher.StateStopped {
			return
		}
		s := a.Cache.Stats()
		a.Metrics.CacheBytes.Set(float64(s.CurrentBytes))
		a.Metrics.CacheEntries.Set(float64(s.Entries))
		if s.Evictions > lastEvictions {
			a.Metrics.CacheEvictions.Add(float64(s.Evictions - lastEvictions))
			lastEvictions = s.Evictions
		}
	}
}

// Stop gracefully drains the dispatcher and stops the metrics server.
// Safe to call more than once: only the first call does anything, since
// the dispatcher's Shutdown is documented as safe to call once.
func (a *App) Stop() {
	a.stopOnce.Do(func() {
		grace := parseDurationOrDefault(a.Config.ShutdownGrace, dispatcher.DefaultShutdownGrace)
		if a.dispatcher != nil {
			a.dispatcher.Shutdown(grace)
		}
		if a.metricsServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = a.metricsServer.Shutdown(ctx)
		}
	})
}

// Console builds an operator console wired to this App's blocklist and
// cache, with OnExit triggering Stop and then process exit.
func (a *App) Console() *Console {
	return &Console{
		Block: a.Block,
		Cache: a.Cache,
		Log:   a.log.Named("console"),
		Out:   os.Stdout,
		OnExit: func() {
			a.Stop()
			os.Exit(0)
		},
	}
}

func parseDurationOrDefault(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
