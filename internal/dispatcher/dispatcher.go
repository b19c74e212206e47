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

// Package dispatcher owns the listening socket and the bounded worker
// pool that turns accepted connections into HTTP-forward or
// HTTPS-tunnel jobs (spec §4.5).
package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/deekshamypersonal/fwdproxy/internal/forward"
	"github.com/deekshamypersonal/fwdproxy/internal/tunnel"
)

// State is the Dispatcher's lifecycle state, spec §4.5.
type State int32

const (
	StateRunning State = iota
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateDraining:
		return "DRAINING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// DefaultMaxWorkers is the fixed worker-pool parallelism from spec
// §4.5/§5.
const DefaultMaxWorkers = 400

// DefaultQueueDepth bounds the number of accepted connections allowed
// to wait for a free worker slot before the dispatcher starts closing
// new connections outright — the §9-permitted deviation from an
// unbounded queue.
const DefaultQueueDepth = 4096

// DefaultShutdownGrace is the grace period workers get to finish
// in-flight jobs before being abandoned, spec §4.5.
const DefaultShutdownGrace = 60 * time.Second

// Options configures a Dispatcher. Zero values fall back to the
// spec-mandated defaults.
type Options struct {
	MaxWorkers    int
	QueueDepth    int
	ShutdownGrace time.Duration
	Forward       *forward.Handler
	Tunnel        *tunnel.Handler
	Log           *zap.Logger
	OnWorkerCount func(active int)
	OnQueueDepth  func(depth int)
}

// Dispatcher accepts connections on a listener and hands each one to a
// bounded pool of workers. It owns the listening socket exclusively
// (spec §3 "Ownership").
type Dispatcher struct {
	ln net.Listener

	forward *forward.Handler
	tunnel  *tunnel.Handler
	log     *zap.Logger

	sem           *semaphore.Weighted
	maxQueueDepth int64
	queueDepth    int64
	wg            sync.WaitGroup

	onWorkerCount func(int)
	onQueueDepth  func(int)

	mu    sync.Mutex
	state State
}

// New builds a Dispatcher bound to ln. Call Run to start accepting.
func New(ln net.Listener, opt Options) *Dispatcher {
	if opt.MaxWorkers <= 0 {
		opt.MaxWorkers = DefaultMaxWorkers
	}
	if opt.QueueDepth <= 0 {
		opt.QueueDepth = DefaultQueueDepth
	}
	if opt.ShutdownGrace <= 0 {
		opt.ShutdownGrace = DefaultShutdownGrace
	}
	if opt.Log == nil {
		opt.Log = zap.NewNop()
	}
	return &Dispatcher{
		ln:            ln,
		forward:       opt.Forward,
		tunnel:        opt.Tunnel,
		log:           opt.Log,
		sem:           semaphore.NewWeighted(int64(opt.MaxWorkers)),
		maxQueueDepth: int64(opt.QueueDepth),
		onWorkerCount: opt.OnWorkerCount,
		onQueueDepth:  opt.OnQueueDepth,
		state:         StateRunning,
	}
}

// State reports the current lifecycle state.
func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Run is the accept loop. It returns once the listener has been
// closed by Shutdown and the accept loop observes that as a benign
// error (spec §4.5).
func (d *Dispatcher) Run() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			if d.State() == StateDraining || d.State() == StateStopped {
				// Shutdown triggered this; nothing to log.
				return
			}
			if isTemporary(err) {
				d.log.Warn("temporary accept error, continuing", zap.Error(err))
				continue
			}
			d.log.Error("accept loop error", zap.Error(err))
			return
		}
		d.submit(conn)
	}
}

// submit hands conn to a worker, subject to the bounded queue. With all
// worker slots busy the connection joins the wait queue; once
// that queue is itself at capacity, the connection is closed
// immediately rather than letting submission block the accept loop
// forever (spec §9 "Unbounded work queue", permitted deviation).
func (d *Dispatcher) submit(conn net.Conn) {
	queued := false
	if !d.sem.TryAcquire(1) {
		if atomic.LoadInt64(&d.queueDepth) >= d.maxQueueDepth {
			d.log.Warn("worker pool and queue saturated, dropping connection", zap.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			return
		}
		d.bumpQueue(1)
		queued = true
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if queued {
			// wait for a worker slot here, off the accept loop
			err := d.sem.Acquire(context.Background(), 1)
			d.bumpQueue(-1)
			if err != nil {
				conn.Close()
				return
			}
		}
		d.bumpActive(1)
		defer d.sem.Release(1)
		defer d.bumpActive(-1)
		d.handle(conn)
	}()
}

func (d *Dispatcher) bumpActive(delta int) {
	if d.onWorkerCount != nil {
		// best-effort instantaneous count; exact accounting is kept
		// by the semaphore itself, this callback is for metrics only
		d.onWorkerCount(delta)
	}
}

func (d *Dispatcher) bumpQueue(delta int64) {
	depth := atomic.AddInt64(&d.queueDepth, delta)
	if d.onQueueDepth != nil {
		d.onQueueDepth(int(depth))
	}
}

// handle owns conn top-to-bottom for its lifetime: it reads the first
// bytes, branches to the HTTP or HTTPS path, and unconditionally
// closes the client socket on every exit path (spec §4.3-§4.5,
// "ClientJob" ownership in §3).
func (d *Dispatcher) handle(conn net.Conn) {
	defer conn.Close()

	connID := uuid.NewString()
	d.log.Debug("accepted connection", zap.String("conn_id", connID), zap.String("remote", conn.RemoteAddr().String()))

	head, err := forward.ReadHead(conn)
	if err != nil && len(head) == 0 {
		d.log.Debug("failed reading first request chunk", zap.Error(err))
		return
	}

	if bytes.HasPrefix(head, []byte("CONNECT")) {
		line, _, _ := cutLine(head)
		d.tunnel.Serve(conn, strings.TrimRight(line, "\r"))
		return
	}

	d.forward.Serve(conn, head)
}

func cutLine(b []byte) (line string, rest []byte, ok bool) {
	idx := bytes.IndexByte(b, '\n')
	if idx < 0 {
		return string(b), nil, false
	}
	return string(b[:idx]), b[idx+1:], true
}

// Shutdown flips the dispatcher to DRAINING, closes the listener (the
// accept loop's shutdown signal, spec §4.5), waits up to grace for
// in-flight workers, and marks STOPPED. It is safe to call once.
func (d *Dispatcher) Shutdown(grace time.Duration) {
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}

	d.mu.Lock()
	d.state = StateDraining
	d.mu.Unlock()

	_ = d.ln.Close()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.log.Info("all workers drained before grace period elapsed")
	case <-time.After(grace):
		d.log.Warn("shutdown grace period elapsed, abandoning in-flight workers", zap.Duration("grace", grace))
	}

	d.mu.Lock()
	d.state = StateStopped
	d.mu.Unlock()
}

func isTemporary(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
