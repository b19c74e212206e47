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
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
)

// TrapSignals installs a SIGINT/SIGTERM handler that runs shutdown
// exactly once and then returns control to the caller; a second
// signal is not treated specially since this proxy's shutdown path
// already has its own grace-period timeout (spec §4.5).
func TrapSignals(shutdown func(), log *zap.Logger) {
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		sig := <-sigs
		log.Info("received signal, shutting down", zap.String("signal", sig.String()))
		runShutdownOnce(shutdown)
	}()
}

var shutdownOnce sync.Once

func runShutdownOnce(shutdown func()) {
	shutdownOnce.Do(shutdown)
}
