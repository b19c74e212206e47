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
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newDefaultProductionLog builds the logger used when no other
// configuration is given: JSON to stderr at info level and above,
// mirroring the teacher's own default log setup.
func newDefaultProductionLog() *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(zapcore.AddSync(os.Stderr)),
		zapcore.InfoLevel,
	)
	return zap.New(core)
}

var (
	defaultLoggerMu sync.RWMutex
	defaultLogger   = newDefaultProductionLog()
)

// Log returns the current process-wide logger. Subsystems should call
// Log().Named("forward"), Log().Named("tunnel"), etc. so every line
// can be filtered by component, mirroring caddy.Log().Named(...).
func Log() *zap.Logger {
	defaultLoggerMu.RLock()
	defer defaultLoggerMu.RUnlock()
	return defaultLogger
}

// SetLog replaces the process-wide logger, e.g. to switch to a
// development (console) encoder or a different minimum level once
// flags/config have been parsed.
func SetLog(l *zap.Logger) {
	defaultLoggerMu.Lock()
	defer defaultLoggerMu.Unlock()
	defaultLogger = l
}

// NewDevelopmentLog builds a human-readable console logger, used when
// --dev-log is passed on the command line.
func NewDevelopmentLog() (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	return cfg.Build()
}
