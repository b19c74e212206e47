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

// Package config loads the proxy's on-disk TOML configuration over
// built-in defaults (spec §6 "Configuration"); cmd/fwdproxy layers CLI
// flag overrides on top of the result.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
)

// Config is the full set of tunables the dispatcher, cache, and
// listeners need. Every field has a spec-mandated default; Load keeps
// it for every field the config file does not set.
type Config struct {
	Port           int    `toml:"port"`
	BlocklistPath  string `toml:"blocklist_path"`
	MaxCacheBytes  string `toml:"max_cache_bytes"`
	MaxEntryBytes  string `toml:"max_entry_bytes"`
	Workers        int    `toml:"workers"`
	QueueDepth     int    `toml:"queue_depth"`
	MetricsAddr    string `toml:"metrics_addr"`
	IOTimeout      string `toml:"io_timeout"`
	ShutdownGrace  string `toml:"shutdown_grace"`
}

// Defaults matches the reference values from spec §4, expressed in
// their config-file units.
func Defaults() Config {
	return Config{
		Port:          8080,
		BlocklistPath: "blocked_urls.txt",
		MaxCacheBytes: "200MiB",
		MaxEntryBytes: "10MiB",
		Workers:       400,
		QueueDepth:    4096,
		MetricsAddr:   "127.0.0.1:9091",
		IOTimeout:     "0s",
		ShutdownGrace: "60s",
	}
}

// Load reads a TOML file at path into a Config seeded with Defaults.
// A missing file is not an error: the caller gets the defaults back,
// matching the teacher's tolerance for an absent on-disk blocklist.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("decoding config %q: %w", path, err)
	}
	return cfg, nil
}

// ParseCacheBytes turns a human byte-size string ("200MB", "512KiB",
// plain integers) into the byte count the cache package expects.
func ParseCacheBytes(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("parsing byte size %q: %w", s, err)
	}
	return int64(n), nil
}
