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

// Command fwdproxy runs the forwarding HTTP/HTTPS proxy described in
// SPEC_FULL.md: a bounded-worker dispatcher in front of a cached HTTP
// GET forwarder and a CONNECT tunnel relay, with a mutable hostname
// blocklist controlled from an operator console.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	fwdproxy "github.com/deekshamypersonal/fwdproxy"
	"github.com/deekshamypersonal/fwdproxy/internal/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "fwdproxy [port]",
		Short: "Run a caching forward HTTP/HTTPS proxy",
		Long: `fwdproxy accepts plaintext HTTP GET requests and HTTPS CONNECT
tunnels, dispatches them across a bounded worker pool, caches GET
responses in memory, and enforces a dynamically mutable hostname
blocklist that operators control from stdin.

For backward compatibility with the reference tool, a bare port number
may be given as the sole positional argument:

	$ fwdproxy 8080

Equivalently, with named flags:

	$ fwdproxy --port 8080 --blocklist blocked_urls.txt`,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE:         runRoot,
	}

	root.Flags().Int("port", 0, "port to listen on for proxy traffic (default 8080)")
	root.Flags().String("config", "", "path to a TOML config file")
	root.Flags().String("blocklist", "", "path to a newline-delimited blocklist file")
	root.Flags().String("max-cache-bytes", "", `total cache size budget, e.g. "200MiB"`)
	root.Flags().String("max-entry-bytes", "", `largest single cached response, e.g. "10MiB"`)
	root.Flags().Int("workers", 0, "maximum concurrent connection workers (default 400)")
	root.Flags().Int("queue-depth", 0, "maximum connections waiting for a free worker (default 4096)")
	root.Flags().String("metrics-addr", "", "address for the /metrics and /healthz HTTP surface")
	root.Flags().String("io-timeout", "", `idle I/O deadline per connection, e.g. "30s" (default: unbounded)`)
	root.Flags().Bool("dev-log", false, "use human-readable development logging instead of JSON")

	return root
}

func runRoot(cmd *cobra.Command, args []string) error {
	devLog, _ := cmd.Flags().GetBool("dev-log")
	log := fwdproxy.Log()
	if devLog {
		dl, err := fwdproxy.NewDevelopmentLog()
		if err != nil {
			return fmt.Errorf("building development logger: %w", err)
		}
		fwdproxy.SetLog(dl)
		log = dl
	}

	undo, err := maxprocs.Set(maxprocs.Logger(log.Sugar().Infof))
	defer undo()
	if err != nil {
		log.Warn("failed to set GOMAXPROCS", zap.Error(err))
	}

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd, &cfg)

	if len(args) == 1 {
		port, err := strconv.Atoi(args[0])
		if err != nil {
			log.Warn("non-integer port argument, falling back to default", zap.String("value", args[0]), zap.Int("default", cfg.Port))
		} else {
			cfg.Port = port
		}
	}

	app, err := fwdproxy.New(cfg, log)
	if err != nil {
		return fmt.Errorf("building proxy: %w", err)
	}
	if err := app.Start(); err != nil {
		return fmt.Errorf("starting proxy: %w", err)
	}

	fwdproxy.TrapSignals(app.Stop, log)

	app.Console().Run(os.Stdin)
	return nil
}

func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetInt("port"); v != 0 {
		cfg.Port = v
	}
	if v, _ := cmd.Flags().GetString("blocklist"); v != "" {
		cfg.BlocklistPath = v
	}
	if v, _ := cmd.Flags().GetString("max-cache-bytes"); v != "" {
		cfg.MaxCacheBytes = v
	}
	if v, _ := cmd.Flags().GetString("max-entry-bytes"); v != "" {
		cfg.MaxEntryBytes = v
	}
	if v, _ := cmd.Flags().GetInt("workers"); v != 0 {
		cfg.Workers = v
	}
	if v, _ := cmd.Flags().GetInt("queue-depth"); v != 0 {
		cfg.QueueDepth = v
	}
	if v, _ := cmd.Flags().GetString("metrics-addr"); v != "" {
		cfg.MetricsAddr = v
	}
	if v, _ := cmd.Flags().GetString("io-timeout"); v != "" {
		cfg.IOTimeout = v
	}
}
