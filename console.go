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
	"bufio"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/deekshamypersonal/fwdproxy/internal/blocklist"
	"github.com/deekshamypersonal/fwdproxy/internal/cache"
)

// Console is the operator-facing line console read from stdin: each
// line is either a host/URL to add to the blocklist, "exit" to begin
// a graceful shutdown, or one of the additive "stats"/"help"
// commands (spec §6 "Operator interface").
type Console struct {
	Block   *blocklist.Set
	Cache   *cache.Cache
	Log     *zap.Logger
	Out     io.Writer
	OnExit  func()
}

// Run reads lines from in until EOF or an "exit" command, writing
// the result of each line to c.Out. It returns when the console session
// ends; it does not itself stop the proxy beyond invoking OnExit.
func (c *Console) Run(in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "":
			fmt.Fprintln(c.Out, "No input entered.")

		case strings.EqualFold(line, "exit"):
			fmt.Fprintln(c.Out, "Shutting down.")
			if c.OnExit != nil {
				c.OnExit()
			}
			return

		case strings.EqualFold(line, "help"):
			fmt.Fprintln(c.Out, "Enter a hostname or URL to block it, \"stats\" for cache/blocklist counters, or \"exit\" to shut down.")

		case strings.EqualFold(line, "stats"):
			c.printStats()

		default:
			host, ok := blocklist.Normalize(line)
			if !ok {
				fmt.Fprintln(c.Out, "Invalid hostname or URL.")
				break
			}
			if c.Block.Add(host) {
				fmt.Fprintf(c.Out, "Blocked %s\n", host)
			} else {
				fmt.Fprintf(c.Out, "%s is already blocked\n", host)
			}
		}
	}
}

func (c *Console) printStats() {
	s := c.Cache.Stats()
	fmt.Fprintf(c.Out, "blocklist entries: %d\n", c.Block.Len())
	fmt.Fprintf(c.Out, "cache entries: %d, bytes: %d/%d, hits: %d, misses: %d, evictions: %d, oversize drops: %d\n",
		s.Entries, s.CurrentBytes, s.MaxTotalBytes, s.Hits, s.Misses, s.Evictions, s.OversizeDrops)
}
