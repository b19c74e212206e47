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

// Package blocklist holds the set of hostnames this proxy refuses to
// forward to, and the normalization rule used to look them up.
package blocklist

import (
	"net/url"
	"strings"
	"sync"

	"golang.org/x/net/idna"
)

// Normalize canonicalizes a free-form URL or bare host string to a
// lookup key: scheme-strip, port-strip, lowercase, "www." strip. It
// reports ("", false) if s is empty, unparseable, or normalizes to empty.
//
// Internationalized hostnames are additionally folded to their ASCII
// (punycode) form via golang.org/x/net/idna before the lowercase/www
// steps, so block entries and request hosts agree regardless of
// whether either side used Unicode or ASCII-compatible encoding. This
// is a no-op for already-ASCII input, so it never changes the result
// for the plain-ASCII cases spec.md documents.
func Normalize(s string) (string, bool) {
	host := s
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return "", false
		}
		host = u.Host
	}

	if h, _, err := splitHostPort(host); err == nil {
		host = h
	}

	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		host = ascii
	}

	host = strings.ToLower(host)
	host = strings.TrimPrefix(host, "www.")

	if host == "" {
		return "", false
	}
	return host, true
}

// splitHostPort is net.SplitHostPort without the "missing port" error
// turning into a hard failure; a bare host with no port is returned
// unchanged.
func splitHostPort(hostport string) (string, string, error) {
	if i := strings.LastIndexByte(hostport, ':'); i >= 0 && !strings.Contains(hostport[i:], "]") {
		// avoid chopping the brackets off a literal IPv6 address that
		// has no port suffix, e.g. "[::1]"
		if strings.HasPrefix(hostport, "[") && strings.HasSuffix(hostport, "]") {
			return hostport, "", nil
		}
		return hostport[:i], hostport[i+1:], nil
	}
	return hostport, "", nil
}

// Set is a concurrent, insertion-only set of normalized hostnames.
// There is no remove operation: it is monotonically growing for the
// lifetime of the process, per spec §3.
type Set struct {
	mu   sync.RWMutex
	host map[string]struct{}
}

// New returns an empty Set ready for concurrent use.
func New() *Set {
	return &Set{host: make(map[string]struct{})}
}

// Add normalizes s and inserts it, reporting whether it was new. It
// reports false both when s was already present and when s failed to
// normalize — callers that need to distinguish the two should call
// Normalize themselves first (the admin console does, to print
// "Invalid hostname or URL.").
func (s *Set) Add(raw string) bool {
	key, ok := Normalize(raw)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.host[key]; exists {
		return false
	}
	s.host[key] = struct{}{}
	return true
}

// Contains reports whether h, once normalized, is in the set.
func (s *Set) Contains(h string) bool {
	key, ok := Normalize(h)
	if !ok {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.host[key]
	return exists
}

// Len reports the number of distinct normalized hosts currently
// blocked, for the admin console's "stats" command.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.host)
}
