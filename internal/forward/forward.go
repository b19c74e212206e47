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

// Package forward implements the plaintext HTTP GET forwarding path of
// the proxy: parse the request line off the wire, consult the
// blocklist and cache, fetch from the origin, and fill the cache with
// the full response (spec §4.3).
package forward

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/deekshamypersonal/fwdproxy/internal/blocklist"
	"github.com/deekshamypersonal/fwdproxy/internal/cache"
)

// MaxHeadBytes is the single-read ceiling the reference design assumes
// (spec §4.3 step 1 / §9 "Request head buffering"). A short read that
// contains no complete request line terminates the job silently, per
// spec; see ReadHead for the resolved (head-terminator-seeking) variant.
const MaxHeadBytes = 4096

// MaxHeadBytesRobust is the cap this implementation uses when looping
// to read until the CRLFCRLF header terminator, the §9-permitted
// deviation from the single-read reference behavior.
const MaxHeadBytesRobust = 32 * 1024

// ForbiddenResponse is the exact 403 block page from spec §6.
func ForbiddenResponse(host string) []byte {
	body := fmt.Sprintf("<html><body><h1>403 Forbidden</h1><p>Access to the host '%s' is blocked.</p></body></html>", host)
	return []byte("HTTP/1.1 403 Forbidden\r\n" +
		"Content-Type: text/html\r\n" +
		"Connection: close\r\n" +
		"\r\n" + body)
}

// Handler forwards plaintext HTTP GET requests. The zero value is not
// usable; build one with NewHandler.
type Handler struct {
	Cache *cache.Cache
	Block *blocklist.Set
	Log   *zap.Logger

	// Dial opens the origin connection; overridable in tests.
	Dial func(network, addr string) (net.Conn, error)

	// OnOutcome, if set, is called once per Serve with one of
	// "hit", "miss", "blocked", "error", "method-filtered", "malformed".
	OnOutcome func(outcome string)
}

// NewHandler builds a Handler with net.Dial as its origin dialer.
func NewHandler(c *cache.Cache, b *blocklist.Set, log *zap.Logger) *Handler {
	return &Handler{Cache: c, Block: b, Log: log, Dial: net.Dial}
}

func (h *Handler) outcome(o string) {
	if h.OnOutcome != nil {
		h.OnOutcome(o)
	}
}

// Serve consumes the first chunk of a client connection (already
// known not to start with "CONNECT") and drives it through the
// forwarding steps of spec §4.3. It never returns an error the caller
// must act on beyond closing the connection; all failure paths are
// terminal by design (spec §7).
func (h *Handler) Serve(client net.Conn, head []byte) {
	log := h.Log
	reqLine, headerLines, ok := parseHead(head)
	if !ok {
		log.Debug("short read or malformed request head, closing")
		h.outcome("malformed")
		return
	}

	fields := strings.Fields(reqLine)
	if len(fields) < 3 {
		log.Debug("request line has fewer than three tokens", zap.String("line", reqLine))
		h.outcome("malformed")
		return
	}
	method, target := fields[0], fields[1]

	if method != "GET" {
		log.Info("rejecting non-GET method", zap.String("method", method))
		h.outcome("method-filtered")
		return
	}

	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		log.Debug("could not parse request target as an absolute URL", zap.String("target", target))
		h.outcome("malformed")
		return
	}

	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" {
		port = "80"
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	if h.Block.Contains(host) {
		log.Info("blocked host", zap.String("host", host))
		_, _ = client.Write(ForbiddenResponse(host))
		h.outcome("blocked")
		return
	}

	cacheKey := target
	if body, hit := h.Cache.Get(cacheKey); hit {
		log.Debug("cache hit", zap.Uint64("cache_key_hash", cache.KeyDigest(cacheKey)))
		_, _ = client.Write(body)
		h.outcome("hit")
		return
	}

	origin, err := h.Dial("tcp", net.JoinHostPort(host, port))
	if err != nil {
		log.Warn("origin unreachable", zap.String("host", host), zap.String("port", port), zap.Error(err))
		h.outcome("error")
		return
	}
	defer origin.Close()

	if err := writeOriginRequest(origin, method, path, fields[2], headerLines, host); err != nil {
		log.Warn("failed writing request to origin", zap.Error(err))
		h.outcome("error")
		return
	}

	body, err := io.ReadAll(origin)
	if err != nil && len(body) == 0 {
		log.Warn("failed reading response from origin", zap.Error(err))
		h.outcome("error")
		return
	}

	_, _ = client.Write(body)

	if err == nil {
		h.Cache.Put(cacheKey, body)
		log.Debug("cached response", zap.Uint64("cache_key_hash", cache.KeyDigest(cacheKey)), zap.Int("bytes", len(body)))
	}
	h.outcome("miss")
}

// writeOriginRequest emits the origin-form request line and the
// client's headers, minus any Proxy-Connection* header (spec §4.3
// step 7, invariant 8 in §8).
func writeOriginRequest(w io.Writer, method, path, version string, headerLines []string, host string) error {
	if _, err := fmt.Fprintf(w, "%s %s %s\r\n", method, path, version); err != nil {
		return err
	}
	hasHost := false
	for _, line := range headerLines {
		name, _, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(name)), "proxy-connection") {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "host") {
			hasHost = true
		}
		if _, err := fmt.Fprintf(w, "%s\r\n", line); err != nil {
			return err
		}
	}
	if !hasHost {
		if _, err := fmt.Fprintf(w, "Host: %s\r\n", host); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// parseHead splits a buffered request head into its request line and
// header lines. It returns ok=false if no CRLF-terminated request line
// is present in head, the short-read limitation spec §4.3 step 1
// deliberately preserves.
func parseHead(head []byte) (reqLine string, headers []string, ok bool) {
	if !bytes.Contains(head, []byte("\r\n")) {
		return "", nil, false
	}
	scanner := bufio.NewScanner(bytes.NewReader(head))
	if !scanner.Scan() {
		return "", nil, false
	}
	reqLine = strings.TrimRight(scanner.Text(), "\r")
	if reqLine == "" {
		return "", nil, false
	}
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			break
		}
		headers = append(headers, line)
	}
	return reqLine, headers, true
}

// ReadHead reads from conn until it has seen a full request line plus
// the blank line terminating the headers, capped at
// MaxHeadBytesRobust. This is the §9-permitted, more robust
// alternative to the single fixed-size read of spec §4.3 step 1. The
// returned head ends at the header terminator; any bytes that arrived
// past it in the same read (a pipelined request's start, or body
// bytes) are discarded and never reach the origin.
func ReadHead(conn net.Conn) (head []byte, err error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, rerr := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx >= 0 {
				return buf[:idx+4], nil
			}
		}
		if rerr != nil {
			if rerr == io.EOF && len(buf) > 0 {
				return buf, nil
			}
			return buf, rerr
		}
		if len(buf) >= MaxHeadBytesRobust {
			return buf, nil
		}
	}
}
