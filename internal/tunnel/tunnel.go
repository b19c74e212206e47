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

// Package tunnel implements the CONNECT path: parse the request line,
// consult the blocklist, dial the origin, acknowledge, and relay
// opaque bytes bidirectionally (spec §4.4).
package tunnel

import (
	"fmt"
	"io"
	"net"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/deekshamypersonal/fwdproxy/internal/blocklist"
)

// relayBufferSize is the buffer size each relay direction reads into,
// per spec §4.4 step 5.
const relayBufferSize = 8 * 1024

// ForbiddenResponse is the 403 block page, reused verbatim from the
// HTTP forwarder's wire format (spec §6) for blocked CONNECT targets.
func ForbiddenResponse(host string) []byte {
	body := fmt.Sprintf("<html><body><h1>403 Forbidden</h1><p>Access to the host '%s' is blocked.</p></body></html>", host)
	return []byte("HTTP/1.1 403 Forbidden\r\n" +
		"Content-Type: text/html\r\n" +
		"Connection: close\r\n" +
		"\r\n" + body)
}

// badGatewayResponse is spec §6's 502 tunnel failure page.
func badGatewayResponse(host, port string) []byte {
	body := fmt.Sprintf("Failed to connect to %s:%s", host, port)
	return []byte("HTTP/1.1 502 Bad Gateway\r\n" +
		"Content-Type: text/html\r\n" +
		"Connection: close\r\n" +
		"\r\n" + body)
}

// connectionEstablished is the exact success line of spec §4.4 step 4.
const connectionEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// Handler establishes and relays CONNECT tunnels.
type Handler struct {
	Block *blocklist.Set
	Log   *zap.Logger

	// Dial opens the origin connection; overridable in tests.
	Dial func(network, addr string) (net.Conn, error)

	// OnBytes, if set, is called once per relay direction with the
	// number of bytes moved and "up" (client->origin) or "down"
	// (origin->client), for the tunnel byte-count metric.
	OnBytes func(direction string, n int64)

	// OnActive, if set, is called with +1 when a tunnel starts relaying
	// and -1 when it stops, for the active-tunnel gauge.
	OnActive func(delta int)
}

// NewHandler builds a Handler with net.Dial as its origin dialer.
func NewHandler(b *blocklist.Set, log *zap.Logger) *Handler {
	return &Handler{Block: b, Log: log, Dial: net.Dial}
}

// Serve parses a CONNECT request line already read from client,
// enforces the blocklist, dials the origin, and relays until either
// direction ends (spec §4.4, with the §9 teardown policy this
// implementation chose: close both sockets as soon as either relay
// direction returns, rather than waiting for both independently).
func (h *Handler) Serve(client net.Conn, requestLine string) {
	host, port, ok := parseConnectTarget(requestLine)
	if !ok {
		h.Log.Debug("malformed CONNECT request line", zap.String("line", requestLine))
		return
	}

	normalized, validHost := blocklist.Normalize(host)
	if validHost && h.Block.Contains(normalized) {
		h.Log.Info("blocked CONNECT target", zap.String("host", normalized))
		_, _ = client.Write(ForbiddenResponse(normalized))
		return
	}

	origin, err := h.Dial("tcp", net.JoinHostPort(host, port))
	if err != nil {
		h.Log.Warn("failed to connect to CONNECT target", zap.String("host", host), zap.String("port", port), zap.Error(err))
		_, _ = client.Write(badGatewayResponse(host, port))
		return
	}
	defer origin.Close()

	if _, err := io.WriteString(client, connectionEstablished); err != nil {
		h.Log.Debug("failed to write CONNECT acknowledgement", zap.Error(err))
		return
	}

	if h.OnActive != nil {
		h.OnActive(1)
		defer h.OnActive(-1)
	}

	h.relay(client, origin)
}

// relay runs the two unidirectional copy tasks as an errgroup, closing
// both sockets the moment either one returns, so a half-closed peer
// can't leave the other goroutine blocked indefinitely.
func (h *Handler) relay(client, origin net.Conn) {
	var g errgroup.Group

	g.Go(func() error {
		n, err := copyBuffered(origin, client)
		if h.OnBytes != nil {
			h.OnBytes("up", n)
		}
		origin.Close()
		client.Close()
		return err
	})

	g.Go(func() error {
		n, err := copyBuffered(client, origin)
		if h.OnBytes != nil {
			h.OnBytes("down", n)
		}
		origin.Close()
		client.Close()
		return err
	})

	_ = g.Wait()
}

func copyBuffered(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, relayBufferSize)
	return io.CopyBuffer(dst, src, buf)
}

// parseConnectTarget parses "CONNECT host:port HTTP/x.y", defaulting
// port to 443 if absent, per spec §4.4 step 1.
func parseConnectTarget(line string) (host, port string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.EqualFold(fields[0], "CONNECT") {
		return "", "", false
	}
	authority := fields[1]
	h, p, err := net.SplitHostPort(authority)
	if err != nil {
		// no port given; the whole token is the host
		return authority, "443", true
	}
	return h, p, true
}
