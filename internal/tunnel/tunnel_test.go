package tunnel

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/deekshamypersonal/fwdproxy/internal/blocklist"
)

func startEchoOrigin(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(conn, conn)
	}()

	return ln.Addr().String()
}

// TestTunnelSuccess is scenario S3 / invariant 7 from spec §8: bytes
// sent by the client reach the origin byte-for-byte and vice versa.
func TestTunnelSuccess(t *testing.T) {
	addr := startEchoOrigin(t)
	h := NewHandler(blocklist.New(), zap.NewNop())

	client, test := net.Pipe()
	go h.Serve(client, "CONNECT "+addr+" HTTP/1.1")

	reader := bufio.NewReader(test)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 Connection Established\r", strings.TrimRight(line, "\n"))
	blank, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "\r", strings.TrimRight(blank, "\n"))

	payload := bytes.Repeat([]byte("A"), 64*1024)
	done := make(chan struct{})
	go func() {
		_, _ = test.Write(payload)
		close(done)
	}()

	got := make([]byte, len(payload))
	_, err = io.ReadFull(reader, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	<-done
	test.Close()
}

// TestTunnelActiveGaugeTracksLifetime confirms OnActive fires +1 before
// the relay starts and -1 once it ends, for the active-tunnel gauge.
func TestTunnelActiveGaugeTracksLifetime(t *testing.T) {
	addr := startEchoOrigin(t)
	h := NewHandler(blocklist.New(), zap.NewNop())

	var active int32
	var sawActive int32
	h.OnActive = func(delta int) {
		atomic.AddInt32(&active, int32(delta))
		if delta > 0 {
			atomic.StoreInt32(&sawActive, 1)
		}
	}

	client, test := net.Pipe()
	done := make(chan struct{})
	go func() {
		h.Serve(client, "CONNECT "+addr+" HTTP/1.1")
		close(done)
	}()

	reader := bufio.NewReader(test)
	_, err := reader.ReadString('\n')
	require.NoError(t, err)
	_, err = reader.ReadString('\n')
	require.NoError(t, err)

	test.Close()
	<-done

	assert.Equal(t, int32(1), atomic.LoadInt32(&sawActive))
	assert.Equal(t, int32(0), atomic.LoadInt32(&active))
}

// TestTunnelRefused is scenario S4 from spec §8.
func TestTunnelRefused(t *testing.T) {
	h := NewHandler(blocklist.New(), zap.NewNop())
	h.Dial = func(network, addr string) (net.Conn, error) {
		return nil, assertErr
	}

	client, test := net.Pipe()
	go h.Serve(client, "CONNECT unreachable.test:443 HTTP/1.1")

	buf := make([]byte, 4096)
	test.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := test.Read(buf)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(buf[:n]), "HTTP/1.1 502 Bad Gateway"))
	test.Close()
}

var assertErr = &net.OpError{Op: "dial", Err: errDialRefused{}}

type errDialRefused struct{}

func (errDialRefused) Error() string { return "connection refused (test double)" }

func TestTunnelBlockedHostReceives403(t *testing.T) {
	b := blocklist.New()
	b.Add("bad.test")
	h := NewHandler(b, zap.NewNop())

	client, test := net.Pipe()
	go h.Serve(client, "CONNECT bad.test:443 HTTP/1.1")

	buf := make([]byte, 4096)
	test.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := test.Read(buf)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(buf[:n]), "HTTP/1.1 403 Forbidden"))
	test.Close()
}

func TestParseConnectTargetDefaultsPort(t *testing.T) {
	host, port, ok := parseConnectTarget("CONNECT example.com HTTP/1.1")
	require.True(t, ok)
	assert.Equal(t, "example.com", host)
	assert.Equal(t, "443", port)
}

func TestParseConnectTargetWithPort(t *testing.T) {
	host, port, ok := parseConnectTarget("CONNECT example.com:8443 HTTP/1.1")
	require.True(t, ok)
	assert.Equal(t, "example.com", host)
	assert.Equal(t, "8443", port)
}

func TestParseConnectTargetRejectsNonConnect(t *testing.T) {
	_, _, ok := parseConnectTarget("GET / HTTP/1.1")
	assert.False(t, ok)
}
