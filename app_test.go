package fwdproxy

import (
	"bufio"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/deekshamypersonal/fwdproxy/internal/config"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// TestAppServesForwardedGET is an end-to-end run of the cache-miss half
// of scenario S1 from spec §8 through the fully wired App.
func TestAppServesForwardedGET(t *testing.T) {
	origin, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer origin.Close()
	go func() {
		conn, err := origin.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		_, _ = conn.Read(buf)
		_, _ = conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
	}()

	cfg := config.Defaults()
	cfg.Port = freePort(t)
	cfg.MetricsAddr = fmt.Sprintf("127.0.0.1:%d", freePort(t))
	cfg.BlocklistPath = ""

	app, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, app.Start())
	defer app.Stop()

	time.Sleep(50 * time.Millisecond)

	client, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.Port))
	require.NoError(t, err)
	defer client.Close()

	target := "http://" + origin.Addr().String() + "/"
	_, err = client.Write([]byte("GET " + target + " HTTP/1.1\r\nHost: " + origin.Addr().String() + "\r\n\r\n"))
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(client)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "200")
}

func TestAppRejectsBlockedHostEndToEnd(t *testing.T) {
	cfg := config.Defaults()
	cfg.Port = freePort(t)
	cfg.MetricsAddr = fmt.Sprintf("127.0.0.1:%d", freePort(t))
	cfg.BlocklistPath = ""

	app, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	app.Block.Add("bad.test")
	require.NoError(t, app.Start())
	defer app.Stop()

	time.Sleep(50 * time.Millisecond)

	client, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.Port))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("GET http://bad.test/ HTTP/1.1\r\nHost: bad.test\r\n\r\n"))
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "403 Forbidden")
}
