package fwdproxy

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/deekshamypersonal/fwdproxy/internal/blocklist"
	"github.com/deekshamypersonal/fwdproxy/internal/cache"
)

func newTestConsole() (*Console, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &Console{
		Block: blocklist.New(),
		Cache: cache.New(cache.Options{}),
		Log:   zap.NewNop(),
		Out:   out,
	}, out
}

func TestConsoleEmptyLine(t *testing.T) {
	c, out := newTestConsole()
	c.Run(strings.NewReader("\n"))
	assert.Contains(t, out.String(), "No input entered.")
}

func TestConsoleAddsValidHost(t *testing.T) {
	c, out := newTestConsole()
	c.Run(strings.NewReader("http://Example.com/x\n"))
	assert.Contains(t, out.String(), "Blocked example.com")
	assert.True(t, c.Block.Contains("example.com"))
}

func TestConsoleRejectsInvalidInput(t *testing.T) {
	c, out := newTestConsole()
	c.Run(strings.NewReader("://bad\n"))
	assert.Contains(t, out.String(), "Invalid hostname or URL.")
}

func TestConsoleReportsAlreadyBlocked(t *testing.T) {
	c, out := newTestConsole()
	c.Run(strings.NewReader("example.com\nexample.com\n"))
	assert.Equal(t, 2, strings.Count(out.String(), "\n"))
	assert.Contains(t, out.String(), "already blocked")
}

func TestConsoleExitInvokesCallback(t *testing.T) {
	c, out := newTestConsole()
	called := false
	c.OnExit = func() { called = true }
	c.Run(strings.NewReader("EXIT\nunreached.com\n"))
	assert.True(t, called)
	assert.Contains(t, out.String(), "Shutting down.")
	assert.False(t, c.Block.Contains("unreached.com"))
}

func TestConsoleStatsCommand(t *testing.T) {
	c, out := newTestConsole()
	c.Block.Add("example.com")
	c.Run(strings.NewReader("stats\n"))
	assert.Contains(t, out.String(), "blocklist entries: 1")
}
