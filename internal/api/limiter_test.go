package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterPoolEvictsIdleClients(t *testing.T) {
	pool := newLimiterPool(1, 1)
	now := time.Unix(1_700_000_000, 0)
	pool.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		pool.Allow(fmt.Sprintf("10.0.0.%d", i))
	}
	require.Equal(t, 10, pool.Len())

	now = now.Add(defaultLimiterTTL + defaultSweepPeriod)
	assert.True(t, pool.Allow("10.0.1.1"))
	assert.Equal(t, 1, pool.Len())
}

func TestLimiterPoolKeepsActiveClients(t *testing.T) {
	pool := newLimiterPool(1, 1)
	now := time.Unix(1_700_000_000, 0)
	pool.now = func() time.Time { return now }

	require.True(t, pool.Allow("10.0.0.1"))
	now = now.Add(defaultLimiterTTL / 2)
	pool.Allow("10.0.0.1")
	now = now.Add(defaultLimiterTTL/2 + defaultSweepPeriod)
	pool.Allow("10.0.0.2")

	assert.Equal(t, 2, pool.Len())
}

func TestClientKeyIgnoresForwardedForByDefault(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:4321"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")

	assert.Equal(t, "10.0.0.7", clientKey(req, false))
	assert.Equal(t, "203.0.113.9", clientKey(req, true))

	req.Header.Set("X-Forwarded-For", "198.51.100.1, 203.0.113.9")
	assert.Equal(t, "203.0.113.9", clientKey(req, true))
}

func sendCommand(handler http.Handler, remote, forwarded string) int {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/commands", strings.NewReader(`{"command":"ping"}`))
	req.RemoteAddr = remote
	if forwarded != "" {
		req.Header.Set("X-Forwarded-For", forwarded)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec.Code
}

func TestRotatingForwardedForDoesNotBypassLimit(t *testing.T) {
	f := newFixture(t, WithRateLimit(1, 1))
	handler := f.server.Handler()

	assert.Equal(t, http.StatusOK, sendCommand(handler, "10.0.0.7:4321", "203.0.113.1"))
	assert.Equal(t, http.StatusTooManyRequests, sendCommand(handler, "10.0.0.7:4321", "203.0.113.2"))
	assert.Equal(t, 1, f.server.commandLimiter.Len())
}

func TestTrustedForwardedForIdentifiesClients(t *testing.T) {
	f := newFixture(t, WithRateLimit(1, 1), WithTrustForwardedFor(true))
	handler := f.server.Handler()

	assert.Equal(t, http.StatusOK, sendCommand(handler, "10.0.0.7:4321", "203.0.113.1"))
	assert.Equal(t, http.StatusOK, sendCommand(handler, "10.0.0.7:4321", "203.0.113.2"))
	assert.Equal(t, http.StatusTooManyRequests, sendCommand(handler, "10.0.0.7:4321", "203.0.113.1"))
}

func TestChatLoopbackCallersAreNotLimited(t *testing.T) {
	f := newFixture(t, WithRateLimit(1, 1))
	handler := f.server.Handler()

	chat := func(remote string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/omnidimension/chat", strings.NewReader(`{"command":"hi"}`))
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, chat("127.0.0.1:5000"), "loopback call %d", i)
	}
	assert.Equal(t, http.StatusOK, chat("[::1]:5000"))

	assert.Equal(t, http.StatusOK, chat("10.0.0.8:1"))
	assert.Equal(t, http.StatusTooManyRequests, chat("10.0.0.8:1"))

	// 补全接口与命令接口分别计数。
	assert.Equal(t, http.StatusOK, sendCommand(handler, "10.0.0.8:1", ""))
}
