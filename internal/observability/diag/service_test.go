package diag

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "agentcore/pkg/logx"
)

func TestHandlerStatusAndAuth(t *testing.T) {
	s := New(Config{}, func() any { return map[string]int{"pending": 2} }, logx.Nop())
	h := s.Handler(Config{Token: "secret"})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"pending":2}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz?token=secret", nil))
	assert.Equal(t, "ok", rec.Body.String())

	// pprof is off unless asked for.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/?token=secret", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.1:6060":  false,
		"nonsense":       false,
	}
	for addr, want := range cases {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}

func TestGivesUpAfterMaxRestarts(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0", MaxRestarts: 1}, nil, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		s.Stop(stopCtx)
	}()

	require.Eventually(t, func() bool { return s.Err() != nil }, 3*time.Second, 20*time.Millisecond)
	assert.Contains(t, s.Err().Error(), "insecure bind")
	assert.Empty(t, s.Addr())
}

func TestStartServesAndStops(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, nil, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)

	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok", string(body))

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	assert.Empty(t, s.Addr())
	assert.NoError(t, s.Err())

	// Disabling through Reconfigure leaves it stopped.
	s.Reconfigure(ctx, Config{Enabled: false})
	assert.False(t, s.Enabled())
}
