package debugsrv

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mentionbot/internal/config"
	logx "mentionbot/pkg/logx"
)

func TestFromConfigDefaults(t *testing.T) {
	c, err := FromConfig(config.DebugConfig{Enabled: true})
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:6060", c.Addr)
	require.Equal(t, "/debug/pprof/", c.Prefix)
	require.Equal(t, "/metrics", c.MetricsPath)
	require.True(t, c.Pprof)
	require.True(t, c.Metrics)
	require.Equal(t, 10*time.Second, c.ReadTimeout)

	_, err = FromConfig(config.DebugConfig{Enabled: true, Addr: "0.0.0.0:6060"})
	require.ErrorIs(t, err, errInsecureBind)

	_, err = FromConfig(config.DebugConfig{Enabled: true, Addr: ":6060", Token: "s3cret"})
	require.NoError(t, err)

	_, err = FromConfig(config.DebugConfig{IdleTimeout: "forever"})
	require.Error(t, err)
}

func TestIsLoopbackAddr(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:6060": true,
		"[::1]:6060":     true,
		"localhost:1":    true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.5:80":    false,
		"nonsense":       false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func get(t *testing.T, h http.Handler, target, auth string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, target, nil)
	if auth != "" {
		r.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestHandlerRoutesAndToken(t *testing.T) {
	cfg, err := FromConfig(config.DebugConfig{Token: "tok", Prefix: "/dbg"})
	require.NoError(t, err)
	h := Handler(cfg)

	require.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz", "").Code)
	require.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz", "Bearer nope").Code)
	require.Equal(t, http.StatusOK, get(t, h, "/healthz", "Bearer tok").Code)
	require.Equal(t, http.StatusOK, get(t, h, "/healthz?token=tok", "").Code)

	w := get(t, h, "/metrics", "Bearer tok")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "go_goroutines")

	w = get(t, h, "/dbg/", "Bearer tok")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "goroutine")
}

func TestHandlerCanDisableParts(t *testing.T) {
	off := false
	cfg, err := FromConfig(config.DebugConfig{Pprof: &off, Metrics: &off})
	require.NoError(t, err)
	h := Handler(cfg)
	require.Equal(t, http.StatusNotFound, get(t, h, "/metrics", "").Code)
	require.Equal(t, http.StatusNotFound, get(t, h, "/debug/pprof/", "").Code)
}

func TestServerLifecycle(t *testing.T) {
	ctx := context.Background()
	cfg, err := FromConfig(config.DebugConfig{Enabled: true, Addr: "127.0.0.1:0"})
	require.NoError(t, err)

	s := New(logx.Nop())
	s.Reconfigure(ctx, cfg)
	require.Eventually(t, func() bool { return s.Addr() != "" }, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, "ok", string(body))

	cfg.Enabled = false
	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s.Reconfigure(stopCtx, cfg)
	require.Empty(t, s.Addr())
}
