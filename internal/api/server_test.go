package api

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/rdobrynin/avito-scrape-message/internal/config"
)

func TestServerServeAndShutdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := config.NewDefaultConfig().Server
	cfg.ShutdownTimeout = 2 * time.Second
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "pong")
	})
	srv := NewServer(cfg, handler, zaptest.NewLogger(t))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	client := &http.Client{Timeout: 2 * time.Second, Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + ln.Addr().String() + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "pong", string(body))

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServerRunReportsListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := config.NewDefaultConfig().Server
	cfg.Port = ln.Addr().(*net.TCPAddr).Port
	srv := NewServer(cfg, http.NotFoundHandler(), zaptest.NewLogger(t))
	srv.http.Addr = ln.Addr().String()

	err = srv.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen on")
}

func TestNewServerDefaultsShutdownTimeout(t *testing.T) {
	cfg := config.NewDefaultConfig().Server
	cfg.ShutdownTimeout = 0
	srv := NewServer(cfg, http.NotFoundHandler(), zaptest.NewLogger(t))
	assert.Equal(t, defaultShutdownTimeout, srv.cfg.ShutdownTimeout)
	assert.Equal(t, ":9000", srv.http.Addr)
}
