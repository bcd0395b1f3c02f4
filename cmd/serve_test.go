package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rdobrynin/avito-scrape-message/internal/browser"
	"github.com/rdobrynin/avito-scrape-message/internal/browser/browsertest"
	"github.com/rdobrynin/avito-scrape-message/internal/config"
	"github.com/rdobrynin/avito-scrape-message/internal/site"
)

const profileURL = "https://www.avito.ru/profile"

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.Server.Port = freePort(t)
	cfg.Server.RateLimitMax = 0
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Session.PollInterval = 20 * time.Millisecond
	cfg.Session.PollTimeout = time.Second
	cfg.Session.AutoStart = false
	cfg.Snapshot.Enabled = false
	cfg.Site.KeyDelay = 0
	cfg.Site.FieldSettle = 0
	cfg.Site.SubmitSettle = 0
	cfg.Site.PostLoginSettle = 0
	return cfg
}

// useFakeBrowser swaps the Chrome launcher for one whose pages land on
// landing after login and list candidates.
func useFakeBrowser(t *testing.T, cfg *config.Config, landing string, candidates ...site.Candidate) *browsertest.FakeLauncher {
	t.Helper()
	launcher := browsertest.NewFakeLauncher(func() *browsertest.FakePage {
		p := browsertest.NewFakePage(cfg.Site.IdentitySelector, cfg.Site.SecretSelector, cfg.Site.SubmitSelector)
		p.SetLocationAfterNavigation(landing)
		p.SetCookieJar([]browser.Cookie{{Name: "sessid", Value: "abc", Domain: ".avito.ru", Path: "/"}})
		if len(candidates) > 0 {
			p.SetElement(cfg.Site.MessageSelector, true)
			p.SetEvalResult(candidates)
		}
		return p
	})

	orig := newLauncher
	newLauncher = func(config.BrowserConfig, *zap.Logger) browser.Launcher { return launcher }
	t.Cleanup(func() { newLauncher = orig })
	return launcher
}

type wireFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func startApp(t *testing.T, cfg *config.Config, logger *zap.Logger) (*app, context.CancelFunc, <-chan error) {
	t.Helper()
	a, err := newApp(context.Background(), cfg, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.run(ctx) }()

	health := fmt.Sprintf("http://127.0.0.1:%d/healthz", cfg.Server.Port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(health)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	return a, cancel, errCh
}

func waitStopped(t *testing.T, errCh <-chan error) {
	t.Helper()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestServeRelaysMessagesEndToEnd(t *testing.T) {
	cfg := newTestConfig(t)
	launcher := useFakeBrowser(t, cfg, profileURL, site.Candidate{Text: "Is it still available?", Sender: "Ivan", OriginTime: "12:01", Unread: true})
	a, cancel, errCh := startApp(t, cfg, zaptest.NewLogger(t))
	base := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+base+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return a.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Post("http://"+base+"/api/avito/login", "application/json",
		bytes.NewBufferString(`{"username":"seller@example.com","password":"hunter2"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	frames := map[string]wireFrame{}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for len(frames) < 2 {
		var f wireFrame
		require.NoError(t, conn.ReadJSON(&f))
		frames[f.Event] = f
	}

	var msg struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Text     string `json:"text"`
		IsUnread bool   `json:"isUnread"`
	}
	require.NoError(t, json.Unmarshal(frames["newMessage"].Data, &msg))
	assert.Equal(t, "Ivan", msg.Username)
	assert.Equal(t, "Is it still available?", msg.Text)
	assert.True(t, msg.IsUnread)
	assert.NotEmpty(t, msg.ID)

	var notice struct {
		Message string `json:"message"`
		IsError bool   `json:"isError"`
	}
	require.NoError(t, json.Unmarshal(frames["message"].Data, &notice))
	assert.Equal(t, "Listening started", notice.Message)
	assert.False(t, notice.IsError)

	statusResp, err := http.Get("http://" + base + "/api/avito/status")
	require.NoError(t, err)
	var status struct {
		IsRunning bool `json:"isRunning"`
		Clients   int  `json:"clients"`
	}
	require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&status))
	statusResp.Body.Close()
	assert.True(t, status.IsRunning)
	assert.Equal(t, 1, status.Clients)

	cancel()
	waitStopped(t, errCh)

	require.Equal(t, 1, launcher.Launches())
	assert.True(t, launcher.LastPage().Closed(), "shutdown releases the browser")
	assert.Zero(t, launcher.LastPage().UseAfterClose())
}

func TestServeAutoStart(t *testing.T) {
	t.Run("configured credentials start listening", func(t *testing.T) {
		cfg := newTestConfig(t)
		cfg.Session.AutoStart = true
		cfg.Credentials.Login = "seller@example.com"
		cfg.Credentials.Password = "hunter2"
		launcher := useFakeBrowser(t, cfg, profileURL)

		a, cancel, errCh := startApp(t, cfg, zaptest.NewLogger(t))
		require.Eventually(t, func() bool { return a.manager.Status().IsRunning }, 5*time.Second, 10*time.Millisecond)
		assert.Equal(t, 1, launcher.Launches())

		cancel()
		waitStopped(t, errCh)
		assert.False(t, a.manager.Status().IsRunning)
		assert.True(t, launcher.LastPage().Closed())
	})

	t.Run("rejected login is logged and the server keeps running", func(t *testing.T) {
		cfg := newTestConfig(t)
		cfg.Session.AutoStart = true
		cfg.Credentials.Login = "seller@example.com"
		cfg.Credentials.Password = "wrong"
		useFakeBrowser(t, cfg, "https://www.avito.ru/login?error=1")

		core, logs := observer.New(zap.InfoLevel)
		a, cancel, errCh := startApp(t, cfg, zap.New(core))
		require.Eventually(t, func() bool { return logs.FilterMessage("Auto-start failed.").Len() == 1 }, 5*time.Second, 10*time.Millisecond)
		assert.False(t, a.manager.Status().IsRunning)

		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", cfg.Server.Port))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		cancel()
		waitStopped(t, errCh)
	})

	t.Run("disabled without credentials", func(t *testing.T) {
		cfg := newTestConfig(t)
		cfg.Session.AutoStart = true
		launcher := useFakeBrowser(t, cfg, profileURL)

		_, cancel, errCh := startApp(t, cfg, zaptest.NewLogger(t))
		cancel()
		waitStopped(t, errCh)
		assert.Zero(t, launcher.Launches())
	})
}

func TestServeFailsWhenPortIsTaken(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := newTestConfig(t)
	cfg.Server.Port = ln.Addr().(*net.TCPAddr).Port
	useFakeBrowser(t, cfg, profileURL)

	a, err := newApp(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.run(context.Background()) }()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "listen on")
	case <-time.After(10 * time.Second):
		t.Fatal("run did not fail")
	}
}

func TestNewAppRejectsUnreachableDatabase(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Session.Dedupe.Backend = "postgres"
	cfg.Database.URL = fmt.Sprintf("postgres://relay@127.0.0.1:%d/relay?sslmode=disable", freePort(t))
	cfg.Database.ConnectTimeout = 2 * time.Second
	useFakeBrowser(t, cfg, profileURL)

	_, err := newApp(context.Background(), cfg, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open seen-message store")
}

func TestServeReleasesSessionBeforeClosingHub(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Session.AutoStart = true
	cfg.Credentials.Login = "seller@example.com"
	cfg.Credentials.Password = "hunter2"
	useFakeBrowser(t, cfg, profileURL, site.Candidate{Text: "hi", Sender: "Ivan"})

	core, logs := observer.New(zap.InfoLevel)
	a, cancel, errCh := startApp(t, cfg, zap.New(core))
	require.Eventually(t, func() bool { return a.manager.Status().IsRunning }, 5*time.Second, 10*time.Millisecond)

	cancel()
	waitStopped(t, errCh)

	released, hubStopped := -1, -1
	for i, e := range logs.All() {
		switch e.Message {
		case "Session released.":
			released = i
		case "WebSocket hub stopped.":
			hubStopped = i
		}
	}
	require.NotEqual(t, -1, released)
	require.NotEqual(t, -1, hubStopped)
	assert.Less(t, released, hubStopped, "the hub stays open until the poll loop is gone")
	assert.Zero(t, logs.FilterMessage("Broadcast failed.").Len())
}
