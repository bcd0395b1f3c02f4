// internal/browser/chrome_test.go
package browser

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rdobrynin/avito-scrape-message/internal/config"
)

// flagValue returns the last value registered for name, mirroring how the
// allocator resolves duplicate switches.
func flagValue(flags []allocatorFlag, name string) (interface{}, bool) {
	var (
		value interface{}
		found bool
	)
	for _, f := range flags {
		if f.Name == name {
			value, found = f.Value, true
		}
	}
	return value, found
}

func TestAllocatorFlags(t *testing.T) {
	t.Run("headless and viewport", func(t *testing.T) {
		cfg := config.BrowserConfig{Headless: true, Viewport: config.ViewportConfig{Width: 1920, Height: 1080}}
		flags := allocatorFlags(cfg, "darwin")

		v, ok := flagValue(flags, "headless")
		require.True(t, ok)
		assert.Equal(t, true, v)

		v, ok = flagValue(flags, "window-size")
		require.True(t, ok)
		assert.Equal(t, "1920,1080", v)

		_, ok = flagValue(flags, "no-sandbox")
		assert.False(t, ok, "sandbox switches are linux only")
	})

	t.Run("headful browser", func(t *testing.T) {
		flags := allocatorFlags(config.BrowserConfig{Headless: false}, "darwin")
		v, _ := flagValue(flags, "headless")
		assert.Equal(t, false, v)
		_, ok := flagValue(flags, "window-size")
		assert.False(t, ok, "no window size without a viewport")
	})

	t.Run("custom args are parsed", func(t *testing.T) {
		cfg := config.BrowserConfig{Args: []string{
			"--disable-gpu",
			"--disable-features=IsolateOrigins,site-per-process",
			"  ",
			"lang=ru-RU",
		}}
		flags := allocatorFlags(cfg, "darwin")

		v, ok := flagValue(flags, "disable-gpu")
		require.True(t, ok)
		assert.Equal(t, true, v)

		v, ok = flagValue(flags, "disable-features")
		require.True(t, ok)
		assert.Equal(t, "IsolateOrigins,site-per-process", v)

		v, ok = flagValue(flags, "lang")
		require.True(t, ok)
		assert.Equal(t, "ru-RU", v)

		_, ok = flagValue(flags, "")
		assert.False(t, ok, "blank args are skipped")
	})

	t.Run("linux container switches", func(t *testing.T) {
		flags := allocatorFlags(config.BrowserConfig{Headless: true}, "linux")
		for _, name := range []string{"no-sandbox", "disable-dev-shm-usage", "disable-setuid-sandbox"} {
			v, ok := flagValue(flags, name)
			require.True(t, ok, name)
			assert.Equal(t, true, v, name)
		}
	})

	t.Run("default args produce options", func(t *testing.T) {
		cfg := config.NewDefaultConfig().Browser
		cfg.ExecutablePath = "/opt/chrome/chrome"
		opts := allocatorOptions(cfg)
		// defaults + automation switch + flags + user agent + exec path
		assert.Greater(t, len(opts), len(chromedp.DefaultExecAllocatorOptions))
	})
}

func TestPageEvents(t *testing.T) {
	t.Run("dom ready wait resolves on a later event", func(t *testing.T) {
		e := newPageEvents()
		mark := e.domReadyCount()

		go func() {
			time.Sleep(20 * time.Millisecond)
			e.observe(&page.EventDomContentEventFired{})
		}()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, e.waitDOMReadyAfter(ctx, mark))
		assert.Equal(t, mark+1, e.domReadyCount())
	})

	t.Run("dom ready wait honors the deadline", func(t *testing.T) {
		e := newPageEvents()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, e.waitDOMReadyAfter(ctx, e.domReadyCount()), context.DeadlineExceeded)
	})

	t.Run("network idle tracks in-flight requests", func(t *testing.T) {
		e := newPageEvents()
		for _, id := range []network.RequestID{"1", "2", "3"} {
			e.observe(&network.EventRequestWillBeSent{RequestID: id})
		}

		short, cancel := context.WithTimeout(context.Background(), 2*networkIdleWindow)
		defer cancel()
		assert.Error(t, e.waitNetworkIdle(short), "three requests in flight is not idle")

		e.observe(&network.EventLoadingFinished{RequestID: "1"})
		e.observe(&network.EventLoadingFailed{RequestID: "2"})

		ctx, cancel2 := context.WithTimeout(context.Background(), 4*networkIdleWindow)
		defer cancel2()
		assert.NoError(t, e.waitNetworkIdle(ctx))
	})

	t.Run("top frame navigation resets in-flight requests", func(t *testing.T) {
		e := newPageEvents()
		for _, id := range []network.RequestID{"1", "2", "3", "4"} {
			e.observe(&network.EventRequestWillBeSent{RequestID: id})
		}
		e.observe(&page.EventFrameNavigated{Frame: &cdp.Frame{ID: "child", ParentID: "main"}})
		e.mu.Lock()
		assert.Len(t, e.inflight, 4, "child frame navigation keeps requests")
		e.mu.Unlock()

		e.observe(&page.EventFrameNavigated{Frame: &cdp.Frame{ID: "main"}})
		e.mu.Lock()
		assert.Empty(t, e.inflight)
		e.mu.Unlock()
	})
}

func TestCombineContext(t *testing.T) {
	t.Run("secondary cancellation propagates", func(t *testing.T) {
		type tabKey struct{}
		parent := context.WithValue(context.Background(), tabKey{}, "tab")
		secondary, cancelSecondary := context.WithCancel(context.Background())

		combined, cancel := combineContext(parent, secondary)
		defer cancel()

		assert.Equal(t, "tab", combined.Value(tabKey{}))
		cancelSecondary()
		select {
		case <-combined.Done():
		case <-time.After(time.Second):
			t.Fatal("combined context was not cancelled")
		}
	})

	t.Run("secondary deadline is inherited", func(t *testing.T) {
		secondary, cancelSecondary := context.WithTimeout(context.Background(), time.Minute)
		defer cancelSecondary()

		combined, cancel := combineContext(context.Background(), secondary)
		defer cancel()

		want, _ := secondary.Deadline()
		got, ok := combined.Deadline()
		require.True(t, ok)
		assert.Equal(t, want, got)
	})

	t.Run("parent stays alive after cancel", func(t *testing.T) {
		parent, cancelParent := context.WithCancel(context.Background())
		defer cancelParent()

		_, cancel := combineContext(parent, context.Background())
		cancel()
		assert.NoError(t, parent.Err())
	})
}

// TestChromeLauncherLaunch exercises a real browser when one is installed.
func TestChromeLauncherLaunch(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping browser launch in short mode")
	}
	if _, err := exec.LookPath("google-chrome"); err != nil {
		if _, err := exec.LookPath("chromium"); err != nil {
			t.Skip("no chrome binary available")
		}
	}

	cfg := config.NewDefaultConfig().Browser
	launcher := NewChromeLauncher(cfg, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	p, err := launcher.Launch(ctx)
	require.NoError(t, err)

	loc, err := p.Location(ctx)
	require.NoError(t, err)
	assert.Equal(t, "about:blank", loc)

	require.NoError(t, p.Close(ctx))
	require.NoError(t, p.Close(ctx), "second close is a no-op")

	_, err = p.Location(ctx)
	assert.ErrorIs(t, err, ErrPageClosed)
}
