// internal/browser/chrome.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/rdobrynin/avito-scrape-message/internal/config"
)

const (
	// networkIdleWindow and networkIdleMaxInflight define "network idle":
	// no more than two requests in flight for half a second.
	networkIdleWindow      = 500 * time.Millisecond
	networkIdleMaxInflight = 2
	networkIdlePoll        = 100 * time.Millisecond
)

// ChromeLauncher launches headless Chrome through chromedp.
type ChromeLauncher struct {
	cfg    config.BrowserConfig
	logger *zap.Logger
}

// NewChromeLauncher returns a launcher for cfg.
func NewChromeLauncher(cfg config.BrowserConfig, logger *zap.Logger) *ChromeLauncher {
	return &ChromeLauncher{cfg: cfg, logger: logger.Named("browser")}
}

// Launch starts a browser process and opens a page in it.
func (l *ChromeLauncher) Launch(ctx context.Context) (Page, error) {
	l.logger.Info("Launching browser.",
		zap.Bool("headless", l.cfg.Headless),
		zap.String("executable", l.cfg.ExecutablePath))

	// The browser lifetime belongs to the page, not to the caller's request.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(l.cfg)...)

	var ctxOpts []chromedp.ContextOption
	if l.cfg.Debug {
		ctxOpts = append(ctxOpts, chromedp.WithDebugf(l.logger.Sugar().Debugf))
	}
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, ctxOpts...)

	p := &chromePage{
		ctx:         tabCtx,
		cancelTab:   tabCancel,
		cancelAlloc: allocCancel,
		events:      newPageEvents(),
		logger:      l.logger,
		closed:      make(chan struct{}),
	}
	chromedp.ListenTarget(tabCtx, p.events.observe)

	setup := []chromedp.Action{network.Enable()}
	if l.cfg.Viewport.Width > 0 && l.cfg.Viewport.Height > 0 {
		setup = append(setup, chromedp.EmulateViewport(int64(l.cfg.Viewport.Width), int64(l.cfg.Viewport.Height)))
	}
	setup = append(setup, chromedp.Navigate("about:blank"))

	// The first Run allocates the browser. It must not carry a deadline or the
	// browser would be killed when the deadline passes, so the launch timeout
	// is enforced from the outside.
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(tabCtx, setup...) }()

	timer := time.NewTimer(l.cfg.LaunchTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			p.release()
			return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
		}
	case <-timer.C:
		p.release()
		<-done
		return nil, fmt.Errorf("%w: browser did not respond within %s", ErrLaunch, l.cfg.LaunchTimeout)
	case <-ctx.Done():
		p.release()
		<-done
		return nil, ctx.Err()
	}

	l.logger.Info("Browser launched and responsive.")
	return p, nil
}

// chromePage implements Page over one chromedp tab.
type chromePage struct {
	ctx         context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
	events      *pageEvents
	logger      *zap.Logger

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}

	// markMu guards domReadyMark, the DOMContentLoaded count observed just
	// before the last action that may navigate.
	markMu       sync.Mutex
	domReadyMark uint64
}

// run executes actions on the tab bounded by ctx. A cancelled ctx only
// aborts the actions, never the tab.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	select {
	case <-p.closed:
		return ErrPageClosed
	default:
	}
	runCtx, cancel := combineContext(p.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (p *chromePage) markNavigation() {
	p.markMu.Lock()
	p.domReadyMark = p.events.domReadyCount()
	p.markMu.Unlock()
}

func (p *chromePage) Navigate(ctx context.Context, url string, wait WaitCondition, timeout time.Duration) error {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	p.markNavigation()
	switch wait {
	case WaitDOMContentLoaded:
		before := p.events.domReadyCount()
		target, err := jsoniter.MarshalToString(url)
		if err != nil {
			return err
		}
		if err := p.run(ctx, chromedp.Evaluate("window.location.assign("+target+")", nil)); err != nil {
			return fmt.Errorf("navigate to %s: %w", url, err)
		}
		if err := p.events.waitDOMReadyAfter(ctx, before); err != nil {
			return fmt.Errorf("navigate to %s (%s): %w", url, wait, err)
		}
	default:
		if err := p.run(ctx, chromedp.Navigate(url)); err != nil {
			return fmt.Errorf("navigate to %s: %w", url, err)
		}
		if wait == WaitNetworkIdle {
			if err := p.events.waitNetworkIdle(ctx); err != nil {
				return fmt.Errorf("navigate to %s (%s): %w", url, wait, err)
			}
		}
	}
	p.markNavigation()
	return nil
}

func (p *chromePage) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	waitCtx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	err := p.run(waitCtx, chromedp.WaitReady(selector, chromedp.ByQuery))
	if err == nil {
		return nil
	}
	// Only our own deadline means "not found"; a cancelled parent is reported as is.
	if ctx.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s after %s", ErrElementNotFound, selector, timeout)
	}
	return fmt.Errorf("wait for %s: %w", selector, err)
}

func (p *chromePage) Exists(ctx context.Context, selector string) (bool, error) {
	var nodes []*cdp.Node
	if err := p.run(ctx, chromedp.Nodes(selector, &nodes, chromedp.ByQuery, chromedp.AtLeast(0))); err != nil {
		return false, fmt.Errorf("query %s: %w", selector, err)
	}
	return len(nodes) > 0, nil
}

func (p *chromePage) Click(ctx context.Context, selector string) error {
	p.markNavigation()
	if err := p.run(ctx, chromedp.Click(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}

func (p *chromePage) Type(ctx context.Context, selector, text string, keyDelay time.Duration) error {
	if err := p.run(ctx, chromedp.Click(selector, chromedp.ByQuery), chromedp.Focus(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("focus %s: %w", selector, err)
	}
	for i, r := range text {
		if i > 0 && keyDelay > 0 {
			if err := sleepCtx(ctx, keyDelay); err != nil {
				return err
			}
		}
		if err := p.run(ctx, chromedp.KeyEvent(string(r))); err != nil {
			return fmt.Errorf("type into %s: %w", selector, err)
		}
	}
	return nil
}

func (p *chromePage) WaitNavigation(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	p.markMu.Lock()
	mark := p.domReadyMark
	p.markMu.Unlock()

	if err := p.events.waitDOMReadyAfter(ctx, mark); err != nil {
		return fmt.Errorf("wait for navigation: %w", err)
	}
	p.markNavigation()
	return nil
}

func (p *chromePage) Location(ctx context.Context) (string, error) {
	var loc string
	if err := p.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return loc, nil
}

func (p *chromePage) Cookies(ctx context.Context) ([]Cookie, error) {
	var raw []*network.Cookie
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		raw, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}

	cookies := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: c.SameSite.String(),
		})
	}
	return cookies, nil
}

func (p *chromePage) SetCookies(ctx context.Context, cookies []Cookie) error {
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		cp := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.SameSite != "" {
			cp.SameSite = network.CookieSameSite(c.SameSite)
		}
		if c.Expires > 0 {
			sec := int64(c.Expires)
			expires := cdp.TimeSinceEpoch(time.Unix(sec, int64((c.Expires-float64(sec))*1e9)))
			cp.Expires = &expires
		}
		params = append(params, cp)
	}
	if err := p.run(ctx, network.SetCookies(params)); err != nil {
		return fmt.Errorf("set cookies: %w", err)
	}
	return nil
}

func (p *chromePage) Evaluate(ctx context.Context, script string, out interface{}) error {
	awaitPromise := func(ep *cdpruntime.EvaluateParams) *cdpruntime.EvaluateParams {
		return ep.WithAwaitPromise(true)
	}
	if err := p.run(ctx, chromedp.Evaluate(script, out, awaitPromise)); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return nil
}

func (p *chromePage) Snapshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	// Quality 100 selects PNG encoding.
	if err := p.run(ctx, chromedp.FullScreenshot(&buf, 100)); err != nil {
		return nil, fmt.Errorf("capture snapshot: %w", err)
	}
	return buf, nil
}

func (p *chromePage) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		close(p.closed)
		closed := make(chan error, 1)
		go func() { closed <- chromedp.Cancel(p.ctx) }()
		select {
		case err := <-closed:
			if err != nil && !errors.Is(err, context.Canceled) {
				p.closeErr = fmt.Errorf("close browser: %w", err)
			}
		case <-ctx.Done():
			p.logger.Warn("Browser did not close gracefully; killing it.", zap.Error(ctx.Err()))
		}
		p.release()
	})
	return p.closeErr
}

// release tears down the tab and allocator contexts, killing the process.
func (p *chromePage) release() {
	p.cancelTab()
	p.cancelAlloc()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pageEvents counts page lifecycle events delivered by the target listener.
type pageEvents struct {
	mu       sync.Mutex
	changed  chan struct{}
	domReady uint64
	loaded   uint64
	inflight map[network.RequestID]struct{}
	lastNet  time.Time
}

func newPageEvents() *pageEvents {
	return &pageEvents{
		changed:  make(chan struct{}),
		inflight: make(map[network.RequestID]struct{}),
		lastNet:  time.Now(),
	}
}

func (e *pageEvents) observe(ev interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch ev := ev.(type) {
	case *page.EventDomContentEventFired:
		e.domReady++
	case *page.EventLoadEventFired:
		e.loaded++
	case *page.EventFrameNavigated:
		if ev.Frame != nil && ev.Frame.ParentID == "" {
			e.inflight = make(map[network.RequestID]struct{})
		}
	case *network.EventRequestWillBeSent:
		e.inflight[ev.RequestID] = struct{}{}
		e.lastNet = time.Now()
	case *network.EventLoadingFinished:
		delete(e.inflight, ev.RequestID)
		e.lastNet = time.Now()
	case *network.EventLoadingFailed:
		delete(e.inflight, ev.RequestID)
		e.lastNet = time.Now()
	default:
		return
	}
	close(e.changed)
	e.changed = make(chan struct{})
}

func (e *pageEvents) domReadyCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.domReady
}

func (e *pageEvents) waitDOMReadyAfter(ctx context.Context, mark uint64) error {
	for {
		e.mu.Lock()
		ready := e.domReady > mark
		ch := e.changed
		e.mu.Unlock()
		if ready {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *pageEvents) waitNetworkIdle(ctx context.Context) error {
	ticker := time.NewTicker(networkIdlePoll)
	defer ticker.Stop()
	for {
		e.mu.Lock()
		idle := len(e.inflight) <= networkIdleMaxInflight && time.Since(e.lastNet) >= networkIdleWindow
		e.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
