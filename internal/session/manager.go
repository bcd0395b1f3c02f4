// Package session owns the single browser-automation session: login, the
// optional poll loop that scrapes new messages, and teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rdobrynin/avito-scrape-message/internal/browser"
	"github.com/rdobrynin/avito-scrape-message/internal/config"
	"github.com/rdobrynin/avito-scrape-message/internal/relay"
	"github.com/rdobrynin/avito-scrape-message/internal/site"
)

const (
	msgStarted         = "Listener started successfully"
	msgStopped         = "Listening stopped successfully"
	msgAlreadyRunning  = "Listening is already running"
	msgAlreadyStarting = "Listening is already starting"
	msgNotRunning      = "Listening is not running"
	msgHeldByAction    = "Session is held by a running action"
	msgShuttingDown    = "Session manager is shutting down"
	msgCookiesValid    = "Cookies are valid"

	defaultPollInterval = 10 * time.Second
	// releaseTimeout bounds closing the browser; the caller's context may
	// already be gone by then.
	releaseTimeout = 10 * time.Second
)

var (
	errNotAuthenticated = errors.New("location is outside the authenticated area")
	errNoCookies        = errors.New("no cookies supplied")
)

// Publisher receives events for connected clients.
type Publisher interface {
	Publish(ev relay.Event)
}

// Action runs against an authenticated page inside WithSession.
type Action func(ctx context.Context, page browser.Page) error

// Dependencies are the collaborators of a Manager.
type Dependencies struct {
	Launcher  browser.Launcher
	Adapter   site.Adapter
	Publisher Publisher
	// Deduper is optional; nil relays every candidate on every tick.
	Deduper Deduper
	// Snapshotter is optional; nil disables diagnostic captures.
	Snapshotter Snapshotter
	Logger      *zap.Logger
}

// Manager holds at most one session at a time. Callers interact only through
// its methods; the page handle and bookkeeping never leave it.
type Manager struct {
	cfg       config.SessionConfig
	username  string
	launcher  browser.Launcher
	adapter   site.Adapter
	publisher Publisher
	deduper   Deduper
	snapshots Snapshotter
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	state   State
	closing bool
	page    browser.Page
	// settled is closed when the current STARTING phase, or a scoped
	// WithSession run, ends.
	settled      chan struct{}
	scoped       bool
	scopedCancel context.CancelFunc
	// stopped is closed when the current STOPPING phase ends.
	stopped    chan struct{}
	pollCancel context.CancelFunc
	pollDone   chan struct{}
	lastCheck  time.Time
	lastError  string
}

// NewManager builds an idle manager. username labels relayed events whose
// sender could not be read.
func NewManager(cfg config.SessionConfig, username string, deps Dependencies) *Manager {
	if cfg.PollingEnabled && cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	m := &Manager{
		cfg:       cfg,
		username:  username,
		launcher:  deps.Launcher,
		adapter:   deps.Adapter,
		publisher: deps.Publisher,
		deduper:   deps.Deduper,
		snapshots: deps.Snapshotter,
		logger:    deps.Logger.Named("session"),
		now:       time.Now,
	}
	if m.snapshots == nil {
		m.snapshots = nopSnapshotter{}
	}
	return m
}

// Status returns a copy of the bookkeeping. It never blocks on I/O.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		State:     m.state,
		IsRunning: m.page != nil,
		Polling:   m.pollCancel != nil,
	}
	if !m.lastCheck.IsZero() {
		t := m.lastCheck
		st.LastCheck = &t
	}
	if m.lastError != "" {
		e := m.lastError
		st.LastError = &e
	}
	return st
}

// claim moves IDLE to STARTING. The check and the transition happen under one
// lock so concurrent starts cannot both proceed.
func (m *Manager) claim() (chan struct{}, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.closing:
		return nil, msgShuttingDown, false
	case m.state == StateStarting:
		return nil, msgAlreadyStarting, false
	case m.state != StateIdle:
		return nil, msgAlreadyRunning, false
	}
	m.state = StateStarting
	m.settled = make(chan struct{})
	return m.settled, "", true
}

func (m *Manager) settleLocked(ch chan struct{}, next State) {
	m.state = next
	close(ch)
	if m.settled == ch {
		m.settled = nil
	}
}

func (m *Manager) settle(ch chan struct{}, next State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settleLocked(ch, next)
}

// Start launches a browser, logs in with creds and, when polling is enabled,
// begins the poll loop. It declines while any session exists.
func (m *Manager) Start(ctx context.Context, creds site.Credentials) Result {
	settled, reason, ok := m.claim()
	if !ok {
		m.logger.Info("Start declined.", zap.String("reason", reason))
		return declined(reason)
	}
	if err := creds.Validate(); err != nil {
		m.settle(settled, StateIdle)
		return failed("Failed to start listening", &Error{Kind: KindInvalid, Op: "validate credentials", Err: err})
	}

	m.logger.Info("Starting Avito listening...", zap.String("site", m.adapter.Name()), zap.String("login", creds.Login))
	page, cookies, serr := m.login(ctx, creds)
	if serr != nil {
		m.settle(settled, StateIdle)
		m.logger.Error("Failed to start listening.", zap.String("kind", serr.Kind.String()), zap.Error(serr))
		return failed("Failed to start listening", serr)
	}

	m.mu.Lock()
	m.page = page
	if m.cfg.PollingEnabled {
		m.startPollingLocked(page)
	}
	polling := m.pollCancel != nil
	m.settleLocked(settled, StateRunning)
	m.mu.Unlock()

	m.logger.Info("Avito listener started successfully.", zap.Bool("polling", polling), zap.Int("cookies", len(cookies)))
	r := succeeded(msgStarted)
	r.Cookies = cookies
	return r
}

// login runs the adapter pipeline on a fresh browser. On any failure the
// browser is released before returning.
func (m *Manager) login(ctx context.Context, creds site.Credentials) (browser.Page, []browser.Cookie, *Error) {
	page, err := m.launcher.Launch(ctx)
	if err != nil {
		return nil, nil, &Error{Kind: KindFatal, Op: "launch browser", Err: err}
	}

	fail := func(kind ErrorKind, op string, err error) (browser.Page, []browser.Cookie, *Error) {
		m.snapshot(ctx, page, "login-failed")
		m.release(page)
		return nil, nil, &Error{Kind: kind, Op: op, Err: err}
	}

	if err := site.RunPipeline(ctx, page, m.adapter.LoginSteps(creds), m.logger); err != nil {
		return fail(KindTransient, "login", err)
	}
	location, err := page.Location(ctx)
	if err != nil {
		return fail(KindTransient, "read location", err)
	}
	m.logger.Info("Checking login status.", zap.String("location", location))
	if !m.adapter.Authenticated(location) {
		return fail(KindNotAuthenticated, "login", fmt.Errorf("%w: %s", errNotAuthenticated, location))
	}

	m.snapshot(ctx, page, "login-result")
	cookies, err := page.Cookies(ctx)
	if err != nil {
		m.logger.Warn("Could not read session cookies.", zap.Error(err))
	}
	return page, cookies, nil
}

// Stop halts polling and releases the browser. A stop that arrives while a
// start is in flight waits for it to finish first; one that arrives while
// another stop is releasing the browser waits for that release.
func (m *Manager) Stop(ctx context.Context) Result {
	m.mu.Lock()
	for m.state == StateStarting {
		settled := m.settled
		m.mu.Unlock()
		select {
		case <-settled:
		case <-ctx.Done():
			return failed("Failed to stop listening", &Error{Kind: KindTransient, Op: "await start", Err: ctx.Err()})
		}
		m.mu.Lock()
	}
	if m.state == StateStopping && m.stopped != nil {
		// Another stop is already releasing the browser; report its outcome.
		stopped := m.stopped
		m.mu.Unlock()
		select {
		case <-stopped:
			return succeeded(msgStopped)
		case <-ctx.Done():
			return failed("Failed to stop listening", &Error{Kind: KindTransient, Op: "await stop", Err: ctx.Err()})
		}
	}
	if m.state != StateRunning {
		m.mu.Unlock()
		return declined(msgNotRunning)
	}
	if m.scoped {
		m.mu.Unlock()
		return declined(msgHeldByAction)
	}
	page, cancel, done, stopped := m.beginStopLocked()
	m.mu.Unlock()

	m.teardown(page, cancel, done, stopped)
	m.logger.Info("Avito listening stopped.")
	return succeeded(msgStopped)
}

func (m *Manager) beginStopLocked() (browser.Page, context.CancelFunc, chan struct{}, chan struct{}) {
	m.state = StateStopping
	m.stopped = make(chan struct{})
	page, cancel, done := m.page, m.pollCancel, m.pollDone
	m.pollCancel, m.pollDone = nil, nil
	return page, cancel, done, m.stopped
}

// teardown cancels the poll loop, waits for an in-flight tick and only then
// closes the page, so no tick ever touches a released handle.
func (m *Manager) teardown(page browser.Page, cancel context.CancelFunc, done, stopped chan struct{}) {
	if cancel != nil {
		cancel()
		<-done
	}
	m.release(page)

	m.mu.Lock()
	m.page = nil
	m.state = StateIdle
	close(stopped)
	if m.stopped == stopped {
		m.stopped = nil
	}
	m.mu.Unlock()
}

func (m *Manager) release(page browser.Page) {
	if page == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := page.Close(ctx); err != nil {
		m.logger.Warn("Failed to close browser.", zap.Error(err))
	}
}

func (m *Manager) snapshot(ctx context.Context, page browser.Page, name string) {
	path, err := m.snapshots.Capture(ctx, page, name)
	if err != nil {
		m.logger.Warn("Not success save screenshot.", zap.String("name", name), zap.Error(err))
		return
	}
	if path != "" {
		m.logger.Debug("Saved screenshot.", zap.String("path", path))
	}
}

func (m *Manager) startPollingLocked(page browser.Page) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.pollCancel, m.pollDone = cancel, done
	go m.pollLoop(ctx, page, done)
}

// pollLoop runs ticks synchronously, so two ticks never overlap; the ticker
// drops ticks that come due while one is still running.
func (m *Manager) pollLoop(ctx context.Context, page browser.Page, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			m.pollOnce(ctx, page)
		}
	}
}

// pollOnce scrapes the listing and relays every new candidate. A failed tick
// is recorded in lastError and retried on the next one.
func (m *Manager) pollOnce(ctx context.Context, page browser.Page) {
	tickCtx := ctx
	if m.cfg.PollTimeout > 0 {
		var cancel context.CancelFunc
		tickCtx, cancel = context.WithTimeout(ctx, m.cfg.PollTimeout)
		defer cancel()
	}

	candidates, err := m.scrape(tickCtx, page)
	if err != nil {
		if ctx.Err() != nil {
			// Stopped mid-tick.
			return
		}
		perr := &Error{Kind: KindTransient, Op: "poll", Err: err}
		m.mu.Lock()
		m.lastError = perr.Error()
		m.mu.Unlock()

		m.logger.Error("Error checking messages.", zap.Error(perr))
		m.publisher.Publish(relay.Event{
			Kind: relay.KindError,
			Payload: relay.Notice{
				Username: m.username,
				Message:  "Error checking messages: " + perr.Error(),
				IsError:  true,
			},
		})
		return
	}

	published := 0
	for _, c := range candidates {
		if m.forward(tickCtx, c) {
			published++
		}
	}

	m.mu.Lock()
	m.lastCheck = m.now()
	m.lastError = ""
	m.mu.Unlock()

	if published > 0 {
		m.logger.Info("Found new messages.", zap.Int("count", published), zap.Int("candidates", len(candidates)))
	}
}

func (m *Manager) scrape(ctx context.Context, page browser.Page) ([]site.Candidate, error) {
	if err := m.adapter.OpenListing(ctx, page); err != nil {
		return nil, err
	}
	return m.adapter.Extract(ctx, page)
}

// forward publishes c unless the deduper has seen it. A deduper failure errs
// on the side of delivering.
func (m *Manager) forward(ctx context.Context, c site.Candidate) bool {
	key := messageKey(c)
	if m.deduper != nil {
		first, err := m.deduper.MarkSeen(ctx, key)
		if err != nil {
			m.logger.Warn("Dedupe lookup failed; relaying anyway.", zap.Error(err))
		} else if !first {
			return false
		}
	}

	username := c.Sender
	if username == "" {
		username = m.username
	}
	m.publisher.Publish(relay.Event{
		Kind: relay.KindNewMessage,
		Payload: relay.Message{
			ID:         messageID(key),
			Username:   username,
			Text:       c.Text,
			Timestamp:  m.now(),
			OriginTime: c.OriginTime,
			IsUnread:   c.Unread,
		},
	})
	return true
}

// WithSession logs in, runs action and always releases the browser
// afterwards, however action returns. It fails with ErrDeclined while any
// other session exists. No poll loop runs during action.
func (m *Manager) WithSession(ctx context.Context, creds site.Credentials, action Action) error {
	settled, reason, ok := m.claim()
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeclined, reason)
	}
	if err := creds.Validate(); err != nil {
		m.settle(settled, StateIdle)
		return &Error{Kind: KindInvalid, Op: "validate credentials", Err: err}
	}

	page, _, serr := m.login(ctx, creds)
	if serr != nil {
		m.settle(settled, StateIdle)
		return serr
	}

	actionCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.page = page
	m.state = StateRunning
	m.scoped = true
	m.scopedCancel = cancel
	if m.closing {
		cancel()
	}
	m.mu.Unlock()

	defer func() {
		cancel()
		m.mu.Lock()
		m.state = StateStopping
		m.scopedCancel = nil
		m.mu.Unlock()

		m.release(page)

		m.mu.Lock()
		m.page = nil
		m.scoped = false
		m.settleLocked(settled, StateIdle)
		m.mu.Unlock()
	}()

	return action(actionCtx, page)
}

// CheckCookies tests whether cookies still open an authenticated page. It
// uses a throwaway browser and holds the session slot while doing so.
func (m *Manager) CheckCookies(ctx context.Context, cookies []browser.Cookie) Result {
	const prefix = "Cookie check failed"

	settled, reason, ok := m.claim()
	if !ok {
		return declined(reason)
	}
	defer m.settle(settled, StateIdle)

	if len(cookies) == 0 {
		return failed(prefix, &Error{Kind: KindInvalid, Op: "validate cookies", Err: errNoCookies})
	}

	page, err := m.launcher.Launch(ctx)
	if err != nil {
		return failed(prefix, &Error{Kind: KindFatal, Op: "launch browser", Err: err})
	}
	defer m.release(page)

	if err := page.SetCookies(ctx, cookies); err != nil {
		return failed(prefix, &Error{Kind: KindTransient, Op: "restore cookies", Err: err})
	}
	if err := m.adapter.OpenProbe(ctx, page); err != nil {
		return failed(prefix, &Error{Kind: KindTransient, Op: "probe", Err: err})
	}
	location, err := page.Location(ctx)
	if err != nil {
		return failed(prefix, &Error{Kind: KindTransient, Op: "read location", Err: err})
	}
	if !m.adapter.Authenticated(location) {
		return failed(prefix, &Error{Kind: KindNotAuthenticated, Op: "probe", Err: fmt.Errorf("%w: %s", errNotAuthenticated, location)})
	}

	current, err := page.Cookies(ctx)
	if err != nil {
		m.logger.Warn("Could not read refreshed cookies.", zap.Error(err))
		current = cookies
	}
	r := succeeded(msgCookiesValid)
	r.Cookies = current
	return r
}

// Shutdown forces the manager back to IDLE whatever it is doing and rejects
// later starts. An in-flight start is awaited; a WithSession action is
// cancelled and awaited.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	for {
		switch {
		case m.state == StateStarting || m.scoped:
			if m.scopedCancel != nil {
				m.scopedCancel()
			}
			settled := m.settled
			m.mu.Unlock()
			select {
			case <-settled:
			case <-ctx.Done():
				return ctx.Err()
			}
			m.mu.Lock()
		case m.state == StateStopping:
			stopped := m.stopped
			m.mu.Unlock()
			select {
			case <-stopped:
			case <-ctx.Done():
				return ctx.Err()
			}
			m.mu.Lock()
		case m.state == StateRunning:
			page, cancel, done, stopped := m.beginStopLocked()
			m.mu.Unlock()
			m.teardown(page, cancel, done, stopped)
			m.logger.Info("Session released on shutdown.")
			return nil
		default:
			m.mu.Unlock()
			return nil
		}
	}
}
