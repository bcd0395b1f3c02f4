// Package browsertest provides scriptable in-memory implementations of the
// browser interfaces for tests.
package browsertest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/rdobrynin/avito-scrape-message/internal/browser"
)

// Operation names accepted by FakePage.Fail.
const (
	OpNavigate       = "navigate"
	OpWaitFor        = "waitfor"
	OpExists         = "exists"
	OpClick          = "click"
	OpType           = "type"
	OpWaitNavigation = "waitnavigation"
	OpLocation       = "location"
	OpCookies        = "cookies"
	OpSetCookies     = "setcookies"
	OpEvaluate       = "evaluate"
	OpSnapshot       = "snapshot"
	OpClose          = "close"
)

// FakePage is a browser.Page backed by plain fields. The zero value is not
// usable; call NewFakePage.
type FakePage struct {
	mu sync.Mutex

	elements map[string]bool
	location string
	// afterNavigation is the location a WaitNavigation settles on.
	afterNavigation string
	cookies         []browser.Cookie
	evalResult      interface{}
	snapshot        []byte
	failures        map[string]error

	calls         []string
	typed         map[string]string
	closed        bool
	closeCount    int
	useAfterClose int

	// OnNavigate, when set, runs before every Navigate and may block on ctx.
	OnNavigate func(ctx context.Context, url string) error
	// OnEvaluate, when set, runs before every Evaluate and may block on ctx.
	OnEvaluate func(ctx context.Context, script string) error
}

// NewFakePage returns a page at about:blank where every listed selector exists.
func NewFakePage(selectors ...string) *FakePage {
	p := &FakePage{
		elements: make(map[string]bool),
		location: "about:blank",
		failures: make(map[string]error),
		typed:    make(map[string]string),
		snapshot: []byte("\x89PNG fake"),
	}
	for _, s := range selectors {
		p.elements[s] = true
	}
	return p
}

// SetElement adds or removes a selector.
func (p *FakePage) SetElement(selector string, present bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.elements[selector] = present
}

// SetLocationAfterNavigation sets where WaitNavigation lands.
func (p *FakePage) SetLocationAfterNavigation(loc string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.afterNavigation = loc
}

// SetEvalResult sets the value Evaluate decodes into its out argument.
func (p *FakePage) SetEvalResult(v interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evalResult = v
}

// SetCookieJar replaces the cookies the page reports.
func (p *FakePage) SetCookieJar(cookies []browser.Cookie) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cookies = append([]browser.Cookie(nil), cookies...)
}

// Fail makes op return err until cleared with a nil err.
func (p *FakePage) Fail(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, op)
		return
	}
	p.failures[op] = err
}

// Calls returns the recorded operations as "op" or "op:arg".
func (p *FakePage) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// Typed returns what was typed into selector.
func (p *FakePage) Typed(selector string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.typed[selector]
}

// CurrentLocation returns the location without recording a call.
func (p *FakePage) CurrentLocation() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.location
}

// Closed reports whether Close has been called.
func (p *FakePage) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// CloseCount is the number of Close calls.
func (p *FakePage) CloseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCount
}

// UseAfterClose counts operations attempted on a closed page.
func (p *FakePage) UseAfterClose() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.useAfterClose
}

// enter records a call and returns the error the call must fail with, if any.
func (p *FakePage) enter(op, arg string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if arg != "" {
		p.calls = append(p.calls, op+":"+arg)
	} else {
		p.calls = append(p.calls, op)
	}
	if p.closed {
		p.useAfterClose++
		return browser.ErrPageClosed
	}
	return p.failures[op]
}

func (p *FakePage) Navigate(ctx context.Context, url string, _ browser.WaitCondition, _ time.Duration) error {
	if err := p.enter(OpNavigate, url); err != nil {
		return err
	}
	if p.OnNavigate != nil {
		if err := p.OnNavigate(ctx, url); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.location = url
	p.mu.Unlock()
	return nil
}

func (p *FakePage) WaitFor(ctx context.Context, selector string, timeout time.Duration) error {
	if err := p.enter(OpWaitFor, selector); err != nil {
		return err
	}
	p.mu.Lock()
	present := p.elements[selector]
	p.mu.Unlock()
	if !present {
		return fmt.Errorf("%w: %s after %s", browser.ErrElementNotFound, selector, timeout)
	}
	return ctx.Err()
}

func (p *FakePage) Exists(ctx context.Context, selector string) (bool, error) {
	if err := p.enter(OpExists, selector); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.elements[selector], ctx.Err()
}

func (p *FakePage) Click(ctx context.Context, selector string) error {
	if err := p.enter(OpClick, selector); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.elements[selector] {
		return fmt.Errorf("click %s: %w", selector, browser.ErrElementNotFound)
	}
	return ctx.Err()
}

func (p *FakePage) Type(ctx context.Context, selector, text string, _ time.Duration) error {
	if err := p.enter(OpType, selector); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.elements[selector] {
		return fmt.Errorf("type into %s: %w", selector, browser.ErrElementNotFound)
	}
	p.typed[selector] += text
	return ctx.Err()
}

func (p *FakePage) WaitNavigation(ctx context.Context, _ time.Duration) error {
	if err := p.enter(OpWaitNavigation, ""); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.afterNavigation != "" {
		p.location = p.afterNavigation
	}
	return ctx.Err()
}

func (p *FakePage) Location(ctx context.Context) (string, error) {
	if err := p.enter(OpLocation, ""); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.location, ctx.Err()
}

func (p *FakePage) Cookies(ctx context.Context) ([]browser.Cookie, error) {
	if err := p.enter(OpCookies, ""); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]browser.Cookie(nil), p.cookies...), ctx.Err()
}

func (p *FakePage) SetCookies(ctx context.Context, cookies []browser.Cookie) error {
	if err := p.enter(OpSetCookies, ""); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cookies = append(p.cookies, cookies...)
	return ctx.Err()
}

func (p *FakePage) Evaluate(ctx context.Context, script string, out interface{}) error {
	if err := p.enter(OpEvaluate, ""); err != nil {
		return err
	}
	if p.OnEvaluate != nil {
		if err := p.OnEvaluate(ctx, script); err != nil {
			return err
		}
	}
	p.mu.Lock()
	result := p.evalResult
	p.mu.Unlock()

	if out == nil || result == nil {
		return ctx.Err()
	}
	raw, err := jsoniter.Marshal(result)
	if err != nil {
		return err
	}
	if err := jsoniter.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return ctx.Err()
}

func (p *FakePage) Snapshot(ctx context.Context) ([]byte, error) {
	if err := p.enter(OpSnapshot, ""); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.snapshot...), ctx.Err()
}

// Close marks the page closed. Repeated calls succeed.
func (p *FakePage) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, OpClose)
	p.closeCount++
	if p.closed {
		return nil
	}
	p.closed = true
	return p.failures[OpClose]
}

// CallsWithPrefix filters Calls by operation name.
func (p *FakePage) CallsWithPrefix(op string) []string {
	var out []string
	for _, c := range p.Calls() {
		if c == op || strings.HasPrefix(c, op+":") {
			out = append(out, c)
		}
	}
	return out
}

// FakeLauncher hands out pages produced by NewPage.
type FakeLauncher struct {
	mu       sync.Mutex
	launches int
	pages    []*FakePage
	err      error

	// NewPage builds the page for each launch.
	NewPage func() *FakePage
}

// NewFakeLauncher returns a launcher whose pages come from newPage.
func NewFakeLauncher(newPage func() *FakePage) *FakeLauncher {
	return &FakeLauncher{NewPage: newPage}
}

// FailWith makes subsequent launches fail with err.
func (l *FakeLauncher) FailWith(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

func (l *FakeLauncher) Launch(ctx context.Context) (browser.Page, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	if l.err != nil {
		return nil, l.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := l.NewPage()
	l.pages = append(l.pages, p)
	return p, nil
}

// Launches is the number of Launch calls.
func (l *FakeLauncher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

// Pages returns every page handed out so far.
func (l *FakeLauncher) Pages() []*FakePage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*FakePage(nil), l.pages...)
}

// LastPage returns the most recent page or nil.
func (l *FakeLauncher) LastPage() *FakePage {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pages) == 0 {
		return nil
	}
	return l.pages[len(l.pages)-1]
}

var (
	_ browser.Page     = (*FakePage)(nil)
	_ browser.Launcher = (*FakeLauncher)(nil)
)
