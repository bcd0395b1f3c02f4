// internal/browser/engine.go
package browser

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrElementNotFound is returned when a selector does not resolve before
	// its timeout.
	ErrElementNotFound = errors.New("element not found")
	// ErrLaunch marks a failure to start the browser process itself.
	ErrLaunch = errors.New("browser launch failed")
	// ErrPageClosed is returned by any operation on a released page.
	ErrPageClosed = errors.New("page is closed")
)

// WaitCondition selects the page lifecycle signal a navigation waits for.
type WaitCondition int

const (
	// WaitLoad waits for the window load event.
	WaitLoad WaitCondition = iota
	// WaitDOMContentLoaded waits for DOMContentLoaded only.
	WaitDOMContentLoaded
	// WaitNetworkIdle waits for load and then for at most two in-flight
	// requests over a quiet window.
	WaitNetworkIdle
)

func (w WaitCondition) String() string {
	switch w {
	case WaitLoad:
		return "load"
	case WaitDOMContentLoaded:
		return "domcontentloaded"
	case WaitNetworkIdle:
		return "networkidle"
	}
	return "unknown"
}

// Cookie is an engine neutral browser cookie.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Launcher starts browser instances.
type Launcher interface {
	// Launch starts a browser and opens one page. The browser outlives ctx;
	// it is released only by Page.Close.
	Launch(ctx context.Context) (Page, error)
}

// Page is the control surface of one open page in a launched browser.
// All operations may fail with a timeout or protocol error.
type Page interface {
	Navigate(ctx context.Context, url string, wait WaitCondition, timeout time.Duration) error
	// WaitFor blocks until selector matches an element. It returns an error
	// wrapping ErrElementNotFound when timeout elapses first.
	WaitFor(ctx context.Context, selector string, timeout time.Duration) error
	// Exists reports whether selector currently matches, without waiting.
	Exists(ctx context.Context, selector string) (bool, error)
	Click(ctx context.Context, selector string) error
	// Type focuses selector and types text one key at a time with keyDelay
	// between keystrokes.
	Type(ctx context.Context, selector, text string, keyDelay time.Duration) error
	// WaitNavigation waits for a navigation started since the last Click or
	// Navigate to reach DOMContentLoaded.
	WaitNavigation(ctx context.Context, timeout time.Duration) error
	Location(ctx context.Context) (string, error)
	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	// Evaluate runs script in the page, awaiting a returned promise, and
	// decodes the result into out.
	Evaluate(ctx context.Context, script string, out interface{}) error
	// Snapshot captures a full page PNG.
	Snapshot(ctx context.Context) ([]byte, error)
	// Close releases the page and its browser. It is safe to call more than once.
	Close(ctx context.Context) error
}
