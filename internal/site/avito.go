package site

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/rdobrynin/avito-scrape-message/internal/browser"
	"github.com/rdobrynin/avito-scrape-message/internal/config"
)

// extractScript collects message elements. %s is the JSON quoted selector.
const extractScript = `(() => Array.from(document.querySelectorAll(%s)).map((el) => {
  const pick = (sel) => {
    const node = el.querySelector(sel);
    return node && node.textContent ? node.textContent.trim() : "";
  };
  const timeEl = el.querySelector("time");
  const marker = (el.getAttribute("data-marker") || "") + " " + (el.className || "");
  return {
    text: pick('[data-marker*="text"]') || (el.textContent || "").trim(),
    sender: pick('[data-marker*="name"]') || pick('[data-marker*="author"]'),
    originTime: timeEl ? (timeEl.getAttribute("datetime") || (timeEl.textContent || "").trim()) : "",
    unread: /unread/i.test(marker),
  };
}))()`

// Avito drives login and message extraction for avito.ru.
type Avito struct {
	cfg   config.SiteConfig
	allow []*regexp.Regexp
	deny  []*regexp.Regexp
}

// NewAvito compiles cfg's location patterns.
func NewAvito(cfg config.SiteConfig) (*Avito, error) {
	allow, err := compileAll(cfg.AuthenticatedPatterns)
	if err != nil {
		return nil, err
	}
	deny, err := compileAll(cfg.UnauthenticatedPatterns)
	if err != nil {
		return nil, err
	}
	return &Avito{cfg: cfg, allow: allow, deny: deny}, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile location pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func (a *Avito) Name() string { return "avito" }

func (a *Avito) url(path string) string {
	return strings.TrimRight(a.cfg.BaseURL, "/") + path
}

func (a *Avito) ListingURL() string { return a.url(a.cfg.ListingPath) }

func (a *Avito) ProbeURL() string { return a.url(a.cfg.ProbePath) }

// OpenListing waits for network idle; the message list renders from XHR.
func (a *Avito) OpenListing(ctx context.Context, page browser.Page) error {
	if err := page.Navigate(ctx, a.ListingURL(), browser.WaitNetworkIdle, a.cfg.ListingTimeout); err != nil {
		return fmt.Errorf("open listing: %w", err)
	}
	return nil
}

func (a *Avito) OpenProbe(ctx context.Context, page browser.Page) error {
	if err := page.Navigate(ctx, a.ProbeURL(), browser.WaitDOMContentLoaded, a.cfg.NavigateTimeout); err != nil {
		return fmt.Errorf("open probe page: %w", err)
	}
	return nil
}

// typingBudget is how long typing text may take on top of base.
func (a *Avito) typingBudget(base time.Duration, text string) time.Duration {
	return base + time.Duration(len([]rune(text)))*a.cfg.KeyDelay
}

// LoginSteps is the login form flow: identity, optional submit, optional
// password form, then a tolerated wait for the post-login navigation.
func (a *Avito) LoginSteps(creds Credentials) []Step {
	c := a.cfg
	return []Step{
		{
			Name:    "open-login-page",
			Timeout: c.NavigateTimeout,
			Action: func(ctx context.Context, p browser.Page) error {
				return p.Navigate(ctx, a.url(c.LoginPath), browser.WaitDOMContentLoaded, c.NavigateTimeout)
			},
		},
		{
			Name:    "enter-identity",
			Timeout: a.typingBudget(c.FieldTimeout, creds.Login),
			Settle:  c.FieldSettle,
			Action: func(ctx context.Context, p browser.Page) error {
				if err := p.WaitFor(ctx, c.IdentitySelector, c.FieldTimeout); err != nil {
					return err
				}
				return p.Type(ctx, c.IdentitySelector, creds.Login, c.KeyDelay)
			},
		},
		{
			Name:    "submit-identity",
			Timeout: c.FieldTimeout,
			Guards:  []string{c.SubmitSelector},
			Settle:  c.SubmitSettle,
			Action: func(ctx context.Context, p browser.Page) error {
				return p.Click(ctx, c.SubmitSelector)
			},
		},
		{
			Name:    "enter-secret",
			Timeout: a.typingBudget(c.FieldTimeout, creds.Password),
			Guards:  []string{c.SecretSelector},
			Settle:  c.FieldSettle,
			Action: func(ctx context.Context, p browser.Page) error {
				return p.Type(ctx, c.SecretSelector, creds.Password, c.KeyDelay)
			},
		},
		{
			Name:    "submit-secret",
			Timeout: c.FieldTimeout,
			Guards:  []string{c.SecretSelector, c.SubmitSelector},
			Action: func(ctx context.Context, p browser.Page) error {
				return p.Click(ctx, c.SubmitSelector)
			},
		},
		{
			Name:     "await-navigation",
			Timeout:  c.NavigationTimeout,
			Tolerant: true,
			Settle:   c.PostLoginSettle,
			Action: func(ctx context.Context, p browser.Page) error {
				return p.WaitNavigation(ctx, c.NavigationTimeout)
			},
		},
	}
}

// Authenticated matches location against the allow-list. Deny patterns win.
func (a *Avito) Authenticated(location string) bool {
	for _, re := range a.deny {
		if re.MatchString(location) {
			return false
		}
	}
	for _, re := range a.allow {
		if re.MatchString(location) {
			return true
		}
	}
	return false
}

// Extract reads the message list. A listing without any message element
// yields no candidates rather than an error.
func (a *Avito) Extract(ctx context.Context, page browser.Page) ([]Candidate, error) {
	if err := page.WaitFor(ctx, a.cfg.MessageSelector, a.cfg.MessageWaitTimeout); err != nil {
		if errors.Is(err, browser.ErrElementNotFound) {
			return nil, nil
		}
		return nil, err
	}

	selector, err := jsoniter.MarshalToString(a.cfg.MessageSelector)
	if err != nil {
		return nil, err
	}
	var out []Candidate
	if err := page.Evaluate(ctx, fmt.Sprintf(extractScript, selector), &out); err != nil {
		return nil, fmt.Errorf("extract messages: %w", err)
	}
	return out, nil
}

var _ Adapter = (*Avito)(nil)
