package site

import (
	"context"
	"errors"
	"fmt"

	"github.com/rdobrynin/avito-scrape-message/internal/browser"
	"github.com/rdobrynin/avito-scrape-message/internal/config"
)

// Credentials identify the account a session logs in with.
type Credentials struct {
	Login    string `json:"username"`
	Password string `json:"password"`
}

// ErrMissingCredentials is returned by Validate for an empty login or password.
var ErrMissingCredentials = errors.New("login and password are required")

// Validate checks that both fields are present.
func (c Credentials) Validate() error {
	if c.Login == "" || c.Password == "" {
		return ErrMissingCredentials
	}
	return nil
}

// Candidate is one message found on the listing page. OriginTime is the
// site's own timestamp text when the markup exposes one.
type Candidate struct {
	Text       string `json:"text"`
	Sender     string `json:"sender"`
	OriginTime string `json:"originTime"`
	Unread     bool   `json:"unread"`
}

// Adapter captures everything specific to one website. The session manager
// drives adapters without knowing their selectors.
type Adapter interface {
	Name() string
	// LoginSteps returns the authentication pipeline for creds.
	LoginSteps(creds Credentials) []Step
	// Authenticated is a best-effort check of a post-login location against
	// the adapter's allow-list. A markup or routing change on the site makes
	// it misclassify without any distinguishable error.
	Authenticated(location string) bool
	// ListingURL is where new messages are scraped from.
	ListingURL() string
	// ProbeURL is loaded to test whether restored cookies are still valid.
	ProbeURL() string
	// OpenListing loads ListingURL and waits for it to settle.
	OpenListing(ctx context.Context, page browser.Page) error
	// OpenProbe loads ProbeURL.
	OpenProbe(ctx context.Context, page browser.Page) error
	// Extract reads message candidates from a page already at ListingURL.
	Extract(ctx context.Context, page browser.Page) ([]Candidate, error)
}

// New returns the adapter named by cfg.Name.
func New(cfg config.SiteConfig) (Adapter, error) {
	switch cfg.Name {
	case "", "avito":
		return NewAvito(cfg)
	default:
		return nil, fmt.Errorf("unknown site adapter %q", cfg.Name)
	}
}
