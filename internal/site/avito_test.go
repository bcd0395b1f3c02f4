package site

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rdobrynin/avito-scrape-message/internal/browser/browsertest"
	"github.com/rdobrynin/avito-scrape-message/internal/config"
)

// fastSite returns the default site config without settle pauses.
func fastSite() config.SiteConfig {
	c := config.NewDefaultConfig().Site
	c.KeyDelay = 0
	c.FieldSettle = 0
	c.SubmitSettle = 0
	c.PostLoginSettle = 0
	return c
}

func newAvito(t *testing.T) *Avito {
	t.Helper()
	a, err := NewAvito(fastSite())
	require.NoError(t, err)
	return a
}

func TestAvitoAuthenticated(t *testing.T) {
	a := newAvito(t)

	cases := map[string]bool{
		"https://www.avito.ru/profile":                true,
		"https://www.avito.ru/profile/messages":       true,
		"https://www.avito.ru/personal/items":         true,
		"https://www.avito.ru/profile/login":          false,
		"https://www.avito.ru/profile/login?next=/":   false,
		"https://www.avito.ru/moskva":                 false,
		"about:blank":                                 false,
	}
	for loc, want := range cases {
		assert.Equal(t, want, a.Authenticated(loc), loc)
	}
}

func TestAvitoURLs(t *testing.T) {
	cfg := fastSite()
	cfg.BaseURL = "https://example.test/"
	a, err := NewAvito(cfg)
	require.NoError(t, err)

	assert.Equal(t, "https://example.test/profile/messages", a.ListingURL())
	assert.Equal(t, "https://example.test/profile", a.ProbeURL())
	assert.Equal(t, "avito", a.Name())
}

func TestAvitoOpenPages(t *testing.T) {
	a := newAvito(t)
	page := browsertest.NewFakePage()

	require.NoError(t, a.OpenListing(context.Background(), page))
	assert.Equal(t, a.ListingURL(), page.CurrentLocation())

	require.NoError(t, a.OpenProbe(context.Background(), page))
	assert.Equal(t, a.ProbeURL(), page.CurrentLocation())

	page.Fail(browsertest.OpNavigate, context.DeadlineExceeded)
	err := a.OpenListing(context.Background(), page)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorContains(t, err, "open listing")
}

func TestNewAdapter(t *testing.T) {
	a, err := New(fastSite())
	require.NoError(t, err)
	assert.Equal(t, "avito", a.Name())

	cfg := fastSite()
	cfg.Name = "craigslist"
	_, err = New(cfg)
	assert.ErrorContains(t, err, `unknown site adapter "craigslist"`)

	cfg = fastSite()
	cfg.AuthenticatedPatterns = []string{"("}
	_, err = New(cfg)
	assert.ErrorContains(t, err, "compile location pattern")
}

func TestAvitoLoginSteps(t *testing.T) {
	cfg := fastSite()
	creds := Credentials{Login: "seller@example.com", Password: "hunter2"}

	t.Run("two stage form", func(t *testing.T) {
		a := newAvito(t)
		page := browsertest.NewFakePage(cfg.IdentitySelector, cfg.SecretSelector, cfg.SubmitSelector)
		page.SetLocationAfterNavigation("https://www.avito.ru/profile")

		logger, _ := observedLogger()
		require.NoError(t, RunPipeline(context.Background(), page, a.LoginSteps(creds), logger))

		assert.Equal(t, creds.Login, page.Typed(cfg.IdentitySelector))
		assert.Equal(t, creds.Password, page.Typed(cfg.SecretSelector))
		assert.Len(t, page.CallsWithPrefix(browsertest.OpClick), 2, "identity and secret are both submitted")
		assert.Equal(t, []string{"navigate:https://www.avito.ru/profile/login"}, page.CallsWithPrefix(browsertest.OpNavigate))
		assert.True(t, a.Authenticated(page.CurrentLocation()))
	})

	t.Run("no secondary field is a normal branch", func(t *testing.T) {
		a := newAvito(t)
		page := browsertest.NewFakePage(cfg.IdentitySelector, cfg.SubmitSelector)

		logger, _ := observedLogger()
		require.NoError(t, RunPipeline(context.Background(), page, a.LoginSteps(creds), logger))

		assert.Empty(t, page.Typed(cfg.SecretSelector))
		assert.Len(t, page.CallsWithPrefix(browsertest.OpClick), 1)
		assert.False(t, a.Authenticated(page.CurrentLocation()), "location never left the login page")
	})

	t.Run("missing identity field fails", func(t *testing.T) {
		a := newAvito(t)
		page := browsertest.NewFakePage()

		logger, _ := observedLogger()
		err := RunPipeline(context.Background(), page, a.LoginSteps(creds), logger)
		var stepErr *StepError
		require.ErrorAs(t, err, &stepErr)
		assert.Equal(t, "enter-identity", stepErr.Step)
	})

	t.Run("navigation timeout is tolerated", func(t *testing.T) {
		a := newAvito(t)
		page := browsertest.NewFakePage(cfg.IdentitySelector, cfg.SubmitSelector)
		page.Fail(browsertest.OpWaitNavigation, context.DeadlineExceeded)

		logger, logs := observedLogger()
		require.NoError(t, RunPipeline(context.Background(), page, a.LoginSteps(creds), logger))
		assert.Equal(t, 1, logs.FilterMessage("Step failed, continuing.").Len())
	})

	t.Run("login page load failure aborts", func(t *testing.T) {
		a := newAvito(t)
		page := browsertest.NewFakePage(cfg.IdentitySelector)
		page.Fail(browsertest.OpNavigate, errors.New("net::ERR_NAME_NOT_RESOLVED"))

		logger, _ := observedLogger()
		err := RunPipeline(context.Background(), page, a.LoginSteps(creds), logger)
		assert.ErrorContains(t, err, "open-login-page")
	})
}

func TestAvitoExtract(t *testing.T) {
	cfg := fastSite()

	t.Run("returns candidates", func(t *testing.T) {
		a := newAvito(t)
		page := browsertest.NewFakePage(cfg.MessageSelector)
		page.SetEvalResult([]map[string]interface{}{
			{"text": "Is it still available?", "sender": "Ivan", "originTime": "2024-05-01T10:00:00Z", "unread": true},
			{"text": "", "sender": "", "originTime": ""},
		})

		got, err := a.Extract(context.Background(), page)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, Candidate{Text: "Is it still available?", Sender: "Ivan", OriginTime: "2024-05-01T10:00:00Z", Unread: true}, got[0])
		assert.Equal(t, Candidate{}, got[1], "empty bodies are kept")
	})

	t.Run("no message elements means no candidates", func(t *testing.T) {
		a := newAvito(t)
		page := browsertest.NewFakePage()

		got, err := a.Extract(context.Background(), page)
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.Empty(t, page.CallsWithPrefix(browsertest.OpEvaluate))
	})

	t.Run("script failure is reported", func(t *testing.T) {
		a := newAvito(t)
		page := browsertest.NewFakePage(cfg.MessageSelector)
		page.Fail(browsertest.OpEvaluate, errors.New("Execution context was destroyed"))

		_, err := a.Extract(context.Background(), page)
		assert.ErrorContains(t, err, "extract messages")
	})
}

func TestCredentialsValidate(t *testing.T) {
	assert.NoError(t, Credentials{Login: "a", Password: "b"}.Validate())
	assert.ErrorIs(t, Credentials{Login: "a"}.Validate(), ErrMissingCredentials)
	assert.ErrorIs(t, Credentials{Password: "b"}.Validate(), ErrMissingCredentials)
}
