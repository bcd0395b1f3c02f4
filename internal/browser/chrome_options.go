// internal/browser/chrome_options.go
package browser

import (
	"runtime"
	"strconv"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/rdobrynin/avito-scrape-message/internal/config"
)

// allocatorFlag is one Chrome command line switch. A bool value of true
// renders as a bare switch; false removes it.
type allocatorFlag struct {
	Name  string
	Value interface{}
}

// allocatorFlags assembles the launch switches for cfg. Later entries win
// over earlier ones with the same name, as with chromedp.Flag.
func allocatorFlags(cfg config.BrowserConfig, goos string) []allocatorFlag {
	flags := []allocatorFlag{
		{Name: "headless", Value: cfg.Headless},
		{Name: "hide-scrollbars", Value: cfg.Headless},
		{Name: "mute-audio", Value: cfg.Headless},
		{Name: "disable-extensions", Value: true},
	}

	if cfg.Viewport.Width > 0 && cfg.Viewport.Height > 0 {
		flags = append(flags, allocatorFlag{
			Name:  "window-size",
			Value: strconv.Itoa(cfg.Viewport.Width) + "," + strconv.Itoa(cfg.Viewport.Height),
		})
	}

	for _, arg := range cfg.Args {
		arg = strings.TrimSpace(arg)
		if arg == "" {
			continue
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if hasValue {
			flags = append(flags, allocatorFlag{Name: name, Value: value})
		} else {
			flags = append(flags, allocatorFlag{Name: name, Value: true})
		}
	}

	// Containers on linux cannot use the setuid sandbox.
	if goos == "linux" {
		flags = append(flags,
			allocatorFlag{Name: "no-sandbox", Value: true},
			allocatorFlag{Name: "disable-dev-shm-usage", Value: true},
			allocatorFlag{Name: "disable-setuid-sandbox", Value: true},
		)
	}
	return flags
}

// allocatorOptions converts cfg into chromedp exec allocator options on top of
// chromedp's defaults, minus the automation infobar switch.
func allocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts, chromedp.Flag("enable-automation", false))

	for _, f := range allocatorFlags(cfg, runtime.GOOS) {
		opts = append(opts, chromedp.Flag(f.Name, f.Value))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecutablePath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecutablePath))
	}
	return opts
}
