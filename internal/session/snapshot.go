package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/go-homedir"

	"github.com/rdobrynin/avito-scrape-message/internal/browser"
)

// Snapshotter persists a diagnostic capture of a page.
type Snapshotter interface {
	Capture(ctx context.Context, page browser.Page, name string) (string, error)
}

// FileSnapshotter writes PNG captures to <dir>/<name>.png.
type FileSnapshotter struct {
	dir string
}

// NewFileSnapshotter expands a leading ~ in dir.
func NewFileSnapshotter(dir string) (*FileSnapshotter, error) {
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("expand snapshot dir %q: %w", dir, err)
	}
	return &FileSnapshotter{dir: expanded}, nil
}

func (f *FileSnapshotter) Capture(ctx context.Context, page browser.Page, name string) (string, error) {
	data, err := page.Snapshot(ctx)
	if err != nil {
		return "", fmt.Errorf("capture page: %w", err)
	}
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}
	path := filepath.Join(f.dir, name+".png")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	return path, nil
}

type nopSnapshotter struct{}

func (nopSnapshotter) Capture(context.Context, browser.Page, string) (string, error) {
	return "", nil
}
