// Package platform drives full configuration passes over a platform root:
// template rendering, registry rebuilds, port resolution, manifest assembly
// and the transactional install flows built on top of them.
package platform

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/halyard-sh/halyard/internal/render"
	"github.com/halyard-sh/halyard/internal/state"
)

// BuiltinGrants are grant names the platform itself honors. "apps" exposes
// the installed-app list and the available permissions to a template.
var BuiltinGrants = []string{"apps"}

// Options configures a Controller.
type Options struct {
	// Root is the platform root directory.
	Root string
	// AppsDir overrides the app directory location. Empty means Root/apps.
	AppsDir string
	// HostExe runs helper scripts out of process via its script-host
	// subcommand. Empty runs them in process, which is only acceptable in
	// tests.
	HostExe string
	// RenderTimeout bounds each template render. Zero means the default.
	RenderTimeout time.Duration
	// Now is the clock used for regeneration scheduling. Nil means time.Now.
	Now func() time.Time
}

// Controller owns one platform root.
type Controller struct {
	opts     Options
	store    *state.Store
	renderer *render.Engine

	mu       sync.Mutex
	warnings []string
}

// New opens the platform root. The entropy seed under db/seed is created on
// first use so derived secrets stay stable across passes.
func New(opts Options) (*Controller, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("platform root is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	var store *state.Store
	if opts.AppsDir != "" {
		store = state.NewWithAppsDir(opts.Root, opts.AppsDir)
	} else {
		store = state.New(opts.Root)
	}
	seed, err := loadOrCreateSeed(filepath.Join(opts.Root, "db", "seed"))
	if err != nil {
		return nil, err
	}
	renderer := render.New(render.Options{
		Timeout: opts.RenderTimeout,
		Seed:    seed,
		HostExe: opts.HostExe,
	})
	return &Controller{opts: opts, store: store, renderer: renderer}, nil
}

// Store exposes the underlying state store.
func (c *Controller) Store() *state.Store { return c.store }

// Warn records a non-fatal problem encountered during a pass.
func (c *Controller) Warn(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warnings = append(c.warnings, fmt.Sprintf(format, args...))
}

// Warnings returns all warnings recorded so far.
func (c *Controller) Warnings() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.warnings))
	copy(out, c.warnings)
	return out
}

func loadOrCreateSeed(path string) (string, error) {
	if b, err := os.ReadFile(path); err == nil {
		seed := strings.TrimSpace(string(b))
		if seed != "" {
			return seed, nil
		}
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate entropy seed: %w", err)
	}
	seed := hex.EncodeToString(raw)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(seed+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist entropy seed: %w", err)
	}
	return seed, nil
}
