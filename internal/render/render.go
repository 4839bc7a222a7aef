// Package render runs the two-stage template pipeline that turns app
// definition templates into concrete manifests. Stage one may call helper
// functions from the app's script, which execute in an isolated host process;
// stage two runs over the stage-one output with no scripting, only a narrow
// set of builtins for allow-listed file reads and regeneration scheduling.
// Every render is bounded by a wall-clock budget and a stuck script is
// killed, never abandoned.
package render

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/halyard-sh/halyard/internal/scripthost"
)

// ErrTimeout marks a render that exceeded its wall-clock budget. It is
// distinguishable from script and template errors with errors.Is.
var ErrTimeout = errors.New("render timed out")

// DefaultTimeout bounds one render pass unless overridden.
const DefaultTimeout = 2 * time.Second

// MinRegenDelay is the shortest regeneration delay a template may request.
const MinRegenDelay = 60 * time.Second

// Options configures an Engine.
type Options struct {
	// Timeout bounds each render call. Zero means DefaultTimeout.
	Timeout time.Duration
	// Seed keys derive_entropy. Identical seeds yield identical derived
	// secrets across passes.
	Seed string
	// HostExe is the binary whose script-host subcommand evaluates helper
	// scripts out of process. Empty runs scripts in process, which is only
	// acceptable in tests.
	HostExe string
}

// Engine renders templates.
type Engine struct {
	opts Options
}

// New returns an Engine with opts applied.
func New(opts Options) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Engine{opts: opts}
}

// Stage1 renders text with the helper functions exported by helperScript
// bound as template functions. Helper keyword arguments are written as
// alternating key/value pairs and delivered to the script as one table.
func (e *Engine) Stage1(name, text, helperScript string, data map[string]any) (string, error) {
	var caller scripthost.Caller
	var kill func()
	if strings.TrimSpace(helperScript) != "" {
		c, stop, err := e.startScript(helperScript)
		if err != nil {
			return "", err
		}
		caller = c
		kill = stop
		defer stop()
	}

	funcs := e.baseFuncs()
	funcs["read_file"] = func(...string) (string, error) {
		return "", fmt.Errorf("read_file is not available in this stage")
	}
	if caller != nil {
		for _, fnName := range caller.Functions() {
			funcs[fnName] = helperFunc(caller, fnName)
		}
	}
	return e.render(name, text, funcs, data, kill)
}

// Stage2 renders text with no scripting. read_file serves only the allowed
// paths, where a directory entry covers everything beneath it; schedule is
// invoked for regeneration requests after the minimum-delay check.
func (e *Engine) Stage2(name, text string, data map[string]any, allowed []string, schedule func(delay time.Duration) error) (string, error) {
	funcs := e.baseFuncs()
	funcs["read_file"] = func(args ...string) (string, error) {
		if len(args) == 0 || len(args) > 2 {
			return "", fmt.Errorf("read_file expects a path and an optional fallback")
		}
		path := args[0]
		// The fallback covers read failures of permitted paths only; an
		// allow-list miss is always an error.
		if !pathAllowed(allowed, path) {
			return "", fmt.Errorf("read_file: access to %q denied", path)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			if len(args) == 2 {
				return args[1], nil
			}
			return "", fmt.Errorf("read_file: %w", err)
		}
		return string(content), nil
	}
	funcs["require_regen"] = func(seconds int) (string, error) {
		delay := time.Duration(seconds) * time.Second
		if delay < MinRegenDelay {
			return "", fmt.Errorf("require_regen: delay %ds is below the %s minimum", seconds, MinRegenDelay)
		}
		if schedule == nil {
			return "", fmt.Errorf("require_regen is not available in this context")
		}
		if err := schedule(delay); err != nil {
			return "", err
		}
		return "", nil
	}
	return e.render(name, text, funcs, data, nil)
}

// pathAllowed reports whether path is one of the allowed entries or lives
// under an allowed directory entry.
func pathAllowed(allowed []string, path string) bool {
	path = filepath.Clean(path)
	for _, entry := range allowed {
		entry = filepath.Clean(entry)
		if path == entry || strings.HasPrefix(path, entry+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (e *Engine) baseFuncs() template.FuncMap {
	return template.FuncMap{
		"derive_entropy": func(identifier string) (string, error) {
			if e.opts.Seed == "" {
				return "", fmt.Errorf("derive_entropy: no platform seed configured")
			}
			mac := hmac.New(sha256.New, []byte(e.opts.Seed))
			mac.Write([]byte(identifier))
			return hex.EncodeToString(mac.Sum(nil)), nil
		},
	}
}

func (e *Engine) startScript(script string) (scripthost.Caller, func(), error) {
	if e.opts.HostExe == "" {
		engine, err := scripthost.NewEngine(script)
		if err != nil {
			return nil, nil, err
		}
		// No process to kill in this mode, and closing an interpreter with a
		// call in flight is unsafe; the state is left to the garbage
		// collector.
		return engine, func() {}, nil
	}
	client, err := scripthost.Start(context.Background(), e.opts.HostExe, script)
	if err != nil {
		return nil, nil, err
	}
	return client, client.Kill, nil
}

// helperFunc bridges one script function into the template. Keyword
// arguments are alternating key/value pairs marshalled into a single map.
func helperFunc(caller scripthost.Caller, name string) any {
	return func(pairs ...any) (any, error) {
		if len(pairs)%2 != 0 {
			return nil, fmt.Errorf("%s: keyword arguments must come in key/value pairs", name)
		}
		args := make(map[string]any, len(pairs)/2)
		for i := 0; i < len(pairs); i += 2 {
			key, ok := pairs[i].(string)
			if !ok {
				return nil, fmt.Errorf("%s: keyword argument names must be strings", name)
			}
			args[key] = pairs[i+1]
		}
		return caller.Call(name, args)
	}
}

// render executes one template under the engine's wall-clock budget. On
// expiry kill terminates the script host, so a stuck helper cannot outlive
// the render.
func (e *Engine) render(name, text string, funcs template.FuncMap, data map[string]any, kill func()) (string, error) {
	type outcome struct {
		out string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		tmpl, err := template.New(name).Option("missingkey=error").Funcs(funcs).Parse(text)
		if err != nil {
			done <- outcome{err: fmt.Errorf("parse template %s: %w", name, err)}
			return
		}
		var buf strings.Builder
		if err := tmpl.Execute(&buf, data); err != nil {
			done <- outcome{err: fmt.Errorf("render template %s: %w", name, err)}
			return
		}
		done <- outcome{out: buf.String()}
	}()

	select {
	case result := <-done:
		return result.out, result.err
	case <-time.After(e.opts.Timeout):
		if kill != nil {
			kill()
		}
		return "", fmt.Errorf("template %s: %w", name, ErrTimeout)
	}
}
