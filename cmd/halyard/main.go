package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/halyard-sh/halyard/internal/manifest"
	"github.com/halyard-sh/halyard/internal/platform"
	"github.com/halyard-sh/halyard/internal/sandbox"
	"github.com/halyard-sh/halyard/internal/scripthost"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "generate":
		generate(os.Args[2:])
	case "install":
		install(os.Args[2:], false)
	case "attempt-install":
		install(os.Args[2:], true)
	case "validate":
		validate(os.Args[2:])
	case scripthost.HostCommand:
		// Undocumented; the platform spawns this subcommand to evaluate
		// helper scripts inside a locked-down child process.
		scriptHost()
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  halyard generate --root <dir> [--json]")
	fmt.Fprintln(os.Stderr, "  halyard install --root <dir> --app <id> [--settings <json>]")
	fmt.Fprintln(os.Stderr, "  halyard attempt-install --root <dir> --app <id> [--settings <json>] [--json]")
	fmt.Fprintln(os.Stderr, "  halyard validate --root <dir> --app <id>")
}

type commonFlags struct {
	root     string
	app      string
	settings string
	jsonOut  bool
}

func parseFlags(args []string) commonFlags {
	var f commonFlags
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--root":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--root requires a value")
				os.Exit(2)
			}
			f.root = args[i]
		case "--app":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--app requires a value")
				os.Exit(2)
			}
			f.app = args[i]
		case "--settings":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--settings requires a value")
				os.Exit(2)
			}
			f.settings = args[i]
		case "--json":
			f.jsonOut = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(2)
		}
	}
	if f.root == "" {
		usage()
		os.Exit(2)
	}
	return f
}

func newController(f commonFlags) *platform.Controller {
	cfg, err := platform.LoadConfig(filepath.Join(f.root, platform.ConfigFile))
	if err != nil {
		fatal(err)
	}
	appsDir := cfg.AppsDir
	if appsDir != "" && !filepath.IsAbs(appsDir) {
		appsDir = filepath.Join(f.root, appsDir)
	}
	exe, err := os.Executable()
	if err != nil {
		fatal(err)
	}
	c, err := platform.New(platform.Options{
		Root:          f.root,
		AppsDir:       appsDir,
		HostExe:       exe,
		RenderTimeout: cfg.RenderTimeout(),
	})
	if err != nil {
		fatal(err)
	}
	return c
}

func generate(args []string) {
	f := parseFlags(args)
	c := newController(f)
	passID, err := c.Generate()
	printWarnings(c)
	if err != nil {
		fatal(err)
	}
	if f.jsonOut {
		printJSON(map[string]any{"pass": passID})
		return
	}
	fmt.Printf("pass %s complete\n", passID)
}

func install(args []string, attempt bool) {
	f := parseFlags(args)
	if f.app == "" {
		usage()
		os.Exit(2)
	}
	c := newController(f)
	if attempt {
		result, err := c.AttemptInstall(f.app, f.settings)
		printWarnings(c)
		if f.jsonOut {
			printJSON(result)
		}
		if err != nil {
			fatal(err)
		}
		if !f.jsonOut {
			fmt.Printf("transaction %s success=%v\n", result.ID, result.Success)
		}
		return
	}
	if err := c.Install(f.app, f.settings); err != nil {
		printWarnings(c)
		fatal(err)
	}
	printWarnings(c)
	fmt.Printf("installed %s\n", f.app)
}

func validate(args []string) {
	f := parseFlags(args)
	if f.app == "" {
		usage()
		os.Exit(2)
	}
	c := newController(f)
	dir := c.Store().AppDir(f.app)
	if _, err := manifest.LoadMeta(filepath.Join(dir, manifest.MetaFile)); err != nil {
		fatal(fmt.Errorf("%s: %w", f.app, err))
	}
	appPath := filepath.Join(dir, manifest.AppFile)
	if _, err := os.Stat(appPath); err == nil {
		if _, err := manifest.LoadApp(appPath); err != nil {
			fatal(fmt.Errorf("%s: %w", f.app, err))
		}
	}
	fmt.Printf("%s is valid\n", f.app)
}

func scriptHost() {
	if err := sandbox.Restrict(); err != nil {
		// A host without landlock still runs the script, only without the
		// second fence around the interpreter.
		fmt.Fprintf(os.Stderr, "halyard: script isolation unavailable: %v\n", err)
	}
	if err := scripthost.Serve(os.Stdin, os.Stdout); err != nil {
		fatal(err)
	}
}

func printWarnings(c *platform.Controller) {
	for _, w := range c.Warnings() {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "halyard: %v\n", err)
	os.Exit(1)
}
