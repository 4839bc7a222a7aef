package platform

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ConfigFile)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), ConfigFile))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Version != 1 {
		t.Fatalf("version = %d", cfg.Version)
	}
	if cfg.RenderTimeout() != 2*time.Second {
		t.Fatalf("render timeout = %v", cfg.RenderTimeout())
	}
	if cfg.AppsDir != "" {
		t.Fatalf("apps dir = %q", cfg.AppsDir)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, "version: 1\nrender_timeout_ms: 5000\napps_dir: /srv/apps\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.RenderTimeout() != 5*time.Second {
		t.Fatalf("render timeout = %v", cfg.RenderTimeout())
	}
	if cfg.AppsDir != "/srv/apps" {
		t.Fatalf("apps dir = %q", cfg.AppsDir)
	}
}

func TestLoadConfigRejectsBadInput(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"unknown field", "version: 1\nrender_budget: 12\n"},
		{"unsupported version", "version: 2\n"},
		{"timeout too small", "version: 1\nrender_timeout_ms: 5\n"},
		{"second document", "version: 1\n---\nversion: 1\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, tc.content)); err == nil {
				t.Fatalf("config %q was accepted", tc.content)
			}
		})
	}
}
