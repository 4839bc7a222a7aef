package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"testing"

	"github.com/halyard-sh/halyard/internal/assemble"
	"github.com/halyard-sh/halyard/internal/capability"
	"github.com/halyard-sh/halyard/internal/ports"
)

func TestInstalledAppsRoundTrip(t *testing.T) {
	s := New(t.TempDir())

	apps, err := s.InstalledApps()
	if err != nil {
		t.Fatalf("InstalledApps: %v", err)
	}
	if len(apps) != 0 {
		t.Fatalf("fresh store has installed apps: %v", apps)
	}

	for _, id := range []string{"bitcoin", "lnd", "bitcoin"} {
		if err := s.AddInstalledApp(id); err != nil {
			t.Fatalf("AddInstalledApp(%s): %v", id, err)
		}
	}
	apps, _ = s.InstalledApps()
	if !slices.Equal(apps, []string{"bitcoin", "lnd"}) {
		t.Fatalf("apps = %v, want [bitcoin lnd]", apps)
	}

	if err := s.RemoveInstalledApp("bitcoin"); err != nil {
		t.Fatalf("RemoveInstalledApp: %v", err)
	}
	apps, _ = s.InstalledApps()
	if !slices.Equal(apps, []string{"lnd"}) {
		t.Fatalf("apps = %v, want [lnd]", apps)
	}
}

func TestMutationsPreserveUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "db", "state.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	seed := `{"name":"admin","https":{"port":443},"installedApps":["samourai"]}`
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		t.Fatal(err)
	}

	s := New(dir)
	if err := s.AddInstalledApp("mempool"); err != nil {
		t.Fatalf("AddInstalledApp: %v", err)
	}
	if err := s.SetNextRegenerate(1234); err != nil {
		t.Fatalf("SetNextRegenerate: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	if doc["name"] != "admin" {
		t.Fatalf("name field lost: %v", doc)
	}
	if _, ok := doc["https"].(map[string]any); !ok {
		t.Fatalf("https field lost: %v", doc)
	}

	next, err := s.NextRegenerate()
	if err != nil || next != 1234 {
		t.Fatalf("NextRegenerate = %d, %v, want 1234", next, err)
	}
}

func TestAppSettings(t *testing.T) {
	s := New(t.TempDir())

	settings := map[string]capability.Value{
		"username": capability.StringValue("admin"),
		"workers":  capability.IntValue(4),
		"ratio":    capability.FloatValue(0.5),
	}
	if err := s.SaveAppSettings("nextcloud", settings); err != nil {
		t.Fatalf("SaveAppSettings: %v", err)
	}

	got, err := s.AppSettings("nextcloud")
	if err != nil {
		t.Fatalf("AppSettings: %v", err)
	}
	if !reflect.DeepEqual(got, settings) {
		t.Fatalf("settings = %v, want %v", got, settings)
	}

	none, err := s.AppSettings("ghost")
	if err != nil || none != nil {
		t.Fatalf("AppSettings(ghost) = %v, %v, want nil", none, err)
	}
}

func TestRegistryRoundTrip(t *testing.T) {
	s := New(t.TempDir())

	registry := []assemble.Metadata{
		{ID: "bitcoin", Name: "Bitcoin Core", Version: "27.0", Category: "bitcoin", Description: "Full node", Compatible: true, Port: 8332, InternalPort: 8332, SupportsTLS: true},
	}
	if err := s.WriteRegistry(registry); err != nil {
		t.Fatalf("WriteRegistry: %v", err)
	}
	got, err := s.Registry()
	if err != nil {
		t.Fatalf("Registry: %v", err)
	}
	if !reflect.DeepEqual(got, registry) {
		t.Fatalf("registry = %+v, want %+v", got, registry)
	}
}

func TestPortMapRoundTrip(t *testing.T) {
	s := New(t.TempDir())

	entries := []ports.Entry{
		{App: "bitcoin", Internal: 8333, Public: 8333, Container: "main", Priority: ports.Required},
		{App: "lnd", Internal: 9735, Public: 9735, Container: "main", Implements: "lightning", Priority: ports.Required},
	}
	if err := s.SavePortMap(entries); err != nil {
		t.Fatalf("SavePortMap: %v", err)
	}
	got, err := s.PortMap()
	if err != nil {
		t.Fatalf("PortMap: %v", err)
	}
	if !slices.Equal(got, entries) {
		t.Fatalf("port map = %v, want %v", got, entries)
	}
}

func TestPermissionsRoundTrip(t *testing.T) {
	s := New(t.TempDir())

	if err := s.SavePermissions([]string{"bitcoin", "bitcoin/rpc"}); err != nil {
		t.Fatalf("SavePermissions: %v", err)
	}
	got, err := s.Permissions()
	if err != nil {
		t.Fatalf("Permissions: %v", err)
	}
	if !slices.Equal(got, []string{"bitcoin", "bitcoin/rpc"}) {
		t.Fatalf("permissions = %v", got)
	}
}

func TestWriteArtifactSkipsIdenticalContent(t *testing.T) {
	s := New(t.TempDir())
	path := filepath.Join(s.Root(), "apps", "bitcoin", "result.yml")

	if err := s.WriteArtifact(path, []byte("services: {}\n")); err != nil {
		t.Fatalf("WriteArtifact: %v", err)
	}
	before, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.WriteArtifact(path, []byte("services: {}\n")); err != nil {
		t.Fatalf("WriteArtifact (repeat): %v", err)
	}
	after, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if !after.ModTime().Equal(before.ModTime()) {
		t.Fatalf("identical rewrite changed mtime")
	}

	if err := s.WriteArtifact(path, []byte("services: {main: {}}\n")); err != nil {
		t.Fatalf("WriteArtifact (changed): %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "services: {main: {}}\n" {
		t.Fatalf("content = %q", data)
	}
}

func TestRequiresSettingsCaches(t *testing.T) {
	s := New(t.TempDir())
	if s.RequiresSettings("ghost") {
		t.Fatalf("RequiresSettings = true for app without settings.yml")
	}

	dir := s.AppDir("ghost")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "settings.yml"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Within the probe TTL the cached answer is served.
	if s.RequiresSettings("ghost") {
		t.Fatalf("cached probe answer not used")
	}
}
