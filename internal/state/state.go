// Package state is the single access path to the platform's mutable on-disk
// state. The user document (installed apps, per-app settings, regeneration
// deadline) lives in db/state.json and is always rewritten whole, preserving
// fields this package does not know about. Derived artifacts (registry, port
// map, permission list) live under apps/.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"

	"github.com/halyard-sh/halyard/internal/assemble"
	"github.com/halyard-sh/halyard/internal/capability"
	"github.com/halyard-sh/halyard/internal/ports"
)

// settingsProbeTTL bounds how long a "does this app require settings" answer
// is reused before the filesystem is consulted again.
const settingsProbeTTL = 10 * time.Second

// Store reads and writes platform state rooted at one directory.
type Store struct {
	root string
	apps string

	mu sync.Mutex // serializes state.json read-modify-write cycles

	probeMu sync.Mutex
	probes  map[string]settingsProbe
}

type settingsProbe struct {
	requires bool
	checked  time.Time
}

// New returns a Store rooted at dir with apps under dir/apps.
func New(dir string) *Store {
	return NewWithAppsDir(dir, filepath.Join(dir, "apps"))
}

// NewWithAppsDir returns a Store rooted at dir whose app directories live
// under appsDir instead of the default dir/apps.
func NewWithAppsDir(dir, appsDir string) *Store {
	return &Store{root: dir, apps: appsDir, probes: make(map[string]settingsProbe)}
}

// Root returns the platform root directory.
func (s *Store) Root() string { return s.root }

// AppsDir returns the directory holding one subdirectory per app.
func (s *Store) AppsDir() string { return s.apps }

// AppDir returns the directory of one app.
func (s *Store) AppDir(appID string) string { return filepath.Join(s.AppsDir(), appID) }

func (s *Store) statePath() string { return filepath.Join(s.root, "db", "state.json") }

// stateDoc is the typed view of state.json used for reads. Writes go through
// the raw document so unknown fields survive.
type stateDoc struct {
	InstalledApps []string                               `json:"installedApps"`
	AppSettings   map[string]map[string]capability.Value `json:"appSettings"`
	NextAppRegen  int64                                  `json:"nextAppRegen"`
}

func (s *Store) readState() (*stateDoc, error) {
	data, err := os.ReadFile(s.statePath())
	if errors.Is(err, os.ErrNotExist) {
		return &stateDoc{AppSettings: map[string]map[string]capability.Value{}}, nil
	}
	if err != nil {
		return nil, err
	}
	var doc stateDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.statePath(), err)
	}
	if doc.AppSettings == nil {
		doc.AppSettings = map[string]map[string]capability.Value{}
	}
	return &doc, nil
}

// mutateState applies fn to the raw state document and writes the whole
// document back. A missing file starts from an empty document.
func (s *Store) mutateState(fn func(doc map[string]any) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := map[string]any{}
	data, err := os.ReadFile(s.statePath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err == nil {
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("decode %s: %w", s.statePath(), err)
		}
	}
	if err := fn(doc); err != nil {
		return err
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.statePath()), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.statePath(), append(out, '\n'), 0o644)
}

// InstalledApps returns the IDs of all installed apps.
func (s *Store) InstalledApps() ([]string, error) {
	doc, err := s.readState()
	if err != nil {
		return nil, err
	}
	return doc.InstalledApps, nil
}

// AddInstalledApp marks appID installed. Adding an installed app is a no-op.
func (s *Store) AddInstalledApp(appID string) error {
	return s.mutateState(func(doc map[string]any) error {
		list, _ := doc["installedApps"].([]any)
		for _, v := range list {
			if v == appID {
				return nil
			}
		}
		doc["installedApps"] = append(list, appID)
		return nil
	})
}

// RemoveInstalledApp unmarks appID. Removing an uninstalled app is a no-op.
func (s *Store) RemoveInstalledApp(appID string) error {
	return s.mutateState(func(doc map[string]any) error {
		list, _ := doc["installedApps"].([]any)
		kept := make([]any, 0, len(list))
		for _, v := range list {
			if v != appID {
				kept = append(kept, v)
			}
		}
		doc["installedApps"] = kept
		return nil
	})
}

// AppSettings returns the stored settings of appID, or nil when none exist.
func (s *Store) AppSettings(appID string) (map[string]capability.Value, error) {
	doc, err := s.readState()
	if err != nil {
		return nil, err
	}
	return doc.AppSettings[appID], nil
}

// SaveAppSettings replaces the stored settings of appID.
func (s *Store) SaveAppSettings(appID string, settings map[string]capability.Value) error {
	return s.mutateState(func(doc map[string]any) error {
		all, _ := doc["appSettings"].(map[string]any)
		if all == nil {
			all = map[string]any{}
		}
		converted := map[string]any{}
		for k, v := range settings {
			converted[k] = v.Any()
		}
		all[appID] = converted
		doc["appSettings"] = all
		return nil
	})
}

// NextRegenerate returns the time, in seconds since the epoch, at which app
// configuration must be regenerated. Zero means no regeneration is scheduled.
func (s *Store) NextRegenerate() (int64, error) {
	doc, err := s.readState()
	if err != nil {
		return 0, err
	}
	return doc.NextAppRegen, nil
}

// SetNextRegenerate records when app configuration must next be regenerated.
func (s *Store) SetNextRegenerate(epochSeconds int64) error {
	return s.mutateState(func(doc map[string]any) error {
		doc["nextAppRegen"] = epochSeconds
		return nil
	})
}

// RequiresSettings reports whether appID ships a settings definition. The
// answer is cached briefly because generation passes probe every app several
// times.
func (s *Store) RequiresSettings(appID string) bool {
	s.probeMu.Lock()
	defer s.probeMu.Unlock()
	if probe, ok := s.probes[appID]; ok && time.Since(probe.checked) < settingsProbeTTL {
		return probe.requires
	}
	_, err := os.Stat(filepath.Join(s.AppDir(appID), "settings.yml"))
	probe := settingsProbe{requires: err == nil, checked: time.Now()}
	s.probes[appID] = probe
	return probe.requires
}

func (s *Store) registryPath() string { return filepath.Join(s.AppsDir(), "registry.json") }

// Registry reads the app registry. A missing registry is empty.
func (s *Store) Registry() ([]assemble.Metadata, error) {
	data, err := os.ReadFile(s.registryPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var registry []assemble.Metadata
	if err := json.Unmarshal(data, &registry); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.registryPath(), err)
	}
	return registry, nil
}

// WriteRegistry replaces the app registry.
func (s *Store) WriteRegistry(registry []assemble.Metadata) error {
	data, err := json.MarshalIndent(registry, "", "  ")
	if err != nil {
		return err
	}
	return s.WriteArtifact(s.registryPath(), append(data, '\n'))
}

func (s *Store) portMapPath() string { return filepath.Join(s.AppsDir(), "ports.yml") }

// PortMap reads the resolved port map. A missing map is empty.
func (s *Store) PortMap() ([]ports.Entry, error) {
	data, err := os.ReadFile(s.portMapPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []ports.Entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.portMapPath(), err)
	}
	return entries, nil
}

// SavePortMap replaces the resolved port map.
func (s *Store) SavePortMap(entries []ports.Entry) error {
	data, err := yaml.Marshal(entries)
	if err != nil {
		return err
	}
	return s.WriteArtifact(s.portMapPath(), data)
}

func (s *Store) permissionsPath() string { return filepath.Join(s.AppsDir(), "permissions.json") }

// Permissions reads the flat list of grantable permissions. Missing file
// means none.
func (s *Store) Permissions() ([]string, error) {
	data, err := os.ReadFile(s.permissionsPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var perms []string
	if err := json.Unmarshal(data, &perms); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.permissionsPath(), err)
	}
	return perms, nil
}

// SavePermissions replaces the list of grantable permissions.
func (s *Store) SavePermissions(perms []string) error {
	data, err := json.Marshal(perms)
	if err != nil {
		return err
	}
	return s.WriteArtifact(s.permissionsPath(), data)
}

// WriteArtifact writes data to path, creating parent directories. The write
// is skipped when the file already holds identical content, so repeated
// generation passes do not churn modification times.
func (s *Store) WriteArtifact(path string, data []byte) error {
	if existing, err := os.ReadFile(path); err == nil {
		if blake3.Sum256(existing) == blake3.Sum256(data) {
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
