package platform

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"

	"github.com/halyard-sh/halyard/internal/assemble"
	"github.com/halyard-sh/halyard/internal/capability"
)

// TransactionResult reports the outcome of an install attempt: whether the
// app assembled, which grants it ended up holding, and which grants OTHER
// installed apps would gain if the install went through.
type TransactionResult struct {
	ID                          string              `json:"id" yaml:"id"`
	Success                     bool                `json:"success" yaml:"success"`
	HasPermissions              []string            `json:"has_permissions" yaml:"has_permissions"`
	OtherAppPermissionAdditions map[string][]string `json:"other_app_permission_additions" yaml:"other_app_permission_additions"`
}

// Install marks the app installed and regenerates the platform. The first
// pass settles everything the app depends on; the second pass lets apps that
// depend on the new app pick it up. A failing second pass rolls the install
// marker back.
func (c *Controller) Install(appID, settingsJSON string) error {
	if err := c.checkAppExists(appID); err != nil {
		return err
	}
	if err := c.saveSettings(appID, settingsJSON); err != nil {
		return err
	}
	if _, err := c.Generate(); err != nil {
		return err
	}
	if err := c.store.AddInstalledApp(appID); err != nil {
		return err
	}
	if _, err := c.Generate(); err != nil {
		c.Warn("failed to regenerate after installing %s: %v", appID, err)
		if rmErr := c.store.RemoveInstalledApp(appID); rmErr != nil {
			return rmErr
		}
		return err
	}
	return nil
}

// AttemptInstall simulates installing the app and rolls everything back
// afterwards. The result is returned and also written to state.yml in the
// app's directory. Rollback is unconditional: the install marker is removed,
// the registry snapshot restored and a final pass reverts generated
// artifacts even when the attempt succeeded.
func (c *Controller) AttemptInstall(appID, settingsJSON string) (*TransactionResult, error) {
	result := &TransactionResult{
		ID:                          ulid.Make().String(),
		OtherAppPermissionAdditions: map[string][]string{},
	}
	if err := c.checkAppExists(appID); err != nil {
		return result, err
	}
	if err := c.saveSettings(appID, settingsJSON); err != nil {
		return result, err
	}
	snapshot, err := c.store.Registry()
	if err != nil {
		return result, err
	}

	if _, err := c.Generate(); err != nil {
		return result, c.finishAttempt(appID, result, err)
	}
	if err := c.store.AddInstalledApp(appID); err != nil {
		return result, err
	}
	if _, err := c.Generate(); err != nil {
		if rmErr := c.store.RemoveInstalledApp(appID); rmErr != nil {
			return result, rmErr
		}
		return result, c.finishAttempt(appID, result, err)
	}

	after, err := c.store.Registry()
	if err != nil {
		return result, err
	}
	before := registryByID(snapshot)
	afterByID := registryByID(after)
	for id, entry := range afterByID {
		old, ok := before[id]
		if !ok || id == appID {
			continue
		}
		added := permissionAdditions(old.HasPermissions, entry.HasPermissions)
		if len(added) > 0 {
			result.OtherAppPermissionAdditions[id] = added
		}
	}
	if entry, ok := afterByID[appID]; ok {
		result.Success = true
		result.HasPermissions = entry.HasPermissions
	}

	// Roll back: unmark, restore the registry and regenerate so every
	// artifact reflects the pre-attempt state again.
	if err := c.store.RemoveInstalledApp(appID); err != nil {
		return result, err
	}
	if err := c.store.WriteRegistry(snapshot); err != nil {
		return result, err
	}
	if _, err := c.Generate(); err != nil {
		c.Warn("failed to regenerate after install attempt of %s: %v", appID, err)
	}
	return result, c.finishAttempt(appID, result, nil)
}

// finishAttempt persists the attempt outcome next to the app definition and
// returns cause unchanged.
func (c *Controller) finishAttempt(appID string, result *TransactionResult, cause error) error {
	data, err := yaml.Marshal(result)
	if err != nil {
		return err
	}
	path := filepath.Join(c.store.AppDir(appID), "state.yml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	return cause
}

func (c *Controller) checkAppExists(appID string) error {
	if strings.TrimSpace(appID) == "" {
		return fmt.Errorf("app ID is required")
	}
	if !fileExists(c.store.AppDir(appID)) {
		return fmt.Errorf("app %s does not exist", appID)
	}
	return nil
}

// saveSettings stores the JSON-encoded settings for the app. Empty input
// leaves existing settings untouched.
func (c *Controller) saveSettings(appID, settingsJSON string) error {
	if strings.TrimSpace(settingsJSON) == "" {
		return nil
	}
	var settings map[string]capability.Value
	if err := json.Unmarshal([]byte(settingsJSON), &settings); err != nil {
		return fmt.Errorf("parse settings: %w", err)
	}
	return c.store.SaveAppSettings(appID, settings)
}

func registryByID(entries []assemble.Metadata) map[string]assemble.Metadata {
	m := make(map[string]assemble.Metadata, len(entries))
	for _, entry := range entries {
		m[entry.ID] = entry
	}
	return m
}

// permissionAdditions returns the grants in after that are not in before.
// Removed grants are ignored; callers only confirm escalations.
func permissionAdditions(before, after []string) []string {
	var added []string
	for _, perm := range after {
		found := false
		for _, old := range before {
			if old == perm {
				found = true
				break
			}
		}
		if !found {
			added = append(added, perm)
		}
	}
	return added
}
