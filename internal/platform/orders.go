package platform

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/halyard-sh/halyard/internal/capability"
	"github.com/halyard-sh/halyard/internal/depsort"
	"github.com/halyard-sh/halyard/internal/manifest"
)

// Well-known files inside an app directory.
const (
	MetaTemplate = "metadata.yml.tmpl"
	AppTemplate  = "app.yml.tmpl"
	HelperScript = "helpers.lua"
)

// appIDs lists every subdirectory of the apps dir that carries a metadata
// definition, sorted by ID.
func (c *Controller) appIDs() ([]string, error) {
	entries, err := os.ReadDir(c.store.AppsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := c.store.AppDir(entry.Name())
		if fileExists(filepath.Join(dir, manifest.MetaFile)) ||
			fileExists(filepath.Join(dir, MetaTemplate)) {
			ids = append(ids, entry.Name())
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// grantApps reduces grant strings to the apps they reference, dropping
// builtin grants.
func grantApps(grants []string) []string {
	var apps []string
	for _, g := range grants {
		app, _ := capability.SplitGrant(strings.TrimSpace(g))
		if app == "" || slices.Contains(BuiltinGrants, app) {
			continue
		}
		if !slices.Contains(apps, app) {
			apps = append(apps, app)
		}
	}
	return apps
}

// manifestOrder decides the order in which app manifests are rendered and
// assembled. Apps granting their manifest template access to another app come
// after that app. Apps that require settings but are not installed cannot be
// rendered yet and are skipped, as are apps granting access to an app that is
// not installed.
func (c *Controller) manifestOrder(installed []string) ([]string, error) {
	ids, err := c.appIDs()
	if err != nil {
		return nil, err
	}
	var nodes []depsort.Node
	for _, id := range ids {
		dir := c.store.AppDir(id)
		if !fileExists(filepath.Join(dir, manifest.AppFile)) &&
			!fileExists(filepath.Join(dir, AppTemplate)) {
			continue
		}
		if c.store.RequiresSettings(id) && !slices.Contains(installed, id) {
			continue
		}
		meta, err := manifest.LoadMeta(filepath.Join(dir, manifest.MetaFile))
		if err != nil {
			c.Warn("skipping %s: %v", id, err)
			continue
		}
		deps := grantApps(meta.Metadata.TemplatePermissions)
		if !allInstalled(deps, installed) {
			continue
		}
		nodes = append(nodes, depsort.Node{ID: id, Deps: deps})
	}
	order, dropped := depsort.Sort(nodes)
	for _, id := range dropped {
		c.Warn("app %s is part of a dependency cycle and was not processed", id)
	}
	return order, nil
}

// configOrder decides the order in which per-app config templates are
// rendered, driven by the grants of each app's config templates.
func (c *Controller) configOrder(installed []string) ([]string, error) {
	ids, err := c.appIDs()
	if err != nil {
		return nil, err
	}
	var nodes []depsort.Node
	for _, id := range ids {
		path := filepath.Join(c.store.AppDir(id), manifest.AppFile)
		if !fileExists(path) {
			continue
		}
		app, err := manifest.LoadApp(path)
		if err != nil {
			c.Warn("skipping config templates of %s: %v", id, err)
			continue
		}
		deps := grantApps(app.Metadata.ConfigTemplatePermissions)
		if !allInstalled(deps, installed) {
			continue
		}
		nodes = append(nodes, depsort.Node{ID: id, Deps: deps})
	}
	order, dropped := depsort.Sort(nodes)
	for _, id := range dropped {
		c.Warn("config templates of %s form a dependency cycle and were not rendered", id)
	}
	return order, nil
}

func allInstalled(deps, installed []string) bool {
	for _, dep := range deps {
		if !slices.Contains(installed, dep) {
			return false
		}
	}
	return true
}
