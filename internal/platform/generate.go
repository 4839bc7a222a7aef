package platform

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"

	"github.com/halyard-sh/halyard/internal/assemble"
	"github.com/halyard-sh/halyard/internal/capability"
	"github.com/halyard-sh/halyard/internal/manifest"
	"github.com/halyard-sh/halyard/internal/ports"
)

// Generate runs one full configuration pass over the platform root and
// returns the pass ID. Problems with individual apps are recorded as
// warnings; only root-level failures abort the pass.
func (c *Controller) Generate() (string, error) {
	passID := ulid.Make().String()

	installed, err := c.store.InstalledApps()
	if err != nil {
		return passID, err
	}

	// Capabilities and grant strings start from the installed set; apps
	// processed later in the pass extend both.
	universe := capability.Universe{}
	var grants []string
	for _, app := range installed {
		m, err := manifest.LoadApp(filepath.Join(c.store.AppDir(app), manifest.AppFile))
		if err != nil {
			c.Warn("failed to read app.yml for installed app %s: %v", app, err)
			grants = append(grants, app)
			continue
		}
		caps := m.ExportedCapabilities(app)
		universe[app] = caps
		for i := range caps {
			grants = append(grants, caps[i].Ref())
		}
		grants = append(grants, app)
	}
	grants = append(grants, BuiltinGrants...)

	if err := c.renderMetadataTemplates(installed, grants); err != nil {
		return passID, err
	}
	if err := c.rebuildRegistry(installed); err != nil {
		return passID, err
	}

	order, err := c.manifestOrder(installed)
	if err != nil {
		return passID, err
	}

	// Earliest regeneration time requested by any template in this pass.
	var regenAt int64
	schedule := func(delay time.Duration) error {
		at := c.opts.Now().Add(delay).Unix()
		if regenAt == 0 || at < regenAt {
			regenAt = at
		}
		return nil
	}

	// First walk: render manifests and gather port requests. The parsed
	// manifests are kept for assembly after ports are settled.
	apps := make(map[string]*manifest.App)
	infos := make(map[string]manifest.Info)
	var allPorts []ports.Entry
	for _, id := range order {
		dir := c.store.AppDir(id)
		meta, err := manifest.LoadMeta(filepath.Join(dir, manifest.MetaFile))
		if err != nil {
			c.Warn("failed to read metadata for app %s: %v", id, err)
			continue
		}
		if fileExists(filepath.Join(dir, AppTemplate)) {
			if err := c.renderManifest(id, meta.Metadata, installed, grants, universe, schedule); err != nil {
				c.Warn("failed to render manifest for app %s: %v", id, err)
				continue
			}
		}
		appPath := filepath.Join(dir, manifest.AppFile)
		if !fileExists(appPath) {
			c.Warn("app %s does not have an app.yml", id)
			continue
		}
		app, err := manifest.LoadApp(appPath)
		if err != nil {
			c.Warn("failed to read app.yml for app %s: %v", id, err)
			continue
		}
		apps[id] = app
		infos[id] = meta.Metadata
		allPorts = append(allPorts, app.PortEntries(id, meta.Metadata.Implements)...)

		caps := app.ExportedCapabilities(id)
		universe[id] = caps
		if slices.Contains(installed, id) && meta.Metadata.Implements != "" {
			universe[meta.Metadata.Implements] = caps
		}
		for i := range caps {
			if !slices.Contains(grants, caps[i].Ref()) {
				grants = append(grants, caps[i].Ref())
			}
		}
		if !slices.Contains(grants, id) {
			grants = append(grants, id)
		}
	}

	resolved, conflicted := ports.Resolve(allPorts, installed)
	for _, id := range conflicted {
		c.Warn("app %s has conflicting ports", id)
	}

	// Second walk: assemble every surviving app.
	var newEntries []assemble.Metadata
	for _, id := range order {
		app, ok := apps[id]
		if !ok || slices.Contains(conflicted, id) {
			continue
		}
		var appPorts []ports.Entry
		for _, entry := range resolved {
			if entry.App == id {
				appPorts = append(appPorts, entry)
			}
		}
		result, warns, err := assemble.App(id, app, infos[id], appPorts, universe)
		for _, w := range warns {
			c.Warn("app %s: %s", id, w)
		}
		if err != nil {
			c.Warn("failed to assemble app %s: %v", id, err)
			continue
		}
		out, err := yaml.Marshal(result)
		if err != nil {
			return passID, err
		}
		if err := c.store.WriteArtifact(filepath.Join(c.store.AppDir(id), "result.yml"), out); err != nil {
			return passID, err
		}
		newEntries = append(newEntries, result.Metadata)
	}

	if err := c.mergeRegistry(newEntries); err != nil {
		return passID, err
	}
	if err := c.renderConfigTemplates(installed, universe, schedule); err != nil {
		return passID, err
	}
	if err := c.store.SavePortMap(resolved); err != nil {
		return passID, err
	}
	slices.Sort(grants)
	if err := c.store.SavePermissions(slices.Compact(grants)); err != nil {
		return passID, err
	}

	if regenAt != 0 {
		current, err := c.store.NextRegenerate()
		if err != nil {
			return passID, err
		}
		if current == 0 || regenAt < current {
			if err := c.store.SetNextRegenerate(regenAt); err != nil {
				return passID, err
			}
		}
	}
	return passID, nil
}

// renderMetadataTemplates renders every app's metadata template. Metadata
// templates always see the installed-app list and the available grants; they
// have no capability or settings access.
func (c *Controller) renderMetadataTemplates(installed, grants []string) error {
	ids, err := c.appIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		dir := c.store.AppDir(id)
		path := filepath.Join(dir, MetaTemplate)
		if !fileExists(path) {
			continue
		}
		text, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		data := map[string]any{
			"installed_apps":        installed,
			"available_permissions": sortedCopy(grants),
		}
		out, err := c.renderer.Stage1("apps/"+id+"/"+MetaTemplate, string(text), c.helperScript(id), data)
		if err != nil {
			c.Warn("failed to render metadata for app %s: %v", id, err)
			continue
		}
		if err := c.store.WriteArtifact(filepath.Join(dir, manifest.MetaFile), []byte(out)); err != nil {
			return err
		}
	}
	return nil
}

// rebuildRegistry writes a registry entry for every app with readable
// metadata, assembled or not, so the catalog always lists the full set.
func (c *Controller) rebuildRegistry(installed []string) error {
	ids, err := c.appIDs()
	if err != nil {
		return err
	}
	var registry []assemble.Metadata
	for _, id := range ids {
		meta, err := manifest.LoadMeta(filepath.Join(c.store.AppDir(id), manifest.MetaFile))
		if err != nil {
			c.Warn("failed to read metadata for app %s: %v", id, err)
			continue
		}
		registry = append(registry, assemble.MetadataFromInfo(id, meta.Metadata, installed))
	}
	return c.store.WriteRegistry(registry)
}

// mergeRegistry replaces the registry rows of the freshly assembled apps,
// keeping every other row as is.
func (c *Controller) mergeRegistry(entries []assemble.Metadata) error {
	current, err := c.store.Registry()
	if err != nil {
		return err
	}
	replaced := make(map[string]bool, len(entries))
	for _, entry := range entries {
		replaced[entry.ID] = true
	}
	merged := make([]assemble.Metadata, 0, len(current)+len(entries))
	for _, entry := range current {
		if !replaced[entry.ID] {
			merged = append(merged, entry)
		}
	}
	merged = append(merged, entries...)
	return c.store.WriteRegistry(merged)
}

// renderManifest runs the two-stage render of one app's manifest template and
// writes the resulting app.yml.
func (c *Controller) renderManifest(id string, info manifest.Info, installed, grants []string, universe capability.Universe, schedule func(time.Duration) error) error {
	dir := c.store.AppDir(id)
	text, err := os.ReadFile(filepath.Join(dir, AppTemplate))
	if err != nil {
		return err
	}

	perms := info.TemplatePermissions
	data := map[string]any{}
	if slices.Contains(perms, "apps") {
		data["installed_apps"] = installed
		data["available_permissions"] = sortedCopy(grants)
	}
	vars, warns := capability.Resolve(withoutBuiltins(perms), universe)
	for _, w := range warns {
		c.Warn("app %s: %s", id, w)
	}
	meta := make(map[string]any, len(vars))
	for k, v := range vars {
		meta[k] = v.Any()
	}
	data["app_metadata"] = meta
	settings, err := c.store.AppSettings(id)
	if err != nil {
		return err
	}
	if settings != nil {
		s := make(map[string]any, len(settings))
		for k, v := range settings {
			s[k] = v.Any()
		}
		data["settings"] = s
	}

	name := "apps/" + id + "/" + AppTemplate
	stage1, err := c.renderer.Stage1(name, string(text), c.helperScript(id), data)
	if err != nil {
		return err
	}
	out, err := c.renderer.Stage2(name, stage1, data, c.allowedFiles(perms, universe), schedule)
	if err != nil {
		return err
	}
	return c.store.WriteArtifact(filepath.Join(dir, manifest.AppFile), []byte(out))
}

// renderConfigTemplates renders each installed app's templates/ tree into its
// data directory, in config processing order.
func (c *Controller) renderConfigTemplates(installed []string, universe capability.Universe, schedule func(time.Duration) error) error {
	order, err := c.configOrder(installed)
	if err != nil {
		return err
	}
	for _, id := range order {
		if !slices.Contains(installed, id) {
			continue
		}
		dir := c.store.AppDir(id)
		app, err := manifest.LoadApp(filepath.Join(dir, manifest.AppFile))
		if err != nil {
			c.Warn("failed to read app.yml for app %s: %v", id, err)
			continue
		}
		templates, err := doublestar.FilepathGlob(filepath.Join(dir, "templates", "**", "*.tmpl"))
		if err != nil {
			return err
		}
		if len(templates) == 0 {
			continue
		}

		perms := app.Metadata.ConfigTemplatePermissions
		vars, warns := capability.Resolve(withoutBuiltins(perms), universe)
		for _, w := range warns {
			c.Warn("app %s: %s", id, w)
		}
		meta := make(map[string]any, len(vars))
		for k, v := range vars {
			meta[k] = v.Any()
		}
		data := map[string]any{"app_metadata": meta}
		settings, err := c.store.AppSettings(id)
		if err != nil {
			return err
		}
		if settings != nil {
			s := make(map[string]any, len(settings))
			for k, v := range settings {
				s[k] = v.Any()
			}
			data["settings"] = s
		}
		allowed := c.allowedFiles(perms, universe)

		for _, tmplPath := range templates {
			rel, err := filepath.Rel(filepath.Join(dir, "templates"), tmplPath)
			if err != nil {
				return err
			}
			text, err := os.ReadFile(tmplPath)
			if err != nil {
				return err
			}
			out, err := c.renderer.Stage2("apps/"+id+"/templates/"+filepath.ToSlash(rel), string(text), data, allowed, schedule)
			if err != nil {
				c.Warn("failed to render config template %s for app %s: %v", rel, id, err)
				continue
			}
			target := filepath.Join(c.dataDir(id), strings.TrimSuffix(rel, ".tmpl"))
			if err := c.store.WriteArtifact(target, []byte(out)); err != nil {
				return err
			}
		}
	}
	return nil
}

// allowedFiles maps grants to the file paths a second-stage template may
// read. A scoped grant exposes the capability's declared files; an app-wide
// grant exposes the whole data directory of that app.
func (c *Controller) allowedFiles(grants []string, universe capability.Universe) []string {
	var allowed []string
	for _, grant := range grants {
		app, capID := capability.SplitGrant(strings.TrimSpace(grant))
		if app == "" || slices.Contains(BuiltinGrants, app) {
			continue
		}
		if capID == "" {
			allowed = append(allowed, c.dataDir(app))
			continue
		}
		cp, ok := universe.Find(app, capID)
		if !ok {
			continue
		}
		for _, f := range cp.Files {
			allowed = append(allowed, filepath.Join(c.dataDir(app), f))
		}
	}
	return allowed
}

func (c *Controller) dataDir(appID string) string {
	return filepath.Join(c.opts.Root, "app-data", appID)
}

func (c *Controller) helperScript(appID string) string {
	path := filepath.Join(c.store.AppDir(appID), HelperScript)
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(b)
}

func withoutBuiltins(grants []string) []string {
	var kept []string
	for _, g := range grants {
		app, _ := capability.SplitGrant(strings.TrimSpace(g))
		if slices.Contains(BuiltinGrants, app) {
			continue
		}
		kept = append(kept, g)
	}
	return kept
}

func sortedCopy(s []string) []string {
	out := make([]string, len(s))
	copy(out, s)
	slices.Sort(out)
	return out
}
