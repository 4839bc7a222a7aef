package assemble

import (
	"fmt"
	"slices"
	"strings"

	"github.com/halyard-sh/halyard/internal/capability"
	"github.com/halyard-sh/halyard/internal/manifest"
	"github.com/halyard-sh/halyard/internal/ports"
)

// AllowedEnvVars are platform variables every app may reference without
// holding any permission.
var AllowedEnvVars = []string{"API_IP", "DEVICE_HOSTNAME", "DEVICE_IP"}

type converter struct {
	appID    string
	result   *Result
	universe capability.Universe
	warnings []string
}

func (c *converter) warnf(format string, args ...any) {
	c.warnings = append(c.warnings, fmt.Sprintf(format, args...))
}

// require records perm in the output metadata unless already present.
func (c *converter) require(perm string) {
	if !slices.Contains(c.result.Metadata.HasPermissions, perm) {
		c.result.Metadata.HasPermissions = append(c.result.Metadata.HasPermissions, perm)
	}
}

// App assembles one app from its validated definition, resolved port map and
// the capabilities other apps export. Per-mount problems are reported as
// warnings and skip only the offending mount; an unsupported network mode or
// a missing main port fails the whole app.
func App(appID string, app *manifest.App, info manifest.Info, portMap []ports.Entry, universe capability.Universe) (*Result, []string, error) {
	main, ok := app.Services["main"]
	if !ok {
		return nil, nil, fmt.Errorf("no main container found")
	}
	if main.Port == 0 {
		return nil, nil, fmt.Errorf("no main port found")
	}
	mainEntry, found := findEntry(portMap, main.Port, "main")
	if !found {
		return nil, nil, fmt.Errorf("no port map entry found for port %d", main.Port)
	}
	mainPublic := mainEntry.Public

	c := &converter{
		appID:    appID,
		universe: universe,
		result: &Result{
			Services: make(map[string]Service, len(app.Services)),
			Metadata: Metadata{
				ID:               appID,
				Name:             info.Name,
				Version:          info.Version,
				Category:         info.Category,
				Tagline:          info.Tagline,
				Developers:       info.Developers,
				Description:      info.Description,
				Dependencies:     info.Dependencies,
				HasPermissions:   slices.Clone(info.TemplatePermissions),
				Repo:             info.Repo,
				Support:          info.Support,
				Gallery:          info.Gallery,
				Path:             info.Path,
				DefaultUsername:  info.DefaultUsername,
				DefaultPassword:  info.DefaultPassword,
				UpdateContainers: info.UpdateContainers,
				Implements:       info.Implements,
				ReleaseNotes:     info.ReleaseNotes,
				SharedDir:        info.SharedDir,
				Compatible:       true,
				Port:             mainPublic,
				InternalPort:     main.Port,
				SupportsTLS:      !main.DirectTCP,
			},
		},
	}

	names := make([]string, 0, len(app.Services))
	for name := range app.Services {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		svc := app.Services[name]
		out := Service{
			Image:           svc.Image,
			Restart:         svc.Restart,
			StopGracePeriod: svc.StopGracePeriod,
			StopSignal:      svc.StopSignal,
			User:            svc.User,
			Init:            svc.Init,
			DependsOn:       svc.DependsOn,
			ExtraHosts:      svc.ExtraHosts,
			WorkingDir:      svc.WorkingDir,
			ShmSize:         svc.ShmSize,
			NetworkMode:     svc.NetworkMode,
			CapAdd:          svc.CapAdd,
			Command:         svc.Command,
			Entrypoint:      svc.Entrypoint,
			Environment:     svc.Environment,
		}

		if svc.NetworkMode != "" {
			if svc.NetworkMode != "host" {
				return nil, c.warnings, fmt.Errorf("unsupported network_mode %q", svc.NetworkMode)
			}
			c.require("network")
		}
		for _, capName := range svc.CapAdd {
			if capName == "CAP_NET_RAW" {
				c.require("network")
			} else {
				c.require("root")
			}
		}

		c.convertMounts(&out, &svc)

		routes, err := c.handlePorts(name, &out, &svc, portMap)
		if err != nil {
			return nil, c.warnings, err
		}
		c.result.Routes = append(c.result.Routes, routes...)
		c.result.Services[name] = out
	}

	c.validateEnvAccess()
	return c.result, c.warnings, nil
}

func invalidMountPath(s string) bool {
	return strings.Contains(s, ":") || strings.Contains(s, "..") || len(manifest.FindEnvVars(s)) > 0
}

func (c *converter) convertMounts(out *Service, svc *manifest.Service) {
	for _, name := range sortedKeys(svc.Mounts) {
		target := svc.Mounts[name]
		switch {
		case name == "data" && target.Map != nil:
			for _, hostDir := range sortedKeys(target.Map) {
				containerDir := target.Map[hostDir]
				if invalidMountPath(hostDir) || invalidMountPath(containerDir) {
					c.warnf("invalid data mount %q of app %s skipped", hostDir, c.appID)
					continue
				}
				out.Volumes = append(out.Volumes, fmt.Sprintf("${APP_DATA_DIR}/%s:%s", hostDir, containerDir))
			}
		case target.Map == nil:
			if invalidMountPath(name) || invalidMountPath(target.Path) {
				c.warnf("invalid mount %q of app %s skipped", name, c.appID)
				continue
			}
			parts := strings.Split(name, "/")
			switch len(parts) {
			case 2:
				// Scoped mount of a file another app's capability exposes.
				appName, fileName := parts[0], parts[1]
				match := capability.BestMatch(c.universe[appName], c.result.Metadata.HasPermissions, func(p *capability.Capability) bool {
					return slices.Contains(p.Files, fileName)
				})
				out.Volumes = append(out.Volumes, fmt.Sprintf("${APPS_DATA_DIR}/%s/%s:%s", appName, fileName, target.Path))
				if match != nil {
					c.require(match.Ref())
				} else {
					c.require(appName)
				}
			case 1:
				out.Volumes = append(out.Volumes, fmt.Sprintf("${APPS_DATA_DIR}/%s:%s", name, target.Path))
				c.require(name)
			default:
				c.warnf("invalid mount %q of app %s skipped", name, c.appID)
			}
		default:
			c.warnf("failed to parse mount %q of app %s", name, c.appID)
		}
	}
}

func (c *converter) handlePorts(serviceName string, out *Service, svc *manifest.Service, portMap []ports.Entry) ([]RouteEntry, error) {
	var routes []RouteEntry
	inPortMap := func(internal int) bool {
		return slices.ContainsFunc(portMap, func(e ports.Entry) bool {
			return e.Internal == internal && e.Container == serviceName
		})
	}

	if serviceName == "main" {
		entry, ok := findEntry(portMap, svc.Port, serviceName)
		if !ok {
			return nil, fmt.Errorf("no port map entry found for port %d", svc.Port)
		}
		if svc.DisableIngress {
			out.Ports = append(out.Ports, fmt.Sprintf("%d:%d", entry.Public, svc.Port))
		} else {
			routes = append(routes, RouteEntry{
				PublicPort:    entry.Public,
				InternalPort:  svc.Port,
				ContainerName: serviceName,
				IsPrimary:     true,
				RawTCP:        svc.DirectTCP,
			})
		}
	}
	for _, public := range sortedKeys(svc.RequiredPorts.HTTP) {
		internal := svc.RequiredPorts.HTTP[public]
		if !inPortMap(internal) {
			return nil, fmt.Errorf("required port %d of %s missing from port map", internal, serviceName)
		}
		routes = append(routes, RouteEntry{
			PublicPort:    public,
			InternalPort:  internal,
			ContainerName: serviceName,
		})
	}
	for _, public := range sortedKeys(svc.RequiredPorts.TCP) {
		internal := svc.RequiredPorts.TCP[public]
		if !inPortMap(internal) {
			return nil, fmt.Errorf("required port %d of %s missing from port map", internal, serviceName)
		}
		routes = append(routes, RouteEntry{
			PublicPort:    public,
			InternalPort:  internal,
			ContainerName: serviceName,
			RawTCP:        true,
		})
	}
	for _, public := range sortedKeys(svc.RequiredPorts.DirectTCP) {
		internal := svc.RequiredPorts.DirectTCP[public]
		if !inPortMap(internal) {
			return nil, fmt.Errorf("required port %d of %s missing from port map", internal, serviceName)
		}
		out.Ports = append(out.Ports, fmt.Sprintf("%d:%d", public, internal))
	}
	for _, public := range sortedKeys(svc.RequiredPorts.UDP) {
		internal := svc.RequiredPorts.UDP[public]
		if !inPortMap(internal) {
			return nil, fmt.Errorf("required port %d of %s missing from port map", internal, serviceName)
		}
		out.Ports = append(out.Ports, fmt.Sprintf("%d:%d/udp", public, internal))
	}
	return routes, nil
}

func findEntry(portMap []ports.Entry, internal int, container string) (ports.Entry, bool) {
	for _, e := range portMap {
		if e.Internal == internal && e.Container == container {
			return e, true
		}
	}
	return ports.Entry{}, false
}

// validateEnvAccess maps every environment variable the services reference to
// the permission that makes it available.
func (c *converter) validateEnvAccess() {
	var accessed []string
	for _, name := range sortedKeys(c.result.Services) {
		svc := c.result.Services[name]
		accessed = append(accessed, svc.Command.EnvVars()...)
		accessed = append(accessed, svc.Entrypoint.EnvVars()...)
		for _, key := range sortedKeys(svc.Environment) {
			if v := svc.Environment[key]; v.Kind == capability.KindString {
				accessed = append(accessed, manifest.FindEnvVars(v.Str)...)
			}
		}
	}

	for _, envVar := range accessed {
		if slices.Contains(AllowedEnvVars, envVar) {
			continue
		}
		if !strings.HasPrefix(envVar, "APP_") {
			c.require("root")
			continue
		}
		parts := strings.Split(envVar, "_")
		if len(parts) != 3 {
			c.require("root")
			continue
		}
		appName := parts[1]
		match := capability.BestMatch(c.universe[appName], c.result.Metadata.HasPermissions, func(p *capability.Capability) bool {
			v, ok := p.Variables[envVar]
			return ok && v.Kind == capability.KindString &&
				(v.Str == "$"+envVar || v.Str == "${"+envVar+"}")
		})
		if match != nil {
			c.require(match.Ref())
		} else {
			c.require(appName)
		}
	}
}

func sortedKeys[K int | string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
