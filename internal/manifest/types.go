// Package manifest defines the on-disk app definition format and its readers.
// Every app ships two documents: metadata.yml describing the app for listings
// and app.yml declaring its services, ports, mounts and capabilities. Both are
// versioned; only version 1 is understood.
package manifest

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/halyard-sh/halyard/internal/capability"
	"github.com/halyard-sh/halyard/internal/ports"
)

// Command is a service command or entrypoint, written either as one shell
// string or as an argv list.
type Command struct {
	Single string
	Array  []string
}

func (c Command) IsZero() bool {
	return c.Single == "" && c.Array == nil
}

func (c Command) MarshalYAML() (any, error) {
	if c.Array != nil {
		return c.Array, nil
	}
	return c.Single, nil
}

func (c *Command) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		c.Array = nil
		return node.Decode(&c.Single)
	case yaml.SequenceNode:
		c.Single = ""
		return node.Decode(&c.Array)
	default:
		return fmt.Errorf("command must be a string or a list of strings")
	}
}

func (c Command) MarshalJSON() ([]byte, error) {
	if c.Array != nil {
		return json.Marshal(c.Array)
	}
	return json.Marshal(c.Single)
}

func (c *Command) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = Command{Single: s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("command must be a string or a list of strings")
	}
	*c = Command{Array: list}
	return nil
}

// EnvVars returns every environment variable the command references.
func (c Command) EnvVars() []string {
	if c.Array == nil {
		return FindEnvVars(c.Single)
	}
	var vars []string
	for _, part := range c.Array {
		vars = append(vars, FindEnvVars(part)...)
	}
	return vars
}

// Dependency is one dependency slot of an app: a single app ID, or a list of
// alternatives of which one must be installed.
type Dependency struct {
	One          string
	Alternatives []string
}

func (d Dependency) MarshalYAML() (any, error) {
	if d.Alternatives != nil {
		return d.Alternatives, nil
	}
	return d.One, nil
}

func (d *Dependency) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		d.Alternatives = nil
		return node.Decode(&d.One)
	case yaml.SequenceNode:
		d.One = ""
		return node.Decode(&d.Alternatives)
	default:
		return fmt.Errorf("dependency must be an app ID or a list of alternatives")
	}
}

// IDs returns the app IDs this dependency slot accepts.
func (d Dependency) IDs() []string {
	if d.Alternatives != nil {
		return d.Alternatives
	}
	return []string{d.One}
}

// Satisfied reports whether one accepted ID is in installed.
func (d Dependency) Satisfied(installed []string) bool {
	for _, id := range d.IDs() {
		for _, app := range installed {
			if id == app {
				return true
			}
		}
	}
	return false
}

func (d Dependency) MarshalJSON() ([]byte, error) {
	if d.Alternatives != nil {
		return json.Marshal(d.Alternatives)
	}
	return json.Marshal(d.One)
}

func (d *Dependency) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*d = Dependency{One: s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("dependency must be an app ID or a list of alternatives")
	}
	*d = Dependency{Alternatives: list}
	return nil
}

// MountTarget is the right-hand side of a mount declaration: a container path
// for named mounts, or a host-dir to container-dir map for the "data" mount.
type MountTarget struct {
	Path string
	Map  map[string]string
}

func (m MountTarget) MarshalYAML() (any, error) {
	if m.Map != nil {
		return m.Map, nil
	}
	return m.Path, nil
}

func (m *MountTarget) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		m.Map = nil
		return node.Decode(&m.Path)
	case yaml.MappingNode:
		m.Path = ""
		return node.Decode(&m.Map)
	default:
		return fmt.Errorf("mount target must be a path or a directory map")
	}
}

// PortsDef declares the fixed public ports a service needs beyond its app
// port. All of these are Required.
type PortsDef struct {
	// Ports that bypass the ingress proxy entirely.
	DirectTCP map[int]int `yaml:"direct_tcp,omitempty"`
	// TCP ports routed through the ingress proxy on the transport layer.
	TCP map[int]int `yaml:"tcp,omitempty"`
	// HTTP ports routed through the ingress proxy.
	HTTP map[int]int `yaml:"http,omitempty"`
	UDP  map[int]int `yaml:"udp,omitempty"`
}

func (p PortsDef) IsZero() bool {
	return len(p.DirectTCP) == 0 && len(p.TCP) == 0 && len(p.HTTP) == 0 && len(p.UDP) == 0
}

// Service is one container of an app as declared in app.yml.
type Service struct {
	// Copied to the output without validation.
	Image           string            `yaml:"image"`
	User            string            `yaml:"user,omitempty"`
	StopGracePeriod string            `yaml:"stop_grace_period,omitempty"`
	StopSignal      string            `yaml:"stop_signal,omitempty"`
	DependsOn       []string          `yaml:"depends_on,omitempty"`
	Restart         string            `yaml:"restart,omitempty"`
	Init            *bool             `yaml:"init,omitempty"`
	ExtraHosts      []string          `yaml:"extra_hosts,omitempty"`
	WorkingDir      string            `yaml:"working_dir,omitempty"`
	ShmSize         *capability.Value `yaml:"shm_size,omitempty"`
	// Checked before being copied.
	Entrypoint  Command                     `yaml:"entrypoint,omitempty"`
	Command     Command                     `yaml:"command,omitempty"`
	Environment map[string]capability.Value `yaml:"environment,omitempty"`
	CapAdd      []string                    `yaml:"cap_add,omitempty"`
	NetworkMode string                      `yaml:"network_mode,omitempty"`
	// Not present in the output; turned into port map entries and volumes.
	Port          int                    `yaml:"port,omitempty"`
	PortPriority  *ports.Priority        `yaml:"port_priority,omitempty"`
	RequiredPorts PortsDef               `yaml:"required_ports,omitempty"`
	Mounts        map[string]MountTarget `yaml:"mounts,omitempty"`
	// DirectTCP routes the app port on the transport layer instead of HTTP.
	DirectTCP      bool `yaml:"direct_tcp,omitempty"`
	DisableIngress bool `yaml:"disable_ingress,omitempty"`
}

// Permission is one capability declaration in app.yml.
type Permission struct {
	ID          string                      `yaml:"id" json:"id"`
	Name        string                      `yaml:"name" json:"name"`
	Description string                      `yaml:"description" json:"description"`
	Includes    []string                    `yaml:"includes,omitempty" json:"includes,omitempty"`
	Variables   map[string]capability.Value `yaml:"variables,omitempty" json:"variables,omitempty"`
	Files       []string                    `yaml:"files,omitempty" json:"files,omitempty"`
	Hidden      bool                        `yaml:"hidden,omitempty" json:"hidden,omitempty"`
}

// AppMeta is the metadata block of app.yml.
type AppMeta struct {
	// Capabilities this app exposes to other apps.
	Permissions []Permission `yaml:"permissions,omitempty"`
	// Grants held by this app's config templates.
	ConfigTemplatePermissions []string `yaml:"config_template_permissions,omitempty"`
	// Grants held by the app itself.
	HasPermissions []string `yaml:"has_permissions,omitempty"`
}

// App is a parsed app.yml.
type App struct {
	Version  int                `yaml:"version"`
	Services map[string]Service `yaml:"services"`
	Metadata AppMeta            `yaml:"metadata"`
}

// Info is the metadata block of metadata.yml.
type Info struct {
	Name             string            `yaml:"name"`
	Version          string            `yaml:"version"`
	Category         string            `yaml:"category"`
	Tagline          string            `yaml:"tagline,omitempty"`
	Developers       map[string]string `yaml:"developers,omitempty"`
	Description      string            `yaml:"description"`
	Dependencies     []Dependency      `yaml:"dependencies,omitempty"`
	Repo             map[string]string `yaml:"repo,omitempty"`
	Support          string            `yaml:"support,omitempty"`
	Gallery          []string          `yaml:"gallery,omitempty"`
	Path             string            `yaml:"path,omitempty"`
	DefaultUsername  string            `yaml:"default_username,omitempty"`
	DefaultPassword  string            `yaml:"default_password,omitempty"`
	UpdateContainers []string          `yaml:"update_containers,omitempty"`
	// Shared protocol this app implements, for virtual dependencies.
	Implements   string            `yaml:"implements,omitempty"`
	ReleaseNotes map[string]string `yaml:"release_notes,omitempty"`
	// Directory apps with an app-wide grant on this app may access.
	SharedDir string `yaml:"shared_dir,omitempty"`
	// Grants held by this app's app.yml template.
	TemplatePermissions []string `yaml:"template_permissions,omitempty"`
}

// Meta is a parsed metadata.yml.
type Meta struct {
	Version  int  `yaml:"version"`
	Metadata Info `yaml:"metadata"`
}

// ExportedCapabilities converts the permission declarations of app.yml into
// capabilities owned by appID.
func (a *App) ExportedCapabilities(appID string) []capability.Capability {
	var caps []capability.Capability
	for _, p := range a.Metadata.Permissions {
		caps = append(caps, capability.Capability{
			App:       appID,
			ID:        p.ID,
			Includes:  p.Includes,
			Variables: p.Variables,
			Files:     p.Files,
			Hidden:    p.Hidden,
		})
	}
	return caps
}
