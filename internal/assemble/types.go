// Package assemble turns a validated app definition into its runnable output:
// concrete services, ingress route entries, published port mappings and the
// registry metadata other apps and the UI consume. Assembly also derives the
// permissions an app factually needs from what its services reference.
package assemble

import (
	"github.com/halyard-sh/halyard/internal/capability"
	"github.com/halyard-sh/halyard/internal/manifest"
)

// Service is one output container definition. Unvalidated fields are copied
// from the input service verbatim; ports and volumes are synthesized.
type Service struct {
	CapAdd          []string                    `yaml:"cap_add,omitempty" json:"capAdd,omitempty"`
	Command         manifest.Command            `yaml:"command,omitempty" json:"command,omitempty"`
	DependsOn       []string                    `yaml:"depends_on,omitempty" json:"dependsOn,omitempty"`
	Entrypoint      manifest.Command            `yaml:"entrypoint,omitempty" json:"entrypoint,omitempty"`
	Environment     map[string]capability.Value `yaml:"environment,omitempty" json:"environment,omitempty"`
	ExtraHosts      []string                    `yaml:"extra_hosts,omitempty" json:"extraHosts,omitempty"`
	Image           string                      `yaml:"image" json:"image"`
	Init            *bool                       `yaml:"init,omitempty" json:"init,omitempty"`
	NetworkMode     string                      `yaml:"network_mode,omitempty" json:"networkMode,omitempty"`
	Ports           []string                    `yaml:"ports,omitempty" json:"ports,omitempty"`
	Restart         string                      `yaml:"restart,omitempty" json:"restart,omitempty"`
	StopGracePeriod string                      `yaml:"stop_grace_period,omitempty" json:"stopGracePeriod,omitempty"`
	StopSignal      string                      `yaml:"stop_signal,omitempty" json:"stopSignal,omitempty"`
	User            string                      `yaml:"user,omitempty" json:"user,omitempty"`
	Volumes         []string                    `yaml:"volumes,omitempty" json:"volumes,omitempty"`
	WorkingDir      string                      `yaml:"working_dir,omitempty" json:"workingDir,omitempty"`
	ShmSize         *capability.Value           `yaml:"shm_size,omitempty" json:"shmSize,omitempty"`
}

// RouteEntry is one externally reachable mapping the ingress proxy must
// program: public port to a container port. RawTCP entries are forwarded on
// the transport layer instead of terminating HTTP.
type RouteEntry struct {
	PublicPort    int    `yaml:"public_port" json:"publicPort"`
	InternalPort  int    `yaml:"internal_port" json:"internalPort"`
	ContainerName string `yaml:"container_name" json:"containerName"`
	IsPrimary     bool   `yaml:"is_primary" json:"isPrimary"`
	RawTCP        bool   `yaml:"raw_tcp" json:"rawTcp"`
}

// Metadata is the registry entry of an app.
type Metadata struct {
	ID               string                      `json:"id" yaml:"id"`
	Name             string                      `json:"name" yaml:"name"`
	Version          string                      `json:"version" yaml:"version"`
	Category         string                      `json:"category" yaml:"category"`
	Tagline          string                      `json:"tagline,omitempty" yaml:"tagline,omitempty"`
	Developers       map[string]string           `json:"developers,omitempty" yaml:"developers,omitempty"`
	Description      string                      `json:"description" yaml:"description"`
	Dependencies     []manifest.Dependency       `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	HasPermissions   []string                    `json:"hasPermissions,omitempty" yaml:"has_permissions,omitempty"`
	Repo             map[string]string           `json:"repo,omitempty" yaml:"repo,omitempty"`
	Support          string                      `json:"support,omitempty" yaml:"support,omitempty"`
	Gallery          []string                    `json:"gallery,omitempty" yaml:"gallery,omitempty"`
	Path             string                      `json:"path,omitempty" yaml:"path,omitempty"`
	DefaultUsername  string                      `json:"defaultUsername,omitempty" yaml:"default_username,omitempty"`
	DefaultPassword  string                      `json:"defaultPassword,omitempty" yaml:"default_password,omitempty"`
	UpdateContainers []string                    `json:"updateContainers,omitempty" yaml:"update_containers,omitempty"`
	Implements       string                      `json:"implements,omitempty" yaml:"implements,omitempty"`
	ReleaseNotes     map[string]string           `json:"releaseNotes,omitempty" yaml:"release_notes,omitempty"`
	SharedDir        string                      `json:"sharedDir,omitempty" yaml:"shared_dir,omitempty"`
	Compatible       bool                        `json:"compatible" yaml:"compatible"`
	Port             int                         `json:"port" yaml:"port"`
	InternalPort     int                         `json:"internalPort" yaml:"internal_port"`
	SupportsTLS      bool                        `json:"supportsTls" yaml:"supports_tls"`
}

// Result is the full output of assembling one app.
type Result struct {
	Routes   []RouteEntry       `yaml:"routes,omitempty" json:"routes,omitempty"`
	Services map[string]Service `yaml:"services" json:"services"`
	Metadata Metadata           `yaml:"metadata" json:"metadata"`
}

// MetadataFromInfo builds the registry entry for an app that has not been
// assembled, directly from its metadata.yml. Compatibility reflects whether
// every dependency slot is satisfied by an installed app.
func MetadataFromInfo(appID string, info manifest.Info, installed []string) Metadata {
	compatible := true
	for _, dep := range info.Dependencies {
		if !dep.Satisfied(installed) {
			compatible = false
			break
		}
	}
	return Metadata{
		ID:               appID,
		Name:             info.Name,
		Version:          info.Version,
		Category:         info.Category,
		Tagline:          info.Tagline,
		Developers:       info.Developers,
		Description:      info.Description,
		Dependencies:     info.Dependencies,
		HasPermissions:   info.TemplatePermissions,
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
		Compatible:       compatible,
	}
}
