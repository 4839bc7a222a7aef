package assemble

import (
	"reflect"
	"slices"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/halyard-sh/halyard/internal/capability"
	"github.com/halyard-sh/halyard/internal/manifest"
	"github.com/halyard-sh/halyard/internal/ports"
)

func parseApp(t *testing.T, doc string) *manifest.App {
	t.Helper()
	app, err := manifest.ParseApp([]byte(doc))
	if err != nil {
		t.Fatalf("ParseApp: %v", err)
	}
	return app
}

func portMapFor(app string, internal, public int) []ports.Entry {
	return []ports.Entry{{App: app, Internal: internal, Public: public, Container: "main"}}
}

func TestAppBasicAssembly(t *testing.T) {
	app := parseApp(t, `
version: 1
services:
  main:
    image: ghost:5
    port: 2368
    restart: unless-stopped
    working_dir: /var/lib/ghost
`)
	result, warnings, err := App("ghost", app, manifest.Info{Name: "Ghost", Version: "5.0"}, portMapFor("ghost", 2368, 3001), nil)
	if err != nil {
		t.Fatalf("App: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("warnings = %v, want none", warnings)
	}
	svc := result.Services["main"]
	if svc.Image != "ghost:5" || svc.Restart != "unless-stopped" || svc.WorkingDir != "/var/lib/ghost" {
		t.Fatalf("pass-through fields wrong: %+v", svc)
	}
	if len(result.Routes) != 1 {
		t.Fatalf("routes = %v, want one", result.Routes)
	}
	route := result.Routes[0]
	if route.PublicPort != 3001 || route.InternalPort != 2368 || !route.IsPrimary || route.RawTCP {
		t.Fatalf("route = %+v", route)
	}
	md := result.Metadata
	if md.Port != 3001 || md.InternalPort != 2368 || !md.SupportsTLS || !md.Compatible {
		t.Fatalf("metadata = %+v", md)
	}
}

func TestAppMetadataPortMatchesMainContainer(t *testing.T) {
	app := parseApp(t, `
version: 1
services:
  main:
    image: img
    port: 8080
  sidecar:
    image: helper
`)
	// A sibling row with the same internal port number must not be mistaken
	// for the main service's entry.
	portMap := []ports.Entry{
		{App: "app", Internal: 8080, Public: 9000, Container: "sidecar"},
		{App: "app", Internal: 8080, Public: 8081, Container: "main"},
	}
	result, _, err := App("app", app, manifest.Info{}, portMap, nil)
	if err != nil {
		t.Fatalf("App: %v", err)
	}
	if result.Metadata.Port != 8081 {
		t.Fatalf("metadata port = %d, want the main container's 8081", result.Metadata.Port)
	}
}

func TestAppDisableIngressPublishesPort(t *testing.T) {
	app := parseApp(t, `
version: 1
services:
  main:
    image: img
    port: 4000
    disable_ingress: true
`)
	result, _, err := App("app", app, manifest.Info{}, portMapFor("app", 4000, 4000), nil)
	if err != nil {
		t.Fatalf("App: %v", err)
	}
	if len(result.Routes) != 0 {
		t.Fatalf("routes = %v, want none", result.Routes)
	}
	if got := result.Services["main"].Ports; !slices.Equal(got, []string{"4000:4000"}) {
		t.Fatalf("ports = %v, want [4000:4000]", got)
	}
}

func TestAppDirectTCPDisablesTLS(t *testing.T) {
	app := parseApp(t, `
version: 1
services:
  main:
    image: img
    port: 50001
    direct_tcp: true
`)
	result, _, err := App("app", app, manifest.Info{}, portMapFor("app", 50001, 50001), nil)
	if err != nil {
		t.Fatalf("App: %v", err)
	}
	if result.Metadata.SupportsTLS {
		t.Fatalf("SupportsTLS = true, want false for raw tcp main route")
	}
	if !result.Routes[0].RawTCP {
		t.Fatalf("route = %+v, want raw tcp", result.Routes[0])
	}
}

func TestAppCapAddPermissions(t *testing.T) {
	app := parseApp(t, `
version: 1
services:
  main:
    image: img
    port: 80
    cap_add:
      - CAP_NET_RAW
      - CAP_SYS_ADMIN
`)
	result, _, err := App("app", app, manifest.Info{}, portMapFor("app", 80, 81), nil)
	if err != nil {
		t.Fatalf("App: %v", err)
	}
	has := result.Metadata.HasPermissions
	if !slices.Contains(has, "network") || !slices.Contains(has, "root") {
		t.Fatalf("hasPermissions = %v, want network and root", has)
	}
}

func TestAppRejectsNonHostNetworkMode(t *testing.T) {
	app := parseApp(t, `
version: 1
services:
  main:
    image: img
    port: 80
    network_mode: bridge
`)
	_, _, err := App("app", app, manifest.Info{}, portMapFor("app", 80, 81), nil)
	if err == nil || !strings.Contains(err.Error(), "network_mode") {
		t.Fatalf("err = %v, want network_mode rejection", err)
	}
}

func TestAppMounts(t *testing.T) {
	app := parseApp(t, `
version: 1
services:
  main:
    image: img
    port: 80
    mounts:
      data:
        html: /var/www/html
        "../evil": /escape
      bitcoin/rpc.conf: /etc/bitcoin.conf
      electrs: /data/electrs
`)
	universe := capability.Universe{
		"bitcoin": {
			{App: "bitcoin", ID: "rpc", Files: []string{"rpc.conf"}},
			{App: "bitcoin", ID: "all", Files: []string{"rpc.conf", "bitcoin.conf"}, Includes: []string{"rpc"}},
		},
	}
	result, warnings, err := App("app", app, manifest.Info{}, portMapFor("app", 80, 81), universe)
	if err != nil {
		t.Fatalf("App: %v", err)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "invalid data mount") {
		t.Fatalf("warnings = %v, want one invalid data mount", warnings)
	}
	volumes := result.Services["main"].Volumes
	for _, want := range []string{
		"${APPS_DATA_DIR}/bitcoin/rpc.conf:/etc/bitcoin.conf",
		"${APPS_DATA_DIR}/electrs:/data/electrs",
		"${APP_DATA_DIR}/html:/var/www/html",
	} {
		if !slices.Contains(volumes, want) {
			t.Fatalf("volumes = %v, missing %q", volumes, want)
		}
	}
	has := result.Metadata.HasPermissions
	if !slices.Contains(has, "bitcoin/rpc") {
		t.Fatalf("hasPermissions = %v, want scoped bitcoin/rpc", has)
	}
	if !slices.Contains(has, "electrs") {
		t.Fatalf("hasPermissions = %v, want app-wide electrs", has)
	}
}

func TestAppEnvAccess(t *testing.T) {
	app := parseApp(t, `
version: 1
services:
  main:
    image: img
    port: 80
    environment:
      HOST: $DEVICE_IP
      RPC: ${APP_BITCOIN_RPC}
      SECRET: $HOST_SECRET
      WEIRD: $APP_BITCOIN
`)
	universe := capability.Universe{
		"BITCOIN": {
			{App: "BITCOIN", ID: "rpc", Variables: map[string]capability.Value{
				"APP_BITCOIN_RPC": capability.StringValue("${APP_BITCOIN_RPC}"),
			}},
		},
	}
	result, _, err := App("app", app, manifest.Info{}, portMapFor("app", 80, 81), universe)
	if err != nil {
		t.Fatalf("App: %v", err)
	}
	has := result.Metadata.HasPermissions
	if !slices.Contains(has, "BITCOIN/rpc") {
		t.Fatalf("hasPermissions = %v, want BITCOIN/rpc for matched variable", has)
	}
	// $HOST_SECRET and the malformed $APP_BITCOIN both escalate to root.
	if !slices.Contains(has, "root") {
		t.Fatalf("hasPermissions = %v, want root", has)
	}
}

func TestResultRoundTrip(t *testing.T) {
	app := parseApp(t, `
version: 1
services:
  main:
    image: vaultwarden/server:1.30
    port: 8087
    restart: on-failure
    stop_grace_period: 1m
    user: "1000:1000"
    working_dir: /data
    command: ["/start.sh", "--foreground"]
`)
	result, _, err := App("vaultwarden", app, manifest.Info{Name: "Vaultwarden", Version: "1.30"}, portMapFor("vaultwarden", 8087, 8087), nil)
	if err != nil {
		t.Fatalf("App: %v", err)
	}
	data, err := yaml.Marshal(result)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Result
	if err := yaml.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got := back.Services["main"]
	wantSvc := result.Services["main"]
	if got.Image != wantSvc.Image || got.Restart != wantSvc.Restart ||
		got.StopGracePeriod != wantSvc.StopGracePeriod || got.User != wantSvc.User ||
		got.WorkingDir != wantSvc.WorkingDir || !slices.Equal(got.Command.Array, wantSvc.Command.Array) {
		t.Fatalf("round-trip changed service: got %+v want %+v", got, wantSvc)
	}
	if !reflect.DeepEqual(back.Metadata, result.Metadata) {
		t.Fatalf("round-trip changed metadata: got %+v want %+v", back.Metadata, result.Metadata)
	}
}
