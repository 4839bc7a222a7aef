package manifest

import (
	"slices"

	"github.com/halyard-sh/halyard/internal/ports"
)

// PortEntries derives the port requests this app definition makes, ready for
// global resolution. The app port uses the declared priority (Optional when
// absent); every fixed required port is Required. A UDP or HTTP port whose
// public port was already requested by the same app is skipped, so one public
// port can serve both a published mapping and a route entry declaration.
func (a *App) PortEntries(appID, implements string) []ports.Entry {
	var entries []ports.Entry
	seen := func(public int) bool {
		return slices.ContainsFunc(entries, func(e ports.Entry) bool {
			return e.Public == public
		})
	}

	for _, name := range sortedKeys(a.Services) {
		svc := a.Services[name]
		if svc.Port != 0 {
			priority := ports.Optional
			if svc.PortPriority != nil {
				priority = *svc.PortPriority
			}
			entries = append(entries, ports.Entry{
				App:        appID,
				Internal:   svc.Port,
				Public:     svc.Port,
				Container:  name,
				Implements: implements,
				Priority:   priority,
			})
		}
		for _, public := range sortedKeys(svc.RequiredPorts.DirectTCP) {
			entries = append(entries, ports.Entry{
				App:        appID,
				Internal:   svc.RequiredPorts.DirectTCP[public],
				Public:     public,
				Container:  name,
				Implements: implements,
				Priority:   ports.Required,
			})
		}
		for _, public := range sortedKeys(svc.RequiredPorts.TCP) {
			entries = append(entries, ports.Entry{
				App:        appID,
				Internal:   svc.RequiredPorts.TCP[public],
				Public:     public,
				Container:  name,
				Implements: implements,
				Priority:   ports.Required,
			})
		}
		for _, public := range sortedKeys(svc.RequiredPorts.UDP) {
			if seen(public) {
				continue
			}
			entries = append(entries, ports.Entry{
				App:        appID,
				Internal:   svc.RequiredPorts.UDP[public],
				Public:     public,
				Container:  name,
				Implements: implements,
				Priority:   ports.Required,
			})
		}
		for _, public := range sortedKeys(svc.RequiredPorts.HTTP) {
			if seen(public) {
				continue
			}
			entries = append(entries, ports.Entry{
				App:        appID,
				Internal:   svc.RequiredPorts.HTTP[public],
				Public:     public,
				Container:  name,
				Implements: implements,
				Priority:   ports.Required,
			})
		}
	}
	return entries
}

func sortedKeys[K int | string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
