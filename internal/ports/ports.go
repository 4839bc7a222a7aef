// Package ports assigns public ports to the port requests of every app on the
// platform and decides which apps lose out when requests collide.
package ports

import (
	"slices"
)

// Priority classifies how strongly an app needs a specific public port.
type Priority int

const (
	// Optional means the public port does not matter.
	Optional Priority = iota
	// Recommended means the public port is preferred but movable.
	Recommended
	// Required means the app does not work on any other port.
	Required
)

// ReservedPorts are never assigned to apps.
var ReservedPorts = []int{
	80,  // HTTP
	443, // HTTPS
}

// Entry is one public-port request of an app container.
type Entry struct {
	App        string   `yaml:"app" json:"app"`
	Internal   int      `yaml:"internal_port" json:"internal_port"`
	Public     int      `yaml:"public_port" json:"public_port"`
	Container  string   `yaml:"container" json:"container"`
	Implements string   `yaml:"implements,omitempty" json:"implements,omitempty"`
	Priority   Priority `yaml:"priority" json:"priority"`
}

func reserved(port int) bool {
	return slices.Contains(ReservedPorts, port)
}

// Resolve assigns a public port to every surviving request and returns the
// assignments sorted by (public port, app) together with the apps that lost a
// Required port. Installed apps are processed before others so an existing
// install always beats a new one; within each group apps are processed
// alphabetically, requests in declaration order. A conflicted app loses all
// of its rows.
//
// Two Required requests for the same port survive together only when they
// implement the same shared protocol; those shared rows bypass the claim
// table and are merged into the result at the end.
func Resolve(entries []Entry, installed []string) ([]Entry, []string) {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	slices.SortStableFunc(sorted, func(a, b Entry) int {
		ai := slices.Contains(installed, a.App)
		bi := slices.Contains(installed, b.App)
		switch {
		case ai && !bi:
			return -1
		case !ai && bi:
			return 1
		case a.App < b.App:
			return -1
		case a.App > b.App:
			return 1
		default:
			return 0
		}
	})

	claims := make(map[int]Entry)
	var shared []Entry
	var conflicts []string

	probe := func(from int) int {
		port := from
		for {
			if _, taken := claims[port]; !taken && !reserved(port) {
				return port
			}
			port++
		}
	}
	dropApp := func(app string) {
		conflicts = append(conflicts, app)
		for port, e := range claims {
			if e.App == app {
				delete(claims, port)
			}
		}
	}

	for _, entry := range sorted {
		if slices.Contains(conflicts, entry.App) {
			continue
		}
		if reserved(entry.Public) {
			if entry.Priority == Required {
				dropApp(entry.App)
				continue
			}
			entry.Public = probe(entry.Public)
			claims[entry.Public] = entry
			continue
		}
		other, taken := claims[entry.Public]
		if !taken {
			claims[entry.Public] = entry
			continue
		}
		if entry == other {
			continue
		}
		if entry.Implements != "" && entry.Implements == other.Implements &&
			entry.Priority == other.Priority && entry.Priority == Required {
			shared = append(shared, entry)
			continue
		}
		switch {
		case entry.Priority > other.Priority:
			// The stronger request takes the port; the current holder moves.
			other.Public = probe(entry.Public)
			claims[other.Public] = other
			claims[entry.Public] = entry
		case entry.Priority == Required:
			dropApp(entry.App)
		case entry.Priority == other.Priority:
			// App name breaks the tie so output is deterministic.
			if entry.App < other.App {
				other.Public = probe(entry.Public)
				claims[other.Public] = other
				claims[entry.Public] = entry
			} else {
				entry.Public = probe(entry.Public)
				claims[entry.Public] = entry
			}
		default:
			entry.Public = probe(entry.Public)
			claims[entry.Public] = entry
		}
	}

	result := make([]Entry, 0, len(claims)+len(shared))
	for _, e := range claims {
		result = append(result, e)
	}
	result = append(result, shared...)
	slices.SortFunc(result, func(a, b Entry) int {
		if a.Public != b.Public {
			return a.Public - b.Public
		}
		switch {
		case a.App < b.App:
			return -1
		case a.App > b.App:
			return 1
		default:
			return 0
		}
	})
	return result, conflicts
}
