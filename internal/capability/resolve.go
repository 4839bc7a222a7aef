package capability

import (
	"fmt"
	"slices"
	"strings"
)

// Resolve merges the variables reachable from grants. App-wide grants merge
// the variables of every capability the app exports without following
// includes; scoped grants follow includes transitively. The walk is an
// explicit worklist with a visited set, so include cycles terminate and stack
// depth stays constant.
//
// On duplicate variable keys the first writer wins; each shadowed write is
// reported as a warning.
func Resolve(grants []string, u Universe) (map[string]Value, []string) {
	vars := make(map[string]Value)
	var warnings []string

	visited := make(map[string]bool)
	work := make([]string, 0, len(grants))
	for _, g := range grants {
		work = append(work, strings.TrimSpace(g))
	}

	merge := func(c *Capability) {
		keys := make([]string, 0, len(c.Variables))
		for k := range c.Variables {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			if _, ok := vars[k]; ok {
				warnings = append(warnings, fmt.Sprintf("duplicate variable %q from %s ignored", k, c.Ref()))
				continue
			}
			vars[k] = c.Variables[k]
		}
	}

	for len(work) > 0 {
		grant := work[0]
		work = work[1:]
		if grant == "" || visited[grant] {
			continue
		}
		visited[grant] = true

		app, capID := SplitGrant(grant)
		if capID == "" {
			caps, ok := u[app]
			if !ok {
				warnings = append(warnings, fmt.Sprintf("grant %q references unknown app", grant))
				continue
			}
			for i := range caps {
				merge(&caps[i])
			}
			continue
		}

		c, ok := u.Find(app, capID)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("grant %q references unknown capability", grant))
			continue
		}
		merge(c)
		for _, inc := range c.Includes {
			inc = strings.TrimSpace(inc)
			if inc == "" {
				continue
			}
			// Bare includes name a sibling capability of the same app.
			if !strings.Contains(inc, "/") {
				inc = app + "/" + inc
			}
			work = append(work, inc)
		}
	}

	return vars, warnings
}

// BestMatch picks the capability of caps satisfying pred that a dependent app
// should be granted. No match returns nil, and callers fall back to an
// app-wide grant. A single match wins outright; otherwise a match already in
// granted wins; otherwise the match with the fewest includes, with ties broken
// by smallest ID.
func BestMatch(caps []Capability, granted []string, pred func(*Capability) bool) *Capability {
	var matches []*Capability
	for i := range caps {
		if pred(&caps[i]) {
			matches = append(matches, &caps[i])
		}
	}
	switch len(matches) {
	case 0:
		return nil
	case 1:
		return matches[0]
	}
	for _, m := range matches {
		if slices.Contains(granted, m.Ref()) {
			return m
		}
	}
	best := matches[0]
	for _, m := range matches[1:] {
		if len(m.Includes) < len(best.Includes) ||
			(len(m.Includes) == len(best.Includes) && m.ID < best.ID) {
			best = m
		}
	}
	return best
}
