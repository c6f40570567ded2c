package pipeline

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultTable and DefaultKey are used when no route matches.
const DefaultTable = "parent_events"

var DefaultKey = []string{"id"}

// Route sends objects under Prefix to Table, merged on Key.
type Route struct {
	Prefix string   `yaml:"prefix"`
	Table  string   `yaml:"table"`
	Key    []string `yaml:"key"`
}

// Router picks the route with the longest matching prefix.
type Router struct {
	routes   []Route
	fallback Route
}

// NewRouter validates routes. fallback applies to objects no route
// matches; its Prefix is ignored.
func NewRouter(fallback Route, routes ...Route) (*Router, error) {
	if fallback.Table == "" {
		fallback.Table = DefaultTable
	}
	if len(fallback.Key) == 0 {
		fallback.Key = DefaultKey
	}
	seen := make(map[string]bool, len(routes))
	for _, r := range routes {
		if r.Table == "" {
			return nil, fmt.Errorf("route %q has no table", r.Prefix)
		}
		if len(r.Key) == 0 {
			return nil, fmt.Errorf("route %q has no merge key", r.Prefix)
		}
		if seen[r.Prefix] {
			return nil, fmt.Errorf("duplicate route prefix %q", r.Prefix)
		}
		seen[r.Prefix] = true
	}

	sorted := append([]Route(nil), routes...)
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i].Prefix) > len(sorted[j].Prefix) })
	return &Router{routes: sorted, fallback: fallback}, nil
}

// Resolve returns the route for objectPath.
func (r *Router) Resolve(objectPath string) Route {
	for _, rt := range r.routes {
		if strings.HasPrefix(objectPath, rt.Prefix) {
			return rt
		}
	}
	return r.fallback
}

// Tables lists every table a route can load, fallback first.
func (r *Router) Tables() []string {
	out := []string{r.fallback.Table}
	seen := map[string]bool{r.fallback.Table: true}
	for _, rt := range r.routes {
		if !seen[rt.Table] {
			seen[rt.Table] = true
			out = append(out, rt.Table)
		}
	}
	return out
}
