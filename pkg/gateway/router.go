package gateway

import (
	"strings"

	"github.com/cuemby/heliox/pkg/types"
)

// matchRoute selects the route serving (method, path) for the given
// tenant among the candidates sharing one route name. A route scoped to
// another tenant is invisible. When several routes match, a
// tenant-specific route beats a shared one, then higher priority wins,
// then the longer (more specific) pattern, then the older route.
func matchRoute(candidates []*types.Route, tenantID, method, path string) *types.Route {
	var best *types.Route
	for _, r := range candidates {
		if !r.IsActive {
			continue
		}
		if r.TenantID != "" && r.TenantID != tenantID {
			continue
		}
		if !r.MatchesMethod(method) {
			continue
		}
		if !matchPath(r.PathPattern, path) {
			continue
		}
		if best == nil || moreSpecific(r, best) {
			best = r
		}
	}
	return best
}

// moreSpecific reports whether a should serve instead of b.
func moreSpecific(a, b *types.Route) bool {
	if (a.TenantID != "") != (b.TenantID != "") {
		return a.TenantID != ""
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if len(a.PathPattern) != len(b.PathPattern) {
		return len(a.PathPattern) > len(b.PathPattern)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// matchPath reports whether a prefix glob covers the path. "/items/*"
// covers "/items" and everything below it; a pattern without the glob
// matches exactly. An empty pattern covers everything, same as "/*".
func matchPath(pattern, path string) bool {
	if path == "" {
		path = "/"
	}
	switch {
	case pattern == "" || pattern == "*" || pattern == "/*":
		return true
	case strings.HasSuffix(pattern, "/*"):
		prefix := strings.TrimSuffix(pattern, "/*")
		return path == prefix || strings.HasPrefix(path, prefix+"/")
	default:
		return strings.TrimSuffix(path, "/") == strings.TrimSuffix(pattern, "/")
	}
}

// splitRoutePath separates /g/{route_name}/{path...} into the route
// name and the remainder forwarded upstream. The remainder always
// starts with "/".
func splitRoutePath(urlPath string) (name, rest string) {
	p := strings.TrimPrefix(urlPath, "/g/")
	name, rest, _ = strings.Cut(p, "/")
	if rest == "" {
		return name, "/"
	}
	return name, "/" + rest
}
