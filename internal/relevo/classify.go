package relevo

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Class is derived from a request on every fetch; it is never stored.
type Class int

const (
	ClassPassthrough Class = iota
	ClassBlocked
	ClassNavigation
	ClassStatic
	ClassImage
	ClassStorageImage
	ClassThirdPartyStatic
)

func (c Class) String() string {
	switch c {
	case ClassBlocked:
		return "blocked"
	case ClassNavigation:
		return "navigation"
	case ClassStatic:
		return "static"
	case ClassImage:
		return "image"
	case ClassStorageImage:
		return "storage-image"
	case ClassThirdPartyStatic:
		return "third-party-static"
	default:
		return "passthrough"
	}
}

type Route int

const (
	RoutePassthrough Route = iota
	RouteNetworkFirst
	RouteStaleWhileRevalidate
)

func (r Route) String() string {
	switch r {
	case RouteNetworkFirst:
		return "network-first"
	case RouteStaleWhileRevalidate:
		return "stale-while-revalidate"
	default:
		return "passthrough"
	}
}

func (c Class) Route() Route {
	switch c {
	case ClassNavigation:
		return RouteNetworkFirst
	case ClassStatic, ClassImage, ClassStorageImage, ClassThirdPartyStatic:
		return RouteStaleWhileRevalidate
	default:
		return RoutePassthrough
	}
}

var (
	staticExts = map[string]struct{}{".js": {}, ".css": {}, ".mjs": {}, ".wasm": {}}
	imageExts  = map[string]struct{}{".png": {}, ".jpg": {}, ".jpeg": {}, ".webp": {}, ".gif": {}, ".svg": {}, ".ico": {}}
)

func hasExt(p string, exts map[string]struct{}) bool {
	_, ok := exts[strings.ToLower(path.Ext(p))]
	return ok
}

func isStaticPath(p string) bool { return hasExt(p, staticExts) }

func isImagePath(p string) bool { return hasExt(p, imageExts) }

// isNavigation matches document loads: the browser marks them with
// Sec-Fetch-Mode: navigate, other clients ask for text/html.
func isNavigation(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// Classify checks the block-list before anything else. A request matching no
// rule falls through to ClassPassthrough.
func (c *Config) Classify(r *http.Request) Class {
	if r.Method != http.MethodGet {
		return ClassPassthrough
	}
	u := r.URL
	if u == nil || (u.Scheme != "http" && u.Scheme != "https") {
		return ClassPassthrough
	}
	host := u.Hostname()
	if c.blocked.Has(host) {
		return ClassBlocked
	}
	if c.isStorageHost(host) && isImagePath(u.Path) {
		return ClassStorageImage
	}
	if isNavigation(r) {
		return ClassNavigation
	}
	if c.sameOrigin(r) {
		if isStaticPath(u.Path) {
			return ClassStatic
		}
		if isImagePath(u.Path) {
			return ClassImage
		}
	}
	if c.thirdParty.Has(host) {
		return ClassThirdPartyStatic
	}
	return ClassPassthrough
}

func (c *Config) sameOrigin(r *http.Request) bool {
	return c.isOrigin(r.URL)
}

// isOrigin compares scheme, host and port, with the scheme's default port
// filled in on both sides.
func (c *Config) isOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, c.origin.Scheme) &&
		strings.EqualFold(u.Hostname(), c.origin.Hostname()) &&
		effectivePort(u) == effectivePort(c.origin)
}

func effectivePort(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		return "80"
	case "https":
		return "443"
	}
	return ""
}

// Forwards reports whether the forward-proxy form may relay to u: only the
// origin and hosts some rule names.
func (c *Config) Forwards(u *url.URL) bool {
	if u == nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	if c.isOrigin(u) {
		return true
	}
	host := strings.ToLower(u.Hostname())
	return c.blocked.Has(host) || c.thirdParty.Has(host) || c.isStorageHost(host)
}

// isOpaque reports whether the response to r would be opaque to a page:
// cross-origin and requested in no-cors mode.
func (c *Config) isOpaque(r *http.Request) bool {
	return !c.sameOrigin(r) && strings.EqualFold(r.Header.Get("Sec-Fetch-Mode"), "no-cors")
}
