package middleware

import (
	"net/http"
	"strings"
)

// CORS answers preflight requests and sets CORS headers for the allowed
// origins. If allowedOrigins is empty, all origins are allowed.
//
// routes are the mux patterns in "METHOD /path/{param}" form. The methods
// advertised for a path are exactly those registered for it, so a route the
// server did not register is never offered and its preflight gets a 404.
func CORS(allowedOrigins, routes []string) func(http.Handler) http.Handler {
	table := parseRoutes(routes)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			methods := table.methodsFor(r.URL.Path)
			origin := r.Header.Get("Origin")
			if origin != "" && len(methods) > 0 && originAllowed(allowedOrigins, origin) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
				h.Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))
				h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
				h.Set("Access-Control-Max-Age", "86400")
			}
			if r.Method == http.MethodOptions {
				if len(methods) == 0 {
					http.NotFound(w, r)
					return
				}
				w.Header().Set("Allow", strings.Join(methods, ", "))
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

type routePattern struct {
	method string
	segs   []string
}

type routeTable []routePattern

// parseRoutes skips patterns without a method; they match every method and
// have nothing specific to advertise.
func parseRoutes(routes []string) routeTable {
	var t routeTable
	for _, p := range routes {
		method, path, ok := strings.Cut(p, " ")
		if !ok {
			continue
		}
		t = append(t, routePattern{method: method, segs: splitPath(path)})
	}
	return t
}

// methodsFor returns the methods registered for path in registration order,
// plus OPTIONS, or nil when no route matches.
func (t routeTable) methodsFor(path string) []string {
	segs := splitPath(path)
	var out []string
	for _, rp := range t {
		if !rp.match(segs) || contains(out, rp.method) {
			continue
		}
		out = append(out, rp.method)
	}
	if len(out) == 0 {
		return nil
	}
	return append(out, http.MethodOptions)
}

func (rp routePattern) match(segs []string) bool {
	if len(segs) != len(rp.segs) {
		return false
	}
	for i, s := range rp.segs {
		if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
			if segs[i] == "" {
				return false
			}
			continue
		}
		if s != segs[i] {
			return false
		}
	}
	return true
}

func splitPath(p string) []string {
	return strings.Split(strings.Trim(p, "/"), "/")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
