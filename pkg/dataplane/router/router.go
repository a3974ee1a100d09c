// Package router compiles a listener's routes into a fast, deterministic
// match table. Compilation happens once per reconciliation, not per
// request: regexes are parsed and priority ordering is resolved ahead of
// time, so request-path matching never recompiles.
package router

import (
	"net"
	"net/http"
	"regexp"
	"sort"
	"strings"

	"github.com/meshrelay/gateway/pkg/apis/config"
	"github.com/meshrelay/gateway/pkg/util/id"
)

// compiledMatcher is a route's match_expr, pre-parsed for fast matching.
type compiledMatcher struct {
	host       *string
	pathPrefix *string
	pathRegex  *regexp.Regexp
	methods    map[string]bool
	headers    map[string]string
	query      map[string]string
	ws         *bool
}

// Entry is one compiled route, carrying its resolved upstream pool id.
type Entry struct {
	Route          config.Route
	UpstreamPoolID id.ID
	matcher        compiledMatcher
}

// Table is the compiled, priority-ordered set of routes for one listener.
type Table struct {
	listenerID id.ID
	entries    []Entry
}

// Compile builds a Table for listenerID from every enabled route in
// routes that targets it, ordered by (priority DESC, id ASC).
func Compile(listenerID id.ID, routes []config.Route) *Table {
	var entries []Entry
	for _, route := range routes {
		if !route.Enabled || route.ListenerID != listenerID {
			continue
		}
		entries = append(entries, Entry{
			Route:          route,
			UpstreamPoolID: route.UpstreamPoolID,
			matcher:        compile(route.Match),
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Route.Priority != entries[j].Route.Priority {
			return entries[i].Route.Priority > entries[j].Route.Priority
		}
		return id.Less(entries[i].Route.ID, entries[j].Route.ID)
	})

	return &Table{listenerID: listenerID, entries: entries}
}

func compile(m config.MatchExpr) compiledMatcher {
	cm := compiledMatcher{
		host:       m.Host,
		pathPrefix: m.PathPrefix,
		headers:    m.Headers,
		query:      m.Query,
		ws:         m.WS,
	}
	if m.PathRegex != nil {
		if re, err := regexp.Compile(*m.PathRegex); err == nil {
			cm.pathRegex = re
		}
	}
	if len(m.Method) > 0 {
		cm.methods = make(map[string]bool, len(m.Method))
		for _, meth := range m.Method {
			cm.methods[strings.ToUpper(meth)] = true
		}
	}
	return cm
}

// Match returns the first route (in priority order) matching r, and
// whether any route matched. A route with kind=port matches every
// request unconditionally and so always terminates the search if
// reached; it is expected to carry the lowest priority among a
// listener's routes so that more specific routes are tried first.
func (t *Table) Match(r *http.Request, isWebSocketUpgrade bool) (Entry, bool) {
	for _, e := range t.entries {
		if e.Route.Kind == config.RouteKindPort {
			return e, true
		}
		if matches(e.matcher, r, isWebSocketUpgrade) {
			return e, true
		}
	}
	return Entry{}, false
}

// hostWithoutPort strips a ":port" suffix from a Host header value. Host
// headers for bare hostnames carry no colon, so SplitHostPort's error in
// that case just means "nothing to strip".
func hostWithoutPort(host string) string {
	h, _, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	return h
}

func matches(m compiledMatcher, r *http.Request, isWebSocketUpgrade bool) bool {
	if m.ws != nil && *m.ws != isWebSocketUpgrade {
		return false
	}
	if m.host != nil && !strings.EqualFold(*m.host, hostWithoutPort(r.Host)) {
		return false
	}
	if m.pathPrefix != nil && !strings.HasPrefix(r.URL.Path, *m.pathPrefix) {
		return false
	}
	if m.pathRegex != nil && !m.pathRegex.MatchString(r.URL.Path) {
		return false
	}
	if m.methods != nil && !m.methods[strings.ToUpper(r.Method)] {
		return false
	}
	for k, v := range m.headers {
		if r.Header.Get(k) != v {
			return false
		}
	}
	if len(m.query) > 0 {
		q := r.URL.Query()
		for k, v := range m.query {
			if q.Get(k) != v {
				return false
			}
		}
	}
	return true
}
