package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrelay/gateway/pkg/apis/config"
	"github.com/meshrelay/gateway/pkg/util/id"
)

func strptr(s string) *string { return &s }
func boolptr(b bool) *bool    { return &b }

func TestMatch_PriorityOrdering(t *testing.T) {
	listenerID := id.New()
	poolLow := id.New()
	poolHigh := id.New()

	routes := []config.Route{
		{
			ID: id.New(), ListenerID: listenerID, Kind: config.RouteKindPath,
			Match: config.MatchExpr{Host: strptr("example.com")}, Priority: 50,
			UpstreamPoolID: poolLow, Enabled: true,
		},
		{
			ID: id.New(), ListenerID: listenerID, Kind: config.RouteKindPath,
			Match: config.MatchExpr{Host: strptr("example.com")}, Priority: 100,
			UpstreamPoolID: poolHigh, Enabled: true,
		},
	}

	table := Compile(listenerID, routes)
	req := httptest.NewRequest(http.MethodGet, "http://example.com/anything", nil)
	req.Host = "example.com"

	entry, ok := table.Match(req, false)
	require.True(t, ok)
	assert.Equal(t, poolHigh, entry.UpstreamPoolID)
}

func TestMatch_TieBrokenByIDAscending(t *testing.T) {
	listenerID := id.New()
	idLow := id.New()
	idHigh := id.New()
	if !id.Less(idLow, idHigh) {
		idLow, idHigh = idHigh, idLow
	}

	poolForLow := id.New()
	routes := []config.Route{
		{
			ID: idHigh, ListenerID: listenerID, Kind: config.RouteKindPort,
			Priority: 10, UpstreamPoolID: id.New(), Enabled: true,
		},
		{
			ID: idLow, ListenerID: listenerID, Kind: config.RouteKindPort,
			Priority: 10, UpstreamPoolID: poolForLow, Enabled: true,
		},
	}

	table := Compile(listenerID, routes)
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)

	entry, ok := table.Match(req, false)
	require.True(t, ok)
	assert.Equal(t, poolForLow, entry.UpstreamPoolID)
}

func TestMatch_HostCaseInsensitive(t *testing.T) {
	listenerID := id.New()
	poolID := id.New()
	routes := []config.Route{
		{
			ID: id.New(), ListenerID: listenerID, Kind: config.RouteKindPath,
			Match: config.MatchExpr{Host: strptr("Example.COM"), PathPrefix: strptr("/")},
			Priority: 1, UpstreamPoolID: poolID, Enabled: true,
		},
	}
	table := Compile(listenerID, routes)
	req := httptest.NewRequest(http.MethodGet, "http://example.com/anything", nil)
	req.Host = "example.com"

	_, ok := table.Match(req, false)
	assert.True(t, ok)
}

func TestMatch_HostIgnoresRequestPort(t *testing.T) {
	listenerID := id.New()
	poolID := id.New()
	routes := []config.Route{
		{
			ID: id.New(), ListenerID: listenerID, Kind: config.RouteKindPath,
			Match: config.MatchExpr{Host: strptr("example.com"), PathPrefix: strptr("/")},
			Priority: 1, UpstreamPoolID: poolID, Enabled: true,
		},
	}
	table := Compile(listenerID, routes)

	req := httptest.NewRequest(http.MethodGet, "http://example.com:15000/anything", nil)
	req.Host = "example.com:15000"

	entry, ok := table.Match(req, false)
	require.True(t, ok)
	assert.Equal(t, poolID, entry.UpstreamPoolID)
}

func TestMatch_HeaderValueIsCaseSensitive(t *testing.T) {
	listenerID := id.New()
	poolID := id.New()
	routes := []config.Route{
		{
			ID: id.New(), ListenerID: listenerID, Kind: config.RouteKindPath,
			Match: config.MatchExpr{
				PathPrefix: strptr("/"),
				Headers:    map[string]string{"X-Tenant": "Acme"},
			},
			Priority: 1, UpstreamPoolID: poolID, Enabled: true,
		},
	}
	table := Compile(listenerID, routes)

	req := httptest.NewRequest(http.MethodGet, "http://example.com/anything", nil)
	req.Header.Set("X-Tenant", "acme") // different case from configured value
	_, ok := table.Match(req, false)
	assert.False(t, ok, "header values are matched byte-exact, case-sensitive")

	req2 := httptest.NewRequest(http.MethodGet, "http://example.com/anything", nil)
	req2.Header.Set("x-tenant", "Acme") // header name folds, value matches exactly
	_, ok2 := table.Match(req2, false)
	assert.True(t, ok2)
}

func TestMatch_WSRequiresUpgrade(t *testing.T) {
	listenerID := id.New()
	poolID := id.New()
	routes := []config.Route{
		{
			ID: id.New(), ListenerID: listenerID, Kind: config.RouteKindWS,
			Match:    config.MatchExpr{Host: strptr("ws.example.com"), WS: boolptr(true)},
			Priority: 1, UpstreamPoolID: poolID, Enabled: true,
		},
	}
	table := Compile(listenerID, routes)

	req := httptest.NewRequest(http.MethodGet, "http://ws.example.com/", nil)
	req.Host = "ws.example.com"

	_, matchedPlain := table.Match(req, false)
	assert.False(t, matchedPlain)

	_, matchedUpgrade := table.Match(req, true)
	assert.True(t, matchedUpgrade)
}

func TestMatch_PortRouteIsCatchAll(t *testing.T) {
	listenerID := id.New()
	poolID := id.New()
	routes := []config.Route{
		{ID: id.New(), ListenerID: listenerID, Kind: config.RouteKindPort, Priority: 0, UpstreamPoolID: poolID, Enabled: true},
	}
	table := Compile(listenerID, routes)

	req := httptest.NewRequest(http.MethodPost, "http://anything.invalid/whatever", nil)
	entry, ok := table.Match(req, false)
	require.True(t, ok)
	assert.Equal(t, poolID, entry.UpstreamPoolID)
}

func TestMatch_NoMatchReturnsFalse(t *testing.T) {
	listenerID := id.New()
	routes := []config.Route{
		{
			ID: id.New(), ListenerID: listenerID, Kind: config.RouteKindPath,
			Match: config.MatchExpr{Host: strptr("only.example.com")}, Priority: 1,
			UpstreamPoolID: id.New(), Enabled: true,
		},
	}
	table := Compile(listenerID, routes)

	req := httptest.NewRequest(http.MethodGet, "http://other.example.com/", nil)
	req.Host = "other.example.com"

	_, ok := table.Match(req, false)
	assert.False(t, ok)
}

func TestCompile_SkipsDisabledAndOtherListeners(t *testing.T) {
	listenerID := id.New()
	routes := []config.Route{
		{ID: id.New(), ListenerID: listenerID, Kind: config.RouteKindPort, Enabled: false, UpstreamPoolID: id.New()},
		{ID: id.New(), ListenerID: id.New(), Kind: config.RouteKindPort, Enabled: true, UpstreamPoolID: id.New()},
	}
	table := Compile(listenerID, routes)

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	_, ok := table.Match(req, false)
	assert.False(t, ok)
}

func TestMatch_QueryParameterExact(t *testing.T) {
	listenerID := id.New()
	poolID := id.New()
	routes := []config.Route{
		{
			ID: id.New(), ListenerID: listenerID, Kind: config.RouteKindPath,
			Match: config.MatchExpr{
				PathPrefix: strptr("/"),
				Query:      map[string]string{"version": "v2"},
			},
			Priority: 1, UpstreamPoolID: poolID, Enabled: true,
		},
	}
	table := Compile(listenerID, routes)

	req := httptest.NewRequest(http.MethodGet, "http://example.com/x?version=v1", nil)
	_, ok := table.Match(req, false)
	assert.False(t, ok)

	req2 := httptest.NewRequest(http.MethodGet, "http://example.com/x?version=v2", nil)
	_, ok2 := table.Match(req2, false)
	assert.True(t, ok2)
}
