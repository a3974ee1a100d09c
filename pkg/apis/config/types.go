// Package config defines the configuration snapshot data model: listeners,
// routes, upstream pools and targets, TLS policies and certificates, and the
// versioned bundle ("snapshot") that groups them into one immutable unit.
package config

import (
	"time"

	"github.com/meshrelay/gateway/pkg/util/id"
)

// Protocol is a listener's wire protocol.
type Protocol string

const (
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
)

// Listener binds a port to a protocol, optionally terminating TLS.
type Listener struct {
	ID          id.ID    `json:"id"`
	Name        string   `json:"name"`
	Port        int      `json:"port"`
	Protocol    Protocol `json:"protocol"`
	TLSPolicyID id.ID    `json:"tls_policy_id,omitempty"`
	Enabled     bool     `json:"enabled"`
}

// RouteKind selects how a route's match_expr is interpreted.
type RouteKind string

const (
	RouteKindPort RouteKind = "port"
	RouteKindPath RouteKind = "path"
	RouteKindWS   RouteKind = "ws"
)

// MatchExpr is the dynamic predicate record attached to a route. Only the
// fields that are non-nil participate in matching; an unset field imposes no
// constraint.
type MatchExpr struct {
	Host       *string           `json:"host,omitempty"`
	PathPrefix *string           `json:"path_prefix,omitempty"`
	PathRegex  *string           `json:"path_regex,omitempty"`
	Method     []string          `json:"method,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Query      map[string]string `json:"query,omitempty"`
	WS         *bool             `json:"ws,omitempty"`
}

// Route resolves matching requests on a listener to an upstream pool.
type Route struct {
	ID             id.ID     `json:"id"`
	ListenerID     id.ID     `json:"listener_id"`
	Kind           RouteKind `json:"kind"`
	Match          MatchExpr `json:"match_expr"`
	Priority       int       `json:"priority"`
	UpstreamPoolID id.ID     `json:"upstream_pool_id"`
	Enabled        bool      `json:"enabled"`
}

// LBPolicy selects the load-balancing algorithm for an upstream pool.
type LBPolicy string

const (
	LBRoundRobin LBPolicy = "round_robin"
	LBLeastConn  LBPolicy = "least_conn"
	LBWeighted   LBPolicy = "weighted"
)

// HealthCheckKind is the probe mechanism used for a pool's targets.
type HealthCheckKind string

// HealthCheckTCP is currently the only supported probe kind.
const HealthCheckTCP HealthCheckKind = "tcp"

// HealthCheck configures a pool's background health probe. Unset fields
// fall back to the process-wide defaults (HEALTH_CHECK_INTERVAL_SECS,
// HEALTH_CHECK_TIMEOUT_MS).
type HealthCheck struct {
	Kind        HealthCheckKind `json:"kind"`
	IntervalSec *int            `json:"interval_secs,omitempty"`
	TimeoutMS   *int            `json:"timeout_ms,omitempty"`
}

// UpstreamPool groups targets behind one load-balancing policy.
type UpstreamPool struct {
	ID          id.ID        `json:"id"`
	Name        string       `json:"name"`
	Policy      LBPolicy     `json:"policy"`
	HealthCheck *HealthCheck `json:"health_check,omitempty"`
}

// UpstreamTarget is one backend destination in a pool.
type UpstreamTarget struct {
	ID      id.ID  `json:"id"`
	PoolID  id.ID  `json:"pool_id"`
	Address string `json:"address"` // host:port
	Weight  int    `json:"weight"`
	Enabled bool   `json:"enabled"`
}

// TLSMode selects how a TLS policy obtains its certificates.
type TLSMode string

const (
	TLSModeAuto   TLSMode = "auto"
	TLSModeManual TLSMode = "manual"
)

// TLSPolicyStatus reflects the outcome of the policy's most recent
// certificate resolution attempt.
type TLSPolicyStatus string

const (
	TLSPolicyActive  TLSPolicyStatus = "active"
	TLSPolicyError   TLSPolicyStatus = "error"
	TLSPolicyPending TLSPolicyStatus = "pending"
)

// TLSPolicy names the domains an HTTPS listener serves and how their
// certificates are sourced.
type TLSPolicy struct {
	ID      id.ID           `json:"id"`
	Mode    TLSMode         `json:"mode"`
	Domains []string        `json:"domains"`
	Status  TLSPolicyStatus `json:"status"`
}

// CertificateStatus reflects whether a certificate is still usable.
type CertificateStatus string

const (
	CertificateActive  CertificateStatus = "active"
	CertificateExpired CertificateStatus = "expired"
	CertificateError   CertificateStatus = "error"
)

// Certificate is a domain's leaf certificate and private key, PEM-encoded.
type Certificate struct {
	ID        id.ID             `json:"id"`
	Domain    string            `json:"domain"`
	CertPEM   string            `json:"cert_pem"`
	KeyPEM    string            `json:"key_pem"`
	ExpiresAt time.Time         `json:"expires_at"`
	Status    CertificateStatus `json:"status"`
}

// Snapshot is the full, immutable configuration bundle addressed by a
// ConfigVersion.
type Snapshot struct {
	Listeners       []Listener       `json:"listeners"`
	Routes          []Route          `json:"routes"`
	UpstreamPools   []UpstreamPool   `json:"upstream_pools"`
	UpstreamTargets []UpstreamTarget `json:"upstream_targets"`
	TLSPolicies     []TLSPolicy      `json:"tls_policies"`
	Certificates    []Certificate    `json:"certificates"`
}

// Clone returns a deep copy of the snapshot, so a caller can freely mutate
// the result without affecting the original (e.g. rollback cloning a past
// version into a fresh one).
func (s Snapshot) Clone() Snapshot {
	clone := Snapshot{
		Listeners:       append([]Listener(nil), s.Listeners...),
		Routes:          make([]Route, len(s.Routes)),
		UpstreamPools:   make([]UpstreamPool, len(s.UpstreamPools)),
		UpstreamTargets: append([]UpstreamTarget(nil), s.UpstreamTargets...),
		TLSPolicies:     make([]TLSPolicy, len(s.TLSPolicies)),
		Certificates:    append([]Certificate(nil), s.Certificates...),
	}
	for i, r := range s.Routes {
		r.Match.Method = append([]string(nil), r.Match.Method...)
		if r.Match.Headers != nil {
			r.Match.Headers = cloneMap(r.Match.Headers)
		}
		if r.Match.Query != nil {
			r.Match.Query = cloneMap(r.Match.Query)
		}
		clone.Routes[i] = r
	}
	for i, p := range s.UpstreamPools {
		if p.HealthCheck != nil {
			hc := *p.HealthCheck
			p.HealthCheck = &hc
		}
		clone.UpstreamPools[i] = p
	}
	for i, p := range s.TLSPolicies {
		p.Domains = append([]string(nil), p.Domains...)
		clone.TLSPolicies[i] = p
	}
	return clone
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// VersionStatus is the lifecycle state of a ConfigVersion.
type VersionStatus string

const (
	VersionDraft     VersionStatus = "draft"
	VersionPublished VersionStatus = "published"
	VersionArchived  VersionStatus = "archived"
)

// ConfigVersion is one immutable, fully-validated (once published) snapshot.
type ConfigVersion struct {
	ID        id.ID         `json:"id"`
	Snapshot  Snapshot      `json:"snapshot"`
	Status    VersionStatus `json:"status"`
	CreatedBy string        `json:"created_by"`
	CreatedAt time.Time     `json:"created_at"`
}

// NodeStatus is the control plane's view of a data-plane node's liveness.
type NodeStatus struct {
	NodeID           string         `json:"node_id"`
	AppliedVersionID id.ID          `json:"applied_version_id,omitempty"`
	HeartbeatAt      time.Time      `json:"heartbeat_at"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// AuditEntry is an append-only record of a mutating control-plane action.
type AuditEntry struct {
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Diff      string    `json:"diff"`
	CreatedAt time.Time `json:"created_at"`
}
