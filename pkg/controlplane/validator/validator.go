// Package validator implements the pure snapshot-validation function: given
// a configuration snapshot, it reports every invariant violation as one of
// a fixed set of canonical error strings, in a deterministic order.
package validator

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"regexp"
	"sort"

	"golang.org/x/net/idna"

	"github.com/meshrelay/gateway/pkg/apis/config"
	"github.com/meshrelay/gateway/pkg/util/id"
)

// Canonical error kinds. These strings are part of the wire contract
// and must never change once published.
const (
	ErrDuplicateListener      = "duplicate listener"
	ErrInvalidProtocol        = "invalid protocol"
	ErrHTTPSRequiresTLS       = "https requires tls_policy_id"
	ErrInvalidRouteType       = "invalid route type"
	ErrInvalidMatchExpr       = "invalid match_expr"
	ErrInvalidUpstreamAddress = "invalid upstream target address"
	ErrPortOutOfRange         = "port out of range"
	ErrInvalidDomain          = "invalid tls policy domain"
	ErrInvalidCertificate     = "invalid certificate"
)

// minPort and maxPort bound every listener's port independent of any
// configured HTTP/HTTPS_PORT_RANGE policy.
const (
	minPort = 1
	maxPort = 65535
)

// PortRange is an inclusive [Low, High] port interval. A zero-value
// PortRange ({0,0}) is treated as "no restriction".
type PortRange struct {
	Low  int
	High int
}

func (r PortRange) enabled() bool {
	return r.Low > 0 && r.High > 0
}

func (r PortRange) contains(port int) bool {
	return port >= r.Low && port <= r.High
}

// Options carries the policy inputs the validator needs but that do not
// live inside the snapshot itself.
type Options struct {
	HTTPPortRange  PortRange
	HTTPSPortRange PortRange
}

// Result is the outcome of validating a snapshot.
type Result struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// finding pairs an error kind with a sort key, so errors can be emitted in a
// stable, deterministic order regardless of map/slice iteration order.
type finding struct {
	sortKey string
	kind    string
}

// Validate checks every invariant of the data model against snapshot and
// returns the (deterministically ordered) list of violations found.
func Validate(snapshot *config.Snapshot, opts Options) Result {
	var findings []finding

	findings = append(findings, validateListeners(snapshot, opts)...)
	findings = append(findings, validateRoutes(snapshot)...)
	findings = append(findings, validateUpstreamTargets(snapshot)...)
	findings = append(findings, validateTLSPolicies(snapshot)...)
	findings = append(findings, validateCertificates(snapshot)...)

	sort.SliceStable(findings, func(i, j int) bool {
		return findings[i].sortKey < findings[j].sortKey
	})

	errs := make([]string, len(findings))
	for i, f := range findings {
		errs[i] = f.kind
	}

	return Result{Valid: len(errs) == 0, Errors: errs}
}

func validateListeners(snapshot *config.Snapshot, opts Options) []finding {
	var findings []finding

	tlsPolicies := make(map[id.ID]bool, len(snapshot.TLSPolicies))
	for _, p := range snapshot.TLSPolicies {
		tlsPolicies[p.ID] = true
	}

	type portProto struct {
		port     int
		protocol config.Protocol
	}
	seen := make(map[portProto]bool)

	for _, l := range snapshot.Listeners {
		key := fmt.Sprintf("0.listener.%s", l.ID.String())

		if l.Protocol != config.ProtocolHTTP && l.Protocol != config.ProtocolHTTPS {
			findings = append(findings, finding{key + ".protocol", ErrInvalidProtocol})
			continue
		}

		if !l.Enabled {
			continue
		}

		// L1: (port, protocol) globally unique across enabled listeners.
		pp := portProto{l.Port, l.Protocol}
		if seen[pp] {
			findings = append(findings, finding{key + ".dup", ErrDuplicateListener})
		}
		seen[pp] = true

		// L2: https requires a tls_policy_id present in the same snapshot.
		if l.Protocol == config.ProtocolHTTPS {
			if l.TLSPolicyID.IsNil() || !tlsPolicies[l.TLSPolicyID] {
				findings = append(findings, finding{key + ".tls", ErrHTTPSRequiresTLS})
			}
		}

		// Port must be a valid TCP port number regardless of whether an
		// HTTP/HTTPS_PORT_RANGE policy is configured.
		if l.Port < minPort || l.Port > maxPort {
			findings = append(findings, finding{key + ".port", ErrPortOutOfRange})
		} else {
			// Port range policy, when configured.
			var r PortRange
			switch l.Protocol {
			case config.ProtocolHTTP:
				r = opts.HTTPPortRange
			case config.ProtocolHTTPS:
				r = opts.HTTPSPortRange
			}
			if r.enabled() && !r.contains(l.Port) {
				findings = append(findings, finding{key + ".range", ErrPortOutOfRange})
			}
		}
	}

	return findings
}

func validateRoutes(snapshot *config.Snapshot) []finding {
	var findings []finding

	listeners := make(map[id.ID]bool, len(snapshot.Listeners))
	for _, l := range snapshot.Listeners {
		listeners[l.ID] = true
	}
	pools := make(map[id.ID]bool, len(snapshot.UpstreamPools))
	for _, p := range snapshot.UpstreamPools {
		pools[p.ID] = true
	}

	for _, route := range snapshot.Routes {
		key := fmt.Sprintf("1.route.%s", route.ID.String())

		switch route.Kind {
		case config.RouteKindPort, config.RouteKindPath, config.RouteKindWS:
		default:
			findings = append(findings, finding{key + ".kind", ErrInvalidRouteType})
			continue
		}

		// path/ws routes need at least one of host, path_prefix, path_regex.
		if route.Kind == config.RouteKindPath || route.Kind == config.RouteKindWS {
			if route.Match.Host == nil && route.Match.PathPrefix == nil && route.Match.PathRegex == nil {
				findings = append(findings, finding{key + ".match_expr", ErrInvalidMatchExpr})
			}
		}

		// kind=ws requires match_expr.ws = true.
		if route.Kind == config.RouteKindWS {
			if route.Match.WS == nil || !*route.Match.WS {
				findings = append(findings, finding{key + ".ws", ErrInvalidMatchExpr})
			}
		}

		if route.Match.PathRegex != nil {
			if _, err := regexp.Compile(*route.Match.PathRegex); err != nil {
				findings = append(findings, finding{key + ".regex", ErrInvalidMatchExpr})
			}
		}

		// listener_id and upstream_pool_id must resolve in this snapshot.
		if !listeners[route.ListenerID] {
			findings = append(findings, finding{key + ".listener_id", ErrInvalidMatchExpr})
		}
		if !pools[route.UpstreamPoolID] {
			findings = append(findings, finding{key + ".upstream_pool_id", ErrInvalidMatchExpr})
		}
	}

	return findings
}

func validateTLSPolicies(snapshot *config.Snapshot) []finding {
	var findings []finding

	for _, policy := range snapshot.TLSPolicies {
		key := fmt.Sprintf("3.tlspolicy.%s", policy.ID.String())
		for _, domain := range policy.Domains {
			if _, err := idna.Lookup.ToASCII(domain); err != nil {
				findings = append(findings, finding{key + "." + domain, ErrInvalidDomain})
			}
		}
	}

	return findings
}

// validateCertificates enforces invariant C1: every active certificate's
// PEM pair must parse and match, and its leaf must cover the domain it
// claims to serve. A certificate past its expires_at or already flagged
// error is certsweep's concern, not publish-time validation, so only
// active certificates are checked here.
func validateCertificates(snapshot *config.Snapshot) []finding {
	var findings []finding

	for i := range snapshot.Certificates {
		cert := &snapshot.Certificates[i]
		if cert.Status != config.CertificateActive {
			continue
		}
		key := fmt.Sprintf("4.certificate.%s", cert.ID.String())

		tlsCert, err := tls.X509KeyPair([]byte(cert.CertPEM), []byte(cert.KeyPEM))
		if err != nil {
			findings = append(findings, finding{key + ".keypair", ErrInvalidCertificate})
			continue
		}

		leaf, err := x509.ParseCertificate(tlsCert.Certificate[0])
		if err != nil {
			findings = append(findings, finding{key + ".parse", ErrInvalidCertificate})
			continue
		}

		if err := leaf.VerifyHostname(cert.Domain); err != nil {
			findings = append(findings, finding{key + ".domain", ErrInvalidCertificate})
		}
	}

	return findings
}

func validateUpstreamTargets(snapshot *config.Snapshot) []finding {
	var findings []finding

	for _, target := range snapshot.UpstreamTargets {
		key := fmt.Sprintf("2.target.%s", target.ID.String())

		// T1: address resolves syntactically (host:port). DNS resolution is
		// deferred to dispatch time — only syntactic shape is checked here.
		host, port, err := net.SplitHostPort(target.Address)
		if err != nil || host == "" || port == "" {
			findings = append(findings, finding{key, ErrInvalidUpstreamAddress})
			continue
		}
	}

	return findings
}
