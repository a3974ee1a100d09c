// Package tlsresolver resolves a TLS handshake's certificate by the
// local port it arrived on and the SNI hostname the client requested.
// Reconciliation hot-swaps a port's certificate set with a single map
// assignment under the resolver's lock, so an in-progress handshake never observes a
// half-updated certificate and no existing connection is forcibly closed
// when certificates rotate.
package tlsresolver

import (
	"crypto/tls"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	apierrors "github.com/meshrelay/gateway/pkg/apis/errors"
)

// portCerts is the immutable certificate set served on one port: a
// certificate per covered domain, plus the domain to fall back to when
// the client presents no SNI hostname at all. Rebuilding this wholesale
// on every reconciliation apply (rather than mutating it) is what lets
// Resolver hot-swap with a single map assignment.
type portCerts struct {
	byDomain      map[string]*tls.Certificate
	defaultDomain string
}

// Resolver serves *tls.Certificate by local listening port and SNI
// hostname.
type Resolver struct {
	mu    sync.RWMutex
	ports map[int]*portCerts

	logger *logrus.Entry
}

// New constructs an empty Resolver.
func New() *Resolver {
	return &Resolver{
		ports:  make(map[int]*portCerts),
		logger: logrus.WithField("component", "dataplane.tlsresolver"),
	}
}

// Set installs or hot-swaps the full certificate set served on port.
// certsByDomain must be keyed by normalized (lowercased) domain.
// defaultDomain is the domain resolved when a handshake carries no SNI
// hostname; it should be a key present in certsByDomain.
func (r *Resolver) Set(port int, certsByDomain map[string]*tls.Certificate, defaultDomain string) {
	pc := &portCerts{byDomain: certsByDomain, defaultDomain: strings.ToLower(defaultDomain)}

	r.mu.Lock()
	r.ports[port] = pc
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{"port": port, "domains": len(certsByDomain)}).Debug("certificate set installed")
}

// Remove stops serving certificates for port.
func (r *Resolver) Remove(port int) {
	r.mu.Lock()
	delete(r.ports, port)
	r.mu.Unlock()
}

// ForPort returns a GetCertificate callback bound to a fixed port, for
// wiring into that port's tls.Config. It resolves by the handshake's SNI
// ServerName when present, falling back to the port's default domain
// otherwise (a nil ClientHelloInfo, as used by callers that only need a
// port-scoped lookup, is treated the same as an absent ServerName).
func (r *Resolver) ForPort(port int) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		r.mu.RLock()
		pc, ok := r.ports[port]
		r.mu.RUnlock()
		if !ok {
			return nil, &apierrors.CertificateError{Reason: "no certificate bound to port"}
		}

		domain := pc.defaultDomain
		if hello != nil && hello.ServerName != "" {
			domain = strings.ToLower(hello.ServerName)
		}

		if cert, ok := pc.byDomain[domain]; ok {
			return cert, nil
		}
		if cert, ok := pc.byDomain[pc.defaultDomain]; ok {
			return cert, nil
		}
		return nil, &apierrors.CertificateError{Domain: domain, Reason: "no certificate covers requested hostname"}
	}
}
